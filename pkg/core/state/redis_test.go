package state

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStoreForTest(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(client, "test:session:", 0)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newRedisStoreForTest(t)

	s, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Mode != ModeImmediate {
		t.Fatalf("default session mode = %s", s.Mode)
	}

	s.SetMode(ModeContinuous)
	s.SetBatchSize(3)
	s.AppendSTTSegment("hello")
	s.Conversation = Conversation{ConversationID: "conv_1", ResponseID: "resp_2", TurnsSinceRebase: 5}
	s.LLMBootstrapped = true
	if err := store.Put(ctx, s); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != ModeContinuous || got.ContinuousBatchSize != 3 {
		t.Fatalf("round trip lost practice settings: %+v", got)
	}
	if got.Conversation.ResponseID != "resp_2" || !got.LLMBootstrapped {
		t.Fatalf("round trip lost conversation state: %+v", got.Conversation)
	}
	if len(got.STTSegments) != 1 || got.STTSegments[0] != "hello" {
		t.Fatalf("round trip lost stt buffer: %v", got.STTSegments)
	}
}

func TestRedisStoreReset(t *testing.T) {
	ctx := context.Background()
	store := newRedisStoreForTest(t)

	s, _ := store.Get(ctx, "sess-1")
	s.QuestionCursor = 4
	if err := store.Put(ctx, s); err != nil {
		t.Fatal(err)
	}
	if err := store.Reset(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.QuestionCursor != 0 {
		t.Fatal("reset must drop the record")
	}
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	if _, err := NewRedisStore(nil, "", 0); err == nil {
		t.Fatal("expected error for nil client")
	}
}
