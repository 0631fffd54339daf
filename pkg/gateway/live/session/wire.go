package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/speaklab/voicecoach/pkg/core/orchestrator"
	"github.com/speaklab/voicecoach/pkg/gateway/live/protocol"
)

const (
	priorityQueueSize = 64
	audioQueueSize    = 256
)

// Wire is the outbound half of one practice connection. It implements
// orchestrator.Sink: events are marshalled to the wire envelope and queued
// for the single writer goroutine. Audio chunks ride the normal queue;
// everything else is control and takes priority.
type Wire struct {
	ctx    context.Context
	cancel context.CancelFunc

	priority chan outboundFrame
	normal   chan outboundFrame

	writer *outboundWriter

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewWire builds the wire over an upgraded websocket connection. Run must be
// called exactly once, on its own goroutine.
func NewWire(ws wsWriter, cfg Config) *Wire {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Wire{
		ctx:      ctx,
		cancel:   cancel,
		priority: make(chan outboundFrame, priorityQueueSize),
		normal:   make(chan outboundFrame, audioQueueSize),
	}
	w.writer = &outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      cfg,
		priority: w.priority,
		normal:   w.normal,
	}
	return w
}

// Run drives the writer until the connection fails or Close is called.
func (w *Wire) Run() error {
	err := w.writer.Run()
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	w.cancel()
	return err
}

// Send queues one event for delivery. Control events block until queued;
// audio chunks fail fast when the client cannot keep up, which the
// orchestrator treats as fatal.
func (w *Wire) Send(event string, payload map[string]any) error {
	raw, err := json.Marshal(protocol.ServerEvent{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	frame := outboundFrame{payload: raw}

	if event == orchestrator.EventTTSChunk {
		select {
		case w.normal <- frame:
			return nil
		case <-w.ctx.Done():
			return w.closedErr()
		default:
			return fmt.Errorf("client audio queue is full")
		}
	}

	select {
	case w.priority <- frame:
		return nil
	case <-w.ctx.Done():
		return w.closedErr()
	}
}

// Close stops the writer; queued priority frames get a short flush window.
func (w *Wire) Close() {
	w.closeOnce.Do(w.cancel)
}

// Done is closed when the writer has been asked to stop or has failed.
func (w *Wire) Done() <-chan struct{} { return w.ctx.Done() }

func (w *Wire) closedErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return fmt.Errorf("connection closed: %w", w.err)
	}
	return fmt.Errorf("connection closed")
}
