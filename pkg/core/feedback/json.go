package feedback

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// decodeFeedbackJSON unmarshals a model response into v. LLMs occasionally
// emit almost-JSON (stray fences, trailing commas); a syntax error triggers a
// jsonrepair pass before giving up.
func decodeFeedbackJSON(raw string, v any) error {
	raw = stripFences(raw)
	err := json.Unmarshal([]byte(raw), v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); !ok {
		return err
	}
	fixed, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return err
	}
	return json.Unmarshal([]byte(fixed), v)
}

func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}
