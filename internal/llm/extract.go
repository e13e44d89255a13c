// Package llm contains helpers for working with free-form model output,
// in particular extracting structured verdicts that providers wrap in
// surrounding prose or markdown fences.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ExtractObject locates the first JSON object embedded in raw model
// output and unmarshals it into v, repairing common malformations
// (trailing commas, unquoted keys, truncated objects) along the way.
func ExtractObject(raw string, v any) error {
	candidate := isolateObject(raw)
	if candidate == "" {
		return fmt.Errorf("no JSON object in response")
	}

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return fmt.Errorf("repair JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("decode repaired JSON: %w", err)
	}
	return nil
}

// isolateObject strips markdown fences and returns the outermost
// '{'..'}' span, or "" when no object is present.
func isolateObject(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "}")
	if end > start {
		return text[start : end+1]
	}
	// Truncated object: let the repair pass complete it.
	return text[start:]
}
