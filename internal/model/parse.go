package model

import (
	"encoding/json"
	"strings"

	"draftline/internal/taskerr"
)

const rawPrefixLen = 160

// ExtractJSON pulls the JSON document out of a model response, stripping a
// surrounding code fence if present. A response that is neither fenced nor
// raw JSON yields MalformedResponse carrying a prefix of the raw text; it
// never panics the caller.
func ExtractJSON(out string) (json.RawMessage, error) {
	s := strings.TrimSpace(out)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.Index(s, "\n"); i >= 0 {
			// drop the language tag line (```json)
			s = s[i+1:]
		} else {
			s = ""
		}
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, taskerr.New(taskerr.CodeMalformedResponse, "model response is not valid JSON").
			WithDetails(map[string]any{"raw_prefix": prefix(out)})
	}
	return json.RawMessage(s), nil
}

// FilterSectionRefs drops result sections whose id was not in the submitted
// set, so a hallucinated reference never propagates into stored artifacts.
// Sections carrying no id make no reference claim and are kept.
func FilterSectionRefs(raw json.RawMessage, allowed []string) json.RawMessage {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}
	items, ok := doc["sections"].([]any)
	if !ok {
		return raw
	}
	set := map[string]bool{}
	for _, id := range allowed {
		set[id] = true
	}
	kept := []any{}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := m["id"].(string); id != "" && !set[id] {
			continue
		}
		kept = append(kept, it)
	}
	doc["sections"] = kept
	b, err := json.Marshal(doc)
	if err != nil {
		return raw
	}
	return b
}

func prefix(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > rawPrefixLen {
		return s[:rawPrefixLen]
	}
	return s
}
