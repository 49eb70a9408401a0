package assemble

import "encoding/json"

// wrapperKey is the envelope key some artifact producers wrap their output
// in, sometimes more than once.
const wrapperKey = "result"

// Canonicalize decodes an artifact payload and unwraps every level of the
// wrapper envelope. Unwrapping loops while the outer object is a bare
// {"result": {...}} wrapper rather than assuming a fixed depth, so a
// double-wrapped payload and a clean one canonicalize to the same document.
func Canonicalize(raw json.RawMessage) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return Unwrap(doc), nil
}

// Unwrap removes nested wrapper envelopes from an already-decoded document.
func Unwrap(doc map[string]any) map[string]any {
	for {
		if len(doc) != 1 {
			return doc
		}
		inner, ok := doc[wrapperKey].(map[string]any)
		if !ok {
			return doc
		}
		doc = inner
	}
}

// contentRule pairs a field name with an extractor. Rules are evaluated in
// declaration order, so the precedence between alternately-named content
// fields is explicit and testable.
type contentRule struct {
	key     string
	extract func(v any) (string, bool)
}

var contentRules = []contentRule{
	{"content", asString},
	{"text", asString},
	{"body", asString},
	{"description", asString},
}

// ExtractContent locates the document body under one of several
// alternately-named fields, in fixed priority order.
func ExtractContent(doc map[string]any) (string, bool) {
	for _, rule := range contentRules {
		v, ok := doc[rule.key]
		if !ok {
			continue
		}
		if s, ok := rule.extract(v); ok {
			return s, true
		}
	}
	return "", false
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
