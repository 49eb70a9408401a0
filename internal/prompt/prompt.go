// Package prompt renders versioned prompt templates against a flat variable
// mapping. Substitution is purely textual: no conditionals, no loops. All
// branching happens upstream in the context assembler, so a template stays
// reviewable as plain text.
package prompt

import (
	"regexp"

	"draftline/internal/domain"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Rendered holds the concrete prompts submitted to the model.
type Rendered struct {
	System string
	User   string
}

// Render substitutes every {{name}} occurrence in both prompt bodies.
// A placeholder with no matching variable becomes an explicit
// [missing:name] marker instead of raw syntax or silent deletion, so an
// integration bug shows up in the generated output rather than hiding.
func Render(t domain.PromptTemplate, vars map[string]string) Rendered {
	return Rendered{
		System: substitute(t.SystemPrompt, vars),
		User:   substitute(t.UserPromptTemplate, vars),
	}
}

func substitute(s string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return "[missing:" + name + "]"
	})
}

// Placeholders returns the distinct placeholder names in s, in order of
// first appearance.
func Placeholders(s string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
