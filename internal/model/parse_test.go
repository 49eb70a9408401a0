package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"draftline/internal/taskerr"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"raw", `{"summary":"s"}`, `{"summary":"s"}`},
		{"fenced", "```json\n{\"summary\":\"s\"}\n```", `{"summary":"s"}`},
		{"fenced no language", "```\n{\"summary\":\"s\"}\n```", `{"summary":"s"}`},
		{"surrounding whitespace", "\n\n  {\"summary\":\"s\"}  \n", `{"summary":"s"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestExtractJSONMalformed(t *testing.T) {
	_, err := ExtractJSON("Sure! Here is the analysis you asked for.")
	require.Error(t, err)
	var te *taskerr.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taskerr.CodeMalformedResponse, te.Code)
	assert.Contains(t, te.Details["raw_prefix"], "Sure!")
}

func TestFilterSectionRefs(t *testing.T) {
	raw := json.RawMessage(`{"sections":[
		{"id":"s1","body":"a"},
		{"id":"made-up","body":"b"},
		{"body":"no id claim"}
	]}`)
	got := FilterSectionRefs(raw, []string{"s1", "s2"})

	var doc map[string]any
	require.NoError(t, json.Unmarshal(got, &doc))
	sections := doc["sections"].([]any)
	require.Len(t, sections, 2)
	assert.Equal(t, "s1", sections[0].(map[string]any)["id"])
	_, hasID := sections[1].(map[string]any)["id"]
	assert.False(t, hasID)
}

func TestFilterSectionRefsPassthrough(t *testing.T) {
	// non-object and no-sections documents are left untouched
	raw := json.RawMessage(`{"summary":"s"}`)
	assert.Equal(t, raw, FilterSectionRefs(raw, []string{"s1"}))
	arr := json.RawMessage(`[1,2,3]`)
	assert.Equal(t, arr, FilterSectionRefs(arr, []string{"s1"}))
}
