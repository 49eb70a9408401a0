package assemble

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/taskerr"
)

type fakeSource map[string]string

func (f fakeSource) GetArtifactPayload(ctx context.Context, entityID, kind string) (json.RawMessage, error) {
	if doc, ok := f[kind]; ok {
		return json.RawMessage(doc), nil
	}
	return nil, assert.AnError
}

func testBudget() config.BudgetConfig {
	return config.BudgetConfig{MaxContextBytes: 24000, FieldThresholdChars: 50, BulletKeepLines: 3}
}

func TestCanonicalizeUnwrapsNestedWrappers(t *testing.T) {
	for _, raw := range []string{
		`{"summary":"s"}`,
		`{"result":{"summary":"s"}}`,
		`{"result":{"result":{"summary":"s"}}}`,
	} {
		doc, err := Canonicalize(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, "s", doc["summary"], raw)
	}
}

func TestCanonicalizeKeepsNonWrapperResult(t *testing.T) {
	// "result" next to other keys is data, not an envelope
	doc, err := Canonicalize(json.RawMessage(`{"result":{"x":1},"summary":"s"}`))
	require.NoError(t, err)
	assert.Contains(t, doc, "result")
	// a single-key "result" holding a non-object is data too
	doc, err = Canonicalize(json.RawMessage(`{"result":"plain"}`))
	require.NoError(t, err)
	assert.Equal(t, "plain", doc["result"])
}

func TestExtractContentPrecedence(t *testing.T) {
	body, ok := ExtractContent(map[string]any{"text": "from text", "content": "from content"})
	require.True(t, ok)
	assert.Equal(t, "from content", body)

	body, ok = ExtractContent(map[string]any{"description": "from description", "body": "from body"})
	require.True(t, ok)
	assert.Equal(t, "from body", body)

	_, ok = ExtractContent(map[string]any{"content": "", "title": "no body"})
	assert.False(t, ok)
}

func TestSummarizeKeepsLeadingBullets(t *testing.T) {
	text := "- one\n- two\n- three\n- four\n- five\n" + strings.Repeat("x", 100)
	got := summarize(text, 50, 3)
	assert.Equal(t, "- one\n- two\n- three", got)
}

func TestSummarizeTruncatesOnRuneBoundary(t *testing.T) {
	text := strings.Repeat("é", 80)
	got := summarize(text, 50, 3)
	assert.Equal(t, strings.Repeat("é", 50)+"… [truncated]", got)
	// short text passes through untouched
	assert.Equal(t, "short", summarize("short", 50, 3))
}

func TestAssembleBudgetFailureListsFieldSizes(t *testing.T) {
	a := Assembler{
		Artifacts: fakeSource{domain.ArtifactRFP: `{"content":"` + strings.Repeat("word ", 100) + `"}`},
		Budget:    config.BudgetConfig{MaxContextBytes: 40, FieldThresholdChars: 50, BulletKeepLines: 3},
	}
	_, err := a.Assemble(context.Background(), "p1", domain.TaskRFPAnalysis)
	require.Error(t, err)
	var te *taskerr.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taskerr.CodeContextTooLarge, te.Code)
	assert.Contains(t, te.Details, "size_bytes")
	assert.Contains(t, te.Details, "max_bytes")
	assert.Contains(t, te.Details, "field:rfp_text")
}

func TestAssembleMissingArtifactIsPrerequisite(t *testing.T) {
	a := Assembler{Artifacts: fakeSource{}, Budget: testBudget()}
	_, err := a.Assemble(context.Background(), "p1", domain.TaskRFPAnalysis)
	require.Error(t, err)
	assert.Equal(t, taskerr.CodePrerequisiteIncomplete, taskerr.CodeOf(err))
}

func TestAssembleConceptEvaluationVariables(t *testing.T) {
	a := Assembler{
		Artifacts: fakeSource{
			domain.ArtifactConcept:     `{"content":"my idea"}`,
			domain.ArtifactRFPAnalysis: `{"summary":"short","requirements":["r1","r2"]}`,
		},
		Budget: testBudget(),
	}
	res, err := a.Assemble(context.Background(), "p1", domain.TaskConceptEvaluation)
	require.NoError(t, err)
	assert.Equal(t, "my idea", res.Variables["concept_text"])
	assert.Equal(t, "short", res.Variables["rfp_summary"])
	assert.Equal(t, "- r1\n- r2", res.Variables["rfp_requirements"])
	assert.Positive(t, res.SizeBytes)
	assert.GreaterOrEqual(t, res.RawBytes, res.SizeBytes)
}

func TestAssembleDraftSelection(t *testing.T) {
	outline := `{"sections":[{"id":"s1","title":"A"},{"id":"s2","title":"B"},{"id":"s3","title":"C"}]}`
	src := fakeSource{
		domain.ArtifactOutline:     outline,
		domain.ArtifactRFPAnalysis: `{"summary":"sum"}`,
		domain.ArtifactConcept:     `{"content":"idea"}`,
	}
	a := Assembler{Artifacts: src, Budget: testBudget()}

	// no selection artifact
	_, err := a.Assemble(context.Background(), "p1", domain.TaskDraftGeneration)
	assert.Equal(t, taskerr.CodePrerequisiteIncomplete, taskerr.CodeOf(err))

	// empty selection
	src[domain.ArtifactSectionSelection] = `{"selected":[]}`
	_, err = a.Assemble(context.Background(), "p1", domain.TaskDraftGeneration)
	assert.Equal(t, taskerr.CodePrerequisiteIncomplete, taskerr.CodeOf(err))

	// selection referencing nothing in the outline
	src[domain.ArtifactSectionSelection] = `{"selected":["nope"]}`
	_, err = a.Assemble(context.Background(), "p1", domain.TaskDraftGeneration)
	assert.Equal(t, taskerr.CodePrerequisiteIncomplete, taskerr.CodeOf(err))

	src[domain.ArtifactSectionSelection] = `{"selected":["s3","s1"]}`
	res, err := a.Assemble(context.Background(), "p1", domain.TaskDraftGeneration)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s3"}, res.SelectedRefs)
	assert.Contains(t, res.Variables["sections_json"], `"s1"`)
	assert.NotContains(t, res.Variables["sections_json"], `"s2"`)
}
