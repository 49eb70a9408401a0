// Package assemble builds the flat variable mapping a prompt template
// expects from the entity's upstream artifacts, and enforces the serialized
// context budget before any model call.
package assemble

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/taskerr"
)

// ArtifactSource is the read-only view of the document store the assembler
// pulls upstream artifacts from.
type ArtifactSource interface {
	GetArtifactPayload(ctx context.Context, entityID, kind string) (json.RawMessage, error)
}

type Assembler struct {
	Artifacts ArtifactSource
	Budget    config.BudgetConfig
}

// Result is the ephemeral, task-scoped assembled context. It is rebuilt on
// every attempt so edits made between attempts are picked up automatically.
type Result struct {
	Variables map[string]string
	// SizeBytes is the serialized size after summarization; RawBytes before.
	SizeBytes int
	RawBytes  int
	// SelectedRefs are the section ids submitted to the model, used to
	// validate the ids the model echoes back.
	SelectedRefs []string
}

// Variables lists the variable names assembled for a task type. Template
// import validates placeholders against this set so a typo in a template
// surfaces at import time instead of as a [missing:name] marker in a prompt.
func Variables(taskType string) []string {
	switch taskType {
	case domain.TaskRFPAnalysis:
		return []string{"rfp_text"}
	case domain.TaskConceptEvaluation:
		return []string{"concept_text", "rfp_summary", "rfp_requirements"}
	case domain.TaskOutlineGeneration:
		return []string{"concept_text", "evaluation_summary", "concept_strengths", "rfp_requirements"}
	case domain.TaskDraftGeneration:
		return []string{"sections_json", "rfp_summary", "concept_text"}
	}
	return nil
}

// Assemble fetches the artifacts relevant to the task type, summarizes
// oversized fields, and checks the serialized size against the budget.
// It fails with ContextTooLarge before the model is ever invoked.
func (a Assembler) Assemble(ctx context.Context, entityID, taskType string) (Result, error) {
	var (
		vars map[string]string
		refs []string
		err  error
	)
	switch taskType {
	case domain.TaskRFPAnalysis:
		vars, err = a.rfpAnalysisVars(ctx, entityID)
	case domain.TaskConceptEvaluation:
		vars, err = a.conceptEvaluationVars(ctx, entityID)
	case domain.TaskOutlineGeneration:
		vars, err = a.outlineGenerationVars(ctx, entityID)
	case domain.TaskDraftGeneration:
		vars, refs, err = a.draftGenerationVars(ctx, entityID)
	default:
		return Result{}, taskerr.Newf(taskerr.CodeInternal, "no assembly rule for task type %s", taskType)
	}
	if err != nil {
		return Result{}, err
	}

	rawBytes := serializedSize(vars)
	for name, value := range vars {
		vars[name] = summarize(value, a.Budget.FieldThresholdChars, a.Budget.BulletKeepLines)
	}
	sizeBytes := serializedSize(vars)

	if sizeBytes > a.Budget.MaxContextBytes {
		details := map[string]any{"size_bytes": sizeBytes, "max_bytes": a.Budget.MaxContextBytes}
		for name, value := range vars {
			details["field:"+name] = len(value)
		}
		return Result{}, taskerr.Newf(taskerr.CodeContextTooLarge,
			"assembled context is %d bytes, budget is %d", sizeBytes, a.Budget.MaxContextBytes).
			WithDetails(details)
	}

	return Result{
		Variables:    vars,
		SizeBytes:    sizeBytes,
		RawBytes:     rawBytes,
		SelectedRefs: refs,
	}, nil
}

func (a Assembler) rfpAnalysisVars(ctx context.Context, entityID string) (map[string]string, error) {
	rfp, err := a.contentVar(ctx, entityID, domain.ArtifactRFP)
	if err != nil {
		return nil, err
	}
	return map[string]string{"rfp_text": rfp}, nil
}

func (a Assembler) conceptEvaluationVars(ctx context.Context, entityID string) (map[string]string, error) {
	concept, err := a.contentVar(ctx, entityID, domain.ArtifactConcept)
	if err != nil {
		return nil, err
	}
	analysis, err := a.document(ctx, entityID, domain.ArtifactRFPAnalysis)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"concept_text":     concept,
		"rfp_summary":      stringField(analysis, "summary"),
		"rfp_requirements": bulletList(analysis, "requirements"),
	}, nil
}

func (a Assembler) outlineGenerationVars(ctx context.Context, entityID string) (map[string]string, error) {
	concept, err := a.contentVar(ctx, entityID, domain.ArtifactConcept)
	if err != nil {
		return nil, err
	}
	evaluation, err := a.document(ctx, entityID, domain.ArtifactConceptEvaluation)
	if err != nil {
		return nil, err
	}
	analysis, err := a.document(ctx, entityID, domain.ArtifactRFPAnalysis)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"concept_text":       concept,
		"evaluation_summary": stringField(evaluation, "summary"),
		"concept_strengths":  bulletList(evaluation, "strengths"),
		"rfp_requirements":   bulletList(analysis, "requirements"),
	}, nil
}

// draftGenerationVars includes only the outline sections the user selected.
// Filtering by explicit selection is mandatory: the full outline is never
// submitted for the model to ignore.
func (a Assembler) draftGenerationVars(ctx context.Context, entityID string) (map[string]string, []string, error) {
	outline, err := a.document(ctx, entityID, domain.ArtifactOutline)
	if err != nil {
		return nil, nil, err
	}
	selection, err := a.document(ctx, entityID, domain.ArtifactSectionSelection)
	if err != nil {
		return nil, nil, err
	}
	selected := stringList(selection, "selected")
	if len(selected) == 0 {
		return nil, nil, taskerr.New(taskerr.CodePrerequisiteIncomplete, "no outline sections selected")
	}
	selectedSet := map[string]bool{}
	for _, id := range selected {
		selectedSet[id] = true
	}

	var sections []map[string]any
	var refs []string
	for _, s := range sectionList(outline) {
		id, _ := s["id"].(string)
		if id == "" || !selectedSet[id] {
			continue
		}
		sections = append(sections, s)
		refs = append(refs, id)
	}
	if len(sections) == 0 {
		return nil, nil, taskerr.New(taskerr.CodePrerequisiteIncomplete, "selected sections not present in outline")
	}
	sectionsJSON, err := json.Marshal(sections)
	if err != nil {
		return nil, nil, err
	}

	analysis, err := a.document(ctx, entityID, domain.ArtifactRFPAnalysis)
	if err != nil {
		return nil, nil, err
	}
	concept, err := a.contentVar(ctx, entityID, domain.ArtifactConcept)
	if err != nil {
		return nil, nil, err
	}
	return map[string]string{
		"sections_json": string(sectionsJSON),
		"rfp_summary":   stringField(analysis, "summary"),
		"concept_text":  concept,
	}, refs, nil
}

// document fetches and canonicalizes one upstream artifact. A missing
// artifact is a prerequisite failure, not an internal error: the upstream
// producer has not run or the user has not supplied the input yet.
func (a Assembler) document(ctx context.Context, entityID, kind string) (map[string]any, error) {
	raw, err := a.Artifacts.GetArtifactPayload(ctx, entityID, kind)
	if err != nil {
		return nil, taskerr.Newf(taskerr.CodePrerequisiteIncomplete, "artifact %s missing for entity %s", kind, entityID)
	}
	doc, err := Canonicalize(raw)
	if err != nil {
		return nil, taskerr.Newf(taskerr.CodeInternal, "artifact %s is not a JSON object: %v", kind, err)
	}
	return doc, nil
}

func (a Assembler) contentVar(ctx context.Context, entityID, kind string) (string, error) {
	doc, err := a.document(ctx, entityID, kind)
	if err != nil {
		return "", err
	}
	body, ok := ExtractContent(doc)
	if !ok {
		return "", taskerr.Newf(taskerr.CodePrerequisiteIncomplete, "artifact %s has no content field", kind)
	}
	return body, nil
}

// summarize shortens a single oversized field deterministically: keep the
// leading bullet lines when the text is a bullet list, otherwise hard-cut
// with an explicit marker. Never calls the model.
func summarize(text string, thresholdChars, keepLines int) string {
	if utf8.RuneCountInString(text) <= thresholdChars {
		return text
	}
	if lines := bulletLines(text); len(lines) > 0 {
		if len(lines) > keepLines {
			lines = lines[:keepLines]
		}
		return strings.Join(lines, "\n")
	}
	return string([]rune(text)[:thresholdChars]) + "… [truncated]"
}

func bulletLines(text string) []string {
	var bullets []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") || strings.HasPrefix(trimmed, "• ") {
			bullets = append(bullets, trimmed)
		}
	}
	return bullets
}

func serializedSize(vars map[string]string) int {
	b, _ := json.Marshal(vars)
	return len(b)
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func stringList(doc map[string]any, key string) []string {
	items, _ := doc[key].([]any)
	var res []string
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			res = append(res, s)
		}
	}
	return res
}

func sectionList(doc map[string]any) []map[string]any {
	items, _ := doc["sections"].([]any)
	var res []map[string]any
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			res = append(res, m)
		}
	}
	return res
}

func bulletList(doc map[string]any, key string) string {
	items := stringList(doc, key)
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
