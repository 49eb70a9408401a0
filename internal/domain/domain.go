package domain

// Task types, in pipeline order. Each type's output becomes an upstream
// artifact for the next.
const (
	TaskRFPAnalysis       = "rfp_analysis"
	TaskConceptEvaluation = "concept_evaluation"
	TaskOutlineGeneration = "outline_generation"
	TaskDraftGeneration   = "draft_generation"
)

// Task statuses. Completed and failed are terminal.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Artifact kinds supplied by the client.
const (
	ArtifactRFP              = "rfp"
	ArtifactConcept          = "concept"
	ArtifactSectionSelection = "section_selection"
)

// Artifact kinds produced by completed tasks.
const (
	ArtifactRFPAnalysis       = "rfp_analysis"
	ArtifactConceptEvaluation = "concept_evaluation"
	ArtifactOutline           = "outline"
	ArtifactDraft             = "draft"
)

// Template statuses. Only published templates are resolved at runtime.
const (
	TemplateDraft     = "draft"
	TemplatePublished = "published"
)

// ClientArtifactKind reports whether kind is one of the inputs clients may
// write. Generated kinds are only ever written by completed tasks.
func ClientArtifactKind(kind string) bool {
	switch kind {
	case ArtifactRFP, ArtifactConcept, ArtifactSectionSelection:
		return true
	}
	return false
}

// KnownTaskType reports whether t is one of the generation task types.
func KnownTaskType(t string) bool {
	switch t {
	case TaskRFPAnalysis, TaskConceptEvaluation, TaskOutlineGeneration, TaskDraftGeneration:
		return true
	}
	return false
}

// IsTerminal reports whether a task status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// GenerationConfig is the parameter snapshot recorded when a task starts,
// kept for reproducibility and debugging.
type GenerationConfig struct {
	Model           string  `json:"model"`
	Temperature     float64 `json:"temperature"`
	PromptVersion   int     `json:"prompt_version,omitempty"`
	ContextBytes    int     `json:"context_bytes,omitempty"`
	RawContextBytes int     `json:"raw_context_bytes,omitempty"`
}

// GenerationTask is one attempt to produce an artifact for an entity.
// At most one row exists per (entity_id, task_type) and it may be
// non-terminal for at most one in-flight attempt.
type GenerationTask struct {
	ID          string           `json:"id"`
	EntityID    string           `json:"entity_id"`
	TaskType    string           `json:"task_type" enum:"rfp_analysis,concept_evaluation,outline_generation,draft_generation"`
	Status      string           `json:"status" enum:"pending,processing,completed,failed"`
	ResultJSON  *string          `json:"result_json,omitempty"`
	Error       *string          `json:"error,omitempty"`
	StartedAt   string           `json:"started_at" format:"date-time"`
	CompletedAt *string          `json:"completed_at,omitempty" format:"date-time"`
	Config      GenerationConfig `json:"generation_config"`
}

// PromptTemplate is one version of the instruction set bound to a section key.
// Versions are immutable once published; the engine only reads them.
type PromptTemplate struct {
	ID                 string `json:"id"`
	SectionKey         string `json:"section_key"`
	Version            int    `json:"version"`
	Status             string `json:"status" enum:"draft,published"`
	SystemPrompt       string `json:"system_prompt"`
	UserPromptTemplate string `json:"user_prompt_template"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

// Artifact is a JSON document owned by an entity: either client input
// (rfp, concept, section_selection) or the output of a completed task.
type Artifact struct {
	EntityID  string `json:"entity_id"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload_json"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	TaskType string `json:"task_type,omitempty"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}
