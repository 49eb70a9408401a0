package server

import (
	"encoding/json"
	"errors"

	"draftline/internal/domain"
)

func marshalBody(doc map[string]any) (string, error) {
	if doc == nil {
		return "", errors.New("empty body")
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type TaskResponse struct {
	ID          string           `json:"id"`
	EntityID    string           `json:"entity_id"`
	TaskType    string           `json:"task_type"`
	Status      string           `json:"status" enum:"pending,processing,completed,failed"`
	Result      map[string]any   `json:"result,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Error       *string          `json:"error,omitempty"`
	StartedAt   string           `json:"started_at"`
	CompletedAt *string          `json:"completed_at,omitempty"`
	Config      GenerationConfig `json:"generation_config"`
}

type GenerationConfig struct {
	Model           string  `json:"model"`
	Temperature     float64 `json:"temperature"`
	PromptVersion   int     `json:"prompt_version,omitempty"`
	ContextBytes    int     `json:"context_bytes,omitempty"`
	RawContextBytes int     `json:"raw_context_bytes,omitempty"`
}

type ArtifactResponse struct {
	EntityID  string         `json:"entity_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
	UpdatedAt string         `json:"updated_at"`
}

type TemplateResponse struct {
	ID         string `json:"id"`
	SectionKey string `json:"section_key"`
	Version    int    `json:"version"`
	Status     string `json:"status" enum:"draft,published"`
	CreatedAt  string `json:"created_at"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id,omitempty"`
	TaskType string         `json:"task_type,omitempty"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func taskResponse(t domain.GenerationTask) TaskResponse {
	resp := TaskResponse{
		ID:          t.ID,
		EntityID:    t.EntityID,
		TaskType:    t.TaskType,
		Status:      t.Status,
		Error:       t.Error,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Config: GenerationConfig{
			Model:           t.Config.Model,
			Temperature:     t.Config.Temperature,
			PromptVersion:   t.Config.PromptVersion,
			ContextBytes:    t.Config.ContextBytes,
			RawContextBytes: t.Config.RawContextBytes,
		},
	}
	if t.ResultJSON != nil {
		var doc map[string]any
		if err := json.Unmarshal([]byte(*t.ResultJSON), &doc); err == nil {
			resp.Result = doc
		}
	}
	return resp
}

func mapTasks(items []domain.GenerationTask) []TaskResponse {
	res := []TaskResponse{}
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	var doc map[string]any
	_ = json.Unmarshal([]byte(a.Payload), &doc)
	return ArtifactResponse{
		EntityID:  a.EntityID,
		Kind:      a.Kind,
		Payload:   doc,
		UpdatedAt: a.UpdatedAt,
	}
}

func templateResponse(t domain.PromptTemplate) TemplateResponse {
	return TemplateResponse{
		ID:         t.ID,
		SectionKey: t.SectionKey,
		Version:    t.Version,
		Status:     t.Status,
		CreatedAt:  t.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	_ = json.Unmarshal([]byte(e.Payload), &payload)
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		EntityID: e.EntityID,
		TaskType: e.TaskType,
		ActorID:  e.ActorID,
		Payload:  payload,
	}
}
