// Package engine orchestrates the generation pipeline: it owns task state
// transitions, drives the assemble/render/invoke/store sequence for each
// attempt, and is the only writer of generated artifacts.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"draftline/internal/assemble"
	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/events"
	"draftline/internal/model"
	"draftline/internal/prompt"
	"draftline/internal/repo"
	"draftline/internal/taskerr"
)

// sectionKeyFor maps a task type to the template section key it renders.
var sectionKeyFor = map[string]string{
	domain.TaskRFPAnalysis:       "rfp.analysis",
	domain.TaskConceptEvaluation: "concept.evaluation",
	domain.TaskOutlineGeneration: "outline.generation",
	domain.TaskDraftGeneration:   "draft.generation",
}

// taskTypeFor is the inverse of sectionKeyFor: the task type that renders a
// section key, when one does.
var taskTypeFor = func() map[string]string {
	m := make(map[string]string, len(sectionKeyFor))
	for taskType, key := range sectionKeyFor {
		m[key] = taskType
	}
	return m
}()

// prerequisiteFor names the task that must have completed before a task of
// the given type may start. The chain is linear.
var prerequisiteFor = map[string]string{
	domain.TaskConceptEvaluation: domain.TaskRFPAnalysis,
	domain.TaskOutlineGeneration: domain.TaskConceptEvaluation,
	domain.TaskDraftGeneration:   domain.TaskOutlineGeneration,
}

// outputKindFor maps a task type to the artifact kind its result is stored
// under when the task completes.
var outputKindFor = map[string]string{
	domain.TaskRFPAnalysis:       domain.ArtifactRFPAnalysis,
	domain.TaskConceptEvaluation: domain.ArtifactConceptEvaluation,
	domain.TaskOutlineGeneration: domain.ArtifactOutline,
	domain.TaskDraftGeneration:   domain.ArtifactDraft,
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Model     model.Invoker
	Assembler assemble.Assembler
	Now       func() time.Time
	// Dispatch runs the pipeline after a task is accepted. Defaults to a
	// goroutine; tests override it to run inline.
	Dispatch func(func())
	Log      *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, m model.Invoker, log *slog.Logger) Engine {
	r := repo.Repo{DB: db}
	if log == nil {
		log = slog.Default()
	}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Model:     m,
		Assembler: assemble.Assembler{Artifacts: r, Budget: cfg.Budget},
		Now:       time.Now,
		Dispatch:  func(f func()) { go f() },
		Log:       log,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) dispatch(f func()) {
	if e.Dispatch != nil {
		e.Dispatch(f)
		return
	}
	go f()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// Start accepts a new generation task for (entity, task type) and schedules
// the pipeline. It returns Conflict while an attempt is in flight and also
// over a terminal record, which only Regenerate may replace. Prerequisite
// and conflict failures surface synchronously; everything downstream lands
// on the stored task record.
func (e Engine) Start(ctx context.Context, entityID, taskType, actorID string) (domain.GenerationTask, error) {
	existing, err := e.Repo.GetTask(ctx, entityID, taskType)
	if err == nil && domain.IsTerminal(existing.Status) {
		return domain.GenerationTask{}, taskerr.Newf(taskerr.CodeConflict,
			"task %s already %s for entity %s; use regenerate", taskType, existing.Status, entityID)
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.GenerationTask{}, err
	}
	return e.accept(ctx, entityID, taskType, actorID, "task.started")
}

// Regenerate discards a terminal attempt and schedules a fresh one. An
// in-flight attempt still returns Conflict; regeneration never preempts.
func (e Engine) Regenerate(ctx context.Context, entityID, taskType, actorID string) (domain.GenerationTask, error) {
	return e.accept(ctx, entityID, taskType, actorID, "task.regenerated")
}

func (e Engine) accept(ctx context.Context, entityID, taskType, actorID, evtType string) (domain.GenerationTask, error) {
	if entityID == "" {
		return domain.GenerationTask{}, taskerr.New(taskerr.CodeInvalidInput, "entity id is required")
	}
	if !domain.KnownTaskType(taskType) {
		return domain.GenerationTask{}, taskerr.Newf(taskerr.CodeInvalidInput, "unknown task type %s", taskType)
	}
	if err := e.ensurePrerequisite(ctx, entityID, taskType); err != nil {
		return domain.GenerationTask{}, err
	}

	t := domain.GenerationTask{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		TaskType:  taskType,
		Status:    domain.StatusPending,
		StartedAt: e.now().UTC().Format(time.RFC3339),
		Config: domain.GenerationConfig{
			Model:       e.Config.Model.Name,
			Temperature: e.Config.Model.Temperature,
		},
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GenerationTask{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPendingTx(ctx, tx, t); err != nil {
		return domain.GenerationTask{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, entityID, taskType, actorID, events.EventPayload{
		"task_id": t.ID,
		"status":  t.Status,
	}); err != nil {
		return domain.GenerationTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.GenerationTask{}, err
	}

	e.dispatch(func() { e.Run(context.Background(), t.ID) })
	return t, nil
}

// ensurePrerequisite checks that the upstream task in the chain has
// completed. The check reads the task record, not the artifact: a completed
// record implies its artifact was stored in the same transaction.
func (e Engine) ensurePrerequisite(ctx context.Context, entityID, taskType string) error {
	prereq, ok := prerequisiteFor[taskType]
	if !ok {
		return nil
	}
	t, err := e.Repo.GetTask(ctx, entityID, prereq)
	if errors.Is(err, repo.ErrNotFound) {
		return taskerr.Newf(taskerr.CodePrerequisiteIncomplete,
			"%s requires %s to complete first", taskType, prereq)
	}
	if err != nil {
		return err
	}
	if t.Status != domain.StatusCompleted {
		return taskerr.Newf(taskerr.CodePrerequisiteIncomplete,
			"%s requires %s to complete first; it is %s", taskType, prereq, t.Status)
	}
	return nil
}

// RecoverInterrupted fails every pending or processing task left behind by a
// previous process. Such a record has no worker anymore, can never reach a
// terminal status on its own, and holds its (entity, task type) key against
// both Start and Regenerate. Run it once at startup, before accepting work.
func (e Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	orphans, err := e.Repo.ListNonTerminal(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, t := range orphans {
		cause := taskerr.New(taskerr.CodeInternal, "interrupted: the worker did not survive a restart")
		if err := e.fail(ctx, t, cause); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Status returns the task record for polling. Completion is observed as a
// terminal status on this record; there is no other signal.
func (e Engine) Status(ctx context.Context, entityID, taskType string) (domain.GenerationTask, error) {
	if !domain.KnownTaskType(taskType) {
		return domain.GenerationTask{}, taskerr.Newf(taskerr.CodeInvalidInput, "unknown task type %s", taskType)
	}
	return e.Repo.GetTask(ctx, entityID, taskType)
}

// Run executes the pipeline for one accepted task. Errors are persisted on
// the task record; Run itself only logs.
func (e Engine) Run(ctx context.Context, taskID string) {
	if err := e.runTask(ctx, taskID); err != nil {
		e.log().Error("task pipeline error", "task_id", taskID, "error", err)
	}
}

func (e Engine) runTask(ctx context.Context, taskID string) error {
	t, started, err := e.Repo.MarkProcessing(ctx, taskID)
	if err != nil {
		return err
	}
	if !started {
		// already picked up or already terminal
		return nil
	}
	e.log().Info("task processing", "task_id", t.ID, "entity_id", t.EntityID, "task_type", t.TaskType)

	result, runErr := e.generate(ctx, &t)
	if runErr != nil {
		return e.fail(ctx, t, runErr)
	}
	return e.complete(ctx, t, result)
}

// generate runs assemble, render and invoke. It mutates t.Config with the
// per-attempt snapshot (prompt version, context sizes) so the completed
// record describes exactly what produced the result.
func (e Engine) generate(ctx context.Context, t *domain.GenerationTask) (json.RawMessage, error) {
	assembled, err := e.Assembler.Assemble(ctx, t.EntityID, t.TaskType)
	if err != nil {
		return nil, err
	}
	t.Config.ContextBytes = assembled.SizeBytes
	t.Config.RawContextBytes = assembled.RawBytes

	sectionKey := sectionKeyFor[t.TaskType]
	tpl, err := e.Repo.ResolveTemplate(ctx, sectionKey)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, taskerr.Newf(taskerr.CodeTemplateNotFound, "no published template for %s", sectionKey)
	}
	if err != nil {
		return nil, err
	}
	t.Config.PromptVersion = tpl.Version

	rendered := prompt.Render(tpl, assembled.Variables)
	return e.Model.Invoke(ctx, model.Request{
		System:      rendered.System,
		User:        rendered.User,
		Config:      t.Config,
		AllowedRefs: assembled.SelectedRefs,
	})
}

// complete stores the result on the task record and upserts the generated
// artifact in the same transaction, so downstream prerequisite checks never
// observe a completed task without its artifact.
func (e Engine) complete(ctx context.Context, t domain.GenerationTask, result json.RawMessage) error {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	updated, applied, err := e.Repo.MarkCompletedTx(ctx, tx, t.ID, string(result), t.Config, now)
	if err != nil {
		return err
	}
	if !applied {
		// a concurrent regenerate replaced this attempt; drop the result
		return tx.Rollback()
	}
	if err := e.Repo.UpsertArtifactTx(ctx, tx, domain.Artifact{
		EntityID:  t.EntityID,
		Kind:      outputKindFor[t.TaskType],
		Payload:   string(result),
		UpdatedAt: now,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", t.EntityID, t.TaskType, "engine", events.EventPayload{
		"task_id":        t.ID,
		"prompt_version": t.Config.PromptVersion,
		"context_bytes":  t.Config.ContextBytes,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("task completed", "task_id", updated.ID, "entity_id", t.EntityID, "task_type", t.TaskType)
	return nil
}

// fail stores the classified failure on the task record. The pipeline has no
// other channel to the client, so the message must stand on its own.
func (e Engine) fail(ctx context.Context, t domain.GenerationTask, cause error) error {
	classified := taskerr.Classify(cause, taskerr.CodeInternal)
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, _, err := e.Repo.MarkFailedTx(ctx, tx, t.ID, classified.Error(), now); err != nil {
		return err
	}
	payload := events.EventPayload{
		"task_id": t.ID,
		"code":    string(classified.Code),
		"message": classified.Message,
	}
	if len(classified.Details) > 0 {
		payload["details"] = classified.Details
	}
	if err := e.Events.Append(ctx, tx, "task.failed", t.EntityID, t.TaskType, "engine", payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Warn("task failed", "task_id", t.ID, "entity_id", t.EntityID,
		"task_type", t.TaskType, "code", string(classified.Code))
	return nil
}

// PutArtifact stores a client input document. Generated kinds are rejected:
// only completed tasks write those.
func (e Engine) PutArtifact(ctx context.Context, entityID, kind, payload, actorID string) (domain.Artifact, error) {
	if entityID == "" {
		return domain.Artifact{}, taskerr.New(taskerr.CodeInvalidInput, "entity id is required")
	}
	if !domain.ClientArtifactKind(kind) {
		return domain.Artifact{}, taskerr.Newf(taskerr.CodeInvalidInput, "artifact kind %s is not client-writable", kind)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return domain.Artifact{}, taskerr.Newf(taskerr.CodeInvalidInput, "artifact payload must be a JSON object: %v", err)
	}

	a := domain.Artifact{
		EntityID:  entityID,
		Kind:      kind,
		Payload:   payload,
		UpdatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Events.Append(ctx, tx, "artifact.put", entityID, "", actorID, events.EventPayload{
		"kind":  kind,
		"bytes": len(payload),
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// ImportTemplate registers a new template version for a section key. The
// version is allocated sequentially; pass publish to make it live
// immediately, otherwise it stays a draft until PublishTemplate.
func (e Engine) ImportTemplate(ctx context.Context, sectionKey, systemPrompt, userPrompt string, publish bool, actorID string) (domain.PromptTemplate, error) {
	if sectionKey == "" {
		return domain.PromptTemplate{}, taskerr.New(taskerr.CodeInvalidInput, "section key is required")
	}
	if userPrompt == "" {
		return domain.PromptTemplate{}, taskerr.New(taskerr.CodeInvalidInput, "user prompt template is required")
	}
	if err := checkPlaceholders(sectionKey, systemPrompt+"\n"+userPrompt); err != nil {
		return domain.PromptTemplate{}, err
	}
	status := domain.TemplateDraft
	if publish {
		status = domain.TemplatePublished
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PromptTemplate{}, err
	}
	defer tx.Rollback()
	version, err := e.Repo.NextTemplateVersionTx(ctx, tx, sectionKey)
	if err != nil {
		return domain.PromptTemplate{}, err
	}
	t := domain.PromptTemplate{
		ID:                 uuid.New().String(),
		SectionKey:         sectionKey,
		Version:            version,
		Status:             status,
		SystemPrompt:       systemPrompt,
		UserPromptTemplate: userPrompt,
		CreatedAt:          e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertTemplateTx(ctx, tx, t); err != nil {
		return domain.PromptTemplate{}, err
	}
	if err := e.Events.Append(ctx, tx, "template.imported", "", "", actorID, events.EventPayload{
		"template_id": t.ID,
		"section_key": sectionKey,
		"version":     version,
		"status":      status,
	}); err != nil {
		return domain.PromptTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PromptTemplate{}, err
	}
	return t, nil
}

// checkPlaceholders rejects placeholders the assembler never produces for the
// task type behind the section key. Keys outside the pipeline have no
// assembly rule to validate against and pass as-is.
func checkPlaceholders(sectionKey, prompts string) error {
	taskType, ok := taskTypeFor[sectionKey]
	if !ok {
		return nil
	}
	known := map[string]bool{}
	for _, name := range assemble.Variables(taskType) {
		known[name] = true
	}
	for _, name := range prompt.Placeholders(prompts) {
		if !known[name] {
			return taskerr.Newf(taskerr.CodeInvalidInput,
				"placeholder {{%s}} is never assembled for %s", name, sectionKey)
		}
	}
	return nil
}

// PublishTemplate makes a draft version resolvable. Publishing an already
// published version is a no-op.
func (e Engine) PublishTemplate(ctx context.Context, id, actorID string) (domain.PromptTemplate, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PromptTemplate{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.PublishTemplateTx(ctx, tx, id)
	if err != nil {
		return domain.PromptTemplate{}, err
	}
	if err := e.Events.Append(ctx, tx, "template.published", "", "", actorID, events.EventPayload{
		"template_id": t.ID,
		"section_key": t.SectionKey,
		"version":     t.Version,
	}); err != nil {
		return domain.PromptTemplate{}, err
	}
	return t, tx.Commit()
}
