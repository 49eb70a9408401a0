package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"draftline/internal/domain"
	"draftline/internal/taskerr"
)

const taskColumns = `id,entity_id,task_type,status,result_json,error,started_at,completed_at,config_json`

func scanTask(scan func(dest ...any) error) (domain.GenerationTask, error) {
	var t domain.GenerationTask
	var result, errMsg, completedAt sql.NullString
	var configJSON string
	err := scan(&t.ID, &t.EntityID, &t.TaskType, &t.Status, &result, &errMsg, &t.StartedAt, &completedAt, &configJSON)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if result.Valid {
		t.ResultJSON = &result.String
	}
	if errMsg.Valid {
		t.Error = &errMsg.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if err := json.Unmarshal([]byte(configJSON), &t.Config); err != nil {
		return t, fmt.Errorf("decode task config: %w", err)
	}
	return t, nil
}

// GetTask returns the task record for the (entity, task type) key.
func (r Repo) GetTask(ctx context.Context, entityID, taskType string) (domain.GenerationTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE entity_id=? AND task_type=?`, entityID, taskType)
	return scanTask(row.Scan)
}

// GetTaskByID returns a task by its attempt id.
func (r Repo) GetTaskByID(ctx context.Context, id string) (domain.GenerationTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) getTaskByIDTx(ctx context.Context, tx *sql.Tx, id string) (domain.GenerationTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// InsertPendingTx records a fresh pending attempt for the key. It returns
// Conflict if a non-terminal attempt already holds the key; a terminal prior
// attempt is replaced in the same statement flow, so the at-most-one
// non-terminal invariant holds under the transaction.
func (r Repo) InsertPendingTx(ctx context.Context, tx *sql.Tx, t domain.GenerationTask) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE entity_id=? AND task_type=?`, t.EntityID, t.TaskType).Scan(&status)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && !domain.IsTerminal(status) {
		return taskerr.Newf(taskerr.CodeConflict, "task %s already %s for entity %s", t.TaskType, status, t.EntityID)
	}
	if err == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE entity_id=? AND task_type=?`, t.EntityID, t.TaskType); err != nil {
			return err
		}
	}
	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("encode task config: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.EntityID, t.TaskType, t.Status, nil, nil, t.StartedAt, nil, string(configJSON))
	return err
}

// MarkProcessing transitions pending -> processing. The guarded UPDATE makes
// the transition atomic and idempotent: a second call, or a call on a
// terminal record, changes nothing and returns the record as stored.
func (r Repo) MarkProcessing(ctx context.Context, id string) (domain.GenerationTask, bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=? WHERE id=? AND status=?`,
		domain.StatusProcessing, id, domain.StatusPending)
	if err != nil {
		return domain.GenerationTask{}, false, err
	}
	affected, _ := res.RowsAffected()
	t, err := r.GetTaskByID(ctx, id)
	return t, affected > 0, err
}

// MarkCompletedTx transitions a non-terminal task to completed, storing the
// result and the final config snapshot. No-op on terminal records.
func (r Repo) MarkCompletedTx(ctx context.Context, tx *sql.Tx, id, resultJSON string, cfg domain.GenerationConfig, completedAt string) (domain.GenerationTask, bool, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return domain.GenerationTask{}, false, fmt.Errorf("encode task config: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, result_json=?, error=NULL, completed_at=?, config_json=? WHERE id=? AND status IN (?,?)`,
		domain.StatusCompleted, resultJSON, completedAt, string(configJSON), id, domain.StatusPending, domain.StatusProcessing)
	if err != nil {
		return domain.GenerationTask{}, false, err
	}
	affected, _ := res.RowsAffected()
	t, err := r.getTaskByIDTx(ctx, tx, id)
	return t, affected > 0, err
}

// MarkFailedTx transitions a non-terminal task to failed with a reason.
// No-op on terminal records.
func (r Repo) MarkFailedTx(ctx context.Context, tx *sql.Tx, id, errMsg, completedAt string) (domain.GenerationTask, bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, error=?, completed_at=? WHERE id=? AND status IN (?,?)`,
		domain.StatusFailed, errMsg, completedAt, id, domain.StatusPending, domain.StatusProcessing)
	if err != nil {
		return domain.GenerationTask{}, false, err
	}
	affected, _ := res.RowsAffected()
	t, err := r.getTaskByIDTx(ctx, tx, id)
	return t, affected > 0, err
}

// ListNonTerminal returns every pending or processing task across all
// entities. Used at startup to recover attempts whose worker died with the
// previous process.
func (r Repo) ListNonTerminal(ctx context.Context) ([]domain.GenerationTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN (?,?)`,
		domain.StatusPending, domain.StatusProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GenerationTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// ListTasks returns all task records for an entity, newest first.
func (r Repo) ListTasks(ctx context.Context, entityID string) ([]domain.GenerationTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE entity_id=? ORDER BY started_at DESC, id DESC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GenerationTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}
