package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"draftline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// LatestEvents returns up to limit events, newest first, optionally filtered
// by entity id and event type.
func (r Repo) LatestEvents(ctx context.Context, limit int, entityID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,ts,type,entity_id,task_type,actor_id,payload_json FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity, taskType, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &entity, &taskType, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if taskType.Valid {
			e.TaskType = taskType.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}
