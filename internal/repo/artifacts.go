package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"draftline/internal/domain"
)

// UpsertArtifactTx stores or replaces the artifact for (entity, kind) inside
// the caller's transaction.
func (r Repo) UpsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(entity_id,kind,payload_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(entity_id,kind) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		a.EntityID, a.Kind, a.Payload, a.UpdatedAt)
	return err
}

func (r Repo) GetArtifact(ctx context.Context, entityID, kind string) (domain.Artifact, error) {
	var a domain.Artifact
	err := r.DB.QueryRowContext(ctx, `SELECT entity_id,kind,payload_json,updated_at FROM artifacts WHERE entity_id=? AND kind=?`, entityID, kind).
		Scan(&a.EntityID, &a.Kind, &a.Payload, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// GetArtifactPayload returns the raw JSON payload for (entity, kind).
// This is the read-only view the context assembler consumes.
func (r Repo) GetArtifactPayload(ctx context.Context, entityID, kind string) (json.RawMessage, error) {
	a, err := r.GetArtifact(ctx, entityID, kind)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(a.Payload), nil
}

func (r Repo) ListArtifacts(ctx context.Context, entityID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT entity_id,kind,payload_json,updated_at FROM artifacts WHERE entity_id=? ORDER BY kind`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.EntityID, &a.Kind, &a.Payload, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}
