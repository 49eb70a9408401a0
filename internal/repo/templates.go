package repo

import (
	"context"
	"database/sql"

	"draftline/internal/domain"
)

const templateColumns = `id,section_key,version,status,system_prompt,user_prompt_template,created_at`

func scanTemplate(scan func(dest ...any) error) (domain.PromptTemplate, error) {
	var t domain.PromptTemplate
	err := scan(&t.ID, &t.SectionKey, &t.Version, &t.Status, &t.SystemPrompt, &t.UserPromptTemplate, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ResolveTemplate returns the highest-versioned published template for a
// section key. Draft versions never influence the result.
func (r Repo) ResolveTemplate(ctx context.Context, sectionKey string) (domain.PromptTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM prompt_templates
WHERE section_key=? AND status=? ORDER BY version DESC LIMIT 1`, sectionKey, domain.TemplatePublished)
	return scanTemplate(row.Scan)
}

func (r Repo) getTemplateTx(ctx context.Context, tx *sql.Tx, id string) (domain.PromptTemplate, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM prompt_templates WHERE id=?`, id)
	return scanTemplate(row.Scan)
}

// NextTemplateVersionTx returns one past the highest existing version for the
// section key, starting at 1. Allocation must share the transaction with the
// insert, or two concurrent imports allocate the same version and one of them
// dies on the unique index.
func (r Repo) NextTemplateVersionTx(ctx context.Context, tx *sql.Tx, sectionKey string) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM prompt_templates WHERE section_key=?`, sectionKey).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// InsertTemplateTx records a new template version inside the caller's
// transaction.
func (r Repo) InsertTemplateTx(ctx context.Context, tx *sql.Tx, t domain.PromptTemplate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO prompt_templates(`+templateColumns+`) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.SectionKey, t.Version, t.Status, t.SystemPrompt, t.UserPromptTemplate, t.CreatedAt)
	return err
}

// PublishTemplateTx flips a draft version to published inside the caller's
// transaction. Published versions are immutable; there is no unpublish, and
// publishing an already published version is a no-op.
func (r Repo) PublishTemplateTx(ctx context.Context, tx *sql.Tx, id string) (domain.PromptTemplate, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE prompt_templates SET status=? WHERE id=? AND status=?`,
		domain.TemplatePublished, id, domain.TemplateDraft); err != nil {
		return domain.PromptTemplate{}, err
	}
	return r.getTemplateTx(ctx, tx, id)
}

// ListTemplates returns all versions, optionally filtered by section key.
func (r Repo) ListTemplates(ctx context.Context, sectionKey string) ([]domain.PromptTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM prompt_templates`
	var args []any
	if sectionKey != "" {
		query += ` WHERE section_key=?`
		args = append(args, sectionKey)
	}
	query += ` ORDER BY section_key, version DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PromptTemplate
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}
