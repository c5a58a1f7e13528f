package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

const pgUniqueViolation = "23505"

const templateColumns = `id, name, description, case_type, steps, created_at, updated_at`

// PgTemplateStore is a PostgreSQL-backed TemplateStore using pgx/v5.
type PgTemplateStore struct {
	pool *pgxpool.Pool
}

// NewPgTemplateStore creates a new PostgreSQL template store.
func NewPgTemplateStore(pool *pgxpool.Pool) *PgTemplateStore {
	return &PgTemplateStore{pool: pool}
}

// Get returns the template whose id or name equals nameOrID.
func (s *PgTemplateStore) Get(ctx context.Context, nameOrID string) (model.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM workflow_templates
		WHERE id = $1 OR name = $1
		LIMIT 1`,
		nameOrID,
	)
	tmpl, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewTemplateNotFoundError(nameOrID)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query workflow template: %w", err)
	}
	return tmpl, nil
}

// List returns all templates ordered by name.
func (s *PgTemplateStore) List(ctx context.Context) ([]model.WorkflowTemplate, error) {
	return s.query(ctx, `SELECT `+templateColumns+` FROM workflow_templates ORDER BY name`)
}

// ForCaseType returns the first template, by name, tagged with caseType.
func (s *PgTemplateStore) ForCaseType(ctx context.Context, caseType string) (model.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM workflow_templates
		WHERE case_type = $1
		ORDER BY name
		LIMIT 1`,
		caseType,
	)
	tmpl, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewTemplateNotFoundError("case_type=" + caseType)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query workflow template by case type: %w", err)
	}
	return tmpl, nil
}

// Create inserts a new template.
func (s *PgTemplateStore) Create(ctx context.Context, tmpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	stepsJSON, err := json.Marshal(tmpl.Steps)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("marshal steps: %w", err)
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tmpl.CreatedAt, tmpl.UpdatedAt = now, now

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tmpl.ID, tmpl.Name, tmpl.Description, tmpl.CaseType, stepsJSON, tmpl.CreatedAt, tmpl.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.WorkflowTemplate{}, model.NewConflictError(
			fmt.Sprintf("workflow template %q already exists", tmpl.Name),
		)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("insert workflow template: %w", err)
	}
	return tmpl, nil
}

// Update replaces the template identified by nameOrID.
func (s *PgTemplateStore) Update(ctx context.Context, nameOrID string, tmpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	stepsJSON, err := json.Marshal(tmpl.Steps)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("marshal steps: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE workflow_templates SET
			name = $1,
			description = $2,
			case_type = $3,
			steps = $4,
			updated_at = $5
		WHERE id = (SELECT id FROM workflow_templates WHERE id = $6 OR name = $6 LIMIT 1)
		RETURNING `+templateColumns,
		tmpl.Name, tmpl.Description, tmpl.CaseType, stepsJSON, time.Now().UTC(), nameOrID,
	)
	updated, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewTemplateNotFoundError(nameOrID)
	}
	if isUniqueViolation(err) {
		return model.WorkflowTemplate{}, model.NewConflictError(
			fmt.Sprintf("workflow template %q already exists", tmpl.Name),
		)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("update workflow template: %w", err)
	}
	return updated, nil
}

// Delete removes the template identified by nameOrID.
func (s *PgTemplateStore) Delete(ctx context.Context, nameOrID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_templates WHERE id = $1 OR name = $1`, nameOrID)
	if err != nil {
		return fmt.Errorf("delete workflow template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewTemplateNotFoundError(nameOrID)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgTemplateStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgTemplateStore) query(ctx context.Context, query string, args ...any) ([]model.WorkflowTemplate, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow templates: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowTemplate
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow template: %w", err)
		}
		out = append(out, tmpl)
	}
	return out, rows.Err()
}

func scanTemplate(row pgx.Row) (model.WorkflowTemplate, error) {
	var tmpl model.WorkflowTemplate
	var stepsJSON []byte
	if err := row.Scan(
		&tmpl.ID, &tmpl.Name, &tmpl.Description, &tmpl.CaseType, &stepsJSON, &tmpl.CreatedAt, &tmpl.UpdatedAt,
	); err != nil {
		return model.WorkflowTemplate{}, err
	}
	if err := json.Unmarshal(stepsJSON, &tmpl.Steps); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	return tmpl, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
