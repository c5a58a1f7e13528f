package definition

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/pitabwire/caseflow/internal/storage"
	"github.com/pitabwire/caseflow/model"
)

// SQLiteTemplateStore is a TemplateStore backed by SQLite through
// database/sql and mattn/go-sqlite3.
type SQLiteTemplateStore struct {
	db *sql.DB
}

// NewSQLiteTemplateStore creates a template store on an opened, migrated
// SQLite database.
func NewSQLiteTemplateStore(db *sql.DB) *SQLiteTemplateStore {
	return &SQLiteTemplateStore{db: db}
}

// Get returns the template whose id or name equals nameOrID.
func (s *SQLiteTemplateStore) Get(ctx context.Context, nameOrID string) (model.WorkflowTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM workflow_templates
		WHERE id = ? OR name = ?
		LIMIT 1`,
		nameOrID, nameOrID,
	)
	tmpl, err := scanSQLiteTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewTemplateNotFoundError(nameOrID)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query workflow template: %w", err)
	}
	return tmpl, nil
}

// List returns all templates ordered by name.
func (s *SQLiteTemplateStore) List(ctx context.Context) ([]model.WorkflowTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM workflow_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query workflow templates: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowTemplate
	for rows.Next() {
		tmpl, err := scanSQLiteTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow template: %w", err)
		}
		out = append(out, tmpl)
	}
	return out, rows.Err()
}

// ForCaseType returns the first template, by name, tagged with caseType.
func (s *SQLiteTemplateStore) ForCaseType(ctx context.Context, caseType string) (model.WorkflowTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM workflow_templates
		WHERE case_type = ?
		ORDER BY name
		LIMIT 1`,
		caseType,
	)
	tmpl, err := scanSQLiteTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewTemplateNotFoundError("case_type=" + caseType)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query workflow template by case type: %w", err)
	}
	return tmpl, nil
}

// Create inserts a new template.
func (s *SQLiteTemplateStore) Create(ctx context.Context, tmpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	stepsJSON, err := json.Marshal(tmpl.Steps)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("marshal steps: %w", err)
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tmpl.CreatedAt, tmpl.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tmpl.ID, tmpl.Name, tmpl.Description, tmpl.CaseType, string(stepsJSON),
		now.Format(storage.TimeLayout), now.Format(storage.TimeLayout),
	)
	if isSQLiteConstraint(err) {
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
func (s *SQLiteTemplateStore) Update(ctx context.Context, nameOrID string, tmpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	stepsJSON, err := json.Marshal(tmpl.Steps)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("marshal steps: %w", err)
	}

	var updated model.WorkflowTemplate
	err = storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := scanSQLiteTemplate(tx.QueryRowContext(ctx, `
			SELECT `+templateColumns+`
			FROM workflow_templates
			WHERE id = ? OR name = ?
			LIMIT 1`,
			nameOrID, nameOrID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewTemplateNotFoundError(nameOrID)
		}
		if err != nil {
			return fmt.Errorf("query workflow template: %w", err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_templates SET
				name = ?, description = ?, case_type = ?, steps = ?, updated_at = ?
			WHERE id = ?`,
			tmpl.Name, tmpl.Description, tmpl.CaseType, string(stepsJSON), now.Format(storage.TimeLayout),
			existing.ID,
		); err != nil {
			if isSQLiteConstraint(err) {
				return model.NewConflictError(fmt.Sprintf("workflow template %q already exists", tmpl.Name))
			}
			return fmt.Errorf("update workflow template: %w", err)
		}

		updated = tmpl.Clone()
		updated.ID = existing.ID
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = now
		return nil
	})
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	return updated, nil
}

// Delete removes the template identified by nameOrID.
func (s *SQLiteTemplateStore) Delete(ctx context.Context, nameOrID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_templates WHERE id = ? OR name = ?`, nameOrID, nameOrID)
	if err != nil {
		return fmt.Errorf("delete workflow template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewTemplateNotFoundError(nameOrID)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteTemplateStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTemplate(row sqlScanner) (model.WorkflowTemplate, error) {
	var tmpl model.WorkflowTemplate
	var stepsJSON, createdAt, updatedAt string
	if err := row.Scan(
		&tmpl.ID, &tmpl.Name, &tmpl.Description, &tmpl.CaseType, &stepsJSON, &createdAt, &updatedAt,
	); err != nil {
		return model.WorkflowTemplate{}, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &tmpl.Steps); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	tmpl.CreatedAt, _ = time.Parse(storage.TimeLayout, createdAt)
	tmpl.UpdatedAt, _ = time.Parse(storage.TimeLayout, updatedAt)
	return tmpl, nil
}

func isSQLiteConstraint(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrConstraint
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
