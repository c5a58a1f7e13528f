package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/pitabwire/caseflow/internal/storage"
	"github.com/pitabwire/caseflow/model"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite through
// database/sql and mattn/go-sqlite3. Commits use the same version-guarded
// UPDATE as the Postgres store.
type SQLiteInstanceStore struct {
	db *sql.DB
}

// NewSQLiteInstanceStore creates an instance store on an opened, migrated
// SQLite database.
func NewSQLiteInstanceStore(db *sql.DB) *SQLiteInstanceStore {
	return &SQLiteInstanceStore{db: db}
}

// Get retrieves the instance attached to a case.
func (s *SQLiteInstanceStore) Get(ctx context.Context, caseID string) (model.WorkflowInstance, error) {
	return s.getOne(ctx, s.db, `WHERE case_id = ?`, caseID)
}

// GetByID retrieves an instance by its own identifier.
func (s *SQLiteInstanceStore) GetByID(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return s.getOne(ctx, s.db, `WHERE id = ?`, instanceID)
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteInstanceStore) getOne(ctx context.Context, q sqlQueryer, where, id string) (model.WorkflowInstance, error) {
	row := q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances `+where, id)
	inst, err := scanSQLiteInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(id)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Create inserts a new instance.
func (s *SQLiteInstanceStore) Create(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	step, historyJSON, err := encodeInstance(inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.CaseID, inst.TemplateName, step, string(inst.Status), string(historyJSON),
		inst.Version, inst.CreatedAt.UTC().Format(storage.TimeLayout), inst.UpdatedAt.UTC().Format(storage.TimeLayout),
	)
	if isSQLiteConstraint(err) {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("case %q already has a workflow instance", inst.CaseID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("insert workflow instance: %w", err)
	}
	return inst.Clone(), nil
}

// CompareAndSet persists next with optimistic locking.
func (s *SQLiteInstanceStore) CompareAndSet(ctx context.Context, caseID string, expectedVersion int, next model.WorkflowInstance) (model.WorkflowInstance, error) {
	step, historyJSON, err := encodeInstance(next)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	var stored model.WorkflowInstance
	err = storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_instances SET
				current_step = ?, status = ?, history = ?, version = ?, updated_at = ?
			WHERE case_id = ? AND version = ?`,
			step, string(next.Status), string(historyJSON), expectedVersion+1,
			next.UpdatedAt.UTC().Format(storage.TimeLayout),
			caseID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update workflow instance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := s.getOne(ctx, tx, `WHERE case_id = ?`, caseID); err != nil {
				return err
			}
			return model.NewConcurrentModificationError(caseID, expectedVersion)
		}
		stored, err = s.getOne(ctx, tx, `WHERE case_id = ?`, caseID)
		return err
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return stored, nil
}

// List returns matching instances ordered newest first.
func (s *SQLiteInstanceStore) List(ctx context.Context, filter model.InstanceFilter) ([]model.WorkflowInstance, int, error) {
	where, args := instanceWhere(filter, func(int) string { return "?" })

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_instances`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	args = append(args, limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances`+where+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	result := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, total, rows.Err()
}

// Delete removes the case's instance.
func (s *SQLiteInstanceStore) Delete(ctx context.Context, caseID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_instances WHERE case_id = ?`, caseID)
	if err != nil {
		return fmt.Errorf("delete workflow instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewInstanceNotFoundError(caseID)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteInstanceStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteInstance(row sqlScanner) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var step sql.NullString
	var status, historyJSON, createdAt, updatedAt string
	if err := row.Scan(
		&inst.ID, &inst.CaseID, &inst.TemplateName, &step, &status, &historyJSON,
		&inst.Version, &createdAt, &updatedAt,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Status = model.WorkflowStatus(status)

	var stepJSON []byte
	if step.Valid {
		stepJSON = []byte(step.String)
	}
	if err := decodeInstance(&inst, stepJSON, []byte(historyJSON)); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.CreatedAt, _ = time.Parse(storage.TimeLayout, createdAt)
	inst.UpdatedAt, _ = time.Parse(storage.TimeLayout, updatedAt)
	return inst, nil
}

func isSQLiteConstraint(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrConstraint
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
