package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

const pgUniqueViolation = "23505"

const instanceColumns = `id, case_id, template_name, current_step, status, history, version, created_at, updated_at`

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// Get retrieves the instance attached to a case.
func (s *PgInstanceStore) Get(ctx context.Context, caseID string) (model.WorkflowInstance, error) {
	return s.getOne(ctx, `WHERE case_id = $1`, caseID)
}

// GetByID retrieves an instance by its own identifier.
func (s *PgInstanceStore) GetByID(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return s.getOne(ctx, `WHERE id = $1`, instanceID)
}

func (s *PgInstanceStore) getOne(ctx context.Context, where, id string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances `+where, id)
	inst, err := scanPgInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(id)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Create inserts a new instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	stepJSON, historyJSON, err := encodeInstance(inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inst.ID, inst.CaseID, inst.TemplateName, stepJSON, string(inst.Status), historyJSON,
		inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if isUniqueViolation(err) {
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
func (s *PgInstanceStore) CompareAndSet(ctx context.Context, caseID string, expectedVersion int, next model.WorkflowInstance) (model.WorkflowInstance, error) {
	stepJSON, historyJSON, err := encodeInstance(next)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE workflow_instances SET
			current_step = $1,
			status = $2,
			history = $3,
			version = $4,
			updated_at = $5
		WHERE case_id = $6 AND version = $7
		RETURNING `+instanceColumns,
		stepJSON, string(next.Status), historyJSON, expectedVersion+1, next.UpdatedAt,
		caseID, expectedVersion,
	)
	stored, err := scanPgInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a moved version from a vanished instance.
		if _, getErr := s.Get(ctx, caseID); getErr != nil {
			return model.WorkflowInstance{}, getErr
		}
		return model.WorkflowInstance{}, model.NewConcurrentModificationError(caseID, expectedVersion)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("update workflow instance: %w", err)
	}
	return stored, nil
}

// List returns matching instances ordered newest first.
func (s *PgInstanceStore) List(ctx context.Context, filter model.InstanceFilter) ([]model.WorkflowInstance, int, error) {
	where, args := instanceWhere(filter, func(n int) string { return "$" + strconv.Itoa(n) })

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM workflow_instances`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances` + where +
		` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	result := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanPgInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, total, rows.Err()
}

// Delete removes the case's instance.
func (s *PgInstanceStore) Delete(ctx context.Context, caseID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_instances WHERE case_id = $1`, caseID)
	if err != nil {
		return fmt.Errorf("delete workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewInstanceNotFoundError(caseID)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanPgInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var stepJSON, historyJSON []byte
	var status string
	if err := row.Scan(
		&inst.ID, &inst.CaseID, &inst.TemplateName, &stepJSON, &status, &historyJSON,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Status = model.WorkflowStatus(status)
	if err := decodeInstance(&inst, stepJSON, historyJSON); err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

// encodeInstance renders the JSON columns. A terminal instance's step is
// returned as a nil interface so the column is written as SQL NULL.
func encodeInstance(inst model.WorkflowInstance) (step any, history []byte, err error) {
	if inst.CurrentStep != nil {
		b, err := json.Marshal(inst.CurrentStep)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal current step: %w", err)
		}
		step = string(b)
	}
	entries := inst.History
	if entries == nil {
		entries = []model.WorkflowHistoryEntry{}
	}
	history, err = json.Marshal(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	return step, history, nil
}

func decodeInstance(inst *model.WorkflowInstance, stepJSON, historyJSON []byte) error {
	if len(stepJSON) > 0 {
		var step model.WorkflowStepDefinition
		if err := json.Unmarshal(stepJSON, &step); err != nil {
			return fmt.Errorf("unmarshal current step: %w", err)
		}
		inst.CurrentStep = &step
	}
	inst.History = []model.WorkflowHistoryEntry{}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &inst.History); err != nil {
			return fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return nil
}

// instanceWhere renders the filter as a WHERE clause using placeholder for
// the n-th bind parameter.
func instanceWhere(filter model.InstanceFilter, placeholder func(n int) string) (string, []any) {
	var conds []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, column+" = "+placeholder(len(args)))
	}
	if filter.CaseID != "" {
		add("case_id", filter.CaseID)
	}
	if filter.TemplateName != "" {
		add("template_name", filter.TemplateName)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
