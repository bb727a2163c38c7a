package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"field-service-coordination-system/internal/models"
	"field-service-coordination-system/shared/faultx"
	"field-service-coordination-system/shared/workflow"
)

var ErrTaskNotFound = errors.New("task not found")

type TasksRepo struct {
	pool *pgxpool.Pool
}

func NewTasksRepo(pool *pgxpool.Pool) *TasksRepo {
	return &TasksRepo{pool: pool}
}

const taskColumns = `task_id, status, title, description, customer_id, site_location_id, expected_amount, expected_currency, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (models.Task, error) {
	var task models.Task
	err := row.Scan(&task.TaskID, &task.Status, &task.Title, &task.Description, &task.CustomerID, &task.SiteLocationID,
		&task.ExpectedAmount, &task.ExpectedCurrency, &task.CompletedAt, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrTaskNotFound
	}
	return task, err
}

func (r *TasksRepo) GetTaskByID(ctx context.Context, taskID uuid.UUID) (models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE task_id = $1
	`, taskID))
}

// GetTaskWithSite loads a task together with its site coordinate, the
// read-only input for the proximity check.
func (r *TasksRepo) GetTaskWithSite(ctx context.Context, taskID uuid.UUID) (models.Task, models.GeoLocation, error) {
	var task models.Task
	var site models.GeoLocation
	err := r.pool.QueryRow(ctx, `
		SELECT t.task_id, t.status, t.title, t.description, t.customer_id, t.site_location_id,
			t.expected_amount, t.expected_currency, t.completed_at, t.created_at, t.updated_at,
			l.location_id, l.lat, l.lng, l.label, l.created_at
		FROM tasks t
		JOIN geo_locations l ON l.location_id = t.site_location_id
		WHERE t.task_id = $1
	`, taskID).Scan(
		&task.TaskID, &task.Status, &task.Title, &task.Description, &task.CustomerID, &task.SiteLocationID,
		&task.ExpectedAmount, &task.ExpectedCurrency, &task.CompletedAt, &task.CreatedAt, &task.UpdatedAt,
		&site.LocationID, &site.Lat, &site.Lng, &site.Label, &site.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, models.GeoLocation{}, ErrTaskNotFound
	}
	return task, site, err
}

func (r *TasksRepo) ListTasks(ctx context.Context, status string, limit int, offset int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, workflow.NormalizeTaskStatus(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type CreateTaskParams struct {
	Title            string
	Description      string
	CustomerID       uuid.UUID
	SiteLocationID   uuid.UUID
	ExpectedAmount   decimal.NullDecimal
	ExpectedCurrency *string
}

func (r *TasksRepo) CreateTask(ctx context.Context, params CreateTaskParams) (models.Task, error) {
	now := time.Now().UTC()
	return scanTask(r.pool.QueryRow(ctx, `
		INSERT INTO tasks (task_id, status, title, description, customer_id, site_location_id, expected_amount, expected_currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING `+taskColumns+`
	`, uuid.New(), workflow.TaskStatusPreparing, params.Title, params.Description, params.CustomerID, params.SiteLocationID,
		params.ExpectedAmount, params.ExpectedCurrency, now))
}

// TransitionStatus performs the conditional-update concurrency primitive: the
// write succeeds only if the stored status still equals fromExpected. Zero
// affected rows means another actor won the race and the caller gets a
// ConflictError, not a storage error. The status_changed event and its
// outbox row commit with the update.
func (r *TasksRepo) TransitionStatus(ctx context.Context, taskID uuid.UUID, fromExpected string, toStatus string, reason *string, actorID string) (models.Task, models.Event, error) {
	fromExpected = workflow.NormalizeTaskStatus(fromExpected)
	toStatus = workflow.NormalizeTaskStatus(toStatus)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, models.Event{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	var completedAt *time.Time
	if toStatus == workflow.TaskStatusCompleted {
		completedAt = &now
	}
	task, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks
		SET status = $3, completed_at = COALESCE($4, completed_at), updated_at = $5
		WHERE task_id = $1 AND status = $2
		RETURNING `+taskColumns+`
	`, taskID, fromExpected, toStatus, completedAt, now))
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return models.Task{}, models.Event{}, r.conflictOrNotFound(ctx, tx, taskID, fromExpected)
		}
		return models.Task{}, models.Event{}, err
	}

	event, err := appendStatusChanged(ctx, tx, task.TaskID, fromExpected, toStatus, reason, nil, actorID, now)
	if err != nil {
		return models.Task{}, models.Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, models.Event{}, err
	}
	return task, event, nil
}

// conflictOrNotFound distinguishes "row gone" from "another actor changed the
// status first" after a conditional update matched nothing.
func (r *TasksRepo) conflictOrNotFound(ctx context.Context, db DBTX, taskID uuid.UUID, fromExpected string) error {
	var current string
	err := db.QueryRow(ctx, `SELECT status FROM tasks WHERE task_id = $1`, taskID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	return faultx.NewConflict("task", fmt.Sprintf("task status is %s, expected %s", current, fromExpected))
}
