package pgparcel

import (
	"context"
	"time"

	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var activeTaskStatuses = []string{
	models.TaskStatusPending,
	models.TaskStatusAccepted,
	models.TaskStatusInProgress,
}

func insertTaskTx(ctx context.Context, tx pgx.Tx, t models.DeliveryTask) error {
	var driver *string
	if t.AssignedDriverID != "" {
		driver = &t.AssignedDriverID
	}
	_, err := tx.Exec(ctx, `
INSERT INTO delivery_tasks (
  id, package_id, task_type, from_location, to_location,
  assigned_driver_id, status, segment_index, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
`, t.ID, t.PackageID, t.TaskType, t.FromLocation, t.ToLocation,
		driver, t.Status, t.SegmentIndex, t.CreatedAt.UTC())
	return errors.Wrap(err, "insert delivery task")
}

func (s *Storage) CreateTask(ctx context.Context, t models.DeliveryTask) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertTaskTx(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

const taskColumns = `
  id, package_id, task_type, from_location, to_location,
  assigned_driver_id, status, segment_index, created_at, updated_at`

func scanTask(row pgx.Row) (*models.DeliveryTask, error) {
	var t models.DeliveryTask
	var driver *string
	err := row.Scan(
		&t.ID, &t.PackageID, &t.TaskType, &t.FromLocation, &t.ToLocation,
		&driver, &t.Status, &t.SegmentIndex, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if driver != nil {
		t.AssignedDriverID = *driver
	}
	return &t, nil
}

func (s *Storage) GetTask(ctx context.Context, id string) (*models.DeliveryTask, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `
SELECT`+taskColumns+`
FROM delivery_tasks
WHERE id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select task")
	}
	return t, nil
}

// ActiveTask возвращает текущую активную задачу посылки
// (pending/accepted/in_progress); их не бывает больше одной.
func (s *Storage) ActiveTask(ctx context.Context, packageID string) (*models.DeliveryTask, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `
SELECT`+taskColumns+`
FROM delivery_tasks
WHERE package_id = $1 AND status = ANY($2)
ORDER BY segment_index DESC
LIMIT 1
`, packageID, activeTaskStatuses))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select active task")
	}
	return t, nil
}

func (s *Storage) ListAssignedTasks(ctx context.Context, driverID string, statuses []string, limit int) ([]*models.DeliveryTask, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if len(statuses) == 0 {
		statuses = activeTaskStatuses
	}

	rows, err := s.db.Query(ctx, `
SELECT`+taskColumns+`
FROM delivery_tasks
WHERE assigned_driver_id = $1 AND status = ANY($2)
ORDER BY created_at DESC
LIMIT $3
`, driverID, statuses, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select assigned tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListHandoffTasks — задачи на передачу: начинаются на узле водителя
// и либо никому не назначены, либо назначены другому.
func (s *Storage) ListHandoffTasks(ctx context.Context, nodeID, excludeDriverID string, limit int) ([]*models.DeliveryTask, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
SELECT`+taskColumns+`
FROM delivery_tasks
WHERE from_location = $1
  AND status IN ($2, $3)
  AND (assigned_driver_id IS NULL OR assigned_driver_id <> $4)
ORDER BY created_at ASC
LIMIT $5
`, nodeID, models.TaskStatusPending, models.TaskStatusAccepted, excludeDriverID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select handoff tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*models.DeliveryTask, error) {
	var out []*models.DeliveryTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// AcceptTask переводит задачу на водителя. Pending и accepted обе
// перехватываемы: ноль затронутых строк значит, что задача уже ушла
// в работу или закрыта.
func (s *Storage) AcceptTask(ctx context.Context, taskID, driverID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE delivery_tasks
SET assigned_driver_id = $2, status = $3, updated_at = $4
WHERE id = $1 AND status IN ($5, $6)
`, taskID, driverID, models.TaskStatusAccepted, now.UTC(), models.TaskStatusPending, models.TaskStatusAccepted)
	if err != nil {
		return false, errors.Wrap(err, "accept task")
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteTaskOwned завершает активную задачу, если она всё ещё
// принадлежит этому водителю.
func (s *Storage) CompleteTaskOwned(ctx context.Context, taskID, driverID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE delivery_tasks
SET status = $3, updated_at = $4
WHERE id = $1 AND assigned_driver_id = $2 AND status = ANY($5)
`, taskID, driverID, models.TaskStatusCompleted, now.UTC(), activeTaskStatuses)
	if err != nil {
		return false, errors.Wrap(err, "complete task")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Storage) NextSegmentIndex(ctx context.Context, packageID string) (int, error) {
	var next int
	err := s.db.QueryRow(ctx, `
SELECT COALESCE(MAX(segment_index), -1) + 1
FROM delivery_tasks
WHERE package_id = $1
`, packageID).Scan(&next)
	if err != nil {
		return 0, errors.Wrap(err, "select next segment index")
	}
	return next, nil
}

func cancelActiveTasksTx(ctx context.Context, tx pgx.Tx, packageID string, now time.Time) error {
	_, err := tx.Exec(ctx, `
UPDATE delivery_tasks
SET status = $2, updated_at = $3
WHERE package_id = $1 AND status = ANY($4)
`, packageID, models.TaskStatusCanceled, now.UTC(), activeTaskStatuses)
	return errors.Wrap(err, "cancel active tasks")
}
