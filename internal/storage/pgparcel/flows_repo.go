package pgparcel

import (
	"context"
	"time"

	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// PickupUpdate — всё, что должно записаться при погрузке посылки:
// события (включая бэкфилл in_transit), открытая погрузка и перевод
// задачи в in_progress. Пишется одной транзакцией.
type PickupUpdate struct {
	TaskID string
	Cargo  models.VehicleCargo
	Events []models.PackageEvent
	Now    time.Time
}

// ApplyPickup применяет погрузку. Возвращает false, когда задача уже
// ушла из pending/accepted (конкурентный переход).
func (s *Storage) ApplyPickup(ctx context.Context, upd PickupUpdate) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE delivery_tasks
SET status = $2, updated_at = $3
WHERE id = $1 AND status IN ($4, $5)
`, upd.TaskID, models.TaskStatusInProgress, upd.Now.UTC(),
		models.TaskStatusPending, models.TaskStatusAccepted)
	if err != nil {
		return false, errors.Wrap(err, "start task")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertCargoTx(ctx, tx, upd.Cargo); err != nil {
		return false, err
	}

	for _, ev := range upd.Events {
		if err := insertEventTx(ctx, tx, ev); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return true, nil
}

// DropoffUpdate — выгрузка: закрытие погрузки, событие по типу точки
// назначения и завершение задачи.
type DropoffUpdate struct {
	TaskID  string
	CargoID string
	Events  []models.PackageEvent
	Now     time.Time
}

func (s *Storage) ApplyDropoff(ctx context.Context, upd DropoffUpdate) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE delivery_tasks
SET status = $2, updated_at = $3
WHERE id = $1 AND status = $4
`, upd.TaskID, models.TaskStatusCompleted, upd.Now.UTC(), models.TaskStatusInProgress)
	if err != nil {
		return false, errors.Wrap(err, "complete task")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := closeCargoTx(ctx, tx, upd.CargoID, upd.Now); err != nil {
		return false, err
	}

	for _, ev := range upd.Events {
		if err := insertEventTx(ctx, tx, ev); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return true, nil
}
