package pgparcel

import (
	"context"

	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func insertEventTx(ctx context.Context, tx pgx.Tx, ev models.PackageEvent) error {
	_, err := tx.Exec(ctx, `
INSERT INTO package_events (id, package_id, delivery_status, delivery_details, events_at, location)
VALUES ($1,$2,$3,$4,$5,$6)
`, ev.ID, ev.PackageID, ev.DeliveryStatus, ev.DeliveryDetails, ev.EventsAt.UTC(), ev.Location)
	return errors.Wrap(err, "insert package event")
}

func (s *Storage) AppendEvent(ctx context.Context, ev models.PackageEvent) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO package_events (id, package_id, delivery_status, delivery_details, events_at, location)
VALUES ($1,$2,$3,$4,$5,$6)
`, ev.ID, ev.PackageID, ev.DeliveryStatus, ev.DeliveryDetails, ev.EventsAt.UTC(), ev.Location)
	return errors.Wrap(err, "insert package event")
}

// AppendEvents пишет несколько событий одной транзакцией
// (warehouse receive: warehouse_received + sorting).
func (s *Storage) AppendEvents(ctx context.Context, evs []models.PackageEvent) error {
	if len(evs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, ev := range evs {
		if err := insertEventTx(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// LatestEvent — проекция текущего статуса посылки.
func (s *Storage) LatestEvent(ctx context.Context, packageID string) (*models.PackageEvent, error) {
	var ev models.PackageEvent
	err := s.db.QueryRow(ctx, `
SELECT id, package_id, delivery_status, delivery_details, events_at, location
FROM package_events
WHERE package_id = $1
ORDER BY events_at DESC
LIMIT 1
`, packageID).Scan(&ev.ID, &ev.PackageID, &ev.DeliveryStatus, &ev.DeliveryDetails, &ev.EventsAt, &ev.Location)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select latest event")
	}
	return &ev, nil
}

func (s *Storage) ListEvents(ctx context.Context, packageID string, limit, offset int) ([]*models.PackageEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, package_id, delivery_status, delivery_details, events_at, location
FROM package_events
WHERE package_id = $1
ORDER BY events_at DESC
LIMIT $2 OFFSET $3
`, packageID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.PackageEvent
	for rows.Next() {
		var ev models.PackageEvent
		if err := rows.Scan(&ev.ID, &ev.PackageID, &ev.DeliveryStatus, &ev.DeliveryDetails, &ev.EventsAt, &ev.Location); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, &ev)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// HasEvent проверяет, записано ли уже такое же событие —
// дедупликация in_transit при погрузке и перемещении машины.
func (s *Storage) HasEvent(ctx context.Context, packageID, status, location, details string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM package_events
  WHERE package_id = $1 AND delivery_status = $2 AND location = $3 AND delivery_details = $4
)
`, packageID, status, location, details).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "select event exists")
	}
	return exists, nil
}
