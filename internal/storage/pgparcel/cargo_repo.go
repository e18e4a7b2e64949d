package pgparcel

import (
	"context"
	"time"

	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const pgUniqueViolation = "23505"

func insertCargoTx(ctx context.Context, tx pgx.Tx, c models.VehicleCargo) error {
	_, err := tx.Exec(ctx, `
INSERT INTO vehicle_cargo (id, vehicle_id, package_id, loaded_at)
VALUES ($1,$2,$3,$4)
`, c.ID, c.VehicleID, c.PackageID, c.LoadedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrCargoOpen
		}
		return errors.Wrap(err, "insert cargo")
	}
	return nil
}

func closeCargoTx(ctx context.Context, tx pgx.Tx, cargoID string, now time.Time) error {
	_, err := tx.Exec(ctx, `
UPDATE vehicle_cargo
SET unloaded_at = $2
WHERE id = $1 AND unloaded_at IS NULL
`, cargoID, now.UTC())
	return errors.Wrap(err, "close cargo")
}

// OpenCargoByPackage возвращает незакрытую погрузку посылки, если она есть.
func (s *Storage) OpenCargoByPackage(ctx context.Context, packageID string) (*models.VehicleCargo, error) {
	var c models.VehicleCargo
	err := s.db.QueryRow(ctx, `
SELECT id, vehicle_id, package_id, loaded_at, unloaded_at
FROM vehicle_cargo
WHERE package_id = $1 AND unloaded_at IS NULL
`, packageID).Scan(&c.ID, &c.VehicleID, &c.PackageID, &c.LoadedAt, &c.UnloadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select open cargo")
	}
	return &c, nil
}

// OpenCargoVehicleCode — код машины, в которой сейчас едет посылка.
func (s *Storage) OpenCargoVehicleCode(ctx context.Context, packageID string) (string, error) {
	var code string
	err := s.db.QueryRow(ctx, `
SELECT v.vehicle_code
FROM vehicle_cargo c
JOIN vehicles v ON v.id = c.vehicle_id
WHERE c.package_id = $1 AND c.unloaded_at IS NULL
`, packageID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "select cargo vehicle code")
	}
	return code, nil
}

func (s *Storage) ListOpenCargo(ctx context.Context, vehicleID string) ([]*models.VehicleCargo, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, vehicle_id, package_id, loaded_at, unloaded_at
FROM vehicle_cargo
WHERE vehicle_id = $1 AND unloaded_at IS NULL
ORDER BY loaded_at ASC
`, vehicleID)
	if err != nil {
		return nil, errors.Wrap(err, "select open cargo list")
	}
	defer rows.Close()

	var out []*models.VehicleCargo
	for rows.Next() {
		var c models.VehicleCargo
		if err := rows.Scan(&c.ID, &c.VehicleID, &c.PackageID, &c.LoadedAt, &c.UnloadedAt); err != nil {
			return nil, errors.Wrap(err, "scan cargo")
		}
		out = append(out, &c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
