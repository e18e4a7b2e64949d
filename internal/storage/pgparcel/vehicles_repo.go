package pgparcel

import (
	"context"
	"time"

	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) VehicleByDriver(ctx context.Context, driverID string) (*models.Vehicle, error) {
	var v models.Vehicle
	err := s.db.QueryRow(ctx, `
SELECT id, driver_user_id, vehicle_code, home_node_id, current_node_id, updated_at
FROM vehicles
WHERE driver_user_id = $1
`, driverID).Scan(&v.ID, &v.DriverUserID, &v.VehicleCode, &v.HomeNodeID, &v.CurrentNodeID, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select vehicle")
	}
	return &v, nil
}

func (s *Storage) VehicleByID(ctx context.Context, id string) (*models.Vehicle, error) {
	var v models.Vehicle
	err := s.db.QueryRow(ctx, `
SELECT id, driver_user_id, vehicle_code, home_node_id, current_node_id, updated_at
FROM vehicles
WHERE id = $1
`, id).Scan(&v.ID, &v.DriverUserID, &v.VehicleCode, &v.HomeNodeID, &v.CurrentNodeID, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select vehicle")
	}
	return &v, nil
}

func (s *Storage) VehicleCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM vehicles WHERE vehicle_code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "select vehicle code exists")
	}
	return exists, nil
}

func (s *Storage) CreateVehicle(ctx context.Context, v models.Vehicle) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO vehicles (id, driver_user_id, vehicle_code, home_node_id, current_node_id, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, v.ID, v.DriverUserID, v.VehicleCode, v.HomeNodeID, v.CurrentNodeID, v.UpdatedAt.UTC())
	return errors.Wrap(err, "insert vehicle")
}

// MoveVehicle — оптимистичное перемещение: условие на текущий узел,
// ноль строк значит, что позиция уже изменилась.
func (s *Storage) MoveVehicle(ctx context.Context, driverID, from, to string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE vehicles
SET current_node_id = $3, updated_at = $4
WHERE driver_user_id = $1 AND current_node_id = $2
`, driverID, from, to, now.UTC())
	if err != nil {
		return false, errors.Wrap(err, "move vehicle")
	}
	return tag.RowsAffected() > 0, nil
}

// FindDriverByHomeNode подбирает водителя, у машины которого домашний
// узел совпадает с заданным хабом. Используется для автоназначения.
func (s *Storage) FindDriverByHomeNode(ctx context.Context, nodeID string) (string, error) {
	var driverID string
	err := s.db.QueryRow(ctx, `
SELECT driver_user_id
FROM vehicles
WHERE home_node_id = $1
ORDER BY updated_at ASC
LIMIT 1
`, nodeID).Scan(&driverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "select driver by home node")
	}
	return driverID, nil
}
