package pgparcel

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS nodes (
  id TEXT PRIMARY KEY,
  level INT NOT NULL,
  x DOUBLE PRECISION NOT NULL DEFAULT 0,
  y DOUBLE PRECISION NOT NULL DEFAULT 0
)`,
		`
CREATE TABLE IF NOT EXISTS edges (
  id TEXT PRIMARY KEY,
  source TEXT NOT NULL REFERENCES nodes(id),
  target TEXT NOT NULL REFERENCES nodes(id),
  cost DOUBLE PRECISION NOT NULL DEFAULT 1,
  distance DOUBLE PRECISION NOT NULL DEFAULT 0,
  road_multiple DOUBLE PRECISION NOT NULL DEFAULT 1
)`,
		`
CREATE TABLE IF NOT EXISTS packages (
  id TEXT PRIMARY KEY,
  customer_id TEXT NOT NULL,
  sender_name TEXT NOT NULL,
  sender_phone TEXT NOT NULL DEFAULT '',
  sender_address TEXT NOT NULL,
  receiver_name TEXT NOT NULL,
  receiver_phone TEXT NOT NULL DEFAULT '',
  receiver_address TEXT NOT NULL,
  weight_kg DOUBLE PRECISION NOT NULL,
  length_cm DOUBLE PRECISION NOT NULL DEFAULT 0,
  width_cm DOUBLE PRECISION NOT NULL DEFAULT 0,
  height_cm DOUBLE PRECISION NOT NULL DEFAULT 0,
  delivery_type TEXT NOT NULL,
  payment_type TEXT NOT NULL DEFAULT '',
  payment_method TEXT NOT NULL DEFAULT '',
  special_marks TEXT[] NOT NULL DEFAULT '{}',
  tracking_number TEXT NOT NULL UNIQUE,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_customer_id ON packages(customer_id)`,
		// Текущий статус посылки нигде не хранится отдельной колонкой:
		// он всегда вычисляется как последнее событие из package_events.
		`
CREATE TABLE IF NOT EXISTS package_events (
  id TEXT PRIMARY KEY,
  package_id TEXT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
  delivery_status TEXT NOT NULL,
  delivery_details TEXT NOT NULL DEFAULT '',
  events_at TIMESTAMPTZ NOT NULL,
  location TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_package_events_package_id_events_at ON package_events(package_id, events_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS delivery_tasks (
  id TEXT PRIMARY KEY,
  package_id TEXT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
  task_type TEXT NOT NULL,
  from_location TEXT NOT NULL,
  to_location TEXT NOT NULL,
  assigned_driver_id TEXT NULL,
  status TEXT NOT NULL,
  segment_index INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (package_id, segment_index)
)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_tasks_driver_status ON delivery_tasks(assigned_driver_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_tasks_from_status ON delivery_tasks(from_location, status)`,
		`
CREATE TABLE IF NOT EXISTS vehicles (
  id TEXT PRIMARY KEY,
  driver_user_id TEXT NOT NULL UNIQUE,
  vehicle_code TEXT NOT NULL UNIQUE,
  home_node_id TEXT NOT NULL,
  current_node_id TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_vehicles_home_node_id ON vehicles(home_node_id)`,
		`
CREATE TABLE IF NOT EXISTS vehicle_cargo (
  id TEXT PRIMARY KEY,
  vehicle_id TEXT NOT NULL REFERENCES vehicles(id),
  package_id TEXT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
  loaded_at TIMESTAMPTZ NOT NULL,
  unloaded_at TIMESTAMPTZ NULL
)`,
		// Пока груз не выгружен, посылка может лежать только в одной машине.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_vehicle_cargo_open_package ON vehicle_cargo(package_id) WHERE unloaded_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_vehicle_cargo_vehicle_open ON vehicle_cargo(vehicle_id) WHERE unloaded_at IS NULL`,
		`
CREATE TABLE IF NOT EXISTS package_exceptions (
  id TEXT PRIMARY KEY,
  package_id TEXT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
  reason_code TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL,
  reported_by TEXT NOT NULL,
  reported_role TEXT NOT NULL,
  reported_at TIMESTAMPTZ NOT NULL,
  handled BOOLEAN NOT NULL DEFAULT FALSE,
  handled_by TEXT NULL,
  handled_at TIMESTAMPTZ NULL,
  handling_report TEXT NULL
)`,
		// Не больше одного нерешённого исключения на посылку.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_package_exceptions_unresolved ON package_exceptions(package_id) WHERE NOT handled`,
		`CREATE INDEX IF NOT EXISTS idx_package_exceptions_handled ON package_exceptions(handled, reported_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
