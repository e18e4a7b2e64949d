package pgparcel

import (
	"context"
	"time"

	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// ErrExceptionOpen — у посылки уже есть нерешённое исключение.
var ErrExceptionOpen = errors.New("unresolved exception exists")

func (s *Storage) HasUnresolvedException(ctx context.Context, packageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM package_exceptions WHERE package_id = $1 AND NOT handled)
`, packageID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "select unresolved exception")
	}
	return exists, nil
}

const exceptionColumns = `
  id, package_id, reason_code, description,
  reported_by, reported_role, reported_at,
  handled, handled_by, handled_at, handling_report`

func scanException(row pgx.Row) (*models.PackageException, error) {
	var ex models.PackageException
	var handledBy, report *string
	err := row.Scan(
		&ex.ID, &ex.PackageID, &ex.ReasonCode, &ex.Description,
		&ex.ReportedBy, &ex.ReportedRole, &ex.ReportedAt,
		&ex.Handled, &handledBy, &ex.HandledAt, &report,
	)
	if err != nil {
		return nil, err
	}
	if handledBy != nil {
		ex.HandledBy = *handledBy
	}
	if report != nil {
		ex.HandlingReport = *report
	}
	return &ex, nil
}

func (s *Storage) GetException(ctx context.Context, id string) (*models.PackageException, error) {
	ex, err := scanException(s.db.QueryRow(ctx, `
SELECT`+exceptionColumns+`
FROM package_exceptions
WHERE id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select exception")
	}
	return ex, nil
}

// ApplyExceptionReport регистрирует исключение, снимает активные задачи
// и пишет событие exception — одной транзакцией.
func (s *Storage) ApplyExceptionReport(ctx context.Context, ex models.PackageException, ev models.PackageEvent) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO package_exceptions (
  id, package_id, reason_code, description,
  reported_by, reported_role, reported_at, handled
)
VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE)
`, ex.ID, ex.PackageID, ex.ReasonCode, ex.Description,
		ex.ReportedBy, ex.ReportedRole, ex.ReportedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrExceptionOpen
		}
		return errors.Wrap(err, "insert exception")
	}

	if err := cancelActiveTasksTx(ctx, tx, ex.PackageID, ex.ReportedAt); err != nil {
		return err
	}

	if err := insertEventTx(ctx, tx, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// ApplyExceptionHandled закрывает исключение. Возвращает false, если оно
// уже было закрыто (условный UPDATE). При cancelTasks дополнительно
// снимаются активные задачи (ветка cancel с delivery_failed).
func (s *Storage) ApplyExceptionHandled(ctx context.Context, exceptionID, handledBy, report string, now time.Time, cancelTasks bool, evs []models.PackageEvent) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var packageID string
	err = tx.QueryRow(ctx, `
UPDATE package_exceptions
SET handled = TRUE, handled_by = $2, handled_at = $3, handling_report = $4
WHERE id = $1 AND NOT handled
RETURNING package_id
`, exceptionID, handledBy, now.UTC(), report).Scan(&packageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "handle exception")
	}

	if cancelTasks {
		if err := cancelActiveTasksTx(ctx, tx, packageID, now); err != nil {
			return false, err
		}
	}

	for _, ev := range evs {
		if err := insertEventTx(ctx, tx, ev); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return true, nil
}

// ListExceptions — пул исключений: для водителя (свои) или для
// службы поддержки (фильтр по handled).
func (s *Storage) ListExceptions(ctx context.Context, reportedBy string, handled *bool, limit int) ([]*models.PackageException, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := `
SELECT` + exceptionColumns + `
FROM package_exceptions
WHERE ($1 = '' OR reported_by = $1)
  AND ($2::boolean IS NULL OR handled = $2)
ORDER BY reported_at DESC
LIMIT $3
`
	rows, err := s.db.Query(ctx, q, reportedBy, handled, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select exceptions")
	}
	defer rows.Close()

	var out []*models.PackageException
	for rows.Next() {
		ex, err := scanException(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan exception")
		}
		out = append(out, ex)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
