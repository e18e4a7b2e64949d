package pgparcel

import (
	"context"

	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ErrNotFound возвращается репозиториями, когда записи нет.
var ErrNotFound = errors.New("not found")

// ErrCargoOpen возвращается при попытке погрузить посылку,
// которая уже лежит в какой-то машине.
var ErrCargoOpen = errors.New("package already loaded")

// CreatePackage записывает посылку, её событие created и стартовую задачу
// (если она есть) одной транзакцией.
func (s *Storage) CreatePackage(ctx context.Context, p *models.Package, ev models.PackageEvent, task *models.DeliveryTask) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO packages (
  id, customer_id,
  sender_name, sender_phone, sender_address,
  receiver_name, receiver_phone, receiver_address,
  weight_kg, length_cm, width_cm, height_cm,
  delivery_type, payment_type, payment_method, special_marks,
  tracking_number, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
`, p.ID, p.CustomerID,
		p.SenderName, p.SenderPhone, p.SenderAddress,
		p.ReceiverName, p.ReceiverPhone, p.ReceiverAddress,
		p.WeightKg, p.Dimensions.Length, p.Dimensions.Width, p.Dimensions.Height,
		p.DeliveryType, p.PaymentType, p.PaymentMethod, p.SpecialMarks,
		p.TrackingNumber, p.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert package")
	}

	if err := insertEventTx(ctx, tx, ev); err != nil {
		return err
	}

	if task != nil {
		if err := insertTaskTx(ctx, tx, *task); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func (s *Storage) GetPackage(ctx context.Context, id string) (*models.Package, error) {
	var p models.Package
	err := s.db.QueryRow(ctx, `
SELECT
  id, customer_id,
  sender_name, sender_phone, sender_address,
  receiver_name, receiver_phone, receiver_address,
  weight_kg, length_cm, width_cm, height_cm,
  delivery_type, payment_type, payment_method, special_marks,
  tracking_number, created_at
FROM packages
WHERE id = $1
`, id).Scan(
		&p.ID, &p.CustomerID,
		&p.SenderName, &p.SenderPhone, &p.SenderAddress,
		&p.ReceiverName, &p.ReceiverPhone, &p.ReceiverAddress,
		&p.WeightKg, &p.Dimensions.Length, &p.Dimensions.Width, &p.Dimensions.Height,
		&p.DeliveryType, &p.PaymentType, &p.PaymentMethod, &p.SpecialMarks,
		&p.TrackingNumber, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select package")
	}
	return &p, nil
}
