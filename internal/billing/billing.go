package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/ParcelNet/internal/broker/messages"
	"github.com/pkg/errors"
)

// Notifier уведомляет биллинг о доставленной посылке с помесячной оплатой.
type Notifier interface {
	AddPackageToBill(ctx context.Context, customerID, packageID string, deliveredAt time.Time) error
}

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// KafkaNotifier публикует BillingEnqueue в топик биллинга.
// Ключ — customer_id, чтобы счёт одного клиента собирался по порядку.
type KafkaNotifier struct {
	p     publisher
	topic string
}

func NewKafkaNotifier(p publisher, topic string) *KafkaNotifier {
	return &KafkaNotifier{p: p, topic: topic}
}

func (n *KafkaNotifier) AddPackageToBill(ctx context.Context, customerID, packageID string, deliveredAt time.Time) error {
	msg := messages.BillingEnqueue{
		CustomerID:  customerID,
		PackageID:   packageID,
		DeliveredAt: deliveredAt.UTC(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal billing enqueue")
	}
	if err := n.p.Publish(ctx, n.topic, []byte(customerID), b); err != nil {
		return errors.Wrap(err, "publish billing enqueue")
	}
	return nil
}
