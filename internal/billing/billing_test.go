package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/ParcelNet/internal/broker/messages"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	topic string
	key   []byte
	value []byte
	err   error
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.topic, p.key, p.value = topic, key, value
	return p.err
}

func TestKafkaNotifier_AddPackageToBill(t *testing.T) {
	fp := &fakePublisher{}
	n := NewKafkaNotifier(fp, "billing.enqueue")

	deliveredAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, n.AddPackageToBill(context.Background(), "cust-1", "pkg-1", deliveredAt))

	require.Equal(t, "billing.enqueue", fp.topic)
	require.Equal(t, []byte("cust-1"), fp.key)

	var msg messages.BillingEnqueue
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.Equal(t, "cust-1", msg.CustomerID)
	require.Equal(t, "pkg-1", msg.PackageID)
	require.True(t, msg.DeliveredAt.Equal(deliveredAt))
}
