package messages

import "time"

// BillingEnqueue — сообщение биллингу: посылка доставлена и должна
// попасть в месячный счёт клиента. Сам расчёт цикла — на стороне биллинга.
type BillingEnqueue struct {
	CustomerID  string    `json:"customer_id"`
	PackageID   string    `json:"package_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}
