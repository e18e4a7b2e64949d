package models

import "time"

// Статусы посылки. Текущий статус не хранится в packages —
// он всегда проекция последнего события (package_events).
const (
	PackageStatusCreated           = "created"
	PackageStatusInTransit         = "in_transit"
	PackageStatusPickedUp          = "picked_up"
	PackageStatusArrivedPickup     = "arrived_pickup"
	PackageStatusArrivedDelivery   = "arrived_delivery"
	PackageStatusWarehouseIn       = "warehouse_in"
	PackageStatusWarehouseReceived = "warehouse_received"
	PackageStatusSorting           = "sorting"
	PackageStatusRouteDecided      = "route_decided"
	PackageStatusDelivered         = "delivered"
	PackageStatusException         = "exception"
	PackageStatusExceptionResolved = "exception_resolved"
	PackageStatusDeliveryFailed    = "delivery_failed"
)

// IsTerminalStatus reports whether no further status-changing events are
// permitted for a package in this status.
func IsTerminalStatus(status string) bool {
	return status == PackageStatusDelivered || status == PackageStatusDeliveryFailed
}

const (
	TaskStatusPending    = "pending"
	TaskStatusAccepted   = "accepted"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusCanceled   = "canceled"
)

const (
	TaskTypePickup  = "pickup"
	TaskTypeDeliver = "deliver"
)

const (
	RoleDriver          = "driver"
	RoleWarehouseStaff  = "warehouse_staff"
	RoleCustomerService = "customer_service"
	RoleCustomer        = "customer"
)

const PaymentMethodMonthlyBilling = "monthly_billing"

type Node struct {
	ID    string  `json:"id"`
	Level int     `json:"level"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

type Edge struct {
	ID           string  `json:"id"`
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	Cost         float64 `json:"cost"`
	Distance     float64 `json:"distance"`
	RoadMultiple float64 `json:"road_multiple"`
}

type Dimensions struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Package struct {
	ID              string     `json:"id"`
	CustomerID      string     `json:"customer_id"`
	SenderName      string     `json:"sender_name"`
	SenderPhone     string     `json:"sender_phone"`
	SenderAddress   string     `json:"sender_address"`
	ReceiverName    string     `json:"receiver_name"`
	ReceiverPhone   string     `json:"receiver_phone"`
	ReceiverAddress string     `json:"receiver_address"`
	WeightKg        float64    `json:"weight_kg"`
	Dimensions      Dimensions `json:"dimensions"`
	DeliveryType    string     `json:"delivery_type"`
	PaymentType     string     `json:"payment_type"`
	PaymentMethod   string     `json:"payment_method"`
	SpecialMarks    []string   `json:"special_marks"`
	TrackingNumber  string     `json:"tracking_number"`
	CreatedAt       time.Time  `json:"created_at"`
}

// PackageEvent — append-only запись аудита. Единственный источник правды
// о текущем состоянии посылки.
type PackageEvent struct {
	ID              string    `json:"id"`
	PackageID       string    `json:"package_id"`
	DeliveryStatus  string    `json:"delivery_status"`
	DeliveryDetails string    `json:"delivery_details,omitempty"`
	EventsAt        time.Time `json:"events_at"`
	Location        string    `json:"location,omitempty"`
}

// DeliveryTask — один сегмент маршрута: ровно одно ребро графа,
// принадлежащее ровно одному водителю.
type DeliveryTask struct {
	ID               string    `json:"id"`
	PackageID        string    `json:"package_id"`
	TaskType         string    `json:"task_type"`
	FromLocation     string    `json:"from_location"`
	ToLocation       string    `json:"to_location"`
	AssignedDriverID string    `json:"assigned_driver_id,omitempty"`
	Status           string    `json:"status"`
	SegmentIndex     int       `json:"segment_index"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (t *DeliveryTask) IsActive() bool {
	switch t.Status {
	case TaskStatusPending, TaskStatusAccepted, TaskStatusInProgress:
		return true
	}
	return false
}

type Vehicle struct {
	ID            string    `json:"id"`
	DriverUserID  string    `json:"driver_user_id"`
	VehicleCode   string    `json:"vehicle_code"`
	HomeNodeID    string    `json:"home_node_id"`
	CurrentNodeID string    `json:"current_node_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type VehicleCargo struct {
	ID         string     `json:"id"`
	VehicleID  string     `json:"vehicle_id"`
	PackageID  string     `json:"package_id"`
	LoadedAt   time.Time  `json:"loaded_at"`
	UnloadedAt *time.Time `json:"unloaded_at,omitempty"`
}

type PackageException struct {
	ID             string     `json:"id"`
	PackageID      string     `json:"package_id"`
	ReasonCode     string     `json:"reason_code,omitempty"`
	Description    string     `json:"description"`
	ReportedBy     string     `json:"reported_by"`
	ReportedRole   string     `json:"reported_role"`
	ReportedAt     time.Time  `json:"reported_at"`
	Handled        bool       `json:"handled"`
	HandledBy      string     `json:"handled_by,omitempty"`
	HandledAt      *time.Time `json:"handled_at,omitempty"`
	HandlingReport string     `json:"handling_report,omitempty"`
}

// Identity приходит из внешнего auth-слоя (gateway), сервис её не выпускает.
type Identity struct {
	UserID   string
	Role     string
	HomeNode string
}
