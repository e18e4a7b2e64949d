package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/ParcelNet/internal/apperr"
	"github.com/BearBump/ParcelNet/internal/billing"
	"github.com/BearBump/ParcelNet/internal/cache"
	"github.com/BearBump/ParcelNet/internal/mapgraph"
	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/BearBump/ParcelNet/internal/services/parcels"
	"github.com/BearBump/ParcelNet/internal/storage/pgparcel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	ScopeAssigned = "assigned"
	ScopeHandoff  = "handoff"
)

type Repository interface {
	GetTask(ctx context.Context, id string) (*models.DeliveryTask, error)
	ActiveTask(ctx context.Context, packageID string) (*models.DeliveryTask, error)
	ListAssignedTasks(ctx context.Context, driverID string, statuses []string, limit int) ([]*models.DeliveryTask, error)
	ListHandoffTasks(ctx context.Context, nodeID, excludeDriverID string, limit int) ([]*models.DeliveryTask, error)
	AcceptTask(ctx context.Context, taskID, driverID string, now time.Time) (bool, error)
	CompleteTaskOwned(ctx context.Context, taskID, driverID string, now time.Time) (bool, error)
	NextSegmentIndex(ctx context.Context, packageID string) (int, error)
	CreateTask(ctx context.Context, t models.DeliveryTask) error
	ApplyPickup(ctx context.Context, upd pgparcel.PickupUpdate) (bool, error)
	ApplyDropoff(ctx context.Context, upd pgparcel.DropoffUpdate) (bool, error)

	GetPackage(ctx context.Context, id string) (*models.Package, error)
	LatestEvent(ctx context.Context, packageID string) (*models.PackageEvent, error)
	AppendEvent(ctx context.Context, ev models.PackageEvent) error
	AppendEvents(ctx context.Context, evs []models.PackageEvent) error
	HasEvent(ctx context.Context, packageID, status, location, details string) (bool, error)
	OpenCargoByPackage(ctx context.Context, packageID string) (*models.VehicleCargo, error)
	FindDriverByHomeNode(ctx context.Context, nodeID string) (string, error)
}

// VehicleProvider — автоподготовка машины водителя (vehicles.Service).
type VehicleProvider interface {
	Ensure(ctx context.Context, ident models.Identity) (*models.Vehicle, error)
}

// Guard блокирует переходы для терминальных и проблемных посылок
// (exceptions.Service).
type Guard interface {
	Check(ctx context.Context, packageID string) error
}

type GraphProvider interface {
	Graph(ctx context.Context) (*mapgraph.Graph, error)
}

type Service struct {
	repo     Repository
	vehicles VehicleProvider
	guard    Guard
	graphs   GraphProvider
	billing  billing.Notifier
	cache    cache.BytesCache
	log      *slog.Logger
}

func New(repo Repository, v VehicleProvider, g Guard, graphs GraphProvider, b billing.Notifier, c cache.BytesCache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, vehicles: v, guard: g, graphs: graphs, billing: b, cache: c, log: log}
}

type TaskList struct {
	Scope  string                 `json:"scope"`
	NodeID string                 `json:"node_id,omitempty"`
	Tasks  []*models.DeliveryTask `json:"tasks"`
}

// List — мои задачи или задачи на передачу на текущем узле.
func (s *Service) List(ctx context.Context, ident models.Identity, scope, status string, limit int) (*TaskList, error) {
	if scope == "" {
		scope = ScopeAssigned
	}

	switch scope {
	case ScopeAssigned:
		var statuses []string
		if status != "" {
			statuses = []string{status}
		}
		tasks, err := s.repo.ListAssignedTasks(ctx, ident.UserID, statuses, limit)
		if err != nil {
			return nil, err
		}
		return &TaskList{Scope: scope, Tasks: tasks}, nil

	case ScopeHandoff:
		v, err := s.vehicles.Ensure(ctx, ident)
		if err != nil {
			return nil, err
		}
		if !mapgraph.IsWarehouse(v.CurrentNodeID) {
			return &TaskList{Scope: scope, NodeID: v.CurrentNodeID, Tasks: []*models.DeliveryTask{}}, nil
		}
		tasks, err := s.repo.ListHandoffTasks(ctx, v.CurrentNodeID, ident.UserID, limit)
		if err != nil {
			return nil, err
		}
		if status != "" {
			filtered := tasks[:0]
			for _, t := range tasks {
				if t.Status == status {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}
		return &TaskList{Scope: scope, NodeID: v.CurrentNodeID, Tasks: tasks}, nil
	}

	return nil, apperr.Validation("scope must be assigned or handoff")
}

// Accept — передача задачи на складе. Повторный accept своей задачи
// идемпотентен; гонку двух водителей решает условный UPDATE.
func (s *Service) Accept(ctx context.Context, ident models.Identity, taskID string) (*models.DeliveryTask, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(ctx, task.PackageID); err != nil {
		return nil, err
	}

	v, err := s.vehicles.Ensure(ctx, ident)
	if err != nil {
		return nil, err
	}
	if task.FromLocation != v.CurrentNodeID {
		return nil, apperr.Conflict("not at task start node").
			With("from_location", task.FromLocation).
			With("current_node_id", v.CurrentNodeID)
	}
	if !mapgraph.IsWarehouse(task.FromLocation) {
		return nil, apperr.Conflict("handoff not allowed from this node").With("from_location", task.FromLocation)
	}
	if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusAccepted {
		return nil, apperr.Conflict("task not eligible for handoff").With("status", task.Status)
	}
	if task.AssignedDriverID == ident.UserID {
		return task, nil
	}

	now := time.Now().UTC()
	ok, err := s.repo.AcceptTask(ctx, taskID, ident.UserID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("task not eligible for handoff").With("reason", "conflict")
	}

	task.AssignedDriverID = ident.UserID
	task.Status = models.TaskStatusAccepted
	task.UpdatedAt = now
	return task, nil
}

// Pickup грузит посылку и запускает сегмент. Если водитель не нажимал
// "в пути", недостающее in_transit дописывается задним числом.
func (s *Service) Pickup(ctx context.Context, ident models.Identity, taskID string) (*models.VehicleCargo, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedDriverID != ident.UserID {
		return nil, apperr.Forbidden("not the assigned driver")
	}
	if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusAccepted {
		return nil, apperr.Conflict("task not eligible").With("status", task.Status)
	}
	if err := s.guard.Check(ctx, task.PackageID); err != nil {
		return nil, err
	}

	v, err := s.vehicles.Ensure(ctx, ident)
	if err != nil {
		return nil, err
	}
	if v.CurrentNodeID != task.FromLocation {
		return nil, apperr.Conflict("not at pickup node").
			With("current_node_id", v.CurrentNodeID).
			With("from_location", task.FromLocation)
	}

	now := time.Now().UTC()
	events, err := s.withTransitBackfill(ctx, task.PackageID, v.VehicleCode, task.FromLocation, now, models.PackageEvent{
		ID:              uuid.NewString(),
		PackageID:       task.PackageID,
		DeliveryStatus:  models.PackageStatusPickedUp,
		DeliveryDetails: "Picked up by driver",
		EventsAt:        now,
		Location:        task.FromLocation,
	})
	if err != nil {
		return nil, err
	}

	cargo := models.VehicleCargo{
		ID:        uuid.NewString(),
		VehicleID: v.ID,
		PackageID: task.PackageID,
		LoadedAt:  now,
	}

	ok, err := s.repo.ApplyPickup(ctx, pgparcel.PickupUpdate{
		TaskID: task.ID,
		Cargo:  cargo,
		Events: events,
		Now:    now,
	})
	if errors.Is(err, pgparcel.ErrCargoOpen) {
		return nil, apperr.Conflict("cargo already loaded")
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("task not eligible").With("reason", "conflict")
	}

	s.invalidateStatus(ctx, task.PackageID)
	return &cargo, nil
}

// withTransitBackfill добавляет синтетическое in_transit на секунду
// раньше основного события, если такого ещё не было.
func (s *Service) withTransitBackfill(ctx context.Context, packageID, vehicleCode, destination string, now time.Time, main models.PackageEvent) ([]models.PackageEvent, error) {
	if vehicleCode == "" || destination == "" {
		return []models.PackageEvent{main}, nil
	}

	details := "En route to " + destination
	dup, err := s.repo.HasEvent(ctx, packageID, models.PackageStatusInTransit, vehicleCode, details)
	if err != nil {
		return nil, err
	}
	if dup {
		return []models.PackageEvent{main}, nil
	}

	backfill := models.PackageEvent{
		ID:              uuid.NewString(),
		PackageID:       packageID,
		DeliveryStatus:  models.PackageStatusInTransit,
		DeliveryDetails: details,
		EventsAt:        now.Add(-time.Second),
		Location:        vehicleCode,
	}
	return []models.PackageEvent{backfill, main}, nil
}

type DropoffResult struct {
	Status string `json:"status"`
}

// Dropoff выгружает посылку и завершает сегмент. Статус выводится из
// вида точки назначения: склад, конечная точка или промежуточный узел.
func (s *Service) Dropoff(ctx context.Context, ident models.Identity, taskID string) (*DropoffResult, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedDriverID != ident.UserID {
		return nil, apperr.Forbidden("not the assigned driver")
	}
	if task.Status != models.TaskStatusInProgress {
		return nil, apperr.Conflict("task not eligible").With("status", task.Status)
	}
	if err := s.guard.Check(ctx, task.PackageID); err != nil {
		return nil, err
	}

	v, err := s.vehicles.Ensure(ctx, ident)
	if err != nil {
		return nil, err
	}
	if v.CurrentNodeID != task.ToLocation {
		return nil, apperr.Conflict("not at dropoff node").
			With("current_node_id", v.CurrentNodeID).
			With("to_location", task.ToLocation)
	}

	cargo, err := s.repo.OpenCargoByPackage(ctx, task.PackageID)
	if errors.Is(err, pgparcel.ErrNotFound) {
		return nil, apperr.Conflict("cargo not found on this vehicle")
	}
	if err != nil {
		return nil, err
	}
	if cargo.VehicleID != v.ID {
		return nil, apperr.Conflict("cargo not found on this vehicle")
	}

	nextStatus, nextDetails := dropoffStatus(task.ToLocation)

	now := time.Now().UTC()
	events, err := s.withTransitBackfill(ctx, task.PackageID, v.VehicleCode, task.ToLocation, now, models.PackageEvent{
		ID:              uuid.NewString(),
		PackageID:       task.PackageID,
		DeliveryStatus:  nextStatus,
		DeliveryDetails: nextDetails,
		EventsAt:        now,
		Location:        task.ToLocation,
	})
	if err != nil {
		return nil, err
	}

	ok, err := s.repo.ApplyDropoff(ctx, pgparcel.DropoffUpdate{
		TaskID:  task.ID,
		CargoID: cargo.ID,
		Events:  events,
		Now:     now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("task not eligible").With("reason", "conflict")
	}

	s.invalidateStatus(ctx, task.PackageID)

	if nextStatus == models.PackageStatusDelivered {
		s.notifyBilling(ctx, task.PackageID, now)
	}
	return &DropoffResult{Status: nextStatus}, nil
}

func dropoffStatus(toNodeID string) (status, details string) {
	switch {
	case mapgraph.IsWarehouse(toNodeID):
		return models.PackageStatusWarehouseIn, "Arrived at warehouse"
	case mapgraph.IsEndpoint(toNodeID):
		return models.PackageStatusDelivered, "Delivered to destination"
	}
	return models.PackageStatusInTransit, "Arrived at node"
}

// Счёт — сторонний сервис; неудавшаяся публикация не откатывает
// физическую доставку, только логируется.
func (s *Service) notifyBilling(ctx context.Context, packageID string, deliveredAt time.Time) {
	if s.billing == nil {
		return
	}
	pkg, err := s.repo.GetPackage(ctx, packageID)
	if err != nil {
		s.log.Warn("billing lookup failed", "package_id", packageID, "err", err)
		return
	}
	if pkg.PaymentMethod != models.PaymentMethodMonthlyBilling {
		return
	}
	if err := s.billing.AddPackageToBill(ctx, pkg.CustomerID, pkg.ID, deliveredAt); err != nil {
		s.log.Warn("billing enqueue failed", "package_id", packageID, "err", err)
	}
}

type EnRouteResult struct {
	Status   string `json:"status"`
	Location string `json:"location"`
}

// EnRoute — явный сигнал "я поехал": in_transit с кодом машины.
func (s *Service) EnRoute(ctx context.Context, ident models.Identity, taskID string) (*EnRouteResult, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedDriverID != ident.UserID {
		return nil, apperr.Forbidden("not the assigned driver")
	}
	if !task.IsActive() {
		return nil, apperr.Conflict("task not eligible").With("status", task.Status)
	}
	if err := s.guard.Check(ctx, task.PackageID); err != nil {
		return nil, err
	}

	v, err := s.vehicles.Ensure(ctx, ident)
	if err != nil {
		return nil, err
	}

	// После погрузки сигнал требует, чтобы груз реально лежал в машине.
	destination := task.FromLocation
	if task.Status == models.TaskStatusInProgress {
		cargo, err := s.repo.OpenCargoByPackage(ctx, task.PackageID)
		if errors.Is(err, pgparcel.ErrNotFound) {
			return nil, apperr.Conflict("cargo not found on this vehicle")
		}
		if err != nil {
			return nil, err
		}
		if cargo.VehicleID != v.ID {
			return nil, apperr.Conflict("cargo not found on this vehicle")
		}
		destination = task.ToLocation
	}

	now := time.Now().UTC()
	ev := models.PackageEvent{
		ID:              uuid.NewString(),
		PackageID:       task.PackageID,
		DeliveryStatus:  models.PackageStatusInTransit,
		DeliveryDetails: "En route to " + destination,
		EventsAt:        now,
		Location:        v.VehicleCode,
	}
	if err := s.repo.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}

	s.invalidateStatus(ctx, task.PackageID)
	return &EnRouteResult{Status: models.PackageStatusInTransit, Location: v.VehicleCode}, nil
}

type ArriveResult struct {
	Status   string `json:"status"`
	Location string `json:"location"`
}

// Arrive — отметка прибытия на узел забора/выдачи. Дедуплицируется:
// повторное нажатие не плодит события.
func (s *Service) Arrive(ctx context.Context, ident models.Identity, taskID string) (*ArriveResult, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedDriverID != ident.UserID {
		return nil, apperr.Forbidden("not the assigned driver")
	}
	if !task.IsActive() {
		return nil, apperr.Conflict("task not eligible").With("status", task.Status)
	}
	if err := s.guard.Check(ctx, task.PackageID); err != nil {
		return nil, err
	}

	v, err := s.vehicles.Ensure(ctx, ident)
	if err != nil {
		return nil, err
	}

	var status, node string
	if task.TaskType == models.TaskTypePickup {
		status, node = models.PackageStatusArrivedPickup, task.FromLocation
		if v.CurrentNodeID != node {
			return nil, apperr.Conflict("not at pickup node").
				With("current_node_id", v.CurrentNodeID).
				With("from_location", node)
		}
	} else {
		status, node = models.PackageStatusArrivedDelivery, task.ToLocation
		if v.CurrentNodeID != node {
			return nil, apperr.Conflict("not at delivery node").
				With("current_node_id", v.CurrentNodeID).
				With("to_location", node)
		}
	}

	dup, err := s.repo.HasEvent(ctx, task.PackageID, status, node, "")
	if err != nil {
		return nil, err
	}
	if !dup {
		ev := models.PackageEvent{
			ID:             uuid.NewString(),
			PackageID:      task.PackageID,
			DeliveryStatus: status,
			EventsAt:       time.Now().UTC(),
			Location:       node,
		}
		if err := s.repo.AppendEvent(ctx, ev); err != nil {
			return nil, err
		}
		s.invalidateStatus(ctx, task.PackageID)
	}

	return &ArriveResult{Status: status, Location: node}, nil
}

// Complete завершает мой сегмент без операций с грузом.
func (s *Service) Complete(ctx context.Context, ident models.Identity, taskID string) error {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.AssignedDriverID != ident.UserID {
		return apperr.Forbidden("not the assigned driver")
	}
	if task.Status == models.TaskStatusCompleted || task.Status == models.TaskStatusCanceled {
		return apperr.Conflict("task already completed or canceled")
	}
	if err := s.guard.Check(ctx, task.PackageID); err != nil {
		return err
	}

	ok, err := s.repo.CompleteTaskOwned(ctx, taskID, ident.UserID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("task not eligible").With("reason", "conflict")
	}
	return nil
}

type DispatchResult struct {
	Task *models.DeliveryTask `json:"task"`
}

// DispatchNext создаёт следующий сегмент после сортировки. Маршрут
// решается лениво: склад выбирает любой соседний узел, полный путь
// нигде не предвычисляется.
func (s *Service) DispatchNext(ctx context.Context, ident models.Identity, packageID, toNodeID string) (*DispatchResult, error) {
	from := mapgraph.NormalizeID(ident.HomeNode)
	if from == "" {
		return nil, apperr.Validation("warehouse staff has no node")
	}
	to := mapgraph.NormalizeID(toNodeID)
	if to == "" {
		return nil, apperr.Validation("missing toNodeId")
	}
	if from == to {
		return nil, apperr.Validation("fromNodeId equals toNodeId")
	}

	if _, err := s.repo.GetPackage(ctx, packageID); err != nil {
		if errors.Is(err, pgparcel.ErrNotFound) {
			return nil, apperr.NotFound("package not found")
		}
		return nil, err
	}
	if err := s.guard.Check(ctx, packageID); err != nil {
		return nil, err
	}

	if _, err := s.repo.ActiveTask(ctx, packageID); err == nil {
		return nil, apperr.Conflict("package already has an active task")
	} else if !errors.Is(err, pgparcel.ErrNotFound) {
		return nil, err
	}

	g, err := s.graphs.Graph(ctx)
	if err != nil {
		return nil, err
	}
	if !g.Adjacent(from, to) {
		return nil, apperr.Validation("not adjacent").With("from", from).With("to", to)
	}

	var driverID string
	if hub := g.NearestHub(from); hub != "" {
		if id, err := s.repo.FindDriverByHomeNode(ctx, hub); err == nil {
			driverID = id
		}
	}

	seg, err := s.repo.NextSegmentIndex(ctx, packageID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := models.DeliveryTask{
		ID:               uuid.NewString(),
		PackageID:        packageID,
		TaskType:         models.TaskTypeDeliver,
		FromLocation:     from,
		ToLocation:       to,
		AssignedDriverID: driverID,
		Status:           models.TaskStatusPending,
		SegmentIndex:     seg,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	ev := models.PackageEvent{
		ID:              uuid.NewString(),
		PackageID:       packageID,
		DeliveryStatus:  models.PackageStatusRouteDecided,
		DeliveryDetails: "Next segment to " + to,
		EventsAt:        now,
		Location:        from,
	}
	if err := s.repo.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	s.invalidateStatus(ctx, packageID)

	return &DispatchResult{Task: &task}, nil
}

type ReceiveResult struct {
	WarehouseNodeID string          `json:"warehouse_node_id"`
	Processed       []string        `json:"processed"`
	Failed          []ReceiveFailed `json:"failed"`
}

type ReceiveFailed struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Receive — пакетная приёмка на складе. Идемпотентна: уже принятая на
// этом узле посылка считается успехом. Принять можно только посылку,
// чьё последнее событие — warehouse_in на этом же узле.
func (s *Service) Receive(ctx context.Context, ident models.Identity, packageIDs []string) (*ReceiveResult, error) {
	nodeID := mapgraph.NormalizeID(ident.HomeNode)
	if nodeID == "" {
		return nil, apperr.Validation("warehouse staff has no node")
	}
	if len(packageIDs) == 0 {
		return nil, apperr.Validation("package_ids is required")
	}

	res := &ReceiveResult{WarehouseNodeID: nodeID, Processed: []string{}, Failed: []ReceiveFailed{}}

	for _, rawID := range packageIDs {
		packageID := rawID
		if packageID == "" {
			res.Failed = append(res.Failed, ReceiveFailed{ID: rawID, Reason: "missing package_id"})
			continue
		}

		if _, err := s.repo.GetPackage(ctx, packageID); err != nil {
			if errors.Is(err, pgparcel.ErrNotFound) {
				res.Failed = append(res.Failed, ReceiveFailed{ID: packageID, Reason: "package not found"})
				continue
			}
			return nil, err
		}
		if err := s.guard.Check(ctx, packageID); err != nil {
			res.Failed = append(res.Failed, ReceiveFailed{ID: packageID, Reason: err.Error()})
			continue
		}

		latest, err := s.repo.LatestEvent(ctx, packageID)
		if err != nil && !errors.Is(err, pgparcel.ErrNotFound) {
			return nil, err
		}
		if latest == nil {
			res.Failed = append(res.Failed, ReceiveFailed{ID: packageID, Reason: "package not at this warehouse"})
			continue
		}

		atNode := mapgraph.NormalizeID(latest.Location) == nodeID
		switch {
		case atNode && receivedAlready(latest.DeliveryStatus):
			res.Processed = append(res.Processed, packageID)
			continue
		case !atNode || latest.DeliveryStatus != models.PackageStatusWarehouseIn:
			res.Failed = append(res.Failed, ReceiveFailed{ID: packageID, Reason: "package not at this warehouse"})
			continue
		}

		now := time.Now().UTC()
		evs := []models.PackageEvent{
			{
				ID:             uuid.NewString(),
				PackageID:      packageID,
				DeliveryStatus: models.PackageStatusWarehouseReceived,
				EventsAt:       now,
				Location:       nodeID,
			},
			{
				ID:             uuid.NewString(),
				PackageID:      packageID,
				DeliveryStatus: models.PackageStatusSorting,
				EventsAt:       now.Add(time.Millisecond),
				Location:       nodeID,
			},
		}
		if err := s.repo.AppendEvents(ctx, evs); err != nil {
			res.Failed = append(res.Failed, ReceiveFailed{ID: packageID, Reason: "insert failed"})
			continue
		}

		s.invalidateStatus(ctx, packageID)
		res.Processed = append(res.Processed, packageID)
	}

	return res, nil
}

func receivedAlready(status string) bool {
	switch status {
	case models.PackageStatusWarehouseReceived, models.PackageStatusSorting, models.PackageStatusRouteDecided:
		return true
	}
	return false
}

func (s *Service) getTask(ctx context.Context, taskID string) (*models.DeliveryTask, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if errors.Is(err, pgparcel.ErrNotFound) {
		return nil, apperr.NotFound("task not found")
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) invalidateStatus(ctx context.Context, packageID string) {
	if s.cache != nil {
		_ = s.cache.Del(ctx, parcels.StatusKey(packageID))
	}
}
