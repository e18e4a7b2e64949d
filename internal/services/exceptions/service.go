package exceptions

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/ParcelNet/internal/apperr"
	"github.com/BearBump/ParcelNet/internal/cache"
	"github.com/BearBump/ParcelNet/internal/mapgraph"
	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/BearBump/ParcelNet/internal/services/parcels"
	"github.com/BearBump/ParcelNet/internal/storage/pgparcel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	ActionResume = "resume"
	ActionCancel = "cancel"
)

// Статусы, в которых посылка физически лежит на складе и может быть
// предметом складского отчёта об исключении.
var sortableStatuses = map[string]struct{}{
	models.PackageStatusWarehouseIn:       {},
	models.PackageStatusWarehouseReceived: {},
	models.PackageStatusSorting:           {},
	models.PackageStatusRouteDecided:      {},
}

type Repository interface {
	GetPackage(ctx context.Context, id string) (*models.Package, error)
	LatestEvent(ctx context.Context, packageID string) (*models.PackageEvent, error)
	HasUnresolvedException(ctx context.Context, packageID string) (bool, error)
	OpenCargoByPackage(ctx context.Context, packageID string) (*models.VehicleCargo, error)
	OpenCargoVehicleCode(ctx context.Context, packageID string) (string, error)
	ActiveTask(ctx context.Context, packageID string) (*models.DeliveryTask, error)
	VehicleByDriver(ctx context.Context, driverID string) (*models.Vehicle, error)
	GetException(ctx context.Context, id string) (*models.PackageException, error)
	ApplyExceptionReport(ctx context.Context, ex models.PackageException, ev models.PackageEvent) error
	ApplyExceptionHandled(ctx context.Context, exceptionID, handledBy, report string, now time.Time, cancelTasks bool, evs []models.PackageEvent) (bool, error)
	ListExceptions(ctx context.Context, reportedBy string, handled *bool, limit int) ([]*models.PackageException, error)
}

type Service struct {
	repo  Repository
	cache cache.BytesCache
}

func New(repo Repository, c cache.BytesCache) *Service {
	return &Service{repo: repo, cache: c}
}

// Check блокирует любой переход для терминальной посылки или посылки
// с нерешённым исключением.
func (s *Service) Check(ctx context.Context, packageID string) error {
	latest, err := s.repo.LatestEvent(ctx, packageID)
	if err != nil && !errors.Is(err, pgparcel.ErrNotFound) {
		return err
	}
	if latest != nil && models.IsTerminalStatus(latest.DeliveryStatus) {
		return apperr.Conflict("package is terminal").With("status", latest.DeliveryStatus)
	}

	open, err := s.repo.HasUnresolvedException(ctx, packageID)
	if err != nil {
		return err
	}
	if open {
		return apperr.Conflict("package has active exception")
	}
	return nil
}

type ReportInput struct {
	ReasonCode  string `json:"reason_code"`
	Description string `json:"description"`
}

// ReportDriver — исключение от водителя. Локация выводится, а не берётся
// из запроса: код машины, пока груз на борту, иначе текущий узел,
// совпадающий с from/to активной задачи.
func (s *Service) ReportDriver(ctx context.Context, ident models.Identity, packageID string, in ReportInput) (*models.PackageException, error) {
	if strings.TrimSpace(in.Description) == "" {
		return nil, apperr.Validation("description is required")
	}
	if _, err := s.getPackage(ctx, packageID); err != nil {
		return nil, err
	}
	if err := s.Check(ctx, packageID); err != nil {
		return nil, err
	}

	location, err := s.driverLocation(ctx, ident, packageID)
	if err != nil {
		return nil, err
	}

	return s.report(ctx, ident, packageID, in, location)
}

func (s *Service) driverLocation(ctx context.Context, ident models.Identity, packageID string) (string, error) {
	code, err := s.repo.OpenCargoVehicleCode(ctx, packageID)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, pgparcel.ErrNotFound) {
		return "", err
	}

	vehicle, err := s.repo.VehicleByDriver(ctx, ident.UserID)
	if errors.Is(err, pgparcel.ErrNotFound) {
		return "", apperr.Conflict("driver has no vehicle")
	}
	if err != nil {
		return "", err
	}

	task, err := s.repo.ActiveTask(ctx, packageID)
	if errors.Is(err, pgparcel.ErrNotFound) {
		return "", apperr.Conflict("package has no active task")
	}
	if err != nil {
		return "", err
	}

	current := vehicle.CurrentNodeID
	if current != task.FromLocation && current != task.ToLocation {
		return "", apperr.Conflict("driver is not at package location").
			With("current_node_id", current).
			With("from_location", task.FromLocation).
			With("to_location", task.ToLocation)
	}
	return current, nil
}

// ReportWarehouse — исключение со склада: посылка должна физически
// находиться на узле сотрудника, а не ехать в машине.
func (s *Service) ReportWarehouse(ctx context.Context, ident models.Identity, packageID string, in ReportInput) (*models.PackageException, error) {
	if strings.TrimSpace(in.Description) == "" {
		return nil, apperr.Validation("description is required")
	}
	nodeID := mapgraph.NormalizeID(ident.HomeNode)
	if nodeID == "" {
		return nil, apperr.Validation("warehouse staff has no node")
	}

	if _, err := s.getPackage(ctx, packageID); err != nil {
		return nil, err
	}
	if err := s.Check(ctx, packageID); err != nil {
		return nil, err
	}

	if _, err := s.repo.OpenCargoByPackage(ctx, packageID); err == nil {
		return nil, apperr.Conflict("package is on truck")
	} else if !errors.Is(err, pgparcel.ErrNotFound) {
		return nil, err
	}

	latest, err := s.repo.LatestEvent(ctx, packageID)
	if errors.Is(err, pgparcel.ErrNotFound) {
		return nil, apperr.Conflict("package not at this warehouse").With("warehouse_node_id", nodeID)
	}
	if err != nil {
		return nil, err
	}
	_, sortable := sortableStatuses[strings.ToLower(latest.DeliveryStatus)]
	if mapgraph.NormalizeID(latest.Location) != nodeID || !sortable {
		return nil, apperr.Conflict("package not at this warehouse").
			With("warehouse_node_id", nodeID).
			With("latest_status", latest.DeliveryStatus).
			With("latest_location", latest.Location)
	}

	return s.report(ctx, ident, packageID, in, nodeID)
}

func (s *Service) report(ctx context.Context, ident models.Identity, packageID string, in ReportInput, location string) (*models.PackageException, error) {
	now := time.Now().UTC()
	ex := models.PackageException{
		ID:           uuid.NewString(),
		PackageID:    packageID,
		ReasonCode:   in.ReasonCode,
		Description:  in.Description,
		ReportedBy:   ident.UserID,
		ReportedRole: ident.Role,
		ReportedAt:   now,
	}
	ev := models.PackageEvent{
		ID:              uuid.NewString(),
		PackageID:       packageID,
		DeliveryStatus:  models.PackageStatusException,
		DeliveryDetails: in.Description,
		EventsAt:        now,
		Location:        location,
	}

	if err := s.repo.ApplyExceptionReport(ctx, ex, ev); err != nil {
		if errors.Is(err, pgparcel.ErrExceptionOpen) {
			return nil, apperr.Conflict("package has active exception")
		}
		return nil, err
	}

	if s.cache != nil {
		_ = s.cache.Del(ctx, parcels.StatusKey(packageID))
	}
	return &ex, nil
}

type HandleInput struct {
	Action string `json:"action"`
	Report string `json:"handling_report"`
}

// Handle закрывает исключение: resume возвращает посылку в оборот,
// cancel терминально завершает доставку (delivery_failed на один
// логический миг позже, с локацией из самого исключения).
func (s *Service) Handle(ctx context.Context, ident models.Identity, exceptionID string, in HandleInput) error {
	if in.Action != ActionResume && in.Action != ActionCancel {
		return apperr.Validation("action must be resume or cancel")
	}
	if strings.TrimSpace(in.Report) == "" {
		return apperr.Validation("handling_report is required")
	}

	ex, err := s.repo.GetException(ctx, exceptionID)
	if errors.Is(err, pgparcel.ErrNotFound) {
		return apperr.NotFound("exception not found")
	}
	if err != nil {
		return err
	}
	if ex.Handled {
		return apperr.Conflict("exception already handled")
	}

	latest, err := s.repo.LatestEvent(ctx, ex.PackageID)
	if err != nil && !errors.Is(err, pgparcel.ErrNotFound) {
		return err
	}
	if latest != nil && models.IsTerminalStatus(latest.DeliveryStatus) {
		return apperr.Conflict("package is terminal").With("status", latest.DeliveryStatus)
	}

	var location string
	if latest != nil && latest.DeliveryStatus == models.PackageStatusException {
		location = latest.Location
	}

	now := time.Now().UTC()
	details := "Exception handled: resume delivery"
	if in.Action == ActionCancel {
		details = "Exception handled: cancel delivery"
	}
	evs := []models.PackageEvent{{
		ID:              uuid.NewString(),
		PackageID:       ex.PackageID,
		DeliveryStatus:  models.PackageStatusExceptionResolved,
		DeliveryDetails: details,
		EventsAt:        now,
		Location:        location,
	}}
	if in.Action == ActionCancel {
		evs = append(evs, models.PackageEvent{
			ID:              uuid.NewString(),
			PackageID:       ex.PackageID,
			DeliveryStatus:  models.PackageStatusDeliveryFailed,
			DeliveryDetails: "Delivery canceled after exception",
			EventsAt:        now.Add(time.Millisecond),
			Location:        location,
		})
	}

	ok, err := s.repo.ApplyExceptionHandled(ctx, exceptionID, ident.UserID, in.Report, now, in.Action == ActionCancel, evs)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("exception already handled")
	}

	if s.cache != nil {
		_ = s.cache.Del(ctx, parcels.StatusKey(ex.PackageID))
	}
	return nil
}

func (s *Service) ListForReporter(ctx context.Context, reporterID string, limit int) ([]*models.PackageException, error) {
	return s.repo.ListExceptions(ctx, reporterID, nil, limit)
}

// ListPool — пул службы поддержки; по умолчанию только нерешённые.
func (s *Service) ListPool(ctx context.Context, handled *bool, limit int) ([]*models.PackageException, error) {
	if handled == nil {
		f := false
		handled = &f
	}
	return s.repo.ListExceptions(ctx, "", handled, limit)
}

func (s *Service) getPackage(ctx context.Context, packageID string) (*models.Package, error) {
	p, err := s.repo.GetPackage(ctx, packageID)
	if errors.Is(err, pgparcel.ErrNotFound) {
		return nil, apperr.NotFound("package not found")
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
