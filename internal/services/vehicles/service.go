package vehicles

import (
	"context"
	"regexp"
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

type Repository interface {
	VehicleByDriver(ctx context.Context, driverID string) (*models.Vehicle, error)
	VehicleCodeExists(ctx context.Context, code string) (bool, error)
	CreateVehicle(ctx context.Context, v models.Vehicle) error
	MoveVehicle(ctx context.Context, driverID, from, to string, now time.Time) (bool, error)
	ListOpenCargo(ctx context.Context, vehicleID string) ([]*models.VehicleCargo, error)
	ActiveTask(ctx context.Context, packageID string) (*models.DeliveryTask, error)
	LatestEvent(ctx context.Context, packageID string) (*models.PackageEvent, error)
	HasUnresolvedException(ctx context.Context, packageID string) (bool, error)
	HasEvent(ctx context.Context, packageID, status, location, details string) (bool, error)
	AppendEvent(ctx context.Context, ev models.PackageEvent) error
}

type GraphProvider interface {
	Graph(ctx context.Context) (*mapgraph.Graph, error)
}

type Service struct {
	repo   Repository
	graphs GraphProvider
	cache  cache.BytesCache
}

func New(repo Repository, graphs GraphProvider, c cache.BytesCache) *Service {
	return &Service{repo: repo, graphs: graphs, cache: c}
}

var reHubNo = regexp.MustCompile(`^HUB_(\d+)$`)
var reAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Ensure автоматически заводит машину на домашнем узле водителя.
// Код TRUCK_<номер хаба>; при коллизии — суффикс из id водителя.
func (s *Service) Ensure(ctx context.Context, ident models.Identity) (*models.Vehicle, error) {
	v, err := s.repo.VehicleByDriver(ctx, ident.UserID)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgparcel.ErrNotFound) {
		return nil, err
	}

	home := mapgraph.NormalizeID(ident.HomeNode)
	if home == "" {
		return nil, apperr.Validation("driver has no home node")
	}
	g, err := s.graphs.Graph(ctx)
	if err != nil {
		return nil, err
	}
	if !g.Has(home) {
		return nil, apperr.Validation("invalid home node id").With("node_id", home)
	}

	id := uuid.NewString()
	code := vehicleCode(home, id)
	exists, err := s.repo.VehicleCodeExists(ctx, code)
	if err != nil {
		return nil, err
	}
	if exists {
		code = code + "_" + codeSuffix(ident.UserID, id)
	}

	vehicle := models.Vehicle{
		ID:            id,
		DriverUserID:  ident.UserID,
		VehicleCode:   code,
		HomeNodeID:    home,
		CurrentNodeID: home,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.repo.CreateVehicle(ctx, vehicle); err != nil {
		return nil, err
	}
	return &vehicle, nil
}

func vehicleCode(homeNodeID, vehicleID string) string {
	if m := reHubNo.FindStringSubmatch(homeNodeID); m != nil {
		return "TRUCK_" + m[1]
	}
	frag := strings.ToUpper(reAlnum.ReplaceAllString(vehicleID, ""))
	if len(frag) > 8 {
		frag = frag[:8]
	}
	return "TRUCK_" + frag
}

func codeSuffix(driverID, vehicleID string) string {
	clean := strings.ToUpper(reAlnum.ReplaceAllString(driverID, ""))
	if len(clean) >= 4 {
		return clean[len(clean)-4:]
	}
	frag := strings.ToUpper(reAlnum.ReplaceAllString(vehicleID, ""))
	if len(frag) > 4 {
		frag = frag[:4]
	}
	return frag
}

// Move перемещает машину на соседний узел. Оптимистичная конкуренция:
// условие на текущий узел, ноль строк — позиция уже устарела. После
// успеха для каждого подходящего груза дописывается in_transit с кодом
// машины вместо узла: "в пути" против "прибыла".
func (s *Service) Move(ctx context.Context, ident models.Identity, fromNodeID, toNodeID string) (*models.Vehicle, error) {
	from := mapgraph.NormalizeID(fromNodeID)
	to := mapgraph.NormalizeID(toNodeID)
	if from == "" || to == "" {
		return nil, apperr.Validation("missing fromNodeId/toNodeId")
	}
	if from == to {
		return nil, apperr.Validation("fromNodeId equals toNodeId")
	}

	v, err := s.Ensure(ctx, ident)
	if err != nil {
		return nil, err
	}
	if v.CurrentNodeID != from {
		return nil, apperr.Conflict("vehicle position changed").
			With("reason", "stale_from").
			With("current_node_id", v.CurrentNodeID)
	}

	g, err := s.graphs.Graph(ctx)
	if err != nil {
		return nil, err
	}
	if !g.Has(to) {
		return nil, apperr.Validation("invalid toNodeId").With("node_id", to)
	}
	if !g.Adjacent(from, to) {
		return nil, apperr.Validation("not adjacent").With("from", from).With("to", to)
	}

	now := time.Now().UTC()
	moved, err := s.repo.MoveVehicle(ctx, ident.UserID, from, to, now)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apperr.Conflict("vehicle position changed").With("reason", "conflict")
	}
	v.CurrentNodeID = to
	v.UpdatedAt = now

	if err := s.emitTransitEvents(ctx, v, to, now); err != nil {
		return nil, err
	}
	return v, nil
}

// emitTransitEvents помечает едущие в машине посылки как in_transit,
// но только те, чей активный in_progress-сегмент ведёт в новый узел.
func (s *Service) emitTransitEvents(ctx context.Context, v *models.Vehicle, toNodeID string, now time.Time) error {
	cargo, err := s.repo.ListOpenCargo(ctx, v.ID)
	if err != nil {
		return err
	}

	details := "En route to " + toNodeID
	for _, c := range cargo {
		latest, err := s.repo.LatestEvent(ctx, c.PackageID)
		if err != nil && !errors.Is(err, pgparcel.ErrNotFound) {
			return err
		}
		if latest != nil && models.IsTerminalStatus(latest.DeliveryStatus) {
			continue
		}
		open, err := s.repo.HasUnresolvedException(ctx, c.PackageID)
		if err != nil {
			return err
		}
		if open {
			continue
		}

		task, err := s.repo.ActiveTask(ctx, c.PackageID)
		if errors.Is(err, pgparcel.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if task.Status != models.TaskStatusInProgress || task.ToLocation != toNodeID {
			continue
		}

		dup, err := s.repo.HasEvent(ctx, c.PackageID, models.PackageStatusInTransit, v.VehicleCode, details)
		if err != nil {
			return err
		}
		if dup {
			continue
		}

		ev := models.PackageEvent{
			ID:              uuid.NewString(),
			PackageID:       c.PackageID,
			DeliveryStatus:  models.PackageStatusInTransit,
			DeliveryDetails: details,
			EventsAt:        now,
			Location:        v.VehicleCode,
		}
		if err := s.repo.AppendEvent(ctx, ev); err != nil {
			return err
		}
		if s.cache != nil {
			_ = s.cache.Del(ctx, parcels.StatusKey(c.PackageID))
		}
	}
	return nil
}

// Cargo — что сейчас лежит в моей машине.
func (s *Service) Cargo(ctx context.Context, ident models.Identity) (*models.Vehicle, []*models.VehicleCargo, error) {
	v, err := s.Ensure(ctx, ident)
	if err != nil {
		return nil, nil, err
	}
	cargo, err := s.repo.ListOpenCargo(ctx, v.ID)
	if err != nil {
		return nil, nil, err
	}
	return v, cargo, nil
}
