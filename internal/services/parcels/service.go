package parcels

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/ParcelNet/internal/apperr"
	"github.com/BearBump/ParcelNet/internal/cache"
	"github.com/BearBump/ParcelNet/internal/mapgraph"
	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/BearBump/ParcelNet/internal/pricing"
	"github.com/BearBump/ParcelNet/internal/storage/pgparcel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Repository interface {
	ListNodes(ctx context.Context) ([]models.Node, error)
	ListEdges(ctx context.Context) ([]models.Edge, error)
	ReplaceMap(ctx context.Context, nodes []models.Node, edges []models.Edge) error

	CreatePackage(ctx context.Context, p *models.Package, ev models.PackageEvent, task *models.DeliveryTask) error
	GetPackage(ctx context.Context, id string) (*models.Package, error)
	LatestEvent(ctx context.Context, packageID string) (*models.PackageEvent, error)
	ListEvents(ctx context.Context, packageID string, limit, offset int) ([]*models.PackageEvent, error)

	FindDriverByHomeNode(ctx context.Context, nodeID string) (string, error)
}

type Service struct {
	repo      Repository
	cache     cache.BytesCache
	statusTTL time.Duration
	graphTTL  time.Duration
}

func New(repo Repository, c cache.BytesCache, statusTTL, graphTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, statusTTL: statusTTL, graphTTL: graphTTL}
}

// StatusKey — ключ проекции статуса. Инвалидируется каждым сервисом,
// который дописывает события посылки.
func StatusKey(packageID string) string {
	return fmt.Sprintf("package:%s:status", packageID)
}

const graphSnapshotKey = "map:snapshot"

type mapSnapshot struct {
	Nodes []models.Node `json:"nodes"`
	Edges []models.Edge `json:"edges"`
}

func (s *Service) snapshot(ctx context.Context) (*mapSnapshot, error) {
	if s.cache != nil && s.graphTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, graphSnapshotKey); err == nil && ok {
			var snap mapSnapshot
			if json.Unmarshal(b, &snap) == nil {
				return &snap, nil
			}
		}
	}

	nodes, err := s.repo.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := s.repo.ListEdges(ctx)
	if err != nil {
		return nil, err
	}

	snap := &mapSnapshot{Nodes: nodes, Edges: edges}
	if s.cache != nil && s.graphTTL > 0 {
		b, _ := json.Marshal(snap)
		_ = s.cache.Set(ctx, graphSnapshotKey, b, s.graphTTL)
	}
	return snap, nil
}

// Graph строит граф сети из снапшота (кэш — лучшее усилие).
func (s *Service) Graph(ctx context.Context) (*mapgraph.Graph, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return mapgraph.Build(snap.Nodes, snap.Edges), nil
}

func (s *Service) MapSnapshot(ctx context.Context) ([]models.Node, []models.Edge, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	return snap.Nodes, snap.Edges, nil
}

// SeedMap заменяет карту целиком (начальная загрузка при старте).
func (s *Service) SeedMap(ctx context.Context, nodes []models.Node, edges []models.Edge) error {
	if len(nodes) == 0 {
		return errors.New("map seed has no nodes")
	}
	if err := s.repo.ReplaceMap(ctx, nodes, edges); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, graphSnapshotKey)
	}
	return nil
}

// MapIsEmpty — нужна загрузка сида или карта уже есть.
func (s *Service) MapIsEmpty(ctx context.Context) (bool, error) {
	nodes, err := s.repo.ListNodes(ctx)
	if err != nil {
		return false, err
	}
	return len(nodes) == 0, nil
}

func (s *Service) Route(ctx context.Context, from, to string) (*mapgraph.Route, error) {
	g, err := s.Graph(ctx)
	if err != nil {
		return nil, err
	}

	route, err := g.ShortestPath(from, to)
	switch {
	case errors.Is(err, mapgraph.ErrFromNotFound):
		return nil, apperr.NotFound("from node not found").With("from", mapgraph.NormalizeID(from))
	case errors.Is(err, mapgraph.ErrToNotFound):
		return nil, apperr.NotFound("to node not found").With("to", mapgraph.NormalizeID(to))
	case errors.Is(err, mapgraph.ErrNoRoute):
		return nil, apperr.NotFound("no route between nodes")
	case err != nil:
		return nil, err
	}
	return route, nil
}

type EstimateInput struct {
	SenderAddress   string            `json:"sender_address"`
	ReceiverAddress string            `json:"receiver_address"`
	WeightKg        float64           `json:"weight_kg"`
	Dimensions      models.Dimensions `json:"dimensions"`
	DeliveryType    string            `json:"delivery_type"`
	SpecialMarks    []string          `json:"special_marks"`
}

// Estimate считает цену без создания посылки, той же формулой,
// что и Create — паритет проверяется тестом.
func (s *Service) Estimate(ctx context.Context, in EstimateInput) (*pricing.Result, error) {
	g, err := s.Graph(ctx)
	if err != nil {
		return nil, err
	}

	sender := mapgraph.NormalizeID(in.SenderAddress)
	receiver := mapgraph.NormalizeID(in.ReceiverAddress)
	if err := validateEndpoint(g, sender, "sender_address"); err != nil {
		return nil, err
	}
	if err := validateEndpoint(g, receiver, "receiver_address"); err != nil {
		return nil, err
	}
	if in.WeightKg <= 0 {
		return nil, apperr.Validation("weight_kg must be positive")
	}

	route, err := g.ShortestPath(sender, receiver)
	if err != nil {
		return nil, apperr.Validation("no route between sender and receiver")
	}

	res, err := pricing.Calculate(route.Cost, in.WeightKg, in.Dimensions,
		pricing.ParseDeliveryType(in.DeliveryType), in.SpecialMarks, time.Now().UTC())
	if errors.Is(err, pricing.ErrOversized) {
		return nil, apperr.Validation("oversized package")
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func validateEndpoint(g *mapgraph.Graph, nodeID, field string) error {
	if nodeID == "" {
		return apperr.Validation(field + " is required")
	}
	if !mapgraph.IsEndpoint(nodeID) {
		return apperr.Validation(field + " must be an END_HOME_x or END_STORE_x node id").With("node_id", nodeID)
	}
	if !g.Has(nodeID) {
		return apperr.Validation(field + " node does not exist in map").With("node_id", nodeID)
	}
	return nil
}

type CreateInput struct {
	SenderName      string            `json:"sender_name"`
	SenderPhone     string            `json:"sender_phone"`
	SenderAddress   string            `json:"sender_address"`
	ReceiverName    string            `json:"receiver_name"`
	ReceiverPhone   string            `json:"receiver_phone"`
	ReceiverAddress string            `json:"receiver_address"`
	WeightKg        float64           `json:"weight_kg"`
	Dimensions      models.Dimensions `json:"dimensions"`
	DeliveryType    string            `json:"delivery_type"`
	PaymentType     string            `json:"payment_type"`
	PaymentMethod   string            `json:"payment_method"`
	SpecialMarks    []string          `json:"special_marks"`
}

type CreateResult struct {
	Package *models.Package      `json:"package"`
	Pricing *pricing.Result      `json:"pricing"`
	Task    *models.DeliveryTask `json:"task,omitempty"`
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

func trackingNumber(now time.Time, packageID string) string {
	frag := nonAlnum.ReplaceAllString(packageID, "")
	if len(frag) > 8 {
		frag = frag[:8]
	}
	return fmt.Sprintf("TRK-%s-%s", strconv.FormatInt(now.UnixMilli(), 36), frag)
}

// Create создаёт посылку вместе с событием created и нулевым сегментом
// доставки. Дальше маршрут решается лениво, по сегменту за раз.
func (s *Service) Create(ctx context.Context, customerID string, in CreateInput) (*CreateResult, error) {
	if customerID == "" {
		return nil, apperr.Unauthorized("missing customer identity")
	}
	if strings.TrimSpace(in.SenderName) == "" || strings.TrimSpace(in.ReceiverName) == "" {
		return nil, apperr.Validation("sender_name and receiver_name are required")
	}

	g, err := s.Graph(ctx)
	if err != nil {
		return nil, err
	}

	sender := mapgraph.NormalizeID(in.SenderAddress)
	receiver := mapgraph.NormalizeID(in.ReceiverAddress)
	if err := validateEndpoint(g, sender, "sender_address"); err != nil {
		return nil, err
	}
	if err := validateEndpoint(g, receiver, "receiver_address"); err != nil {
		return nil, err
	}
	if in.WeightKg <= 0 {
		return nil, apperr.Validation("weight_kg must be positive")
	}

	route, err := g.ShortestPath(sender, receiver)
	if err != nil {
		return nil, apperr.Validation("no route between sender and receiver")
	}

	now := time.Now().UTC()
	priced, err := pricing.Calculate(route.Cost, in.WeightKg, in.Dimensions,
		pricing.ParseDeliveryType(in.DeliveryType), in.SpecialMarks, now)
	if errors.Is(err, pricing.ErrOversized) {
		return nil, apperr.Validation("oversized package")
	}
	if err != nil {
		return nil, err
	}

	pkg := &models.Package{
		ID:              uuid.NewString(),
		CustomerID:      customerID,
		SenderName:      strings.TrimSpace(in.SenderName),
		SenderPhone:     strings.TrimSpace(in.SenderPhone),
		SenderAddress:   sender,
		ReceiverName:    strings.TrimSpace(in.ReceiverName),
		ReceiverPhone:   strings.TrimSpace(in.ReceiverPhone),
		ReceiverAddress: receiver,
		WeightKg:        in.WeightKg,
		Dimensions:      in.Dimensions,
		DeliveryType:    string(pricing.ParseDeliveryType(in.DeliveryType)),
		PaymentType:     in.PaymentType,
		PaymentMethod:   in.PaymentMethod,
		SpecialMarks:    in.SpecialMarks,
		CreatedAt:       now,
	}
	if pkg.SpecialMarks == nil {
		pkg.SpecialMarks = []string{}
	}
	pkg.TrackingNumber = trackingNumber(now, pkg.ID)

	ev := models.PackageEvent{
		ID:              uuid.NewString(),
		PackageID:       pkg.ID,
		DeliveryStatus:  models.PackageStatusCreated,
		DeliveryDetails: "Package registered",
		EventsAt:        now,
		Location:        sender,
	}

	task := s.planInitialSegment(ctx, g, pkg, route, now)

	if err := s.repo.CreatePackage(ctx, pkg, ev, task); err != nil {
		return nil, err
	}

	if s.cache != nil {
		_ = s.cache.Del(ctx, StatusKey(pkg.ID))
	}

	return &CreateResult{Package: pkg, Pricing: priced, Task: task}, nil
}

// planInitialSegment выбирает нулевой сегмент: от отправителя к соседнему
// складу, иначе к следующему узлу кратчайшего пути. Водитель — тот, чья
// машина приписана к ближайшему корневому хабу; если такого нет, задача
// остаётся неназначенной и ждёт handoff.
func (s *Service) planInitialSegment(ctx context.Context, g *mapgraph.Graph, pkg *models.Package, route *mapgraph.Route, now time.Time) *models.DeliveryTask {
	to := g.AdjacentWarehouse(pkg.SenderAddress)
	if to == "" && len(route.Path) > 1 {
		to = route.Path[1]
	}
	if to == "" {
		return nil
	}

	var driverID string
	if hub := g.NearestHub(pkg.SenderAddress); hub != "" {
		if id, err := s.repo.FindDriverByHomeNode(ctx, hub); err == nil {
			driverID = id
		}
	}

	return &models.DeliveryTask{
		ID:               uuid.NewString(),
		PackageID:        pkg.ID,
		TaskType:         models.TaskTypePickup,
		FromLocation:     pkg.SenderAddress,
		ToLocation:       to,
		AssignedDriverID: driverID,
		Status:           models.TaskStatusPending,
		SegmentIndex:     0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

type StatusView struct {
	PackageID string    `json:"package_id"`
	Status    string    `json:"status"`
	Details   string    `json:"details,omitempty"`
	Location  string    `json:"location,omitempty"`
	At        time.Time `json:"at"`
}

// Status — проекция последнего события, кэшируется с коротким TTL.
func (s *Service) Status(ctx context.Context, packageID string) (*StatusView, error) {
	key := StatusKey(packageID)
	if s.cache != nil && s.statusTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var v StatusView
			if json.Unmarshal(b, &v) == nil {
				return &v, nil
			}
		}
	}

	latest, err := s.repo.LatestEvent(ctx, packageID)
	if errors.Is(err, pgparcel.ErrNotFound) {
		return nil, apperr.NotFound("package not found")
	}
	if err != nil {
		return nil, err
	}

	v := &StatusView{
		PackageID: packageID,
		Status:    latest.DeliveryStatus,
		Details:   latest.DeliveryDetails,
		Location:  latest.Location,
		At:        latest.EventsAt,
	}
	if s.cache != nil && s.statusTTL > 0 {
		b, _ := json.Marshal(v)
		_ = s.cache.Set(ctx, key, b, s.statusTTL)
	}
	return v, nil
}

func (s *Service) Get(ctx context.Context, packageID string) (*models.Package, error) {
	p, err := s.repo.GetPackage(ctx, packageID)
	if errors.Is(err, pgparcel.ErrNotFound) {
		return nil, apperr.NotFound("package not found")
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Events(ctx context.Context, packageID string, limit, offset int) ([]*models.PackageEvent, error) {
	if _, err := s.Get(ctx, packageID); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, packageID, limit, offset)
}
