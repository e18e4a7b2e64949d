package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ParcelNet/config"
	"github.com/BearBump/ParcelNet/internal/api/parcelapi"
	"github.com/BearBump/ParcelNet/internal/billing"
	"github.com/BearBump/ParcelNet/internal/broker/kafka"
	"github.com/BearBump/ParcelNet/internal/cache/rediscache"
	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/BearBump/ParcelNet/internal/services/dispatch"
	"github.com/BearBump/ParcelNet/internal/services/exceptions"
	"github.com/BearBump/ParcelNet/internal/services/parcels"
	"github.com/BearBump/ParcelNet/internal/services/vehicles"
	"github.com/BearBump/ParcelNet/internal/storage/pgparcel"
	"go.yaml.in/yaml/v4"
)

type parcelAPIApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    parcelAPIOpts
	api     *parcelapi.API
	closeDB func()
}

func mustBootstrapParcelAPI() *parcelAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.ParcelNet.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.BillingEnqueueTopicName
	if topic == "" {
		topic = "billing.enqueue"
	}

	statusTTL := time.Duration(cfg.ParcelNet.StatusTTLSeconds) * time.Second
	if statusTTL <= 0 {
		statusTTL = time.Minute
	}
	graphTTL := time.Duration(cfg.ParcelNet.GraphTTLSeconds) * time.Second
	if graphTTL <= 0 {
		graphTTL = 5 * time.Minute
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	notifier := billing.NewKafkaNotifier(producer, topic)

	parcelsSvc := parcels.New(st, rc, statusTTL, graphTTL)
	vehiclesSvc := vehicles.New(st, parcelsSvc, rc)
	exceptionsSvc := exceptions.New(st, rc)
	dispatchSvc := dispatch.New(st, vehiclesSvc, exceptionsSvc, parcelsSvc, notifier, rc, slog.Default())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if path := cfg.ParcelNet.MapSeedPath; path != "" {
		if err := seedMapIfEmpty(ctx, parcelsSvc, path); err != nil {
			cancel()
			st.Close()
			panic(fmt.Sprintf("map seed failed: %v", err))
		}
	}

	api := parcelapi.New(parcelsSvc, dispatchSvc, vehiclesSvc, exceptionsSvc)
	if cfg.ParcelNet.PublicRateLimitPerMinute > 0 {
		api = api.WithRateLimit(rediscache.NewRateLimiter(redisAddr),
			int64(cfg.ParcelNet.PublicRateLimitPerMinute), time.Minute)
	}

	return &parcelAPIApp{
		ctx:     ctx,
		cancel:  cancel,
		opts:    parcelAPIOpts{httpAddr: httpAddr},
		api:     api,
		closeDB: st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgparcel.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgparcel.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

type mapSeed struct {
	Nodes []seedNode `yaml:"nodes"`
	Edges []seedEdge `yaml:"edges"`
}

type seedNode struct {
	ID    string  `yaml:"id"`
	Level int     `yaml:"level"`
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
}

type seedEdge struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	// указатель: в сиде cost может отсутствовать, а явный 0 — легален
	Cost         *float64 `yaml:"cost"`
	Distance     float64  `yaml:"distance"`
	RoadMultiple float64  `yaml:"road_multiple"`
}

func loadMapSeed(path string) ([]models.Node, []models.Edge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var seed mapSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, nil, err
	}

	nodes := make([]models.Node, 0, len(seed.Nodes))
	for _, n := range seed.Nodes {
		nodes = append(nodes, models.Node{ID: n.ID, Level: n.Level, X: n.X, Y: n.Y})
	}
	edges := make([]models.Edge, 0, len(seed.Edges))
	for _, e := range seed.Edges {
		cost := 1.0
		if e.Cost != nil {
			cost = *e.Cost
		}
		edges = append(edges, models.Edge{
			ID: e.ID, Source: e.Source, Target: e.Target,
			Cost: cost, Distance: e.Distance, RoadMultiple: e.RoadMultiple,
		})
	}
	return nodes, edges, nil
}

// seedMapIfEmpty грузит сид карты только в пустую базу: перезапуск
// сервиса не затирает живую карту.
func seedMapIfEmpty(ctx context.Context, svc *parcels.Service, path string) error {
	empty, err := svc.MapIsEmpty(ctx)
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}
	nodes, edges, err := loadMapSeed(path)
	if err != nil {
		return err
	}
	slog.Info("seeding map", "nodes", len(nodes), "edges", len(edges))
	return svc.SeedMap(ctx, nodes, edges)
}

func (a *parcelAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *parcelAPIApp) Run() error {
	return runParcelAPI(a.ctx, a.opts, a.api)
}
