package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/ParcelNet/internal/api/parcelapi"
	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/BearBump/ParcelNet/internal/services/parcels"
	"github.com/BearBump/ParcelNet/internal/storage/pgparcel"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct{}

func (r *fakeRepo) ListNodes(ctx context.Context) ([]models.Node, error) {
	return []models.Node{{ID: "HUB_1"}}, nil
}
func (r *fakeRepo) ListEdges(ctx context.Context) ([]models.Edge, error) {
	return []models.Edge{}, nil
}
func (r *fakeRepo) ReplaceMap(ctx context.Context, nodes []models.Node, edges []models.Edge) error {
	return nil
}
func (r *fakeRepo) CreatePackage(ctx context.Context, p *models.Package, ev models.PackageEvent, task *models.DeliveryTask) error {
	return nil
}
func (r *fakeRepo) GetPackage(ctx context.Context, id string) (*models.Package, error) {
	return nil, pgparcel.ErrNotFound
}
func (r *fakeRepo) LatestEvent(ctx context.Context, packageID string) (*models.PackageEvent, error) {
	return nil, pgparcel.ErrNotFound
}
func (r *fakeRepo) ListEvents(ctx context.Context, packageID string, limit, offset int) ([]*models.PackageEvent, error) {
	return []*models.PackageEvent{}, nil
}
func (r *fakeRepo) FindDriverByHomeNode(ctx context.Context, nodeID string) (string, error) {
	return "", pgparcel.ErrNotFound
}

func TestRunServer_HealthServed(t *testing.T) {
	svc := parcels.New(&fakeRepo{}, nil, 0, 0)
	api := parcelapi.New(svc, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- runParcelAPI(ctx, parcelAPIOpts{
			httpAddr: "127.0.0.1:0",
			onListen: func(addr string) { addrCh <- addr },
		}, api)
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting server to listen")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/map")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	cancel()
	select {
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting server to stop")
	case <-srvErr:
	}
}

func TestLoadMapSeed(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "map_seed.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
nodes:
  - id: "HUB_1"
    level: 0
    x: 10
    y: 20
  - id: "REG_1"
    level: 1
  - id: "REG_2"
    level: 1
edges:
  - id: "e1"
    source: "HUB_1"
    target: "REG_1"
    cost: 2
    distance: 120
    road_multiple: 1.5
  - id: "e2"
    source: "HUB_1"
    target: "REG_2"
  - id: "e3"
    source: "REG_1"
    target: "REG_2"
    cost: 0
`), 0o600))

	nodes, edges, err := loadMapSeed(p)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	require.Equal(t, "HUB_1", nodes[0].ID)
	require.Equal(t, 10.0, nodes[0].X)
	require.Len(t, edges, 3)
	require.Equal(t, 2.0, edges[0].Cost)
	require.Equal(t, 1.5, edges[0].RoadMultiple)
	// отсутствующий cost получает 1, явный ноль остаётся нулём
	require.Equal(t, 1.0, edges[1].Cost)
	require.Zero(t, edges[2].Cost)

	_, _, err = loadMapSeed(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
