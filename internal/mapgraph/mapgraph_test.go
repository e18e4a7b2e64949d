package mapgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ParcelNet/internal/models"
)

func testGraph() *Graph {
	nodes := []models.Node{
		{ID: "HUB_0", Level: 1},
		{ID: "REG_1", Level: 2},
		{ID: "REG_2", Level: 2},
		{ID: "END_HOME_1", Level: 4},
		{ID: "END_STORE_9", Level: 4},
	}
	edges := []models.Edge{
		{Source: "HUB_0", Target: "REG_1", Cost: 50},
		{Source: "HUB_0", Target: "REG_2", Cost: 80},
		{Source: "REG_1", Target: "END_HOME_1", Cost: 10},
	}
	return Build(nodes, edges)
}

func TestShortestPath_simple(t *testing.T) {
	g := testGraph()

	r, err := g.ShortestPath("HUB_0", "REG_1")
	require.NoError(t, err)
	require.Equal(t, []string{"HUB_0", "REG_1"}, r.Path)
	require.Equal(t, 50.0, r.Cost)
}

func TestShortestPath_multiHopCostSum(t *testing.T) {
	g := testGraph()

	r, err := g.ShortestPath("END_HOME_1", "REG_2")
	require.NoError(t, err)
	require.Equal(t, []string{"END_HOME_1", "REG_1", "HUB_0", "REG_2"}, r.Path)
	require.Equal(t, 140.0, r.Cost)

	// Endpoints of the path are exactly from and to.
	require.Equal(t, "END_HOME_1", r.Path[0])
	require.Equal(t, "REG_2", r.Path[len(r.Path)-1])
}

func TestShortestPath_sameNode(t *testing.T) {
	g := testGraph()

	r, err := g.ShortestPath("hub_0", "HUB_0")
	require.NoError(t, err)
	require.Equal(t, []string{"HUB_0"}, r.Path)
	require.Zero(t, r.Cost)
}

func TestShortestPath_typedFailures(t *testing.T) {
	g := testGraph()

	_, err := g.ShortestPath("HUB_99", "REG_1")
	require.ErrorIs(t, err, ErrFromNotFound)

	_, err = g.ShortestPath("HUB_0", "REG_99")
	require.ErrorIs(t, err, ErrToNotFound)

	// END_STORE_9 has no edges at all.
	_, err = g.ShortestPath("HUB_0", "END_STORE_9")
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestShortestPath_normalizesIDs(t *testing.T) {
	g := testGraph()

	r, err := g.ShortestPath("  hub_0 ", "reg_1")
	require.NoError(t, err)
	require.Equal(t, []string{"HUB_0", "REG_1"}, r.Path)
}

func TestAdjacent(t *testing.T) {
	g := testGraph()

	require.True(t, g.Adjacent("HUB_0", "REG_1"))
	require.True(t, g.Adjacent("REG_1", "HUB_0"))
	require.False(t, g.Adjacent("REG_1", "REG_2"))
	require.False(t, g.Adjacent("HUB_0", "END_HOME_1"))
}

func TestNearestHub(t *testing.T) {
	g := testGraph()

	require.Equal(t, "HUB_0", g.NearestHub("HUB_0"))
	require.Equal(t, "HUB_0", g.NearestHub("END_HOME_1"))
	require.Equal(t, "", g.NearestHub("END_STORE_9"))
	require.Equal(t, "", g.NearestHub("NOPE_1"))
}

func TestNextHop(t *testing.T) {
	g := testGraph()

	hop, err := g.NextHop("END_HOME_1", "REG_2")
	require.NoError(t, err)
	require.Equal(t, "REG_1", hop)
}

func TestAdjacentWarehouse(t *testing.T) {
	g := testGraph()

	require.Equal(t, "REG_1", g.AdjacentWarehouse("END_HOME_1"))
	require.Equal(t, "", g.AdjacentWarehouse("END_STORE_9"))
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindHub, KindOf("HUB_3"))
	require.Equal(t, KindRegional, KindOf(" reg_12 "))
	require.Equal(t, KindHome, KindOf("END_HOME_7"))
	require.Equal(t, KindStore, KindOf("END_STORE_0"))
	require.Equal(t, KindUnknown, KindOf("TRUCK_1"))

	require.True(t, IsWarehouse("REG_1"))
	require.True(t, IsEndpoint("END_STORE_2"))
	require.False(t, IsEndpoint("HUB_0"))
}

func TestBuild_zeroCostEdgeSurvives(t *testing.T) {
	g := Build(
		[]models.Node{{ID: "HUB_0", Level: 1}, {ID: "REG_1", Level: 2}},
		[]models.Edge{{Source: "HUB_0", Target: "REG_1", Cost: 0}},
	)
	r, err := g.ShortestPath("HUB_0", "REG_1")
	require.NoError(t, err)
	require.Zero(t, r.Cost)
}

func TestShortestPath_equalCostTieBreak(t *testing.T) {
	// две дороги HUB_0 -> END_HOME_1 по цене 2, через REG_1 и REG_2
	g := Build(
		[]models.Node{
			{ID: "HUB_0", Level: 1},
			{ID: "REG_1", Level: 2},
			{ID: "REG_2", Level: 2},
			{ID: "END_HOME_1", Level: 3},
		},
		[]models.Edge{
			{Source: "HUB_0", Target: "REG_2", Cost: 1},
			{Source: "REG_2", Target: "END_HOME_1", Cost: 1},
			{Source: "HUB_0", Target: "REG_1", Cost: 1},
			{Source: "REG_1", Target: "END_HOME_1", Cost: 1},
		},
	)
	r, err := g.ShortestPath("HUB_0", "END_HOME_1")
	require.NoError(t, err)
	require.Equal(t, []string{"HUB_0", "REG_1", "END_HOME_1"}, r.Path)
	require.Equal(t, 2.0, r.Cost)
}
