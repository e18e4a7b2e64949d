package mapgraph

import (
	"container/heap"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/BearBump/ParcelNet/internal/models"
)

var (
	ErrFromNotFound = errors.New("from node not found")
	ErrToNotFound   = errors.New("to node not found")
	ErrNoRoute      = errors.New("no route between nodes")
)

// NodeKind — типизированный вид узла. В хранилище вид закодирован только
// префиксом id (HUB_n / REG_n / END_HOME_n / END_STORE_n), этот строковый
// протокол менять нельзя.
type NodeKind int

const (
	KindUnknown NodeKind = iota
	KindHub
	KindRegional
	KindHome
	KindStore
)

var (
	reHub   = regexp.MustCompile(`^HUB_\d+$`)
	reReg   = regexp.MustCompile(`^REG_\d+$`)
	reHome  = regexp.MustCompile(`^END_HOME_\d+$`)
	reStore = regexp.MustCompile(`^END_STORE_\d+$`)
)

// KindOf recovers the node kind from the id prefix convention.
func KindOf(nodeID string) NodeKind {
	id := NormalizeID(nodeID)
	switch {
	case reHub.MatchString(id):
		return KindHub
	case reReg.MatchString(id):
		return KindRegional
	case reHome.MatchString(id):
		return KindHome
	case reStore.MatchString(id):
		return KindStore
	}
	return KindUnknown
}

// IsWarehouse reports whether a node is a sorting point (hub or regional).
func IsWarehouse(nodeID string) bool {
	k := KindOf(nodeID)
	return k == KindHub || k == KindRegional
}

// IsEndpoint reports whether a node is a leaf pickup/delivery location.
func IsEndpoint(nodeID string) bool {
	k := KindOf(nodeID)
	return k == KindHome || k == KindStore
}

func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

type neighbor struct {
	to   string
	cost float64
}

// Graph — неориентированный взвешенный граф узлов карты.
type Graph struct {
	nodes map[string]models.Node
	adj   map[string][]neighbor
}

// Build normalizes node ids and assembles undirected adjacency lists.
// Edges with an unset cost default to 1, negative costs are dropped.
func Build(nodes []models.Node, edges []models.Edge) *Graph {
	g := &Graph{
		nodes: make(map[string]models.Node, len(nodes)),
		adj:   make(map[string][]neighbor, len(nodes)),
	}
	for _, n := range nodes {
		id := NormalizeID(n.ID)
		if id == "" {
			continue
		}
		n.ID = id
		g.nodes[id] = n
	}
	for _, e := range edges {
		a := NormalizeID(e.Source)
		b := NormalizeID(e.Target)
		if a == "" || b == "" {
			continue
		}
		// нулевая стоимость легальна, отбрасываем только мусор
		cost := e.Cost
		if cost < 0 {
			continue
		}
		g.adj[a] = append(g.adj[a], neighbor{to: b, cost: cost})
		g.adj[b] = append(g.adj[b], neighbor{to: a, cost: cost})
	}
	return g
}

func (g *Graph) Has(nodeID string) bool {
	_, ok := g.nodes[NormalizeID(nodeID)]
	return ok
}

func (g *Graph) Node(nodeID string) (models.Node, bool) {
	n, ok := g.nodes[NormalizeID(nodeID)]
	return n, ok
}

// Adjacent reports whether a single edge connects a and b.
func (g *Graph) Adjacent(a, b string) bool {
	from := NormalizeID(a)
	to := NormalizeID(b)
	for _, nb := range g.adj[from] {
		if nb.to == to {
			return true
		}
	}
	return false
}

// Neighbors returns the normalized ids adjacent to the given node.
func (g *Graph) Neighbors(nodeID string) []string {
	nbs := g.adj[NormalizeID(nodeID)]
	out := make([]string, 0, len(nbs))
	for _, nb := range nbs {
		out = append(out, nb.to)
	}
	return out
}

type Route struct {
	Path []string `json:"path"`
	Cost float64  `json:"total_cost"`
}

type pqItem struct {
	node string
	dist float64
}

type pqueue []pqItem

func (q pqueue) Len() int { return len(q) }
func (q pqueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].node < q[j].node
}
func (q pqueue) Swap(i, j int)  { q[i], q[j] = q[j], q[i] }
func (q *pqueue) Push(x any)    { *q = append(*q, x.(pqItem)) }
func (q *pqueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// ShortestPath runs Dijkstra between two nodes. Among equal-cost paths
// the one through lexicographically smaller node ids wins, so routes
// are stable across runs.
func (g *Graph) ShortestPath(from, to string) (*Route, error) {
	start := NormalizeID(from)
	goal := NormalizeID(to)
	if _, ok := g.nodes[start]; !ok {
		return nil, ErrFromNotFound
	}
	if _, ok := g.nodes[goal]; !ok {
		return nil, ErrToNotFound
	}
	if start == goal {
		return &Route{Path: []string{start}, Cost: 0}, nil
	}

	dist := map[string]float64{start: 0}
	prev := map[string]string{}
	visited := map[string]bool{}

	pq := &pqueue{{node: start, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true

		if cur.node == goal {
			path := []string{goal}
			for at := goal; at != start; {
				at = prev[at]
				path = append(path, at)
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return &Route{Path: path, Cost: cur.dist}, nil
		}

		for _, nb := range g.adj[cur.node] {
			if visited[nb.to] {
				continue
			}
			nd := cur.dist + nb.cost
			best, ok := dist[nb.to]
			if !ok || nd < best || (nd == best && cur.node < prev[nb.to]) {
				dist[nb.to] = nd
				prev[nb.to] = cur.node
				heap.Push(pq, pqItem{node: nb.to, dist: nd})
			}
		}
	}

	return nil, ErrNoRoute
}

// NextHop returns the first node after from on a shortest path to to.
func (g *Graph) NextHop(from, to string) (string, error) {
	r, err := g.ShortestPath(from, to)
	if err != nil {
		return "", err
	}
	if len(r.Path) < 2 {
		return "", ErrNoRoute
	}
	return r.Path[1], nil
}

// NearestHub finds the closest level-1 node from start by BFS over edges.
// Returns "" when the component has no hub.
func (g *Graph) NearestHub(start string) string {
	s := NormalizeID(start)
	if n, ok := g.nodes[s]; !ok {
		return ""
	} else if n.Level == 1 {
		return s
	}

	visited := map[string]bool{s: true}
	queue := []string{s}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if n, ok := g.nodes[node]; ok && n.Level == 1 {
			return node
		}
		for _, nb := range g.adj[node] {
			if visited[nb.to] {
				continue
			}
			visited[nb.to] = true
			queue = append(queue, nb.to)
		}
	}
	return ""
}

// AdjacentWarehouse returns a HUB/REG node directly connected to the given
// endpoint, or "" if none exists.
func (g *Graph) AdjacentWarehouse(nodeID string) string {
	for _, nb := range g.adj[NormalizeID(nodeID)] {
		if IsWarehouse(nb.to) {
			return nb.to
		}
	}
	return ""
}
