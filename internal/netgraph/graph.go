// Package netgraph holds the static description of the road network: edges,
// junction topology, posted speed limits, and the point-of-interest index.
// It is loaded once at startup and read-only afterwards, so every component
// may share one instance without locking.
package netgraph

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEdgeNotFound indicates a referenced edge is not in the network.
	ErrEdgeNotFound = errors.New("edge not found")
	// ErrPOINotFound indicates a referenced POI is not in the network.
	ErrPOINotFound = errors.New("poi not found")
)

// Edge is one directed road segment.
type Edge struct {
	ID   string
	From string
	To   string
	// Length in metres.
	Length float64
	// SpeedLimit is the posted limit in metres per second. Used as the
	// free-flow speed and as the fallback when no samples exist.
	SpeedLimit float64
	// Internal edges (junction connectors) are skipped by the ETA estimator.
	Internal bool
}

// Graph is the static network topology.
type Graph struct {
	edges map[string]*Edge
	// out maps a junction to the edges leaving it.
	out map[string][]*Edge
}

// NewGraph builds a Graph from an edge list. Duplicate edge IDs are an error.
func NewGraph(edges []Edge) (*Graph, error) {
	g := &Graph{
		edges: make(map[string]*Edge, len(edges)),
		out:   make(map[string][]*Edge),
	}
	for i := range edges {
		e := edges[i]
		if e.ID == "" {
			return nil, fmt.Errorf("edge %d has empty ID", i)
		}
		if _, ok := g.edges[e.ID]; ok {
			return nil, fmt.Errorf("duplicate edge %q", e.ID)
		}
		if e.SpeedLimit <= 0 {
			return nil, fmt.Errorf("edge %q has non-positive speed limit", e.ID)
		}
		g.edges[e.ID] = &e
		g.out[e.From] = append(g.out[e.From], &e)
	}
	return g, nil
}

// Edge looks up an edge by ID.
func (g *Graph) Edge(id string) (*Edge, bool) {
	e, ok := g.edges[id]
	return e, ok
}

// EdgeIDs returns all edge IDs in ascending order.
func (g *Graph) EdgeIDs() []string {
	ids := make([]string, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of edges.
func (g *Graph) Len() int { return len(g.edges) }

// Path returns an edge sequence from fromEdge to toEdge avoiding closed
// edges, found by breadth-first search. Fewest edges, not shortest metres;
// the engine owns real routing. The sequence includes both endpoints.
func (g *Graph) Path(fromEdge, toEdge string, closed func(string) bool) ([]string, bool) {
	src, ok := g.edges[fromEdge]
	if !ok {
		return nil, false
	}
	dst, ok := g.edges[toEdge]
	if !ok {
		return nil, false
	}
	if closed != nil && closed(dst.ID) {
		return nil, false
	}
	if src.ID == dst.ID {
		return []string{src.ID}, true
	}

	prev := map[string]*Edge{} // junction -> edge taken to reach it
	seen := map[string]bool{src.To: true}
	queue := []string{src.To}
	for len(queue) > 0 {
		junction := queue[0]
		queue = queue[1:]
		for _, e := range g.out[junction] {
			if closed != nil && closed(e.ID) {
				continue
			}
			if e.ID == dst.ID {
				path := []string{dst.ID}
				for j := junction; j != src.To; {
					back := prev[j]
					path = append(path, back.ID)
					j = back.From
				}
				path = append(path, src.ID)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path, true
			}
			if !seen[e.To] {
				seen[e.To] = true
				prev[e.To] = e
				queue = append(queue, e.To)
			}
		}
	}
	return nil, false
}

// Reachable reports whether toEdge can be reached from fromEdge without
// traversing any edge for which closed returns true. The starting edge being
// closed does not block departure; a closed target edge is unreachable.
func (g *Graph) Reachable(fromEdge, toEdge string, closed func(string) bool) bool {
	src, ok := g.edges[fromEdge]
	if !ok {
		return false
	}
	dst, ok := g.edges[toEdge]
	if !ok {
		return false
	}
	if closed != nil && closed(dst.ID) {
		return false
	}
	if src.ID == dst.ID {
		return true
	}

	seen := map[string]bool{src.To: true}
	queue := []string{src.To}
	for len(queue) > 0 {
		junction := queue[0]
		queue = queue[1:]
		for _, e := range g.out[junction] {
			if closed != nil && closed(e.ID) {
				continue
			}
			if e.ID == dst.ID {
				return true
			}
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return false
}
