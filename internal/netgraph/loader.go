package netgraph

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cityflux/traffic-replanner/model"
)

// networkFile is the on-disk JSON shape for a network description.
type networkFile struct {
	Edges []edgeEntry `json:"edges"`
	POIs  []poiEntry  `json:"pois"`
}

type edgeEntry struct {
	ID         string  `json:"id"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	LengthM    float64 `json:"length_m"`
	SpeedLimit float64 `json:"speed_limit_mps"`
	Internal   bool    `json:"internal,omitempty"`
}

type poiEntry struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	AccessEdge string  `json:"edge"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// Load parses a network description from r and returns the graph plus the
// POI table. POIs referencing unknown access edges are rejected.
func Load(r io.Reader) (*Graph, []model.POI, error) {
	var nf networkFile
	if err := json.NewDecoder(r).Decode(&nf); err != nil {
		return nil, nil, fmt.Errorf("decode network: %w", err)
	}

	edges := make([]Edge, 0, len(nf.Edges))
	for _, e := range nf.Edges {
		edges = append(edges, Edge{
			ID:         e.ID,
			From:       e.From,
			To:         e.To,
			Length:     e.LengthM,
			SpeedLimit: e.SpeedLimit,
			Internal:   e.Internal,
		})
	}
	g, err := NewGraph(edges)
	if err != nil {
		return nil, nil, err
	}

	pois := make([]model.POI, 0, len(nf.POIs))
	for _, p := range nf.POIs {
		if _, ok := g.Edge(p.AccessEdge); !ok {
			return nil, nil, fmt.Errorf("poi %q: access edge %q: %w", p.ID, p.AccessEdge, ErrEdgeNotFound)
		}
		pois = append(pois, model.POI{
			ID:         p.ID,
			Name:       p.Name,
			Category:   p.Category,
			AccessEdge: p.AccessEdge,
			Lat:        p.Lat,
			Lon:        p.Lon,
		})
	}
	return g, pois, nil
}
