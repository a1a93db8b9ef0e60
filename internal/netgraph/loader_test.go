package netgraph

import (
	"strings"
	"testing"
)

const networkJSON = `{
  "edges": [
    {"id": "ab", "from": "A", "to": "B", "length_m": 120, "speed_limit_mps": 13.9},
    {"id": "bc", "from": "B", "to": "C", "length_m": 80, "speed_limit_mps": 8.3, "internal": true}
  ],
  "pois": [
    {"id": "poi-1", "name": "Central Market", "category": "grocery", "edge": "bc", "lat": 60.17, "lon": 24.94}
  ]
}`

func TestLoad(t *testing.T) {
	g, pois, err := Load(strings.NewReader(networkJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if g.Len() != 2 {
		t.Fatalf("edges = %d, want 2", g.Len())
	}

	e, ok := g.Edge("bc")
	if !ok {
		t.Fatal("edge bc missing")
	}
	if !e.Internal {
		t.Fatal("edge bc should be internal")
	}
	if e.Length != 80 || e.SpeedLimit != 8.3 {
		t.Fatalf("edge bc = %+v", e)
	}

	if len(pois) != 1 {
		t.Fatalf("pois = %d, want 1", len(pois))
	}
	p := pois[0]
	if p.ID != "poi-1" || p.Name != "Central Market" || p.AccessEdge != "bc" {
		t.Fatalf("poi = %+v", p)
	}
}

func TestLoadRejectsUnknownAccessEdge(t *testing.T) {
	bad := strings.Replace(networkJSON, `"edge": "bc"`, `"edge": "zz"`, 1)
	if _, _, err := Load(strings.NewReader(bad)); err == nil {
		t.Fatal("Load accepted a POI with an unknown access edge")
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	if _, _, err := Load(strings.NewReader("{not json")); err == nil {
		t.Fatal("Load accepted malformed JSON")
	}
}
