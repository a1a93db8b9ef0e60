package model

// POI is a point of interest an activity chain can target.
type POI struct {
	ID   string
	Name string
	// Category groups POIs for alternative search ("grocery", "cafe", ...).
	Category string
	// AccessEdge is the road edge from which the POI is reached. A POI is
	// unreachable while its access edge is closed.
	AccessEdge string
	Lat        float64
	Lon        float64
}

// POIAlternative is an open substitute for a closed POI, ranked by distance.
type POIAlternative struct {
	POIID string
	Name  string
	// DistanceM is the straight-line distance in metres from the closed POI.
	DistanceM float64
}
