package model

import "time"

// Event is a capacity-bounded happening (game, concert, ...) that agents may
// be recruited into.
type Event struct {
	ID string
	// Type selects the affinity weight table ("sports", "entertainment").
	Type string
	Name string
	// EdgeID locates the event on the network; POIID is set when the event
	// takes place at a known point of interest.
	EdgeID string
	POIID  string
	Lat    float64
	Lon    float64
	// Start and End bound the event window in simulation time.
	Start time.Time
	End   time.Time
	// Capacity caps how many agents the attendee selector may send.
	Capacity int
}

// Window returns the event's time window as a half-open interval check.
func (e *Event) Window() (time.Time, time.Time) {
	return e.Start, e.End
}

// Overlaps reports whether [from, to) intersects the event window.
func (e *Event) Overlaps(from, to time.Time) bool {
	return from.Before(e.End) && e.Start.Before(to)
}
