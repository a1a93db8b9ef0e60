package oracle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cityflux/traffic-replanner/model"
)

// noChangeMarker is the exact token meaning "keep the current chain".
const noChangeMarker = "NO_CHANGE"

// ParseResponse turns raw oracle text into a Response. Accepted shapes are
// the no-change marker or a comma-separated list of "name:quarters" entries.
// Anything else is ErrMalformedResponse.
func ParseResponse(raw string) (Response, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Response{}, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	if strings.EqualFold(text, noChangeMarker) {
		return Response{NoChange: true}, nil
	}

	var chain []model.ProposedStop
	for _, item := range strings.Split(text, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		// Split on the last colon: POI names may themselves contain colons.
		idx := strings.LastIndex(item, ":")
		if idx <= 0 || idx == len(item)-1 {
			return Response{}, fmt.Errorf("%w: entry %q", ErrMalformedResponse, item)
		}
		name := strings.TrimSpace(item[:idx])
		quarters, err := strconv.Atoi(strings.TrimSpace(item[idx+1:]))
		if err != nil || quarters <= 0 {
			return Response{}, fmt.Errorf("%w: duration in %q", ErrMalformedResponse, item)
		}
		chain = append(chain, model.ProposedStop{POIName: name, Quarters: quarters})
	}
	if len(chain) == 0 {
		return Response{}, fmt.Errorf("%w: no entries", ErrMalformedResponse)
	}
	return Response{Chain: chain}, nil
}
