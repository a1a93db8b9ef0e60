// Package oracle talks to the external reasoning service that proposes
// activity-chain revisions. The orchestrator treats it as a single
// request/response capability: given context, return a candidate chain or an
// explicit no-change marker.
package oracle

import (
	"context"
	"errors"

	"github.com/cityflux/traffic-replanner/model"
)

// ErrMalformedResponse indicates the oracle answered with a payload that is
// neither a parseable chain nor the no-change marker. The owning job fails.
var ErrMalformedResponse = errors.New("malformed oracle response")

// Request carries everything the oracle needs to reason about one agent.
type Request struct {
	AgentID string
	Context model.JobContext
	// POINames maps POI IDs in the remaining chain to display names, the
	// vocabulary the oracle answers in.
	POINames map[string]string
}

// Response is either a proposed replacement chain or an explicit no-change.
type Response struct {
	NoChange bool
	Chain    []model.ProposedStop
}

// Oracle proposes chain modifications. Implementations must honour ctx
// cancellation; the dispatcher applies per-job timeouts through it.
type Oracle interface {
	ProposeChain(ctx context.Context, req Request) (Response, error)
}
