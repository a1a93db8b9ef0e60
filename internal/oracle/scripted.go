package oracle

import (
	"context"
	"sync"
)

// Scripted is a deterministic Oracle for tests and offline runs. Replies
// are keyed by agent ID; agents without a script receive NO_CHANGE.
type Scripted struct {
	mu      sync.Mutex
	replies map[string]Response
	errs    map[string]error
	calls   []Request
}

func NewScripted() *Scripted {
	return &Scripted{
		replies: make(map[string]Response),
		errs:    make(map[string]error),
	}
}

// Script sets the response returned for agentID.
func (s *Scripted) Script(agentID string, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[agentID] = resp
}

// Fail makes calls for agentID return err.
func (s *Scripted) Fail(agentID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[agentID] = err
}

// Calls returns the requests seen so far in arrival order.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Scripted) ProposeChain(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if err, ok := s.errs[req.AgentID]; ok {
		return Response{}, err
	}
	if resp, ok := s.replies[req.AgentID]; ok {
		return resp, nil
	}
	return Response{NoChange: true}, nil
}
