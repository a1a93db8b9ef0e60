// Package dispatch runs the bounded worker pool that carries adaptation jobs
// to the reasoning oracle and posts terminal results for the commit pipeline.
//
// One job per agent is in flight at any time. A newer trigger for the same
// agent supersedes the older job: the older job keeps running but its result
// is discarded when it resolves.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/cityflux/traffic-replanner/internal/logging"
	"github.com/cityflux/traffic-replanner/internal/observability"
	"github.com/cityflux/traffic-replanner/internal/oracle"
	"github.com/cityflux/traffic-replanner/model"
)

// ErrQueueFull is returned by Enqueue when the job queue has no room. The
// caller decides whether to drop or retry on a later tick.
var ErrQueueFull = errors.New("dispatch: job queue full")

// Metrics receives dispatcher counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	JobEnqueued(trigger string)
	JobResolved(state string)
	OracleLatencySeconds(seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) JobEnqueued(string)           {}
func (noopMetrics) JobResolved(string)           {}
func (noopMetrics) OracleLatencySeconds(float64) {}

// Options tunes the pool. Zero values take the defaults below.
type Options struct {
	Workers     int
	QueueSize   int
	JobTimeout  time.Duration
	MaxAttempts int
	Metrics     Metrics
	Logger      logging.Logger
}

const (
	defaultWorkers     = 8
	defaultQueueSize   = 256
	defaultJobTimeout  = 30 * time.Second
	defaultMaxAttempts = 3
)

// Dispatcher owns the worker pool and the per-agent in-flight registry.
type Dispatcher struct {
	oracle oracle.Oracle
	opts   Options
	log    logging.Logger

	jobs    chan *model.AdaptationJob
	results chan model.JobResult

	mu       sync.Mutex
	inflight map[string]string // agent ID -> owning job ID

	wg sync.WaitGroup
}

func New(orc oracle.Oracle, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	return &Dispatcher{
		oracle:   orc,
		opts:     opts,
		log:      opts.Logger,
		jobs:     make(chan *model.AdaptationJob, opts.QueueSize),
		results:  make(chan model.JobResult, opts.QueueSize),
		inflight: make(map[string]string),
	}
}

// Results delivers terminal job outcomes. The channel closes after Run's
// context is cancelled and all workers have drained.
func (d *Dispatcher) Results() <-chan model.JobResult {
	return d.results
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has exited.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.wg.Wait()
	close(d.results)
}

// Enqueue registers and queues a job for an agent. If the agent already has a
// job in flight, that job is superseded: the registry is repointed at the new
// job so the old result is discarded on arrival.
func (d *Dispatcher) Enqueue(agentID string, agentVersion uint64, jctx model.JobContext) (*model.AdaptationJob, error) {
	job := &model.AdaptationJob{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		AgentVersion: agentVersion,
		Context:      jctx,
		State:        model.JobQueued,
		EnqueuedAt:   time.Now(),
	}

	d.mu.Lock()
	if prev, ok := d.inflight[agentID]; ok {
		d.log.Info(context.Background(), "superseding in-flight job",
			logging.String("agent", agentID),
			logging.String("old_job", prev),
			logging.String("new_job", job.ID))
	}
	d.inflight[agentID] = job.ID
	d.mu.Unlock()

	select {
	case d.jobs <- job:
	default:
		d.mu.Lock()
		if d.inflight[agentID] == job.ID {
			delete(d.inflight, agentID)
		}
		d.mu.Unlock()
		return nil, ErrQueueFull
	}

	d.opts.Metrics.JobEnqueued(jctx.Trigger.String())
	return job, nil
}

// InFlight reports whether the agent currently owns a live job.
func (d *Dispatcher) InFlight(agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[agentID]
	return ok
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.jobs:
			d.process(ctx, job)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job *model.AdaptationJob) {
	ctx, log := logging.WithJobLogger(ctx, d.log, job.ID)

	// The registry may already point at a newer job; skip the oracle call.
	// Ownership stays registered so the agent keeps its single slot until
	// the owning job resolves.
	if d.superseded(job) {
		d.finish(ctx, job, model.JobResult{Job: job})
		return
	}

	job.State = model.JobInFlight

	req := oracle.Request{
		AgentID:  job.AgentID,
		Context:  job.Context,
		POINames: job.Context.POINames,
	}

	spanCtx, span := observability.StartOracleSpan(ctx, job.ID, job.AgentID, job.Context.Trigger.String())
	start := time.Now()
	resp, err := d.callWithRetry(spanCtx, job, req)
	d.opts.Metrics.OracleLatencySeconds(time.Since(start).Seconds())
	defer func() { observability.EndOracleSpan(span, job.State.String(), job.Attempts, err) }()

	// Resolve ownership exactly once, after the round trip.
	if d.releaseIfSuperseded(job) {
		d.finish(ctx, job, model.JobResult{Job: job})
		return
	}

	switch {
	case err == nil && resp.NoChange:
		job.State = model.JobSucceeded
		d.finish(ctx, job, model.JobResult{Job: job, NoChange: true})
	case err == nil:
		job.State = model.JobSucceeded
		d.finish(ctx, job, model.JobResult{Job: job, Chain: resp.Chain})
	case errors.Is(err, context.DeadlineExceeded):
		job.State = model.JobTimedOut
		log.Warn(ctx, "oracle call timed out", logging.String("agent", job.AgentID))
		d.finish(ctx, job, model.JobResult{Job: job, Err: err})
	default:
		job.State = model.JobFailed
		log.Warn(ctx, "oracle call failed",
			logging.String("agent", job.AgentID),
			logging.Err(err))
		d.finish(ctx, job, model.JobResult{Job: job, Err: err})
	}
}

// callWithRetry performs the oracle round trip under the per-job timeout,
// retrying transient failures with exponential backoff. Malformed responses
// are not retried; the oracle is deterministic enough that a reprompt with
// identical input rarely changes shape.
func (d *Dispatcher) callWithRetry(ctx context.Context, job *model.AdaptationJob, req oracle.Request) (oracle.Response, error) {
	jobCtx, cancel := context.WithTimeout(ctx, d.opts.JobTimeout)
	defer cancel()

	op := func() (oracle.Response, error) {
		job.Attempts++
		resp, err := d.oracle.ProposeChain(jobCtx, req)
		if err != nil {
			if errors.Is(err, oracle.ErrMalformedResponse) || jobCtx.Err() != nil {
				return oracle.Response{}, backoff.Permanent(err)
			}
			return oracle.Response{}, err
		}
		return resp, nil
	}

	resp, err := backoff.Retry(jobCtx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(d.opts.MaxAttempts)))
	if err != nil && jobCtx.Err() != nil {
		return oracle.Response{}, context.DeadlineExceeded
	}
	return resp, err
}

// superseded reports whether the registry has been repointed at a newer job.
// It never clears the slot; the owning job keeps the agent's in-flight slot
// until releaseIfSuperseded resolves it.
func (d *Dispatcher) superseded(job *model.AdaptationJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[job.AgentID] != job.ID {
		job.State = model.JobSuperseded
		return true
	}
	return false
}

// releaseIfSuperseded resolves registry ownership exactly once per job. When
// the job still owns its agent slot the slot is cleared and false is
// returned; otherwise the job is marked Superseded.
func (d *Dispatcher) releaseIfSuperseded(job *model.AdaptationJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[job.AgentID] != job.ID {
		job.State = model.JobSuperseded
		return true
	}
	delete(d.inflight, job.AgentID)
	return false
}

func (d *Dispatcher) finish(ctx context.Context, job *model.AdaptationJob, res model.JobResult) {
	d.opts.Metrics.JobResolved(job.State.String())
	select {
	case d.results <- res:
	case <-ctx.Done():
	}
}
