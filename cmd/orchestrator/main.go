package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/cityflux/traffic-replanner/internal/commit"
	"github.com/cityflux/traffic-replanner/internal/config"
	"github.com/cityflux/traffic-replanner/internal/detect"
	"github.com/cityflux/traffic-replanner/internal/dispatch"
	"github.com/cityflux/traffic-replanner/internal/engine"
	"github.com/cityflux/traffic-replanner/internal/eta"
	"github.com/cityflux/traffic-replanner/internal/logging"
	"github.com/cityflux/traffic-replanner/internal/loop"
	"github.com/cityflux/traffic-replanner/internal/monitor"
	"github.com/cityflux/traffic-replanner/internal/netgraph"
	"github.com/cityflux/traffic-replanner/internal/observability"
	"github.com/cityflux/traffic-replanner/internal/oracle"
	"github.com/cityflux/traffic-replanner/internal/persist"
	"github.com/cityflux/traffic-replanner/internal/sim/state"
	"github.com/cityflux/traffic-replanner/model"
	"github.com/cityflux/traffic-replanner/timectrl"
)

func main() {
	configPath := flag.String("config", "configs/orchestrator.yaml", "Path to the orchestrator YAML configuration")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(ctx, "failed to load configuration", logging.Err(err))
		os.Exit(1)
	}

	collector, err := observability.NewCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}
	viewerCollector, err := observability.NewViewerCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise viewer metrics", logging.Err(err))
		os.Exit(1)
	}

	tracing, err := observability.StartTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	graph, pois, err := loadNetwork(cfg.Network.GraphPath)
	if err != nil {
		log.Error(ctx, "failed to load road network",
			logging.String("path", cfg.Network.GraphPath), logging.Err(err))
		os.Exit(1)
	}
	log.Info(ctx, "road network loaded",
		logging.Int("edges", graph.Len()),
		logging.Int("pois", len(pois)))

	tracker := state.NewTracker(graph, log, state.WithMetricsRecorder(collector))
	tracker.SetPOIs(pois)
	tracker.AdvanceTick(cfg.Clock.Start)

	eng := engine.NewScripted(graph, cfg.Clock.Step.Std().Seconds())

	var db *persist.DB
	committerOpts := []commit.Option{commit.WithMetrics(collector)}
	if cfg.Storage.DBPath != "" {
		db, err = persist.Open(cfg.Storage.DBPath)
		if err != nil {
			log.Error(ctx, "failed to open plan database",
				logging.String("path", cfg.Storage.DBPath), logging.Err(err))
			os.Exit(1)
		}
		defer db.Close()
		committerOpts = append(committerOpts, commit.WithJournal(db))

		if err := syncPOIs(ctx, db, tracker, pois, log); err != nil {
			log.Error(ctx, "failed to sync poi table", logging.Err(err))
			os.Exit(1)
		}
		if err := seedAgents(ctx, db, tracker, eng, log); err != nil {
			log.Error(ctx, "failed to seed agents", logging.Err(err))
			os.Exit(1)
		}
	}

	orc, err := buildOracle(cfg.Oracle)
	if err != nil {
		log.Error(ctx, "failed to build oracle", logging.Err(err))
		os.Exit(1)
	}

	dispatcher := dispatch.New(orc, dispatch.Options{
		Workers:     cfg.Jobs.Workers,
		QueueSize:   cfg.Jobs.QueueSize,
		JobTimeout:  cfg.Jobs.Timeout.Std(),
		MaxAttempts: cfg.Jobs.MaxAttempts,
		Metrics:     collector,
		Logger:      log,
	})

	committer := commit.New(tracker, eng, log, committerOpts...)
	detector := detect.NewDetector(graph, eng, cfg.Detect.AlternativesRadiusM, cfg.Detect.MaxAlternatives, log)
	estimator := eta.NewEstimator(graph, eng)

	hub := monitor.NewHub(log, func() *monitor.WelcomePayload {
		snap := tracker.Snapshot()
		closed := make([]string, 0, len(snap.ClosedEdges))
		for e := range snap.ClosedEdges {
			closed = append(closed, e)
		}
		return &monitor.WelcomePayload{
			Tick:        snap.Tick,
			SimTime:     snap.SimTime.UnixMilli(),
			AgentCount:  len(snap.Agents),
			ClosedEdges: closed,
		}
	})

	mode := timectrl.RealTime
	tickInterval := cfg.Clock.TickInterval.Std()
	if cfg.Clock.Accelerated {
		mode = timectrl.Accelerated
		tickInterval = 0
	}
	clock := timectrl.NewTimeController(cfg.Clock.Start, cfg.Clock.Step.Std(), mode)
	stepEngineWithClock(clock, eng)

	stepper := loop.New(tracker, eng, detector, estimator, dispatcher, committer, hub, clock, log, loop.Options{
		CommitBatch:  cfg.Jobs.CommitBatch,
		TickInterval: tickInterval,
		Tick:         collector,
		Viewer:       viewerCollector,
	})

	for _, ev := range cfg.Events {
		event, err := eventFromConfig(tracker, ev)
		if err != nil {
			log.Warn(ctx, "skipping event", logging.String("event", ev.ID), logging.Err(err))
			continue
		}
		if err := stepper.ScheduleEvent(ctx, event); err != nil {
			log.Warn(ctx, "failed to schedule event", logging.String("event", ev.ID), logging.Err(err))
		}
	}

	metricsSrv := serveMetrics(cfg.Serve.MetricsAddr, collector, log)
	monitorSrv := serveMonitor(cfg.Serve.MonitorAddr, hub, log)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		stepper.Run(runCtx)
	}()

	log.Info(ctx, "orchestrator running",
		logging.String("monitor_addr", cfg.Serve.MonitorAddr),
		logging.String("metrics_addr", cfg.Serve.MetricsAddr))
	<-runCtx.Done()

	log.Info(ctx, "shutting down")
	hub.Close()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if monitorSrv != nil {
		_ = monitorSrv.Shutdown(shutdownCtx)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	tracing.Close(context.Background())
}

func loadNetwork(path string) (*netgraph.Graph, []model.POI, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return netgraph.Load(f)
}

func buildOracle(cfg config.OracleConfig) (oracle.Oracle, error) {
	switch cfg.Backend {
	case "scripted":
		return oracle.NewScripted(), nil
	case "anthropic":
		apiKey := os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, errors.New("oracle api key env is empty: " + cfg.APIKeyEnv)
		}
		return oracle.NewAnthropicOracle(func(o *oracle.AnthropicOptions) {
			o.APIKey = apiKey
			if cfg.Model != "" {
				o.Model = anthropic.Model(cfg.Model)
			}
			if cfg.Temperature > 0 {
				o.Temperature = cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
		}), nil
	default:
		return nil, errors.New("unknown oracle backend: " + cfg.Backend)
	}
}

// syncPOIs reconciles the stored POI table with the network file. Stored POIs
// win at startup so external producers can override the file; an empty table
// is checkpointed from the file's set.
func syncPOIs(ctx context.Context, db *persist.DB, tracker *state.Tracker, filePOIs []model.POI, log logging.Logger) error {
	stored, err := db.LoadPOIs(ctx)
	if err != nil {
		return err
	}
	if len(stored) > 0 {
		tracker.SetPOIs(stored)
		log.Info(ctx, "loaded pois from storage", logging.Int("count", len(stored)))
		return nil
	}
	return db.SavePOIs(ctx, filePOIs)
}

// seedAgents loads base plans from storage, registers the agents with the
// tracker, and gives the engine each agent's starting route. Agents that
// accumulated revisions in a previous run resume from their latest chain.
func seedAgents(ctx context.Context, db *persist.DB, tracker *state.Tracker, eng *engine.Scripted, log logging.Logger) error {
	plans, err := db.LoadBasePlans(ctx)
	if err != nil {
		return err
	}

	for _, p := range plans {
		chain := p.Chain
		if _, revised, err := db.LatestRevision(ctx, p.AgentID); err == nil {
			chain = revised
		} else if !errors.Is(err, persist.ErrNotFound) {
			return err
		}

		agent := &model.Agent{
			ID:           p.AgentID,
			Demographics: p.Demographics,
			Position:     model.Position{EdgeID: p.StartEdge},
			Chain:        chain,
		}
		if err := tracker.CreateAgent(agent); err != nil {
			return err
		}
		if err := eng.AddAgent(p.AgentID, []string{p.StartEdge}); err != nil {
			return err
		}
	}

	log.Info(ctx, "seeded agents from storage", logging.Int("count", len(plans)))
	return nil
}

// stepEngineWithClock moves the in-process engine one tick per clock advance,
// so agents keep travelling while the stepping loop runs.
func stepEngineWithClock(clock *timectrl.TimeController, eng *engine.Scripted) {
	clock.AddListener(func(time.Time) { eng.Advance() })
}

func eventFromConfig(tracker *state.Tracker, ev config.EventConfig) (*model.Event, error) {
	poi, ok := tracker.POI(ev.POIID)
	if !ok {
		return nil, errors.New("unknown poi: " + ev.POIID)
	}
	return &model.Event{
		ID:       ev.ID,
		Type:     ev.Type,
		Name:     ev.Name,
		POIID:    poi.ID,
		EdgeID:   poi.AccessEdge,
		Lat:      poi.Lat,
		Lon:      poi.Lon,
		Start:    ev.Start,
		End:      ev.End,
		Capacity: ev.Capacity,
	}, nil
}

func serveMetrics(addr string, collector *observability.Collector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func serveMonitor(addr string, hub *monitor.Hub, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "monitor server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving monitor channel", logging.String("addr", addr))
	return srv
}
