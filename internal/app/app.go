// Package app wires the control plane's components together and drives
// whichever subset of them cfg.Mode selects: the HTTP API, the vision
// dispatch loop, the auto-scaler loop, the doctor healing loop, or all four
// in one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/socialhostpro/fleetcmdagent/internal/config"
	"github.com/socialhostpro/fleetcmdagent/internal/httpserver"
	"github.com/socialhostpro/fleetcmdagent/internal/store"
	"github.com/socialhostpro/fleetcmdagent/internal/telemetry"
	"github.com/socialhostpro/fleetcmdagent/pkg/autoscaler"
	"github.com/socialhostpro/fleetcmdagent/pkg/commands"
	"github.com/socialhostpro/fleetcmdagent/pkg/doctor"
	"github.com/socialhostpro/fleetcmdagent/pkg/events"
	"github.com/socialhostpro/fleetcmdagent/pkg/node"
	"github.com/socialhostpro/fleetcmdagent/pkg/notify"
	"github.com/socialhostpro/fleetcmdagent/pkg/queue"
	"github.com/socialhostpro/fleetcmdagent/pkg/vision"
)

// Run is the main application entry point. It takes the loaded config, connects to the
// state store, and starts whichever components cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fleetcmd", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	rdb, err := store.NewRedisClient(ctx, cfg.StateStoreURL)
	if err != nil {
		return fmt.Errorf("connecting to state store: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing state store connection", "error", err)
		}
	}()

	st := store.NewRedisStore(rdb)
	bus := events.New(st, logger)
	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, st, bus, metricsReg)
	case "scheduler":
		return runScheduler(ctx, cfg, logger, st, bus)
	case "autoscaler":
		return runAutoscaler(ctx, cfg, logger, st, bus)
	case "doctor":
		return runDoctor(ctx, cfg, logger, st, bus)
	case "all":
		return runAll(ctx, cfg, logger, st, bus, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func newRegistry(s store.Store, bus *events.Bus, logger *slog.Logger, cfg *config.Config) *node.Registry {
	return node.New(s, bus, logger, time.Duration(cfg.HeartbeatTTLS)*time.Second)
}

func newQueue(s store.Store, bus *events.Bus, logger *slog.Logger) *queue.Queue {
	return queue.New(s, bus, logger, &http.Client{Timeout: 10 * time.Second})
}

func newVisionScheduler(s store.Store, bus *events.Bus, logger *slog.Logger) *vision.Scheduler {
	return vision.New(s, bus, logger, vision.NewHTTPWorkerClient(), vision.Config{})
}

func newScaler(s store.Store, bus *events.Bus, logger *slog.Logger, cfg *config.Config) *autoscaler.Scaler {
	return autoscaler.New(s, bus, logger, autoscaler.Config{
		Enabled:            cfg.ScalerEnabled,
		Interval:           time.Duration(cfg.ScalerIntervalS) * time.Second,
		MinNodes:           cfg.ScalerMinNodes,
		MaxNodes:           cfg.ScalerMaxNodes,
		TargetQueueDepth:   cfg.ScalerTargetDepth,
		ScaleUpThreshold:   cfg.ScalerScaleUpThreshold,
		ScaleDownThreshold: cfg.ScalerScaleDownThreshold,
		Cooldown:           time.Duration(cfg.ScalerCooldownS) * time.Second,
	})
}

func newDoctorEngine(s store.Store, bus *events.Bus, logger *slog.Logger, cfg *config.Config) *doctor.Engine {
	var oracle doctor.OracleClient
	if cfg.LLMEndpoint != "" {
		oracle = doctor.NewHTTPOracleClient(cfg.LLMEndpoint, cfg.LLMModel)
	}
	executor := doctor.NewHTTPActionExecutor(fmt.Sprintf("http://127.0.0.1:%d", cfg.Port))
	eng := doctor.New(s, bus, logger, oracle, executor, doctor.Config{
		Interval:            time.Duration(cfg.DoctorIntervalS) * time.Second,
		AutoFixEnabled:      cfg.DoctorAutoFixEnabled,
		AutoFixLevels:       cfg.DoctorAutoFixLevels,
		DiskWarnThreshold:   cfg.DoctorDiskWarnThreshold,
		DiskCritThreshold:   cfg.DoctorDiskCritThreshold,
		MaxActionsPerHour:   cfg.DoctorMaxActionsPerHour,
		NodeCooldown:        time.Duration(cfg.DoctorNodeCooldownS) * time.Second,
		RateWindow:          time.Duration(cfg.DoctorRateWindowS) * time.Second,
		RateWindowMode:      cfg.DoctorRateWindowMode,
	})
	eng.SetNotifier(notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger))
	return eng
}

// scalerSnapshot assembles an autoscaler.FleetSnapshot from the Node
// Registry and Priority Job Queue, the decoupling both packages expect of
// their caller.
func scalerSnapshot(ctx context.Context, reg *node.Registry, q *queue.Queue) (autoscaler.FleetSnapshot, error) {
	nodes, err := reg.List(ctx, node.ListFilter{})
	if err != nil {
		return autoscaler.FleetSnapshot{}, fmt.Errorf("listing nodes: %w", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		return autoscaler.FleetSnapshot{}, fmt.Errorf("reading queue stats: %w", err)
	}

	var active, idle int
	var utilSum float64
	var utilSamples int
	for _, n := range nodes {
		if n.Status == node.StatusOffline {
			continue
		}
		active++
		if n.Status == node.StatusOnline {
			idle++
		}
		for _, gpu := range n.GPUs {
			utilSum += gpu.UtilPct
			utilSamples++
		}
	}
	avgUtil := 0.0
	if utilSamples > 0 {
		avgUtil = utilSum / float64(utilSamples)
	}

	return autoscaler.FleetSnapshot{
		QueueDepth:    int(stats.TotalDepth),
		ActiveNodes:   active,
		IdleNodes:     idle,
		AvgGPUUtilPct: avgUtil,
	}, nil
}

// doctorSnapshot assembles a doctor.FleetSnapshot from the Node Registry and
// Priority Job Queue. Container-orchestrator health isn't tracked anywhere
// in the Node model, so SwarmReady is approximated from heartbeat status
// rather than a real swarm health check.
func doctorSnapshot(ctx context.Context, reg *node.Registry, q *queue.Queue) (doctor.FleetSnapshot, error) {
	nodes, err := reg.List(ctx, node.ListFilter{})
	if err != nil {
		return doctor.FleetSnapshot{}, fmt.Errorf("listing nodes: %w", err)
	}
	health := make([]doctor.NodeHealth, 0, len(nodes))
	for _, n := range nodes {
		health = append(health, doctor.NodeHealth{
			ID:           n.ID,
			Online:       n.Status != node.StatusOffline,
			DiskPct:      n.System.DiskPct,
			MemPct:       n.System.MemPct,
			SwarmReady:   n.Status != node.StatusOffline,
			AgentReached: n.Status != node.StatusOffline,
		})
	}

	failed, err := q.List(ctx, queue.ListFilter{Status: queue.StatusFailed})
	if err != nil {
		return doctor.FleetSnapshot{}, fmt.Errorf("listing failed jobs: %w", err)
	}
	failures := map[string]int{}
	for _, job := range failed {
		failures[job.Type]++
	}

	return doctor.FleetSnapshot{Nodes: health, JobFailures: failures}, nil
}

func mountHandlers(srv *httpserver.Server, st store.Store, reg *node.Registry, q *queue.Queue, vs *vision.Scheduler, sc *autoscaler.Scaler, eng *doctor.Engine, dispatcher *commands.Dispatcher) {
	srv.APIRouter.Mount("/nodes", node.NewHandler(reg).Routes())
	srv.APIRouter.Mount("/queue", queue.NewHandler(q).Routes())
	srv.APIRouter.Mount("/vision", vision.NewHandler(vs).Routes())
	srv.APIRouter.Mount("/scaler", autoscaler.NewHandler(sc).Routes())

	doctorHandler := doctor.NewHandler(eng, dispatcher, q)
	srv.APIRouter.Mount("/doctor", doctorHandler.Routes())
	srv.Router.Mount("/maintenance", doctorHandler.MaintenanceRoutes())

	srv.Router.Get("/ws/doctor", httpserver.HandleDoctorWS(st, srv.Logger))
	srv.Router.Get("/ws/alerts", httpserver.HandleAlertsWS(st, srv.Logger))
	srv.Router.Get("/ws/logs/{node_id}", httpserver.HandleNodeLogsWS(st, srv.Logger))
	srv.Router.Get("/ws/metrics", httpserver.HandleMetricsWS(srv.Logger, 5*time.Second, func(ctx context.Context) (any, error) {
		return reg.List(ctx, node.ListFilter{})
	}))
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store, bus *events.Bus, metricsReg *prometheus.Registry) error {
	reg := newRegistry(st, bus, logger, cfg)
	q := newQueue(st, bus, logger)
	vs := newVisionScheduler(st, bus, logger)
	sc := newScaler(st, bus, logger, cfg)
	eng := newDoctorEngine(st, bus, logger, cfg)
	dispatcher := commands.New(st)

	srv := httpserver.NewServer(cfg, logger, st, metricsReg)
	mountHandlers(srv, st, reg, q, vs, sc, eng, dispatcher)

	return serveHTTP(ctx, cfg, logger, srv)
}

func runScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store, bus *events.Bus) error {
	vs := newVisionScheduler(st, bus, logger)
	logger.Info("vision scheduler running")
	return vs.Run(ctx)
}

func runAutoscaler(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store, bus *events.Bus) error {
	reg := newRegistry(st, bus, logger, cfg)
	q := newQueue(st, bus, logger)
	sc := newScaler(st, bus, logger, cfg)
	logger.Info("auto-scaler running")
	return sc.Run(ctx, func(ctx context.Context) (autoscaler.FleetSnapshot, error) {
		return scalerSnapshot(ctx, reg, q)
	})
}

func runDoctor(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store, bus *events.Bus) error {
	reg := newRegistry(st, bus, logger, cfg)
	q := newQueue(st, bus, logger)
	eng := newDoctorEngine(st, bus, logger, cfg)
	logger.Info("doctor healing loop running")
	return eng.Run(ctx, func(ctx context.Context) (doctor.FleetSnapshot, error) {
		return doctorSnapshot(ctx, reg, q)
	})
}

// runAll starts the HTTP API alongside every background loop in one
// process, the default for a single-node deployment.
func runAll(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store, bus *events.Bus, metricsReg *prometheus.Registry) error {
	reg := newRegistry(st, bus, logger, cfg)
	q := newQueue(st, bus, logger)
	vs := newVisionScheduler(st, bus, logger)
	sc := newScaler(st, bus, logger, cfg)
	eng := newDoctorEngine(st, bus, logger, cfg)
	dispatcher := commands.New(st)

	srv := httpserver.NewServer(cfg, logger, st, metricsReg)
	mountHandlers(srv, st, reg, q, vs, sc, eng, dispatcher)

	errCh := make(chan error, 4)

	go func() {
		if err := vs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("vision scheduler: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		err := sc.Run(ctx, func(ctx context.Context) (autoscaler.FleetSnapshot, error) {
			return scalerSnapshot(ctx, reg, q)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("auto-scaler: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		err := eng.Run(ctx, func(ctx context.Context) (doctor.FleetSnapshot, error) {
			return doctorSnapshot(ctx, reg, q)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("doctor: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		errCh <- serveHTTP(ctx, cfg, logger, srv)
	}()

	for i := 0; i < 4; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

func serveHTTP(ctx context.Context, cfg *config.Config, logger *slog.Logger, srv *httpserver.Server) error {
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
