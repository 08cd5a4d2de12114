package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowforge/engine/internal/broker"
	ffclock "github.com/flowforge/engine/internal/clock"
	"github.com/flowforge/engine/internal/config"
	"github.com/flowforge/engine/internal/handlers"
	"github.com/flowforge/engine/internal/lock"
	"github.com/flowforge/engine/internal/models"
	"github.com/flowforge/engine/internal/observability"
	"github.com/flowforge/engine/internal/orchestrator"
	"github.com/flowforge/engine/internal/relay"
	"github.com/flowforge/engine/internal/store"
	"github.com/flowforge/engine/internal/store/migrations"
	"github.com/flowforge/engine/internal/sweeper"
	"github.com/flowforge/engine/internal/worker"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	serviceName    = "flowforge-engine"
	serviceVersion = "0.1.0"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "flowforge durable workflow execution engine",
	Long: `engine runs the durable-execution loop: an Orchestrator that drives the
workflow state machine, an Outbox Relay that publishes committed intents to
the broker, an Action Worker that executes leaf steps, and a Recovery
Sweeper that re-activates instances whose intent was lost to a crash.

Run each role as its own process for horizontal scaling, or "all" for a
single-process deployment.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (optional; env vars and defaults otherwise)")
	rootCmd.AddCommand(orchestratorCmd, relayCmd, workerCmd, sweeperCmd, allCmd, migrateCmd)
}

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the Orchestrator, consuming orchestration_queue",
	Run: func(cmd *cobra.Command, args []string) { runRole(roleOrchestrator) },
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the Outbox Relay",
	Run:   func(cmd *cobra.Command, args []string) { runRole(roleRelay) },
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Action Worker, consuming actions_queue",
	Run:   func(cmd *cobra.Command, args []string) { runRole(roleWorker) },
}

var sweeperCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Run the Recovery Sweeper",
	Run:   func(cmd *cobra.Command, args []string) { runRole(roleSweeper) },
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every role in a single process",
	Run: func(cmd *cobra.Command, args []string) {
		runRole(roleOrchestrator | roleRelay | roleWorker | roleSweeper)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		if err := migrations.Up(cfg.Database.DSN); err != nil {
			log.Fatalf("running migrations: %v", err)
		}
	},
}

type role int

const (
	roleOrchestrator role = 1 << iota
	roleRelay
	roleWorker
	roleSweeper
)

func runRole(roles role) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	shutdownTracing := func() {}
	if cfg.Observability.TracingEnabled {
		shutdownTracing, err = observability.InitTracing(serviceName, serviceVersion, cfg.Observability.OTLPEndpoint)
		if err != nil {
			logger.Fatal("initializing tracing", zap.Error(err))
		}
	}
	defer shutdownTracing()

	metrics := observability.NewMetrics()
	clk := ffclock.New()

	if err := migrations.Up(cfg.Database.DSN); err != nil {
		logger.Fatal("running migrations", zap.Error(err))
	}

	db, err := store.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		logger.Fatal("opening database", zap.Error(err))
	}
	defer db.Close()

	locks, err := lock.NewRedisService(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("connecting to redis", zap.Error(err))
	}
	defer locks.Close()

	b, err := broker.New(cfg.Broker.URL, []broker.QueueSpec{
		{Name: cfg.Broker.OrchestrationQueue, DLQ: cfg.Broker.OrchestrationDLQ},
		{Name: cfg.Broker.ActionsQueue, DLQ: cfg.Broker.ActionsDLQ},
	}, logger)
	if err != nil {
		logger.Fatal("connecting to broker", zap.Error(err))
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if roles&roleOrchestrator != 0 {
		o := orchestrator.New(db, locks, clk, logger, metrics, orchestrator.Config{
			LockLease:             time.Duration(cfg.Orchestrator.LockLeaseSeconds) * time.Second,
			DefaultMaxAttempts:    cfg.Orchestrator.DefaultMaxAttempts,
			DefaultRetryDelaySecs: cfg.Orchestrator.DefaultRetryDelaySecs,
		})
		if err := b.Consume(cfg.Broker.OrchestrationQueue, cfg.Broker.PrefetchCount, func(ctx context.Context, requestID string, body []byte) error {
			ev, err := decodeEvent(requestID, body)
			if err != nil {
				return err
			}
			return o.ProcessEvent(ctx, ev)
		}); err != nil {
			logger.Fatal("consuming orchestration queue", zap.Error(err))
		}
		logger.Info("orchestrator started")
	}

	if roles&roleWorker != 0 {
		registry := handlers.NewRegistry()
		registry.Register("http", handlers.NewHTTPHandler(resty.New()))
		w := worker.New(db, registry, clk, logger, metrics, worker.Config{
			Concurrency:    int64(cfg.Worker.Concurrency),
			HandlerTimeout: cfg.Worker.HandlerTimeout,
		})
		if err := b.Consume(cfg.Broker.ActionsQueue, cfg.Broker.PrefetchCount, w.HandleActionMessage); err != nil {
			logger.Fatal("consuming actions queue", zap.Error(err))
		}
		logger.Info("worker started")
	}

	if roles&roleRelay != 0 {
		r := relay.New(db, b, clk, logger, metrics, relay.Config{
			PollInterval: cfg.Relay.PollInterval,
			BatchSize:    cfg.Relay.BatchSize,
			RateLimit:    cfg.Relay.RateLimit,
		})
		go func() {
			if err := r.Run(ctx); err != nil && err != context.Canceled {
				logger.Error("relay stopped", zap.Error(err))
			}
		}()
		logger.Info("relay started")
	}

	if roles&roleSweeper != 0 {
		s := sweeper.New(db, clk, logger, metrics, sweeper.Config{
			Interval:     cfg.Sweeper.Interval,
			StaleSeconds: cfg.Sweeper.StaleSeconds,
		})
		go func() {
			if err := s.Run(ctx); err != nil && err != context.Canceled {
				logger.Error("sweeper stopped", zap.Error(err))
			}
		}()
		logger.Info("sweeper started")
	}

	httpServer := startHTTPServer(logger, cfg.HTTP.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, stopping")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
}

func decodeEvent(requestID string, body []byte) (models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, models.NewNonRetryable(fmt.Errorf("decoding orchestration event: %w", err))
	}
	if ev.RequestID == "" {
		ev.RequestID = requestID
	}
	return ev, nil
}

func startHTTPServer(logger *zap.Logger, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q,"version":%q}`, serviceName, serviceVersion)
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	return srv
}
