package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/api"
	"github.com/nearlinedata/nlds/pkg/auth"
	"github.com/nearlinedata/nlds/pkg/config"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/logq"
	"github.com/nearlinedata/nlds/pkg/metrics"
	"github.com/nearlinedata/nlds/pkg/router"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full NLDS service",
	Long: `Run the full NLDS service: the HTTP API plus every stage consumer
(marshaller, index, catalog, monitor, transfer and archive workers) against
a single in-process message fabric.

Stages that need the cold tier are skipped with a warning when no tape
backend is configured.

Examples:
  # Start with the default config location
  nlds serve

  # Start with a custom config file
  nlds serve --config /etc/nlds/config.yaml

  # Override any option through the environment
  NLDS_LOGGING_LEVEL=DEBUG nlds serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	metrics.InitRegistry()

	rt := newServiceRuntime(cfg)
	defer rt.Close()

	// Every stage's records also ship over the fabric, so the logging
	// consumer aggregates them into the per-level files.
	logger.AttachSecondary(logq.NewFabricHandler(rt.broker, fabric.Root, slog.LevelInfo))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := newSupervisor(ctx)

	for _, name := range stageNames {
		if (name == "archive-put" || name == "archive-get") && cfg.Tape.PosixDir == "" {
			logger.Warn("cold tier disabled, no tape backend configured", "stage", name)
			continue
		}
		run, err := rt.stage(name)
		if err != nil {
			return err
		}
		sup.start(name, run)
	}

	if cfg.Tape.PosixDir != "" {
		sched := &router.ArchiveScheduler{Broker: rt.broker, Interval: cfg.Router.ArchiveInterval}
		sup.start("archive-scheduler", sched.Run)
	}

	apiCfg := cfg.API
	if apiCfg.RPC.TimeLimit == 0 {
		apiCfg.RPC = cfg.RPC
	}
	srv := api.NewServer(rt.broker, auth.Permissive{}, apiCfg)
	sup.start("api", srv.ListenAndServe)

	if cfg.Metrics.Enabled {
		sup.start("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.Metrics.Port)
		})
	}

	logger.Info("nlds service started", "version", Version, "api_bind", apiCfg.Bind)
	return sup.wait()
}

// supervisor runs the stage goroutines and cancels all of them when one
// fails. A context.Canceled return is a clean shutdown, not a failure.
type supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errCh  chan error
}

func newSupervisor(parent context.Context) *supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &supervisor{ctx: ctx, cancel: cancel, errCh: make(chan error, 1)}
}

func (s *supervisor) start(name string, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case s.errCh <- fmt.Errorf("%s: %w", name, err):
			default:
			}
			s.cancel()
		}
	}()
}

// wait blocks until every stage has returned and reports the first failure.
func (s *supervisor) wait() error {
	s.wg.Wait()
	s.cancel()
	select {
	case err := <-s.errCh:
		return err
	default:
		return nil
	}
}

// serveMetrics exposes the Prometheus registry on its own port, separate
// from the API, so scrapes survive API restarts.
func serveMetrics(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	logger.Info("metrics server listening", "port", port)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
