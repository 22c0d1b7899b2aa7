package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/config"
	"github.com/nearlinedata/nlds/pkg/metrics"
)

var workerCmd = &cobra.Command{
	Use:       "worker <stage>",
	Short:     "Run a single stage consumer",
	Long: `Run a single stage consumer against its own fabric. Useful for
smoke-testing one stage's configuration in isolation.

Stages: ` + strings.Join(stageNames, ", "),
	Args:      cobra.ExactArgs(1),
	ValidArgs: stageNames,
	RunE:      runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	run, err := rt.stage(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
