// Package cmd defines the CLI commands for the crawl-coordinator executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-coordinator/internal/config"
	"github.com/JakeFAU/crawl-coordinator/internal/coordinator"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/logging"
	"github.com/JakeFAU/crawl-coordinator/internal/server"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
}

// Admin is the operator surface the one-shot commands drive.
type Admin interface {
	Snapshot(ctx context.Context) (coordinator.Snapshot, error)
	RequestStart(ctx context.Context, params status.CrawlParams) (crawl.Timestamp, error)
	RequestStop(ctx context.Context) error
	PushSchedule(ctx context.Context, urls []string, origin string) (crawl.Timestamp, int, error)
	ClearArchiveCursor(ctx context.Context, ts crawl.Timestamp) error
}

// newAdmin opens the coordinator stores for a one-shot command. It's a
// variable so tests can swap in a fake.
var newAdmin = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Admin, func() error, error) {
	svc, stores, err := server.OpenService(ctx, *cfg, system.New(), logger)
	if err != nil {
		return nil, nil, err
	}
	return svc, stores.Close, nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawl-coordinator",
		Short: "Coordinates fetchers for distributed web and archive crawls.",
		Long: `crawl-coordinator hands out crawl parameters and URL batches to a fleet
of fetchers, reassembles their uploads and routes discovered URLs to the
queue servers. It also leases archive partitions out to fetchers during
archive crawls.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: &cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt != nil {
				_ = logging.Sync(rt.logger)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); COORD_* environment variables override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newScheduleCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withAdmin opens an Admin for the duration of fn.
func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, admin Admin) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	admin, closeFn, err := newAdmin(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("open coordinator: %w", err)
	}
	defer func() {
		if cerr := closeFn(); cerr != nil {
			rt.logger.Warn("Failed to close stores", zap.Error(cerr))
		}
	}()
	return fn(cmd.Context(), admin)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
