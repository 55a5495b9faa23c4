// Command fusionlog records serial sensor streams to removable storage.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/limarti/positioning-fusion-sub001/internal/config"
	"github.com/limarti/positioning-fusion-sub001/internal/logging"
	"github.com/limarti/positioning-fusion-sub001/internal/orchestrator"
	"github.com/limarti/positioning-fusion-sub001/internal/volume"
)

var version = "dev"

// app carries what every command needs after flag parsing.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "fusionlog",
		Short:         "Record serial sensor streams to removable storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger, err := newLogger(os.Stderr, cfg.Log)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
	}
	rootCmd.PersistentFlags().String("config", "", "config file (default $"+config.EnvVar+" or "+config.DefaultPath+")")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Record all configured links until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.run(ctx)
		},
	}

	volumesCmd := &cobra.Command{
		Use:   "volumes",
		Short: "List candidate removable volumes",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")
			return a.volumes(cmd.Context(), newPrinter(format, cmd.OutOrStdout()))
		},
	}
	volumesCmd.Flags().StringP("output", "o", "table", "output format: table or json")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sessions recorded on a volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			format, _ := cmd.Flags().GetString("output")
			return a.status(cmd.Context(), root, newPrinter(format, cmd.OutOrStdout()))
		},
	}
	statusCmd.Flags().String("root", "", "volume mount point (default: first located volume)")
	statusCmd.Flags().StringP("output", "o", "table", "output format: table or json")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(runCmd, volumesCmd, statusCmd, versionCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "fusionlog:", err)
		os.Exit(1)
	}
}

// newLogger builds the base logger: a text or JSON handler on w, wrapped
// in a ComponentFilterHandler carrying the configured levels.
func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	def, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: slog.LevelDebug} // filtering done by ComponentFilterHandler
	var base slog.Handler
	if lc.Format == "json" {
		base = slog.NewJSONHandler(w, opts)
	} else {
		base = slog.NewTextHandler(w, opts)
	}
	filter := logging.NewComponentFilterHandler(base, def)
	for component, name := range lc.Levels {
		lvl, err := logging.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("log level for %s: %w", component, err)
		}
		filter.SetLevel(component, lvl)
	}
	return slog.New(filter), nil
}

func (a *app) run(ctx context.Context) error {
	orch, err := orchestrator.New(orchestrator.Config{
		Settings: a.cfg,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("fusionlog running", "version", version, "links", len(a.cfg.Links))

	<-ctx.Done()
	a.logger.Info("shutting down")
	return orch.Stop()
}

func (a *app) locator() *volume.Locator {
	return volume.NewLocator(volume.LocatorConfig{
		MediaRoots: a.cfg.Storage.MediaRoots,
		FSTypes:    a.cfg.Storage.FSTypes,
		Logger:     a.logger,
	})
}
