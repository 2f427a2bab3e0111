package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/termclaw/internal/config"
	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/internal/mcpserver"
	"github.com/nextlevelbuilder/termclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/termclaw/internal/term"
	"github.com/nextlevelbuilder/termclaw/internal/tracing"
)

var driverName string

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	cmd.Flags().StringVar(&driverName, "driver", "mem", "terminal driver backend (mem)")
	return cmd
}

// newDriver resolves the driver backend. Terminal-emulator adapters plug in
// here; the kernel only sees the TerminalDriver interface.
func newDriver(name string) (term.TerminalDriver, error) {
	switch name {
	case "mem", "":
		return term.NewMemDriver(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("serve.config_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.New(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("serve.tracing_failed", "error", err)
	} else {
		defer tp.Shutdown(context.Background())
	}

	driver, err := newDriver(driverName)
	if err != nil {
		slog.Error("serve.driver_failed", "error", err)
		os.Exit(1)
	}

	o, err := orchestrator.New(cfg, driver, ids.NewSystemClock())
	if err != nil {
		slog.Error("serve.kernel_failed", "error", err)
		os.Exit(1)
	}
	defer o.Close()

	// Hot reload of the runtime tunables. Watch errors only end the watcher,
	// never the server.
	if _, statErr := os.Stat(cfgPath); statErr == nil {
		go func() {
			if err := cfg.Watch(ctx, cfgPath, o.ApplyTunables); err != nil && ctx.Err() == nil {
				slog.Warn("serve.config_watch_stopped", "error", err)
			}
		}()
	}

	slog.Info("serve.started", "version", Version, "log_dir", cfg.LogDir, "driver", driverName)
	srv := mcpserver.New(o, Version)
	if err := srv.ServeStdio(); err != nil && ctx.Err() == nil {
		slog.Error("serve.stopped", "error", err)
		os.Exit(1)
	}
}
