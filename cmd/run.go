package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BDNK1/hotswap/runtime"
)

const shutdownTimeout = 10 * time.Second

var dumpFrame string

var runCmd = &cobra.Command{
	Use:   "run [plugin]",
	Short: "Run a plugin and reload it when it changes",
	Long: `Run loads the plugin, drives it every frame and watches the plugin file.
A change reloads the plugin; its saved state is restored into the new build.
A failed reload keeps the previous build running. A failed first load exits
with a non-zero status.

Example:
  hotswap run plugins/game/game.lua
  hotswap run game.lua --set frame.hold=Right --set frame.max_frames=120
  hotswap run -c hotswap.yaml --set http.addr=127.0.0.1:8088
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHost,
}

func init() {
	runCmd.Flags().StringVar(&dumpFrame, "dump-frame", "", "Write the last frame's draw calls as JSON to this file on exit")
}

func runHost(cmd *cobra.Command, args []string) error {
	set, err := withPlugin(args)
	if err != nil {
		return err
	}
	cfg, err := runtime.LoadConfig(configPath, set)
	if err != nil {
		return err
	}

	logger, err := runtime.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("Starting host", "config", cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runErr := app.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown finished with errors", "error", err)
	}

	if dumpFrame != "" {
		if err := writeFrame(dumpFrame, app); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}

	status := app.Orchestrator.Status()
	logger.Info("Host stopped",
		"frames", app.Host.Frames(),
		"generation", status.Generation,
		"loads", status.Loads,
		"failed_loads", status.FailedLoads)
	return runErr
}

func writeFrame(path string, app *App) error {
	data, err := json.MarshalIndent(app.Screen.LastFrame(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode last frame: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write last frame: %w", err)
	}
	return nil
}
