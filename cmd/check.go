package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BDNK1/hotswap/runtime"
	"github.com/BDNK1/hotswap/runtime/engine/direct"
	"github.com/BDNK1/hotswap/runtime/engine/script"
	"github.com/BDNK1/hotswap/runtime/screen"
)

var checkCmd = &cobra.Command{
	Use:   "check [plugin]",
	Short: "Compile, link and construct a plugin without running it",
	Long: `Check loads the plugin the same way a reload does, constructs an instance
against an off-screen surface, runs one frame and saves its state. It exits
non-zero with the load error if any step fails.

Example:
  hotswap check plugins/game/game.lua
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
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

	report, err := checkPlugin(cmd, cfg, logger)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), report)
	return nil
}

// scriptImage is implemented by contexts compiled from a script image.
type scriptImage interface {
	Digest() string
	Imports() []string
}

func checkPlugin(cmd *cobra.Command, cfg *runtime.Config, logger *slog.Logger) (string, error) {
	ctx := cmd.Context()
	path, err := resolvePluginPath(cfg.Plugin)
	if err != nil {
		return "", err
	}

	var loader runtime.ModuleLoader
	switch cfg.Plugin.Engine {
	case "direct":
		loader = direct.NewLoader(logger)
	default:
		loader = script.NewLoader(script.Options{
			CallTimeout: cfg.Plugin.CallTimeout,
			Dev:         true,
			Logger:      logger,
		})
	}
	execCtx, err := loader.Load(ctx, path, 1)
	if err != nil {
		return "", err
	}
	defer execCtx.Close()

	rec := screen.NewRecorder(screen.Options{
		Width:     cfg.Frame.Width,
		Height:    cfg.Frame.Height,
		AssetsDir: cfg.Plugin.AssetsDir,
		Logger:    logger,
	})
	inst, err := execCtx.Construct(ctx, rec)
	if err != nil {
		return "", err
	}
	if err := inst.Update(ctx, runtime.MouseInfo{}, runtime.KeyboardInfo{}, 0); err != nil {
		return "", err
	}
	if err := inst.Render(ctx); err != nil {
		return "", err
	}
	if err := rec.Flush(ctx); err != nil {
		return "", err
	}
	state, err := inst.Save(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ok      %s\n", path)
	fmt.Fprintf(&b, "engine  %s\n", cfg.Plugin.Engine)
	if img, ok := execCtx.(scriptImage); ok {
		fmt.Fprintf(&b, "digest  %s\n", img.Digest())
		fmt.Fprintf(&b, "imports %s\n", strings.Join(img.Imports(), ", "))
	}
	fmt.Fprintf(&b, "draws   %d\n", len(rec.LastFrame()))
	fmt.Fprintf(&b, "state   %d bytes\n", len(state))
	return b.String(), nil
}
