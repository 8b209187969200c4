package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BDNK1/hotswap/runtime"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func gamePath(t *testing.T) string {
	t.Helper()
	path, err := filepath.Abs("../plugins/game/game.lua")
	require.NoError(t, err)
	return path
}

func testConfig(t *testing.T, overrides map[string]string) *runtime.Config {
	t.Helper()
	base := map[string]string{
		"plugin.path":               gamePath(t),
		"frame.fps":                 "500",
		"frame.max_frames":          "10",
		"watch.enabled":             "false",
		"state.checkpoint_interval": "0",
	}
	for k, v := range overrides {
		base[k] = v
	}
	cfg, err := runtime.LoadConfig("", base)
	require.NoError(t, err)
	return cfg
}

func runApp(t *testing.T, cfg *runtime.Config) *App {
	t.Helper()
	ctx := context.Background()
	app, err := NewApp(ctx, cfg, discard)
	require.NoError(t, err)
	require.NoError(t, app.Run(ctx))
	require.NoError(t, app.Shutdown(ctx))
	return app
}

type savedGame struct {
	Position runtime.Position `json:"position"`
}

func latestPosition(t *testing.T, app *App) runtime.Position {
	t.Helper()
	snap, ok, err := app.Store.Latest(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "shutdown writes a checkpoint")
	var g savedGame
	require.NoError(t, json.Unmarshal(snap.Data, &g))
	return g.Position
}

func TestApp_RunsFrameBudget(t *testing.T) {
	app := runApp(t, testConfig(t, map[string]string{"frame.hold": "Right"}))

	assert.Equal(t, uint64(10), app.Host.Frames())
	assert.Equal(t, uint64(1), app.Orchestrator.Generation())
	assert.Nil(t, app.Watcher)

	pos := latestPosition(t, app)
	assert.Greater(t, pos.X, float32(400), "held Right moves the ball")
	assert.Equal(t, float32(300), pos.Y)
}

func TestApp_DirectEngine(t *testing.T) {
	app := runApp(t, testConfig(t, map[string]string{
		"plugin.engine": "direct",
		"plugin.path":   "game",
		"frame.hold":    "Down",
	}))

	assert.Equal(t, runtime.StateRunning, app.Orchestrator.State())
	assert.Greater(t, latestPosition(t, app).Y, float32(300))
}

func TestApp_BadgerRestoreOnStart(t *testing.T) {
	overrides := map[string]string{
		"state.store":            "badger",
		"state.path":             t.TempDir(),
		"state.restore_on_start": "true",
		"frame.hold":             "Right",
	}

	first := latestPosition(t, runApp(t, testConfig(t, overrides)))
	second := latestPosition(t, runApp(t, testConfig(t, overrides)))
	assert.Greater(t, second.X, first.X, "the second run continues from the first run's state")
}

func TestApp_WatcherAndHTTP(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(gamePath(t))
	require.NoError(t, err)
	path := filepath.Join(dir, "game.lua")
	require.NoError(t, os.WriteFile(path, src, 0o600))

	app := runApp(t, testConfig(t, map[string]string{
		"plugin.path":   path,
		"watch.enabled": "true",
		"http.addr":     "127.0.0.1:0",
	}))
	assert.NotNil(t, app.Watcher)
	assert.Equal(t, uint64(10), app.Host.Frames())
}

func TestApp_FirstLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.lua")
	require.NoError(t, os.WriteFile(path, []byte("return {"), 0o600))

	ctx := context.Background()
	app, err := NewApp(ctx, testConfig(t, map[string]string{"plugin.path": path}), discard)
	require.NoError(t, err)

	err = app.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, runtime.ErrCompile)
	assert.Equal(t, runtime.StateFailed, app.Orchestrator.State())
	assert.Zero(t, app.Host.Frames())
	require.NoError(t, app.Shutdown(ctx))
}

func TestResolvePluginPath(t *testing.T) {
	abs := gamePath(t)

	got, err := resolvePluginPath(runtime.PluginConfig{Path: abs, Engine: "lua"})
	require.NoError(t, err)
	assert.Equal(t, abs, got)

	exe, err := os.Executable()
	require.NoError(t, err)
	got, err = resolvePluginPath(runtime.PluginConfig{Path: "game.lua", Engine: "lua"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(exe), "game.lua"), got)

	got, err = resolvePluginPath(runtime.PluginConfig{Path: "game", Engine: "direct"})
	require.NoError(t, err)
	assert.Equal(t, "game", got)
}

func TestCheckPlugin(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	report, err := checkPlugin(cmd, testConfig(t, nil), discard)
	require.NoError(t, err)
	assert.Contains(t, report, "ok      "+gamePath(t))
	assert.Contains(t, report, "engine  lua")
	assert.Contains(t, report, "draw_circle")
	assert.Contains(t, report, "draws   1")
}

func TestCheckPlugin_DirectEngine(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	report, err := checkPlugin(cmd, testConfig(t, map[string]string{
		"plugin.engine": "direct",
		"plugin.path":   "game",
	}), discard)
	require.NoError(t, err)
	assert.Contains(t, report, "engine  direct")
	assert.Contains(t, report, "draws   1")
	assert.NotContains(t, report, "digest", "compiled-in modules have no image digest")
}

func TestCheckPlugin_Broken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.lua")
	require.NoError(t, os.WriteFile(path, []byte("return { api_version = 1 }"), 0o600))

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	_, err := checkPlugin(cmd, testConfig(t, map[string]string{"plugin.path": path}), discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, runtime.ErrLink)
}

func TestWithPlugin(t *testing.T) {
	overrides = map[string]string{"frame.fps": "30"}
	t.Cleanup(func() { overrides = nil })

	set, err := withPlugin([]string{"../plugins/game/game.lua"})
	require.NoError(t, err)
	assert.Equal(t, gamePath(t), set["plugin.path"])
	assert.Equal(t, "30", set["frame.fps"])
	assert.NotContains(t, overrides, "plugin.path", "flag overrides are not mutated")

	set, err = withPlugin(nil)
	require.NoError(t, err)
	assert.NotContains(t, set, "plugin.path")
}

func TestRootCommand_Check(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"check", gamePath(t), "--set", "log.format=json", "--set", "log.level=error"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		overrides = nil
	})

	require.NoError(t, Execute())
	assert.Contains(t, out.String(), "digest")
}
