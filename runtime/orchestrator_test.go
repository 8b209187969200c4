package runtime_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/BDNK1/hotswap/runtime"
	"github.com/BDNK1/hotswap/runtime/engine/direct"
	"github.com/BDNK1/hotswap/runtime/engine/script"
	"github.com/BDNK1/hotswap/runtime/screen"
	"github.com/BDNK1/hotswap/runtime/snapshot"
	"github.com/BDNK1/hotswap/runtime/watcher"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func gameSource(t *testing.T) string {
	t.Helper()
	src, err := os.ReadFile("../plugins/game/game.lua")
	require.NoError(t, err)
	return string(src)
}

// trapOnSpace makes update raise while Space is held.
func trapOnSpace(src string) string {
	return strings.Replace(src, "if down.Up then", "if down.Space then error(\"boom\") end\n    if down.Up then", 1)
}

// rejectRestore makes restore refuse every state.
func rejectRestore(src string) string {
	return strings.Replace(src, "local state, err = codec.decode(data)", "do return nil, \"incompatible\" end\n    local state, err = codec.decode(data)", 1)
}

func writeImage(t *testing.T, path, src string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(src), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

type rig struct {
	path    string
	rec     *screen.Recorder
	overlay *runtime.Overlay
	store   *snapshot.MemoryStore
	orch    *runtime.Orchestrator
	host    *runtime.Host
	input   *runtime.ScriptedInput
}

func newRig(t *testing.T, src string, configure ...func(*runtime.OrchestratorOptions)) *rig {
	t.Helper()
	r := &rig{
		path:    filepath.Join(t.TempDir(), "game.lua"),
		rec:     screen.NewRecorder(screen.Options{Width: 800, Height: 600}),
		overlay: runtime.NewOverlay(time.Minute),
		store:   snapshot.NewMemoryStore(),
		input:   runtime.NewScriptedInput(runtime.KeyboardInfo{}),
	}
	writeImage(t, r.path, src)

	opts := runtime.OrchestratorOptions{
		Path:     r.path,
		Loader:   script.NewLoader(script.Options{Logger: discard, ReadRetries: 1, ReadRetryDelay: time.Millisecond}),
		Screen:   r.rec,
		Store:    r.store,
		Notifier: r.overlay,
		Logger:   discard,
	}
	for _, c := range configure {
		c(&opts)
	}

	orch, err := runtime.NewOrchestrator(opts)
	require.NoError(t, err)
	r.orch = orch
	t.Cleanup(func() { orch.Close() })

	host, err := runtime.NewHost(runtime.HostOptions{
		Orchestrator: orch,
		Screen:       r.rec,
		Input:        r.input,
		Overlay:      r.overlay,
		Logger:       discard,
	})
	require.NoError(t, err)
	r.host = host
	return r
}

func (r *rig) frame(t *testing.T, dt float32, keys ...runtime.Key) []screen.Command {
	t.Helper()
	r.input.Hold = runtime.HoldKeys(keys...)
	require.NoError(t, r.host.RunFrame(context.Background(), dt))
	return r.rec.LastFrame()
}

func circleAt(t *testing.T, frame []screen.Command) runtime.Position {
	t.Helper()
	for _, c := range frame {
		if c.Kind == screen.KindCircle {
			return c.Position
		}
	}
	require.FailNow(t, "no circle in frame", "%+v", frame)
	return runtime.Position{}
}

func TestOrchestrator_MovementScenario(t *testing.T) {
	r := newRig(t, gameSource(t))
	require.NoError(t, r.orch.Start(context.Background()))

	assert.Equal(t, runtime.Position{X: 400, Y: 300}, circleAt(t, r.frame(t, 0)))
	assert.Equal(t, runtime.Position{X: 600, Y: 300}, circleAt(t, r.frame(t, 1, runtime.KeyRight)))
	assert.Equal(t, runtime.Position{X: 784, Y: 300}, circleAt(t, r.frame(t, 5, runtime.KeyRight)))
	assert.Equal(t, runtime.Position{X: 784, Y: 16}, circleAt(t, r.frame(t, 5, runtime.KeyUp)))
}

func TestOrchestrator_StateSurvivesReload(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, gameSource(t))
	require.NoError(t, r.orch.Start(ctx))
	r.frame(t, 1, runtime.KeyRight)

	writeImage(t, r.path, strings.Replace(gameSource(t), "local RADIUS = 16", "local RADIUS = 20", 1))
	require.NoError(t, r.orch.Reload(ctx))

	status := r.orch.Status()
	assert.Equal(t, runtime.StateRunning, status.State)
	assert.Equal(t, uint64(2), status.Generation)
	assert.Equal(t, uint64(2), status.Loads)

	frame := r.frame(t, 0)
	require.Len(t, frame, 1)
	assert.Equal(t, runtime.Position{X: 600, Y: 300}, frame[0].Position, "position migrated")
	assert.Equal(t, float32(20), frame[0].Radius, "new code is running")

	snap, ok, err := r.store.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Generation)
	assert.Equal(t, status.SessionID, snap.SessionID)
	assert.JSONEq(t, `{"version":1,"position":{"x":600,"y":300}}`, string(snap.Data))
}

func TestOrchestrator_FailedReloadKeepsRunning(t *testing.T) {
	ctx := context.Background()
	subject := newRig(t, gameSource(t))
	control := newRig(t, gameSource(t))
	require.NoError(t, subject.orch.Start(ctx))
	require.NoError(t, control.orch.Start(ctx))

	for range 3 {
		assert.Equal(t, control.frame(t, 0.1, runtime.KeyLeft), subject.frame(t, 0.1, runtime.KeyLeft))
	}

	for _, broken := range []string{"return {", "return 42", strings.Replace(gameSource(t), "api_version = 1", "api_version = 7", 1)} {
		writeImage(t, subject.path, broken)
		err := subject.orch.Reload(ctx)
		require.Error(t, err)
		assert.True(t, runtime.IsLoadError(err))

		status := subject.orch.Status()
		assert.Equal(t, runtime.StateRunning, status.State)
		assert.Equal(t, uint64(1), status.Generation)
		assert.NotEmpty(t, status.LastError)

		for range 3 {
			assert.Equal(t, control.frame(t, 0.1, runtime.KeyDown), subject.frame(t, 0.1, runtime.KeyDown))
		}
	}
	assert.Equal(t, uint64(3), subject.orch.Status().FailedLoads)
}

func TestOrchestrator_TrapBlocksUntilReload(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, trapOnSpace(gameSource(t)))
	require.NoError(t, r.orch.Start(ctx))
	r.frame(t, 1, runtime.KeyRight)

	frame := r.frame(t, 0, runtime.KeySpace)
	assert.Equal(t, runtime.StateFailed, r.orch.State())
	require.Len(t, frame, 1, "render is skipped, only the failure banner is drawn")
	assert.Equal(t, screen.KindText, frame[0].Kind)
	assert.Contains(t, frame[0].Text, "Plugin failed")
	assert.Contains(t, frame[0].Text, "boom")

	_, ok := r.orch.Instance()
	assert.False(t, ok)

	// A broken fix keeps the host failed.
	writeImage(t, r.path, "return {")
	require.Error(t, r.orch.Reload(ctx))
	assert.Equal(t, runtime.StateFailed, r.orch.State())

	writeImage(t, r.path, gameSource(t))
	require.NoError(t, r.orch.Reload(ctx))
	assert.Equal(t, runtime.StateRunning, r.orch.State())
	assert.Equal(t, uint64(3), r.orch.Generation())

	frame = r.frame(t, 0)
	require.Len(t, frame, 1)
	assert.Equal(t, runtime.Position{X: 400, Y: 300}, frame[0].Position, "a trapped instance has no state to migrate")
}

func TestOrchestrator_FirstLoadFailureIsTerminal(t *testing.T) {
	r := newRig(t, "this is not lua")
	err := r.orch.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, runtime.ErrCompile)
	assert.Equal(t, runtime.StateFailed, r.orch.State())

	_, ok := r.orch.Instance()
	assert.False(t, ok)
	assert.ErrorIs(t, r.orch.Start(context.Background()), runtime.ErrAlreadyStarted)
}

func TestOrchestrator_Spans(t *testing.T) {
	ctx := context.Background()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	r := newRig(t, gameSource(t), func(o *runtime.OrchestratorOptions) {
		o.Tracer = tp.Tracer("test")
	})
	require.NoError(t, r.orch.Start(ctx))
	require.NoError(t, r.orch.Reload(ctx))
	writeImage(t, r.path, "return {")
	require.Error(t, r.orch.Reload(ctx))

	ended := spans.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "plugin.start", ended[0].Name())
	assert.Equal(t, "plugin.reload", ended[1].Name())
	assert.Equal(t, codes.Unset, ended[1].Status().Code)
	assert.Equal(t, "plugin.reload", ended[2].Name())
	assert.Equal(t, codes.Error, ended[2].Status().Code)
	assert.NotEmpty(t, ended[2].Events(), "the load error is recorded on the span")
}

func TestOrchestrator_ReloadBeforeStart(t *testing.T) {
	r := newRig(t, gameSource(t))
	assert.ErrorIs(t, r.orch.Reload(context.Background()), runtime.ErrNotStarted)
	assert.Equal(t, runtime.StateReloading, r.orch.Status().State)
}

func TestOrchestrator_RestoreFailurePolicy(t *testing.T) {
	tests := []struct {
		policy     runtime.RestoreFailurePolicy
		wantBanner bool
	}{
		{runtime.RestoreFailureIgnore, false},
		{runtime.RestoreFailureLog, false},
		{runtime.RestoreFailureNotify, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			ctx := context.Background()
			r := newRig(t, gameSource(t), func(o *runtime.OrchestratorOptions) {
				o.RestoreFailure = tt.policy
			})
			require.NoError(t, r.orch.Start(ctx))
			r.frame(t, 1, runtime.KeyRight)

			writeImage(t, r.path, rejectRestore(gameSource(t)))
			require.NoError(t, r.orch.Reload(ctx), "a rejected state is not a failed reload")
			assert.Equal(t, runtime.StateRunning, r.orch.State())

			frame := r.frame(t, 0)
			assert.Equal(t, runtime.Position{X: 400, Y: 300}, circleAt(t, frame), "fresh state")

			_, shown := r.overlay.Active()
			assert.Equal(t, tt.wantBanner, shown)
			if tt.wantBanner {
				require.Len(t, frame, 2)
				assert.Equal(t, screen.KindText, frame[1].Kind)
			} else {
				assert.Len(t, frame, 1)
			}
		})
	}
}

func TestOrchestrator_RestoreOnStart(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, gameSource(t), func(o *runtime.OrchestratorOptions) {
		o.RestoreOnStart = true
	})
	require.NoError(t, r.store.Put(ctx, snapshot.Snapshot{
		SessionID: "previous",
		Data:      []byte(`{"version":1,"position":{"x":100,"y":120}}`),
	}))

	require.NoError(t, r.orch.Start(ctx))
	assert.Equal(t, runtime.Position{X: 100, Y: 120}, circleAt(t, r.frame(t, 0)))
	assert.NotEqual(t, "previous", r.orch.Status().SessionID)
}

func TestHost_ShutdownCheckpoints(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, gameSource(t))
	require.NoError(t, r.orch.Start(ctx))
	r.frame(t, 1, runtime.KeyLeft)

	require.NoError(t, r.host.Shutdown(ctx))

	snap, ok, err := r.store.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"version":1,"position":{"x":200,"y":300}}`, string(snap.Data))
}

func TestHost_WatcherTriggersReload(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, gameSource(t))
	require.NoError(t, r.orch.Start(ctx))

	w, err := watcher.New(r.path, &watcher.Options{Debounce: 50 * time.Millisecond, Logger: discard})
	require.NoError(t, err)
	defer w.Close()

	host, err := runtime.NewHost(runtime.HostOptions{
		Orchestrator: r.orch,
		Screen:       r.rec,
		Signal:       w,
		Logger:       discard,
	})
	require.NoError(t, err)

	writeImage(t, r.path, strings.Replace(gameSource(t), "local RADIUS = 16", "local RADIUS = 8", 1))

	require.Eventually(t, func() bool {
		if err := host.RunFrame(ctx, 0); err != nil {
			return false
		}
		return r.orch.Generation() == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, host.RunFrame(ctx, 0))
	assert.Equal(t, float32(8), r.rec.LastFrame()[0].Radius)
}

func TestHost_RunStopsAfterMaxFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec := screen.NewRecorder(screen.Options{Width: 800, Height: 600})
	orch, err := runtime.NewOrchestrator(runtime.OrchestratorOptions{
		Path:   "game",
		Loader: direct.NewLoader(discard),
		Screen: rec,
		Logger: discard,
	})
	require.NoError(t, err)
	require.NoError(t, orch.Start(ctx))

	host, err := runtime.NewHost(runtime.HostOptions{
		Orchestrator: orch,
		Screen:       rec,
		Input:        runtime.NewScriptedInput(runtime.HoldKeys(runtime.KeyRight)),
		FPS:          1000,
		MaxFrames:    5,
		Logger:       discard,
	})
	require.NoError(t, err)

	require.NoError(t, host.Run(ctx))
	assert.Equal(t, uint64(5), host.Frames())
	assert.Equal(t, uint64(5), rec.Frames())
	assert.Greater(t, circleAt(t, rec.LastFrame()).X, float32(400))
}

func TestHost_RunReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := screen.NewRecorder(screen.Options{Width: 800, Height: 600})
	orch, err := runtime.NewOrchestrator(runtime.OrchestratorOptions{
		Path:   "game",
		Loader: direct.NewLoader(discard),
		Screen: rec,
		Logger: discard,
	})
	require.NoError(t, err)
	require.NoError(t, orch.Start(ctx))

	host, err := runtime.NewHost(runtime.HostOptions{Orchestrator: orch, Screen: rec, FPS: 100, Logger: discard})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- host.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop")
	}
}
