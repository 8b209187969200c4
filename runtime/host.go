package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// HostOptions configures a Host.
type HostOptions struct {
	Orchestrator *Orchestrator
	Screen       FrameScreen
	Input        InputSource

	// Signal is polled once per frame. Nil disables hot reload.
	Signal ReloadSignal

	// Overlay draws host messages over the plugin's output. Optional.
	Overlay *Overlay

	// FPS caps the frame rate. Zero runs frames back to back.
	FPS float64

	// MaxFrames stops Run after that many frames. Zero runs until the
	// context is cancelled.
	MaxFrames uint64

	// CheckpointInterval saves the running state to the snapshot store
	// this often. Zero disables periodic checkpoints.
	CheckpointInterval time.Duration

	Metrics *Metrics
	Logger  *slog.Logger
}

// Host drives the frame loop: poll the reload signal, reload if raised,
// update and render the running instance, draw the overlay, flush.
type Host struct {
	orch      *Orchestrator
	screen    FrameScreen
	input     InputSource
	signal    ReloadSignal
	overlay   *Overlay
	limiter   *rate.Limiter
	maxFrames uint64
	interval  time.Duration
	metrics   *Metrics
	l         *slog.Logger

	lastCheckpoint time.Time
	frames         atomic.Uint64
}

// NewHost creates a Host.
func NewHost(opts HostOptions) (*Host, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("host requires an orchestrator")
	}
	if opts.Screen == nil {
		return nil, errors.New("host requires a screen")
	}
	if opts.Input == nil {
		opts.Input = IdleInput{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	h := &Host{
		orch:           opts.Orchestrator,
		screen:         opts.Screen,
		input:          opts.Input,
		signal:         opts.Signal,
		overlay:        opts.Overlay,
		maxFrames:      opts.MaxFrames,
		interval:       opts.CheckpointInterval,
		metrics:        opts.Metrics,
		l:              opts.Logger.With("component", "host"),
		lastCheckpoint: time.Now(),
	}
	if opts.FPS > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(opts.FPS), 1)
	}
	return h, nil
}

// Run drives frames until ctx is cancelled or MaxFrames is reached. A
// cancelled context is a clean shutdown, not an error.
func (h *Host) Run(ctx context.Context) error {
	last := time.Now()
	for {
		if h.maxFrames > 0 && h.frames.Load() >= h.maxFrames {
			return nil
		}
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("frame limiter: %w", err)
			}
		} else if ctx.Err() != nil {
			return nil
		}

		now := time.Now()
		dt := float32(now.Sub(last).Seconds())
		last = now

		if err := h.RunFrame(ctx, dt); err != nil {
			return err
		}
	}
}

// RunFrame runs a single frame with the given time step.
func (h *Host) RunFrame(ctx context.Context, dt float32) error {
	start := time.Now()

	if h.signal != nil && h.signal.PollAndClear() {
		if err := h.orch.Reload(ctx); err != nil {
			h.l.DebugContext(ctx, "Reload attempt failed", "error", err)
		}
	}

	mouse, keys := h.input.Poll()
	if inst, ok := h.orch.Instance(); ok {
		h.drive(ctx, inst, mouse, keys, dt)
	}

	if h.overlay != nil {
		h.overlay.Draw(h.screen, h.orch.Status())
	}
	if err := h.screen.Flush(ctx); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}

	h.frames.Add(1)
	h.metrics.frame(time.Since(start).Seconds())
	h.maybeCheckpoint(ctx)
	return nil
}

// drive calls update then render. Any error from either ends the instance;
// render is skipped when update failed.
func (h *Host) drive(ctx context.Context, inst RunnableInstance, mouse MouseInfo, keys KeyboardInfo, dt float32) {
	if err := inst.Update(ctx, mouse, keys, dt); err != nil {
		h.orch.Poison(err)
		return
	}
	if err := inst.Render(ctx); err != nil {
		h.orch.Poison(err)
	}
}

func (h *Host) maybeCheckpoint(ctx context.Context) {
	if h.interval <= 0 || time.Since(h.lastCheckpoint) < h.interval {
		return
	}
	h.lastCheckpoint = time.Now()
	if err := h.orch.Checkpoint(ctx); err != nil {
		h.l.WarnContext(ctx, "Periodic checkpoint failed", "error", err)
	}
}

// Shutdown writes a final checkpoint and closes the running context.
func (h *Host) Shutdown(ctx context.Context) error {
	if err := h.orch.Checkpoint(ctx); err != nil {
		h.l.WarnContext(ctx, "Final checkpoint failed", "error", err)
	}
	return h.orch.Close()
}

// Frames returns the number of completed frames.
func (h *Host) Frames() uint64 {
	return h.frames.Load()
}
