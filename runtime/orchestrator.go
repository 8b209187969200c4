package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BDNK1/hotswap/runtime/snapshot"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	// StateReloading: a load is in progress, or nothing has loaded yet.
	StateReloading State = "reloading"
	// StateRunning: an instance of Status.Generation is live.
	StateRunning State = "running"
	// StateFailed: no usable instance. Left only by a successful reload.
	StateFailed State = "failed"
)

// RestoreFailurePolicy decides what happens when migrated state is rejected
// by the new instance. The instance always continues with fresh state.
type RestoreFailurePolicy string

const (
	RestoreFailureIgnore RestoreFailurePolicy = "ignore"
	RestoreFailureLog    RestoreFailurePolicy = "log"
	RestoreFailureNotify RestoreFailurePolicy = "notify"
)

var (
	ErrNotStarted     = errors.New("orchestrator has not been started")
	ErrAlreadyStarted = errors.New("orchestrator already started")
)

// Notifier shows a short message to the user, e.g. as an on-screen banner.
type Notifier interface {
	Notify(message string)
}

// Status is a read-only view of the orchestrator, safe to read from any
// goroutine.
type Status struct {
	State       State     `json:"state"`
	Generation  uint64    `json:"generation"`
	SessionID   string    `json:"session_id"`
	Path        string    `json:"path"`
	Poisoned    bool      `json:"poisoned"`
	LastError   string    `json:"last_error,omitempty"`
	LastReload  time.Time `json:"last_reload"`
	Loads       uint64    `json:"loads"`
	FailedLoads uint64    `json:"failed_loads"`
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// Path is the plugin image handed to the loader.
	Path   string
	Loader ModuleLoader
	Screen Screen

	// Store receives migrated state and checkpoints. Optional.
	Store snapshot.Store
	// RestoreOnStart restores the store's latest snapshot into the first
	// instance.
	RestoreOnStart bool

	RestoreFailure RestoreFailurePolicy
	// Notifier is used by RestoreFailureNotify.
	Notifier Notifier

	Metrics *Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Orchestrator owns the live (context, instance) pair and swaps it on
// reload. All methods except Status must be called from the frame loop
// goroutine.
type Orchestrator struct {
	opts    OrchestratorOptions
	l       *slog.Logger
	tracer  trace.Tracer
	metrics *Metrics

	sessionID string
	started   bool
	state     State
	attempts  uint64

	generation uint64
	execCtx    ExecutionContext
	instance   RunnableInstance
	poisoned   bool

	lastErr     error
	lastReload  time.Time
	loads       uint64
	failedLoads uint64

	status atomic.Pointer[Status]
}

// NewOrchestrator creates an orchestrator in StateReloading with no instance.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Loader == nil {
		return nil, errors.New("orchestrator requires a module loader")
	}
	if opts.Screen == nil {
		return nil, errors.New("orchestrator requires a screen")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/BDNK1/hotswap/runtime")
	}
	if opts.RestoreFailure == "" {
		opts.RestoreFailure = RestoreFailureLog
	}

	o := &Orchestrator{
		opts:      opts,
		l:         opts.Logger.With("component", "orchestrator"),
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		sessionID: uuid.NewString(),
		state:     StateReloading,
	}
	o.publish()
	return o, nil
}

// Start performs the first load. Its failure is terminal: the orchestrator
// moves to StateFailed and the caller is expected to exit.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.started {
		return ErrAlreadyStarted
	}
	o.started = true

	ctx, span := o.tracer.Start(ctx, "plugin.start")
	defer span.End()

	execCtx, inst, gen, err := o.load(ctx)
	if err != nil {
		o.state = StateFailed
		o.lastErr = err
		o.failedLoads++
		o.publish()
		span.RecordError(err)
		span.SetStatus(codes.Error, "first load failed")
		o.l.ErrorContext(ctx, "Initial plugin load failed", "path", o.opts.Path, "error", err)
		return fmt.Errorf("initial load of %s: %w", o.opts.Path, err)
	}

	if o.opts.RestoreOnStart && o.opts.Store != nil {
		snap, ok, err := o.opts.Store.Latest(ctx)
		switch {
		case err != nil:
			o.l.WarnContext(ctx, "Could not read snapshot store", "error", err)
		case ok:
			o.l.InfoContext(ctx, "Restoring snapshot",
				"session_id", snap.SessionID,
				"snapshot_generation", snap.Generation,
				"saved_at", snap.SavedAt)
			o.restore(ctx, inst, snap.Data)
		}
	}

	o.install(execCtx, inst, gen)
	span.SetAttributes(attribute.Int64("plugin.generation", int64(gen)))
	o.l.InfoContext(ctx, "Plugin running", "generation", gen, "session_id", o.sessionID)
	return nil
}

// Reload replaces the running pair with a freshly loaded one, carrying the
// state over. On failure the previous pair keeps running if it is still
// usable; otherwise the orchestrator is Failed.
func (o *Orchestrator) Reload(ctx context.Context) error {
	if !o.started {
		return ErrNotStarted
	}

	ctx, span := o.tracer.Start(ctx, "plugin.reload")
	defer span.End()

	prevState := o.state
	o.state = StateReloading
	o.publish()

	var saved []byte
	if o.instance != nil && !o.poisoned {
		data, err := o.instance.Save(ctx)
		if err != nil {
			o.l.WarnContext(ctx, "Could not save plugin state, new generation starts fresh",
				"generation", o.generation, "error", err)
		} else {
			saved = data
		}
	}

	execCtx, inst, gen, err := o.load(ctx)
	if err != nil {
		o.lastErr = err
		o.failedLoads++
		span.RecordError(err)
		span.SetStatus(codes.Error, "reload failed")

		if o.instance != nil && !o.poisoned {
			o.state = StateRunning
			o.l.WarnContext(ctx, "Plugin reload failed, keeping previous generation",
				"generation", o.generation, "error", err)
		} else {
			o.state = StateFailed
			o.l.ErrorContext(ctx, "Plugin reload failed, no usable generation",
				"previous_state", prevState, "error", err)
		}
		o.publish()
		return err
	}

	if saved != nil {
		o.restore(ctx, inst, saved)
		o.putSnapshot(ctx, o.generation, saved)
	}

	old := o.execCtx
	o.install(execCtx, inst, gen)
	if old != nil {
		if err := old.Close(); err != nil {
			o.l.WarnContext(ctx, "Closing previous execution context failed", "error", err)
		}
	}

	span.SetAttributes(attribute.Int64("plugin.generation", int64(gen)))
	o.l.InfoContext(ctx, "Plugin reloaded", "generation", gen, "migrated", saved != nil)
	return nil
}

// load reads, links and constructs the next generation.
func (o *Orchestrator) load(ctx context.Context) (ExecutionContext, RunnableInstance, uint64, error) {
	o.attempts++
	gen := o.attempts
	started := time.Now()

	execCtx, err := o.opts.Loader.Load(ctx, o.opts.Path, gen)
	if err != nil {
		o.metrics.reload(false, time.Since(started).Seconds())
		return nil, nil, gen, err
	}

	inst, err := execCtx.Construct(ctx, o.opts.Screen)
	if err != nil {
		execCtx.Close()
		o.metrics.reload(false, time.Since(started).Seconds())
		return nil, nil, gen, err
	}

	o.metrics.reload(true, time.Since(started).Seconds())
	return execCtx, inst, gen, nil
}

func (o *Orchestrator) install(execCtx ExecutionContext, inst RunnableInstance, gen uint64) {
	o.execCtx = execCtx
	o.instance = inst
	o.generation = gen
	o.poisoned = false
	o.state = StateRunning
	o.lastErr = nil
	o.lastReload = time.Now()
	o.loads++
	o.metrics.setGeneration(gen)
	o.publish()
}

func (o *Orchestrator) restore(ctx context.Context, inst RunnableInstance, data []byte) {
	err := inst.Restore(ctx, data)
	if err == nil {
		return
	}
	o.metrics.restoreFailure()

	switch o.opts.RestoreFailure {
	case RestoreFailureIgnore:
	case RestoreFailureNotify:
		o.l.WarnContext(ctx, "Plugin rejected migrated state, starting fresh", "error", err)
		if o.opts.Notifier != nil {
			o.opts.Notifier.Notify("State could not be restored, starting fresh")
		}
	default:
		o.l.WarnContext(ctx, "Plugin rejected migrated state, starting fresh", "error", err)
	}
}

func (o *Orchestrator) putSnapshot(ctx context.Context, gen uint64, data []byte) {
	if o.opts.Store == nil {
		return
	}
	err := o.opts.Store.Put(ctx, snapshot.Snapshot{
		SessionID:  o.sessionID,
		Generation: gen,
		Image:      o.opts.Path,
		SavedAt:    time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		o.metrics.snapshotFailure()
		o.l.WarnContext(ctx, "Could not write snapshot", "generation", gen, "error", err)
	}
}

// Checkpoint saves the running instance into the store. It is a no-op
// without a store or a usable instance.
func (o *Orchestrator) Checkpoint(ctx context.Context) error {
	if o.opts.Store == nil || o.instance == nil || o.poisoned {
		return nil
	}
	data, err := o.instance.Save(ctx)
	if err != nil {
		return err
	}
	o.putSnapshot(ctx, o.generation, data)
	return nil
}

// Poison marks the running instance unusable after a trap. Update and render
// are skipped until a later reload succeeds.
func (o *Orchestrator) Poison(err error) {
	if o.instance == nil || o.poisoned {
		return
	}
	o.poisoned = true
	o.state = StateFailed
	o.lastErr = err
	o.metrics.trap()
	o.publish()
	o.l.Error("Plugin trapped, waiting for a fixed image", "generation", o.generation, "error", err)
}

// Instance returns the running instance, or false when there is none to
// drive this frame.
func (o *Orchestrator) Instance() (RunnableInstance, bool) {
	if o.state != StateRunning || o.instance == nil || o.poisoned {
		return nil, false
	}
	return o.instance, true
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

// Generation returns the generation of the current pair (0 before Start).
func (o *Orchestrator) Generation() uint64 { return o.generation }

// Status returns the last published status. Safe for concurrent use.
func (o *Orchestrator) Status() Status {
	return *o.status.Load()
}

// Close closes the running execution context.
func (o *Orchestrator) Close() error {
	if o.execCtx == nil {
		return nil
	}
	err := o.execCtx.Close()
	o.execCtx = nil
	o.instance = nil
	return err
}

func (o *Orchestrator) publish() {
	s := &Status{
		State:       o.state,
		Generation:  o.generation,
		SessionID:   o.sessionID,
		Path:        o.opts.Path,
		Poisoned:    o.poisoned,
		LastReload:  o.lastReload,
		Loads:       o.loads,
		FailedLoads: o.failedLoads,
	}
	if o.lastErr != nil {
		s.LastError = o.lastErr.Error()
	}
	o.status.Store(s)
}
