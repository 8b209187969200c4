package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/BDNK1/hotswap/runtime"
	"github.com/BDNK1/hotswap/runtime/capability"
)

var (
	errContextClosed      = errors.New("execution context is closed")
	errAlreadyConstructed = errors.New("execution context already constructed an instance")
)

// Context is one loaded generation of a script module. It owns the Lua
// state and the capability table; nothing is shared between contexts, even
// when they were loaded from the same bytes.
type Context struct {
	mu sync.Mutex

	path       string
	digest     string
	generation uint64
	opts       Options
	logger     *slog.Logger

	state   *lua.LState
	table   *capability.Table
	host    *lua.LTable
	module  *lua.LTable
	imports []string

	screen      capability.Borrowed
	constructed bool
	closed      bool

	// hostErr holds the structured error behind the last host function
	// failure so a trap can carry it across the Lua boundary.
	hostErr *hostFailure
}

// hostFailure pairs a host error with the message raised for it inside the
// module.
type hostFailure struct {
	msg string
	err error
}

// raisedBy reports whether the module error err is the host failure, either
// propagated directly or re-raised by the module with error(msg).
func (f *hostFailure) raisedBy(err error) bool {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return false
	}
	s, ok := apiErr.Object.(lua.LString)
	return ok && strings.HasSuffix(string(s), f.msg)
}

func newContext(path, digest string, generation uint64, opts Options) *Context {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		path:       path,
		digest:     digest,
		generation: generation,
		opts:       opts,
		logger:     logger.With("component", "plugin", "generation", generation),
		table:      capability.NewTable(),
	}
}

// open creates the sandboxed state and installs the host and codec tables.
// The host table starts empty; link fills in the declared imports.
func (c *Context) open() error {
	L, err := newState()
	if err != nil {
		return err
	}
	c.state = L

	c.host = L.NewTable()
	L.SetGlobal("host", c.host)

	codec := L.NewTable()
	L.SetFuncs(codec, map[string]lua.LGFunction{
		"encode": codecEncode,
		"decode": codecDecode,
	})
	L.SetGlobal("codec", codec)

	L.SetGlobal("print", L.NewFunction(c.print))
	return nil
}

func (c *Context) print(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	c.logger.Info(strings.Join(parts, "\t"))
	return 0
}

// runChunk executes the compiled image and returns what it evaluated to.
func (c *Context) runChunk(ctx context.Context, proto *lua.FunctionProto) (lua.LValue, error) {
	fn := c.state.NewFunctionFromProto(proto)
	rets, err := c.invoke(ctx, fn, 1)
	if err != nil {
		return nil, err
	}
	return rets[0], nil
}

// call invokes a module export. The caller holds c.mu.
func (c *Context) call(ctx context.Context, export string, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	if c.closed {
		return nil, errContextClosed
	}
	return c.invoke(ctx, c.module.RawGetString(export), nret, args...)
}

func (c *Context) invoke(ctx context.Context, fn lua.LValue, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}
	if ctx.Done() != nil {
		c.state.SetContext(ctx)
		defer c.state.RemoveContext()
	}

	c.hostErr = nil
	err := c.state.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...)
	if err != nil {
		if c.hostErr != nil && c.hostErr.raisedBy(err) {
			err = fmt.Errorf("%w: %w", err, c.hostErr.err)
		}
		return nil, err
	}

	rets := make([]lua.LValue, nret)
	for i := range nret {
		rets[i] = c.state.Get(i - nret)
	}
	c.state.Pop(nret)
	return rets, nil
}

// Construct creates the context's single instance. The module's new export
// receives an owned screen handle; later update and render calls get a
// borrowed one.
func (c *Context) Construct(ctx context.Context, screen runtime.Screen) (runtime.RunnableInstance, error) {
	inst, err := c.ConstructInstance(ctx, screen)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ConstructInstance is Construct returning the concrete instance.
func (c *Context) ConstructInstance(ctx context.Context, screen runtime.Screen) (*Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	trap := func(err error) error {
		return runtime.NewPluginError(runtime.KindTrap, "construct", c.generation, err)
	}
	if c.closed {
		return nil, trap(errContextClosed)
	}
	if c.constructed {
		return nil, trap(errAlreadyConstructed)
	}
	c.constructed = true

	borrowed, err := c.table.Borrow(screen)
	if err != nil {
		return nil, trap(err)
	}
	owned, err := c.table.Register(screen)
	if err != nil {
		return nil, trap(err)
	}
	c.screen = borrowed

	rets, err := c.call(ctx, "new", 1, handleValue(owned.Handle()))
	if err != nil {
		return nil, trap(err)
	}
	if rets[0] == lua.LNil {
		return nil, trap(errors.New("new returned nil"))
	}

	return &Instance{c: c, self: rets[0]}, nil
}

// Close releases the Lua state and invalidates every handle the context
// issued. It is safe to call more than once.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.table.Close()
	if c.state != nil {
		c.state.Close()
	}
	return nil
}

// Generation returns the generation this context was loaded as.
func (c *Context) Generation() uint64 { return c.generation }

// Digest returns a short content hash of the image.
func (c *Context) Digest() string { return c.digest }

// Imports returns the host functions bound for this module.
func (c *Context) Imports() []string { return c.imports }

// LiveHandles returns the number of live capability slots.
func (c *Context) LiveHandles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Len()
}

var _ runtime.ExecutionContext = (*Context)(nil)
