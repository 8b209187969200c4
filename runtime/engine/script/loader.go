// Package script runs plugins as sandboxed Lua modules.
//
// A plugin image is a Lua source file whose chunk returns a module table:
//
//	return {
//	  api_version = 1,
//	  imports = { "draw_circle", "width", "height" },
//	  new = function(screen) ... end,
//	  update = function(self, mouse, keyboard, screen, dt) ... end,
//	  render = function(self, screen) ... end,
//	  save = function(self) return codec.encode(self) end,
//	  restore = function(self, data) ... end,
//	}
//
// The sandbox only opens the base, table, string and math libraries. Host
// objects reach the module as numeric capability handles; the host functions
// in the global host table resolve them against the context's own table.
package script

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/BDNK1/hotswap/runtime"
)

// APIVersion is the host interface version modules must declare.
const APIVersion = 1

// Exports every module table must provide.
var requiredExports = []string{"new", "update", "render", "save", "restore"}

var errEmptyImage = errors.New("plugin image is empty")

// Options configures a Loader.
type Options struct {
	// CallTimeout bounds every call into the module. Zero means no limit.
	CallTimeout time.Duration

	// ReadRetries is how often a missing or empty image is re-read before
	// giving up. Editors often truncate or rename a file while saving it.
	ReadRetries uint64

	// ReadRetryDelay is the wait between read attempts.
	ReadRetryDelay time.Duration

	// Dev logs every capability misuse with the Lua call site.
	Dev bool

	Logger *slog.Logger
}

// Loader compiles and links plugin images into sandboxed contexts.
type Loader struct {
	opts   Options
	logger *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(opts Options) *Loader {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReadRetries == 0 {
		opts.ReadRetries = 3
	}
	if opts.ReadRetryDelay == 0 {
		opts.ReadRetryDelay = 25 * time.Millisecond
	}
	return &Loader{
		opts:   opts,
		logger: opts.Logger.With("component", "script_loader"),
	}
}

// Load implements runtime.ModuleLoader.
func (l *Loader) Load(ctx context.Context, path string, generation uint64) (runtime.ExecutionContext, error) {
	c, err := l.LoadContext(ctx, path, generation)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// LoadContext reads, compiles and links the image at path.
func (l *Loader) LoadContext(ctx context.Context, path string, generation uint64) (*Context, error) {
	src, err := l.readImage(ctx, path)
	if err != nil {
		return nil, runtime.NewPluginError(runtime.KindImageRead, "load", generation, err).
			WithMetadata("path", path)
	}
	return l.compile(ctx, path, src, generation)
}

// LoadBytes compiles and links an image held in memory. Each call yields an
// independent context, even for identical bytes.
func (l *Loader) LoadBytes(ctx context.Context, name string, src []byte, generation uint64) (*Context, error) {
	if len(src) == 0 {
		return nil, runtime.NewPluginError(runtime.KindImageRead, "load", generation, errEmptyImage).
			WithMetadata("path", name)
	}
	return l.compile(ctx, name, src, generation)
}

func (l *Loader) readImage(ctx context.Context, path string) ([]byte, error) {
	var src []byte
	op := func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(b) == 0 {
			return errEmptyImage
		}
		src = b
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.opts.ReadRetryDelay), l.opts.ReadRetries),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		l.logger.Debug("Retrying plugin image read", "path", path, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return src, nil
}

func (l *Loader) compile(ctx context.Context, name string, src []byte, generation uint64) (*Context, error) {
	sum := sha256.Sum256(src)
	digest := hex.EncodeToString(sum[:8])

	chunk, err := parse.Parse(bytes.NewReader(src), name)
	if err != nil {
		return nil, runtime.NewPluginError(runtime.KindCompile, "compile", generation, err).
			WithMetadata("path", name)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, runtime.NewPluginError(runtime.KindCompile, "compile", generation, err).
			WithMetadata("path", name)
	}

	c := newContext(name, digest, generation, l.opts)
	if err := c.open(); err != nil {
		c.Close()
		return nil, runtime.NewPluginError(runtime.KindCompile, "compile", generation, err).
			WithMetadata("path", name)
	}

	module, err := c.runChunk(ctx, proto)
	if err != nil {
		c.Close()
		return nil, runtime.NewPluginError(runtime.KindCompile, "compile", generation, err).
			WithMetadata("path", name)
	}

	if err := c.link(module); err != nil {
		c.Close()
		return nil, err
	}

	l.logger.Info("Plugin loaded",
		"path", name,
		"generation", generation,
		"digest", digest,
		"imports", len(c.imports),
	)
	return c, nil
}

// hostSurface lists the functions the host table can provide.
var hostSurface = map[string]func(c *Context, L *lua.LState) int{
	"draw_text":      (*Context).hostDrawText,
	"draw_line":      (*Context).hostDrawLine,
	"draw_circle":    (*Context).hostDrawCircle,
	"draw_rectangle": (*Context).hostDrawRectangle,
	"draw_image":     (*Context).hostDrawImage,
	"width":          (*Context).hostWidth,
	"height":         (*Context).hostHeight,
	"measure_text":   (*Context).hostMeasureText,
	"load_shader":    (*Context).hostLoadShader,
	"shader_render":  (*Context).hostShaderRender,
	"drop":           (*Context).hostDrop,
	"log":            (*Context).hostLog,
}

// link checks the module table against the host interface and binds the
// imports it declares into the host table.
func (c *Context) link(module lua.LValue) error {
	linkErr := func(err error) *runtime.PluginError {
		return runtime.NewPluginError(runtime.KindLink, "link", c.generation, err).
			WithMetadata("path", c.path)
	}

	tbl, ok := module.(*lua.LTable)
	if !ok {
		return linkErr(fmt.Errorf("module chunk returned %s, want table", module.Type()))
	}

	version, ok := tbl.RawGetString("api_version").(lua.LNumber)
	if !ok {
		return linkErr(errors.New("module does not declare api_version"))
	}
	if version != lua.LNumber(APIVersion) {
		return linkErr(fmt.Errorf("module targets host API %v, host provides %d", version, APIVersion))
	}

	for _, name := range requiredExports {
		if tbl.RawGetString(name).Type() != lua.LTFunction {
			return linkErr(fmt.Errorf("missing export %q", name)).
				WithMetadata("export", name)
		}
	}

	imports, err := declaredImports(tbl)
	if err != nil {
		return linkErr(err)
	}
	for _, name := range imports {
		bind, ok := hostSurface[name]
		if !ok {
			return linkErr(fmt.Errorf("unresolved import %q", name)).
				WithMetadata("import", name)
		}
		c.host.RawSetString(name, c.state.NewFunction(func(L *lua.LState) int {
			return bind(c, L)
		}))
	}

	c.module = tbl
	c.imports = imports
	return nil
}

// declaredImports returns the module's import list. A module without an
// imports field gets the whole host surface.
func declaredImports(tbl *lua.LTable) ([]string, error) {
	raw := tbl.RawGetString("imports")
	if raw == lua.LNil {
		names := make([]string, 0, len(hostSurface))
		for name := range hostSurface {
			names = append(names, name)
		}
		return names, nil
	}
	list, ok := raw.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("imports must be a list, got %s", raw.Type())
	}
	var names []string
	var bad error
	list.ForEach(func(_, v lua.LValue) {
		s, ok := v.(lua.LString)
		if !ok {
			if bad == nil {
				bad = fmt.Errorf("import names must be strings, got %s", v.Type())
			}
			return
		}
		names = append(names, string(s))
	})
	if bad != nil {
		return nil, bad
	}
	return names, nil
}

// sandboxLibs are the only standard libraries a module can see.
var sandboxLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// Base library functions that reach outside the sandbox.
var strippedGlobals = []string{"dofile", "loadfile", "require", "module"}

// newState creates a Lua state with the restricted library set.
func newState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: 256,
	})
	for _, lib := range sandboxLibs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open %s library: %w", lib.name, err)
		}
	}
	for _, name := range strippedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	return L, nil
}

// Ensure Loader satisfies the host's loader contract.
var _ runtime.ModuleLoader = (*Loader)(nil)
