// Package direct runs modules compiled into the host binary. It has no
// sandbox, so it is meant for development and as a reference for what a
// script module does; reloading re-creates the instance and migrates its
// state exactly like the script engine does.
package direct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BDNK1/hotswap/runtime"
)

// Factory builds a module instance bound to screen.
type Factory func(screen runtime.Screen) (runtime.RunnableInstance, error)

// Loader resolves a plugin path to a registered factory by its base name,
// so plugins/game/game.lua and game.so both select "game".
type Loader struct {
	logger *slog.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewLoader creates a loader with the built-in modules registered.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		logger:    logger.With("component", "direct_loader"),
		factories: make(map[string]Factory),
	}
	l.Register("game", NewGame)
	return l
}

// Register adds or replaces a factory.
func (l *Loader) Register(name string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = f
}

// ModuleName maps a plugin path to the registered name it selects.
func ModuleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (l *Loader) Load(_ context.Context, path string, generation uint64) (runtime.ExecutionContext, error) {
	name := ModuleName(path)

	l.mu.RLock()
	f, ok := l.factories[name]
	l.mu.RUnlock()
	if !ok {
		return nil, runtime.NewPluginError(runtime.KindLink, "link", generation,
			fmt.Errorf("no compiled-in module named %q", name)).WithMetadata("path", path)
	}

	l.logger.Info("Plugin loaded", "module", name, "generation", generation)
	return &Context{name: name, generation: generation, factory: f}, nil
}

var errConstructed = errors.New("execution context already constructed an instance")

// Context is one generation of a compiled-in module.
type Context struct {
	name       string
	generation uint64
	factory    Factory

	mu          sync.Mutex
	constructed bool
	closed      bool
}

func (c *Context) Construct(_ context.Context, screen runtime.Screen) (inst runtime.RunnableInstance, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.constructed {
		return nil, runtime.NewPluginError(runtime.KindTrap, "construct", c.generation, errConstructed)
	}
	c.constructed = true

	defer func() {
		if r := recover(); r != nil {
			inst, err = nil, runtime.NewPluginError(runtime.KindTrap, "construct", c.generation, fmt.Errorf("panic: %v", r))
		}
	}()
	raw, err := c.factory(screen)
	if err != nil {
		return nil, runtime.NewPluginError(runtime.KindTrap, "construct", c.generation, err)
	}
	return &instance{inner: raw, generation: c.generation}, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// instance classifies a native module's errors and panics the same way the
// script engine classifies sandbox failures.
type instance struct {
	inner      runtime.RunnableInstance
	generation uint64
}

func (i *instance) guard(kind runtime.ErrorKind, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = runtime.NewPluginError(kind, op, i.generation, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		return runtime.NewPluginError(kind, op, i.generation, err)
	}
	return nil
}

func (i *instance) Update(ctx context.Context, mouse runtime.MouseInfo, keys runtime.KeyboardInfo, dt float32) error {
	return i.guard(runtime.KindTrap, "update", func() error {
		return i.inner.Update(ctx, mouse, keys, dt)
	})
}

func (i *instance) Render(ctx context.Context) error {
	return i.guard(runtime.KindTrap, "render", func() error {
		return i.inner.Render(ctx)
	})
}

func (i *instance) Save(ctx context.Context) ([]byte, error) {
	var data []byte
	err := i.guard(runtime.KindSerialization, "save", func() error {
		var err error
		data, err = i.inner.Save(ctx)
		return err
	})
	return data, err
}

func (i *instance) Restore(ctx context.Context, data []byte) error {
	return i.guard(runtime.KindDeserialization, "restore", func() error {
		return i.inner.Restore(ctx, data)
	})
}
