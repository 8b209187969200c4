package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Lifecycle is a host component that must be released on shutdown: the
// snapshot store, the watcher, the trace exporter, the HTTP server.
type Lifecycle interface {
	Shutdown(ctx context.Context) error
}

// LifecycleFunc adapts a function to Lifecycle.
type LifecycleFunc func(ctx context.Context) error

func (f LifecycleFunc) Shutdown(ctx context.Context) error { return f(ctx) }

// Closer adapts an io.Closer style component to Lifecycle.
func Closer(c interface{ Close() error }) Lifecycle {
	return LifecycleFunc(func(context.Context) error { return c.Close() })
}

// Container holds the host's components by name and shuts them down in
// reverse registration order.
type Container struct {
	mu         sync.Mutex
	names      []string
	components map[string]Lifecycle
	shutdown   bool
}

func NewContainer() *Container {
	return &Container{
		components: make(map[string]Lifecycle),
	}
}

// Register adds a component. Names must be unique.
func (c *Container) Register(name string, component Lifecycle) error {
	if component == nil {
		return fmt.Errorf("component %q cannot be nil", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return fmt.Errorf("container is shut down, cannot register %q", name)
	}
	if _, ok := c.components[name]; ok {
		return fmt.Errorf("component %q already registered", name)
	}
	c.names = append(c.names, name)
	c.components[name] = component
	return nil
}

// Get returns a registered component, or nil.
func (c *Container) Get(name string) Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.components[name]
}

// Names returns the registered names in registration order.
func (c *Container) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

// Shutdown stops every component, last registered first. All components are
// stopped even if some fail; the failures are joined. Later calls are no-ops.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	names := append([]string(nil), c.names...)
	c.mu.Unlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := c.components[names[i]].Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown failed: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}
