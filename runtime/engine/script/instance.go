package script

import (
	"context"
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/BDNK1/hotswap/runtime"
)

var errPoisoned = errors.New("instance trapped earlier and is no longer callable")

// Instance is the module object returned by the new export. Every call is
// serialized through the owning context.
type Instance struct {
	c    *Context
	self lua.LValue

	// poisoned is the trap that ended this instance, if any.
	poisoned error
}

func (i *Instance) trap(op string, err error) error {
	perr := runtime.NewPluginError(runtime.KindTrap, op, i.c.generation, err)
	i.poisoned = perr
	return perr
}

func (i *Instance) checkUsable(op string) error {
	if i.c.closed {
		return runtime.NewPluginError(runtime.KindTrap, op, i.c.generation, errContextClosed)
	}
	if i.poisoned != nil {
		return runtime.NewPluginError(runtime.KindTrap, op, i.c.generation, fmt.Errorf("%w: %w", errPoisoned, i.poisoned))
	}
	return nil
}

// Update calls update(self, mouse, keyboard, screen, dt).
func (i *Instance) Update(ctx context.Context, mouse runtime.MouseInfo, keys runtime.KeyboardInfo, dt float32) error {
	i.c.mu.Lock()
	defer i.c.mu.Unlock()
	if err := i.checkUsable("update"); err != nil {
		return err
	}

	L := i.c.state
	_, err := i.c.call(ctx, "update", 0,
		i.self,
		mouseTable(L, mouse),
		keyboardTable(L, keys),
		handleValue(i.c.screen.Handle()),
		lua.LNumber(dt),
	)
	if err != nil {
		return i.trap("update", err)
	}
	return nil
}

// Render calls render(self, screen).
func (i *Instance) Render(ctx context.Context) error {
	i.c.mu.Lock()
	defer i.c.mu.Unlock()
	if err := i.checkUsable("render"); err != nil {
		return err
	}

	if _, err := i.c.call(ctx, "render", 0, i.self, handleValue(i.c.screen.Handle())); err != nil {
		return i.trap("render", err)
	}
	return nil
}

// Save calls save(self) and expects a string. A module may also report a
// failure by returning nil, message.
func (i *Instance) Save(ctx context.Context) ([]byte, error) {
	i.c.mu.Lock()
	defer i.c.mu.Unlock()
	if err := i.checkUsable("save"); err != nil {
		return nil, err
	}

	serr := func(err error) error {
		return runtime.NewPluginError(runtime.KindSerialization, "save", i.c.generation, err)
	}

	rets, err := i.c.call(ctx, "save", 2, i.self)
	if err != nil {
		return nil, serr(err)
	}
	data, ok := rets[0].(lua.LString)
	if !ok {
		if msg, isStr := rets[1].(lua.LString); isStr {
			return nil, serr(errors.New(string(msg)))
		}
		return nil, serr(fmt.Errorf("save returned %s, want string", rets[0].Type()))
	}
	return []byte(data), nil
}

// Restore calls restore(self, data). Raising, or returning a non-nil second
// value, rejects the data; the instance stays usable either way.
func (i *Instance) Restore(ctx context.Context, data []byte) error {
	i.c.mu.Lock()
	defer i.c.mu.Unlock()
	if err := i.checkUsable("restore"); err != nil {
		return err
	}

	derr := func(err error) error {
		return runtime.NewPluginError(runtime.KindDeserialization, "restore", i.c.generation, err)
	}

	rets, err := i.c.call(ctx, "restore", 2, i.self, lua.LString(data))
	if err != nil {
		return derr(err)
	}
	if rets[1] != lua.LNil {
		return derr(errors.New(lua.LVAsString(rets[1])))
	}
	return nil
}

// Poisoned reports whether the instance trapped.
func (i *Instance) Poisoned() bool {
	i.c.mu.Lock()
	defer i.c.mu.Unlock()
	return i.poisoned != nil
}

// Generation returns the generation of the owning context.
func (i *Instance) Generation() uint64 { return i.c.generation }

var _ runtime.RunnableInstance = (*Instance)(nil)
