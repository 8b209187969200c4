package script

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"

	"github.com/BDNK1/hotswap/runtime"
	"github.com/BDNK1/hotswap/runtime/capability"
)

func handleValue(h capability.Handle) lua.LNumber {
	return lua.LNumber(h)
}

// checkHandle reads argument n as a capability handle. Lua numbers are
// float64; anything that is not a non-negative integer cannot be a handle.
func (c *Context) checkHandle(L *lua.LState, n int) capability.Handle {
	v := float64(L.CheckNumber(n))
	if v < 0 || v != math.Trunc(v) || v >= 1<<52 {
		c.fail(L, "handle", &capability.HandleError{Op: "decode", Err: capability.ErrInvalidHandle})
	}
	return capability.Handle(uint64(v))
}

func (c *Context) checkScreen(L *lua.LState, n int) runtime.Screen {
	h := c.checkHandle(L, n)
	screen, err := capability.Resolve[runtime.Screen](c.table, h)
	if err != nil {
		c.fail(L, "screen", err)
	}
	return screen
}

// fail records err for the host and raises it inside the module. It never
// returns.
func (c *Context) fail(L *lua.LState, op string, err error) {
	c.hostErr = &hostFailure{msg: op + ": " + err.Error(), err: err}
	if c.opts.Dev {
		c.logger.Error("Capability misuse", "op", op, "error", err, "where", L.Where(1))
	}
	L.RaiseError("%s", c.hostErr.msg)
}

func (c *Context) checkDecoded(L *lua.LState, n int, out any) {
	if err := decodeTable(L.CheckTable(n), out); err != nil {
		L.ArgError(n, err.Error())
	}
}

func (c *Context) checkPosition(L *lua.LState, n int) runtime.Position {
	var p runtime.Position
	c.checkDecoded(L, n, &p)
	return p
}

func (c *Context) checkColor(L *lua.LState, n int) runtime.Color {
	col := runtime.Color{A: 1}
	if L.Get(n) == lua.LNil {
		return runtime.White
	}
	c.checkDecoded(L, n, &col)
	return col
}

// host.draw_text(screen, text, position, size, color)
func (c *Context) hostDrawText(L *lua.LState) int {
	screen := c.checkScreen(L, 1)
	text := L.CheckString(2)
	pos := c.checkPosition(L, 3)
	size := float32(L.CheckNumber(4))
	screen.DrawText(text, pos, size, c.checkColor(L, 5))
	return 0
}

// host.draw_line(screen, first, second, thickness, color)
func (c *Context) hostDrawLine(L *lua.LState) int {
	screen := c.checkScreen(L, 1)
	first := c.checkPosition(L, 2)
	second := c.checkPosition(L, 3)
	thickness := float32(L.CheckNumber(4))
	screen.DrawLine(first, second, thickness, c.checkColor(L, 5))
	return 0
}

// host.draw_circle(screen, position, radius, color)
func (c *Context) hostDrawCircle(L *lua.LState) int {
	screen := c.checkScreen(L, 1)
	pos := c.checkPosition(L, 2)
	radius := float32(L.CheckNumber(3))
	screen.DrawCircle(pos, radius, c.checkColor(L, 4))
	return 0
}

// host.draw_rectangle(screen, position, size, color)
func (c *Context) hostDrawRectangle(L *lua.LState) int {
	screen := c.checkScreen(L, 1)
	pos := c.checkPosition(L, 2)
	var size runtime.Size
	c.checkDecoded(L, 3, &size)
	screen.DrawRectangle(pos, size, c.checkColor(L, 4))
	return 0
}

// host.draw_image(screen, filename, position [, size])
func (c *Context) hostDrawImage(L *lua.LState) int {
	screen := c.checkScreen(L, 1)
	filename := L.CheckString(2)
	pos := c.checkPosition(L, 3)
	var size *runtime.Size
	if L.Get(4) != lua.LNil {
		size = &runtime.Size{}
		c.checkDecoded(L, 4, size)
	}
	screen.DrawImage(filename, pos, size)
	return 0
}

// host.width(screen)
func (c *Context) hostWidth(L *lua.LState) int {
	L.Push(lua.LNumber(c.checkScreen(L, 1).Width()))
	return 1
}

// host.height(screen)
func (c *Context) hostHeight(L *lua.LState) int {
	L.Push(lua.LNumber(c.checkScreen(L, 1).Height()))
	return 1
}

// host.measure_text(screen, text, size) -> {width, height, offset_y}
func (c *Context) hostMeasureText(L *lua.LState) int {
	screen := c.checkScreen(L, 1)
	dims := screen.MeasureText(L.CheckString(2), float32(L.CheckNumber(3)))
	tbl := L.CreateTable(0, 3)
	tbl.RawSetString("width", lua.LNumber(dims.Width))
	tbl.RawSetString("height", lua.LNumber(dims.Height))
	tbl.RawSetString("offset_y", lua.LNumber(dims.OffsetY))
	L.Push(tbl)
	return 1
}

// host.load_shader(screen, fragment, vertex) -> owned shader handle
func (c *Context) hostLoadShader(L *lua.LState) int {
	screen := c.checkScreen(L, 1)
	shader, err := screen.LoadShader(L.CheckString(2), L.CheckString(3))
	if err != nil {
		c.fail(L, "load_shader", err)
	}
	owned, err := c.table.Register(shader)
	if err != nil {
		c.fail(L, "load_shader", err)
	}
	L.Push(handleValue(owned.Handle()))
	return 1
}

// host.shader_render(shader, direction_modifier)
func (c *Context) hostShaderRender(L *lua.LState) int {
	h := c.checkHandle(L, 1)
	shader, err := capability.Resolve[runtime.Shader](c.table, h)
	if err != nil {
		c.fail(L, "shader_render", err)
	}
	shader.Render(float32(L.CheckNumber(2)))
	return 0
}

// host.drop(handle) releases an owned handle. Dropping a borrowed handle or
// dropping twice raises.
func (c *Context) hostDrop(L *lua.LState) int {
	h := c.checkHandle(L, 1)
	if err := c.table.Release(h); err != nil {
		c.fail(L, "drop", err)
	}
	return 0
}

// host.log(message [, level])
func (c *Context) hostLog(L *lua.LState) int {
	msg := L.CheckString(1)
	switch L.OptString(2, "info") {
	case "debug":
		c.logger.Debug(msg)
	case "warn":
		c.logger.Warn(msg)
	case "error":
		c.logger.Error(msg)
	default:
		c.logger.Info(msg)
	}
	return 0
}

func (c *Context) String() string {
	return fmt.Sprintf("script(%s gen=%d)", c.path, c.generation)
}
