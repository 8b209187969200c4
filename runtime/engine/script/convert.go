package script

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/mitchellh/mapstructure"
	lua "github.com/yuin/gopher-lua"

	"github.com/BDNK1/hotswap/runtime"
)

// numericKeys holds the number-keyed entries of an encoded table.
const numericKeys = "__numeric"

// toGo converts a Lua value into plain Go data (nil, bool, float64, string,
// []any, map[string]any). Functions, userdata and cyclic tables are rejected
// because they cannot leave the sandbox.
func toGo(v lua.LValue) (any, error) {
	return toGoSeen(v, make(map[*lua.LTable]bool))
}

func toGoSeen(v lua.LValue, seen map[*lua.LTable]bool) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		if seen[val] {
			return nil, fmt.Errorf("cyclic table")
		}
		seen[val] = true
		defer delete(seen, val)
		return tableToGo(val, seen)
	default:
		return nil, fmt.Errorf("cannot convert %s", v.Type())
	}
}

func tableToGo(tbl *lua.LTable, seen map[*lua.LTable]bool) (any, error) {
	n := tbl.MaxN()
	count := 0
	dense := true
	tbl.ForEach(func(k, _ lua.LValue) {
		count++
		i, ok := k.(lua.LNumber)
		if !ok || i < 1 || int(i) > n || float64(i) != float64(int(i)) {
			dense = false
		}
	})

	if n > 0 && n == count && dense {
		list := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := toGoSeen(tbl.RawGetInt(i), seen)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list = append(list, item)
		}
		return list, nil
	}

	// Number keys of a table that is not a plain list are kept as
	// [key, value] pairs under numericKeys so decode restores them as numbers.
	m := make(map[string]any, count)
	var numeric []any
	var firstErr error
	tbl.ForEach(func(k, val lua.LValue) {
		if firstErr != nil {
			return
		}
		switch kk := k.(type) {
		case lua.LString:
			if string(kk) == numericKeys {
				firstErr = fmt.Errorf("key %q is reserved", numericKeys)
				return
			}
			item, err := toGoSeen(val, seen)
			if err != nil {
				firstErr = fmt.Errorf("%s: %w", kk, err)
				return
			}
			m[string(kk)] = item
		case lua.LNumber:
			item, err := toGoSeen(val, seen)
			if err != nil {
				firstErr = fmt.Errorf("[%s]: %w", strconv.FormatFloat(float64(kk), 'g', -1, 64), err)
				return
			}
			numeric = append(numeric, []any{float64(kk), item})
		default:
			firstErr = fmt.Errorf("unsupported key type %s", k.Type())
		}
	})
	if firstErr != nil {
		return nil, firstErr
	}
	if len(numeric) > 0 {
		sort.Slice(numeric, func(i, j int) bool {
			return numeric[i].([]any)[0].(float64) < numeric[j].([]any)[0].(float64)
		})
		m[numericKeys] = numeric
	}
	return m, nil
}

// fromGo converts decoded JSON data into Lua values.
func fromGo(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for _, item := range val {
			tbl.Append(fromGo(L, item))
		}
		return tbl
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tbl := L.CreateTable(0, len(val))
		for _, k := range keys {
			if k == numericKeys {
				if pairs, ok := val[k].([]any); ok {
					setNumeric(L, tbl, pairs)
					continue
				}
			}
			tbl.RawSetString(k, fromGo(L, val[k]))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

func setNumeric(L *lua.LState, tbl *lua.LTable, pairs []any) {
	for _, p := range pairs {
		kv, ok := p.([]any)
		if !ok || len(kv) != 2 {
			continue
		}
		if k, ok := kv[0].(float64); ok {
			tbl.RawSet(lua.LNumber(k), fromGo(L, kv[1]))
		}
	}
}

// decodeTable reads a Lua table argument into a struct, e.g. {x=1, y=2}
// into runtime.Position. out keeps any field the table does not set.
func decodeTable(tbl *lua.LTable, out any) error {
	raw, err := toGo(tbl)
	if err != nil {
		return err
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("failed to decode table: %w", err)
	}
	return nil
}

func positionTable(L *lua.LState, p runtime.Position) *lua.LTable {
	tbl := L.CreateTable(0, 2)
	tbl.RawSetString("x", lua.LNumber(p.X))
	tbl.RawSetString("y", lua.LNumber(p.Y))
	return tbl
}

func clickTable(L *lua.LState, c runtime.ClickInfo) *lua.LTable {
	tbl := L.CreateTable(0, 3)
	tbl.RawSetString("pressed", lua.LBool(c.Pressed))
	tbl.RawSetString("released", lua.LBool(c.Released))
	tbl.RawSetString("down", lua.LBool(c.Down))
	return tbl
}

func mouseTable(L *lua.LState, m runtime.MouseInfo) *lua.LTable {
	tbl := L.CreateTable(0, 4)
	tbl.RawSetString("position", positionTable(L, m.Position))
	tbl.RawSetString("left", clickTable(L, m.Left))
	tbl.RawSetString("right", clickTable(L, m.Right))
	tbl.RawSetString("middle", clickTable(L, m.Middle))
	return tbl
}

// keySet builds {Right=true, Space=true} so plugins can test keyboard.down.Right.
func keySet(L *lua.LState, keys []runtime.Key) *lua.LTable {
	tbl := L.CreateTable(0, len(keys))
	for _, k := range keys {
		tbl.RawSetString(string(k), lua.LTrue)
	}
	return tbl
}

func keyboardTable(L *lua.LState, k runtime.KeyboardInfo) *lua.LTable {
	tbl := L.CreateTable(0, 3)
	tbl.RawSetString("pressed", keySet(L, k.Pressed))
	tbl.RawSetString("released", keySet(L, k.Released))
	tbl.RawSetString("down", keySet(L, k.Down))
	return tbl
}

// codecEncode implements codec.encode(value) -> string | nil, err.
func codecEncode(L *lua.LState) int {
	v, err := toGo(L.Get(1))
	if err == nil {
		var raw []byte
		raw, err = json.Marshal(v)
		if err == nil {
			L.Push(lua.LString(raw))
			return 1
		}
	}
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// codecDecode implements codec.decode(string) -> value | nil, err.
func codecDecode(L *lua.LState) int {
	s := L.CheckString(1)
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(fromGo(L, v))
	return 1
}
