package runtime

// Position is a point in screen coordinates.
type Position struct {
	X float32 `json:"x" mapstructure:"x"`
	Y float32 `json:"y" mapstructure:"y"`
}

// Size is a width/height pair in screen units.
type Size struct {
	Width  float32 `json:"width" mapstructure:"width"`
	Height float32 `json:"height" mapstructure:"height"`
}

// Color channels are in the 0..1 range.
type Color struct {
	R float32 `json:"r" mapstructure:"r"`
	G float32 `json:"g" mapstructure:"g"`
	B float32 `json:"b" mapstructure:"b"`
	A float32 `json:"a" mapstructure:"a"`
}

var (
	White  = Color{R: 1, G: 1, B: 1, A: 1}
	Yellow = Color{R: 0.99, G: 0.98, B: 0, A: 1}
	Red    = Color{R: 0.9, G: 0.16, B: 0.22, A: 1}
)

// TextDimensions is the result of measuring a string.
type TextDimensions struct {
	Width   float32 `json:"width"`
	Height  float32 `json:"height"`
	OffsetY float32 `json:"offset_y"`
}

// ClickInfo is the per-frame state of one mouse button.
type ClickInfo struct {
	Pressed  bool `json:"pressed"`
	Released bool `json:"released"`
	Down     bool `json:"down"`
}

// MouseInfo is the per-frame mouse state.
type MouseInfo struct {
	Position Position  `json:"position"`
	Left     ClickInfo `json:"left"`
	Right    ClickInfo `json:"right"`
	Middle   ClickInfo `json:"middle"`
}

// Key names a keyboard key. Names match what plugins see in the keyboard
// tables, e.g. keyboard.down.Right.
type Key string

const (
	KeyUp     Key = "Up"
	KeyDown   Key = "Down"
	KeyLeft   Key = "Left"
	KeyRight  Key = "Right"
	KeySpace  Key = "Space"
	KeyEnter  Key = "Enter"
	KeyEscape Key = "Escape"
)

// KeyboardInfo is the per-frame keyboard state.
type KeyboardInfo struct {
	Pressed  []Key `json:"pressed"`
	Released []Key `json:"released"`
	Down     []Key `json:"down"`
}

// IsDown reports whether k is held this frame.
func (k KeyboardInfo) IsDown(key Key) bool {
	for _, d := range k.Down {
		if d == key {
			return true
		}
	}
	return false
}
