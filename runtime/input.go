package runtime

import "sync"

// IdleInput reports no input at all.
type IdleInput struct{}

func (IdleInput) Poll() (MouseInfo, KeyboardInfo) {
	return MouseInfo{}, KeyboardInfo{}
}

// ScriptedInput replays a fixed sequence of keyboard states, one per frame,
// and then reports Hold for every later frame.
type ScriptedInput struct {
	mu     sync.Mutex
	frames []KeyboardInfo
	next   int
	Hold   KeyboardInfo
}

// NewScriptedInput creates a ScriptedInput.
func NewScriptedInput(hold KeyboardInfo, frames ...KeyboardInfo) *ScriptedInput {
	return &ScriptedInput{frames: frames, Hold: hold}
}

// HoldKeys returns keyboard state with keys held down.
func HoldKeys(keys ...Key) KeyboardInfo {
	return KeyboardInfo{Down: keys}
}

func (s *ScriptedInput) Poll() (MouseInfo, KeyboardInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.frames) {
		k := s.frames[s.next]
		s.next++
		return MouseInfo{}, k
	}
	return MouseInfo{}, s.Hold
}
