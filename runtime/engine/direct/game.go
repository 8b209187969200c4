package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/BDNK1/hotswap/runtime"
)

const (
	movementSpeed = 200
	circleRadius  = 16

	gameStateVersion = 1
)

// GameState is the part of Game that survives a reload.
type GameState struct {
	Version  int              `json:"version"`
	Position runtime.Position `json:"position"`
}

// Game is a ball steered with the arrow keys and kept inside the screen.
type Game struct {
	screen runtime.Screen

	mu    sync.Mutex
	state GameState
}

// NewGame places the ball in the middle of the screen.
func NewGame(screen runtime.Screen) (runtime.RunnableInstance, error) {
	return &Game{
		screen: screen,
		state: GameState{
			Version:  gameStateVersion,
			Position: runtime.Position{X: screen.Width() / 2, Y: screen.Height() / 2},
		},
	}, nil
}

func (g *Game) Update(_ context.Context, _ runtime.MouseInfo, keys runtime.KeyboardInfo, dt float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := &g.state.Position
	step := movementSpeed * dt
	if keys.IsDown(runtime.KeyUp) {
		p.Y -= step
	}
	if keys.IsDown(runtime.KeyDown) {
		p.Y += step
	}
	if keys.IsDown(runtime.KeyLeft) {
		p.X -= step
	}
	if keys.IsDown(runtime.KeyRight) {
		p.X += step
	}

	p.X = clamp(p.X, circleRadius, g.screen.Width()-circleRadius)
	p.Y = clamp(p.Y, circleRadius, g.screen.Height()-circleRadius)
	return nil
}

func (g *Game) Render(_ context.Context) error {
	g.mu.Lock()
	pos := g.state.Position
	g.mu.Unlock()

	g.screen.DrawCircle(pos, circleRadius, runtime.Yellow)
	return nil
}

func (g *Game) Save(_ context.Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return json.Marshal(g.state)
}

func (g *Game) Restore(_ context.Context, data []byte) error {
	var st GameState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Version != gameStateVersion {
		return fmt.Errorf("unsupported game state version %d", st.Version)
	}

	g.mu.Lock()
	g.state = st
	g.mu.Unlock()
	return nil
}

// State returns a copy of the current state.
func (g *Game) State() GameState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func clamp(v, lo, hi float32) float32 {
	return max(lo, min(v, hi))
}
