package runtime

import (
	"fmt"
	"sync"
	"time"
)

const (
	overlayTextSize = 20
	overlayMargin   = 10
)

// Overlay draws host messages on top of the plugin's frame: short-lived
// notifications and a persistent banner while no plugin is usable.
type Overlay struct {
	duration time.Duration
	now      func() time.Time

	mu      sync.Mutex
	message string
	until   time.Time
}

// NewOverlay creates an overlay whose notifications stay visible for d.
func NewOverlay(d time.Duration) *Overlay {
	return &Overlay{duration: d, now: time.Now}
}

// Notify implements Notifier.
func (o *Overlay) Notify(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.message = message
	o.until = o.now().Add(o.duration)
}

// Active returns the notification currently shown, if any.
func (o *Overlay) Active() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.message == "" || !o.now().Before(o.until) {
		return "", false
	}
	return o.message, true
}

// Draw renders the overlay for the current frame.
func (o *Overlay) Draw(screen Screen, status Status) {
	y := float32(overlayMargin + overlayTextSize)
	if status.State == StateFailed {
		msg := "Plugin failed"
		if status.LastError != "" {
			msg = fmt.Sprintf("Plugin failed: %s", status.LastError)
		}
		screen.DrawText(msg, Position{X: overlayMargin, Y: y}, overlayTextSize, Red)
		y += overlayTextSize + overlayMargin
	}
	if msg, ok := o.Active(); ok {
		screen.DrawText(msg, Position{X: overlayMargin, Y: y}, overlayTextSize, White)
	}
}
