// Package watcher raises a reload signal when the plugin image on disk is
// replaced.
//
// # Debouncing
//
// Builds rarely write a binary in one go: a compiler may truncate, write in
// chunks, then rename into place. Every filesystem event restarts a quiet
// period; only when the quiet period elapses without further events is the
// change flag raised. A half-written image is therefore never reported.
//
// # Thread Safety
//
// The fsnotify goroutines communicate with the frame loop only through an
// atomic flag. PollAndClear and Trigger are safe to call from any goroutine.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatchSetup is returned when the image location cannot be watched.
var ErrWatchSetup = errors.New("watch setup failed")

// DefaultDebounce is the quiet period used when Options leaves it unset.
const DefaultDebounce = 200 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	// Debounce is how long the file must stay quiet before a change is
	// reported. Default: 200ms
	Debounce time.Duration

	// Logger receives watch errors. Default: slog.Default()
	Logger *slog.Logger
}

// Watcher observes a single file.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	events  chan struct{}
	changed atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New starts watching path. The parent directory is watched rather than the
// file itself so replacing the image by rename is still observed.
func New(path string, opts *Options) (*Watcher, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrWatchSetup, path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatchSetup, err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("%w: watch %q: %v", ErrWatchSetup, filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		fs:       fsw,
		debounce: o.Debounce,
		logger:   o.Logger.With("component", "watcher", "path", abs),
		events:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	w.wg.Add(2)
	go w.processEvents()
	go w.debounceLoop()

	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string {
	return w.path
}

// PollAndClear reports whether a change was seen since the last call and
// clears the flag.
func (w *Watcher) PollAndClear() bool {
	return w.changed.Swap(false)
}

// Trigger raises the change flag without a filesystem event.
func (w *Watcher) Trigger() {
	w.changed.Store(true)
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.observe()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watch error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	// Permission changes do not alter the image.
	return !(event.Op == fsnotify.Chmod)
}

// observe records one filesystem event. A full buffer means the debounce
// loop has not yet picked up an earlier event and will restart its timer
// when it does, so dropping this one loses nothing.
func (w *Watcher) observe() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case <-w.events:
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timer = nil
			timerC = nil
			w.changed.Store(true)
			w.logger.Debug("Plugin image changed")
		}
	}
}
