// Package screen is a headless implementation of the host drawing
// capability. It records every draw call of a frame so hosts without a
// graphics backend, and tests, can inspect what a plugin rendered.
package screen

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/BDNK1/hotswap/runtime"
)

// CommandKind names a recorded draw call.
type CommandKind string

const (
	KindText      CommandKind = "text"
	KindLine      CommandKind = "line"
	KindCircle    CommandKind = "circle"
	KindRectangle CommandKind = "rectangle"
	KindImage     CommandKind = "image"
	KindShader    CommandKind = "shader"
)

// Command is one recorded draw call. Only the fields relevant to Kind are set.
type Command struct {
	Kind      CommandKind      `json:"kind"`
	Text      string           `json:"text,omitempty"`
	Filename  string           `json:"filename,omitempty"`
	Position  runtime.Position `json:"position"`
	Second    runtime.Position `json:"second"`
	Size      *runtime.Size    `json:"size,omitempty"`
	FontSize  float32          `json:"font_size,omitempty"`
	Radius    float32          `json:"radius,omitempty"`
	Thickness float32          `json:"thickness,omitempty"`
	Modifier  float32          `json:"modifier,omitempty"`
	Color     runtime.Color    `json:"color"`
}

type imageRequest struct {
	filename string
	position runtime.Position
	size     *runtime.Size
}

// Options configures a Recorder.
type Options struct {
	Width  float32
	Height float32
	// AssetsDir confines draw_image file names. Default: "."
	AssetsDir string
	// PreloadWorkers bounds concurrent texture loads during Flush. Default: 4
	PreloadWorkers int
	Logger         *slog.Logger
}

// Recorder records draw calls for the frame in progress and keeps the last
// completed frame.
type Recorder struct {
	textures *TextureCache
	workers  int
	logger   *slog.Logger

	mu      sync.Mutex
	width   float32
	height  float32
	pending []Command
	images  []imageRequest
	last    []Command
	frames  uint64
	shaders int
}

var _ runtime.FrameScreen = (*Recorder)(nil)

// NewRecorder creates a recorder of the given size.
func NewRecorder(opts Options) *Recorder {
	if opts.AssetsDir == "" {
		opts.AssetsDir = "."
	}
	if opts.PreloadWorkers <= 0 {
		opts.PreloadWorkers = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Recorder{
		textures: NewTextureCache(opts.AssetsDir),
		workers:  opts.PreloadWorkers,
		logger:   opts.Logger.With("component", "screen"),
		width:    opts.Width,
		height:   opts.Height,
	}
}

func (r *Recorder) record(c Command) {
	r.mu.Lock()
	r.pending = append(r.pending, c)
	r.mu.Unlock()
}

func (r *Recorder) DrawText(text string, position runtime.Position, size float32, color runtime.Color) {
	r.record(Command{Kind: KindText, Text: text, Position: position, FontSize: size, Color: color})
}

func (r *Recorder) DrawLine(first, second runtime.Position, thickness float32, color runtime.Color) {
	r.record(Command{Kind: KindLine, Position: first, Second: second, Thickness: thickness, Color: color})
}

func (r *Recorder) DrawCircle(position runtime.Position, radius float32, color runtime.Color) {
	r.record(Command{Kind: KindCircle, Position: position, Radius: radius, Color: color})
}

func (r *Recorder) DrawRectangle(position runtime.Position, size runtime.Size, color runtime.Color) {
	r.record(Command{Kind: KindRectangle, Position: position, Size: &size, Color: color})
}

// DrawImage queues an image draw; it is resolved and recorded by Flush.
func (r *Recorder) DrawImage(filename string, position runtime.Position, size *runtime.Size) {
	r.mu.Lock()
	r.images = append(r.images, imageRequest{filename: filename, position: position, size: size})
	r.mu.Unlock()
}

func (r *Recorder) Width() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.width
}

func (r *Recorder) Height() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.height
}

// Resize changes the reported screen size, as a window resize would.
func (r *Recorder) Resize(width, height float32) {
	r.mu.Lock()
	r.width, r.height = width, height
	r.mu.Unlock()
}

// MeasureText uses fixed-advance metrics: each rune is 0.5em wide and the
// baseline sits 0.8em below the top of the line.
func (r *Recorder) MeasureText(text string, size float32) runtime.TextDimensions {
	return runtime.TextDimensions{
		Width:   0.5 * size * float32(utf8.RuneCountInString(text)),
		Height:  size,
		OffsetY: 0.8 * size,
	}
}

func (r *Recorder) LoadShader(fragment, vertex string) (runtime.Shader, error) {
	if fragment == "" || vertex == "" {
		return nil, errors.New("shader source must not be empty")
	}
	r.mu.Lock()
	r.shaders++
	r.mu.Unlock()
	return &shader{screen: r}, nil
}

// Flush draws the queued images and completes the frame. If ctx is done
// before the images are loaded, the frame completes without them.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	images := r.images
	r.images = nil
	r.mu.Unlock()

	failed, err := r.preload(ctx, images)
	if err != nil {
		r.logger.Debug("Skipping image draws", "count", len(images), "error", err)
		images = nil
	}

	for _, img := range images {
		if loadErr, ok := failed[img.filename]; ok {
			// A missing image skips the draw, it never fails the frame.
			r.logger.Debug("Skipping image draw", "filename", img.filename, "error", loadErr)
			continue
		}
		tex, err := r.textures.Get(img.filename)
		if err != nil {
			r.logger.Debug("Skipping image draw", "filename", img.filename, "error", err)
			continue
		}
		size := img.size
		if size == nil {
			size = &runtime.Size{Width: float32(tex.Width), Height: float32(tex.Height)}
		}
		r.record(Command{Kind: KindImage, Filename: img.filename, Position: img.position, Size: size, Color: runtime.White})
	}

	r.mu.Lock()
	r.last = r.pending
	r.pending = nil
	r.frames++
	r.mu.Unlock()

	return ctx.Err()
}

// preload loads all distinct uncached textures of the frame concurrently.
// It returns the files that failed to load, and ctx's error if loading was
// cut short.
func (r *Recorder) preload(ctx context.Context, images []imageRequest) (map[string]error, error) {
	var (
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	if len(images) == 0 {
		return failed, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	seen := make(map[string]bool, len(images))
	for _, img := range images {
		if seen[img.filename] || r.textures.Has(img.filename) {
			continue
		}
		seen[img.filename] = true
		name := img.filename
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := r.textures.Get(name); err != nil {
				mu.Lock()
				failed[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed, err
	}
	return failed, nil
}

// LastFrame returns the commands of the most recently flushed frame.
func (r *Recorder) LastFrame() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.last))
	copy(out, r.last)
	return out
}

// Frames returns the number of flushed frames.
func (r *Recorder) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Shaders returns the number of shaders loaded so far.
func (r *Recorder) Shaders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shaders
}

type shader struct {
	screen *Recorder
}

func (s *shader) Render(directionModifier float32) {
	s.screen.record(Command{Kind: KindShader, Modifier: directionModifier})
}
