package runtime

import "context"

// Screen is the drawing capability the host lends to a plugin. It is
// implemented by the rendering backend; plugins only ever see it through a
// capability handle.
type Screen interface {
	DrawText(text string, position Position, size float32, color Color)
	DrawLine(first, second Position, thickness float32, color Color)
	DrawCircle(position Position, radius float32, color Color)
	DrawRectangle(position Position, size Size, color Color)
	// DrawImage is deferred: requests are queued and drawn by Flush.
	DrawImage(filename string, position Position, size *Size)
	Width() float32
	Height() float32
	MeasureText(text string, size float32) TextDimensions
	LoadShader(fragment, vertex string) (Shader, error)
}

// Shader is an auxiliary render resource created through a Screen.
type Shader interface {
	Render(directionModifier float32)
}

// FrameScreen is the host side of a Screen: the frame loop flushes deferred
// draw requests once per frame.
type FrameScreen interface {
	Screen
	Flush(ctx context.Context) error
}

// InputSource supplies the per-frame input snapshot.
type InputSource interface {
	Poll() (MouseInfo, KeyboardInfo)
}

// RunnableInstance is one live module instance. It is implemented by the
// sandboxed script engine and by the compiled-in direct engine.
type RunnableInstance interface {
	// Update advances the module by dt seconds. Called at most once per frame.
	Update(ctx context.Context, mouse MouseInfo, keys KeyboardInfo, dt float32) error
	// Render issues draw calls. It must not change simulation state.
	Render(ctx context.Context) error
	Save(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, data []byte) error
}

// ExecutionContext owns one loaded generation of a module.
type ExecutionContext interface {
	// Construct creates the single instance of this context.
	Construct(ctx context.Context, screen Screen) (RunnableInstance, error)
	// Close releases everything the context owns. Instances constructed by
	// it must not be used afterwards.
	Close() error
}

// ModuleLoader turns a plugin image into an ExecutionContext.
type ModuleLoader interface {
	Load(ctx context.Context, path string, generation uint64) (ExecutionContext, error)
}

// ReloadSignal is the read-clear flag raised by a change watcher.
type ReloadSignal interface {
	PollAndClear() bool
}
