package runtime

import (
	"errors"
	"fmt"
)

// ErrorKind classifies plugin failures by how the host must react to them.
type ErrorKind string

const (
	// Load-time: fatal to the reload attempt, fatal to the process only on
	// the first load.
	KindImageRead ErrorKind = "image_read"
	KindCompile   ErrorKind = "compile"
	KindLink      ErrorKind = "link"

	// Runtime sandbox violation: fatal to the current instance.
	KindTrap ErrorKind = "trap"

	// State migration: never fatal, the module starts fresh.
	KindSerialization   ErrorKind = "serialization"
	KindDeserialization ErrorKind = "deserialization"
)

var (
	ErrImageRead       = errors.New("plugin image read failed")
	ErrCompile         = errors.New("plugin compile failed")
	ErrLink            = errors.New("plugin link failed")
	ErrTrap            = errors.New("plugin trapped")
	ErrSerialization   = errors.New("plugin state serialization failed")
	ErrDeserialization = errors.New("plugin state deserialization failed")
)

var kindSentinels = map[ErrorKind]error{
	KindImageRead:       ErrImageRead,
	KindCompile:         ErrCompile,
	KindLink:            ErrLink,
	KindTrap:            ErrTrap,
	KindSerialization:   ErrSerialization,
	KindDeserialization: ErrDeserialization,
}

// PluginError wraps a failure that crossed, or tried to cross, the plugin
// boundary. Metadata carries diagnostic detail (path, handle, export name).
type PluginError struct {
	Kind       ErrorKind
	Op         string
	Generation uint64
	Err        error
	Metadata   map[string]any
}

// Error implements the error interface
func (e *PluginError) Error() string {
	msg := fmt.Sprintf("%s (gen %d, op %s)", kindSentinels[e.Kind], e.Generation, e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is and errors.As
func (e *PluginError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind, so
// errors.Is(err, ErrTrap) works on any wrapped trap.
func (e *PluginError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// NewPluginError creates a plugin error of the given kind
func NewPluginError(kind ErrorKind, op string, generation uint64, err error) *PluginError {
	return &PluginError{
		Kind:       kind,
		Op:         op,
		Generation: generation,
		Err:        err,
		Metadata:   make(map[string]any),
	}
}

// WithMetadata adds metadata to the error
func (e *PluginError) WithMetadata(key string, value any) *PluginError {
	e.Metadata[key] = value
	return e
}

// IsLoadError reports whether err is an image read, compile or link failure.
func IsLoadError(err error) bool {
	return errors.Is(err, ErrImageRead) || errors.Is(err, ErrCompile) || errors.Is(err, ErrLink)
}

// IsTrap reports whether err is a sandbox trap.
func IsTrap(err error) bool {
	return errors.Is(err, ErrTrap)
}

// KindOf returns the kind of the first PluginError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var perr *PluginError
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return "", false
}
