package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. HOTRELOAD_PLUGIN_PATH.
const EnvPrefix = "HOTRELOAD_"

// Config is the host configuration.
type Config struct {
	Plugin    PluginConfig    `yaml:"plugin" envPrefix:"PLUGIN_"`
	Watch     WatchConfig     `yaml:"watch" envPrefix:"WATCH_"`
	Frame     FrameConfig     `yaml:"frame" envPrefix:"FRAME_"`
	State     StateConfig     `yaml:"state" envPrefix:"STATE_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`

	// Dev logs capability misuse loudly.
	Dev bool `yaml:"dev" env:"DEV"`
}

type PluginConfig struct {
	// Path to the plugin image. Relative paths are resolved against the
	// executable's directory.
	Path string `yaml:"path" env:"PATH" default:"game.lua" validate:"required"`
	// Engine is "lua" (sandboxed, hot reloadable) or "direct" (compiled in).
	Engine string `yaml:"engine" env:"ENGINE" default:"lua" validate:"oneof=lua direct"`
	// AssetsDir confines draw_image file names.
	AssetsDir string `yaml:"assets_dir" env:"ASSETS_DIR" default:"."`
	// CallTimeout bounds a single call into the plugin. Zero disables it.
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT" validate:"gte=0"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED" default:"true"`
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE" default:"200ms" validate:"gte=0"`
}

type FrameConfig struct {
	FPS       float64 `yaml:"fps" env:"FPS" default:"60" validate:"gte=0"`
	Width     float32 `yaml:"width" env:"WIDTH" default:"800" validate:"gt=0"`
	Height    float32 `yaml:"height" env:"HEIGHT" default:"600" validate:"gt=0"`
	MaxFrames uint64  `yaml:"max_frames" env:"MAX_FRAMES"`
	// Hold lists keys reported as held every frame by the headless input.
	Hold []string `yaml:"hold" env:"HOLD" validate:"dive,oneof=Up Down Left Right Space Enter Escape"`
}

type StateConfig struct {
	// Store is "none" (process memory only) or "badger".
	Store          string        `yaml:"store" env:"STORE" default:"none" validate:"oneof=none badger"`
	Path           string        `yaml:"path" env:"PATH" default:"state" validate:"required_if=Store badger"`
	RestoreOnStart bool          `yaml:"restore_on_start" env:"RESTORE_ON_START"`
	RestoreFailure string        `yaml:"restore_failure" env:"RESTORE_FAILURE" default:"log" validate:"oneof=ignore log notify"`
	NotifyDuration time.Duration `yaml:"notify_duration" env:"NOTIFY_DURATION" default:"3s" validate:"gte=0"`
	// CheckpointInterval saves the running state periodically. Zero disables it.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" env:"CHECKPOINT_INTERVAL" default:"5s" validate:"gte=0"`
}

type HTTPConfig struct {
	// Addr enables the status server when set, e.g. "127.0.0.1:8088".
	Addr string `yaml:"addr" env:"ADDR" validate:"omitempty,hostname_port"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" default:"auto" validate:"oneof=auto text json"`
}

type TelemetryConfig struct {
	// OTLPEndpoint enables trace export over gRPC when set.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT" validate:"omitempty,hostname_port"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME" default:"hotswap"`
}

// Package-level validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	registerCustomValidators()
}

// LoadConfig builds the configuration: struct defaults, then the YAML file
// (if path is set), then HOTRELOAD_* environment variables, then overrides
// ("plugin.path" style keys), and validates the result.
func LoadConfig(path string, overrides map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := ApplyDefaults(cfg); err != nil {
		return nil, err
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling config YAML: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := applyOverrides(cfg, overrides); err != nil {
			slog.Error("Config: failed to apply overrides", "overrides", overrides, "error", err)
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides merges dotted keys into cfg using the yaml field names.
func applyOverrides(cfg *Config, overrides map[string]string) error {
	nested := make(map[string]any)
	for key, value := range overrides {
		parts := strings.Split(key, ".")
		m := nested
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = value
	}
	return mapToStructFromYAML(nested, cfg)
}

// mapToStructFromYAML decodes m into target using yaml tags, converting
// strings to durations and comma separated lists where needed.
func mapToStructFromYAML(m map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "yaml",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("failed to decode overrides: %w", err)
	}
	return nil
}

// registerCustomValidators registers the custom validation functions
func registerCustomValidators() {
	// hostname_port validates "host:port" with a numeric port. The host may
	// be empty to listen on every interface.
	validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		_, port, err := net.SplitHostPort(addr)
		if err != nil || port == "" {
			return false
		}
		_, err = net.LookupPort("tcp", port)
		return err == nil
	})
}

func ApplyDefaults(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	return nil
}

func validateConfig(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validate.Struct(config); err != nil {
		// Format validation errors for better readability
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			var errMessages []string
			for _, fieldErr := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"field '%s' failed validation: %s (rule: %s)",
					fieldErr.Namespace(),
					fieldErr.Error(),
					fieldErr.Tag(),
				))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errMessages, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// RestoreFailurePolicy returns the configured policy.
func (c StateConfig) RestoreFailurePolicy() RestoreFailurePolicy {
	return RestoreFailurePolicy(c.RestoreFailure)
}

// HeldKeys converts Frame.Hold into keys.
func (c FrameConfig) HeldKeys() []Key {
	keys := make([]Key, 0, len(c.Hold))
	for _, k := range c.Hold {
		keys = append(keys, Key(k))
	}
	return keys
}

// LogValue is the summary printed at startup.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("plugin", c.Plugin.Path),
		slog.String("engine", c.Plugin.Engine),
		slog.Bool("watch", c.Watch.Enabled),
		slog.Float64("fps", c.Frame.FPS),
		slog.String("state_store", c.State.Store),
		slog.String("http", c.HTTP.Addr),
	)
}
