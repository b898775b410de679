package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/cspybridge/internal/config/loader"
	"github.com/dshills/cspybridge/internal/integration/debug"
)

// EnvPrefix is the prefix of environment variables read as settings.
const EnvPrefix = "CSPYBRIDGE_"

// maxIncludeDepth limits nested @include directives.
const maxIncludeDepth = 8

// Config is the complete bridge configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Windows  WindowsConfig  `yaml:"windows"`
	Client   ClientConfig   `yaml:"client"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`

	// Source is the file the configuration was read from, if any.
	Source string `yaml:"-"`
}

// EngineConfig locates and starts the engine.
type EngineConfig struct {
	Workbench  string   `yaml:"workbench"`
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args"`
	NumCores   int      `yaml:"numCores"`
	TempRoot   string   `yaml:"tempRoot"`
}

// TimeoutsConfig bounds the waits of a session.
type TimeoutsConfig struct {
	ServiceLookup time.Duration `yaml:"serviceLookup"`
	Readiness     time.Duration `yaml:"readiness"`
	Exit          time.Duration `yaml:"exit"`
	UpdateWait    time.Duration `yaml:"updateWait"`
}

// WindowsConfig names the engine list windows.
type WindowsConfig struct {
	Locals           string `yaml:"locals"`
	Statics          string `yaml:"statics"`
	Registers        string `yaml:"registers"`
	Cores            string `yaml:"cores"`
	AllCoresMenuItem string `yaml:"allCoresMenuItem"`
}

// ClientConfig describes the debug client's position conventions.
type ClientConfig struct {
	LinesStartAt1   bool `yaml:"linesStartAt1"`
	ColumnsStartAt1 bool `yaml:"columnsStartAt1"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig configures RPC tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	s := debug.DefaultSessionConfig()
	return &Config{
		Engine: EngineConfig{
			Args: append([]string(nil), debug.DefaultEngineArgs...),
		},
		Timeouts: TimeoutsConfig{
			ServiceLookup: s.ServiceLookupTimeout,
			Readiness:     s.ReadinessTimeout,
			Exit:          s.ExitTimeout,
			UpdateWait:    s.UpdateWait,
		},
		Windows: WindowsConfig{
			Locals:           s.Windows.Locals,
			Statics:          s.Windows.Statics,
			Registers:        s.Windows.Registers,
			Cores:            s.Windows.Cores,
			AllCoresMenuItem: s.Windows.AllCoresMenuItem,
		},
		Client: ClientConfig{
			LinesStartAt1:   s.LinesStartAt1,
			ColumnsStartAt1: s.ColumnsStartAt1,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Option configures Load.
type Option func(*options)

type options struct {
	file      string
	fs        loader.FileSystem
	userDir   string
	env       bool
	envPrefix string
}

// WithFile reads the configuration from path instead of the user
// configuration directory. The file must exist.
func WithFile(path string) Option {
	return func(o *options) {
		o.file = path
	}
}

// WithFS sets the file system files are read from.
func WithFS(fs loader.FileSystem) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithUserConfigDir sets the directory searched for a default config file.
func WithUserConfigDir(dir string) Option {
	return func(o *options) {
		o.userDir = dir
	}
}

// WithEnvironment enables or disables the environment layer.
func WithEnvironment(enable bool) Option {
	return func(o *options) {
		o.env = enable
	}
}

// Load merges the defaults, the config file and the environment, then
// validates the result.
func Load(opts ...Option) (*Config, error) {
	o := options{
		fs:        loader.DefaultFS(),
		env:       true,
		envPrefix: EnvPrefix,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.userDir == "" {
		o.userDir = defaultUserConfigDir()
	}

	merged := map[string]any{}
	source, fileConfig, err := o.loadFile()
	if err != nil {
		return nil, err
	}
	merged = loader.DeepMerge(merged, fileConfig)

	if o.env {
		envConfig, err := loader.NewEnvLoader(o.envPrefix).Load()
		if err != nil {
			return nil, fmt.Errorf("loading environment: %w", err)
		}
		merged = loader.DeepMerge(merged, envConfig)
	}

	cfg, err := decode(merged)
	if err != nil {
		return nil, err
	}
	cfg.Source = source

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile reads the explicit file, or the first default file present.
func (o *options) loadFile() (string, map[string]any, error) {
	candidates := []string{o.file}
	if o.file == "" {
		candidates = []string{
			filepath.Join(o.userDir, "config.toml"),
			filepath.Join(o.userDir, "config.yaml"),
		}
	}

	for _, path := range candidates {
		l, err := loader.ForPath(o.fs, path)
		if err != nil {
			return "", nil, err
		}
		config, err := loader.LoadWithIncludes(l, path, maxIncludeDepth)
		if err != nil {
			return "", nil, err
		}
		if config != nil {
			return path, config, nil
		}
	}

	if o.file != "" {
		return "", nil, fmt.Errorf("%w: %s", ErrFileNotFound, o.file)
	}
	return "", nil, nil
}

// decode overlays the merged settings on the defaults.
func decode(settings map[string]any) (*Config, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encoding settings: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			for _, msg := range typeErr.Errors {
				if strings.Contains(msg, "not found in type") {
					return nil, fmt.Errorf("%w: %s", ErrUnknownSetting, msg)
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(typeErr.Errors, "; "))
		}
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values a session cannot use.
func (c *Config) Validate() error {
	var errs []error

	positive := func(path string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, &ValidationError{Path: path, Message: "must be positive", Value: d})
		}
	}
	positive("timeouts.serviceLookup", c.Timeouts.ServiceLookup)
	positive("timeouts.readiness", c.Timeouts.Readiness)
	positive("timeouts.exit", c.Timeouts.Exit)
	positive("timeouts.updateWait", c.Timeouts.UpdateWait)

	if c.Engine.NumCores < 0 {
		errs = append(errs, &ValidationError{Path: "engine.numCores", Message: "must not be negative", Value: c.Engine.NumCores})
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, &ValidationError{Path: "logging.level", Message: "must be debug, info, warn or error", Value: c.Logging.Level})
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, &ValidationError{Path: "logging.format", Message: "must be text or json", Value: c.Logging.Format})
	}

	return errors.Join(errs...)
}

// SessionConfig converts the configuration into a session configuration.
func (c *Config) SessionConfig(logger *slog.Logger) debug.SessionConfig {
	return debug.SessionConfig{
		Workbench:            c.Engine.Workbench,
		Executable:           c.Engine.Executable,
		Args:                 append([]string(nil), c.Engine.Args...),
		NumCores:             c.Engine.NumCores,
		TempRoot:             c.Engine.TempRoot,
		ReadinessTimeout:     c.Timeouts.Readiness,
		ServiceLookupTimeout: c.Timeouts.ServiceLookup,
		ExitTimeout:          c.Timeouts.Exit,
		UpdateWait:           c.Timeouts.UpdateWait,
		Windows: debug.WindowNames{
			Locals:           c.Windows.Locals,
			Statics:          c.Windows.Statics,
			Registers:        c.Windows.Registers,
			Cores:            c.Windows.Cores,
			AllCoresMenuItem: c.Windows.AllCoresMenuItem,
		},
		LinesStartAt1:   c.Client.LinesStartAt1,
		ColumnsStartAt1: c.Client.ColumnsStartAt1,
		Logger:          logger,
	}
}

func defaultUserConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cspybridge")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cspybridge")
}
