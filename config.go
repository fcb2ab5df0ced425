package loopguard

import "time"

// Mode selects a tuning preset applied before user-supplied fields
// override individual values.
type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
	ModeDebug       Mode = "debug"
)

// EventLoopConfig configures the Event-Loop Monitor (spec §4.2).
type EventLoopConfig struct {
	Enabled        bool
	SampleInterval time.Duration // >= 1s
	StallThreshold time.Duration // >= 10ms
}

// PromisesConfig configures the Task Tracker (spec §4.4).
type PromisesConfig struct {
	Enabled           bool
	CheckInterval     time.Duration // >= 1s
	DeadlockThreshold time.Duration // >= 5s
	MaxTracked        int           // 10..100000
}

// MemoryConfig configures the Memory Monitor (spec §4.3).
type MemoryConfig struct {
	Enabled           bool
	CheckInterval     time.Duration // >= 5s
	LeakThresholdMB   float64       // >= 1
	MaxSnapshots      int           // 3..1000
	ConsecutiveGrowth int           // default 3
}

// UnawaitedPromisesConfig configures the Unawaited-Task Detector (spec §4.5).
type UnawaitedPromisesConfig struct {
	Enabled          bool
	CheckInterval    time.Duration // >= 1s
	WarningThreshold time.Duration // >= 1s
}

// Config is the full, validated configuration for a [Monitor]. Build one
// with [NewConfig], which applies a [Mode] preset before options run.
type Config struct {
	Mode              Mode
	EventLoop         EventLoopConfig
	Promises          PromisesConfig
	Memory            MemoryConfig
	UnawaitedPromises UnawaitedPromisesConfig

	// MaxErrors and ErrorWindow bound the self-disable error budget
	// (spec §5): more than MaxErrors within ErrorWindow disables emission.
	MaxErrors   int
	ErrorWindow time.Duration

	// EventStoreCap bounds the Event Store's FIFO ring (spec §3, N_max).
	EventStoreCap int

	// SelfPaths is the set of path substrings / component names excluded
	// from the Task Tracker and Unawaited-Task Detector (spec §4.4,
	// self-filtering). Callers may append their own monitor's mount path
	// if it is embedded inside a larger application.
	SelfPaths []string

	Logger Logger
}

// Option configures a [Config] during [NewConfig].
type Option func(*Config)

// WithMode sets [Config.Mode]. It does not apply that mode's tuning
// preset: the preset values come from the mode passed to [NewConfig],
// and options run after it in order, so a later WithMode overrides an
// earlier one.
func WithMode(mode Mode) Option {
	return func(c *Config) { c.Mode = mode }
}

func WithEventLoop(cfg EventLoopConfig) Option {
	return func(c *Config) { c.EventLoop = cfg }
}

func WithPromises(cfg PromisesConfig) Option {
	return func(c *Config) { c.Promises = cfg }
}

func WithMemory(cfg MemoryConfig) Option {
	return func(c *Config) { c.Memory = cfg }
}

func WithUnawaitedPromises(cfg UnawaitedPromisesConfig) Option {
	return func(c *Config) { c.UnawaitedPromises = cfg }
}

func WithErrorBudget(maxErrors int, window time.Duration) Option {
	return func(c *Config) {
		c.MaxErrors = maxErrors
		c.ErrorWindow = window
	}
}

func WithEventStoreCap(n int) Option {
	return func(c *Config) { c.EventStoreCap = n }
}

func WithSelfPaths(paths ...string) Option {
	return func(c *Config) { c.SelfPaths = append(c.SelfPaths, paths...) }
}

func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// modePreset returns the base config for mode, per spec.md §4.9's tuning
// vector table. An unrecognized mode returns (zero value, false); the
// caller treats that as a validation failure.
func modePreset(mode Mode) (Config, bool) {
	switch mode {
	case ModeProduction:
		return Config{
			Mode: mode,
			EventLoop: EventLoopConfig{
				Enabled: true, SampleInterval: 30 * time.Second, StallThreshold: 300 * time.Millisecond,
			},
			Promises: PromisesConfig{
				Enabled: false, CheckInterval: 30 * time.Second, DeadlockThreshold: 30 * time.Second, MaxTracked: 10000,
			},
			Memory: MemoryConfig{
				Enabled: true, CheckInterval: 30 * time.Second, LeakThresholdMB: 10, MaxSnapshots: 100, ConsecutiveGrowth: 3,
			},
			UnawaitedPromises: UnawaitedPromisesConfig{
				Enabled: false, CheckInterval: 30 * time.Second, WarningThreshold: 30 * time.Second,
			},
			MaxErrors: 100, ErrorWindow: 60 * time.Second, EventStoreCap: 10000,
		}, true
	case ModeDevelopment:
		return Config{
			Mode: mode,
			EventLoop: EventLoopConfig{
				Enabled: true, SampleInterval: 10 * time.Second, StallThreshold: 150 * time.Millisecond,
			},
			Promises: PromisesConfig{
				Enabled: true, CheckInterval: 15 * time.Second, DeadlockThreshold: 10 * time.Second, MaxTracked: 10000,
			},
			Memory: MemoryConfig{
				Enabled: true, CheckInterval: 10 * time.Second, LeakThresholdMB: 5, MaxSnapshots: 100, ConsecutiveGrowth: 3,
			},
			UnawaitedPromises: UnawaitedPromisesConfig{
				Enabled: true, CheckInterval: 10 * time.Second, WarningThreshold: 5 * time.Second,
			},
			MaxErrors: 100, ErrorWindow: 60 * time.Second, EventStoreCap: 10000,
		}, true
	case ModeDebug:
		return Config{
			Mode: mode,
			EventLoop: EventLoopConfig{
				Enabled: true, SampleInterval: 5 * time.Second, StallThreshold: 100 * time.Millisecond,
			},
			Promises: PromisesConfig{
				Enabled: true, CheckInterval: 5 * time.Second, DeadlockThreshold: 5 * time.Second, MaxTracked: 10000,
			},
			Memory: MemoryConfig{
				Enabled: true, CheckInterval: 5 * time.Second, LeakThresholdMB: 1, MaxSnapshots: 100, ConsecutiveGrowth: 3,
			},
			UnawaitedPromises: UnawaitedPromisesConfig{
				Enabled: true, CheckInterval: 5 * time.Second, WarningThreshold: 3 * time.Second,
			},
			MaxErrors: 100, ErrorWindow: 60 * time.Second, EventStoreCap: 10000,
		}, true
	default:
		return Config{}, false
	}
}

// defaultSelfPaths names the substrings and component names the Task
// Tracker / Unawaited-Task Detector exclude from tracking (spec §4.4,
// §8 scenario 4). Matched against TrackedTask's originating file path.
var defaultSelfPaths = []string{
	"/loopguard/",
	"loopguard.go",
	"eventloopmonitor.go",
	"memorymonitor.go",
	"tasktracker.go",
	"unawaited.go",
	"alertrouter.go",
	"orchestrator.go",
	"/hostloop/",
}

// NewConfig applies mode's preset, then opts in order, then returns the
// result unvalidated — call Validate (or rely on [New], which validates
// before constructing any monitor).
func NewConfig(mode Mode, opts ...Option) Config {
	cfg, ok := modePreset(mode)
	if !ok {
		cfg = Config{Mode: mode}
	}
	cfg.SelfPaths = append(append([]string(nil), defaultSelfPaths...), cfg.SelfPaths...)
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	// Every mode defaults to NoOpLogger; logzero (zerolog-backed JSON
	// output) is an opt-in adapter passed via WithLogger, never a preset
	// default, since logzero imports this package to implement Logger and
	// a default here would make it a cycle.
	if cfg.Logger == nil {
		cfg.Logger = NoOpLogger{}
	}
	return cfg
}

// Validate rejects out-of-range, non-finite, or wrong-shaped configuration
// before any monitor is constructed (spec §4.9, §6, §8: "for all c that
// fail validation no monitor state is constructed").
func (c Config) Validate() error {
	switch c.Mode {
	case ModeProduction, ModeDevelopment, ModeDebug:
	default:
		return &ConfigurationError{Field: "mode", Message: "unknown mode " + string(c.Mode)}
	}

	if c.EventLoop.Enabled {
		if c.EventLoop.SampleInterval < time.Second {
			return &ConfigurationError{Field: "eventLoop.sampleInterval", Message: "must be >= 1s"}
		}
		if c.EventLoop.StallThreshold < 10*time.Millisecond {
			return &ConfigurationError{Field: "eventLoop.stallThreshold", Message: "must be >= 10ms"}
		}
	}

	if c.Promises.Enabled {
		if c.Promises.CheckInterval < time.Second {
			return &ConfigurationError{Field: "promises.checkInterval", Message: "must be >= 1s"}
		}
		if c.Promises.DeadlockThreshold < 5*time.Second {
			return &ConfigurationError{Field: "promises.deadlockThreshold", Message: "must be >= 5s"}
		}
		if c.Promises.MaxTracked < 10 || c.Promises.MaxTracked > 100000 {
			return &ConfigurationError{Field: "promises.maxTracked", Message: "must be in [10, 100000]"}
		}
	}

	if c.Memory.Enabled {
		if c.Memory.CheckInterval < 5*time.Second {
			return &ConfigurationError{Field: "memory.checkInterval", Message: "must be >= 5s"}
		}
		if !(c.Memory.LeakThresholdMB >= 1) {
			return &ConfigurationError{Field: "memory.leakThreshold", Message: "must be >= 1 (or non-finite)"}
		}
		if c.Memory.MaxSnapshots < 3 || c.Memory.MaxSnapshots > 1000 {
			return &ConfigurationError{Field: "memory.maxSnapshots", Message: "must be in [3, 1000]"}
		}
		if c.Memory.ConsecutiveGrowth < 1 {
			return &ConfigurationError{Field: "memory.consecutiveGrowth", Message: "must be >= 1"}
		}
	}

	if c.UnawaitedPromises.Enabled {
		if c.UnawaitedPromises.CheckInterval < time.Second {
			return &ConfigurationError{Field: "unawaitedPromises.checkInterval", Message: "must be >= 1s"}
		}
		if c.UnawaitedPromises.WarningThreshold < time.Second {
			return &ConfigurationError{Field: "unawaitedPromises.warningThreshold", Message: "must be >= 1s"}
		}
	}

	if c.MaxErrors <= 0 {
		return &ConfigurationError{Field: "maxErrors", Message: "must be > 0"}
	}
	if c.ErrorWindow <= 0 {
		return &ConfigurationError{Field: "errorWindow", Message: "must be > 0"}
	}
	if c.EventStoreCap <= 0 {
		return &ConfigurationError{Field: "eventStoreCap", Message: "must be > 0"}
	}

	return nil
}
