// Package config loads the YAML configuration shared by the biomesh worker
// and dispatcher binaries.
//
// String values may reference environment variables as ${NAME} or
// ${NAME:-fallback}; references are expanded before the document is parsed.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/biomesh/agent"
	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/engine"
	"github.com/hupe1980/biomesh/flagpool"
	"github.com/hupe1980/biomesh/logging"
	"github.com/hupe1980/biomesh/model"
	"github.com/hupe1980/biomesh/model/preset"
)

// Flag store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the root document.
type Config struct {
	Worker     WorkerConfig              `yaml:"worker"`
	Dispatcher DispatcherConfig          `yaml:"dispatcher"`
	Flags      FlagsConfig               `yaml:"flags"`
	Models     map[string]model.Endpoint `yaml:"models"`
	Agents     AgentsConfig              `yaml:"agents"`
	Retry      RetryConfig               `yaml:"retry"`
	Logging    LoggingConfig             `yaml:"logging"`
}

type WorkerConfig struct {
	// Addr is the host:port published in the flag pool.
	Addr string `yaml:"addr"`
	// Listen is the bind address. Defaults to Addr.
	Listen       string        `yaml:"listen"`
	ToolsDir     string        `yaml:"tools_dir"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	StderrTail   int           `yaml:"stderr_tail"`
	ReplanBudget int           `yaml:"replan_budget"`
	Env          []string      `yaml:"env"`
}

type DispatcherConfig struct {
	Listen         string        `yaml:"listen"`
	HealthInterval time.Duration `yaml:"health_interval"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
}

type FlagsConfig struct {
	// Backend is file or sqlite.
	Backend string `yaml:"backend"`
	// Path is the flag directory or the database file.
	Path string `yaml:"path"`
}

// AgentsConfig names the model preset of each subagent role. Empty roles use
// the default preset.
type AgentsConfig struct {
	Default   string `yaml:"default"`
	Parser    string `yaml:"parser"`
	Planner   string `yaml:"planner"`
	Connector string `yaml:"connector"`
	Responder string `yaml:"responder"`
	Titler    string `yaml:"titler"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns the configuration used for absent keys.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Addr:         "127.0.0.1:7001",
			GracePeriod:  5 * time.Second,
			StderrTail:   20,
			ReplanBudget: core.DefaultReplanBudget,
		},
		Dispatcher: DispatcherConfig{
			Listen:         ":7000",
			HealthInterval: 30 * time.Second,
			DialTimeout:    time.Second,
			LeaseTTL:       10 * time.Second,
		},
		Flags: FlagsConfig{Backend: BackendFile, Path: "flags"},
		Agents: AgentsConfig{
			Default: "default",
		},
		Retry: RetryConfig{
			MaxAttempts: model.DefaultRetryPolicy.MaxAttempts,
			Backoff:     model.DefaultRetryPolicy.Backoff,
			Timeout:     2 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands environment references in data and decodes it over the
// defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${NAME} and ${NAME:-fallback}. Unset variables without
// fallback expand to the empty string.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

// Validate checks the settings shared by both binaries.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...)))
	}

	switch c.Flags.Backend {
	case BackendFile, BackendSQLite:
	default:
		add("flags.backend", "unsupported backend %q", c.Flags.Backend)
	}
	if strings.TrimSpace(c.Flags.Path) == "" {
		add("flags.path", "is required")
	}

	if c.Worker.ReplanBudget < 0 {
		add("worker.replan_budget", "must be >= 0")
	}
	if c.Worker.GracePeriod < 0 {
		add("worker.grace_period", "must be >= 0")
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts", "must be >= 1")
	}
	if c.Retry.Backoff < 0 {
		add("retry.backoff", "must be >= 0")
	}
	if c.Dispatcher.LeaseTTL <= 0 {
		add("dispatcher.lease_ttl", "must be > 0")
	}
	if c.Dispatcher.DialTimeout <= 0 {
		add("dispatcher.dial_timeout", "must be > 0")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format", "must be json or text")
	}

	for name, ep := range c.Models {
		if strings.TrimSpace(ep.Provider) == "" {
			add("models."+name+".provider", "is required")
		}
		if strings.TrimSpace(ep.Model) == "" {
			add("models."+name+".model", "is required")
		}
	}
	return errors.Join(errs...)
}

// ValidateWorker additionally checks what a worker needs to serve chats.
func (c *Config) ValidateWorker() error {
	var errs []error
	if strings.TrimSpace(c.Worker.Addr) == "" {
		errs = append(errs, errors.New("worker.addr: is required"))
	}
	if len(c.Models) == 0 {
		errs = append(errs, errors.New("models: at least one preset is required"))
	}
	for role, name := range c.Agents.Presets() {
		if _, ok := c.Models[name]; !ok {
			errs = append(errs, fmt.Errorf("agents.%s: unknown model preset %q", role, name))
		}
	}
	return errors.Join(errs...)
}

// Presets resolves the preset of every role.
func (a AgentsConfig) Presets() map[string]string {
	pick := func(v string) string {
		if v != "" {
			return v
		}
		return a.Default
	}
	return map[string]string{
		"parser":    pick(a.Parser),
		"planner":   pick(a.Planner),
		"connector": pick(a.Connector),
		"responder": pick(a.Responder),
		"titler":    pick(a.Titler),
	}
}

// ListenAddr returns the worker bind address.
func (w WorkerConfig) ListenAddr() string {
	if w.Listen != "" {
		return w.Listen
	}
	return w.Addr
}

// NewLogger builds the structured logger of a binary.
func (c *Config) NewLogger(component string) *logging.StructuredLogger {
	level, _ := logging.ParseLevel(c.Logging.Level)
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = level
	cfg.Format = c.Logging.Format
	cfg.AddSource = c.Logging.AddSource
	cfg.Component = component
	return logging.NewLogger(cfg)
}

// OpenFlags opens the configured flag store.
func (c *Config) OpenFlags(ctx context.Context) (flagpool.Store, error) {
	switch c.Flags.Backend {
	case BackendSQLite:
		return flagpool.OpenSQLite(ctx, c.Flags.Path)
	default:
		return flagpool.NewFileStore(c.Flags.Path)
	}
}

// NewModelClient builds the model client over the configured presets.
func (c *Config) NewModelClient(logger logging.Logger) *model.Client {
	return model.NewClient(preset.New(c.Models), func(o *model.ClientOptions) {
		o.Preset = c.Agents.Default
		o.Retry = model.RetryPolicy{MaxAttempts: c.Retry.MaxAttempts, Backoff: c.Retry.Backoff}
		if c.Retry.Timeout > 0 {
			o.Timeout = c.Retry.Timeout
		}
		o.Logger = logger
	})
}

// EngineOptions configures the orchestrator's subagents from the agents and
// worker sections.
func (c *Config) EngineOptions(logger logging.Logger) func(o *engine.Options) {
	presets := c.Agents.Presets()
	return func(o *engine.Options) {
		o.Parser = agent.NewParser(func(po *agent.ParserOptions) { po.Preset = presets["parser"] })
		o.Planner = agent.NewPlanner(func(po *agent.PlannerOptions) { po.Preset = presets["planner"] })
		o.Connector = agent.NewConnector(func(co *agent.ConnectorOptions) { co.Preset = presets["connector"] })
		o.Responder = agent.NewResponder(func(ro *agent.ResponderOptions) { ro.Preset = presets["responder"] })
		o.Titler = agent.NewTitler(func(to *agent.TitlerOptions) { to.Preset = presets["titler"] })
		o.Executor = agent.NewExecutor(func(eo *agent.ExecutorOptions) {
			eo.GracePeriod = c.Worker.GracePeriod
			if c.Worker.StderrTail > 0 {
				eo.StderrTail = c.Worker.StderrTail
			}
			eo.Env = c.Worker.Env
		})
		o.ReplanBudget = c.Worker.ReplanBudget
		o.Logger = logger
	}
}
