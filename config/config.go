// Package config loads babelor process configuration from TOML or YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/strtrek/babelor-engine/address"
	"github.com/strtrek/babelor-engine/message"
	"github.com/strtrek/babelor-engine/stage"
)

const (
	EnvFormat      = "BABELOR_FORMAT"
	EnvCoding      = "BABELOR_CODING"
	EnvMetricsAddr = "BABELOR_METRICS_ADDR"
)

// Hook names understood by StageConfig.Hook.
const (
	HookPass     = "pass"
	HookFileRead = "file-read"
)

// Sink names understood by StageConfig.Sink.
const (
	SinkNone = ""
	SinkFile = "file"
	SinkMail = "mail"
)

var ErrUnsupportedExtension = errors.New("unsupported config file extension")

// Config is the whole process configuration.
type Config struct {
	Message MessageConfig `toml:"message" yaml:"message"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
	Stages  []StageConfig `toml:"stages" yaml:"stages"`
}

// MessageConfig sets the wire format and envelope defaults shared by stages.
type MessageConfig struct {
	Format     string `toml:"format" yaml:"format"`
	Coding     string `toml:"coding" yaml:"coding"`
	TimeLayout string `toml:"time_layout" yaml:"time_layout"`
}

// MetricsConfig enables the metrics server when Addr is set.
type MetricsConfig struct {
	Addr      string `toml:"addr" yaml:"addr"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// StageConfig describes one stage. Empty fields take the role's conventions.
type StageConfig struct {
	Role   string `toml:"role" yaml:"role"`
	Listen string `toml:"listen" yaml:"listen"`
	Next   string `toml:"next" yaml:"next"`
	// Terminal stages hand results to their sink instead of forwarding.
	Terminal     bool   `toml:"terminal" yaml:"terminal"`
	Workers      int    `toml:"workers" yaml:"workers"`
	QueueSize    int    `toml:"queue_size" yaml:"queue_size"`
	DrainTimeout string `toml:"drain_timeout" yaml:"drain_timeout"`
	Hook         string `toml:"hook" yaml:"hook"`
	Sink         string `toml:"sink" yaml:"sink"`
	// Target is the connector address used by the hook or sink, for
	// example file:///var/spool/babelor/inbox.
	Target string `toml:"target" yaml:"target"`
}

// Default returns the four-role pipeline on localhost with a file sink on
// the receiver.
func Default() Config {
	cfg := Config{
		Message: MessageConfig{
			Format:     string(message.FormatJSON),
			Coding:     message.DefaultCoding,
			TimeLayout: message.DefaultTimeLayout,
		},
		Metrics: MetricsConfig{
			Addr:      ":9090",
			Namespace: "babelor",
		},
	}
	for _, role := range stage.Roles() {
		sc := StageConfig{Role: string(role), Hook: HookPass}
		if role == stage.RoleReceiver {
			sc.Sink = SinkFile
			sc.Target = "file:///var/spool/babelor/inbox"
		}
		cfg.Stages = append(cfg.Stages, sc)
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, choosing the decoder by extension (.toml, .yaml, .yml),
// then applies defaults, environment overrides and validation.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, ErrUnsupportedExtension)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	if len(cfg.Stages) == 0 {
		cfg.Stages = Default().Stages
	}
	cfg.applyDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Message.Format == "" {
		c.Message.Format = string(message.FormatJSON)
	}
	if c.Message.Coding == "" {
		c.Message.Coding = message.DefaultCoding
	}
	if c.Message.TimeLayout == "" {
		c.Message.TimeLayout = message.DefaultTimeLayout
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "babelor"
	}
	for i := range c.Stages {
		s := &c.Stages[i]
		s.Role = strings.ToLower(strings.TrimSpace(s.Role))
		role := stage.Role(s.Role)
		if s.Listen == "" && role.Port() != 0 {
			s.Listen = role.ListenAddress().String()
		}
		if s.Next == "" && !s.Terminal {
			if next, ok := role.Next(); ok {
				s.Next = next.Address("127.0.0.1").String()
			}
		}
		if s.Workers == 0 {
			s.Workers = 1
		}
		if s.QueueSize == 0 {
			s.QueueSize = 100
		}
		if s.DrainTimeout == "" {
			s.DrainTimeout = "5s"
		}
		if s.Hook == "" {
			s.Hook = HookPass
		}
	}
}

// ApplyEnv overrides message and metrics settings from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvFormat)); v != "" {
		c.Message.Format = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCoding)); v != "" {
		c.Message.Coding = v
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		c.Metrics.Addr = strings.TrimSpace(v)
	}
}

// Validate checks every stage and the shared message settings.
func (c Config) Validate() error {
	if _, err := message.ParseFormat(c.Message.Format); err != nil {
		return fmt.Errorf("message config invalid: %w", err)
	}
	if err := message.CheckCoding(c.Message.Coding); err != nil {
		return fmt.Errorf("message config invalid: %w", err)
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("config has no stages")
	}
	seen := make(map[string]bool)
	for i, s := range c.Stages {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("stage[%d] invalid: %w", i, err)
		}
		if seen[s.Listen] {
			return fmt.Errorf("stage[%d] invalid: listen %s used twice", i, s.Listen)
		}
		seen[s.Listen] = true
	}
	return nil
}

// Validate checks a single stage entry.
func (s StageConfig) Validate() error {
	if _, err := stage.ParseRole(s.Role); err != nil {
		return err
	}
	if _, err := address.Parse(s.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if s.Next != "" && !s.Terminal {
		if _, err := address.Parse(s.Next); err != nil {
			return fmt.Errorf("next: %w", err)
		}
	}
	if s.Workers < 0 || s.QueueSize < 0 {
		return fmt.Errorf("workers and queue_size must not be negative")
	}
	if _, err := time.ParseDuration(s.DrainTimeout); err != nil {
		return fmt.Errorf("drain_timeout: %w", err)
	}
	switch s.Hook {
	case HookPass:
	case HookFileRead:
		if s.Target == "" {
			return fmt.Errorf("hook %s requires target", s.Hook)
		}
	default:
		return fmt.Errorf("unknown hook %q", s.Hook)
	}
	switch s.Sink {
	case SinkNone:
	case SinkFile, SinkMail:
		if s.Target == "" {
			return fmt.Errorf("sink %s requires target", s.Sink)
		}
	default:
		return fmt.Errorf("unknown sink %q", s.Sink)
	}
	if s.Target != "" {
		if _, err := address.Parse(s.Target); err != nil {
			return fmt.Errorf("target: %w", err)
		}
	}
	return nil
}

// EnvelopeConfig returns the envelope settings.
func (c Config) EnvelopeConfig() message.Config {
	return message.Config{
		Coding:     c.Message.Coding,
		TimeLayout: c.Message.TimeLayout,
	}
}

// Stage returns the entry for role.
func (c Config) Stage(role stage.Role) (StageConfig, bool) {
	for _, s := range c.Stages {
		if s.Role == string(role) {
			return s, true
		}
	}
	return StageConfig{}, false
}

// Build converts entry s to a stage.Config.
func (c Config) Build(s StageConfig) (stage.Config, error) {
	format, err := message.ParseFormat(c.Message.Format)
	if err != nil {
		return stage.Config{}, err
	}
	listen, err := address.Parse(s.Listen)
	if err != nil {
		return stage.Config{}, fmt.Errorf("listen: %w", err)
	}
	drain, err := time.ParseDuration(s.DrainTimeout)
	if err != nil {
		return stage.Config{}, fmt.Errorf("drain_timeout: %w", err)
	}

	out := stage.Config{
		Role:         stage.Role(s.Role),
		Listen:       listen,
		Format:       format,
		Workers:      s.Workers,
		QueueSize:    s.QueueSize,
		DrainTimeout: drain,
		Message:      c.EnvelopeConfig(),
	}
	if s.Next != "" && !s.Terminal {
		if out.Next, err = address.Parse(s.Next); err != nil {
			return stage.Config{}, fmt.Errorf("next: %w", err)
		}
	}
	return out, nil
}
