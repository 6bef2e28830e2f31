// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbeema/streamtap/pkg/asyncio"
	"github.com/mbeema/streamtap/pkg/hook"
	"github.com/mbeema/streamtap/pkg/intercept"
	"github.com/mbeema/streamtap/pkg/redact"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the streamtap agent.
type Config struct {
	ServiceName string          `yaml:"service_name" env:"STREAMTAP_SERVICE_NAME"`
	LogLevel    string          `yaml:"log_level" env:"STREAMTAP_LOG_LEVEL"`
	Hook        HookConfig      `yaml:"hook"`
	Resolver    ResolverConfig  `yaml:"resolver"`
	Capture     CaptureConfig   `yaml:"capture"`
	Exporters   ExportersConfig `yaml:"exporters"`
	Redaction   RedactionConfig `yaml:"redaction"`
	Health      HealthConfig    `yaml:"health"`
}

type HookConfig struct {
	Enabled  bool           `yaml:"enabled"`
	OnDemand bool           `yaml:"on_demand"` // Start dormant; activate on reload
	Debug    bool           `yaml:"debug"`     // Also log every capture
	Methods  []MethodConfig `yaml:"methods"`
}

// MethodConfig names one hooked operation and the direction of its data.
type MethodConfig struct {
	Type   string `yaml:"type"`
	Method string `yaml:"method"`
	Kind   string `yaml:"kind"` // "send" or "receive"
}

type ResolverConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

type CaptureConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	MaxBufferSize  int           `yaml:"max_buffer_size"` // Per direction, per connection
	StaleAfter     time.Duration `yaml:"stale_after"`
	DetectProtocol bool          `yaml:"detect_protocol"`
}

type ExportersConfig struct {
	OTLP      OTLPConfig      `yaml:"otlp"`
	Stdout    StdoutConfig    `yaml:"stdout"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type OTLPConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Endpoint      string        `yaml:"endpoint"`
	Insecure      bool          `yaml:"insecure"`
	Compression   string        `yaml:"compression"` // "gzip" or "none"
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// WebSocketConfig configures the live capture feed served on the health port.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"STREAMTAP_HEALTH_PORT"` // e.g. ":8686"
}

// RedactionConfig configures PII redaction.
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rules   []RedactionRule `yaml:"rules"`
}

// RedactionRule is a user-defined redaction pattern.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultMethods hooks the asyncio stream's completions.
func DefaultMethods() []MethodConfig {
	return []MethodConfig{
		{Type: asyncio.TypeName, Method: asyncio.SigEndRead.Method, Kind: "receive"},
		{Type: asyncio.TypeName, Method: asyncio.SigEndWrite.Method, Kind: "send"},
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "streamtap",
		LogLevel:    "info",
		Hook: HookConfig{
			Enabled: true,
			Methods: DefaultMethods(),
		},
		Resolver: ResolverConfig{
			MaxDepth: 8,
		},
		Capture: CaptureConfig{
			QueueSize:      10000,
			MaxBufferSize:  256 * 1024,
			StaleAfter:     5 * time.Minute,
			DetectProtocol: true,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:       false,
				Endpoint:      "localhost:4317",
				Insecure:      true,
				Compression:   "gzip",
				BatchSize:     512,
				FlushInterval: 5 * time.Second,
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Path:    "/captures",
			},
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml      → service_name, log_level, hook, resolver, health
//   - capture.yaml   → capture, redaction
//   - exporters.yaml → exporters
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "capture.yaml", "exporters.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads STREAMTAP_* environment variables and applies
// them to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnv(os.Getenv)
}

// ApplyEnvFile applies STREAMTAP_* assignments from a dotenv file. Variables
// already present in the process environment take precedence over the file.
func (c *Config) ApplyEnvFile(path string) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	c.applyEnv(func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return vars[key]
	})
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	envOverrides := map[string]func(string){
		"STREAMTAP_SERVICE_NAME":               func(v string) { c.ServiceName = v },
		"STREAMTAP_LOG_LEVEL":                  func(v string) { c.LogLevel = v },
		"STREAMTAP_HEALTH_PORT":                func(v string) { c.Health.Port = v },
		"STREAMTAP_EXPORTERS_OTLP_ENDPOINT":    func(v string) { c.Exporters.OTLP.Endpoint = v },
		"STREAMTAP_EXPORTERS_OTLP_COMPRESSION": func(v string) { c.Exporters.OTLP.Compression = v },
		"STREAMTAP_EXPORTERS_WEBSOCKET_PATH":   func(v string) { c.Exporters.WebSocket.Path = v },
	}

	boolOverrides := map[string]*bool{
		"STREAMTAP_HOOK_ENABLED":                &c.Hook.Enabled,
		"STREAMTAP_HOOK_ON_DEMAND":              &c.Hook.OnDemand,
		"STREAMTAP_HOOK_DEBUG":                  &c.Hook.Debug,
		"STREAMTAP_EXPORTERS_OTLP_ENABLED":      &c.Exporters.OTLP.Enabled,
		"STREAMTAP_EXPORTERS_OTLP_INSECURE":     &c.Exporters.OTLP.Insecure,
		"STREAMTAP_EXPORTERS_STDOUT_ENABLED":    &c.Exporters.Stdout.Enabled,
		"STREAMTAP_EXPORTERS_WEBSOCKET_ENABLED": &c.Exporters.WebSocket.Enabled,
		"STREAMTAP_HEALTH_ENABLED":              &c.Health.Enabled,
		"STREAMTAP_REDACTION_ENABLED":           &c.Redaction.Enabled,
	}

	intOverrides := map[string]*int{
		"STREAMTAP_RESOLVER_MAX_DEPTH":      &c.Resolver.MaxDepth,
		"STREAMTAP_CAPTURE_QUEUE_SIZE":      &c.Capture.QueueSize,
		"STREAMTAP_CAPTURE_MAX_BUFFER_SIZE": &c.Capture.MaxBufferSize,
	}

	for envKey, setter := range envOverrides {
		if val := getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// MethodTable maps each configured operation to its direction.
func (h *HookConfig) MethodTable() (map[hook.Signature]intercept.Kind, error) {
	table := make(map[hook.Signature]intercept.Kind, len(h.Methods))
	for i, m := range h.Methods {
		sig, err := hook.ParseSignature(m.Type + "::" + m.Method)
		if err != nil {
			return nil, fmt.Errorf("hook.methods[%d]: %w", i, err)
		}
		kind, err := intercept.ParseKind(m.Kind)
		if err != nil {
			return nil, fmt.Errorf("hook.methods[%d] %s: %w", i, sig, err)
		}
		if _, dup := table[sig]; dup {
			return nil, fmt.Errorf("hook.methods[%d]: %s listed twice", i, sig)
		}
		table[sig] = kind
	}
	return table, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	if c.Hook.Enabled {
		if len(c.Hook.Methods) == 0 {
			return fmt.Errorf("hook.methods is required when hook is enabled")
		}
		if _, err := c.Hook.MethodTable(); err != nil {
			return err
		}
	}

	if c.Resolver.MaxDepth < 0 {
		return fmt.Errorf("resolver.max_depth must not be negative")
	}

	if c.Capture.QueueSize <= 0 {
		return fmt.Errorf("capture.queue_size must be positive")
	}
	if c.Capture.MaxBufferSize <= 0 {
		return fmt.Errorf("capture.max_buffer_size must be positive")
	}
	if c.Capture.StaleAfter < time.Second {
		return fmt.Errorf("capture.stale_after must be at least 1s")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		switch c.Exporters.OTLP.Compression {
		case "", "gzip", "none":
		default:
			return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
		}
	}

	if c.Exporters.Stdout.Enabled && c.Exporters.Stdout.Format != "text" && c.Exporters.Stdout.Format != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	if c.Exporters.WebSocket.Enabled {
		if !strings.HasPrefix(c.Exporters.WebSocket.Path, "/") {
			return fmt.Errorf("exporters.websocket.path must start with '/'")
		}
		if !c.Health.Enabled {
			return fmt.Errorf("exporters.websocket requires the health server")
		}
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}

	if _, err := c.Redaction.CompileRules(); err != nil {
		return err
	}

	return nil
}

// CompileRules compiles the configured redaction rules.
func (r *RedactionConfig) CompileRules() ([]redact.Rule, error) {
	rules := make([]redact.Rule, 0, len(r.Rules))
	for i, rr := range r.Rules {
		rule, err := redact.CompileRule(rr.Name, rr.Pattern, rr.Replacement)
		if err != nil {
			return nil, fmt.Errorf("redaction.rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
