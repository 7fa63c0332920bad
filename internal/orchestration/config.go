package orchestration

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire orchestration configuration.
type Config struct {
	Bus            BusConfig            `yaml:"bus"`
	Fusion         FusionYAML           `yaml:"fusion"`
	Kernel         KernelYAML           `yaml:"kernel"`
	Logging        LoggingConfig        `yaml:"logging"`
	Resources      []ResourceYAML       `yaml:"resources"`
	FusionRules    []FusionRule         `yaml:"fusion_rules"`
	PolicyBindings []PolicyBinding      `yaml:"policy_bindings"`
	Workflows      []WorkflowDefinition `yaml:"workflows"`
	RateLimits     map[string]int       `yaml:"rate_limits"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// FusionYAML holds fusion bus settings in config-friendly units.
type FusionYAML struct {
	MaxBufferSize      int `yaml:"max_buffer_size"`
	MaxHistory         int `yaml:"max_history"`
	DebounceTTLSeconds int `yaml:"debounce_ttl_seconds"`
	EventMaxAgeSeconds int `yaml:"event_max_age_seconds"`
}

// KernelYAML holds kernel run loop settings in config-friendly units.
type KernelYAML struct {
	FuseIntervalSeconds  int    `yaml:"fuse_interval_seconds"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	PassthroughPriority  string `yaml:"passthrough_priority"`
	MaxActionHistory     int    `yaml:"max_action_history"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ResourceYAML declares one pool resource.
type ResourceYAML struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Status string `yaml:"status"`
}

// DefaultConfig returns a Config with sane defaults — zero-config works out
// of the box, without a bus.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Fusion: FusionYAML{
			MaxBufferSize:      1000,
			MaxHistory:         5000,
			DebounceTTLSeconds: 10,
			EventMaxAgeSeconds: 600,
		},
		Kernel: KernelYAML{
			FuseIntervalSeconds:  2,
			SweepIntervalSeconds: 30,
			PassthroughPriority:  "CRITICAL",
			MaxActionHistory:     5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// FusionBusConfig converts the YAML fusion section to internal units.
func (c *Config) FusionBusConfig() FusionBusConfig {
	out := DefaultFusionBusConfig()
	if c.Fusion.MaxBufferSize > 0 {
		out.MaxBufferSize = c.Fusion.MaxBufferSize
	}
	if c.Fusion.MaxHistory > 0 {
		out.MaxHistory = c.Fusion.MaxHistory
	}
	if c.Fusion.DebounceTTLSeconds > 0 {
		out.DebounceTTL = time.Duration(c.Fusion.DebounceTTLSeconds) * time.Second
	}
	if c.Fusion.EventMaxAgeSeconds > 0 {
		out.EventMaxAge = time.Duration(c.Fusion.EventMaxAgeSeconds) * time.Second
	}
	return out
}

// KernelConfig converts the YAML kernel section to internal units.
func (c *Config) KernelConfig() KernelConfig {
	out := DefaultKernelConfig()
	if c.Kernel.FuseIntervalSeconds > 0 {
		out.FuseInterval = time.Duration(c.Kernel.FuseIntervalSeconds) * time.Second
	}
	if c.Kernel.SweepIntervalSeconds > 0 {
		out.SweepInterval = time.Duration(c.Kernel.SweepIntervalSeconds) * time.Second
	}
	if c.Kernel.PassthroughPriority != "" {
		out.PassthroughPriority = ParsePriority(c.Kernel.PassthroughPriority)
	}
	if c.Kernel.MaxActionHistory > 0 {
		out.MaxActionHistory = c.Kernel.MaxActionHistory
	}
	return out
}

// Apply registers the declarative sections (resources, fusion rules, policy
// bindings, workflows, rate limits) on a kernel. Invalid entries are
// reported; valid entries still register.
func (c *Config) Apply(k *Kernel) error {
	var errs []string

	for _, r := range c.Resources {
		k.Resources.AddResource(r.ID, r.Type, ResourceStatus(strings.ToUpper(r.Status)))
	}
	for i := range c.FusionRules {
		rule := c.FusionRules[i]
		if err := k.Fusion.AddFusionRule(&rule); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for i := range c.PolicyBindings {
		binding := c.PolicyBindings[i]
		if err := k.Policy.AddBinding(&binding); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for i := range c.Workflows {
		wf := c.Workflows[i]
		if err := k.Engine.RegisterWorkflow(&wf); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for source, n := range c.RateLimits {
		k.Fusion.SetRateLimit(source, n)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config apply: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
