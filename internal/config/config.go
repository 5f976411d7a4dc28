// Package config handles configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultEndpoint is the stream endpoint used when none is configured.
const DefaultEndpoint = "wss://api.openai.com/v1/stream"

// Config represents the modflow configuration.
type Config struct {
	Stream   StreamConfig              `toml:"stream"`
	Provider map[string]ProviderConfig `toml:"provider"`
	Source   SourceConfig              `toml:"source"`
	Pipeline PipelineConfig            `toml:"pipeline"`
	Logging  LoggingConfig             `toml:"logging"`
}

// StreamConfig selects where module prompts are answered.
type StreamConfig struct {
	Endpoint string `toml:"endpoint"`
	// Provider is "websocket" or the name of an SDK provider.
	Provider string   `toml:"provider"`
	APIToken string   `toml:"api_token"`
	Timeout  Duration `toml:"timeout"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	APIKey    string `toml:"api_key"`
	BaseURL   string `toml:"base_url"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
}

// SourceConfig holds content source settings.
type SourceConfig struct {
	URL       string   `toml:"url"`
	UserAgent string   `toml:"user_agent"`
	Timeout   Duration `toml:"timeout"`
	MaxBytes  int64    `toml:"max_bytes"`
	// Require fails a run that has no source URL or stream credential.
	Require bool `toml:"require"`
}

// PipelineConfig holds pipeline settings.
type PipelineConfig struct {
	ModulesFile string `toml:"modules_file"`
	MaxSessions int    `toml:"max_sessions"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	if d.Duration == 0 {
		return []byte(""), nil
	}
	return []byte(d.Duration.String()), nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads configuration from path, which may not exist, and applies
// environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.expandPaths()

	return cfg, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	if p := os.Getenv("MODFLOW_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(StateDir(), "config.toml")
}

// StateDir returns the modflow state directory.
func StateDir() string {
	if p := os.Getenv("MODFLOW_STATE_DIR"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".modflow")
}

// ModulesPath returns the configured module definitions path.
func (c *Config) ModulesPath() string {
	if c.Pipeline.ModulesFile != "" {
		return c.Pipeline.ModulesFile
	}
	return filepath.Join(StateDir(), "modules.toml")
}

// LogsDir returns the logs directory.
func LogsDir() string {
	return filepath.Join(StateDir(), "logs")
}

func defaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			Endpoint: DefaultEndpoint,
			Provider: "websocket",
		},
		Provider: make(map[string]ProviderConfig),
		Source: SourceConfig{
			Timeout: Duration{30 * time.Second},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func (c *Config) applyEnv() {
	if c.Provider == nil {
		c.Provider = make(map[string]ProviderConfig)
	}

	if token := os.Getenv("MODFLOW_API_TOKEN"); token != "" {
		c.Stream.APIToken = token
	}
	if endpoint := os.Getenv("MODFLOW_ENDPOINT"); endpoint != "" {
		c.Stream.Endpoint = endpoint
	}
	if url := os.Getenv("MODFLOW_SOURCE_URL"); url != "" {
		c.Source.URL = url
	}

	// Anthropic
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p := c.Provider["anthropic"]
		p.APIKey = key
		c.Provider["anthropic"] = p
	}

	// OpenAI
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p := c.Provider["openai"]
		p.APIKey = key
		c.Provider["openai"] = p
	}
}

func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		if strings.HasPrefix(p, "$HOME/") {
			return filepath.Join(home, p[6:])
		}
		return p
	}

	c.Pipeline.ModulesFile = expand(c.Pipeline.ModulesFile)
	c.Logging.File = expand(c.Logging.File)
}

// Credential reports whether the selected stream backend has a credential.
func (c *Config) Credential() bool {
	if c.Stream.Provider == "" || c.Stream.Provider == "websocket" {
		return c.Stream.APIToken != ""
	}
	return c.Provider[c.Stream.Provider].APIKey != ""
}

// Save writes the config to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}

// Get returns the value at a dotted key such as "stream.endpoint" or
// "provider.openai.model".
func (c *Config) Get(key string) (string, error) {
	parts := strings.Split(key, ".")
	if parts[0] == "provider" {
		if len(parts) != 3 {
			return "", fmt.Errorf("unknown key %q", key)
		}
		p, ok := c.Provider[parts[1]]
		if !ok {
			return "", fmt.Errorf("provider %q is not configured", parts[1])
		}
		return field(reflect.ValueOf(p), parts[2], key)
	}
	if len(parts) != 2 {
		return "", fmt.Errorf("unknown key %q", key)
	}
	section, ok := fieldByTag(reflect.ValueOf(*c), parts[0])
	if !ok {
		return "", fmt.Errorf("unknown key %q", key)
	}
	return field(section, parts[1], key)
}

// Keys lists every dotted key Get accepts outside the provider tables.
func Keys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Type.Kind() != reflect.Struct {
			continue
		}
		section := f.Tag.Get("toml")
		for j := 0; j < f.Type.NumField(); j++ {
			keys = append(keys, section+"."+f.Type.Field(j).Tag.Get("toml"))
		}
	}
	sort.Strings(keys)
	return keys
}

func fieldByTag(v reflect.Value, tag string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("toml") == tag {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func field(section reflect.Value, name, key string) (string, error) {
	v, ok := fieldByTag(section, name)
	if !ok {
		return "", fmt.Errorf("unknown key %q", key)
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		if d, ok := s.(Duration); ok && d.Duration == 0 {
			return "", nil
		}
		return s.String(), nil
	}
	return fmt.Sprint(v.Interface()), nil
}

// EnsureDirs creates necessary directories.
func EnsureDirs() error {
	for _, dir := range []string{StateDir(), LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
