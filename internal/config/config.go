package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults shared by DefaultConfig and Normalize.
const (
	DefaultListen         = "127.0.0.1:8090"
	DefaultStorePath      = "./scheduled_tasks.json"
	DefaultInjectURL      = "http://localhost:8000/api/inject-task-prompt"
	DefaultPollInterval   = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultCatchUpWindow  = 5 * time.Minute
	DefaultRegistryPath   = "./taskcal-registry.db"

	RegistryMemory = "memory"
	RegistrySQLite = "sqlite"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvInjectURL    = "MAIN_APP_INJECTION_URL"
	EnvStorePath    = "TASKCAL_STORE_PATH"
	EnvPollInterval = "TASKCAL_POLL_INTERVAL"
	EnvLogLevel     = "TASKCAL_LOG_LEVEL"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the operator API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// RegistryConfig selects where fired one-off ids and delivered repeat
// occurrences are remembered.
type RegistryConfig struct {
	// Driver is "memory" (default, forgotten on restart) or "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	// Path is the SQLite database file, used only by the sqlite driver.
	Path string `yaml:"path" json:"path"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // console | json
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the operator API. Empty
	// disables the API.
	Listen string `yaml:"listen" json:"listen"`

	// StorePath is the JSON file holding the task collection.
	StorePath string `yaml:"store_path" json:"store_path"`

	// InjectURL is the endpoint due prompts are POSTed to.
	InjectURL string `yaml:"inject_url" json:"inject_url"`

	// Durations are Go duration strings ("10s", "5m").
	PollInterval   string `yaml:"poll_interval" json:"poll_interval"`
	RequestTimeout string `yaml:"request_timeout" json:"request_timeout"`
	CatchUpWindow  string `yaml:"catch_up_window" json:"catch_up_window"`
	// GraceWindow empty means twice the poll interval.
	GraceWindow string `yaml:"grace_window" json:"grace_window"`

	// DeliveryConcurrency bounds parallel deliveries inside one cycle.
	DeliveryConcurrency int `yaml:"delivery_concurrency" json:"delivery_concurrency"`
	// DeliveryRatePerSec limits outbound calls; 0 disables limiting.
	DeliveryRatePerSec float64 `yaml:"delivery_rate_per_sec" json:"delivery_rate_per_sec"`

	// ArchiveExhausted marks tasks that can never fire again as
	// "exhausted" instead of re-evaluating them forever.
	ArchiveExhausted bool `yaml:"archive_exhausted" json:"archive_exhausted"`

	// WatchStore wakes the poll loop early when the store file changes.
	// Nil means enabled.
	WatchStore *bool `yaml:"watch_store,omitempty" json:"watch_store,omitempty"`

	Registry RegistryConfig `yaml:"registry" json:"registry"`
	Log      LogConfig      `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// Timings are the parsed duration fields of a Config.
type Timings struct {
	Poll           time.Duration
	RequestTimeout time.Duration
	CatchUp        time.Duration
	Grace          time.Duration
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              DefaultListen,
		StorePath:           DefaultStorePath,
		InjectURL:           DefaultInjectURL,
		PollInterval:        DefaultPollInterval.String(),
		RequestTimeout:      DefaultRequestTimeout.String(),
		CatchUpWindow:       DefaultCatchUpWindow.String(),
		DeliveryConcurrency: 1,
		Registry:            RegistryConfig{Driver: RegistryMemory, Path: DefaultRegistryPath},
		Log:                 LogConfig{Level: "info", Format: "console"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. Listen is left alone
// because empty is meaningful there.
func (c *Config) Normalize() {
	if c.StorePath == "" {
		c.StorePath = DefaultStorePath
	}
	if c.InjectURL == "" {
		c.InjectURL = DefaultInjectURL
	}
	if strings.TrimSpace(c.PollInterval) == "" {
		c.PollInterval = DefaultPollInterval.String()
	}
	if strings.TrimSpace(c.RequestTimeout) == "" {
		c.RequestTimeout = DefaultRequestTimeout.String()
	}
	if strings.TrimSpace(c.CatchUpWindow) == "" {
		c.CatchUpWindow = DefaultCatchUpWindow.String()
	}
	if c.DeliveryConcurrency <= 0 {
		c.DeliveryConcurrency = 1
	}
	if c.DeliveryRatePerSec < 0 {
		c.DeliveryRatePerSec = 0
	}

	c.Registry.Driver = strings.ToLower(strings.TrimSpace(c.Registry.Driver))
	if c.Registry.Driver == "" {
		c.Registry.Driver = RegistryMemory
	}
	if c.Registry.Path == "" {
		c.Registry.Path = DefaultRegistryPath
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch strings.ToLower(c.Log.Format) {
	case "json":
		c.Log.Format = "json"
	default:
		c.Log.Format = "console"
	}

	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// WatchEnabled reports whether the store watcher should run.
func (c *Config) WatchEnabled() bool {
	return c.WatchStore == nil || *c.WatchStore
}

// Timings parses the duration fields. The grace window defaults to twice
// the poll interval.
func (c *Config) Timings() (Timings, error) {
	var (
		t   Timings
		err error
	)
	if t.Poll, err = ParseDurationOrDefault("poll_interval", c.PollInterval, DefaultPollInterval); err != nil {
		return Timings{}, err
	}
	if t.RequestTimeout, err = ParseDurationOrDefault("request_timeout", c.RequestTimeout, DefaultRequestTimeout); err != nil {
		return Timings{}, err
	}
	if t.CatchUp, err = ParseDurationOrDefault("catch_up_window", c.CatchUpWindow, DefaultCatchUpWindow); err != nil {
		return Timings{}, err
	}
	if t.Grace, err = ParseDurationOrDefault("grace_window", c.GraceWindow, 2*t.Poll); err != nil {
		return Timings{}, err
	}
	return t, nil
}

// Validate reports misconfiguration that should abort startup.
func (c *Config) Validate() error {
	var errs []error

	if t, err := c.Timings(); err != nil {
		errs = append(errs, err)
	} else if t.Poll < time.Second || t.Poll%time.Second != 0 {
		// The loop ticks on whole seconds.
		errs = append(errs, fmt.Errorf("poll_interval: %s is not a whole number of seconds", t.Poll))
	}

	u, err := url.Parse(c.InjectURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("inject_url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("inject_url: unsupported scheme %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("inject_url: missing host"))
	}

	switch c.Registry.Driver {
	case RegistryMemory, RegistrySQLite:
	default:
		errs = append(errs, fmt.Errorf("registry.driver: unknown driver %q", c.Registry.Driver))
	}

	if strings.TrimSpace(c.StorePath) == "" {
		errs = append(errs, errors.New("store_path: empty"))
	}

	return errors.Join(errs...)
}

// ApplyEnv overrides fields from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvInjectURL); ok && strings.TrimSpace(v) != "" {
		c.InjectURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvStorePath); ok && strings.TrimSpace(v) != "" {
		c.StorePath = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvPollInterval); ok && strings.TrimSpace(v) != "" {
		c.PollInterval = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		c.Log.Level = strings.TrimSpace(v)
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Environment overrides are not applied here so that Save never persists
// them; callers use ApplyEnv.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".taskcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
