// Package config loads mccebench settings from defaults, an optional YAML
// file, MCCEBENCH_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/mccebench/pkg/batch"
	"github.com/3leaps/mccebench/pkg/book"
	"github.com/3leaps/mccebench/pkg/history"
)

// Poller backends.
const (
	PollerPgrep  = "pgrep"
	PollerProcfs = "procfs"
)

// FileName is looked up inside the run root when no config file is given.
const FileName = "mccebench.yaml"

// Identity names the application for env prefixes and user config paths.
type Identity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is the identity used by the mccebench binary.
var DefaultIdentity = Identity{
	BinaryName: "mccebench",
	ConfigName: "mccebench",
	EnvPrefix:  "MCCEBENCH_",
}

type Config struct {
	RunRoot      string        `mapstructure:"run_root"`
	Book         string        `mapstructure:"book"`
	JobName      string        `mapstructure:"job_name"`
	NActive      int           `mapstructure:"n_active"`
	SentinelFile string        `mapstructure:"sentinel_file"`
	User         string        `mapstructure:"user"`
	ScopeToRoot  bool          `mapstructure:"scope_to_root"`
	Poller       string        `mapstructure:"poller"`
	ProcMount    string        `mapstructure:"proc_mount"`
	Interval     time.Duration `mapstructure:"interval"`

	Discover DiscoverConfig `mapstructure:"discover"`
	History  HistoryConfig  `mapstructure:"history"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// ConfigFile is the file that was read, empty when none was found.
	ConfigFile string `mapstructure:"-"`
}

// DiscoverConfig drives `book init`.
type DiscoverConfig struct {
	Requires string   `mapstructure:"requires"`
	Include  []string `mapstructure:"include"`
	Exclude  []string `mapstructure:"exclude"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File is relative to the run root unless absolute; "-" disables it.
	File string `mapstructure:"file"`
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *Identity
)

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("run_root", "mcce_benchmarks/RUNS")
	v.SetDefault("book", book.DefaultFileName)
	v.SetDefault("job_name", batch.DefaultJobName)
	v.SetDefault("n_active", batch.DefaultCap)
	v.SetDefault("sentinel_file", batch.DefaultSentinelFile)
	v.SetDefault("user", "")
	v.SetDefault("scope_to_root", false)
	v.SetDefault("poller", PollerPgrep)
	v.SetDefault("proc_mount", "/proc")
	v.SetDefault("interval", "1m")

	v.SetDefault("discover.requires", "")
	v.SetDefault("discover.include", []string{})
	v.SetDefault("discover.exclude", []string{})

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "benchmark.log")
}

// Load builds the effective configuration. Later overrides win over earlier
// ones and over every other source. An override key "config_file" names
// the YAML file to read.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	configMu.Lock()
	defer configMu.Unlock()

	id := DefaultIdentity
	appIdentity = &id

	v := viper.New()
	SetDefaults(v)
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(append([]string{spec.Path}, spec.Name)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	flat := map[string]any{}
	for _, o := range overrides {
		flatten("", o, flat)
	}
	for k, val := range flat {
		if k == "config_file" {
			continue
		}
		v.Set(k, val)
	}

	explicit, _ := flat["config_file"].(string)
	if explicit == "" {
		explicit = os.Getenv(id.EnvPrefix + "CONFIG")
	}
	path, err := resolveConfigFile(explicit, v.GetString("run_root"))
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = path
	if cfg.User == "" {
		cfg.User = currentUser()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = cfg
	return cfg, nil
}

// GetConfig returns the configuration from the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks values a pass cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RunRoot) == "" {
		errs = append(errs, errors.New("run_root is required"))
	}
	if c.NActive < 1 {
		errs = append(errs, fmt.Errorf("n_active must be >= 1, got %d", c.NActive))
	}
	switch c.Poller {
	case PollerPgrep, PollerProcfs:
	default:
		errs = append(errs, fmt.Errorf("poller must be %q or %q, got %q", PollerPgrep, PollerProcfs, c.Poller))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Batch returns the controller configuration.
func (c *Config) Batch() batch.Config {
	return batch.Config{
		RunRoot:      c.RunRoot,
		BookName:     c.Book,
		JobName:      c.JobName,
		Cap:          c.NActive,
		SentinelFile: c.SentinelFile,
		User:         c.User,
		ScopeToRoot:  c.ScopeToRoot,
	}
}

// HistoryPath is the journal location, or "" when the journal is disabled.
func (c *Config) HistoryPath() string {
	if !c.History.Enabled {
		return ""
	}
	if c.History.Path != "" {
		return c.History.Path
	}
	return history.DefaultPath(c.RunRoot)
}

// LogFilePath resolves the log file against the run root; "" disables it.
func (c *Config) LogFilePath() string {
	f := strings.TrimSpace(c.Logging.File)
	if f == "" || f == "-" {
		return ""
	}
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(c.RunRoot, f)
}

type envSpec struct {
	Name string
	Path string
}

func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return []envSpec{}
	}
	p := appIdentity.EnvPrefix
	return []envSpec{
		{Name: p + "RUN_ROOT", Path: "run_root"},
		{Name: p + "BOOK", Path: "book"},
		{Name: p + "JOB_NAME", Path: "job_name"},
		{Name: p + "N_ACTIVE", Path: "n_active"},
		{Name: p + "SENTINEL_FILE", Path: "sentinel_file"},
		{Name: p + "USER", Path: "user"},
		{Name: p + "SCOPE_TO_ROOT", Path: "scope_to_root"},
		{Name: p + "POLLER", Path: "poller"},
		{Name: p + "PROC_MOUNT", Path: "proc_mount"},
		{Name: p + "INTERVAL", Path: "interval"},
		{Name: p + "DISCOVER_REQUIRES", Path: "discover.requires"},
		{Name: p + "DISCOVER_INCLUDE", Path: "discover.include"},
		{Name: p + "DISCOVER_EXCLUDE", Path: "discover.exclude"},
		{Name: p + "HISTORY_ENABLED", Path: "history.enabled"},
		{Name: p + "HISTORY_PATH", Path: "history.path"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_FORMAT", Path: "logging.format"},
		{Name: p + "LOG_FILE", Path: "logging.file"},
	}
}

// getUserConfigPaths lists per-user config file candidates.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{
		filepath.Join(dir, appIdentity.ConfigName, "config.yaml"),
		filepath.Join(dir, appIdentity.ConfigName, "config.yml"),
	}
}

func resolveConfigFile(explicit, runRoot string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return explicit, nil
	}
	candidates := append([]string{filepath.Join(runRoot, FileName)}, getUserConfigPaths()...)
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := in[k].(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = in[k]
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
