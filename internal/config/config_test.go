package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the developer's own config files out of the test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("MCCEBENCH_CONFIG", "")
	root := t.TempDir()
	t.Setenv("MCCEBENCH_RUN_ROOT", root)
	return root
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		root := isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, root, cfg.RunRoot)
		assert.Equal(t, "book.txt", cfg.Book)
		assert.Equal(t, "default_run", cfg.JobName)
		assert.Equal(t, 10, cfg.NActive)
		assert.Equal(t, "pK.out", cfg.SentinelFile)
		assert.Equal(t, PollerPgrep, cfg.Poller)
		assert.Equal(t, time.Minute, cfg.Interval)
		assert.False(t, cfg.ScopeToRoot)
		assert.NotEmpty(t, cfg.User, "user falls back to the invoking user")
		assert.True(t, cfg.History.Enabled)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Format)
		assert.Empty(t, cfg.ConfigFile)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"n_active": 3,
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.NActive)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Format)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("MCCEBENCH_N_ACTIVE", "4")
		t.Setenv("MCCEBENCH_LOG_LEVEL", "warn")
		t.Setenv("MCCEBENCH_HISTORY_ENABLED", "false")
		t.Setenv("MCCEBENCH_DISCOVER_EXCLUDE", "tmp*,old*")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.NActive)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.History.Enabled)
		assert.Empty(t, cfg.HistoryPath())
		assert.Equal(t, []string{"tmp*", "old*"}, cfg.Discover.Exclude)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		root := isolate(t)
		require.NoError(t, os.WriteFile(filepath.Join(root, FileName),
			[]byte("n_active: 6\njob_name: mcce_run\nsentinel_file: step4.out\n"), 0644))
		t.Setenv("MCCEBENCH_N_ACTIVE", "7")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, FileName), cfg.ConfigFile)
		assert.Equal(t, "mcce_run", cfg.JobName, "file beats default")
		assert.Equal(t, "step4.out", cfg.SentinelFile)
		assert.Equal(t, 7, cfg.NActive, "env beats file")

		cfg, err = Load(ctx, map[string]any{"n_active": 8})
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.NActive, "override beats env")
	})

	t.Run("ExplicitConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("interval: 5m\npoller: procfs\n"), 0644))

		cfg, err := Load(ctx, map[string]any{"config_file": path})
		require.NoError(t, err)
		assert.Equal(t, 5*time.Minute, cfg.Interval)
		assert.Equal(t, PollerProcfs, cfg.Poller)

		_, err = Load(ctx, map[string]any{"config_file": filepath.Join(t.TempDir(), "missing.yaml")})
		assert.Error(t, err)
	})

	t.Run("Invalid", func(t *testing.T) {
		isolate(t)
		_, err := Load(ctx, map[string]any{"n_active": 0})
		assert.ErrorContains(t, err, "n_active")

		_, err = Load(ctx, map[string]any{"poller": "ps"})
		assert.ErrorContains(t, err, "poller")
	})
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("MCCEBENCH_INTERVAL", "90s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Interval)
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"n_active": 5})
	require.NoError(t, err)

	got := GetConfig()
	require.NotNil(t, got)
	assert.Equal(t, cfg.NActive, got.NActive)
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{RunRoot: "/data/RUNS", History: HistoryConfig{Enabled: true}}
	assert.Equal(t, "/data/RUNS/.mccebench/history.db", cfg.HistoryPath())

	cfg.History.Path = "/var/lib/mcce/h.db"
	assert.Equal(t, "/var/lib/mcce/h.db", cfg.HistoryPath())

	cfg.Logging.File = "benchmark.log"
	assert.Equal(t, "/data/RUNS/benchmark.log", cfg.LogFilePath())
	cfg.Logging.File = "/tmp/x.log"
	assert.Equal(t, "/tmp/x.log", cfg.LogFilePath())
	cfg.Logging.File = "-"
	assert.Empty(t, cfg.LogFilePath())
}

func TestBatchConfig(t *testing.T) {
	cfg := &Config{RunRoot: "/r", Book: "b.txt", JobName: "j", NActive: 2, SentinelFile: "s", User: "u", ScopeToRoot: true}
	b := cfg.Batch()
	assert.Equal(t, "/r", b.RunRoot)
	assert.Equal(t, "b.txt", b.BookName)
	assert.Equal(t, 2, b.Cap)
	assert.True(t, b.ScopeToRoot)
	assert.NoError(t, b.Validate())
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.Equal(t, "mcce_benchmarks/RUNS", v.GetString("run_root"))
	assert.Equal(t, 10, v.GetInt("n_active"))
	assert.Equal(t, "1m", v.GetString("interval"))
	assert.Equal(t, "benchmark.log", v.GetString("logging.file"))
	assert.True(t, v.GetBool("history.enabled"))
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		isolate(t)
		_, _ = Load(context.Background())
	}()

	assert.Empty(t, getEnvSpecs())
	assert.Empty(t, getUserConfigPaths())
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := map[string]bool{}
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "MCCEBENCH_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = true
	}
	assert.True(t, names["MCCEBENCH_RUN_ROOT"])
	assert.True(t, names["MCCEBENCH_N_ACTIVE"])
	assert.True(t, names["MCCEBENCH_LOG_LEVEL"])
}
