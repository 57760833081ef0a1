package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Interactions.MaxConcurrent)
	assert.Equal(t, 24, cfg.Interactions.MaxQueue)
	assert.Equal(t, 20, cfg.Feed.DesiredCount)
	assert.Equal(t, 36*time.Hour, cfg.Priority.HalfLife)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
feed:
  desired_count: 50
  initial_horizon: 6h
  step_timeout: 5s
priority:
  pow_coefficient: 0.9
interactions:
  max_concurrent: 2
relays:
  - wss://relay.example
author_relays:
  alice:
    - wss://alice.example
authors: [alice, bob]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Feed.DesiredCount)
	assert.Equal(t, 6*time.Hour, cfg.Feed.InitialHorizon)
	assert.Equal(t, 5*time.Second, cfg.Feed.StepTimeout)
	assert.Equal(t, 500, cfg.Feed.MaxLimit, "unset field keeps default")
	assert.Equal(t, 0.9, cfg.Priority.PowCoefficient)
	assert.Equal(t, 0.3, cfg.Priority.FreshnessCoefficient)
	assert.Equal(t, 2, cfg.Interactions.MaxConcurrent)
	assert.Equal(t, 24, cfg.Interactions.MaxQueue)
	assert.Equal(t, []string{"wss://relay.example"}, cfg.Relays)
	assert.Equal(t, []string{"wss://alice.example"}, cfg.AuthorRelays["alice"])
	assert.Equal(t, []string{"alice", "bob"}, cfg.Authors)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feed: [unclosed"), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Authors = []string{"alice"}
	cfg.Feed.MaxHorizon = 48 * time.Hour
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("RELAYFEED_RELAYS", "wss://a.example, wss://b.example,")
	t.Setenv("RELAYFEED_AUTHORS", "alice")
	t.Setenv("RELAYFEED_MAX_CONCURRENT", "7")
	t.Setenv("RELAYFEED_API_ADDR", ":9999")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(filepath.Join(t.TempDir(), "missing.env")))

	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.Relays)
	assert.Equal(t, []string{"alice"}, cfg.Authors)
	assert.Equal(t, 7, cfg.Interactions.MaxConcurrent)
	assert.Equal(t, ":9999", cfg.API.Addr)
}

func TestApplyEnvReadsDotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RELAYFEED_MAX_QUEUE=11\n"), 0600))
	t.Setenv("RELAYFEED_MAX_QUEUE", "")
	os.Unsetenv("RELAYFEED_MAX_QUEUE")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(envFile))
	assert.Equal(t, 11, cfg.Interactions.MaxQueue)
	os.Unsetenv("RELAYFEED_MAX_QUEUE")
}

func TestApplyEnvBadInt(t *testing.T) {
	t.Setenv("RELAYFEED_DESIRED_COUNT", "many")
	cfg := DefaultConfig()
	assert.Error(t, cfg.ApplyEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad feed params", func(c *Config) { c.Feed.GrowthFast = 1 }},
		{"negative step delay", func(c *Config) { c.Feed.StepDelay = -time.Second }},
		{"negative coefficient", func(c *Config) { c.Priority.PowCoefficient = -1 }},
		{"negative scoring weight", func(c *Config) { c.Scoring.Reply = -0.1 }},
		{"zero concurrency", func(c *Config) { c.Interactions.MaxConcurrent = 0 }},
		{"negative queue", func(c *Config) { c.Interactions.MaxQueue = -1 }},
		{"zero trim", func(c *Config) { c.Interactions.TrimSize = 0 }},
		{"no relays", func(c *Config) { c.Relays = nil }},
		{"http relay", func(c *Config) { c.Relays = []string{"https://relay.example"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Relays = nil
	cfg.AuthorRelays = map[string][]string{"alice": {"wss://alice.example"}}
	assert.NoError(t, cfg.Validate(), "author relays alone are enough")
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []*Config
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) {
			mu.Lock()
			got = append(got, c)
			mu.Unlock()
		})
	}()

	// Give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0600))
	require.NoError(t, os.WriteFile(path, []byte("interactions:\n  max_concurrent: 9\n"), 0600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Interactions.MaxConcurrent == 9
	}, 3*time.Second, 20*time.Millisecond)

	// Invalid configs are skipped
	mu.Lock()
	before := len(got)
	mu.Unlock()
	require.NoError(t, os.WriteFile(path, []byte("interactions:\n  max_concurrent: 0\n"), 0600))
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	for _, c := range got[before:] {
		assert.NotEqual(t, 0, c.Interactions.MaxConcurrent)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchKeepsEnvOverrides(t *testing.T) {
	t.Setenv("RELAYFEED_MAX_QUEUE", "77")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var last *Config
	go func() {
		_ = Watch(ctx, path, func(c *Config) {
			mu.Lock()
			last = c
			mu.Unlock()
		})
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("interactions:\n  max_concurrent: 9\n  max_queue: 5\n"), 0600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last != nil && last.Interactions.MaxConcurrent == 9
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 77, last.Interactions.MaxQueue)
}
