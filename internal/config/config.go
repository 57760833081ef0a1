package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/abelbrown/relayfeed/internal/fetch"
	"github.com/abelbrown/relayfeed/internal/logging"
	"github.com/abelbrown/relayfeed/internal/nostr"
	"github.com/abelbrown/relayfeed/internal/ranking"
	"github.com/abelbrown/relayfeed/internal/work"
)

// Config is the persistent application configuration
type Config struct {
	// Adaptive fetch parameters
	Feed FeedConfig `yaml:"feed"`

	// Intake scoring weights
	Priority ranking.Config `yaml:"priority"`

	// Interaction proof-of-work weights
	Scoring nostr.PowWeights `yaml:"scoring"`

	// Interaction enrichment limits
	Interactions InteractionsConfig `yaml:"interactions"`

	// Default relays, used when no author relay is known
	Relays []string `yaml:"relays"`

	// Author pubkey -> relays they publish to
	AuthorRelays map[string][]string `yaml:"author_relays"`

	// Followed author pubkeys
	Authors []string `yaml:"authors"`

	Store StoreConfig `yaml:"store"`
	API   APIConfig   `yaml:"api"`
	Log   LogConfig   `yaml:"log"`
}

// FeedConfig holds scheduler settings
type FeedConfig struct {
	fetch.Params `yaml:",inline"`

	StepTimeout time.Duration `yaml:"step_timeout"`
	StepDelay   time.Duration `yaml:"step_delay"`
}

// InteractionsConfig bounds enrichment work and the visible feed
type InteractionsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxQueue      int `yaml:"max_queue"`
	PerAuthor     int `yaml:"per_author"` // notes kept per author, 0 = unlimited
	TrimSize      int `yaml:"trim_size"`  // notes kept in the feed
}

// StoreConfig locates the event cache
type StoreConfig struct {
	Path string `yaml:"path"` // ":memory:" or a file path; empty disables the cache
}

// APIConfig configures the HTTP server
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"` // empty logs to stderr
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			Params:      fetch.DefaultParams(),
			StepTimeout: fetch.DefaultStepTimeout,
			StepDelay:   fetch.DefaultStepDelay,
		},
		Priority: ranking.DefaultConfig(),
		Scoring:  nostr.DefaultPowWeights(),
		Interactions: InteractionsConfig{
			MaxConcurrent: work.DefaultMaxConcurrent,
			MaxQueue:      work.DefaultMaxQueueSize,
			PerAuthor:     5,
			TrimSize:      200,
		},
		Relays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.nostr.band",
		},
		AuthorRelays: map[string][]string{},
		Store:        StoreConfig{Path: filepath.Join(Dir(), "events.db")},
		API:          APIConfig{Addr: "127.0.0.1:8080"},
		Log:          LogConfig{Level: "info", Dir: filepath.Join(Dir(), "logs")},
	}
}

// Dir returns the relayfeed state directory
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".relayfeed")
}

// Path returns the path to the config file
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads config from path, or returns defaults if the file is missing.
// Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to path
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ApplyEnv loads .env files (the working directory's by default) and then
// applies RELAYFEED_* overrides. Missing .env files are not an error.
func (c *Config) ApplyEnv(envFiles ...string) error {
	if err := godotenv.Load(envFiles...); err != nil {
		logging.Debug("No .env file loaded, using process environment", "error", err)
	}

	if v, ok := os.LookupEnv("RELAYFEED_RELAYS"); ok {
		c.Relays = splitList(v)
	}
	if v, ok := os.LookupEnv("RELAYFEED_AUTHORS"); ok {
		c.Authors = splitList(v)
	}
	if v, ok := os.LookupEnv("RELAYFEED_STORE_PATH"); ok {
		c.Store.Path = v
	}
	if v, ok := os.LookupEnv("RELAYFEED_API_ADDR"); ok {
		c.API.Addr = v
	}
	if v, ok := os.LookupEnv("RELAYFEED_LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"RELAYFEED_DESIRED_COUNT", &c.Feed.DesiredCount},
		{"RELAYFEED_MAX_CONCURRENT", &c.Interactions.MaxConcurrent},
		{"RELAYFEED_MAX_QUEUE", &c.Interactions.MaxQueue},
	}
	for _, e := range ints {
		v, ok := os.LookupEnv(e.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}
	return nil
}

// Validate checks the config for values the feed cannot run with
func (c *Config) Validate() error {
	if err := c.Feed.Params.Validate(); err != nil {
		return err
	}
	if c.Feed.StepTimeout < 0 || c.Feed.StepDelay < 0 {
		return errors.New("feed: step timeout and delay must not be negative")
	}
	if c.Priority.PowCoefficient < 0 || c.Priority.FreshnessCoefficient < 0 {
		return errors.New("priority: coefficients must not be negative")
	}
	if c.Scoring.Reaction < 0 || c.Scoring.Reply < 0 || c.Scoring.Profile < 0 {
		return errors.New("scoring: weights must not be negative")
	}
	if c.Interactions.MaxConcurrent < 1 {
		return errors.New("interactions: max_concurrent must be at least 1")
	}
	if c.Interactions.MaxQueue < 0 {
		return errors.New("interactions: max_queue must not be negative")
	}
	if c.Interactions.PerAuthor < 0 {
		return errors.New("interactions: per_author must not be negative")
	}
	if c.Interactions.TrimSize < 1 {
		return errors.New("interactions: trim_size must be at least 1")
	}
	if len(c.Relays) == 0 && len(c.AuthorRelays) == 0 {
		return errors.New("no relays configured")
	}
	for _, url := range c.Relays {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return fmt.Errorf("relay %q: not a websocket url", url)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
