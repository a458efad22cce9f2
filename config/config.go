package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/migration"
	"github.com/ruteri/content-sync/syncqueue"
	"gopkg.in/yaml.v3"
)

// Network backends.
const (
	NetworkIPFS   = "ipfs"
	NetworkMemory = "memory"
)

// Config is the daemon configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Primary   ProviderConfig  `yaml:"primary"`
	Secondary *ProviderConfig `yaml:"secondary,omitempty"`
	Migration MigrationConfig `yaml:"migration"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	DrainDuration   time.Duration `yaml:"drain_duration"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// ProviderConfig describes one storage provider.
type ProviderConfig struct {
	Name string `yaml:"name"`
	// Store is the location URI of the local cache, see storage.StoreFactory.
	Store string `yaml:"store"`
	// IndexStore optionally keeps the address mappings apart from the cache.
	IndexStore    string                   `yaml:"index_store,omitempty"`
	Backend       string                   `yaml:"backend"`
	Network       interfaces.NetworkConfig `yaml:"network"`
	Hash          string                   `yaml:"hash"`
	PinOnUpload   bool                     `yaml:"pin_on_upload"`
	HealthTimeout time.Duration            `yaml:"health_timeout"`
	Queue         QueueConfig              `yaml:"queue"`
}

// QueueConfig configures the sync queue of a provider.
type QueueConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	AutoProcess      *bool         `yaml:"auto_process,omitempty"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// MigrationConfig holds the defaults of migrations started over HTTP or the CLI.
type MigrationConfig struct {
	BatchSize            int   `yaml:"batch_size"`
	SkipExisting         *bool `yaml:"skip_existing,omitempty"`
	DeleteAfterMigration bool  `yaml:"delete_after_migration"`
}

// Default returns a configuration serving an in-memory cache backed by a
// local IPFS node.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			MetricsAddr:     "127.0.0.1:8090",
			DrainDuration:   45 * time.Second,
			GracefulTimeout: 30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    30 * time.Second,
		},
		Primary: defaultProvider("primary"),
		Migration: MigrationConfig{
			BatchSize: migration.DefaultBatchSize,
		},
	}
}

func defaultProvider(name string) ProviderConfig {
	return ProviderConfig{
		Name:    name,
		Store:   "mem://" + name,
		Backend: NetworkIPFS,
		Network: interfaces.NetworkConfig{
			Mode:        interfaces.APIMode,
			APIEndpoint: "localhost:5001",
			GatewayURL:  "https://ipfs.io/",
			Timeout:     30 * time.Second,
		},
		Hash:          "sha256",
		HealthTimeout: 3 * time.Second,
		Queue: QueueConfig{
			Concurrency:      syncqueue.DefaultConcurrency,
			ProgressInterval: syncqueue.DefaultProgressInterval,
		},
	}
}

// Load reads a YAML configuration file over the defaults. Environment
// variables in the file are expanded. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	data = []byte(os.ExpandEnv(string(data)))
	if len(bytes.TrimSpace(data)) == 0 {
		return c.Validate()
	}

	// A secondary section is decoded over provider defaults like the primary.
	var probe struct {
		Secondary *yaml.Node `yaml:"secondary"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Secondary != nil && c.Secondary == nil {
		secondary := defaultProvider("secondary")
		c.Secondary = &secondary
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if err := c.Primary.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("primary: %w", err))
	}
	if c.Secondary != nil {
		if err := c.Secondary.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("secondary: %w", err))
		}
		if c.Secondary.Name == c.Primary.Name {
			errs = append(errs, fmt.Errorf("secondary: name %q is already used by primary", c.Secondary.Name))
		}
	}
	if c.Migration.BatchSize < 0 {
		errs = append(errs, errors.New("migration.batch_size must not be negative"))
	}
	return errors.Join(errs...)
}

// Validate checks a provider configuration.
func (p ProviderConfig) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if _, err := interfaces.NewStoreLocation(p.Store); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if p.IndexStore != "" {
		if _, err := interfaces.NewStoreLocation(p.IndexStore); err != nil {
			errs = append(errs, fmt.Errorf("index_store: %w", err))
		}
	}
	switch p.Backend {
	case NetworkIPFS, NetworkMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", p.Backend))
	}
	if _, err := interfaces.ParseNetworkMode(string(p.Network.Mode)); err != nil {
		errs = append(errs, fmt.Errorf("network: %w", err))
	}
	if p.Queue.Concurrency < 0 {
		errs = append(errs, errors.New("queue.concurrency must not be negative"))
	}
	return errors.Join(errs...)
}

// QueueOptions converts the queue section to syncqueue options.
func (p ProviderConfig) QueueOptions() syncqueue.Options {
	opts := syncqueue.DefaultOptions()
	if p.Queue.Concurrency > 0 {
		opts.Concurrency = p.Queue.Concurrency
	}
	if p.Queue.AutoProcess != nil {
		opts.AutoProcess = *p.Queue.AutoProcess
	}
	if p.Queue.ProgressInterval > 0 {
		opts.ProgressInterval = p.Queue.ProgressInterval
	}
	return opts
}

// MigrationOptions converts the migration section to engine options.
func (c *Config) MigrationOptions() migration.Options {
	opts := migration.DefaultOptions()
	if c.Migration.BatchSize > 0 {
		opts.BatchSize = c.Migration.BatchSize
	}
	if c.Migration.SkipExisting != nil {
		opts.SkipExisting = *c.Migration.SkipExisting
	}
	opts.DeleteAfterMigration = c.Migration.DeleteAfterMigration
	return opts
}
