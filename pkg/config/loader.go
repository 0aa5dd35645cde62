package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFile is the single configuration file inside the config directory.
const configFile = "ksi.yaml"

// ErrConfigNotFound indicates the configuration file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// ErrInvalidYAML indicates the configuration file failed to parse.
var ErrInvalidYAML = errors.New("invalid YAML syntax")

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read ksi.yaml from configDir (missing file falls back to defaults)
//  2. Expand environment variables
//  3. Parse YAML into the Config struct
//  4. Merge user values over built-in defaults
//  5. Resolve relative paths against configDir
//  6. Validate the result
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"socket", cfg.SocketPath,
		"store", cfg.StorePath,
		"providers", len(cfg.Providers),
		"workers", cfg.Completion.WorkerCount)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	var user Config
	path := filepath.Join(configDir, configFile)

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No config file: defaults only. Validation still applies.
		slog.Warn("No ksi.yaml found, using built-in defaults", "path", path)
	case err != nil:
		return nil, err
	default:
		data = ExpandEnv(data)
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
	}

	// Merge user values over defaults: non-zero user fields win.
	cfg := Default()
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	cfg.configDir = configDir
	cfg.resolvePaths()
	return cfg, nil
}

// resolvePaths makes every relative path absolute against the config
// directory, so the daemon behaves the same regardless of working directory.
func (c *Config) resolvePaths() {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.configDir, *p)
		}
	}
	resolve(&c.SocketPath)
	resolve(&c.StorePath)
	resolve(&c.LogRoot)
	resolve(&c.CompositionDir)
	resolve(&c.TransformerDir)
	resolve(&c.CapabilityPolicy)
	resolve(&c.SandboxRoot)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if c.StorePath == "" {
		errs = append(errs, errors.New("store_path is required"))
	}
	if c.LogRoot == "" {
		errs = append(errs, errors.New("log_root is required"))
	}
	if c.Completion.WorkerCount <= 0 {
		errs = append(errs, errors.New("completion.worker_count must be positive"))
	}
	if c.Completion.MaxAttempts <= 0 {
		errs = append(errs, errors.New("completion.max_attempts must be positive"))
	}
	if c.Completion.Timeout <= 0 {
		errs = append(errs, errors.New("completion.timeout must be positive"))
	}
	if c.Session.LockTimeout <= 0 {
		errs = append(errs, errors.New("session.lock_timeout must be positive"))
	}
	if c.Limits.InboundQueue <= 0 {
		errs = append(errs, errors.New("limits.inbound_queue must be positive"))
	}
	if c.Limits.SubscriptionQueue <= 0 {
		errs = append(errs, errors.New("limits.subscription_queue must be positive"))
	}
	if c.DefaultProvider != "" && len(c.Providers) > 0 {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider %q is not defined in providers", c.DefaultProvider))
		}
	}
	for name, p := range c.Providers {
		if len(p.Command) == 0 {
			errs = append(errs, fmt.Errorf("provider %q has no command", name))
		}
	}

	return errors.Join(errs...)
}
