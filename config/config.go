// Package config assembles the enrollment configuration from defaults, an
// optional YAML file and command-line flags, in that order of priority.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"invisibleface/models"
	"invisibleface/params"
)

const (
	DefaultBlocks  = 128
	DefaultKeySize = 2048
)

// Config is built once at startup and passed by value into constructors.
type Config struct {
	K             int    `yaml:"k"`
	KeySize       int    `yaml:"key_size"`
	FeatureFile   string `yaml:"feature_file"`
	PublicKeyPath string `yaml:"public_key"`
	OutputDir     string `yaml:"output_dir"`
	Store         string `yaml:"store"`
	Workers       int    `yaml:"workers"`
	Limit         int    `yaml:"limit"`
	MetricsAddr   string `yaml:"metrics_addr"`
	ListenAddr    string `yaml:"listen_addr"`
	LogLevel      string `yaml:"log_level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		K:             DefaultBlocks,
		KeySize:       DefaultKeySize,
		FeatureFile:   "features.txt",
		PublicKeyPath: "paillier_public.json",
		OutputDir:     "enrollment_data",
		Store:         "json",
		Workers:       runtime.NumCPU(),
		ListenAddr:    ":8080",
		LogLevel:      "info",
	}
}

// Load parses args (without the program name). A -config flag names a YAML
// file whose values replace the defaults; flags given explicitly win over both.
func Load(name string, args []string) (Config, error) {
	cfg := Default()
	var configPath string

	fs := newFlagSet(name, &cfg, &configPath)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if configPath != "" {
		cfg = Default()
		if err := readYAML(configPath, &cfg); err != nil {
			return Config{}, err
		}
		// Second pass so that explicit flags override the file.
		fs = newFlagSet(name, &cfg, &configPath)
		if err := fs.Parse(args); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newFlagSet(name string, cfg *Config, configPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(configPath, "config", *configPath, "YAML configuration file")
	fs.IntVar(&cfg.K, "k", cfg.K, "Number of feature blocks")
	fs.IntVar(&cfg.KeySize, "keysize", cfg.KeySize, "Paillier key size in bits")
	fs.StringVar(&cfg.FeatureFile, "features", cfg.FeatureFile, "Feature file to enroll")
	fs.StringVar(&cfg.PublicKeyPath, "pubkey", cfg.PublicKeyPath, "Paillier public key file")
	fs.StringVar(&cfg.OutputDir, "out", cfg.OutputDir, "Directory for records and manifests")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Record store (json or bolt)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent enrollments")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "Enroll at most this many features (0 = all)")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Address for the Prometheus endpoint (empty = disabled)")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address for the API server")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")

	return fs
}

func readYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the fields that do not depend on the key.
func (c Config) Validate() error {
	var errs []error
	if c.K <= 0 {
		errs = append(errs, &models.ConfigError{Field: "K", Reason: fmt.Sprintf("must be positive, got %d", c.K)})
	}
	if c.KeySize <= 0 {
		errs = append(errs, &models.ConfigError{Field: "key_size", Reason: fmt.Sprintf("must be positive, got %d", c.KeySize)})
	}
	if c.Workers < 0 {
		errs = append(errs, &models.ConfigError{Field: "workers", Reason: fmt.Sprintf("must not be negative, got %d", c.Workers)})
	}
	if c.Limit < 0 {
		errs = append(errs, &models.ConfigError{Field: "limit", Reason: fmt.Sprintf("must not be negative, got %d", c.Limit)})
	}
	switch c.Store {
	case "json", "bolt":
	default:
		errs = append(errs, &models.ConfigError{Field: "store", Reason: fmt.Sprintf("unknown store %q", c.Store)})
	}
	if c.OutputDir == "" {
		errs = append(errs, &models.ConfigError{Field: "output_dir", Reason: "must not be empty"})
	}
	return errors.Join(errs...)
}

// SecurityParams derives the security parameters for K and the key size.
func (c Config) SecurityParams() (*params.SecurityParams, error) {
	return params.Derive(c.K, c.KeySize)
}
