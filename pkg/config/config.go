// Package config provides configuration loading and management for the
// phantom analysis pipeline. It handles loading configuration from YAML
// files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Diffusion model fitting parameters
	Fit struct {
		// B0Threshold is the b-value below which a volume counts as
		// unweighted.
		B0Threshold float64 `yaml:"b0Threshold"`

		// Workers is the number of slices fitted concurrently.
		Workers int `yaml:"workers"`

		// Blur applies an in-plane Gaussian blur before kurtosis fits.
		Blur bool `yaml:"blur"`

		// BlurSigma is the blur standard deviation in voxels.
		BlurSigma float64 `yaml:"blurSigma"`

		// MinKurtosis is the lower clamp applied to kurtosis maps.
		MinKurtosis float64 `yaml:"minKurtosis"`
	} `yaml:"fit"`

	// Automatic masking parameters
	Mask struct {
		// ErosionRadius is the disk radius used to erode the phantom
		// outline before the bubble threshold pass.
		ErosionRadius int `yaml:"erosionRadius"`
	} `yaml:"mask"`

	// Chart rendering parameters
	Charts struct {
		// Width and Height are the rendered chart size in pixels.
		Width  int `yaml:"width"`
		Height int `yaml:"height"`
	} `yaml:"charts"`

	// Output parameters
	Output struct {
		// Verbose enables debug-level logging.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Fit.B0Threshold = 250
	cfg.Fit.Workers = runtime.NumCPU()
	cfg.Fit.Blur = false
	cfg.Fit.BlurSigma = 0.5
	cfg.Fit.MinKurtosis = 0

	cfg.Mask.ErosionRadius = 3

	cfg.Charts.Width = 800
	cfg.Charts.Height = 600

	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
