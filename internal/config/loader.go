package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions returns an error if a config file has overly
// permissive permissions (any group/world bit set), which makes LoadConfig
// reject the file. The secret file referenced from this
// config is the only thing standing between a stranger and the mesh.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadConfig loads node configuration from a YAML file and applies
// default values to any unset timing/STUN fields.
func LoadConfig(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade meshnode", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Validate checks that required fields are present. Timing/STUN fields are
// never required since LoadConfig already defaults them.
func (c *Config) Validate() error {
	if c.Network.ID == "" {
		return ErrNetworkIDRequired
	}
	if c.Network.SecretFile == "" {
		return ErrSecretFileRequired
	}
	return nil
}

// LoadSecret reads the network secret from the file named by
// network.secret_file, trimming a single trailing newline (the common case
// for a secret typed into the file with a text editor).
func (c *Config) LoadSecret() (string, error) {
	data, err := os.ReadFile(c.Network.SecretFile)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", c.Network.SecretFile, err)
	}
	return strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r"), nil
}

// FindConfigFile searches for a meshnode config file in standard locations.
// Search order: explicitPath (if given), ./meshnode.yaml,
// ~/.config/meshnode/config.yaml, /etc/meshnode/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{
		"meshnode.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "meshnode", "config.yaml"))
	}

	searchPaths = append(searchPaths, filepath.Join("/etc", "meshnode", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'meshnode init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns the default meshnode config directory
// (~/.config/meshnode).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "meshnode"), nil
}
