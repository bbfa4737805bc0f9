package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables read by GetDefaults and the credential unlock.
const (
	EnvConfigPath = "TM_CONFIG_PATH"
	EnvHome       = "TM_HOME"
	EnvPassphrase = "TM_PASSPHRASE"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - TM_CONFIG_PATH: config file location (default: ~/.config/tm.toml)
//   - TM_HOME: base directory for tm data (default: ~/.local/share/tm)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking TM_CONFIG_PATH env var first,
// then falling back to the default ~/.config/tm.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "tm.toml"), nil
}

// getBaseDir returns the base directory for tm data, checking TM_HOME env var first,
// then falling back to the XDG default ~/.local/share/tm.
func getBaseDir() (string, error) {
	if path := os.Getenv(EnvHome); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tm"), nil
}
