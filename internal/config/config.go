// Package config resolves sshcore's per-user configuration directory and
// the paths of the files kept there — currently just the known_hosts-style
// host key cache internal/keyload's default HostKeyCallback consults. It is
// the teacher's internal/config repurposed from a server-role user-database
// directory resolver to this client's trust-store directory resolver; the
// platform-convention logic itself (XDG_CONFIG_HOME / APPDATA / ~/.config)
// is carried unchanged.
package config

import (
	"os"
	"path/filepath"
)

// GetConfigDir returns sshcore's configuration directory, creating it if
// necessary. It follows platform-specific conventions:
//   - Windows: %APPDATA%\sshcore
//   - Unix-like: $XDG_CONFIG_HOME/sshcore or $HOME/.config/sshcore
func GetConfigDir() (string, error) {
	var configDir string

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, "sshcore")
	} else if appData := os.Getenv("APPDATA"); appData != "" {
		configDir = filepath.Join(appData, "sshcore")
	} else if homeDir, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(homeDir, ".config", "sshcore")
	} else {
		return "", err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}

// GetKnownHostsPath returns the full path to the known_hosts-style host key
// cache in the config directory.
func GetKnownHostsPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "known_hosts"), nil
}
