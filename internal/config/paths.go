package config

import (
	"os"
	"path/filepath"
)

// DataPath returns the root directory for conductor state.
// It uses $CONDUCTOR_PATH if set, otherwise defaults to ~/.conductor.
func DataPath() string {
	if v := os.Getenv("CONDUCTOR_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".conductor")
	}
	return filepath.Join(home, ".conductor")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(DataPath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(DataPath(), ".env")
}

// Subdir returns a named directory under the data path.
func Subdir(name string) string {
	return filepath.Join(DataPath(), name)
}
