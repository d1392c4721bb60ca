package config

import (
	"os"
	"path/filepath"
)

// OxidePath returns the root directory for oxide data.
// It uses $OXIDE_PATH if set, otherwise defaults to ~/.oxide.
func OxidePath() string {
	if v := os.Getenv("OXIDE_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".oxide")
	}
	return filepath.Join(home, ".oxide")
}

// ConfigPath returns the path to the oxide config file.
func ConfigPath() string {
	return filepath.Join(OxidePath(), "config.jsonc")
}

// DotenvPath returns the path to the oxide .env file.
func DotenvPath() string {
	return filepath.Join(OxidePath(), ".env")
}

// HeartbeatPath returns the default heartbeat file of a running worker.
func HeartbeatPath() string {
	return filepath.Join(OxidePath(), "heartbeat.json")
}

// JournalPath returns the default task event journal directory.
func JournalPath() string {
	return filepath.Join(OxidePath(), "journal")
}
