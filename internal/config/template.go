package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrConfigExists is returned by WriteDefault when the file already exists.
var ErrConfigExists = errors.New("config file already exists")

const defaultTemplate = `{
	// HTTP surface used by the coordinator and downstream tasks.
	"server": {
		"host": "127.0.0.1",
		"port": 8080
	},

	"node": {
		// Leave empty for a random id on every start.
		"id": "${{ .Env.OXIDE_NODE_ID }}",
		"environment": "production"
	},

	// Non-revocable budgets per pool. Sizes accept "512MB", "1GiB" or plain bytes.
	"memory": {
		"pools": {
			"general": { "max_bytes": "1GB", "revocable_soft_limit": "512MB" },
			"reserved": { "max_bytes": "256MB" }
		}
	},

	"tasks": {
		"info_max_age": "15m",
		"torn_down_max_age": "5s",
		"client_timeout": "2m",
		"reaper_interval": "10s",
		"default_pool": "general"
	},

	// Results long-poll.
	"exchange": {
		"max_wait": "1s",
		"max_wait_limit": "1m",
		"max_response_size": "16MB",
		"max_pages": 128
	},

	"drivers": {
		"driver": "echo"
	},

	"events": {
		"buffer_size": 1024
		// "journal_dir": "/var/lib/oxide/journal"
	},

	"log": {
		"level": "info",
		"format": "text"
	}
}
`

// DefaultTemplate returns the commented default config file.
func DefaultTemplate() string {
	return defaultTemplate
}

// WriteDefault writes the default config to path unless it already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
