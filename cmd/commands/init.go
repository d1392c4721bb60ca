package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/oxide/internal/config"
)

// NewInitCommand returns the init subcommand.
func NewInitCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Initialize the oxide home directory (~/.oxide)",
		Action: runInit,
	}
}

func runInit(_ context.Context, cmd *cli.Command) error {
	out := cmd.Root().Writer
	root := config.OxidePath()
	created := false

	for _, d := range []string{root, config.JournalPath()} {
		if _, err := os.Stat(d); err != nil {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", d, err)
			}
			fmt.Fprintf(out, "  Created %s\n", d)
			created = true
		}
	}

	configPath := cmd.String("config")
	switch err := config.WriteDefault(configPath); {
	case err == nil:
		fmt.Fprintf(out, "  Created %s\n", configPath)
		created = true
	case !errors.Is(err, config.ErrConfigExists):
		return err
	}

	dotenvPath := config.DotenvPath()
	if _, err := os.Stat(dotenvPath); err != nil {
		if err := os.WriteFile(dotenvPath, []byte(defaultDotenv), 0o600); err != nil {
			return fmt.Errorf("write .env: %w", err)
		}
		fmt.Fprintf(out, "  Created %s\n", dotenvPath)
		created = true
	}

	if !created {
		fmt.Fprintf(out, "%s is already initialized. Nothing to do.\n", root)
		return nil
	}

	fmt.Fprintf(out, "\n  Next: review %s, then run `oxide serve`.\n", configPath)
	return nil
}

const defaultDotenv = `# oxide environment variables
# Loaded at startup without overriding existing variables, and again on SIGHUP.

# OXIDE_NODE_ID=worker-1
`
