package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/oxide/internal/config"
)

// Version is the build version, set with -ldflags "-X".
var Version = "dev"

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "oxide",
		Usage:   "Worker node for a distributed SQL engine",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewInitCommand(),
			NewServeCommand(),
			NewStatusCommand(),
			NewVersionCommand(),
		},
	}
}
