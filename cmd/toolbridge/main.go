package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pysugar/toolbridge/internal/config"
	"github.com/pysugar/toolbridge/internal/version"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "toolbridge",
		Usage:   "OAuth credential, session and audit service for third-party tool integrations",
		Version: version.Version,
		Commands: []*cli.Command{
			serveCommand(),
			providersCommand(),
			statsCommand(),
			purgeCommand(),
			versionCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the HTTP service and background jobs",
		Flags:  config.Flags(),
		Action: serve,
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print build information",
		Action: func(_ context.Context, c *cli.Command) error {
			fmt.Fprintln(c.Root().Writer, version.String())
			return nil
		},
	}
}
