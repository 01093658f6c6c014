package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pysugar/toolbridge/internal/audit"
	"github.com/pysugar/toolbridge/internal/auth/token"
	"github.com/pysugar/toolbridge/internal/config"
	"github.com/pysugar/toolbridge/internal/db"
	"github.com/pysugar/toolbridge/internal/providers/registry"
	"github.com/urfave/cli/v3"
	"gorm.io/gorm"
)

func providersCommand() *cli.Command {
	return &cli.Command{
		Name:  "providers",
		Usage: "show the provider contract table and which providers are configured",
		Flags: config.Flags(),
		Action: func(_ context.Context, c *cli.Command) error {
			cfg := config.FromCommand(c)
			reg, err := registry.Load(registry.Options{File: cfg.ProvidersFile, PublicBaseURL: cfg.PublicBaseURL})
			if err != nil {
				return err
			}

			t := newTable(c)
			t.AppendHeader(table.Row{"TOOL", "FAMILY", "STATUS", "ENV", "CALLBACKS", "DEFAULT SCOPE"})
			for _, row := range reg.Contract() {
				status := text.FgYellow.Sprint("missing")
				if row.Configured {
					status = text.FgGreen.Sprint("configured")
				}
				t.AppendRow(table.Row{
					row.Tool,
					row.Family,
					status,
					strings.Join(row.EnvVars, "\n"),
					strings.Join(row.CallbackPaths, "\n"),
					row.DefaultScope,
				})
				t.AppendSeparator()
			}
			t.Render()
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print usage statistics from the database",
		Flags: config.Flags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			database, err := openDB(config.FromCommand(c))
			if err != nil {
				return err
			}
			stats, err := audit.NewLog(database).Stats(ctx)
			if err != nil {
				return err
			}
			// counting rows needs no cipher
			active, err := token.NewStore(database, registry.New(), nil, nil).CountActive(ctx)
			if err != nil {
				return err
			}

			t := newTable(c)
			t.AppendHeader(table.Row{"METRIC", "VALUE"})
			t.AppendRows([]table.Row{
				{"total users", stats.TotalUsers},
				{"active integrations", active},
				{"completed fetches", stats.TotalFetches},
				{"most used tool", orDash(stats.MostUsedTool)},
			})
			t.Render()
			return nil
		},
	}
}

func purgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "delete audit entries older than --audit-retention now",
		Flags: config.Flags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := config.FromCommand(c)
			database, err := openDB(cfg)
			if err != nil {
				return err
			}
			n, err := audit.NewLog(database).PurgeOlderThan(ctx, cfg.AuditRetention)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "%s %d audit entries older than %s\n",
				text.FgGreen.Sprint("purged"), n, cfg.AuditRetention)
			return nil
		},
	}
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	return db.InitDB(cfg.DBBackend, cfg.DSN(), cfg.Debug)
}

func newTable(c *cli.Command) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(c.Root().Writer)
	t.SetStyle(table.StyleRounded)
	return t
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
