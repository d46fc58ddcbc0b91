// Package hubctl is the command line interface for applying governance
// operations across the spoke accounts recorded in the hub inventory.
package hubctl

import (
	"io"
	"os"

	"github.com/common-fate/clio"
	"github.com/common-fate/hubctl/internal/build"
	"github.com/common-fate/hubctl/pkg/banners"
	"github.com/common-fate/hubctl/pkg/fleet"
	"github.com/common-fate/hubctl/pkg/sink"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// Opts replaces the process-wide dependencies of the CLI. The zero value uses
// STS federation, the configured Lambda sink, stdout and a logger on stderr.
type Opts struct {
	Broker fleet.SessionProvider
	Sink   sink.Sink
	Stdout io.Writer
	Log    *zap.SugaredLogger
}

const envKey = "hubctl-env"

func GetCliApp(opts Opts) *cli.App {
	cli.VersionPrinter = func(c *cli.Context) {
		clio.Log(banners.WithVersion())
	}

	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	flags := []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "Path to the hubctl config file", EnvVars: []string{"HUBCTL_CONFIG"}},
		&cli.BoolFlag{Name: "verbose", Usage: "Log debug messages"},
		&cli.StringFlag{Name: "region", Usage: "Hub region for the inventory table and STS", EnvVars: []string{"HUBCTL_REGION", "AWS_REGION"}},
		&cli.StringFlag{Name: "table", Usage: "DynamoDB table holding the account inventory", EnvVars: []string{"HUBCTL_TABLE"}},
		&cli.StringFlag{Name: "inventory-file", Usage: "Read the inventory from a YAML file instead of DynamoDB", EnvVars: []string{"HUBCTL_INVENTORY_FILE"}},
		&cli.StringFlag{Name: "role", Usage: "Role to assume in each spoke account", EnvVars: []string{"HUBCTL_ROLE"}},
		&cli.StringSliceFlag{Name: "filter", Aliases: []string{"f"}, Usage: "Select accounts: 'key=value', 'key!=value', 'key~pattern' (fuzzy), 'key' or '!key'; use '|' for OR within one filter. Repeat to AND filters"},
		&cli.BoolFlag{Name: "dry-run", Usage: "Describe the changes without making them"},
		&cli.IntFlag{Name: "concurrency", Usage: "Accounts processed at once", EnvVars: []string{"HUBCTL_CONCURRENCY"}},
		&cli.IntFlag{Name: "batch-size", Usage: "Accounts per batch", EnvVars: []string{"HUBCTL_BATCH_SIZE"}},
		&cli.IntFlag{Name: "max-attempts", Usage: "Attempts per account for throttled or conflicting changes", EnvVars: []string{"HUBCTL_MAX_ATTEMPTS"}},
		&cli.DurationFlag{Name: "account-timeout", Usage: "Time allowed for each account", EnvVars: []string{"HUBCTL_ACCOUNT_TIMEOUT"}},
		&cli.BoolFlag{Name: "json", Usage: "Print results as JSON"},
	}

	app := &cli.App{
		Flags:       flags,
		Name:        build.BinaryName(),
		Usage:       "Apply governance operations across the accounts in your hub inventory",
		UsageText:   "hubctl [global options] command [command options] [arguments...]",
		Version:     build.Version,
		HideVersion: false,
		Writer:      opts.Stdout,
		Metadata:    map[string]interface{}{},
		Commands: []*cli.Command{
			&AccountsCommand,
			&SetAttributeCommand,
			&RemoveAttributeCommand,
			&DeleteRoleCommand,
			&CopyRoutesCommand,
			&ReportCommand,
			&DispatchCommand,
			&ConfigCommand,
		},
		EnableBashCompletion: true,
		Before: func(c *cli.Context) error {
			clio.SetLevelFromEnv("HUBCTL_LOG")
			if c.Bool("verbose") {
				clio.SetLevelFromString("debug")
			}
			e, err := newEnv(c, opts)
			if err != nil {
				return err
			}
			c.App.Metadata[envKey] = e
			return nil
		},
		After: func(c *cli.Context) error {
			if e, ok := c.App.Metadata[envKey].(*env); ok {
				_ = e.log.Sync()
			}
			return nil
		},
	}

	return app
}
