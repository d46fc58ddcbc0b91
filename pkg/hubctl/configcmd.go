package hubctl

import (
	"os"

	"github.com/common-fate/clio"
	"github.com/common-fate/clio/clierr"
	"github.com/urfave/cli/v2"
)

var ConfigCommand = cli.Command{
	Name:  "config",
	Usage: "Manage the hubctl config file",
	Subcommands: []*cli.Command{
		&ConfigInitCommand,
	},
}

var ConfigInitCommand = cli.Command{
	Name:      "init",
	Usage:     "Write the current settings, including any global flags, to the config file",
	UsageText: "hubctl [global options] config init [--force]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing config file"},
	},
	Action: func(c *cli.Context) error {
		e := getEnv(c)
		if _, err := os.Stat(e.configPath); err == nil && !c.Bool("force") {
			return clierr.New("a config file already exists at "+e.configPath,
				clierr.Info("Pass --force to overwrite it"))
		}
		if err := e.cfg.SaveFile(e.configPath); err != nil {
			return err
		}
		clio.Successf("Wrote config to %s", e.configPath)
		return nil
	},
}
