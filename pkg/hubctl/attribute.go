package hubctl

import (
	"encoding/json"

	"github.com/common-fate/hubctl/pkg/inventory"
	"github.com/common-fate/hubctl/pkg/operation"
	"github.com/common-fate/hubctl/pkg/report"
	"github.com/urfave/cli/v2"
)

var AccountsCommand = cli.Command{
	Name:      "accounts",
	Usage:     "List the inventory records matching the filter",
	UsageText: "hubctl [global options] accounts",
	Action: func(c *cli.Context) error {
		e := getEnv(c)
		store, err := e.store(c.Context)
		if err != nil {
			return err
		}
		accounts, err := e.selectAccounts(c.Context, store)
		if err != nil {
			return err
		}
		if e.json {
			enc := json.NewEncoder(e.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(accounts)
		}
		report.Accounts(e.stdout, accounts)
		return nil
	},
}

var SetAttributeCommand = cli.Command{
	Name:      "set-attribute",
	Usage:     "Set an attribute on the inventory record of every selected account",
	UsageText: "hubctl [global options] set-attribute --attribute <name> --value <value> --mode <set-if-absent|overwrite>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "attribute", Aliases: []string{"a"}, Usage: "Attribute name", Required: true},
		&cli.StringFlag{Name: "value", Aliases: []string{"v"}, Usage: "Attribute value", Required: true},
		&cli.StringFlag{Name: "mode", Usage: "'set-if-absent' keeps existing values, 'overwrite' replaces them", Required: true},
	},
	Action: func(c *cli.Context) error {
		e := getEnv(c)
		mode, err := inventory.ParseMode(c.String("mode"))
		if err != nil {
			return fatal(err)
		}
		store, err := e.store(c.Context)
		if err != nil {
			return err
		}
		op := &operation.SetAttribute{
			Store:    store,
			Mutation: inventory.Mutation{Attribute: c.String("attribute"), Value: c.String("value"), Mode: mode},
		}
		// fail before querying so a bad attribute never touches the inventory
		if err := op.Validate(); err != nil {
			return fatal(err)
		}
		run, err := e.execute(c.Context, store, op)
		if err != nil {
			return err
		}
		return e.printRun(run)
	},
}

var RemoveAttributeCommand = cli.Command{
	Name:      "remove-attribute",
	Usage:     "Remove an attribute from the inventory record of every selected account",
	UsageText: "hubctl [global options] remove-attribute --attribute <name>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "attribute", Aliases: []string{"a"}, Usage: "Attribute name", Required: true},
	},
	Action: func(c *cli.Context) error {
		e := getEnv(c)
		store, err := e.store(c.Context)
		if err != nil {
			return err
		}
		op := &operation.RemoveAttribute{Store: store, Attribute: c.String("attribute")}
		if err := op.Validate(); err != nil {
			return fatal(err)
		}
		run, err := e.execute(c.Context, store, op)
		if err != nil {
			return err
		}
		return e.printRun(run)
	},
}
