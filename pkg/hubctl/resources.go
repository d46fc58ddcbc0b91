package hubctl

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/common-fate/hubctl/pkg/inventory"
	"github.com/common-fate/hubctl/pkg/operation"
	"github.com/urfave/cli/v2"
)

var DeleteRoleCommand = cli.Command{
	Name:      "delete-role",
	Usage:     "Delete an IAM role from every selected account",
	UsageText: "hubctl [global options] delete-role --role-name <name> [--protect <name>...]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "role-name", Usage: "IAM role to delete", Required: true},
		&cli.StringSliceFlag{Name: "protect", Usage: "Roles that must never be deleted, in addition to the federation role"},
	},
	Action: func(c *cli.Context) error {
		e := getEnv(c)
		protected := append([]string{e.cfg.RoleName}, c.StringSlice("protect")...)
		op := operation.NewDeleteRole(aws.Config{}, c.String("role-name"), protected...)
		if err := op.Validate(); err != nil {
			return fatal(err)
		}
		base, err := e.aws(c.Context)
		if err != nil {
			return err
		}
		op.Base = base
		store, err := e.store(c.Context)
		if err != nil {
			return err
		}
		run, err := e.execute(c.Context, store, op)
		if err != nil {
			return err
		}
		return e.printRun(run)
	},
}

var CopyRoutesCommand = cli.Command{
	Name:      "copy-routes",
	Usage:     "Route destination CIDRs via a transit gateway in the tagged route tables of every selected account",
	UsageText: "hubctl [global options] copy-routes --transit-gateway <tgw-id> --cidr <cidr>... --tag-key <key> [--tag-value <value>] --mode <set-if-absent|overwrite>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "transit-gateway", Usage: "Target transit gateway id", Required: true},
		&cli.StringSliceFlag{Name: "cidr", Usage: "Destination CIDR, repeatable", Required: true},
		&cli.StringFlag{Name: "tag-key", Usage: "Only route tables carrying this tag are changed", Required: true},
		&cli.StringFlag{Name: "tag-value", Usage: "Optional value the route table tag must have"},
		&cli.StringFlag{Name: "mode", Usage: "'set-if-absent' leaves conflicting routes alone, 'overwrite' replaces them", Required: true},
	},
	Action: func(c *cli.Context) error {
		e := getEnv(c)
		mode, err := inventory.ParseMode(c.String("mode"))
		if err != nil {
			return fatal(err)
		}
		op := operation.NewCopyRoutes(aws.Config{}, c.String("transit-gateway"), c.StringSlice("cidr"), c.String("tag-key"), c.String("tag-value"), mode)
		if err := op.Validate(); err != nil {
			return fatal(err)
		}
		base, err := e.aws(c.Context)
		if err != nil {
			return err
		}
		op.Base = base
		store, err := e.store(c.Context)
		if err != nil {
			return err
		}
		run, err := e.execute(c.Context, store, op)
		if err != nil {
			return err
		}
		return e.printRun(run)
	},
}
