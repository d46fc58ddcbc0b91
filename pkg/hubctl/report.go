package hubctl

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/common-fate/clio"
	"github.com/common-fate/hubctl/pkg/operation"
	"github.com/common-fate/hubctl/pkg/report"
	"github.com/urfave/cli/v2"
)

var ReportCommand = cli.Command{
	Name:      "report",
	Usage:     "Build an audit report with one row per selected account",
	UsageText: "hubctl [global options] report [--attribute <name>...] [--parameter <ssm-name>...]",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "attribute", Aliases: []string{"a"}, Usage: "Inventory attribute to include as a column"},
		&cli.StringSliceFlag{Name: "parameter", Aliases: []string{"p"}, Usage: "SSM parameter to read from each account"},
	},
	Action: func(c *cli.Context) error {
		e := getEnv(c)
		rows := operation.NewRows()
		op := operation.NewReportRow(aws.Config{}, rows, c.StringSlice("attribute"), c.StringSlice("parameter"))
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

		if e.json {
			enc := json.NewEncoder(e.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Rows    []operation.Row    `json:"rows"`
				Results []operation.Result `json:"results"`
			}{rows.Sorted(), run.Results})
		}
		report.Rows(e.stdout, rows.Sorted())
		var failed []operation.Result
		for _, r := range run.Results {
			if r.Outcome == operation.Failed {
				failed = append(failed, r)
			}
		}
		if len(failed) > 0 {
			clio.Warnf("%d accounts could not be reported on:", len(failed))
			report.Table(e.stdout, failed)
		}
		clio.Info(report.SummaryLine(run.Summary))
		return nil
	},
}
