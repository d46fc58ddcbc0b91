package hubctl

import (
	"fmt"
	"time"

	"github.com/common-fate/clio"
	"github.com/common-fate/clio/clierr"
	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/common-fate/hubctl/pkg/batch"
	"github.com/common-fate/hubctl/pkg/sink"
	"github.com/urfave/cli/v2"
)

// DispatchEvent hands one batch of accounts to the downstream function.
type DispatchEvent struct {
	Batch    int      `json:"batch"`
	Batches  int      `json:"batches"`
	Accounts []string `json:"accounts"`
	SentAt   string   `json:"sentAt"`
}

var errNoSink = apierr.Validationf("no downstream function configured: set SinkFunction in the config file or pass --function")

var DispatchCommand = cli.Command{
	Name:      "dispatch",
	Usage:     "Send the selected accounts to the downstream function in batches",
	UsageText: "hubctl [global options] dispatch [--function <name>]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "function", Usage: "Lambda function to invoke, overriding the configured sink"},
	},
	Action: func(c *cli.Context) error {
		e := getEnv(c)
		if fn := c.String("function"); fn != "" {
			e.cfg.SinkFunction = fn
		}
		if e.opts.Sink == nil && e.cfg.SinkFunction == "" {
			return fatal(errNoSink)
		}
		store, err := e.store(c.Context)
		if err != nil {
			return err
		}
		accounts, err := e.selectAccounts(c.Context, store)
		if err != nil {
			return err
		}
		batches, err := batch.Chunk(accounts, e.cfg.BatchSize)
		if err != nil {
			return fatal(err)
		}
		var s sink.Sink = sink.Nop{}
		if !e.dryRun {
			s, err = e.sink(c.Context)
			if err != nil {
				return err
			}
		}

		// the sink is best effort: one failed batch doesn't hold back the rest.
		var failed int
		for _, b := range batches {
			if err := c.Context.Err(); err != nil {
				return err
			}
			ids := make([]string, len(b.Items))
			for i, a := range b.Items {
				ids[i] = a.ID
			}
			ev := DispatchEvent{Batch: b.Index + 1, Batches: len(batches), Accounts: ids, SentAt: time.Now().UTC().Format(time.RFC3339)}
			if e.dryRun {
				clio.Infof("[dry run] would dispatch batch %d/%d with %d accounts", ev.Batch, ev.Batches, len(ids))
				continue
			}
			if err := s.Send(c.Context, ev); err != nil {
				failed++
				e.log.Errorw("dispatching batch failed", "batch", ev.Batch, "of", ev.Batches, "accounts", ids, "error", err)
				continue
			}
			e.log.Infow("dispatched batch", "batch", ev.Batch, "of", ev.Batches, "accounts", len(ids))
		}
		if failed > 0 && failed == len(batches) {
			return clierr.New(fmt.Sprintf("Failed to dispatch all %d batches", failed),
				clierr.Info("The error returned for each batch is logged above"))
		}
		if failed > 0 {
			clio.Warnf("Dispatched %d of %d batches; %d failed and were not retried", len(batches)-failed, len(batches), failed)
			return nil
		}
		clio.Successf("Dispatched %d accounts in %d batches", len(accounts), len(batches))
		return nil
	},
}
