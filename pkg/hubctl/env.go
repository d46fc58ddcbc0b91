package hubctl

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/common-fate/clio"
	"github.com/common-fate/clio/clierr"
	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/common-fate/hubctl/pkg/batch"
	"github.com/common-fate/hubctl/pkg/config"
	"github.com/common-fate/hubctl/pkg/credbroker"
	"github.com/common-fate/hubctl/pkg/fleet"
	"github.com/common-fate/hubctl/pkg/inventory"
	"github.com/common-fate/hubctl/pkg/operation"
	"github.com/common-fate/hubctl/pkg/report"
	"github.com/common-fate/hubctl/pkg/sink"
	"github.com/common-fate/xid"
	"github.com/urfave/cli/v2"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// env holds what every command needs, built once in the app's Before hook.
type env struct {
	cfg        *config.Config
	configPath string
	log        *zap.SugaredLogger
	opts   Opts
	stdout io.Writer

	inventoryFile string
	filters       []string
	dryRun        bool
	json          bool

	awsOnce sync.Once
	awsCfg  aws.Config
	awsErr  error

	brokerOnce sync.Once
	broker     fleet.SessionProvider
}

func getEnv(c *cli.Context) *env {
	return c.App.Metadata[envKey].(*env)
}

func newEnv(c *cli.Context, opts Opts) (*env, error) {
	log := opts.Log
	if log == nil {
		var err error
		log, err = newLogger(c.Bool("verbose"))
		if err != nil {
			return nil, err
		}
	}

	path, err := configPath(c)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fatal(err)
	}

	return &env{
		cfg:           cfg,
		configPath:    path,
		log:           log,
		opts:          opts,
		stdout:        opts.Stdout,
		inventoryFile: c.String("inventory-file"),
		filters:       c.StringSlice("filter"),
		dryRun:        c.Bool("dry-run"),
		json:          c.Bool("json"),
	}, nil
}

// configPath is the --config flag, or the default file in the config folder.
func configPath(c *cli.Context) (string, error) {
	if path := c.String("config"); path != "" {
		return path, nil
	}
	if err := config.SetupConfigFolder(); err != nil {
		return "", err
	}
	return config.ConfigFilePath()
}

// applyFlags overrides config file values with any flags that were set.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("region") {
		cfg.Region = c.String("region")
	}
	if c.IsSet("table") {
		cfg.InventoryTable = c.String("table")
	}
	if c.IsSet("role") {
		cfg.RoleName = c.String("role")
	}
	if c.IsSet("concurrency") {
		cfg.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("batch-size") {
		cfg.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("max-attempts") {
		cfg.MaxAttempts = c.Int("max-attempts")
	}
	if c.IsSet("account-timeout") {
		cfg.AccountTimeout = c.Duration("account-timeout")
	}
}

// fatal turns validation failures into CLI errors. Nothing has been changed
// when one of these is returned.
func fatal(err error) error {
	if apierr.Is(err, apierr.Validation) {
		return clierr.New(err.Error(), clierr.Info("No accounts were processed. Run 'hubctl --help' for usage."))
	}
	return err
}

func (e *env) aws(ctx context.Context) (aws.Config, error) {
	e.awsOnce.Do(func() {
		e.awsCfg, e.awsErr = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(e.cfg.Region))
		if e.awsErr != nil {
			e.awsErr = clierr.New("failed to load AWS configuration for the hub account", clierr.Error(e.awsErr), clierr.Info("hubctl uses the standard AWS credential chain. Check AWS_PROFILE or your environment credentials"))
		}
	})
	return e.awsCfg, e.awsErr
}

func (e *env) limiter() ratelimit.Limiter {
	if e.cfg.RateLimit > 0 {
		return ratelimit.New(e.cfg.RateLimit)
	}
	return ratelimit.NewUnlimited()
}

func (e *env) store(ctx context.Context) (inventory.Store, error) {
	if e.inventoryFile != "" {
		e.log.Debugw("using inventory file", "path", e.inventoryFile)
		return inventory.LoadFile(e.inventoryFile, e.cfg.PageSize)
	}
	cfg, err := e.aws(ctx)
	if err != nil {
		return nil, err
	}
	return inventory.NewDynamoStore(inventory.DynamoOpts{
		Client:   dynamodb.NewFromConfig(cfg),
		Table:    e.cfg.InventoryTable,
		PageSize: int32(e.cfg.PageSize),
		Limiter:  e.limiter(),
		Log:      e.log.Named("inventory"),
	})
}

func (e *env) sessions(ctx context.Context) (fleet.SessionProvider, error) {
	if e.opts.Broker != nil {
		return e.opts.Broker, nil
	}
	cfg, err := e.aws(ctx)
	if err != nil {
		return nil, err
	}
	e.brokerOnce.Do(func() {
		e.broker = credbroker.NewBroker(credbroker.BrokerOpts{
			Federator: &credbroker.STSFederator{
				Client:        sts.NewFromConfig(cfg),
				Partition:     e.cfg.Partition,
				ExternalID:    e.cfg.ExternalID,
				Duration:      e.cfg.SessionDuration,
				SessionPrefix: "hubctl",
			},
			SafetyMargin: e.cfg.SafetyMargin,
			Log:          e.log.Named("credbroker"),
		})
	})
	return e.broker, nil
}

func (e *env) sink(ctx context.Context) (sink.Sink, error) {
	if e.opts.Sink != nil {
		return e.opts.Sink, nil
	}
	if e.cfg.SinkFunction == "" {
		return sink.Nop{}, nil
	}
	cfg, err := e.aws(ctx)
	if err != nil {
		return nil, err
	}
	return sink.NewLambda(cfg, e.cfg.SinkFunction)
}

func (e *env) executor(ctx context.Context) (*fleet.Executor, error) {
	broker, err := e.sessions(ctx)
	if err != nil {
		return nil, err
	}
	s, err := e.sink(ctx)
	if err != nil {
		return nil, err
	}
	return &fleet.Executor{
		Broker:         broker,
		RoleName:       e.cfg.RoleName,
		Concurrency:    e.cfg.Concurrency,
		MaxAttempts:    e.cfg.MaxAttempts,
		Backoff:        e.cfg.Backoff,
		AccountTimeout: e.cfg.AccountTimeout,
		Limiter:        e.limiter(),
		Sink:           s,
		Log:            e.log.Named("fleet"),
	}, nil
}

// selectAccounts returns every inventory record matching the --filter flags.
func (e *env) selectAccounts(ctx context.Context, store inventory.Store) ([]inventory.AccountRecord, error) {
	p, err := inventory.ParseFilters(e.filters)
	if err != nil {
		return nil, fatal(err)
	}
	e.log.Debugw("querying inventory", "filter", inventory.Describe(p))
	accounts, err := inventory.Collect(ctx, store.Query(ctx, p))
	if err != nil {
		return nil, fatal(err)
	}
	return accounts, nil
}

// execute runs op across the selected accounts in batches and prints the outcome.
// Per-account failures are reported, not returned.
func (e *env) execute(ctx context.Context, store inventory.Store, op operation.Operation) (*fleet.Run, error) {
	accounts, err := e.selectAccounts(ctx, store)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		clio.Warn("No accounts matched the filter, nothing to do")
		return &fleet.Run{Summary: fleet.Summary{Operation: op.Name(), DryRun: e.dryRun}}, nil
	}
	batches, err := batch.Chunk(accounts, e.cfg.BatchSize)
	if err != nil {
		return nil, fatal(err)
	}
	ex, err := e.executor(ctx)
	if err != nil {
		return nil, err
	}
	run, err := ex.RunBatches(ctx, batches, op, e.dryRun)
	if err != nil {
		return nil, fatal(err)
	}
	if mem, ok := store.(*inventory.MemoryStore); ok && !e.dryRun {
		if err := mem.SaveFile(e.inventoryFile); err != nil {
			return nil, err
		}
	}
	if err := e.upload(ctx, run); err != nil {
		e.log.Warnw("could not upload run report", "error", err)
	}
	return run, nil
}

func (e *env) printRun(run *fleet.Run) error {
	if e.json {
		return report.JSON(e.stdout, run)
	}
	report.Table(e.stdout, run.Results)
	line := report.SummaryLine(run.Summary)
	if run.Summary.Failed > 0 {
		clio.Warn(line)
	} else {
		clio.Success(line)
	}
	return nil
}

func (e *env) upload(ctx context.Context, run *fleet.Run) error {
	if e.cfg.ReportBucket == "" {
		return nil
	}
	cfg, err := e.aws(ctx)
	if err != nil {
		return err
	}
	key := runKey(run.Summary.Operation)
	if err := report.Upload(ctx, s3.NewFromConfig(cfg), e.cfg.ReportBucket, key, run); err != nil {
		return err
	}
	clio.Infof("Uploaded run report to s3://%s/%s", e.cfg.ReportBucket, key)
	return nil
}

// runKey names the S3 object a run report is uploaded to.
func runKey(op string) string {
	return fmt.Sprintf("runs/%s/%s.json", op, xid.New("run"))
}
