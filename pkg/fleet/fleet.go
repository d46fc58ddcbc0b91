// Package fleet runs an Operation across many spoke accounts.
//
// Accounts are dispatched to a bounded pool of workers. Every account gets
// exactly one Result; a failing account never stops the others.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/common-fate/hubctl/pkg/batch"
	"github.com/common-fate/hubctl/pkg/credbroker"
	"github.com/common-fate/hubctl/pkg/inventory"
	"github.com/common-fate/hubctl/pkg/operation"
	"github.com/common-fate/hubctl/pkg/sink"
	"github.com/pkg/errors"
	sethRetry "github.com/sethvargo/go-retry"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// SessionProvider is satisfied by *credbroker.Broker.
type SessionProvider interface {
	Obtain(ctx context.Context, accountID, roleName string) (credbroker.Session, error)
}

// purger is implemented by providers that cache sessions, such as *credbroker.Broker.
type purger interface {
	Purge() int
	Len() int
}

var _ purger = (*credbroker.Broker)(nil)

const (
	DefaultConcurrency    = 10
	DefaultMaxAttempts    = 3
	DefaultBackoff        = time.Second
	DefaultAccountTimeout = 5 * time.Minute
)

type Executor struct {
	Broker SessionProvider
	// RoleName is assumed in every target account.
	RoleName    string
	Concurrency int
	// MaxAttempts bounds the attempts per account for retryable errors.
	MaxAttempts int
	// Backoff is the initial delay between attempts; it doubles on each retry.
	Backoff time.Duration
	// AccountTimeout bounds the total time spent on one account.
	AccountTimeout time.Duration
	// Limiter paces dispatch. Optional.
	Limiter ratelimit.Limiter
	// Sink is notified of every applied change, best effort. Optional.
	Sink sink.Sink
	Log  *zap.SugaredLogger
}

type Summary struct {
	Operation string        `json:"operation"`
	DryRun    bool          `json:"dryRun"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (s *Summary) add(o operation.Outcome) {
	s.Total++
	switch o {
	case operation.Succeeded:
		s.Succeeded++
	case operation.Skipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

func (s *Summary) merge(o Summary) {
	s.Total += o.Total
	s.Succeeded += o.Succeeded
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

// Run is the output of one execution. Results are in the order the accounts were submitted.
type Run struct {
	Results []operation.Result `json:"results"`
	Summary Summary            `json:"summary"`
}

// AppliedEvent is sent to the Sink for every account that was changed.
type AppliedEvent struct {
	AccountID   string `json:"accountId"`
	AccountName string `json:"accountName"`
	Operation   string `json:"operation"`
	Detail      string `json:"detail"`
}

func (e *Executor) withDefaults() Executor {
	cp := *e
	if cp.Concurrency == 0 {
		cp.Concurrency = DefaultConcurrency
	}
	if cp.MaxAttempts == 0 {
		cp.MaxAttempts = DefaultMaxAttempts
	}
	if cp.Backoff <= 0 {
		cp.Backoff = DefaultBackoff
	}
	if cp.AccountTimeout <= 0 {
		cp.AccountTimeout = DefaultAccountTimeout
	}
	if cp.Limiter == nil {
		cp.Limiter = ratelimit.NewUnlimited()
	}
	if cp.Sink == nil {
		cp.Sink = sink.Nop{}
	}
	if cp.Log == nil {
		cp.Log = zap.NewNop().Sugar()
	}
	return cp
}

func (e *Executor) validate(accounts []inventory.AccountRecord, op operation.Operation) error {
	if op == nil {
		return apierr.Validationf("no operation given")
	}
	if e.Broker == nil {
		return apierr.Validationf("no credential broker configured")
	}
	if e.RoleName == "" {
		return apierr.Validationf("a role name to assume in each account is required")
	}
	if e.Concurrency < 1 {
		return apierr.Validationf("concurrency must be at least 1, got %d", e.Concurrency)
	}
	if e.MaxAttempts < 1 {
		return apierr.Validationf("max attempts must be at least 1, got %d", e.MaxAttempts)
	}
	seen := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		if a.ID == "" {
			return apierr.Validationf("account %q has no account id", a.Name)
		}
		if _, dup := seen[a.ID]; dup {
			return apierr.Validationf("account %s was submitted more than once", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return op.Validate()
}

type indexedResult struct {
	i   int
	res operation.Result
}

// Run applies op (or previews it, when dryRun is set) to every account.
//
// A ValidationError is returned before any account is processed if the
// operation or the executor is misconfigured. Otherwise Run always returns a
// complete Run, even when accounts fail or ctx is cancelled.
func (e *Executor) Run(ctx context.Context, accounts []inventory.AccountRecord, op operation.Operation, dryRun bool) (*Run, error) {
	ex := e.withDefaults()
	if err := ex.validate(accounts, op); err != nil {
		return nil, err
	}
	return ex.run(ctx, accounts, op, dryRun), nil
}

// RunBatches processes batches one after another, merging their results.
func (e *Executor) RunBatches(ctx context.Context, batches []batch.Batch[inventory.AccountRecord], op operation.Operation, dryRun bool) (*Run, error) {
	ex := e.withDefaults()
	if err := ex.validate(batch.Flatten(batches), op); err != nil {
		return nil, err
	}
	start := time.Now()
	out := &Run{Summary: Summary{Operation: op.Name(), DryRun: dryRun}}
	for _, b := range batches {
		if p, ok := ex.Broker.(purger); ok && b.Index > 0 {
			// later batches run long after the first sessions were issued
			ex.Log.Debugw("purged expired sessions", "purged", p.Purge(), "cached", p.Len())
		}
		ex.Log.Infow("starting batch", "batch", b.Index+1, "of", len(batches), "accounts", len(b.Items))
		r := ex.run(ctx, b.Items, op, dryRun)
		out.Results = append(out.Results, r.Results...)
		out.Summary.merge(r.Summary)
	}
	out.Summary.Elapsed = time.Since(start)
	return out, nil
}

func (e *Executor) run(ctx context.Context, accounts []inventory.AccountRecord, op operation.Operation, dryRun bool) *Run {
	start := time.Now()
	log := e.Log.With("operation", op.Name(), "dryRun", dryRun)
	log.Infow("dispatching accounts", "accounts", len(accounts), "concurrency", e.Concurrency)

	out := &Run{
		Results: make([]operation.Result, len(accounts)),
		Summary: Summary{Operation: op.Name(), DryRun: dryRun},
	}

	// results funnel through one collector so the summary is never shared between workers
	results := make(chan indexedResult)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range results {
			out.Results[r.i] = r.res
			out.Summary.add(r.res.Outcome)
			logResult(log, r.res)
		}
	}()

	sem := semaphore.NewWeighted(int64(e.Concurrency))
	var g errgroup.Group
	for i, account := range accounts {
		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}
		if err != nil {
			log.Warnw("run cancelled, no further accounts will be dispatched", "remaining", len(accounts)-i)
			for j := i; j < len(accounts); j++ {
				results <- indexedResult{i: j, res: notDispatched(accounts[j], dryRun, err)}
			}
			break
		}
		e.Limiter.Take()
		i, account := i, account
		g.Go(func() error {
			defer sem.Release(1)
			results <- indexedResult{i: i, res: e.process(ctx, account, op, dryRun)}
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-collected

	out.Summary.Elapsed = time.Since(start)
	s := out.Summary
	log.Infow("run complete", "total", s.Total, "succeeded", s.Succeeded, "skipped", s.Skipped, "failed", s.Failed, "elapsed", s.Elapsed.String())
	return out
}

func notDispatched(a inventory.AccountRecord, dryRun bool, err error) operation.Result {
	return operation.Result{
		AccountID:   a.ID,
		AccountName: a.Name,
		Outcome:     operation.Failed,
		Detail:      fmt.Sprintf("not dispatched: run cancelled (%s)", err),
		DryRun:      dryRun,
	}
}

func logResult(log *zap.SugaredLogger, r operation.Result) {
	fields := []interface{}{
		"account", r.AccountID,
		"accountName", r.AccountName,
		"outcome", r.Outcome,
		"attempts", r.Attempts,
		"duration", r.Duration.String(),
		"detail", r.Detail,
	}
	if r.Outcome == operation.Failed {
		log.Warnw("account failed", fields...)
		return
	}
	log.Infow("account processed", fields...)
}

// process runs every step for one account strictly in sequence: obtain a
// session, then preview or apply. Retryable errors send the account back to
// Pending until attempts run out.
func (e *Executor) process(runCtx context.Context, account inventory.AccountRecord, op operation.Operation, dryRun bool) operation.Result {
	start := time.Now()
	log := e.Log.With("account", account.ID, "operation", op.Name())

	// in-flight calls are not interrupted by run cancellation; it is checked between calls instead
	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), e.AccountTimeout)
	defer cancel()

	st := &tracker{state: pending, log: log}
	attempts := 0
	var res operation.Result

	retryable := func(err error) error {
		kind := apierr.KindOf(err)
		if apierr.Retryable(kind) && ctx.Err() == nil {
			log.Debugw("retryable error", "kind", kind, "attempt", attempts, "error", err)
			if st.state == applying {
				st.to(pending)
			}
			return sethRetry.RetryableError(err)
		}
		return err
	}

	b := sethRetry.NewExponential(e.Backoff)
	b = sethRetry.WithJitterPercent(10, b)
	b = sethRetry.WithMaxRetries(uint64(e.MaxAttempts-1), b)

	err := sethRetry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		if err := runCtx.Err(); err != nil {
			return err
		}
		session, err := e.Broker.Obtain(ctx, account.ID, e.RoleName)
		if err != nil {
			return retryable(err)
		}
		if err := runCtx.Err(); err != nil {
			return err
		}

		st.to(applying)
		if dryRun {
			plan, err := op.DryRun(ctx, account)
			if err != nil {
				return retryable(err)
			}
			res = operation.Succeed(plan)
			return nil
		}
		res, err = op.Apply(ctx, account, session)
		if err != nil {
			return retryable(err)
		}
		return nil
	})

	switch {
	case err == nil && res.Outcome == operation.Skipped:
		st.to(skipped)
	case err == nil && res.Outcome == operation.Failed:
		st.to(failed)
	case err == nil:
		res.Outcome = operation.Succeeded
		st.to(applied)
	case apierr.Is(err, apierr.NotFound):
		res = operation.Skip(fmt.Sprintf("not found: %s", err))
		st.to(skipped)
	default:
		res = operation.Result{Outcome: operation.Failed, Detail: failureDetail(ctx, err, e.AccountTimeout)}
		st.to(failed)
	}

	res.AccountID = account.ID
	res.AccountName = account.Name
	res.DryRun = dryRun
	res.Attempts = attempts
	res.Duration = time.Since(start)

	if res.Outcome == operation.Succeeded && !dryRun {
		e.notify(ctx, log, op, res)
	}
	return res
}

func failureDetail(ctx context.Context, err error, timeout time.Duration) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("timed out after %s: %s", timeout, err)
	case apierr.IsCancellation(err):
		return fmt.Sprintf("run cancelled: %s", err)
	}
	return fmt.Sprintf("%s: %s", apierr.KindOf(err), err)
}

func (e *Executor) notify(ctx context.Context, log *zap.SugaredLogger, op operation.Operation, res operation.Result) {
	err := e.Sink.Send(ctx, AppliedEvent{
		AccountID:   res.AccountID,
		AccountName: res.AccountName,
		Operation:   op.Name(),
		Detail:      res.Detail,
	})
	if err != nil {
		log.Warnw("downstream notification failed", "error", err)
	}
}
