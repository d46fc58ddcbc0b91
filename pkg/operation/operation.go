// Package operation defines the governance actions the fleet executor applies
// to spoke accounts.
//
// Every Operation is idempotent: applying it twice to the same account leaves
// the account in the same state, and the second Apply reports Skipped.
package operation

import (
	"context"
	"time"

	"github.com/common-fate/hubctl/pkg/credbroker"
	"github.com/common-fate/hubctl/pkg/inventory"
)

type Outcome string

const (
	Succeeded Outcome = "Succeeded"
	Skipped   Outcome = "Skipped"
	Failed    Outcome = "Failed"
)

// Result is the outcome of running an Operation against one account.
type Result struct {
	AccountID   string        `json:"accountId"`
	AccountName string        `json:"accountName"`
	Outcome     Outcome       `json:"outcome"`
	Detail      string        `json:"detail"`
	DryRun      bool          `json:"dryRun"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
}

func Succeed(detail string) Result { return Result{Outcome: Succeeded, Detail: detail} }

func Skip(detail string) Result { return Result{Outcome: Skipped, Detail: detail} }

type Operation interface {
	// Name identifies the operation in logs and reports.
	Name() string
	// Validate checks the operation's configuration before any account is processed.
	Validate() error
	// DryRun describes the change Apply would make, without making it.
	DryRun(ctx context.Context, account inventory.AccountRecord) (string, error)
	// Apply makes the change using the account's federated session.
	Apply(ctx context.Context, account inventory.AccountRecord, session credbroker.Session) (Result, error)
}
