package operation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/common-fate/hubctl/pkg/credbroker"
	"github.com/common-fate/hubctl/pkg/inventory"
)

type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Row is one line of an audit report.
type Row struct {
	AccountID       string            `json:"accountId"`
	AccountName     string            `json:"accountName"`
	Status          string            `json:"status"`
	EnvironmentType string            `json:"environmentType"`
	Region          string            `json:"region"`
	CallerARN       string            `json:"callerArn"`
	Values          map[string]string `json:"values,omitempty"`
}

// Rows collects report rows from concurrent workers. Each account is recorded once.
type Rows struct {
	mu   sync.Mutex
	rows map[string]Row
}

func NewRows() *Rows {
	return &Rows{rows: map[string]Row{}}
}

// Add records r and reports false if the account already has a row.
func (r *Rows) Add(row Row) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[row.AccountID]; ok {
		return false
	}
	r.rows[row.AccountID] = row
	return true
}

func (r *Rows) Has(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[accountID]
	return ok
}

// Sorted returns the collected rows ordered by account name.
func (r *Rows) Sorted() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountName < out[j].AccountName })
	return out
}

// ReportRow records an audit row per account: inventory fields, selected
// inventory attributes, the federated caller identity and optional SSM
// parameter values read from the spoke account.
type ReportRow struct {
	Attributes []string
	Parameters []string
	Rows       *Rows
	Base       aws.Config
	NewSTS     func(cfg aws.Config) CallerIdentityAPI
	NewSSM     func(cfg aws.Config) SSMAPI
}

func NewReportRow(base aws.Config, rows *Rows, attributes, parameters []string) *ReportRow {
	return &ReportRow{
		Attributes: attributes,
		Parameters: parameters,
		Rows:       rows,
		Base:       base,
		NewSTS:     func(cfg aws.Config) CallerIdentityAPI { return sts.NewFromConfig(cfg) },
		NewSSM:     func(cfg aws.Config) SSMAPI { return ssm.NewFromConfig(cfg) },
	}
}

func (o *ReportRow) Name() string { return "report-row" }

func (o *ReportRow) Validate() error {
	if o.Rows == nil {
		return apierr.Validationf("%s requires a row collector", o.Name())
	}
	if o.NewSTS == nil || (len(o.Parameters) > 0 && o.NewSSM == nil) {
		return apierr.Validationf("%s has no client factory", o.Name())
	}
	return nil
}

func (o *ReportRow) DryRun(ctx context.Context, account inventory.AccountRecord) (string, error) {
	cols := append(append([]string{}, o.Attributes...), o.Parameters...)
	if len(cols) == 0 {
		return "would record caller identity", nil
	}
	return fmt.Sprintf("would record caller identity and %s", strings.Join(cols, ", ")), nil
}

func (o *ReportRow) Apply(ctx context.Context, account inventory.AccountRecord, session credbroker.Session) (Result, error) {
	if o.Rows.Has(account.ID) {
		return Skip("row already recorded"), nil
	}
	cfg := session.Config(o.Base)
	if account.Region != "" {
		cfg.Region = account.Region
	}

	caller, err := o.NewSTS(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Result{}, err
	}

	row := Row{
		AccountID:       account.ID,
		AccountName:     account.Name,
		Status:          account.Status,
		EnvironmentType: account.EnvironmentType,
		Region:          account.Region,
		CallerARN:       aws.ToString(caller.Arn),
		Values:          map[string]string{},
	}
	for _, attr := range o.Attributes {
		v, ok := account.Get(attr)
		if !ok {
			v = "-"
		}
		row.Values[attr] = v
	}
	if len(o.Parameters) > 0 {
		client := o.NewSSM(cfg)
		for _, name := range o.Parameters {
			out, err := client.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(name), WithDecryption: aws.Bool(false)})
			if apierr.Is(err, apierr.NotFound) {
				row.Values[name] = "-"
				continue
			}
			if err != nil {
				return Result{}, err
			}
			if out.Parameter != nil {
				row.Values[name] = aws.ToString(out.Parameter.Value)
			}
		}
	}

	if !o.Rows.Add(row) {
		return Skip("row already recorded"), nil
	}
	return Succeed(fmt.Sprintf("recorded row for %s", row.CallerARN)), nil
}
