// Package report renders fleet run results for humans and machines.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/common-fate/hubctl/pkg/fleet"
	"github.com/common-fate/hubctl/pkg/inventory"
	"github.com/common-fate/hubctl/pkg/operation"
	"github.com/fatih/color"
	"github.com/hako/durafmt"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

// Colorize reports whether w is a terminal that should receive coloured output.
func Colorize(w io.Writer) bool {
	if color.NoColor {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func outcomeColor(o operation.Outcome) *color.Color {
	switch o {
	case operation.Succeeded:
		return color.New(color.FgGreen)
	case operation.Skipped:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

// Table writes one line per account result.
func Table(w io.Writer, results []operation.Result) {
	colorize := Colorize(w)
	table := newTable(w, []string{"ACCOUNT", "NAME", "OUTCOME", "ATTEMPTS", "DETAIL"})
	for _, r := range results {
		outcome := string(r.Outcome)
		if r.DryRun {
			outcome += " (dry run)"
		}
		if colorize {
			outcome = outcomeColor(r.Outcome).Sprint(outcome)
		}
		table.Append([]string{r.AccountID, r.AccountName, outcome, strconv.Itoa(r.Attempts), r.Detail})
	}
	table.Render()
}

// SummaryLine describes the counts and elapsed time of a run.
func SummaryLine(s fleet.Summary) string {
	prefix := s.Operation
	if s.DryRun {
		prefix += " (dry run)"
	}
	elapsed := durafmt.Parse(s.Elapsed).LimitFirstN(2).String()
	return fmt.Sprintf("%s: %d accounts, %d succeeded, %d skipped, %d failed in %s",
		prefix, s.Total, s.Succeeded, s.Skipped, s.Failed, elapsed)
}

// JSON writes the whole run as indented JSON.
func JSON(w io.Writer, run *fleet.Run) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

// Rows writes audit report rows. Columns for attribute and parameter values
// are the union of the keys present across all rows, sorted by name.
func Rows(w io.Writer, rows []operation.Row) {
	keys := map[string]struct{}{}
	for _, r := range rows {
		for k := range r.Values {
			keys[k] = struct{}{}
		}
	}
	extra := make([]string, 0, len(keys))
	for k := range keys {
		extra = append(extra, k)
	}
	sort.Strings(extra)

	header := append([]string{"ACCOUNT", "NAME", "STATUS", "ENVIRONMENT", "REGION", "CALLER"}, extra...)
	table := newTable(w, header)
	// keep attribute names as given rather than upper-casing them
	table.SetAutoFormatHeaders(false)
	for _, r := range rows {
		line := []string{r.AccountID, r.AccountName, r.Status, r.EnvironmentType, r.Region, r.CallerARN}
		for _, k := range extra {
			line = append(line, r.Values[k])
		}
		table.Append(line)
	}
	table.Render()
}

// Accounts writes inventory records, one per line.
func Accounts(w io.Writer, records []inventory.AccountRecord) {
	table := newTable(w, []string{"ACCOUNT", "NAME", "STATUS", "TYPE", "ENVIRONMENT", "REGION", "ATTRIBUTES"})
	for _, r := range records {
		var attrs []string
		for _, k := range sortedKeys(r.Attributes) {
			attrs = append(attrs, k+"="+r.Attributes[k])
		}
		table.Append([]string{r.ID, r.Name, r.Status, r.AccountType, r.EnvironmentType, r.Region, strings.Join(attrs, ",")})
	}
	table.Render()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Upload stores the JSON form of run at s3://bucket/key.
func Upload(ctx context.Context, client S3API, bucket, key string, run *fleet.Run) error {
	var buf bytes.Buffer
	if err := JSON(&buf, run); err != nil {
		return errors.Wrap(err, "encoding run report")
	}
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrapf(err, "uploading report to s3://%s/%s", bucket, key)
	}
	return nil
}
