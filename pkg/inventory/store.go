package inventory

import (
	"context"
	"strings"

	"github.com/common-fate/hubctl/pkg/apierr"
)

// Store is the inventory of spoke accounts.
type Store interface {
	// Query returns a lazy cursor over every record matching p.
	// Each call starts a fresh scan.
	Query(ctx context.Context, p Predicate) *Cursor
	// Mutate sets an attribute on the record identified by accountID.
	// The returned bool reports whether the stored record changed.
	Mutate(ctx context.Context, accountID string, m Mutation) (AccountRecord, bool, error)
	// Remove deletes an attribute. Removing an absent attribute is not an error
	// and reports changed=false.
	Remove(ctx context.Context, accountID string, attribute string) (AccountRecord, bool, error)
}

// Mode declares how Mutate treats an attribute that is already present.
// There is no default: every mutation states its mode explicitly.
type Mode int

const (
	ModeUnset Mode = iota
	// SetIfAbsent leaves an existing attribute untouched.
	SetIfAbsent
	// Overwrite replaces any existing value.
	Overwrite
)

func (m Mode) String() string {
	switch m {
	case SetIfAbsent:
		return "set-if-absent"
	case Overwrite:
		return "overwrite"
	}
	return "unset"
}

// ParseMode parses the CLI form of a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "set-if-absent", "setifabsent":
		return SetIfAbsent, nil
	case "overwrite":
		return Overwrite, nil
	}
	return ModeUnset, apierr.Validationf("unknown mutation mode %q (expected 'set-if-absent' or 'overwrite')", s)
}

type Mutation struct {
	Attribute string
	Value     string
	Mode      Mode
}

func (m Mutation) Validate() error {
	if err := validateAttribute(m.Attribute); err != nil {
		return err
	}
	if m.Value == "" {
		return apierr.Validationf("a value is required to set %q", m.Attribute)
	}
	if m.Mode != SetIfAbsent && m.Mode != Overwrite {
		return apierr.Validationf("mutation of %q must declare a mode (set-if-absent or overwrite)", m.Attribute)
	}
	return nil
}

func validateAttribute(attr string) error {
	if attr == "" {
		return apierr.Validationf("attribute name is required")
	}
	if reserved[attr] {
		return apierr.Validationf("attribute %q is managed by the inventory and cannot be changed", attr)
	}
	return nil
}

// apply computes the record produced by m. changed is false when the mutation is a no-op.
func (m Mutation) apply(r AccountRecord) (AccountRecord, bool) {
	cur, exists := r.Get(m.Attribute)
	if exists && (m.Mode == SetIfAbsent || cur == m.Value) {
		return r, false
	}
	r = r.set(m.Attribute, m.Value)
	r.Version++
	return r, true
}

// Collect drains a cursor into a slice.
func Collect(ctx context.Context, c *Cursor) ([]AccountRecord, error) {
	var out []AccountRecord
	for c.Next(ctx) {
		out = append(out, c.Record())
	}
	return out, c.Err()
}
