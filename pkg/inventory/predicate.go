package inventory

import (
	"fmt"
	"strings"

	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Predicate is a side-effect free boolean expression over an AccountRecord.
//
// Predicates are plain expression trees built from Eq, Exists, Match, And, Or and Not.
// Stores translate the tree into their native filter language, so callers never
// depend on a backend's expression builder.
type Predicate interface {
	Eval(r AccountRecord) bool
	Validate() error
	String() string
}

// Eq matches records where Attribute is present and equal to Value.
type Eq struct {
	Attribute string
	Value     string
}

// Exists matches records where Attribute is present.
type Exists struct {
	Attribute string
}

// Match matches records where Attribute is present and contains the
// characters of Pattern in order, ignoring case.
type Match struct {
	Attribute string
	Pattern   string
}

// And matches when every operand matches.
type And []Predicate

// Or matches when at least one operand matches.
type Or []Predicate

// Not inverts its operand.
type Not struct {
	P Predicate
}

func (p Eq) Eval(r AccountRecord) bool {
	v, ok := r.Get(p.Attribute)
	return ok && v == p.Value
}

func (p Eq) Validate() error {
	if p.Attribute == "" {
		return apierr.Validationf("equality filter is missing an attribute name")
	}
	return nil
}

func (p Eq) String() string { return fmt.Sprintf("%s = %q", p.Attribute, p.Value) }

func (p Exists) Eval(r AccountRecord) bool {
	_, ok := r.Get(p.Attribute)
	return ok
}

func (p Exists) Validate() error {
	if p.Attribute == "" {
		return apierr.Validationf("exists filter is missing an attribute name")
	}
	return nil
}

func (p Exists) String() string { return fmt.Sprintf("exists(%s)", p.Attribute) }

func (p Match) Eval(r AccountRecord) bool {
	v, ok := r.Get(p.Attribute)
	return ok && fuzzy.MatchFold(p.Pattern, v)
}

func (p Match) Validate() error {
	if p.Attribute == "" {
		return apierr.Validationf("match filter is missing an attribute name")
	}
	if p.Pattern == "" {
		return apierr.Validationf("match filter on %s has an empty pattern", p.Attribute)
	}
	return nil
}

func (p Match) String() string { return fmt.Sprintf("%s ~ %q", p.Attribute, p.Pattern) }

func (p And) Eval(r AccountRecord) bool {
	for _, op := range p {
		if !op.Eval(r) {
			return false
		}
	}
	return true
}

func (p And) Validate() error { return validateOperands("AND", p) }

func (p And) String() string { return join(" AND ", p) }

func (p Or) Eval(r AccountRecord) bool {
	for _, op := range p {
		if op.Eval(r) {
			return true
		}
	}
	return false
}

func (p Or) Validate() error { return validateOperands("OR", p) }

func (p Or) String() string { return join(" OR ", p) }

func (p Not) Eval(r AccountRecord) bool { return !p.P.Eval(r) }

func (p Not) Validate() error {
	if p.P == nil {
		return apierr.Validationf("NOT filter has no operand")
	}
	return p.P.Validate()
}

func (p Not) String() string {
	if p.P == nil {
		return "NOT ()"
	}
	return "NOT (" + p.P.String() + ")"
}

func validateOperands(name string, ops []Predicate) error {
	if len(ops) == 0 {
		return apierr.Validationf("%s filter has no operands", name)
	}
	for _, op := range ops {
		if op == nil {
			return apierr.Validationf("%s filter has a nil operand", name)
		}
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func join(sep string, ops []Predicate) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = "(" + op.String() + ")"
	}
	return strings.Join(parts, sep)
}

// Matches evaluates p against r. A nil predicate matches every record.
func Matches(p Predicate, r AccountRecord) bool {
	return p == nil || p.Eval(r)
}

// Describe renders p for logs. A nil predicate is reported as "all accounts".
func Describe(p Predicate) string {
	if p == nil {
		return "all accounts"
	}
	return p.String()
}

// ParseFilters builds a predicate from CLI filter expressions.
// Each filter is one of:
//
//	key=value   key!=value   key~pattern   key   !key
//
// key~pattern fuzzy matches the value, so "account-name~prdpay" selects
// "prod-payments".
// Alternatives within one filter are separated by '|' and combined with OR;
// separate filters are combined with AND. No filters yields a nil predicate.
func ParseFilters(filters []string) (Predicate, error) {
	var all And
	for _, f := range filters {
		var alts Or
		for _, term := range strings.Split(f, "|") {
			p, err := parseTerm(strings.TrimSpace(term))
			if err != nil {
				return nil, err
			}
			alts = append(alts, p)
		}
		if len(alts) == 1 {
			all = append(all, alts[0])
		} else {
			all = append(all, alts)
		}
	}
	switch len(all) {
	case 0:
		return nil, nil
	case 1:
		return all[0], nil
	}
	return all, nil
}

func parseTerm(term string) (Predicate, error) {
	if term == "" {
		return nil, apierr.Validationf("empty filter expression")
	}
	if strings.HasPrefix(term, "!") && !strings.ContainsAny(term, "=~") {
		k := strings.TrimPrefix(term, "!")
		if k == "" {
			return nil, apierr.Validationf("filter %q is missing an attribute name", term)
		}
		return Not{P: Exists{Attribute: k}}, nil
	}
	// the first operator splits the term; values may contain operator characters.
	i := strings.IndexAny(term, "=~")
	if i < 0 {
		return Exists{Attribute: term}, nil
	}
	k, v := term[:i], term[i+1:]
	negate := term[i] == '=' && strings.HasSuffix(k, "!")
	if negate {
		k = strings.TrimSuffix(k, "!")
	}
	if k == "" {
		return nil, apierr.Validationf("filter %q is missing an attribute name", term)
	}
	switch {
	case term[i] == '~':
		return Match{Attribute: k, Pattern: v}, nil
	case negate:
		return Not{P: Eq{Attribute: k, Value: v}}, nil
	}
	return Eq{Attribute: k, Value: v}, nil
}
