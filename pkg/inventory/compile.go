package inventory

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/common-fate/hubctl/pkg/apierr"
)

// compileFilter translates a predicate tree into a DynamoDB filter condition.
// The condition selects the same items as Predicate.Eval over the decoded
// records: numbers and booleans match their canonical string form, and empty
// well-known fields count as absent. List and map values only match their
// JSON encoding, which a filter can't express, so they never match server side.
func compileFilter(p Predicate) (expression.ConditionBuilder, error) {
	switch n := p.(type) {
	case Eq:
		return compileEq(n), nil
	case Exists:
		return presence(n.Attribute), nil
	case Match:
		// fuzzy matching has no DynamoDB equivalent; the caller filters client side.
		return expression.AttributeExists(expression.Name(n.Attribute)), nil
	case Not:
		if containsMatch(n.P) {
			// NOT of an over-approximation isn't sound; scan everything.
			return expression.AttributeExists(expression.Name(AttrAccountID)), nil
		}
		c, err := compileFilter(n.P)
		if err != nil {
			return expression.ConditionBuilder{}, err
		}
		return expression.Not(c), nil
	case And:
		conds, err := compileOperands(n)
		if err != nil || len(conds) == 1 {
			return first(conds), err
		}
		return expression.And(conds[0], conds[1], conds[2:]...), nil
	case Or:
		conds, err := compileOperands(n)
		if err != nil || len(conds) == 1 {
			return first(conds), err
		}
		return expression.Or(conds[0], conds[1], conds[2:]...), nil
	}
	return expression.ConditionBuilder{}, apierr.Validationf("unsupported filter node %T", p)
}

// compileEq matches the stored value in every type that decodes to n.Value.
func compileEq(n Eq) expression.ConditionBuilder {
	name := expression.Name(n.Attribute)
	if n.Attribute == AttrVersion {
		// version is stored as a number and is absent while zero.
		v, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil || v <= 0 || strconv.FormatInt(v, 10) != n.Value {
			return presence(AttrVersion).And(expression.Not(presence(AttrVersion)))
		}
		return name.Equal(expression.Value(v))
	}
	if n.Value == "" && isWellKnown(n.Attribute) {
		// an empty well-known field is absent, so it never equals anything.
		return presence(n.Attribute).And(name.Equal(expression.Value("")))
	}
	cond := name.Equal(expression.Value(n.Value))
	if f, err := strconv.ParseFloat(n.Value, 64); err == nil && strconv.FormatFloat(f, 'f', -1, 64) == n.Value {
		cond = cond.Or(name.Equal(expression.Value(f)))
	}
	if b, err := strconv.ParseBool(n.Value); err == nil && strconv.FormatBool(b) == n.Value {
		cond = cond.Or(name.Equal(expression.Value(b)))
	}
	return cond
}

// presence is true when Get would report attr as present.
func presence(attr string) expression.ConditionBuilder {
	name := expression.Name(attr)
	switch {
	case attr == AttrVersion:
		return name.GreaterThan(expression.Value(0))
	case isWellKnown(attr):
		return expression.AttributeExists(name).And(name.NotEqual(expression.Value("")))
	}
	return expression.AttributeExists(name)
}

func isWellKnown(attr string) bool {
	switch attr {
	case AttrAccountID, AttrAccountName, AttrStatus, AttrAccountType, AttrEnvironmentType, AttrRegion:
		return true
	}
	return false
}

func containsMatch(p Predicate) bool {
	switch n := p.(type) {
	case Match:
		return true
	case Not:
		return containsMatch(n.P)
	case And:
		for _, op := range n {
			if containsMatch(op) {
				return true
			}
		}
	case Or:
		for _, op := range n {
			if containsMatch(op) {
				return true
			}
		}
	}
	return false
}

func compileOperands(ops []Predicate) ([]expression.ConditionBuilder, error) {
	if len(ops) == 0 {
		return nil, apierr.Validationf("filter group has no operands")
	}
	conds := make([]expression.ConditionBuilder, 0, len(ops))
	for _, op := range ops {
		c, err := compileFilter(op)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func first(conds []expression.ConditionBuilder) expression.ConditionBuilder {
	if len(conds) == 0 {
		return expression.ConditionBuilder{}
	}
	return conds[0]
}
