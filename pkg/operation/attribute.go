package operation

import (
	"context"
	"fmt"

	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/common-fate/hubctl/pkg/credbroker"
	"github.com/common-fate/hubctl/pkg/inventory"
)

// SetAttribute writes an attribute on the account's inventory record.
type SetAttribute struct {
	Store    inventory.Store
	Mutation inventory.Mutation
}

func (o *SetAttribute) Name() string { return "attribute-set" }

func (o *SetAttribute) Validate() error {
	if o.Store == nil {
		return apierr.Validationf("%s requires an inventory store", o.Name())
	}
	return o.Mutation.Validate()
}

func (o *SetAttribute) DryRun(ctx context.Context, account inventory.AccountRecord) (string, error) {
	m := o.Mutation
	cur, exists := account.Get(m.Attribute)
	switch {
	case exists && cur == m.Value:
		return fmt.Sprintf("no change: %s is already %q", m.Attribute, cur), nil
	case exists && m.Mode == inventory.SetIfAbsent:
		return fmt.Sprintf("no change: %s is already set to %q (%s)", m.Attribute, cur, m.Mode), nil
	case exists:
		return fmt.Sprintf("would overwrite %s: %q -> %q", m.Attribute, cur, m.Value), nil
	}
	return fmt.Sprintf("would set %s = %q", m.Attribute, m.Value), nil
}

func (o *SetAttribute) Apply(ctx context.Context, account inventory.AccountRecord, _ credbroker.Session) (Result, error) {
	m := o.Mutation
	updated, changed, err := o.Store.Mutate(ctx, account.ID, m)
	if err != nil {
		return Result{}, err
	}
	if !changed {
		cur, _ := updated.Get(m.Attribute)
		return Skip(fmt.Sprintf("%s already set to %q", m.Attribute, cur)), nil
	}
	return Succeed(fmt.Sprintf("set %s = %q (version %d)", m.Attribute, m.Value, updated.Version)), nil
}

// RemoveAttribute deletes an attribute from the account's inventory record.
type RemoveAttribute struct {
	Store     inventory.Store
	Attribute string
}

func (o *RemoveAttribute) Name() string { return "attribute-remove" }

func (o *RemoveAttribute) Validate() error {
	if o.Store == nil {
		return apierr.Validationf("%s requires an inventory store", o.Name())
	}
	if o.Attribute == "" {
		return apierr.Validationf("%s requires an attribute name", o.Name())
	}
	return nil
}

func (o *RemoveAttribute) DryRun(ctx context.Context, account inventory.AccountRecord) (string, error) {
	cur, ok := account.Get(o.Attribute)
	if !ok {
		return fmt.Sprintf("no change: %s is not set", o.Attribute), nil
	}
	return fmt.Sprintf("would remove %s (currently %q)", o.Attribute, cur), nil
}

func (o *RemoveAttribute) Apply(ctx context.Context, account inventory.AccountRecord, _ credbroker.Session) (Result, error) {
	updated, changed, err := o.Store.Remove(ctx, account.ID, o.Attribute)
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return Skip(fmt.Sprintf("%s is not set", o.Attribute)), nil
	}
	return Succeed(fmt.Sprintf("removed %s (version %d)", o.Attribute, updated.Version)), nil
}
