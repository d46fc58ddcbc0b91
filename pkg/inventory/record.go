// Package inventory queries and mutates the hub account's inventory of spoke accounts.
package inventory

import (
	"sort"
	"strconv"
)

// Well-known attribute names of an inventory item.
const (
	AttrAccountID       = "account-id"
	AttrAccountName     = "account-name"
	AttrStatus          = "status"
	AttrAccountType     = "account-type"
	AttrEnvironmentType = "environment-type"
	AttrRegion          = "region"
	AttrVersion         = "version"
)

// reserved attributes can't be changed through Mutate or Remove.
var reserved = map[string]bool{
	AttrAccountID:   true,
	AttrAccountName: true,
	AttrVersion:     true,
}

// AccountRecord is a spoke account as described by the inventory.
// Records are owned by the inventory; the engine only reads them.
type AccountRecord struct {
	ID              string            `json:"accountId" yaml:"account-id"`
	Name            string            `json:"accountName" yaml:"account-name"`
	Status          string            `json:"status,omitempty" yaml:"status"`
	AccountType     string            `json:"accountType,omitempty" yaml:"account-type"`
	EnvironmentType string            `json:"environmentType,omitempty" yaml:"environment-type"`
	Region          string            `json:"region,omitempty" yaml:"region"`
	Attributes      map[string]string `json:"attributes,omitempty" yaml:"attributes"`
	// Version is incremented on every change and guards against concurrent writers.
	Version int64 `json:"version" yaml:"version"`
}

// Get returns the value of a well-known or free-form attribute.
// Empty well-known fields and a zero version are reported as absent.
func (r AccountRecord) Get(attr string) (string, bool) {
	var v string
	switch attr {
	case AttrAccountID:
		v = r.ID
	case AttrAccountName:
		v = r.Name
	case AttrStatus:
		v = r.Status
	case AttrAccountType:
		v = r.AccountType
	case AttrEnvironmentType:
		v = r.EnvironmentType
	case AttrRegion:
		v = r.Region
	case AttrVersion:
		return strconv.FormatInt(r.Version, 10), r.Version > 0
	default:
		val, ok := r.Attributes[attr]
		return val, ok
	}
	return v, v != ""
}

// set assigns attr on a copy of r. Callers must reject reserved attributes first.
func (r AccountRecord) set(attr, value string) AccountRecord {
	switch attr {
	case AttrStatus:
		r.Status = value
	case AttrAccountType:
		r.AccountType = value
	case AttrEnvironmentType:
		r.EnvironmentType = value
	case AttrRegion:
		r.Region = value
	default:
		attrs := make(map[string]string, len(r.Attributes)+1)
		for k, v := range r.Attributes {
			attrs[k] = v
		}
		attrs[attr] = value
		r.Attributes = attrs
	}
	return r
}

func (r AccountRecord) unset(attr string) AccountRecord {
	switch attr {
	case AttrStatus, AttrAccountType, AttrEnvironmentType, AttrRegion:
		return r.set(attr, "")
	}
	attrs := make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		if k != attr {
			attrs[k] = v
		}
	}
	r.Attributes = attrs
	return r
}

// AttributeNames returns the free-form attribute names of r in sorted order.
func (r AccountRecord) AttributeNames() []string {
	names := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
