package inventory

import (
	"context"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const defaultMemoryPageSize = 25

// MemoryStore is an in-process Store. It mirrors the paging behaviour of
// the DynamoDB store: the page size bounds the records examined per page,
// before filtering, so pages may come back empty.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]AccountRecord
	pageSize int
}

func NewMemoryStore(pageSize int, records ...AccountRecord) (*MemoryStore, error) {
	if pageSize < 1 {
		pageSize = defaultMemoryPageSize
	}
	s := &MemoryStore{byID: make(map[string]AccountRecord, len(records)), pageSize: pageSize}
	for _, r := range records {
		if r.ID == "" {
			return nil, apierr.Validationf("account %q has no account id", r.Name)
		}
		if _, ok := s.byID[r.ID]; ok {
			return nil, apierr.Validationf("account id %s appears more than once in the inventory", r.ID)
		}
		s.byID[r.ID] = r
	}
	return s, nil
}

type fixtureFile struct {
	Accounts []AccountRecord `yaml:"accounts"`
}

// LoadFile reads a YAML inventory fixture:
//
//	accounts:
//	  - account-id: "123456789012"
//	    account-name: workload-prod
//	    status: ACTIVE
//	    attributes:
//	      owner: platform
func LoadFile(path string, pageSize int) (*MemoryStore, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading inventory file %s", path)
	}
	var f fixtureFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, apierr.Validationf("parsing inventory file %s: %s", path, err)
	}
	return NewMemoryStore(pageSize, f.Accounts...)
}

// SaveFile writes every record back to path in the format read by LoadFile.
func (s *MemoryStore) SaveFile(path string) error {
	b, err := yaml.Marshal(fixtureFile{Accounts: s.snapshot()})
	if err != nil {
		return errors.Wrap(err, "encoding inventory")
	}
	return errors.Wrapf(os.WriteFile(path, b, 0644), "writing inventory file %s", path)
}

// snapshot returns the records ordered by account name, the scan order of the table.
func (s *MemoryStore) snapshot() []AccountRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AccountRecord, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *MemoryStore) Query(ctx context.Context, p Predicate) *Cursor {
	if p != nil {
		if err := p.Validate(); err != nil {
			return errCursor(err)
		}
	}
	var all []AccountRecord
	return newCursor(func(ctx context.Context, token string) ([]AccountRecord, string, error) {
		offset := 0
		if token == "" {
			all = s.snapshot()
		} else {
			n, err := strconv.Atoi(token)
			if err != nil || n < 0 || n > len(all) {
				return nil, "", apierr.Validationf("invalid continuation token %q", token)
			}
			offset = n
		}
		end := offset + s.pageSize
		if end > len(all) {
			end = len(all)
		}
		var page []AccountRecord
		for _, r := range all[offset:end] {
			if Matches(p, r) {
				page = append(page, r)
			}
		}
		next := ""
		if end < len(all) {
			next = strconv.Itoa(end)
		}
		return page, next, nil
	})
}

func (s *MemoryStore) Mutate(ctx context.Context, accountID string, m Mutation) (AccountRecord, bool, error) {
	if err := m.Validate(); err != nil {
		return AccountRecord{}, false, err
	}
	return s.update(accountID, m.apply)
}

func (s *MemoryStore) Remove(ctx context.Context, accountID string, attribute string) (AccountRecord, bool, error) {
	if err := validateAttribute(attribute); err != nil {
		return AccountRecord{}, false, err
	}
	return s.update(accountID, func(r AccountRecord) (AccountRecord, bool) {
		if _, ok := r.Get(attribute); !ok {
			return r, false
		}
		r = r.unset(attribute)
		r.Version++
		return r, true
	})
}

func (s *MemoryStore) update(accountID string, fn func(AccountRecord) (AccountRecord, bool)) (AccountRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[accountID]
	if !ok {
		return AccountRecord{}, false, apierr.NewNotFound(accountID, errors.New("account is not in the inventory"))
	}
	updated, changed := fn(r)
	if changed {
		s.byID[accountID] = updated
	}
	return updated, changed, nil
}

// Get returns the current record for accountID.
func (s *MemoryStore) Get(accountID string) (AccountRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[accountID]
	return r, ok
}
