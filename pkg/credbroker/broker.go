package credbroker

import (
	"context"
	"sync"
	"time"

	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultSafetyMargin is how long before expiry a cached session is refreshed.
const DefaultSafetyMargin = 5 * time.Minute

type key struct {
	accountID string
	roleName  string
}

func (k key) String() string { return k.accountID + "/" + k.roleName }

type BrokerOpts struct {
	Federator Federator
	// SafetyMargin is subtracted from a session's expiry when deciding whether it can be reused.
	SafetyMargin time.Duration
	// FederationTimeout bounds a single federation call shared by concurrent callers.
	FederationTimeout time.Duration
	Log               *zap.SugaredLogger
	// Now is overridden in tests.
	Now func() time.Time
}

// Broker hands out sessions for (account, role) pairs. Sessions are cached
// and refreshed before expiry; concurrent requests for the same pair share a
// single federation call.
type Broker struct {
	federator         Federator
	margin            time.Duration
	federationTimeout time.Duration
	log               *zap.SugaredLogger
	now               func() time.Time

	mu    sync.RWMutex
	cache map[key]Session
	group singleflight.Group
}

func NewBroker(opts BrokerOpts) *Broker {
	b := &Broker{
		federator:         opts.Federator,
		margin:            opts.SafetyMargin,
		federationTimeout: opts.FederationTimeout,
		log:               opts.Log,
		now:               opts.Now,
		cache:             map[key]Session{},
	}
	if b.margin <= 0 {
		b.margin = DefaultSafetyMargin
	}
	if b.federationTimeout <= 0 {
		b.federationTimeout = time.Minute
	}
	if b.log == nil {
		b.log = zap.NewNop().Sugar()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Obtain returns a usable session for roleName in accountID.
//
// An AuthorizationError means the spoke denied the federation request; it only
// affects operations targeting that account.
func (b *Broker) Obtain(ctx context.Context, accountID, roleName string) (Session, error) {
	if accountID == "" || roleName == "" {
		return Session{}, apierr.Validationf("account id and role name are required to obtain a session")
	}
	k := key{accountID: accountID, roleName: roleName}
	if s, ok := b.cached(k); ok {
		return s, nil
	}

	ch := b.group.DoChan(k.String(), func() (interface{}, error) {
		// another caller may have refreshed the entry while we waited to lead
		if s, ok := b.cached(k); ok {
			return s, nil
		}
		// the federation call is shared, so it must not be cancelled by whichever caller started it
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.federationTimeout)
		defer cancel()

		b.log.Debugw("federating into account", "account", accountID, "role", roleName)
		s, err := b.federator.Federate(fctx, accountID, roleName)
		if err != nil {
			return Session{}, err
		}
		if !s.ValidAt(b.now(), b.margin) {
			return Session{}, errors.Errorf("session for %s expires at %s, within the %s safety margin", k, s.Expires.Format(time.RFC3339), b.margin)
		}
		b.mu.Lock()
		b.cache[k] = s
		b.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (b *Broker) cached(k key) (Session, bool) {
	b.mu.RLock()
	s, ok := b.cache[k]
	b.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	if s.ValidAt(b.now(), b.margin) {
		return s, true
	}
	b.mu.Lock()
	// only evict if the entry wasn't replaced in the meantime
	if cur, ok := b.cache[k]; ok && cur.Expires.Equal(s.Expires) {
		delete(b.cache, k)
	}
	b.mu.Unlock()
	return Session{}, false
}

// Purge evicts every session that is no longer usable and returns how many were removed.
func (b *Broker) Purge() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, s := range b.cache {
		if !s.ValidAt(now, b.margin) {
			delete(b.cache, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached sessions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.cache)
}
