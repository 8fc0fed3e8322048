package escrow

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"lettershop/internal/condition"
)

const (
	DefaultOfferTTL         = time.Hour
	DefaultSettledCacheSize = 4096
	maxCreateAttempts       = 3
)

type record struct {
	Escrow
	// claimed is set while a fulfillment for this escrow is in flight.
	claimed bool
}

// Store is the in-memory escrow table. Live escrows sit in two maps keyed
// by condition and by fulfillment; Sweep moves settled escrows into capped
// LRU caches so memory stays bounded. All transitions go through the store
// mutex, which is what keeps a condition from being released twice.
type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	ttl           time.Duration
	cacheSize     int
	newPair       func() (condition.Fulfillment, condition.Condition, error)
	byCondition   map[condition.Condition]*record
	byFulfillment map[condition.Fulfillment]*record
	settled       *lru.Cache[condition.Condition, Escrow]
	resources     *lru.Cache[condition.Fulfillment, string]
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithOfferTTL sets how long an unpaid offer stays payable. Zero disables
// expiry.
func WithOfferTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func WithSettledCacheSize(n int) Option {
	return func(s *Store) { s.cacheSize = n }
}

func NewStore(opts ...Option) (*Store, error) {
	s := &Store{
		now:           time.Now,
		ttl:           DefaultOfferTTL,
		cacheSize:     DefaultSettledCacheSize,
		newPair:       condition.NewPair,
		byCondition:   make(map[condition.Condition]*record),
		byFulfillment: make(map[condition.Fulfillment]*record),
	}
	for _, opt := range opts {
		opt(s)
	}
	var err error
	if s.settled, err = lru.New[condition.Condition, Escrow](s.cacheSize); err != nil {
		return nil, fmt.Errorf("settled cache: %w", err)
	}
	if s.resources, err = lru.New[condition.Fulfillment, string](s.cacheSize); err != nil {
		return nil, fmt.Errorf("resource cache: %w", err)
	}
	return s, nil
}

// Create issues a new pending escrow. Both indexes are written before
// Create returns, so the resource is retrievable as soon as anyone learns
// the fulfillment.
func (s *Store) Create(price uint64, resource string) (Escrow, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		f, c, err := s.newPair()
		if err != nil {
			return Escrow{}, err
		}

		s.mu.Lock()
		if s.inUseLocked(c, f) {
			s.mu.Unlock()
			continue
		}
		now := s.now()
		rec := &record{Escrow: Escrow{
			Condition:   c,
			Fulfillment: f,
			Resource:    resource,
			Price:       price,
			State:       StatePending,
			CreatedAt:   now,
		}}
		if s.ttl > 0 {
			rec.ExpiresAt = now.Add(s.ttl)
		}
		s.byCondition[c] = rec
		s.byFulfillment[f] = rec
		s.mu.Unlock()
		return rec.Escrow, nil
	}
	return Escrow{}, ErrConditionConflict
}

func (s *Store) inUseLocked(c condition.Condition, f condition.Fulfillment) bool {
	if _, ok := s.byCondition[c]; ok {
		return true
	}
	if _, ok := s.byFulfillment[f]; ok {
		return true
	}
	return s.settled.Contains(c)
}

// LookupByCondition returns the escrow advertised under c, settled ones
// included while they are still cached.
func (s *Store) LookupByCondition(c condition.Condition) (Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byCondition[c]; ok {
		return rec.Escrow, nil
	}
	if esc, ok := s.settled.Get(c); ok {
		return esc, nil
	}
	return Escrow{}, ErrNotFound
}

func (s *Store) LookupResourceByFulfillment(f condition.Fulfillment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byFulfillment[f]; ok {
		return rec.Resource, nil
	}
	if res, ok := s.resources.Get(f); ok {
		return res, nil
	}
	return "", ErrNotFound
}

// Claim reserves a pending escrow for settlement. It succeeds at most once
// per condition until Release or a terminal Mark call; concurrent or
// replayed claims get ErrAlreadySettled.
func (s *Store) Claim(c condition.Condition) (Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byCondition[c]
	if !ok {
		if s.settled.Contains(c) {
			return Escrow{}, ErrAlreadySettled
		}
		return Escrow{}, ErrNotFound
	}
	if rec.State.Terminal() || rec.claimed {
		return Escrow{}, ErrAlreadySettled
	}
	if rec.Expired(s.now()) {
		return Escrow{}, ErrOfferExpired
	}
	rec.claimed = true
	return rec.Escrow, nil
}

// Release drops a claim without changing state.
func (s *Store) Release(c condition.Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byCondition[c]; ok {
		rec.claimed = false
	}
}

// MarkFulfilled moves a pending escrow to fulfilled. It reports true only
// for the call that made the transition.
func (s *Store) MarkFulfilled(c condition.Condition, transferID string) (bool, error) {
	return s.transition(c, StateFulfilled, transferID)
}

// MarkRejected moves a pending escrow to rejected. It reports true only
// for the call that made the transition.
func (s *Store) MarkRejected(c condition.Condition) (bool, error) {
	return s.transition(c, StateRejected, "")
}

func (s *Store) transition(c condition.Condition, to State, transferID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byCondition[c]
	if !ok {
		if s.settled.Contains(c) {
			return false, nil
		}
		return false, ErrNotFound
	}
	if rec.State.Terminal() {
		return false, nil
	}
	rec.State = to
	rec.TransferID = transferID
	rec.SettledAt = s.now()
	rec.claimed = false
	return true, nil
}

// SweepResult lists what a Sweep removed from the live tables.
type SweepResult struct {
	Expired []Escrow
	Settled []Escrow
}

// Sweep purges unpaid offers past their expiry and moves settled escrows
// out of the live tables. Only fulfilled escrows keep their resource
// retrievable, from the capped cache.
func (s *Store) Sweep() SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var res SweepResult
	for c, rec := range s.byCondition {
		switch {
		case rec.State == StatePending:
			if rec.claimed || !rec.Expired(now) {
				continue
			}
			rec.State = StateExpired
			rec.SettledAt = now
			res.Expired = append(res.Expired, rec.Escrow)
		case rec.State == StateFulfilled:
			s.resources.Add(rec.Fulfillment, rec.Resource)
			res.Settled = append(res.Settled, rec.Escrow)
		default:
			res.Settled = append(res.Settled, rec.Escrow)
		}
		s.settled.Add(c, rec.Escrow)
		delete(s.byCondition, c)
		delete(s.byFulfillment, rec.Fulfillment)
	}
	return res
}

// Stats counts live escrows by state, plus the settled ones still cached.
type Stats struct {
	Pending   int
	Fulfilled int
	Rejected  int
	Cached    int
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, rec := range s.byCondition {
		switch rec.State {
		case StatePending:
			st.Pending++
		case StateFulfilled:
			st.Fulfilled++
		case StateRejected:
			st.Rejected++
		}
	}
	st.Cached = s.settled.Len()
	return st
}
