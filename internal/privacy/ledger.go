package privacy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/privacore/privgate/internal/metrics"
	"github.com/privacore/privgate/internal/syncutil"
)

var (
	// ErrBudgetExceeded reports that admitting a query would push an
	// entity past its epsilon budget. The ledger is left untouched.
	ErrBudgetExceeded = errors.New("privacy budget exceeded")

	// ErrInvalidQuery reports a malformed analytics query.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrNotFound reports that an entity has no budget record yet.
	ErrNotFound = errors.New("budget not found")
)

// DefaultBlockThreshold is the total epsilon an entity may spend per
// accounting window.
const DefaultBlockThreshold = 1.0

// warningFraction of the threshold at which responses start carrying a
// budget warning.
const warningFraction = 0.8

// Budget is the cumulative privacy spend of one entity within the current
// accounting window. Epsilon and Delta only grow until ResetAt passes.
type Budget struct {
	Entity  string    `json:"entity"`
	Epsilon float64   `json:"epsilon"`
	Delta   float64   `json:"delta"`
	Queries int64     `json:"queries"`
	ResetAt time.Time `json:"reset_at"`
}

// Remaining is the epsilon still spendable before the threshold blocks.
func (b *Budget) Remaining(threshold float64) float64 {
	r := threshold - b.Epsilon
	if r < 0 {
		return 0
	}
	return r
}

// Store persists per-entity budgets.
type Store interface {
	// Get returns the budget for an entity, or ErrNotFound.
	Get(ctx context.Context, entity string) (*Budget, error)
	// Put inserts or replaces a budget record.
	Put(ctx context.Context, b *Budget) error
	// Count returns the number of tracked entities.
	Count(ctx context.Context) (int, error)
}

// Ledger enforces the per-entity epsilon budget. Windows reset lazily at
// the next UTC midnight: no timer runs, expiry is evaluated on the first
// touch after the boundary.
type Ledger struct {
	store     Store
	threshold float64
	locks     syncutil.ShardedMutex
	now       func() time.Time
}

// LedgerOption customizes a Ledger.
type LedgerOption func(*Ledger)

// WithThreshold overrides the epsilon block threshold.
func WithThreshold(t float64) LedgerOption {
	return func(l *Ledger) { l.threshold = t }
}

// WithLedgerClock injects a clock for tests.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger backed by store.
func NewLedger(store Store, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:     store,
		threshold: DefaultBlockThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Spend records a charge against an entity's budget.
type Spend struct {
	Epsilon float64
	Delta   float64
}

// ConsumeResult reports the outcome of an admitted charge.
type ConsumeResult struct {
	Budget    *Budget
	Remaining float64
	Warning   bool
}

// Consume charges (epsilon, delta) against the entity's budget. The charge
// is admitted iff the new cumulative epsilon stays at or below the
// threshold; a denied charge changes nothing, so retrying a denial denies
// again identically. Delta accumulates for reporting but only epsilon is
// enforced.
func (l *Ledger) Consume(ctx context.Context, entity string, s Spend) (*ConsumeResult, error) {
	if entity == "" {
		return nil, fmt.Errorf("%w: empty entity", ErrInvalidQuery)
	}
	if s.Epsilon <= 0 {
		return nil, fmt.Errorf("%w: epsilon must be positive, got %g", ErrInvalidQuery, s.Epsilon)
	}

	unlock := l.locks.Lock(entity)
	defer unlock()

	b, err := l.current(ctx, entity)
	if err != nil {
		return nil, err
	}

	newEpsilon := b.Epsilon + s.Epsilon
	if newEpsilon > l.threshold {
		metrics.PrivacyBudgetDenials.Inc()
		return nil, fmt.Errorf("%w: entity %q has %.4g of %.4g epsilon remaining, requested %.4g",
			ErrBudgetExceeded, entity, b.Remaining(l.threshold), l.threshold, s.Epsilon)
	}

	b.Epsilon = newEpsilon
	b.Delta += s.Delta
	b.Queries++
	if err := l.store.Put(ctx, b); err != nil {
		return nil, fmt.Errorf("persist budget for %q: %w", entity, err)
	}

	return &ConsumeResult{
		Budget:    b,
		Remaining: b.Remaining(l.threshold),
		Warning:   newEpsilon >= warningFraction*l.threshold,
	}, nil
}

// Budget returns the entity's budget with lazy reset applied. Unknown
// entities get a fresh zero budget without persisting it.
func (l *Ledger) Budget(ctx context.Context, entity string) (*Budget, error) {
	unlock := l.locks.Lock(entity)
	defer unlock()
	return l.current(ctx, entity)
}

// Threshold returns the configured epsilon block threshold.
func (l *Ledger) Threshold() float64 { return l.threshold }

// ActiveEntities returns how many entities have budget records.
func (l *Ledger) ActiveEntities(ctx context.Context) (int, error) {
	return l.store.Count(ctx)
}

// current loads the budget and applies window expiry. Caller holds the
// entity lock.
func (l *Ledger) current(ctx context.Context, entity string) (*Budget, error) {
	now := l.now()
	b, err := l.store.Get(ctx, entity)
	switch {
	case errors.Is(err, ErrNotFound):
		return &Budget{Entity: entity, ResetAt: nextUTCMidnight(now)}, nil
	case err != nil:
		return nil, fmt.Errorf("load budget for %q: %w", entity, err)
	}

	if !now.Before(b.ResetAt) {
		metrics.PrivacyBudgetResets.Inc()
		reset := &Budget{Entity: entity, ResetAt: nextUTCMidnight(now)}
		if err := l.store.Put(ctx, reset); err != nil {
			return nil, fmt.Errorf("reset budget for %q: %w", entity, err)
		}
		return reset, nil
	}
	return b, nil
}

func nextUTCMidnight(now time.Time) time.Time {
	t := now.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}
