package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/privacore/privgate/internal/metrics"
	"github.com/privacore/privgate/internal/syncutil"
)

// ErrNotFound is returned by stores for subjects with no stored record.
// Callers treat it as "necessary-only", never as a failure.
var ErrNotFound = errors.New("consent record not found")

// DefaultTTL bounds how long an ad-hoc check result may be served from
// cache. Hot paths that precompute checks may pass a longer per-call TTL.
const DefaultTTL = 60 * time.Second

// batchChunkSize bounds the cache working set of a batch check. Chunking
// carries no parallelism: it exists purely to keep a large batch from
// evicting the whole cache at once.
const batchChunkSize = 256

// Record is a subject's stored consent state. Version increases on every
// update so downstream systems can order grants.
type Record struct {
	Subject   string    `json:"subject"`
	Mask      Purpose   `json:"mask"`
	Purposes  []string  `json:"purposes"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists consent records.
type Store interface {
	Get(ctx context.Context, subject string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
}

// Matrix answers purpose checks against stored consent, fronted by a
// bounded TTL result cache. The cache is an optimization only; stored
// records remain the single source of truth.
type Matrix struct {
	store      Store
	cache      *resultCache
	defaultTTL time.Duration
	updateLock syncutil.ShardedMutex
	now        func() time.Time
}

// Option configures a Matrix.
type Option func(*Matrix)

// WithTTL overrides the default cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Matrix) { m.defaultTTL = ttl }
}

// WithCacheSize overrides the result cache capacity.
func WithCacheSize(n int) Option {
	return func(m *Matrix) { m.cache = newResultCache(n) }
}

// WithClock overrides the matrix clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Matrix) { m.now = now }
}

// NewMatrix creates a consent matrix over the given store.
func NewMatrix(store Store, opts ...Option) *Matrix {
	m := &Matrix{
		store:      store,
		cache:      newResultCache(DefaultCacheSize),
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check reports whether the subject has granted every purpose in mask,
// using the default cache TTL.
func (m *Matrix) Check(ctx context.Context, subject string, mask Purpose) (bool, error) {
	return m.CheckTTL(ctx, subject, mask, m.defaultTTL)
}

// CheckTTL is Check with a caller-chosen cache TTL for the populated entry.
func (m *Matrix) CheckTTL(ctx context.Context, subject string, mask Purpose, ttl time.Duration) (bool, error) {
	now := m.now()
	key := cacheKey(subject, mask)

	if granted, ok := m.cache.get(key, now); ok {
		metrics.ConsentCacheHits.Inc()
		return granted, nil
	}
	metrics.ConsentCacheMisses.Inc()

	// The miss path holds the subject's update lock across load-and-populate.
	// Without it, a check that read the pre-update record could repopulate
	// the cache after Update's invalidation, serving a revoked grant for a
	// full TTL.
	unlock := m.updateLock.Lock(subject)
	defer unlock()

	stored, err := m.storedMask(ctx, subject)
	if err != nil {
		return false, err
	}

	granted := stored.Has(mask)
	m.cache.put(key, granted, ttl, now)
	return granted, nil
}

// storedMask loads a subject's mask, defaulting unknown subjects to
// necessary-only. The necessary bit is forced on read so no stored record
// can ever revoke it.
func (m *Matrix) storedMask(ctx context.Context, subject string) (Purpose, error) {
	rec, err := m.store.Get(ctx, subject)
	if errors.Is(err, ErrNotFound) {
		return PurposeNecessary, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load consent for %q: %w", subject, err)
	}
	return rec.Mask | PurposeNecessary, nil
}

// Update replaces a subject's granted purposes, bumps the record version,
// and invalidates every cached result for that subject.
func (m *Matrix) Update(ctx context.Context, subject string, purposes []string) (*Record, error) {
	mask, err := BuildMask(purposes)
	if err != nil {
		return nil, err
	}

	unlock := m.updateLock.Lock(subject)
	defer unlock()

	version := int64(1)
	if prev, err := m.store.Get(ctx, subject); err == nil {
		version = prev.Version + 1
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load consent for %q: %w", subject, err)
	}

	rec := &Record{
		Subject:   subject,
		Mask:      mask,
		Purposes:  mask.Names(),
		Version:   version,
		UpdatedAt: m.now(),
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store consent for %q: %w", subject, err)
	}

	m.cache.invalidateSubject(subject)
	metrics.ConsentUpdatesTotal.Inc()
	return rec, nil
}

// Get returns the stored record for a subject, or a synthetic
// necessary-only record for unknown subjects.
func (m *Matrix) Get(ctx context.Context, subject string) (*Record, error) {
	rec, err := m.store.Get(ctx, subject)
	if errors.Is(err, ErrNotFound) {
		return &Record{
			Subject:  subject,
			Mask:     PurposeNecessary,
			Purposes: PurposeNecessary.Names(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Mask |= PurposeNecessary
	rec.Purposes = rec.Mask.Names()
	return rec, nil
}

// CheckRequest is one item of a batch consent check.
type CheckRequest struct {
	Subject string  `json:"subject"`
	Mask    Purpose `json:"-"`
}

// CheckResult pairs a batch item with its outcome.
type CheckResult struct {
	Subject string `json:"subject"`
	Granted bool   `json:"granted"`
	Err     error  `json:"-"`
}

// BatchCheck evaluates many checks in input order, processing fixed-size
// chunks to bound the cache working set.
func (m *Matrix) BatchCheck(ctx context.Context, reqs []CheckRequest) []CheckResult {
	results := make([]CheckResult, len(reqs))
	for start := 0; start < len(reqs); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(reqs) {
			end = len(reqs)
		}
		for i := start; i < end; i++ {
			granted, err := m.Check(ctx, reqs[i].Subject, reqs[i].Mask)
			results[i] = CheckResult{Subject: reqs[i].Subject, Granted: granted, Err: err}
		}
	}
	return results
}

// CacheStats reports cumulative cache hits, misses, and live entry count.
func (m *Matrix) CacheStats() (hits, misses uint64, size int) {
	hits, misses = m.cache.stats()
	return hits, misses, m.cache.size()
}
