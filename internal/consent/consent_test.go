package consent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBuildMask_AlwaysIncludesNecessary(t *testing.T) {
	mask, err := BuildMask(nil)
	if err != nil {
		t.Fatalf("BuildMask(nil): %v", err)
	}
	if !mask.Has(PurposeNecessary) {
		t.Error("empty mask should still include necessary")
	}

	mask, err = BuildMask([]string{"analytics", "research"})
	if err != nil {
		t.Fatalf("BuildMask: %v", err)
	}
	if !mask.Has(PurposeNecessary | PurposeAnalytics | PurposeResearch) {
		t.Errorf("mask = %s, missing expected bits", mask)
	}
}

func TestBuildMask_UnknownPurpose(t *testing.T) {
	if _, err := BuildMask([]string{"teleporting"}); err == nil {
		t.Error("unknown purpose name should error")
	}
}

func TestCheck_NecessaryAlwaysGranted(t *testing.T) {
	m := NewMatrix(NewMemoryStore())
	ctx := context.Background()

	subjects := []string{"unknown-subject", "stored-subject"}
	if _, err := m.Update(ctx, "stored-subject", nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for _, subject := range subjects {
		granted, err := m.Check(ctx, subject, PurposeNecessary)
		if err != nil {
			t.Fatalf("Check(%s): %v", subject, err)
		}
		if !granted {
			t.Errorf("necessary should be granted for %s regardless of stored consent", subject)
		}
	}
}

func TestCheck_UnknownSubjectDefaultsToNecessaryOnly(t *testing.T) {
	m := NewMatrix(NewMemoryStore())
	ctx := context.Background()

	granted, err := m.Check(ctx, "nobody", PurposeAnalytics|PurposeNecessary)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if granted {
		t.Error("unknown subject should not have analytics granted")
	}
}

func TestUpdate_GrantVisibleImmediately(t *testing.T) {
	m := NewMatrix(NewMemoryStore())
	ctx := context.Background()

	for _, name := range []string{"analytics", "improvement", "educational", "research", "marketing", "sharing"} {
		bit, err := ParsePurpose(name)
		if err != nil {
			t.Fatalf("ParsePurpose(%s): %v", name, err)
		}

		// Prime the cache with a negative result, then update.
		if granted, _ := m.Check(ctx, "alice", bit|PurposeNecessary); granted {
			t.Fatalf("%s unexpectedly granted before update", name)
		}
		if _, err := m.Update(ctx, "alice", []string{name}); err != nil {
			t.Fatalf("Update(%s): %v", name, err)
		}

		granted, err := m.Check(ctx, "alice", bit|PurposeNecessary)
		if err != nil {
			t.Fatalf("Check(%s): %v", name, err)
		}
		if !granted {
			t.Errorf("%s should be granted immediately after update (stale cache?)", name)
		}
	}
}

func TestUpdate_BumpsVersion(t *testing.T) {
	m := NewMatrix(NewMemoryStore())
	ctx := context.Background()

	first, err := m.Update(ctx, "bob", []string{"analytics"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	second, err := m.Update(ctx, "bob", []string{"research"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if second.Version != first.Version+1 {
		t.Errorf("version %d after %d, want monotonic increment", second.Version, first.Version)
	}
}

func TestCheckTTL_ResultExpires(t *testing.T) {
	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m := NewMatrix(NewMemoryStore(), WithClock(func() time.Time { return current }))
	ctx := context.Background()

	if _, err := m.Update(ctx, "carol", []string{"analytics"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	mask := PurposeNecessary | PurposeAnalytics
	if granted, _ := m.CheckTTL(ctx, "carol", mask, time.Minute); !granted {
		t.Fatal("expected grant")
	}

	hitsBefore, _, _ := m.CacheStats()

	// Within TTL: served from cache.
	current = current.Add(30 * time.Second)
	if granted, _ := m.CheckTTL(ctx, "carol", mask, time.Minute); !granted {
		t.Fatal("expected grant within TTL")
	}
	hitsAfter, _, _ := m.CacheStats()
	if hitsAfter != hitsBefore+1 {
		t.Errorf("expected a cache hit within TTL, hits %d -> %d", hitsBefore, hitsAfter)
	}

	// Past TTL: entry is stale and must be refreshed from the store.
	current = current.Add(time.Hour)
	_, missesBefore, _ := m.CacheStats()
	if granted, _ := m.CheckTTL(ctx, "carol", mask, time.Minute); !granted {
		t.Fatal("expected grant after TTL refresh")
	}
	_, missesAfter, _ := m.CacheStats()
	if missesAfter != missesBefore+1 {
		t.Error("expired entry should miss the cache")
	}
}

func TestBatchCheck_PreservesOrder(t *testing.T) {
	m := NewMatrix(NewMemoryStore())
	ctx := context.Background()

	if _, err := m.Update(ctx, "subject-250", []string{"analytics"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// More requests than one chunk to exercise the chunked path.
	reqs := make([]CheckRequest, 600)
	for i := range reqs {
		reqs[i] = CheckRequest{
			Subject: fmt.Sprintf("subject-%d", i),
			Mask:    PurposeNecessary | PurposeAnalytics,
		}
	}

	results := m.BatchCheck(ctx, reqs)
	if len(results) != len(reqs) {
		t.Fatalf("got %d results for %d requests", len(results), len(reqs))
	}
	for i, res := range results {
		if res.Subject != reqs[i].Subject {
			t.Fatalf("result %d is for %s, want %s (order not preserved)", i, res.Subject, reqs[i].Subject)
		}
		wantGranted := res.Subject == "subject-250"
		if res.Granted != wantGranted {
			t.Errorf("granted(%s) = %v, want %v", res.Subject, res.Granted, wantGranted)
		}
	}
}

// gateStore parks one designated Get after the inner store has answered,
// holding the old record until released.
type gateStore struct {
	Store
	mu     sync.Mutex
	armed  bool
	parked chan struct{}
	gate   chan struct{}
}

func newGateStore(inner Store) *gateStore {
	return &gateStore{
		Store:  inner,
		parked: make(chan struct{}),
		gate:   make(chan struct{}),
	}
}

func (g *gateStore) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gateStore) Get(ctx context.Context, subject string) (*Record, error) {
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	g.mu.Unlock()

	rec, err := g.Store.Get(ctx, subject)
	if armed {
		close(g.parked)
		<-g.gate
	}
	return rec, err
}

func TestCheck_ConcurrentUpdateCannotCacheStaleGrant(t *testing.T) {
	gs := newGateStore(NewMemoryStore())
	m := NewMatrix(gs)
	ctx := context.Background()

	if _, err := m.Update(ctx, "dave", []string{"analytics"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Park the next store read mid-check, after it has seen the old record.
	gs.arm()

	checkDone := make(chan bool, 1)
	go func() {
		granted, err := m.Check(ctx, "dave", PurposeAnalytics)
		if err != nil {
			t.Errorf("Check: %v", err)
		}
		checkDone <- granted
	}()
	<-gs.parked

	// Revoke analytics while the check is holding the pre-update record.
	updateDone := make(chan error, 1)
	go func() {
		_, err := m.Update(ctx, "dave", nil)
		updateDone <- err
	}()

	// The revocation must not complete while the parked check could still
	// populate the cache behind its invalidation.
	select {
	case <-updateDone:
		t.Fatal("update completed while a check held the pre-update record")
	case <-time.After(50 * time.Millisecond):
	}

	close(gs.gate)
	if granted := <-checkDone; !granted {
		t.Error("in-flight check should still see the pre-update grant")
	}
	if err := <-updateDone; err != nil {
		t.Fatalf("Update: %v", err)
	}

	granted, err := m.Check(ctx, "dave", PurposeAnalytics)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if granted {
		t.Error("revoked grant served from cache after the update")
	}
}
