package privacy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/privacore/privgate/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	b := &Budget{
		Entity:  "pg-dept",
		Epsilon: 0.6,
		Delta:   1e-5,
		Queries: 3,
		ResetAt: time.Now().UTC().Truncate(time.Second).Add(12 * time.Hour),
	}
	if err := store.Put(ctx, b); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "pg-dept")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Epsilon != 0.6 || got.Delta != 1e-5 || got.Queries != 3 {
		t.Errorf("got %+v, want epsilon=0.6 delta=1e-5 queries=3", got)
	}
	if !got.ResetAt.Equal(b.ResetAt) {
		t.Errorf("reset_at = %v, want %v", got.ResetAt, b.ResetAt)
	}
}

func TestPostgresStore_UpsertAccumulates(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	b := &Budget{Entity: "pg-acc", Epsilon: 0.3, Queries: 1, ResetAt: time.Now().Add(time.Hour)}
	if err := store.Put(ctx, b); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}

	b.Epsilon = 0.9
	b.Queries = 2
	if err := store.Put(ctx, b); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := store.Get(ctx, "pg-acc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Epsilon != 0.9 || got.Queries != 2 {
		t.Errorf("got epsilon=%v queries=%d, want 0.9/2", got.Epsilon, got.Queries)
	}
}

func TestPostgresStore_NotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	_, err := store.Get(context.Background(), "pg-unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_Count(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	for _, entity := range []string{"pg-a", "pg-b"} {
		b := &Budget{Entity: entity, Epsilon: 0.1, ResetAt: time.Now().Add(time.Hour)}
		if err := store.Put(ctx, b); err != nil {
			t.Fatalf("Put %s failed: %v", entity, err)
		}
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n < 2 {
		t.Errorf("count = %d, want at least 2", n)
	}
}
