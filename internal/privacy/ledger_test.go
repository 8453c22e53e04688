package privacy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestLedgerConsumeSequence(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore(), WithLedgerClock(fixedClock(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))))

	// Three 0.3 charges fit under the 1.0 threshold, the fourth does not.
	for i := 0; i < 3; i++ {
		if _, err := l.Consume(ctx, "dept-science", Spend{Epsilon: 0.3}); err != nil {
			t.Fatalf("charge %d: unexpected error %v", i+1, err)
		}
	}
	_, err := l.Consume(ctx, "dept-science", Spend{Epsilon: 0.3})
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("fourth charge: got %v, want ErrBudgetExceeded", err)
	}

	// The denial must leave the ledger exactly where the third charge put it.
	b, err := l.Budget(ctx, "dept-science")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(b.Epsilon-0.9) > 1e-9 {
		t.Errorf("epsilon after denial = %g, want 0.9", b.Epsilon)
	}
	if b.Queries != 3 {
		t.Errorf("queries = %d, want 3", b.Queries)
	}

	// Retrying the denied charge denies again, still without mutation.
	if _, err := l.Consume(ctx, "dept-science", Spend{Epsilon: 0.3}); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("retry: got %v, want ErrBudgetExceeded", err)
	}
	b, _ = l.Budget(ctx, "dept-science")
	if math.Abs(b.Epsilon-0.9) > 1e-9 {
		t.Errorf("epsilon after retried denial = %g, want 0.9", b.Epsilon)
	}
}

func TestLedgerExactThresholdAllowed(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore())

	res, err := l.Consume(ctx, "lab", Spend{Epsilon: 1.0})
	if err != nil {
		t.Fatalf("charge landing exactly on the threshold must be admitted: %v", err)
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %g, want 0", res.Remaining)
	}
	if !res.Warning {
		t.Error("full spend should carry a warning")
	}
}

func TestLedgerWarningThreshold(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore())

	res, err := l.Consume(ctx, "lab", Spend{Epsilon: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if res.Warning {
		t.Error("0.5 of 1.0 should not warn")
	}

	res, err = l.Consume(ctx, "lab", Spend{Epsilon: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Warning {
		t.Error("0.8 of 1.0 should warn")
	}
}

func TestLedgerMidnightReset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 26, 23, 30, 0, 0, time.UTC)
	l := NewLedger(NewMemoryStore(), WithLedgerClock(func() time.Time { return now }))

	if _, err := l.Consume(ctx, "lab", Spend{Epsilon: 0.9}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Consume(ctx, "lab", Spend{Epsilon: 0.5}); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("got %v, want ErrBudgetExceeded", err)
	}

	// Cross the UTC midnight boundary: the window resets lazily and the
	// previously rejected charge is admitted.
	now = now.Add(time.Hour)
	res, err := l.Consume(ctx, "lab", Spend{Epsilon: 0.5})
	if err != nil {
		t.Fatalf("post-reset charge: %v", err)
	}
	if math.Abs(res.Budget.Epsilon-0.5) > 1e-9 {
		t.Errorf("epsilon after reset = %g, want 0.5", res.Budget.Epsilon)
	}
	want := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	if !res.Budget.ResetAt.Equal(want) {
		t.Errorf("reset_at = %v, want %v", res.Budget.ResetAt, want)
	}
}

func TestLedgerResetAtSetOnFirstUse(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	l := NewLedger(NewMemoryStore(), WithLedgerClock(fixedClock(now)))

	res, err := l.Consume(ctx, "fresh", Spend{Epsilon: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	if !res.Budget.ResetAt.Equal(want) {
		t.Errorf("reset_at = %v, want %v", res.Budget.ResetAt, want)
	}
}

func TestLedgerCustomThreshold(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore(), WithThreshold(2.0))

	if _, err := l.Consume(ctx, "lab", Spend{Epsilon: 1.5}); err != nil {
		t.Fatalf("1.5 of 2.0: %v", err)
	}
	if _, err := l.Consume(ctx, "lab", Spend{Epsilon: 0.6}); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatal("2.1 of 2.0 should be denied")
	}
}

func TestLedgerInvalidSpend(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore())

	if _, err := l.Consume(ctx, "", Spend{Epsilon: 0.1}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("empty entity: got %v, want ErrInvalidQuery", err)
	}
	if _, err := l.Consume(ctx, "lab", Spend{Epsilon: 0}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("zero epsilon: got %v, want ErrInvalidQuery", err)
	}
	if _, err := l.Consume(ctx, "lab", Spend{Epsilon: -0.5}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("negative epsilon: got %v, want ErrInvalidQuery", err)
	}
}

func TestLedgerBudgetUnknownEntity(t *testing.T) {
	l := NewLedger(NewMemoryStore())
	b, err := l.Budget(context.Background(), "never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if b.Epsilon != 0 || b.Queries != 0 {
		t.Errorf("unknown entity should have a zero budget, got %+v", b)
	}
	if n, _ := l.ActiveEntities(context.Background()); n != 0 {
		t.Errorf("reading a budget must not persist it, tracked = %d", n)
	}
}

func TestLedgerIsolatesEntities(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore())

	if _, err := l.Consume(ctx, "a", Spend{Epsilon: 1.0}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Consume(ctx, "b", Spend{Epsilon: 1.0}); err != nil {
		t.Fatalf("entity b must not share a's budget: %v", err)
	}
}
