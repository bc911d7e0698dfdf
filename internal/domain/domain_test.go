package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNormalizeOutOfStockInvariant(t *testing.T) {
	t.Parallel()

	neg := decimal.NewFromInt(-5)
	statuses := []Status{StatusInStock, StatusLowStock, StatusPreOrder, StatusDiscontinued, StatusOutOfStock, "bogus", ""}
	for _, st := range statuses {
		for _, inStock := range []bool{true, false} {
			rec := AvailabilityRecord{InStock: inStock, Status: st, Price: &neg}.Normalize()
			if !rec.InStock && rec.Status != StatusOutOfStock {
				t.Fatalf("inStock=false status=%s normalized to %s", st, rec.Status)
			}
			if rec.InStock && rec.Status == StatusOutOfStock {
				t.Fatalf("inStock=true must not report out_of_stock")
			}
			if rec.Price != nil {
				t.Fatalf("negative price should be dropped")
			}
			if rec.StoreLocations == nil {
				t.Fatalf("store locations should be non-nil")
			}
		}
	}
}

func TestOutcomeBuyWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	o := NewDropOutcome("p1", "r1", base)
	o.ApplySeen(base)
	o.ApplyInStock(base.Add(300 * time.Second))

	window, ok := o.BuyWindow()
	if !ok || window != 300*time.Second {
		t.Fatalf("expected 300s buy window, got %v (ok=%v)", window, ok)
	}
	if !o.Success {
		t.Fatal("in-stock observation should mark success")
	}
}

func TestOutcomeOrderIndependent(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	type op struct {
		seen bool
		at   time.Time
	}
	ops := []op{
		{true, base.Add(400 * time.Second)},
		{false, base.Add(300 * time.Second)},
		{true, base.Add(100 * time.Second)},
		{false, base.Add(900 * time.Second)},
		{true, base.Add(100 * time.Second)},
	}

	var want *DropOutcome
	permute(len(ops), func(order []int) {
		o := NewDropOutcome("p", "r", ops[order[0]].at)
		for _, idx := range order {
			if ops[idx].seen {
				o.ApplySeen(ops[idx].at)
			} else {
				o.ApplyInStock(ops[idx].at)
			}
		}
		if *o.FirstSeenAt != base.Add(100*time.Second) {
			t.Fatalf("order %v: first seen %v", order, o.FirstSeenAt)
		}
		if *o.FirstInStockAt != base.Add(300*time.Second) {
			t.Fatalf("order %v: first in stock %v", order, o.FirstInStockAt)
		}
		if *o.BuyWindowSeconds < 0 {
			t.Fatalf("negative buy window")
		}
		if want == nil {
			cp := o
			want = &cp
			return
		}
		if *o.BuyWindowSeconds != *want.BuyWindowSeconds || !o.DropAt.Equal(want.DropAt) {
			t.Fatalf("order %v diverged: %+v vs %+v", order, o, *want)
		}
	})
}

func TestOutcomeInferredSeenReplaced(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := NewDropOutcome("p", "r", base)
	a.ApplySeen(base.Add(400 * time.Second))
	a.ApplyInStock(base.Add(300 * time.Second))

	b := NewDropOutcome("p", "r", base)
	b.ApplyInStock(base.Add(300 * time.Second))
	b.ApplySeen(base.Add(400 * time.Second))

	if !a.FirstSeenAt.Equal(*b.FirstSeenAt) {
		t.Fatalf("first seen differs by order: %v vs %v", a.FirstSeenAt, b.FirstSeenAt)
	}
	if *a.BuyWindowSeconds != 0 || *b.BuyWindowSeconds != 0 {
		t.Fatalf("buy window should clamp to zero")
	}
}

func TestCoversIsSymmetric(t *testing.T) {
	t.Parallel()

	drop := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	o := NewDropOutcome("p", "r", drop)
	cases := []struct {
		at   time.Time
		want bool
	}{
		{drop.Add(-SeenLookback), true},
		{drop.Add(-SeenLookback - time.Second), false},
		{drop.Add(SeenLookback), true},
		{drop.Add(SeenLookback + time.Second), false},
		// 晚到的更早事件也要落在同一次 occurrence
		{drop.Add(-40 * time.Hour), true},
	}
	for _, tc := range cases {
		if got := o.Covers(tc.at, SeenLookback); got != tc.want {
			t.Fatalf("Covers(%s) = %v, want %v", tc.at.Sub(drop), got, tc.want)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", NewError(KindRateLimit, "target", "search", errors.New("429")))
	if !errors.Is(err, ErrRateLimit) {
		t.Fatal("errors.Is should match rate limit sentinel")
	}
	if errors.Is(err, ErrAuth) {
		t.Fatal("errors.Is should not match auth sentinel")
	}
	if !IsRetryable(err) {
		t.Fatal("rate limit should be retryable")
	}
	if IsRetryable(NewError(KindNotFound, "x", "check", nil)) {
		t.Fatal("not found must not be retryable")
	}
	if IsRetryable(NewError(KindAuth, "x", "check", nil)) {
		t.Fatal("auth must not be retryable")
	}
}

func permute(n int, fn func([]int)) {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	var rec func(k int)
	rec = func(k int) {
		if k == n {
			fn(append([]int(nil), idx...))
			return
		}
		for i := k; i < n; i++ {
			idx[k], idx[i] = idx[i], idx[k]
			rec(k + 1)
			idx[k], idx[i] = idx[i], idx[k]
		}
	}
	rec(0)
}
