package storage

import (
	"strings"
	"testing"
	"time"

	"dropwatch/internal/domain"
)

func TestListSignalsQuery(t *testing.T) {
	t.Parallel()

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	query, args, err := listSignalsQuery(SignalFilter{
		RetailerID: "best-buy",
		Types:      []domain.SignalType{domain.SignalURLLive, domain.SignalInStock},
		Since:      since,
		Limit:      200000,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "SELECT id, product_id, retailer_id, signal_type, observed_at FROM signal_events " +
		"WHERE retailer_id = $1 AND signal_type IN ($2,$3) AND observed_at >= $4 ORDER BY observed_at, id LIMIT 200000"
	if query != want {
		t.Fatalf("unexpected query:\n%s\nwant:\n%s", query, want)
	}
	if len(args) != 4 || args[0] != "best-buy" || args[1] != "url_live" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestListSignalsQueryByID(t *testing.T) {
	t.Parallel()

	query, _, err := listSignalsQuery(SignalFilter{AfterID: 500, ByID: true, Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(query, "WHERE id > $1 ORDER BY id LIMIT 1000") {
		t.Fatalf("cursor paging should order by id: %s", query)
	}
}

func TestListSignalsQueryNewest(t *testing.T) {
	t.Parallel()

	query, _, err := listSignalsQuery(SignalFilter{Types: []domain.SignalType{domain.SignalInStock}, Newest: true, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(query, "ORDER BY observed_at DESC, id DESC LIMIT 10") {
		t.Fatalf("newest-first listing should order descending: %s", query)
	}
}

func TestCountSignalsQuery(t *testing.T) {
	t.Parallel()

	query, args, err := countSignalsQuery(SignalFilter{ProductID: "p1", RetailerID: "target", AfterID: 10})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(query, "GROUP BY signal_type") || !strings.Contains(query, "id > $3") {
		t.Fatalf("unexpected query %s", query)
	}
	if len(args) != 3 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestNilStoreNotConfigured(t *testing.T) {
	t.Parallel()

	var s *Store
	if _, err := s.getPool(); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
