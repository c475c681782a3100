package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/ibis/internal/domain"
)

type stubStore struct {
	txs []*domain.Transaction
}

func (s *stubStore) ListForDedup(ctx context.Context, institutionID string, since time.Time) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for _, tx := range s.txs {
		if tx.InstitutionID == institutionID && !tx.OccurredAt.Before(since) {
			out = append(out, tx)
		}
	}
	return out, nil
}

var baseTime = time.Now().UTC().Add(-time.Hour)

func tx(id string, amount int64, phone, ref string, offset time.Duration) *domain.Transaction {
	return &domain.Transaction{
		ID:            id,
		InstitutionID: "inst-1",
		AmountMinor:   amount,
		Currency:      "RWF",
		PayerPhone:    phone,
		MomoReference: ref,
		Status:        domain.StatusUnallocated,
		OccurredAt:    baseTime.Add(offset),
	}
}

func detect(t *testing.T, store *stubStore, cfg *domain.ParsingConfig) []*domain.DuplicateCluster {
	t.Helper()
	clusters, err := New(store).Detect(context.Background(), "inst-1", cfg)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	return clusters
}

func TestDetectReferenceMatch(t *testing.T) {
	store := &stubStore{txs: []*domain.Transaction{
		tx("tx-a", 50000, "+250788000000", "8399201", 0),
		tx("tx-b", 50000, "+250788999999", "8399201", 40*time.Minute),
		tx("tx-c", 12000, "+250788111111", "7100555", 10*time.Minute),
	}}

	clusters := detect(t, store, domain.DefaultParsingConfig("inst-1"))

	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	c := clusters[0]
	if c.MatchType != domain.MatchReference {
		t.Errorf("expected reference_match, got %s", c.MatchType)
	}
	if len(c.TransactionIDs) != 2 {
		t.Fatalf("expected 2 members, got %d", len(c.TransactionIDs))
	}
	if c.TransactionIDs[0] != "tx-a" || c.TransactionIDs[1] != "tx-b" {
		t.Errorf("unexpected members: %v", c.TransactionIDs)
	}
}

func TestDetectFuzzyWindow(t *testing.T) {
	cfg := domain.DefaultParsingConfig("inst-1") // 5 minute window

	t.Run("3 minutes apart clusters", func(t *testing.T) {
		store := &stubStore{txs: []*domain.Transaction{
			tx("tx-a", 5000, "+250788000000", "", 0),
			tx("tx-b", 5000, "+250788000000", "", 3*time.Minute),
		}}

		clusters := detect(t, store, cfg)
		if len(clusters) != 1 {
			t.Fatalf("expected 1 cluster, got %d", len(clusters))
		}
		if clusters[0].MatchType != domain.MatchFuzzyTimeAmount {
			t.Errorf("expected fuzzy_time_amount_match, got %s", clusters[0].MatchType)
		}
	})

	t.Run("6 minutes apart does not cluster", func(t *testing.T) {
		store := &stubStore{txs: []*domain.Transaction{
			tx("tx-a", 5000, "+250788000000", "", 0),
			tx("tx-b", 5000, "+250788000000", "", 6*time.Minute),
		}}

		if clusters := detect(t, store, cfg); len(clusters) != 0 {
			t.Fatalf("expected no clusters, got %d", len(clusters))
		}
	})

	t.Run("different amounts do not cluster", func(t *testing.T) {
		store := &stubStore{txs: []*domain.Transaction{
			tx("tx-a", 5000, "+250788000000", "", 0),
			tx("tx-b", 6000, "+250788000000", "", time.Minute),
		}}

		if clusters := detect(t, store, cfg); len(clusters) != 0 {
			t.Fatalf("expected no clusters, got %d", len(clusters))
		}
	})

	t.Run("payer name matches case-insensitively", func(t *testing.T) {
		a := tx("tx-a", 5000, "", "", 0)
		a.PayerName = "Jane Uwase"
		b := tx("tx-b", 5000, "", "", 2*time.Minute)
		b.PayerName = "JANE UWASE"

		store := &stubStore{txs: []*domain.Transaction{a, b}}
		if clusters := detect(t, store, cfg); len(clusters) != 1 {
			t.Fatalf("expected 1 cluster, got %d", len(clusters))
		}
	})
}

func TestDetectTransitiveGrouping(t *testing.T) {
	// a-b match by reference; b-c match fuzzily. All three belong to one
	// cluster, tagged with the stronger reference match.
	store := &stubStore{txs: []*domain.Transaction{
		tx("tx-a", 50000, "+250788000000", "8399201", 0),
		tx("tx-b", 5000, "+250788555555", "8399201", 20*time.Minute),
		tx("tx-c", 5000, "+250788555555", "", 22*time.Minute),
	}}

	clusters := detect(t, store, domain.DefaultParsingConfig("inst-1"))

	if len(clusters) != 1 {
		t.Fatalf("expected 1 transitive cluster, got %d", len(clusters))
	}
	c := clusters[0]
	if len(c.TransactionIDs) != 3 {
		t.Errorf("expected 3 members, got %v", c.TransactionIDs)
	}
	if c.MatchType != domain.MatchReference {
		t.Errorf("expected reference_match to outrank fuzzy, got %s", c.MatchType)
	}
}

func TestDetectResolution(t *testing.T) {
	cfg := domain.DefaultParsingConfig("inst-1")

	t.Run("allocating a member resolves a pair", func(t *testing.T) {
		a := tx("tx-a", 5000, "+250788000000", "", 0)
		b := tx("tx-b", 5000, "+250788000000", "", time.Minute)
		b.Status = domain.StatusAllocated

		store := &stubStore{txs: []*domain.Transaction{a, b}}
		if clusters := detect(t, store, cfg); len(clusters) != 0 {
			t.Fatalf("expected resolved cluster to disappear, got %d", len(clusters))
		}
	})

	t.Run("three-member cluster survives one allocation", func(t *testing.T) {
		a := tx("tx-a", 5000, "+250788000000", "", 0)
		b := tx("tx-b", 5000, "+250788000000", "", time.Minute)
		c := tx("tx-c", 5000, "+250788000000", "", 2*time.Minute)
		c.Status = domain.StatusAllocated

		store := &stubStore{txs: []*domain.Transaction{a, b, c}}
		clusters := detect(t, store, cfg)
		if len(clusters) != 1 {
			t.Fatalf("expected cluster to remain, got %d", len(clusters))
		}
		if clusters[0].UnresolvedCount() != 2 {
			t.Errorf("expected 2 unresolved members, got %d", clusters[0].UnresolvedCount())
		}
	})
}
