package allocation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/ibis/internal/bus"
	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/repository"
)

func newTestService(t *testing.T) (*Service, domain.Repository, domain.EventBus) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(16)
	t.Cleanup(func() { eventBus.Close() })

	return NewService(repo, eventBus), repo, eventBus
}

func seedTransaction(t *testing.T, repo domain.Repository, institutionID, txID string) {
	t.Helper()

	now := time.Now().UTC()
	err := repo.SaveTransaction(context.Background(), institutionID, &domain.Transaction{
		ID:            txID,
		InstitutionID: institutionID,
		AmountMinor:   50000,
		Currency:      "RWF",
		PayerName:     "Jean-Paul Mugenzi",
		PayerPhone:    "+250788000000",
		MomoReference: "8399201",
		Status:        domain.StatusUnallocated,
		Confidence:    1.0,
		OccurredAt:    now,
		CreatedAt:     now,
	})
	if err != nil {
		t.Fatalf("failed to seed transaction: %v", err)
	}
}

func TestAllocate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seedTransaction(t, svc.repo, "inst-1", "tx-1")

	target := domain.AllocationTarget{Kind: domain.TargetMember, ID: "member-9"}

	tx, err := svc.Allocate(ctx, "inst-1", "tx-1", target)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	if tx.Status != domain.StatusAllocated {
		t.Errorf("expected status allocated, got %s", tx.Status)
	}
	if tx.MemberID != "member-9" {
		t.Errorf("expected member-9, got %q", tx.MemberID)
	}
	if tx.GroupID != "" {
		t.Errorf("expected empty group id, got %q", tx.GroupID)
	}
	if tx.AllocatedAt == nil {
		t.Error("expected allocated_at to be set")
	}
	if !tx.CheckAllocationInvariant() {
		t.Error("allocation invariant violated")
	}
}

func TestAllocateConflicts(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	t.Run("already allocated keeps original target", func(t *testing.T) {
		seedTransaction(t, repo, "inst-1", "tx-1")

		if _, err := svc.Allocate(ctx, "inst-1", "tx-1", domain.AllocationTarget{Kind: domain.TargetMember, ID: "member-1"}); err != nil {
			t.Fatalf("first allocation failed: %v", err)
		}

		_, err := svc.Allocate(ctx, "inst-1", "tx-1", domain.AllocationTarget{Kind: domain.TargetMember, ID: "member-2"})
		if !errors.Is(err, domain.ErrAlreadyAllocated) {
			t.Fatalf("expected ErrAlreadyAllocated, got %v", err)
		}

		tx, err := repo.GetTransaction(ctx, "inst-1", "tx-1")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if tx.MemberID != "member-1" {
			t.Errorf("losing allocation changed target to %q", tx.MemberID)
		}
	})

	t.Run("unknown transaction", func(t *testing.T) {
		_, err := svc.Allocate(ctx, "inst-1", "tx-missing", domain.AllocationTarget{Kind: domain.TargetMember, ID: "member-1"})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("cross-institution is reported, not corrected", func(t *testing.T) {
		seedTransaction(t, repo, "inst-1", "tx-2")

		_, err := svc.Allocate(ctx, "inst-2", "tx-2", domain.AllocationTarget{Kind: domain.TargetMember, ID: "member-1"})
		if !errors.Is(err, domain.ErrCrossInstitution) {
			t.Fatalf("expected ErrCrossInstitution, got %v", err)
		}

		tx, err := repo.GetTransaction(ctx, "inst-1", "tx-2")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if tx.Status != domain.StatusUnallocated {
			t.Errorf("cross-institution attempt mutated the transaction: %s", tx.Status)
		}
	})

	t.Run("invalid target", func(t *testing.T) {
		seedTransaction(t, repo, "inst-1", "tx-3")

		if _, err := svc.Allocate(ctx, "inst-1", "tx-3", domain.AllocationTarget{Kind: "team", ID: "x"}); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation for unknown kind, got %v", err)
		}
		if _, err := svc.Allocate(ctx, "inst-1", "tx-3", domain.AllocationTarget{Kind: domain.TargetMember}); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation for empty target id, got %v", err)
		}
	})
}

func TestAllocateConcurrent(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	seedTransaction(t, repo, "inst-1", "tx-1")

	targets := []domain.AllocationTarget{
		{Kind: domain.TargetMember, ID: "member-a"},
		{Kind: domain.TargetMember, ID: "member-b"},
	}

	var wg sync.WaitGroup
	results := make([]error, len(targets))
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target domain.AllocationTarget) {
			defer wg.Done()
			_, results[i] = svc.Allocate(ctx, "inst-1", "tx-1", target)
		}(i, target)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrAlreadyAllocated):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got %d wins and %d conflicts", wins, conflicts)
	}

	tx, err := repo.GetTransaction(ctx, "inst-1", "tx-1")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if tx.MemberID != "member-a" && tx.MemberID != "member-b" {
		t.Errorf("unexpected final target %q", tx.MemberID)
	}
}

func TestReverse(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	t.Run("allocated can be reversed once", func(t *testing.T) {
		seedTransaction(t, repo, "inst-1", "tx-1")

		if _, err := svc.Allocate(ctx, "inst-1", "tx-1", domain.AllocationTarget{Kind: domain.TargetGroup, ID: "group-4"}); err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}

		tx, err := svc.Reverse(ctx, "inst-1", "tx-1", "payer charged twice")
		if err != nil {
			t.Fatalf("Reverse failed: %v", err)
		}
		if tx.Status != domain.StatusReversed {
			t.Errorf("expected status reversed, got %s", tx.Status)
		}
		if tx.ReversedAt == nil {
			t.Error("expected reversed_at to be set")
		}
		if tx.GroupID != "group-4" {
			t.Errorf("reversal dropped the audit trail target: %q", tx.GroupID)
		}

		// A reversed transaction never returns to the pool.
		if _, err := svc.Allocate(ctx, "inst-1", "tx-1", domain.AllocationTarget{Kind: domain.TargetMember, ID: "member-1"}); !errors.Is(err, domain.ErrAlreadyAllocated) {
			t.Errorf("expected ErrAlreadyAllocated re-allocating reversed, got %v", err)
		}
		if _, err := svc.Reverse(ctx, "inst-1", "tx-1", "again"); !errors.Is(err, domain.ErrNotAllocated) {
			t.Errorf("expected ErrNotAllocated reversing twice, got %v", err)
		}
	})

	t.Run("unallocated cannot be reversed", func(t *testing.T) {
		seedTransaction(t, repo, "inst-1", "tx-2")

		if _, err := svc.Reverse(ctx, "inst-1", "tx-2", "oops"); !errors.Is(err, domain.ErrNotAllocated) {
			t.Fatalf("expected ErrNotAllocated, got %v", err)
		}
	})

	t.Run("reason is required", func(t *testing.T) {
		if _, err := svc.Reverse(ctx, "inst-1", "tx-2", ""); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	})
}

func TestAllocatePublishesEvent(t *testing.T) {
	svc, repo, eventBus := newTestService(t)
	ctx := context.Background()
	seedTransaction(t, repo, "inst-1", "tx-1")

	received := make(chan *domain.Message, 1)
	_, err := eventBus.Subscribe(ctx, "inst-1", domain.TopicTransactionAllocated, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := svc.Allocate(ctx, "inst-1", "tx-1", domain.AllocationTarget{Kind: domain.TargetMember, ID: "member-9"}); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.InstitutionID != "inst-1" {
			t.Errorf("event for wrong institution: %s", msg.InstitutionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("allocation event not published")
	}
}
