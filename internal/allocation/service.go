// Package allocation is the transactional core: it binds transactions to
// members or groups with at-most-once semantics and handles audited
// reversals.
package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/ibis/internal/domain"
)

// Service wraps the repository's conditional-update primitives with
// validation, event publication, and security logging.
type Service struct {
	repo domain.Repository
	bus  domain.EventBus
}

// NewService creates the allocation service.
func NewService(repo domain.Repository, bus domain.EventBus) *Service {
	return &Service{repo: repo, bus: bus}
}

// allocatedEvent is the payload published on transaction state changes.
type allocatedEvent struct {
	TransactionID string            `json:"transactionId"`
	Status        string            `json:"status"`
	TargetKind    domain.TargetKind `json:"targetKind,omitempty"`
	TargetID      string            `json:"targetId,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Allocate binds an unallocated transaction to a member or group. Exactly one
// concurrent caller succeeds; the rest receive ErrAlreadyAllocated and must
// re-fetch the transaction's canonical state.
func (s *Service) Allocate(ctx context.Context, institutionID string, txID string, target domain.AllocationTarget) (*domain.Transaction, error) {
	tx, err := s.repo.AllocateTransaction(ctx, institutionID, txID, target)
	if err != nil {
		s.logConflict(ctx, "allocate", institutionID, txID, err)
		return nil, err
	}

	if !tx.CheckAllocationInvariant() {
		slog.Error("allocation invariant violated",
			"transaction_id", tx.ID,
			"institution_id", institutionID,
			"status", tx.Status,
		)
	}

	s.publish(ctx, institutionID, domain.TopicTransactionAllocated, allocatedEvent{
		TransactionID: tx.ID,
		Status:        string(tx.Status),
		TargetKind:    target.Kind,
		TargetID:      target.ID,
	})

	slog.Info("transaction allocated",
		"transaction_id", tx.ID,
		"institution_id", institutionID,
		"target_kind", target.Kind,
		"target_id", target.ID,
	)

	return tx, nil
}

// Reverse moves an allocated transaction to reversed with an audit reason.
// The original target and allocated_at stay on the record; a reversed
// transaction never returns to the unallocated pool.
func (s *Service) Reverse(ctx context.Context, institutionID string, txID string, reason string) (*domain.Transaction, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: reversal reason is required", domain.ErrValidation)
	}

	tx, err := s.repo.ReverseTransaction(ctx, institutionID, txID, reason)
	if err != nil {
		s.logConflict(ctx, "reverse", institutionID, txID, err)
		return nil, err
	}

	s.publish(ctx, institutionID, domain.TopicTransactionReversed, allocatedEvent{
		TransactionID: tx.ID,
		Status:        string(tx.Status),
		Reason:        reason,
	})

	slog.Info("transaction reversed",
		"transaction_id", tx.ID,
		"institution_id", institutionID,
		"reason", reason,
	)

	return tx, nil
}

// DismissDuplicate marks a transaction as ruled out by an operator. The
// transaction itself is untouched beyond the flag; nothing is merged or
// deleted.
func (s *Service) DismissDuplicate(ctx context.Context, institutionID string, txID string) error {
	if err := s.repo.DismissDuplicate(ctx, institutionID, txID); err != nil {
		s.logConflict(ctx, "dismiss_duplicate", institutionID, txID, err)
		return err
	}

	slog.Info("duplicate dismissed",
		"transaction_id", txID,
		"institution_id", institutionID,
	)
	return nil
}

// logConflict records cross-institution attempts loudly; they indicate an
// authorization failure upstream, never a benign race.
func (s *Service) logConflict(ctx context.Context, op, institutionID, txID string, err error) {
	if errors.Is(err, domain.ErrCrossInstitution) {
		slog.Error("cross-institution access attempt",
			"operation", op,
			"institution_id", institutionID,
			"transaction_id", txID,
		)
	}
}

func (s *Service) publish(ctx context.Context, institutionID, topic string, event allocatedEvent) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, institutionID, topic, payload); err != nil {
		slog.Warn("failed to publish event",
			"topic", topic,
			"transaction_id", event.TransactionID,
			"error", err,
		)
	}
}
