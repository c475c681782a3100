// Package queues exposes the three reconciliation work queues: unallocated
// transactions, parse errors, and duplicate clusters.
//
// All three are read-side projections. Every item carries the reason it is
// in the queue so operator action is informed, not blind.
package queues

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/ibis/internal/confidence"
	"github.com/opensource-finance/ibis/internal/dedup"
	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/settings"
)

// duplicatesTTL bounds how stale the cached duplicate index may be. Settings
// updates invalidate it immediately; allocations and dismissals wait out the
// TTL at worst.
const duplicatesTTL = 30 * time.Second

// UnallocatedItem is a transaction plus its routing under the institution's
// current settings. The route is computed at read time, so a threshold or
// review-rule change re-flags the whole queue without touching stored rows.
type UnallocatedItem struct {
	*domain.Transaction
	Route        confidence.Route `json:"route"`
	RouteReasons []string         `json:"routeReasons,omitempty"`
}

// Service serves the reconciliation queues.
type Service struct {
	repo     domain.Repository
	cache    domain.Cache
	settings *settings.Service
	router   *confidence.Router
	detector *dedup.Detector
}

// NewService creates the queue service.
func NewService(repo domain.Repository, c domain.Cache, s *settings.Service, r *confidence.Router, d *dedup.Detector) *Service {
	return &Service{repo: repo, cache: c, settings: s, router: r, detector: d}
}

// Unallocated returns the unallocated queue, newest first, each item routed
// under the institution's current settings.
func (s *Service) Unallocated(ctx context.Context, institutionID string, q domain.ListQuery) ([]*UnallocatedItem, error) {
	cfg, err := s.settings.Get(ctx, institutionID)
	if err != nil {
		return nil, err
	}

	txs, err := s.repo.ListUnallocated(ctx, institutionID, q)
	if err != nil {
		return nil, err
	}

	items := make([]*UnallocatedItem, 0, len(txs))
	for _, tx := range txs {
		decision := s.router.Route(tx, cfg)
		items = append(items, &UnallocatedItem{
			Transaction:  tx,
			Route:        decision.Route,
			RouteReasons: decision.Reasons,
		})
	}
	return items, nil
}

// ParseErrors returns open parse failures, newest first.
func (s *Service) ParseErrors(ctx context.Context, institutionID string, q domain.ListQuery) ([]*domain.RawMessage, error) {
	return s.repo.ListParseErrors(ctx, institutionID, q)
}

// ResolveParseError closes a parse-error item with an operator note. The raw
// message itself is never deleted.
func (s *Service) ResolveParseError(ctx context.Context, institutionID string, msgID string, note string) error {
	if err := s.repo.ResolveMessage(ctx, institutionID, msgID, note); err != nil {
		return err
	}
	slog.Info("parse error resolved",
		"message_id", msgID,
		"institution_id", institutionID,
	)
	return nil
}

// Duplicates returns the duplicate queue: cluster summaries with member ids
// but without the full transaction records.
func (s *Service) Duplicates(ctx context.Context, institutionID string) ([]*domain.DuplicateCluster, error) {
	clusters, err := s.detect(ctx, institutionID)
	if err != nil {
		return nil, err
	}

	summaries := make([]*domain.DuplicateCluster, 0, len(clusters))
	for _, c := range clusters {
		summaries = append(summaries, &domain.DuplicateCluster{
			MatchKey:       c.MatchKey,
			MatchType:      c.MatchType,
			InstitutionID:  c.InstitutionID,
			TransactionIDs: c.TransactionIDs,
		})
	}
	return summaries, nil
}

// ExpandDuplicate returns one cluster with its full transaction records for
// operator inspection.
func (s *Service) ExpandDuplicate(ctx context.Context, institutionID string, matchKey string) (*domain.DuplicateCluster, error) {
	clusters, err := s.detect(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	for _, c := range clusters {
		if c.MatchKey == matchKey {
			return c, nil
		}
	}
	return nil, domain.ErrNotFound
}

// InvalidateDuplicates drops the cached duplicate index. Called after an
// allocation, reversal, or dismissal so the queue reflects the action
// immediately instead of waiting out the TTL.
func (s *Service) InvalidateDuplicates(ctx context.Context, institutionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, institutionID, domain.CacheKeyDuplicates); err != nil {
		slog.Warn("failed to invalidate duplicate cluster cache",
			"institution_id", institutionID,
			"error", err,
		)
	}
}

// detect runs duplicate detection under the institution's current window,
// serving from the short-lived cache when possible.
func (s *Service) detect(ctx context.Context, institutionID string) ([]*domain.DuplicateCluster, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, institutionID, domain.CacheKeyDuplicates); err == nil && data != nil {
			var clusters []*domain.DuplicateCluster
			if err := json.Unmarshal(data, &clusters); err == nil {
				return clusters, nil
			}
		}
	}

	cfg, err := s.settings.Get(ctx, institutionID)
	if err != nil {
		return nil, err
	}

	clusters, err := s.detector.Detect(ctx, institutionID, cfg)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(clusters); err == nil {
			if err := s.cache.Set(ctx, institutionID, domain.CacheKeyDuplicates, data, duplicatesTTL); err != nil {
				slog.Warn("failed to cache duplicate clusters",
					"institution_id", institutionID,
					"error", err,
				)
			}
		}
	}

	return clusters, nil
}
