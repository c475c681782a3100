// Package settings manages per-institution parsing configuration.
//
// Settings are read at the start of every parse, routing, and dedup pass,
// either fresh from the repository or through the cache with explicit
// invalidation on update. Nothing is frozen at process start.
package settings

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opensource-finance/ibis/internal/domain"
)

// configTTL bounds cache staleness for readers on other instances that miss
// the delete-on-update invalidation.
const configTTL = 5 * time.Minute

// RuleValidator checks review-rule expressions before they are persisted.
type RuleValidator interface {
	ValidateRules(rules []string) error
}

// UpdateRequest carries the writable settings fields.
type UpdateRequest struct {
	ParseMode           string   `json:"parseMode"`
	ConfidenceThreshold float64  `json:"confidenceThreshold"`
	DedupeWindowMinutes int      `json:"dedupeWindowMinutes"`
	ReviewRules         []string `json:"reviewRules"`
}

// Service reads and updates parsing configuration.
type Service struct {
	repo      domain.Repository
	cache     domain.Cache
	validator RuleValidator
}

// NewService creates the settings service. validator may be nil, which skips
// review-rule compilation checks.
func NewService(repo domain.Repository, cache domain.Cache, validator RuleValidator) *Service {
	return &Service{repo: repo, cache: cache, validator: validator}
}

// Get returns the institution's parsing configuration, falling back to the
// defaults for institutions that have never saved settings.
func (s *Service) Get(ctx context.Context, institutionID string) (*domain.ParsingConfig, error) {
	if s.cache != nil {
		if cfg, err := s.cache.GetParsingConfig(ctx, institutionID); err == nil && cfg != nil {
			return cfg, nil
		}
	}

	cfg, err := s.repo.GetParsingConfig(ctx, institutionID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DefaultParsingConfig(institutionID), nil
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetParsingConfig(ctx, institutionID, cfg, configTTL); err != nil {
			slog.Warn("failed to cache parsing config",
				"institution_id", institutionID,
				"error", err,
			)
		}
	}

	return cfg, nil
}

// Update validates and persists new settings, then invalidates the cached
// copy so the next parse or routing pass sees them. Validation failures
// reject the write entirely and name the offending field.
func (s *Service) Update(ctx context.Context, institutionID string, req UpdateRequest) (*domain.ParsingConfig, error) {
	cfg := &domain.ParsingConfig{
		InstitutionID:       institutionID,
		ParseMode:           domain.ParseMode(req.ParseMode),
		ConfidenceThreshold: req.ConfidenceThreshold,
		DedupeWindowMinutes: req.DedupeWindowMinutes,
		ReviewRules:         req.ReviewRules,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s.validator != nil {
		if err := s.validator.ValidateRules(cfg.ReviewRules); err != nil {
			return nil, err
		}
	}

	if err := s.repo.SaveParsingConfig(ctx, institutionID, cfg); err != nil {
		return nil, err
	}

	if s.cache != nil {
		// Invalidate rather than overwrite so every instance re-reads the
		// canonical row. The duplicate index depends on the window, so it
		// goes too.
		if err := s.cache.Delete(ctx, institutionID, domain.CacheKeyParsingConfig); err != nil {
			slog.Warn("failed to invalidate parsing config cache",
				"institution_id", institutionID,
				"error", err,
			)
		}
		if err := s.cache.Delete(ctx, institutionID, domain.CacheKeyDuplicates); err != nil {
			slog.Warn("failed to invalidate duplicate cluster cache",
				"institution_id", institutionID,
				"error", err,
			)
		}
	}

	slog.Info("parsing settings updated",
		"institution_id", institutionID,
		"parse_mode", cfg.ParseMode,
		"confidence_threshold", cfg.ConfidenceThreshold,
		"dedupe_window_minutes", cfg.DedupeWindowMinutes,
		"review_rules", len(cfg.ReviewRules),
	)

	return s.repo.GetParsingConfig(ctx, institutionID)
}
