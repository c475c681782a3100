package domain

import (
	"fmt"
	"time"
)

// ParseMode selects the parser strategy for an institution.
type ParseMode string

const (
	// ModeDeterministic only applies the carrier pattern rules.
	ModeDeterministic ParseMode = "deterministic"

	// ModeAIFallback additionally submits unrecognized text to the
	// AI extraction service.
	ModeAIFallback ParseMode = "ai_fallback"
)

// Threshold and window bounds accepted by UpdateParsingConfig.
const (
	MinConfidenceThreshold = 0.5
	MaxConfidenceThreshold = 1.0
	MinDedupeWindowMinutes = 1
	MaxDedupeWindowMinutes = 60
)

// ParsingConfig is per-institution reconciliation configuration. It is read
// fresh (or through the cache with explicit invalidation) at the start of
// every parse, routing, and dedup pass — never frozen at process start.
type ParsingConfig struct {
	InstitutionID string `json:"institutionId"`

	ParseMode           ParseMode `json:"parseMode"`
	ConfidenceThreshold float64   `json:"confidenceThreshold"`
	DedupeWindowMinutes int       `json:"dedupeWindowMinutes"`

	// ReviewRules are CEL expressions over a parsed candidate
	// (amount, currency, payer_name, payer_phone, reference, confidence).
	// A rule that evaluates true forces manual review regardless of the
	// confidence score.
	ReviewRules []string `json:"reviewRules,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// DedupeWindow returns the window as a duration.
func (c *ParsingConfig) DedupeWindow() time.Duration {
	return time.Duration(c.DedupeWindowMinutes) * time.Minute
}

// Validate checks the configured bounds. Violations wrap ErrValidation and
// name the offending field.
func (c *ParsingConfig) Validate() error {
	switch c.ParseMode {
	case ModeDeterministic, ModeAIFallback:
	default:
		return fmt.Errorf("%w: parseMode must be %q or %q", ErrValidation, ModeDeterministic, ModeAIFallback)
	}
	if c.ConfidenceThreshold < MinConfidenceThreshold || c.ConfidenceThreshold > MaxConfidenceThreshold {
		return fmt.Errorf("%w: confidenceThreshold must be within [%.1f, %.1f]", ErrValidation, MinConfidenceThreshold, MaxConfidenceThreshold)
	}
	if c.DedupeWindowMinutes < MinDedupeWindowMinutes || c.DedupeWindowMinutes > MaxDedupeWindowMinutes {
		return fmt.Errorf("%w: dedupeWindowMinutes must be within [%d, %d]", ErrValidation, MinDedupeWindowMinutes, MaxDedupeWindowMinutes)
	}
	return nil
}

// DefaultParsingConfig returns the configuration applied to institutions
// that have never saved settings.
func DefaultParsingConfig(institutionID string) *ParsingConfig {
	return &ParsingConfig{
		InstitutionID:       institutionID,
		ParseMode:           ModeDeterministic,
		ConfidenceThreshold: 0.85,
		DedupeWindowMinutes: 5,
	}
}
