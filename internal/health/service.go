// Package health derives an operational summary of the reconciliation
// pipeline for dashboards. It only reads state; it is not part of the state
// machine itself.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/ibis/internal/domain"
)

// staleAfter is how long without an inbound SMS before the source is
// considered stale. A silent gateway usually means a dead forwarding device,
// not a quiet day.
const staleAfter = 24 * time.Hour

// Statuses for the overall summary and individual checks.
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Check is one dependency probe result.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Summary is the institution-scoped health report.
type Summary struct {
	Status string   `json:"status"`
	Issues []string `json:"issues"`
	Checks []Check  `json:"checks"`

	UnallocatedCount int64      `json:"unallocatedCount"`
	OpenParseErrors  int64      `json:"openParseErrors"`
	LastMessageAt    *time.Time `json:"lastMessageAt,omitempty"`
	StaleSource      bool       `json:"staleSource"`
}

// Service computes health summaries.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus
}

// NewService creates the health service.
func NewService(repo domain.Repository, cache domain.Cache, bus domain.EventBus) *Service {
	return &Service{repo: repo, cache: cache, bus: bus}
}

// Summary builds the health report for one institution. Dependency failures
// degrade the report instead of failing it; the dashboard should render
// whatever could be read.
func (s *Service) Summary(ctx context.Context, institutionID string) *Summary {
	summary := &Summary{
		Status: StatusOK,
		Issues: []string{},
	}

	summary.Checks = append(summary.Checks, s.probe(ctx, "database", s.repo.Ping))
	if s.cache != nil {
		summary.Checks = append(summary.Checks, s.probe(ctx, "cache", s.cache.Ping))
	}
	if s.bus != nil {
		summary.Checks = append(summary.Checks, s.probe(ctx, "event_bus", s.bus.Ping))
	}

	for _, check := range summary.Checks {
		if check.Status != StatusOK {
			summary.Issues = append(summary.Issues, fmt.Sprintf("%s unreachable: %s", check.Name, check.Detail))
			if check.Name == "database" {
				summary.Status = StatusUnhealthy
			}
		}
	}
	if summary.Status == StatusUnhealthy {
		return summary
	}

	if n, err := s.repo.CountUnallocated(ctx, institutionID); err == nil {
		summary.UnallocatedCount = n
		if n > 0 {
			summary.Issues = append(summary.Issues, fmt.Sprintf("%d unallocated transactions awaiting action", n))
		}
	} else {
		summary.Issues = append(summary.Issues, fmt.Sprintf("could not count unallocated transactions: %v", err))
	}

	if n, err := s.repo.CountOpenParseErrors(ctx, institutionID); err == nil {
		summary.OpenParseErrors = n
		if n > 0 {
			summary.Issues = append(summary.Issues, fmt.Sprintf("%d unresolved parse errors", n))
		}
	} else {
		summary.Issues = append(summary.Issues, fmt.Sprintf("could not count parse errors: %v", err))
	}

	if last, err := s.repo.LastMessageReceivedAt(ctx, institutionID); err == nil {
		summary.LastMessageAt = last
		switch {
		case last == nil:
			summary.StaleSource = true
			summary.Issues = append(summary.Issues, "no SMS ever received from the gateway")
		case time.Since(*last) > staleAfter:
			summary.StaleSource = true
			summary.Issues = append(summary.Issues, fmt.Sprintf("no SMS received since %s", last.Format(time.RFC3339)))
		}
	} else {
		summary.Issues = append(summary.Issues, fmt.Sprintf("could not read last message time: %v", err))
	}

	if len(summary.Issues) > 0 {
		summary.Status = StatusDegraded
	}
	return summary
}

func (s *Service) probe(ctx context.Context, name string, ping func(context.Context) error) Check {
	if err := ping(ctx); err != nil {
		return Check{Name: name, Status: StatusUnhealthy, Detail: err.Error()}
	}
	return Check{Name: name, Status: StatusOK}
}
