// Package parser converts raw MoMo SMS text into structured transaction
// candidates with a confidence score.
//
// Deterministic carrier pattern rules run first and always win with
// confidence 1.0. If no rule matches and the institution runs in ai_fallback
// mode, the text goes to the extraction service, whose output is lower-trust
// by construction: its confidence is clamped strictly below the
// deterministic ceiling.
package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensource-finance/ibis/internal/domain"
)

// FallbackCeiling is the maximum confidence the AI fallback can report.
// Kept strictly under 1.0 so a deterministic match is never downgraded by a
// fallback disagreement.
const FallbackCeiling = 0.95

// Candidate is the structured output of a successful parse.
type Candidate struct {
	AmountMinor int64   `json:"amountMinor"`
	Currency    string  `json:"currency"`
	PayerName   string  `json:"payerName,omitempty"`
	PayerPhone  string  `json:"payerPhone,omitempty"`
	Reference   string  `json:"reference,omitempty"`
	Confidence  float64 `json:"confidence"`

	// RuleName records which deterministic rule matched; "fallback" for the
	// AI path. Diagnostic only.
	RuleName string `json:"ruleName,omitempty"`
}

// Extractor is the AI text-extraction collaborator invoked only as the
// fallback path. Implementations must honor context cancellation; a timeout
// is reported as an error and becomes a parse failure upstream.
type Extractor interface {
	Extract(ctx context.Context, body string) (*Candidate, error)
}

// Parser applies deterministic rules and, when configured, the fallback
// extractor.
type Parser struct {
	rules     []*Rule
	extractor Extractor
}

// New creates a parser with the built-in carrier rules.
// extractor may be nil, which disables ai_fallback mode regardless of
// institution settings.
func New(extractor Extractor) *Parser {
	return &Parser{
		rules:     builtinRules(),
		extractor: extractor,
	}
}

// Parse turns raw SMS text into a candidate or a *domain.ParseError.
// The institution's ParsingConfig decides whether the fallback runs.
func (p *Parser) Parse(ctx context.Context, body string, cfg *domain.ParsingConfig) (*Candidate, error) {
	text := strings.TrimSpace(body)
	if text == "" {
		return nil, &domain.ParseError{Stage: "rules", Detail: "empty message body"}
	}

	for _, rule := range p.rules {
		candidate, ok, err := rule.Apply(text)
		if err != nil {
			// The rule recognized the format but the fields would not
			// normalize. That is a data problem worth surfacing, not a
			// reason to let a weaker rule guess.
			return nil, &domain.ParseError{Stage: "normalize", Detail: fmt.Sprintf("rule %s: %v", rule.Name, err)}
		}
		if ok {
			candidate.Confidence = 1.0
			candidate.RuleName = rule.Name
			return candidate, nil
		}
	}

	if cfg.ParseMode != domain.ModeAIFallback {
		return nil, &domain.ParseError{Stage: "rules", Detail: "no carrier pattern matched"}
	}
	if p.extractor == nil {
		return nil, &domain.ParseError{Stage: "fallback", Detail: "no carrier pattern matched and extraction service is not configured"}
	}

	candidate, err := p.extractor.Extract(ctx, text)
	if err != nil {
		return nil, &domain.ParseError{Stage: "fallback", Detail: err.Error()}
	}
	if err := validateCandidate(candidate); err != nil {
		return nil, &domain.ParseError{Stage: "fallback", Detail: err.Error()}
	}

	if candidate.Confidence > FallbackCeiling {
		candidate.Confidence = FallbackCeiling
	}
	candidate.RuleName = "fallback"
	return candidate, nil
}

// validateCandidate rejects malformed extractor output. The fallback is
// trusted only when it returns a well-formed structured object.
func validateCandidate(c *Candidate) error {
	if c == nil {
		return fmt.Errorf("extractor returned no candidate")
	}
	if c.AmountMinor <= 0 {
		return fmt.Errorf("extractor returned non-positive amount")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("extractor returned invalid currency %q", c.Currency)
	}
	if c.Confidence <= 0 || c.Confidence > 1 {
		return fmt.Errorf("extractor returned confidence %v outside (0, 1]", c.Confidence)
	}
	if c.PayerName == "" && c.PayerPhone == "" && c.Reference == "" {
		return fmt.Errorf("extractor returned no counterparty or reference")
	}
	return nil
}
