// Package confidence decides whether a parsed transaction can be allocated
// directly or needs a human to look at it first.
//
// Routing is a pure function of the transaction's stored confidence and the
// institution's current settings. Nothing about the decision is persisted,
// so raising or lowering the threshold immediately re-routes every
// still-unallocated transaction.
package confidence

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/ibis/internal/domain"
)

// Route is the reviewer-facing routing outcome.
type Route string

const (
	// RouteAuto means the transaction is eligible for direct allocation.
	RouteAuto Route = "auto"

	// RouteManualReview means an operator must confirm before allocation.
	RouteManualReview Route = "manual_review"
)

// Decision carries the route and the reasons a transaction was flagged.
type Decision struct {
	Route   Route    `json:"route"`
	Reasons []string `json:"reasons,omitempty"`
}

// NeedsReview reports whether the decision requires operator attention.
func (d Decision) NeedsReview() bool {
	return d.Route == RouteManualReview
}

// Router evaluates the confidence threshold and the institution's CEL review
// rules. Compiled programs are cached per expression, so repeated routing
// passes over a queue do not recompile.
type Router struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewRouter builds the CEL environment shared by all institutions.
// Review rules see the parsed fields of a transaction; amount is in minor
// units.
func NewRouter() (*Router, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("payer_name", cel.StringType),
		cel.Variable("payer_phone", cel.StringType),
		cel.Variable("reference", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Router{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Route classifies a transaction under the given settings.
// A review rule that errors at evaluation time counts as fired; routing
// fails safe toward human review.
func (r *Router) Route(tx *domain.Transaction, cfg *domain.ParsingConfig) Decision {
	var reasons []string

	if tx.Confidence < cfg.ConfidenceThreshold {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below threshold %.2f", tx.Confidence, cfg.ConfidenceThreshold))
	}

	if len(cfg.ReviewRules) > 0 {
		activation := map[string]any{
			"amount":      tx.AmountMinor,
			"currency":    tx.Currency,
			"payer_name":  tx.PayerName,
			"payer_phone": tx.PayerPhone,
			"reference":   tx.MomoReference,
			"confidence":  tx.Confidence,
		}

		for _, rule := range cfg.ReviewRules {
			fired, err := r.eval(rule, activation)
			if err != nil {
				reasons = append(reasons, fmt.Sprintf("review rule %q failed to evaluate: %v", rule, err))
				continue
			}
			if fired {
				reasons = append(reasons, fmt.Sprintf("review rule %q matched", rule))
			}
		}
	}

	if len(reasons) > 0 {
		return Decision{Route: RouteManualReview, Reasons: reasons}
	}
	return Decision{Route: RouteAuto}
}

// ValidateRules compiles each expression and checks it produces a boolean.
// Called by the settings service before persisting review rules, so broken
// expressions are rejected at write time rather than discovered during
// routing.
func (r *Router) ValidateRules(rules []string) error {
	for _, rule := range rules {
		if _, err := r.compile(rule); err != nil {
			return fmt.Errorf("%w: review rule %q: %v", domain.ErrValidation, rule, err)
		}
	}
	return nil
}

func (r *Router) eval(rule string, activation map[string]any) (bool, error) {
	prg, err := r.compile(rule)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, err
	}

	fired, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not produce a boolean")
	}
	return fired, nil
}

func (r *Router) compile(rule string) (cel.Program, error) {
	r.mu.RLock()
	prg, ok := r.programs[rule]
	r.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := r.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must produce a boolean, got %s", ast.OutputType())
	}

	prg, err := r.env.Program(ast)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.programs[rule] = prg
	r.mu.Unlock()

	return prg, nil
}
