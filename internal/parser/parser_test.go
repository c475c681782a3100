package parser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opensource-finance/ibis/internal/domain"
)

func deterministicConfig() *domain.ParsingConfig {
	return domain.DefaultParsingConfig("inst-1")
}

func fallbackConfig() *domain.ParsingConfig {
	cfg := domain.DefaultParsingConfig("inst-1")
	cfg.ParseMode = domain.ModeAIFallback
	return cfg
}

func TestParseDeterministicRules(t *testing.T) {
	p := New(nil)
	ctx := context.Background()

	t.Run("mtn received", func(t *testing.T) {
		body := "TxId: 8399201. You have received 50,000 RWF from Jean-Paul Mugenzi (+250788000000) on your mobile money account."

		c, err := p.Parse(ctx, body, deterministicConfig())
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}

		if c.AmountMinor != 50000 {
			t.Errorf("expected amount 50000, got %d", c.AmountMinor)
		}
		if c.Currency != "RWF" {
			t.Errorf("expected currency RWF, got %s", c.Currency)
		}
		if c.Reference != "8399201" {
			t.Errorf("expected reference 8399201, got %s", c.Reference)
		}
		if c.PayerName != "Jean-Paul Mugenzi" {
			t.Errorf("expected payer Jean-Paul Mugenzi, got %q", c.PayerName)
		}
		if c.PayerPhone != "+250788000000" {
			t.Errorf("expected phone +250788000000, got %q", c.PayerPhone)
		}
		if c.Confidence != 1.0 {
			t.Errorf("expected confidence 1.0, got %v", c.Confidence)
		}
		if c.RuleName != "mtn_momo_received" {
			t.Errorf("expected rule mtn_momo_received, got %s", c.RuleName)
		}
	})

	t.Run("mtn payment", func(t *testing.T) {
		body := "Y'ello! Your payment of 5,000 RWF to Kigali SACCO has been completed. TxId: 91120034."

		c, err := p.Parse(ctx, body, deterministicConfig())
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}

		if c.AmountMinor != 5000 {
			t.Errorf("expected amount 5000, got %d", c.AmountMinor)
		}
		if c.Reference != "91120034" {
			t.Errorf("expected reference 91120034, got %s", c.Reference)
		}
		if c.PayerName != "Kigali SACCO" {
			t.Errorf("expected payer Kigali SACCO, got %q", c.PayerName)
		}
	})

	t.Run("airtel currency first", func(t *testing.T) {
		body := "You have received RWF 25,000 from JANE UWASE 0788123456. Ref: AM230915.145. Airtel Money."

		c, err := p.Parse(ctx, body, deterministicConfig())
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}

		if c.AmountMinor != 25000 {
			t.Errorf("expected amount 25000, got %d", c.AmountMinor)
		}
		if c.Currency != "RWF" {
			t.Errorf("expected currency RWF, got %s", c.Currency)
		}
		if c.Reference != "AM230915.145" {
			t.Errorf("expected reference AM230915.145, got %q", c.Reference)
		}
		if c.PayerName != "JANE UWASE" {
			t.Errorf("expected payer JANE UWASE, got %q", c.PayerName)
		}
		if c.PayerPhone != "0788123456" {
			t.Errorf("expected phone 0788123456, got %q", c.PayerPhone)
		}
		if c.RuleName != "airtel_money_received" {
			t.Errorf("expected rule airtel_money_received, got %s", c.RuleName)
		}
	})

	t.Run("generic reference", func(t *testing.T) {
		body := "Deposit confirmed: 12,500 KES credited. Reference: BNK-77812."

		c, err := p.Parse(ctx, body, deterministicConfig())
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}

		if c.AmountMinor != 1250000 {
			t.Errorf("expected amount 1250000 minor units, got %d", c.AmountMinor)
		}
		if c.Reference != "BNK-77812" {
			t.Errorf("expected reference BNK-77812, got %q", c.Reference)
		}
		if c.RuleName != "generic_reference" {
			t.Errorf("expected rule generic_reference, got %s", c.RuleName)
		}
	})
}

func TestParseFailures(t *testing.T) {
	p := New(nil)
	ctx := context.Background()

	t.Run("empty body", func(t *testing.T) {
		_, err := p.Parse(ctx, "   ", deterministicConfig())
		var perr *domain.ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ParseError, got %v", err)
		}
		if perr.Stage != "rules" {
			t.Errorf("expected stage rules, got %s", perr.Stage)
		}
	})

	t.Run("no pattern in deterministic mode", func(t *testing.T) {
		_, err := p.Parse(ctx, "Welcome to MTN MoMo! Dial *182# to get started.", deterministicConfig())
		var perr *domain.ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ParseError, got %v", err)
		}
		if perr.Stage != "rules" {
			t.Errorf("expected stage rules, got %s", perr.Stage)
		}
	})

	t.Run("fractional amount in zero-exponent currency", func(t *testing.T) {
		_, err := p.Parse(ctx, "TxId: 1. You have received 50.5 RWF from A N Other.", deterministicConfig())
		var perr *domain.ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ParseError, got %v", err)
		}
		if perr.Stage != "normalize" {
			t.Errorf("expected stage normalize, got %s", perr.Stage)
		}
	})

	t.Run("fallback mode without extractor", func(t *testing.T) {
		_, err := p.Parse(ctx, "no pattern here", fallbackConfig())
		var perr *domain.ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ParseError, got %v", err)
		}
		if perr.Stage != "fallback" {
			t.Errorf("expected stage fallback, got %s", perr.Stage)
		}
	})
}

type stubExtractor struct {
	candidate *Candidate
	err       error
}

func (s *stubExtractor) Extract(ctx context.Context, body string) (*Candidate, error) {
	return s.candidate, s.err
}

func TestParseFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("clamps confidence below deterministic", func(t *testing.T) {
		p := New(&stubExtractor{candidate: &Candidate{
			AmountMinor: 7000,
			Currency:    "RWF",
			PayerPhone:  "+250788111222",
			Confidence:  0.99,
		}})

		c, err := p.Parse(ctx, "got 7k from somebody, thx", fallbackConfig())
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if c.Confidence != FallbackCeiling {
			t.Errorf("expected confidence clamped to %v, got %v", FallbackCeiling, c.Confidence)
		}
		if c.RuleName != "fallback" {
			t.Errorf("expected rule fallback, got %s", c.RuleName)
		}
	})

	t.Run("deterministic match never consults extractor", func(t *testing.T) {
		p := New(&stubExtractor{err: errors.New("should not be called")})

		body := "TxId: 8399201. You have received 50,000 RWF from Jean-Paul Mugenzi."
		c, err := p.Parse(ctx, body, fallbackConfig())
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if c.Confidence != 1.0 {
			t.Errorf("expected confidence 1.0, got %v", c.Confidence)
		}
	})

	t.Run("extractor failure becomes parse error", func(t *testing.T) {
		p := New(&stubExtractor{err: errors.New("timeout")})

		_, err := p.Parse(ctx, "no pattern", fallbackConfig())
		var perr *domain.ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ParseError, got %v", err)
		}
		if perr.Stage != "fallback" {
			t.Errorf("expected stage fallback, got %s", perr.Stage)
		}
	})

	t.Run("rejects malformed extractor output", func(t *testing.T) {
		p := New(&stubExtractor{candidate: &Candidate{
			AmountMinor: 5000,
			Currency:    "RWF",
			Confidence:  0.8,
			// no payer name, phone, or reference
		}})

		_, err := p.Parse(ctx, "no pattern", fallbackConfig())
		var perr *domain.ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ParseError, got %v", err)
		}
	})
}

func TestHTTPExtractor(t *testing.T) {
	t.Run("successful extraction", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-key" {
				t.Errorf("missing authorization header")
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"amount":"3,000","currency":"RWF","payerPhone":"+250788999000","confidence":0.9}`))
		}))
		defer server.Close()

		e := NewHTTPExtractor(domain.ExtractorConfig{Endpoint: server.URL, APIKey: "test-key"})
		c, err := e.Extract(context.Background(), "some unparseable sms")
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		if c.AmountMinor != 3000 {
			t.Errorf("expected amount 3000, got %d", c.AmountMinor)
		}
		if c.Confidence != 0.9 {
			t.Errorf("expected confidence 0.9, got %v", c.Confidence)
		}
	})

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		e := NewHTTPExtractor(domain.ExtractorConfig{Endpoint: server.URL})
		if _, err := e.Extract(context.Background(), "body"); err == nil {
			t.Fatal("expected error from 503 response")
		}
	})

	t.Run("no endpoint disables extractor", func(t *testing.T) {
		if e := NewHTTPExtractor(domain.ExtractorConfig{}); e != nil {
			t.Fatal("expected nil extractor without endpoint")
		}
	})
}

func TestParseAmountMinor(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     int64
		wantErr  bool
	}{
		{"50,000", "RWF", 50000, false},
		{"1,250.50", "KES", 125050, false},
		{"100.5", "KES", 10050, false},
		{"100", "KES", 10000, false},
		{"100.50", "RWF", 0, true},
		{"0", "RWF", 0, true},
		{"", "RWF", 0, true},
		{"12a", "RWF", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseAmountMinor(tt.amount, tt.currency)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAmountMinor(%q, %s): expected error", tt.amount, tt.currency)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmountMinor(%q, %s): %v", tt.amount, tt.currency, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAmountMinor(%q, %s) = %d, want %d", tt.amount, tt.currency, got, tt.want)
		}
	}
}
