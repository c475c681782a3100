package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensource-finance/ibis/internal/domain"
)

// HTTPExtractor calls an external AI text-extraction service over HTTP.
// The service receives the raw SMS body and returns a structured candidate
// with its own confidence estimate.
type HTTPExtractor struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPExtractor creates an extractor client, or nil when no endpoint is
// configured so the parser stays in deterministic-only mode.
func NewHTTPExtractor(cfg domain.ExtractorConfig) *HTTPExtractor {
	if cfg.Endpoint == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPExtractor{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type extractRequest struct {
	Body string `json:"body"`
}

type extractResponse struct {
	Amount     string  `json:"amount"`
	Currency   string  `json:"currency"`
	PayerName  string  `json:"payerName"`
	PayerPhone string  `json:"payerPhone"`
	Reference  string  `json:"reference"`
	Confidence float64 `json:"confidence"`
}

// Extract sends the SMS body to the extraction service and normalizes the
// response into a candidate. Any transport, status, or decode problem is an
// error; the caller records it as a parse failure.
func (e *HTTPExtractor) Extract(ctx context.Context, body string) (*Candidate, error) {
	payload, err := json.Marshal(extractRequest{Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode extraction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extraction service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, snippet)
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode extraction response: %w", err)
	}

	amountMinor, err := ParseAmountMinor(out.Amount, out.Currency)
	if err != nil {
		return nil, fmt.Errorf("extraction service returned bad amount: %w", err)
	}

	return &Candidate{
		AmountMinor: amountMinor,
		Currency:    out.Currency,
		PayerName:   out.PayerName,
		PayerPhone:  out.PayerPhone,
		Reference:   out.Reference,
		Confidence:  out.Confidence,
	}, nil
}
