//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Ibis reconciliation
// engine.
//
// These tests verify the COMPLETE pipeline against a running server:
//
//	SMS → Raw Message Store → Parser → Confidence Router → Queues → Allocation
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The server must be reachable at IBIS_TEST_URL (default
// http://localhost:8080). Each run uses a fresh institution id, so no
// cleanup between runs is needed.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

type testConfig struct {
	BaseURL       string
	InstitutionID string
}

func getTestConfig() testConfig {
	baseURL := os.Getenv("IBIS_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return testConfig{
		BaseURL:       baseURL,
		InstitutionID: fmt.Sprintf("itest-%d", time.Now().UnixNano()),
	}
}

func (c testConfig) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, c.BaseURL+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Institution-ID", c.InstitutionID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp.StatusCode, data
}

func (c testConfig) ingest(t *testing.T, body string) (msgID, txID string) {
	t.Helper()

	status, data := c.do(t, http.MethodPost, "/messages", map[string]string{
		"sender": "M-Money",
		"body":   body,
	})
	if status != http.StatusCreated {
		t.Fatalf("ingest returned %d: %s", status, data)
	}

	var resp struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
		Transaction *struct {
			ID string `json:"id"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("failed to decode ingest response: %v", err)
	}

	msgID = resp.Message.ID
	if resp.Transaction != nil {
		txID = resp.Transaction.ID
	}
	return msgID, txID
}

func TestReconciliationPipeline(t *testing.T) {
	cfg := getTestConfig()

	// Server must be up.
	status, _ := cfg.do(t, http.MethodGet, "/health", nil)
	if status != http.StatusOK {
		t.Fatalf("server not healthy: %d", status)
	}

	// Ingest a known-format MTN SMS.
	_, txID := cfg.ingest(t, "TxId: 8399201. You have received 50,000 RWF from Jean-Paul Mugenzi (+250788000000) on your mobile money account.")
	if txID == "" {
		t.Fatal("known-format SMS did not produce a transaction")
	}

	// It appears in the unallocated queue.
	status, data := cfg.do(t, http.MethodGet, "/queues/unallocated", nil)
	if status != http.StatusOK {
		t.Fatalf("queue returned %d", status)
	}
	var queue struct {
		Items []struct {
			ID          string `json:"id"`
			AmountMinor int64  `json:"amountMinor"`
			Route       string `json:"route"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &queue); err != nil {
		t.Fatalf("failed to decode queue: %v", err)
	}
	if len(queue.Items) != 1 || queue.Items[0].ID != txID {
		t.Fatalf("unexpected queue: %s", data)
	}
	if queue.Items[0].AmountMinor != 50000 {
		t.Errorf("expected amount 50000, got %d", queue.Items[0].AmountMinor)
	}
	if queue.Items[0].Route != "auto" {
		t.Errorf("expected auto route, got %s", queue.Items[0].Route)
	}

	// Allocate, then confirm the conflict path.
	status, data = cfg.do(t, http.MethodPost, "/transactions/"+txID+"/allocate", map[string]string{
		"targetKind": "member",
		"targetId":   "member-1",
	})
	if status != http.StatusOK {
		t.Fatalf("allocate returned %d: %s", status, data)
	}
	status, _ = cfg.do(t, http.MethodPost, "/transactions/"+txID+"/allocate", map[string]string{
		"targetKind": "member",
		"targetId":   "member-2",
	})
	if status != http.StatusConflict {
		t.Errorf("expected 409 on re-allocation, got %d", status)
	}

	// Reverse with an audit reason.
	status, data = cfg.do(t, http.MethodPost, "/transactions/"+txID+"/reverse", map[string]string{
		"reason": "payer refunded",
	})
	if status != http.StatusOK {
		t.Fatalf("reverse returned %d: %s", status, data)
	}
}

func TestDuplicateDetectionPipeline(t *testing.T) {
	cfg := getTestConfig()

	sms := "TxId: 7100555. You have received 5,000 RWF from Eric Habimana (+250788222333) on your mobile money account."
	_, txA := cfg.ingest(t, sms)
	_, txB := cfg.ingest(t, sms)
	if txA == "" || txB == "" {
		t.Fatal("expected both ingests to parse")
	}

	status, data := cfg.do(t, http.MethodGet, "/queues/duplicates", nil)
	if status != http.StatusOK {
		t.Fatalf("duplicates returned %d", status)
	}
	var list struct {
		Clusters []struct {
			MatchKey  string `json:"matchKey"`
			MatchType string `json:"matchType"`
		} `json:"clusters"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("failed to decode clusters: %v", err)
	}
	if len(list.Clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %s", data)
	}
	if list.Clusters[0].MatchType != "reference_match" {
		t.Errorf("expected reference_match, got %s", list.Clusters[0].MatchType)
	}

	// Dismiss one member; the cluster resolves.
	status, _ = cfg.do(t, http.MethodPost, "/transactions/"+txB+"/dismiss-duplicate", struct{}{})
	if status != http.StatusOK {
		t.Fatalf("dismiss returned %d", status)
	}
	status, data = cfg.do(t, http.MethodGet, "/queues/duplicates", nil)
	if status != http.StatusOK {
		t.Fatalf("duplicates returned %d", status)
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("failed to decode clusters: %v", err)
	}
	if len(list.Clusters) != 0 {
		t.Errorf("dismissed cluster still listed: %s", data)
	}
}

func TestSettingsAndParseErrorPipeline(t *testing.T) {
	cfg := getTestConfig()

	// Unparseable text lands in the parse-errors queue.
	msgID, txID := cfg.ingest(t, "Dial *182# to check your balance.")
	if txID != "" {
		t.Fatal("expected no transaction for unparseable text")
	}

	status, data := cfg.do(t, http.MethodGet, "/queues/parse-errors", nil)
	if status != http.StatusOK {
		t.Fatalf("parse-errors returned %d", status)
	}
	var queue struct {
		Items []struct {
			ID         string `json:"id"`
			ParseError string `json:"parseError"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &queue); err != nil {
		t.Fatalf("failed to decode queue: %v", err)
	}
	if len(queue.Items) != 1 || queue.Items[0].ID != msgID {
		t.Fatalf("unexpected parse-errors queue: %s", data)
	}

	status, _ = cfg.do(t, http.MethodPost, "/messages/"+msgID+"/resolve", map[string]string{
		"note": "marketing SMS, ignore",
	})
	if status != http.StatusOK {
		t.Fatalf("resolve returned %d", status)
	}

	// Settings round trip with bounds enforcement.
	status, _ = cfg.do(t, http.MethodPut, "/settings/parsing", map[string]any{
		"parseMode":           "deterministic",
		"confidenceThreshold": 0.95,
		"dedupeWindowMinutes": 10,
	})
	if status != http.StatusOK {
		t.Fatalf("settings update returned %d", status)
	}
	status, _ = cfg.do(t, http.MethodPut, "/settings/parsing", map[string]any{
		"parseMode":           "deterministic",
		"confidenceThreshold": 0.2,
		"dedupeWindowMinutes": 10,
	})
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-bounds threshold, got %d", status)
	}

	// System health reflects the institution's state.
	status, data = cfg.do(t, http.MethodGet, "/system/health", nil)
	if status != http.StatusOK {
		t.Fatalf("system health returned %d", status)
	}
	var summary struct {
		Status      string `json:"status"`
		StaleSource bool   `json:"staleSource"`
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.StaleSource {
		t.Error("source flagged stale right after ingestion")
	}
}
