package agentpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitPaymentSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/payments" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		var body PaymentSubmission
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.ToAgent != "0x0000000000000000000000000000000000000001" || body.Amount != "0.5" {
			t.Fatalf("unexpected payload: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request_id":     "req-1",
			"correlation_id": "0xabc",
			"tx_hash":        "0xdef",
			"nonce":          3,
			"attempts":       1,
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("secret")

	sub, err := client.SubmitPayment(context.Background(), PaymentSubmission{
		ToAgent: "0x0000000000000000000000000000000000000001",
		Task:    "echo",
		Amount:  "0.5",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.RequestID != "req-1" || sub.TxHash != "0xdef" || sub.Nonce != 3 {
		t.Fatalf("unexpected submission: %+v", sub)
	}
}

func TestListDispatchesEncodesFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "parked,failed" || q.Get("limit") != "10" || q.Get("order") != "chain" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "" {
			t.Fatalf("expected no authorization header")
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{{
			"event_id":   "0x01:0",
			"status":     "parked",
			"amount_wei": "1000",
		}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	records, err := client.ListDispatches(context.Background(), DispatchFilter{
		Statuses: []string{"parked", "failed"},
		Limit:    10,
		Order:    "chain",
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].Status != "parked" || records[0].AmountWei != "1000" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestGetPaymentDecodesReceipt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments/req-1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request": map[string]any{"request_id": "req-1", "tx_hash": "0xdef"},
			"records": []map[string]any{{"event_id": "0xdef:0", "status": "executed"}},
			"receipt": map[string]any{
				"tx_hash":       "0xdef",
				"status":        "success",
				"block_number":  12,
				"confirmations": 3,
			},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	payment, err := client.GetPayment(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Receipt == nil || payment.Receipt.Status != "success" || payment.Receipt.Confirmations != 3 {
		t.Fatalf("unexpected receipt: %+v", payment.Receipt)
	}
	if len(payment.Dispatch) != 1 || payment.Dispatch[0].Status != "executed" {
		t.Fatalf("unexpected records: %+v", payment.Dispatch)
	}
}

func TestResolveDispatchDecodesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/dispatches/0x01:0/resolve" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"RECORD_SETTLED","message":"record already settled"}}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.ResolveDispatch(context.Background(), "0x01:0", "req-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "RECORD_SETTLED" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestPlainErrorBodyBecomesMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service closed", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Stats(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "service closed" || apiErr.Code != "" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatalf("expected error for url without scheme")
	}
}
