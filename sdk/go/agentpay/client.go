package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// PaymentSubmission is the payload accepted by POST /api/v1/payments.
// Amount is a decimal ether value; AmountWei takes precedence when set.
type PaymentSubmission struct {
	RequestID    string         `json:"request_id,omitempty"`
	FromAgent    string         `json:"from_agent,omitempty"`
	ToAgent      string         `json:"to_agent"`
	Task         string         `json:"task"`
	TaskMetadata map[string]any `json:"task_metadata,omitempty"`
	Amount       string         `json:"amount,omitempty"`
	AmountWei    string         `json:"amount_wei,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	Network      string         `json:"network,omitempty"`
}

// Submission is the broadcast receipt returned by the API. The transaction
// has not necessarily been mined yet.
type Submission struct {
	RequestID     string `json:"request_id"`
	CorrelationID string `json:"correlation_id"`
	TxHash        string `json:"tx_hash"`
	Nonce         uint64 `json:"nonce"`
	Attempts      int    `json:"attempts"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

// Amount is a payment value in wei.
type Amount struct {
	Wei      json.Number `json:"wei"`
	Currency string      `json:"currency,omitempty"`
	Network  string      `json:"network,omitempty"`
}

// PaymentRequest is a stored payment request.
type PaymentRequest struct {
	RequestID     string         `json:"request_id"`
	FromAgent     string         `json:"from_agent"`
	ToAgent       string         `json:"to_agent"`
	Task          string         `json:"task"`
	TaskMetadata  map[string]any `json:"task_metadata,omitempty"`
	Amount        Amount         `json:"amount"`
	CorrelationID string         `json:"correlation_id"`
	TxHash        string         `json:"tx_hash,omitempty"`
	Nonce         *uint64        `json:"nonce,omitempty"`
	CreatedAt     int64          `json:"created_at"`
}

// DispatchResult is the output of an executed task.
type DispatchResult struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Dispatch is one dispatch ledger record.
type Dispatch struct {
	EventID       string          `json:"event_id"`
	TxHash        string          `json:"tx_hash"`
	LogIndex      uint            `json:"log_index"`
	BlockNumber   uint64          `json:"block_number"`
	BlockHash     string          `json:"block_hash"`
	Payer         string          `json:"payer"`
	Payee         string          `json:"payee"`
	AmountWei     string          `json:"amount_wei"`
	CorrelationID string          `json:"correlation_id"`
	RequestID     string          `json:"request_id,omitempty"`
	Task          string          `json:"task,omitempty"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxRetries    int             `json:"max_retries"`
	LastError     string          `json:"last_error,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Result        *DispatchResult `json:"result,omitempty"`
	Reorged       bool            `json:"reorged,omitempty"`
	NextAttemptAt int64           `json:"next_attempt_at,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

// Payment is a request together with the dispatch records bound to it.
// Receipt is set once the request carries a transaction hash and the server
// can reach the chain.
type Payment struct {
	Request      PaymentRequest `json:"request"`
	Dispatch     []Dispatch     `json:"records"`
	Receipt      *Receipt       `json:"receipt,omitempty"`
	ReceiptError string         `json:"receipt_error,omitempty"`
}

// Receipt summarizes the payment transaction on chain. Status is pending,
// success or reverted.
type Receipt struct {
	TxHash        string `json:"tx_hash"`
	Status        string `json:"status"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	BlockHash     string `json:"block_hash,omitempty"`
	GasUsed       uint64 `json:"gas_used,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
}

// DispatchFilter narrows ListDispatches.
type DispatchFilter struct {
	Statuses  []string
	RequestID string
	Limit     int
	Offset    int
	// Order is one of updated_desc, updated_asc or chain.
	Order string
}

// LedgerStats counts records per status.
type LedgerStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Dispatched int `json:"dispatched"`
	Executed   int `json:"executed"`
	Failed     int `json:"failed"`
	Parked     int `json:"parked"`
	Orphaned   int `json:"orphaned"`
	Reorged    int `json:"reorged"`

	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// DispatcherStatus reports the progress of the dispatcher.
type DispatcherStatus struct {
	Name          string `json:"name"`
	Leader        bool   `json:"leader"`
	Head          uint64 `json:"head"`
	Scanned       uint64 `json:"scanned"`
	Cursor        uint64 `json:"cursor"`
	FinalityDepth uint64 `json:"finality_depth"`
	LastTickAt    int64  `json:"last_tick_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// Stats is returned by GET /api/v1/stats.
type Stats struct {
	Ledger     LedgerStats       `json:"ledger"`
	Dispatcher *DispatcherStatus `json:"dispatcher,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPay API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token used by write calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SubmitPayment asks the daemon to sign and broadcast a payment.
func (c *Client) SubmitPayment(ctx context.Context, submission PaymentSubmission) (Submission, error) {
	var out Submission
	if err := c.send(ctx, http.MethodPost, "/api/v1/payments", nil, submission, &out); err != nil {
		return Submission{}, err
	}
	return out, nil
}

// GetPayment fetches a payment request and its dispatch records.
func (c *Client) GetPayment(ctx context.Context, requestID string) (Payment, error) {
	var out Payment
	if err := c.send(ctx, http.MethodGet, "/api/v1/payments/"+url.PathEscape(requestID), nil, nil, &out); err != nil {
		return Payment{}, err
	}
	return out, nil
}

// ListDispatches lists dispatch records.
func (c *Client) ListDispatches(ctx context.Context, filter DispatchFilter) ([]Dispatch, error) {
	query := url.Values{}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if filter.RequestID != "" {
		query.Set("request_id", filter.RequestID)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	if filter.Order != "" {
		query.Set("order", filter.Order)
	}
	var out []Dispatch
	if err := c.send(ctx, http.MethodGet, "/api/v1/dispatches", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDispatch fetches one dispatch record by event id ("<tx hash>:<log index>").
func (c *Client) GetDispatch(ctx context.Context, eventID string) (Dispatch, error) {
	var out Dispatch
	if err := c.send(ctx, http.MethodGet, "/api/v1/dispatches/"+url.PathEscape(eventID), nil, nil, &out); err != nil {
		return Dispatch{}, err
	}
	return out, nil
}

// ResolveDispatch binds a parked event to a payment request.
func (c *Client) ResolveDispatch(ctx context.Context, eventID, requestID string) (Dispatch, error) {
	var out Dispatch
	body := map[string]string{"request_id": requestID}
	if err := c.send(ctx, http.MethodPost, "/api/v1/dispatches/"+url.PathEscape(eventID)+"/resolve", nil, body, &out); err != nil {
		return Dispatch{}, err
	}
	return out, nil
}

// Stats returns ledger counts and dispatcher progress.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := c.send(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
