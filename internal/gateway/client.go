package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Gateway is the logical contract of the payment/transfer provider. A non-nil
// error means the call did not complete (timeout, transport, unreadable
// reply); a completed call that the provider refused has OK == false.
type Gateway interface {
	OpenIntent(ctx context.Context, idempotencyKey string, amount int64, method string) (IntentResult, error)
	CancelIntent(ctx context.Context, externalID string) (Result, error)
	CheckDestination(ctx context.Context, bankCode, account string) (DestinationResult, error)
	SubmitTransfer(ctx context.Context, idempotencyKey string, req TransferRequest) (TransferResult, error)
	PollTransferStatus(ctx context.Context, externalID string) (StatusResult, error)
}

type Result struct {
	OK      bool
	Message string
}

type IntentResult struct {
	Result
	ExternalID string
}

type DestinationResult struct {
	Result
	HolderName string
}

type TransferRequest struct {
	BankCode      string
	AccountNumber string
	HolderName    string
	Nominal       int64
	Note          string
}

type TransferResult struct {
	Result
	ExternalID string
	Fee        int64
	Status     string
}

type StatusResult struct {
	Result
	Status string
}

// Field aliases the provider uses for one logical value.
var (
	externalIDKeys = []string{"id", "trx_id", "transaction_id"}
	transferIDKeys = []string{"id", "transfer_id"}
	holderNameKeys = []string{"account_name", "nama", "name", "nama_pemilik"}
)

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	RPS     float64
}

// HTTPClient talks to the provider's form-encoded POST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type reply struct {
	ok      bool
	message string
	data    map[string]any
}

func (c *HTTPClient) post(ctx context.Context, path string, form url.Values) (reply, error) {
	if c.apiKey == "" {
		return reply{}, errors.New("gateway api key is not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return reply{}, fmt.Errorf("rate limit: %w", err)
	}

	form.Set("api_key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return reply{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return reply{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return reply{}, fmt.Errorf("read %s: %w", path, err)
	}
	return parseReply(body)
}

func parseReply(body []byte) (reply, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return reply{}, fmt.Errorf("decode reply: %w", err)
	}
	r := reply{
		ok:      affirmative(raw["status"]),
		message: stringOf(raw["message"]),
	}
	if data, ok := raw["data"].(map[string]any); ok {
		r.data = data
	}
	return r, nil
}

// affirmative accepts only an explicit true marker; anything else counts as
// a refusal.
func affirmative(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		return false
	}
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func firstOf(data map[string]any, keys []string) string {
	for _, k := range keys {
		if s := stringOf(data[k]); s != "" {
			return s
		}
	}
	return ""
}

func int64Of(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	default:
		return 0
	}
}

func (c *HTTPClient) OpenIntent(ctx context.Context, idempotencyKey string, amount int64, method string) (IntentResult, error) {
	r, err := c.post(ctx, "/deposit/create", url.Values{
		"reff_id": {idempotencyKey},
		"nominal": {strconv.FormatInt(amount, 10)},
		"type":    {"ewallet"},
		"metode":  {method},
	})
	if err != nil {
		return IntentResult{}, err
	}
	return IntentResult{Result: Result{OK: r.ok, Message: r.message}, ExternalID: firstOf(r.data, externalIDKeys)}, nil
}

func (c *HTTPClient) CancelIntent(ctx context.Context, externalID string) (Result, error) {
	r, err := c.post(ctx, "/deposit/cancel", url.Values{"id": {externalID}})
	if err != nil {
		return Result{}, err
	}
	return Result{OK: r.ok, Message: r.message}, nil
}

func (c *HTTPClient) CheckDestination(ctx context.Context, bankCode, account string) (DestinationResult, error) {
	r, err := c.post(ctx, "/transfer/cek_rekening", url.Values{
		"bank_code":      {bankCode},
		"account_number": {account},
	})
	if err != nil {
		return DestinationResult{}, err
	}
	return DestinationResult{Result: Result{OK: r.ok, Message: r.message}, HolderName: firstOf(r.data, holderNameKeys)}, nil
}

func (c *HTTPClient) SubmitTransfer(ctx context.Context, idempotencyKey string, req TransferRequest) (TransferResult, error) {
	r, err := c.post(ctx, "/transfer/create", url.Values{
		"ref_id":       {idempotencyKey},
		"kode_bank":    {req.BankCode},
		"nomor_akun":   {req.AccountNumber},
		"nama_pemilik": {req.HolderName},
		"nominal":      {strconv.FormatInt(req.Nominal, 10)},
		"email":        {""},
		"phone":        {""},
		"note":         {req.Note},
	})
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{
		Result:     Result{OK: r.ok, Message: r.message},
		ExternalID: firstOf(r.data, transferIDKeys),
		Fee:        int64Of(r.data["fee"]),
		Status:     stringOf(r.data["status"]),
	}, nil
}

func (c *HTTPClient) PollTransferStatus(ctx context.Context, externalID string) (StatusResult, error) {
	r, err := c.post(ctx, "/transfer/status", url.Values{"id": {externalID}})
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Result: Result{OK: r.ok, Message: r.message}, Status: stringOf(r.data["status"])}, nil
}
