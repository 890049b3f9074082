package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"
)

// Status is the processor's authoritative view of a transaction.
type Status string

const (
	StatusSettled  Status = "SETTLED"
	StatusFailed   Status = "FAILED"
	StatusPending  Status = "PENDING"
	StatusNotFound Status = "NOT_FOUND"
)

// GatewayError classifies processor failures. Transient errors (timeouts,
// 5xx) are retryable by the caller; permanent ones are not.
type GatewayError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *GatewayError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("gateway %s: %s error: %v", e.Op, kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable gateway error.
func IsTransient(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Transient
}

type CreateSessionParams struct {
	Reference   string
	AmountMinor int64
	Currency    string
	ReturnURL   string
}

// Session is a hosted checkout created by the processor.
type Session struct {
	CheckoutURL string
	SessionRef  string
}

// StatusResult carries the settled amount so the engine can check it
// against the stored snapshot.
type StatusResult struct {
	Status      Status
	AmountMinor int64
	Currency    string
}

// Client is the outbound adapter to the payment processor. FetchStatus is
// the single source of truth for what happened to money; the engine never
// trusts a client-supplied claim of success without it.
type Client interface {
	CreateSession(ctx context.Context, p CreateSessionParams) (*Session, error)
	FetchStatus(ctx context.Context, reference string) (*StatusResult, error)
}

type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// HTTPClient talks to a Flutterwave-style REST API.
type HTTPClient struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:   cfg.BaseURL,
		secretKey: cfg.SecretKey,
		http:      &http.Client{Timeout: timeout},
	}
}

type createSessionReq struct {
	TxRef       string `json:"tx_ref"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	RedirectURL string `json:"redirect_url"`
}

type createSessionResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID   json.Number `json:"id"`
		Link string      `json:"link"`
	} `json:"data"`
}

func (c *HTTPClient) CreateSession(ctx context.Context, p CreateSessionParams) (*Session, error) {
	body, err := json.Marshal(createSessionReq{
		TxRef:       p.Reference,
		Amount:      formatMinorToMajor(p.AmountMinor),
		Currency:    p.Currency,
		RedirectURL: p.ReturnURL,
	})
	if err != nil {
		return nil, &GatewayError{Op: "create_session", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/payments", bytes.NewReader(body))
	if err != nil {
		return nil, &GatewayError{Op: "create_session", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &GatewayError{Op: "create_session", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &GatewayError{Op: "create_session", Transient: true, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &GatewayError{Op: "create_session", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out createSessionResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &GatewayError{Op: "create_session", Transient: true, Err: err}
	}
	if out.Status != "success" || out.Data.Link == "" {
		return nil, &GatewayError{Op: "create_session", Err: fmt.Errorf("gateway refused session: %s", out.Message)}
	}

	return &Session{CheckoutURL: out.Data.Link, SessionRef: out.Data.ID.String()}, nil
}

type verifyResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status   string      `json:"status"`
		Amount   json.Number `json:"amount"`
		Currency string      `json:"currency"`
	} `json:"data"`
}

func (c *HTTPClient) FetchStatus(ctx context.Context, reference string) (*StatusResult, error) {
	u := c.baseURL + "/v3/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &GatewayError{Op: "fetch_status", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &GatewayError{Op: "fetch_status", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &StatusResult{Status: StatusNotFound}, nil
	case resp.StatusCode >= 500:
		return nil, &GatewayError{Op: "fetch_status", Transient: true, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &GatewayError{Op: "fetch_status", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out verifyResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &GatewayError{Op: "fetch_status", Transient: true, Err: err}
	}

	res := &StatusResult{Currency: out.Data.Currency}
	switch out.Data.Status {
	case "successful":
		res.Status = StatusSettled
	case "failed", "cancelled":
		res.Status = StatusFailed
	default:
		res.Status = StatusPending
	}

	if res.Status == StatusSettled {
		minor, err := parseAmountToMinor(out.Data.Amount.String())
		if err != nil {
			return nil, &GatewayError{Op: "fetch_status", Err: fmt.Errorf("parse settled amount %q: %w", out.Data.Amount.String(), err)}
		}
		res.AmountMinor = minor
	}

	return res, nil
}

// parseAmountToMinor converts the gateway's decimal major-unit amount into
// minor units without floating point.
func parseAmountToMinor(value string) (int64, error) {
	r := new(big.Rat)
	if _, ok := r.SetString(value); !ok {
		return 0, errors.New("invalid amount format")
	}

	r.Mul(r, big.NewRat(100, 1))
	i := new(big.Int)
	i.Div(r.Num(), r.Denom())

	return i.Int64(), nil
}

func formatMinorToMajor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
