package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/billfold/ledgersync/errs"
	"github.com/billfold/ledgersync/internal/domain/schema"
	"github.com/billfold/ledgersync/internal/observability"
)

const (
	pushPath = "/api/sync/push"
	pullPath = "/api/sync/pull"

	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 4 << 10
)

// CredentialSource supplies the bearer token for remote calls and can mint a
// fresh one when the remote rejects the current credential.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// StaticToken is a CredentialSource backed by a fixed token. Refresh always
// fails because there is nothing to rotate.
type StaticToken string

// Token returns the fixed token.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Refresh reports that a static credential cannot be rotated.
func (t StaticToken) Refresh(context.Context) error {
	return errors.New("static credential cannot be refreshed")
}

// Client talks to the remote sync API. Every failure it returns carries
// exactly one errs.Kind, assigned here and nowhere else:
//
//	transport error, timeout    -> network
//	401, 403                    -> auth
//	400, 422                    -> data
//	409                         -> conflict
//	anything else non-2xx       -> unknown
//
// On an auth rejection the client refreshes the credential and retries the
// request once; a failed refresh or a second rejection surfaces as an auth
// failure.
type Client struct {
	baseURL string
	creds   CredentialSource
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds each request, push and pull alike.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit throttles outbound requests.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewClient constructs a sync API client rooted at baseURL.
func NewClient(baseURL string, creds CredentialSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{},
		timeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Push uploads one owner's pending deltas. The returned PushResult carries
// per-item verdicts when the server reports them.
func (c *Client) Push(ctx context.Context, ownerID uuid.UUID, batch schema.DeltaBatch) (PushResult, error) {
	const op = "remote.push"

	req := PushRequest{
		BusinessID: ownerID,
		Customers:  batch.Customers,
		Products:   batch.Products,
		Bills:      batch.Bills,
	}
	var result PushResult
	if err := c.do(ctx, op, pushPath, req, &result); err != nil {
		return PushResult{}, err
	}
	return result, nil
}

// Pull fetches every remote record modified after since for the owner.
func (c *Client) Pull(ctx context.Context, ownerID uuid.UUID, since time.Time) (PullResponse, error) {
	const op = "remote.pull"

	req := PullRequest{
		BusinessID:        ownerID,
		LastSyncTimestamp: since.UTC(),
	}
	var resp PullResponse
	if err := c.do(ctx, op, pullPath, req, &resp); err != nil {
		return PullResponse{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, op, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.New(op, errs.KindNetwork, errs.WithMessage("rate limiter wait aborted"), errs.WithCause(err))
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return errs.New(op, errs.KindData, errs.WithMessage("encode request"), errs.WithCause(err))
	}

	status, respBody, err := c.roundTrip(ctx, op, path, payload)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		// One refresh-and-retry before declaring the credential dead.
		if refreshErr := c.creds.Refresh(ctx); refreshErr != nil {
			return errs.New(op, errs.KindAuth, errs.WithHTTP(status),
				errs.WithMessage("reauthentication required"), errs.WithCause(refreshErr))
		}
		observability.Log().Info("remote credential refreshed, retrying request", observability.F("op", op))
		status, respBody, err = c.roundTrip(ctx, op, path, payload)
		if err != nil {
			return err
		}
	}

	if kind, ok := classifyStatus(status); ok {
		return errs.New(op, kind, errs.WithHTTP(status), errs.WithMessage(serverMessage(respBody)))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errs.New(op, errs.KindUnknown, errs.WithHTTP(status),
				errs.WithMessage("decode response"), errs.WithCause(err))
		}
	}
	return nil
}

// roundTrip performs one HTTP exchange and classifies transport failures.
func (c *Client) roundTrip(ctx context.Context, op, path string, payload []byte) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.creds.Token(reqCtx)
	if err != nil {
		return 0, nil, errs.New(op, errs.KindAuth, errs.WithMessage("credential source failed"), errs.WithCause(err))
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, errs.New(op, errs.KindUnknown, errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, refused connections, DNS failures: all transport, all network.
		return 0, nil, errs.New(op, errs.KindNetwork, errs.WithMessage("request failed"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, errs.New(op, errs.KindNetwork, errs.WithMessage("read response"), errs.WithCause(err))
	}
	return resp.StatusCode, respBody, nil
}

// classifyStatus maps a non-2xx response onto a failure kind.
func classifyStatus(status int) (errs.Kind, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.KindAuth, true
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return errs.KindData, true
	case status == http.StatusConflict:
		return errs.KindConflict, true
	default:
		return errs.KindUnknown, true
	}
}

// serverMessage extracts a short diagnostic from an error response body.
func serverMessage(body []byte) string {
	if len(body) == 0 {
		return "remote rejected request"
	}
	var envelope struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch {
		case envelope.Detail != "":
			return envelope.Detail
		case envelope.Message != "":
			return envelope.Message
		case envelope.Error != "":
			return envelope.Error
		}
	}
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return fmt.Sprintf("remote rejected request: %s", bytes.TrimSpace(body))
}
