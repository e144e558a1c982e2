package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/billfold/ledgersync/errs"
	"github.com/billfold/ledgersync/internal/domain/schema"
)

type refreshableCreds struct {
	token      atomic.Value
	refreshErr error
	refreshes  atomic.Int32
}

func newRefreshableCreds(initial string) *refreshableCreds {
	c := &refreshableCreds{}
	c.token.Store(initial)
	return c
}

func (c *refreshableCreds) Token(context.Context) (string, error) {
	return c.token.Load().(string), nil
}

func (c *refreshableCreds) Refresh(context.Context) error {
	c.refreshes.Add(1)
	if c.refreshErr != nil {
		return c.refreshErr
	}
	c.token.Store("fresh-token")
	return nil
}

func sampleBatch() schema.DeltaBatch {
	now := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	return schema.DeltaBatch{
		Customers: []schema.CustomerDelta{{
			ID:        uuid.New(),
			UpdatedAt: now,
			Name:      "Ravi Traders",
			Balance:   decimal.RequireFromString("120.50"),
		}},
		Bills: []schema.BillDelta{{
			ID:            uuid.New(),
			UpdatedAt:     now,
			InvoiceNumber: "INV-0042",
			BillDate:      now,
			TotalAmount:   decimal.RequireFromString("89.99"),
			Status:        "paid",
			Items: []schema.BillItemDelta{{
				ID:        uuid.New(),
				UpdatedAt: now,
				Qty:       decimal.NewFromInt(3),
				Price:     decimal.RequireFromString("29.99"),
				Total:     decimal.RequireFromString("89.97"),
			}},
		}},
	}
}

func TestPushSendsWireShapeAndBearerToken(t *testing.T) {
	ownerID := uuid.New()
	batch := sampleBatch()

	var captured PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, pushPath, r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_ = json.NewEncoder(w).Encode(PushResult{Status: "success"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, StaticToken("secret"))
	result, err := client.Push(context.Background(), ownerID, batch)
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
	require.Empty(t, result.Rejected())

	require.Equal(t, ownerID, captured.BusinessID)
	require.Len(t, captured.Customers, 1)
	require.Len(t, captured.Bills, 1)
	require.Len(t, captured.Bills[0].Items, 1)
	require.Equal(t, batch.Bills[0].InvoiceNumber, captured.Bills[0].InvoiceNumber)
}

func TestPushSurfacesPerItemRejections(t *testing.T) {
	rejectedID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PushResult{
			Status: "partial",
			Results: []PushItemResult{
				{ID: uuid.New(), Accepted: true},
				{ID: rejectedID, Accepted: false, Error: "invoice_number already used"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, StaticToken("secret"))
	result, err := client.Push(context.Background(), uuid.New(), sampleBatch())
	require.NoError(t, err)

	rejected := result.RejectedIDs()
	require.Len(t, rejected, 1)
	require.Equal(t, "invoice_number already used", rejected[rejectedID])
}

func TestPullSendsCursorAndDecodesServerTimestamp(t *testing.T) {
	ownerID := uuid.New()
	since := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	serverTime := since.Add(90 * time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pullPath, r.URL.Path)

		var req PullRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, ownerID, req.BusinessID)
		require.True(t, req.LastSyncTimestamp.Equal(since))

		_ = json.NewEncoder(w).Encode(PullResponse{
			DeltaBatch: schema.DeltaBatch{
				Products: []schema.ProductDelta{{
					ID:        uuid.New(),
					UpdatedAt: serverTime,
					Name:      "Masala Chai 250g",
					Price:     decimal.RequireFromString("4.25"),
				}},
			},
			ServerTimestamp: serverTime,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, StaticToken("secret"))
	resp, err := client.Pull(context.Background(), ownerID, since)
	require.NoError(t, err)
	require.Len(t, resp.Products, 1)
	require.True(t, resp.ServerTimestamp.Equal(serverTime))
}

func TestTransportFailureClassifiedAsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refused from here on

	client := NewClient(srv.URL, StaticToken("secret"))
	_, err := client.Push(context.Background(), uuid.New(), sampleBatch())
	require.Error(t, err)
	require.Equal(t, errs.KindNetwork, errs.KindOf(err))
}

func TestTimeoutClassifiedAsNetwork(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	client := NewClient(srv.URL, StaticToken("secret"), WithTimeout(50*time.Millisecond))
	_, err := client.Pull(context.Background(), uuid.New(), time.Time{})
	require.Error(t, err)
	require.Equal(t, errs.KindNetwork, errs.KindOf(err))
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   errs.Kind
	}{
		{http.StatusBadRequest, errs.KindData},
		{http.StatusUnprocessableEntity, errs.KindData},
		{http.StatusConflict, errs.KindConflict},
		{http.StatusInternalServerError, errs.KindUnknown},
		{http.StatusBadGateway, errs.KindUnknown},
		{http.StatusTooManyRequests, errs.KindUnknown},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "nope"})
		}))

		client := NewClient(srv.URL, StaticToken("secret"))
		_, err := client.Push(context.Background(), uuid.New(), sampleBatch())
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		require.Equal(t, tc.kind, errs.KindOf(err), "status %d", tc.status)

		var envelope *errs.E
		require.ErrorAs(t, err, &envelope)
		require.Equal(t, tc.status, envelope.HTTP)
		require.Equal(t, "nope", envelope.Message)
	}
}

func TestAuthRejectionRefreshesAndRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(PushResult{Status: "success"})
	}))
	defer srv.Close()

	creds := newRefreshableCreds("stale-token")
	client := NewClient(srv.URL, creds)

	result, err := client.Push(context.Background(), uuid.New(), sampleBatch())
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, int32(1), creds.refreshes.Load())
}

func TestFailedRefreshSurfacesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := newRefreshableCreds("stale-token")
	creds.refreshErr = errors.New("refresh endpoint unavailable")
	client := NewClient(srv.URL, creds)

	_, err := client.Push(context.Background(), uuid.New(), sampleBatch())
	require.Error(t, err)
	require.Equal(t, errs.KindAuth, errs.KindOf(err))

	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "reauthentication required", envelope.Message)
}

func TestSecondAuthRejectionIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	creds := newRefreshableCreds("stale-token")
	client := NewClient(srv.URL, creds)

	_, err := client.Push(context.Background(), uuid.New(), sampleBatch())
	require.Error(t, err)
	require.Equal(t, errs.KindAuth, errs.KindOf(err))
	require.Equal(t, int32(2), calls.Load(), "exactly one retry after refresh")
}

func TestStaticTokenCannotRefresh(t *testing.T) {
	require.Error(t, StaticToken("fixed").Refresh(context.Background()))
}
