package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndthang/vietqr-bridge/internal/casso"
	"github.com/ndthang/vietqr-bridge/internal/handoff"
	"github.com/ndthang/vietqr-bridge/internal/payment"
)

type fakeStore struct {
	orders  map[int64]payment.Order
	nextID  int64
	expired []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[int64]payment.Order{}, nextID: 1}
}

func (f *fakeStore) Create(ctx context.Context, expectedAmount int64, purpose, username, returnURL string, ttl time.Duration) (payment.Order, error) {
	now := time.Now().UTC()
	o := payment.Order{
		ID:             f.nextID,
		ExpectedAmount: expectedAmount,
		Purpose:        purpose,
		Username:       username,
		ReturnURL:      returnURL,
		Status:         payment.StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	f.nextID++
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeStore) Get(ctx context.Context, orderID int64) (payment.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return payment.Order{}, payment.ErrNotFound
	}
	return o, nil
}

func (f *fakeStore) ExpireIfDue(ctx context.Context, orderID int64) (bool, error) {
	f.expired = append(f.expired, orderID)
	o, ok := f.orders[orderID]
	if !ok || o.Status != payment.StatusPending || !o.IsExpired(time.Now().UTC()) {
		return false, nil
	}
	o.Status = payment.StatusExpired
	f.orders[orderID] = o
	return true, nil
}

type fakeIngestor struct {
	res casso.Result
	err error
}

func (f *fakeIngestor) Ingest(ctx context.Context, body []byte, sig string) (casso.Result, error) {
	return f.res, f.err
}

func newHandler(store *fakeStore, ing Ingestor) (*PaymentsHandler, http.Handler) {
	h := &PaymentsHandler{
		Store:       store,
		Ingestor:    ing,
		Verifier:    handoff.NewVerifier("shared-secret"),
		BankBIN:     "970416",
		BankAccount: "19036618",
		OrderTTL:    10 * time.Minute,
	}
	r := NewRouter()
	h.Register(r)
	return h, r
}

func doReq(t *testing.T, router http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// TestPayPage_CreatesOrder: a valid hand-off opens a pending order and
// returns everything the page needs.
func TestPayPage_CreatesOrder(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	_, router := newHandler(store, &fakeIngestor{})

	sig, err := handoff.NewVerifier("shared-secret").Sign(handoff.Request{
		OrderID:   "up-1",
		Amount:    120000,
		Purpose:   "monthly_fund",
		ReturnURL: "https://fund.example.com/cb",
	})
	require.NoError(t, err)

	rec := doReq(t, router, http.MethodGet, "/pay?signature="+sig, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["order_id"])
	assert.Equal(t, "P1", resp["ref_token"])
	assert.Equal(t, "pending", resp["status"])
	assert.Contains(t, resp["qr_url"], "img.vietqr.io/image/970416-19036618-compact2.png")
	assert.Greater(t, resp["time_remaining"], float64(0))

	o, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(120000), o.ExpectedAmount)
}

// TestPayPage_RejectsBadSignature: tampered or missing signatures never
// reach the store.
func TestPayPage_RejectsBadSignature(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	_, router := newHandler(store, &fakeIngestor{})

	rec := doReq(t, router, http.MethodGet, "/pay", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sig, err := handoff.NewVerifier("other-secret").Sign(handoff.Request{Amount: 1000, ReturnURL: "https://x"})
	require.NoError(t, err)
	rec = doReq(t, router, http.MethodGet, "/pay?signature="+sig, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, store.orders)
}

// TestBankWebhook_StatusMapping: delivery-level outcomes map onto the
// coarse HTTP classes and nothing more detailed.
func TestBankWebhook_StatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ing  *fakeIngestor
		want int
	}{
		{"auth failure", &fakeIngestor{err: casso.ErrBadSignature}, http.StatusUnauthorized},
		{"malformed", &fakeIngestor{err: casso.ErrMalformedPayload}, http.StatusBadRequest},
		{"ok", &fakeIngestor{res: casso.Result{Records: []casso.RecordResult{{Outcome: casso.OutcomeSettled}}}}, http.StatusOK},
		{"unknown order still ok", &fakeIngestor{res: casso.Result{Records: []casso.RecordResult{{Outcome: casso.OutcomeUnknownOrder}}}}, http.StatusOK},
		{"transient exhausted", &fakeIngestor{res: casso.Result{Records: []casso.RecordResult{{Outcome: casso.OutcomeFailed}}}}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, router := newHandler(newFakeStore(), tc.ing)
			rec := doReq(t, router, http.MethodPost, "/webhook/bank-transaction", `{"error":0,"data":[]}`)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

// TestPaymentStatus_Pending polls a live order.
func TestPaymentStatus_Pending(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	_, _ = store.Create(context.Background(), 50000, "monthly_fund", "", "https://x/cb", 10*time.Minute)
	_, router := newHandler(store, &fakeIngestor{})

	rec := doReq(t, router, http.MethodGet, "/api/payment-status/1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp["status"])
	assert.Nil(t, resp["return_url"])
}

// TestPaymentStatus_LazyExpiry: a query at created_at+601s on a 600s order
// answers expired even though nothing wrote that yet.
func TestPaymentStatus_LazyExpiry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	o, _ := store.Create(context.Background(), 50000, "monthly_fund", "", "https://x/cb", 600*time.Second)
	o.CreatedAt = o.CreatedAt.Add(-601 * time.Second)
	o.ExpiresAt = o.ExpiresAt.Add(-601 * time.Second)
	store.orders[o.ID] = o

	_, router := newHandler(store, &fakeIngestor{})
	rec := doReq(t, router, http.MethodGet, "/api/payment-status/1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "expired", resp["status"])
	assert.Equal(t, "https://x/cb?order_id=1&status=cancelled", resp["return_url"])
	assert.Contains(t, store.expired, int64(1)) // write-behind happened
}

// TestPaymentStatus_Fulfilled composes the success redirect.
func TestPaymentStatus_Fulfilled(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	o, _ := store.Create(context.Background(), 50000, "monthly_fund", "", "https://x/cb", 10*time.Minute)
	ref := "TX1"
	amt := int64(50000)
	now := time.Now().UTC()
	o.Status = payment.StatusFulfilled
	o.MatchedTxRef = &ref
	o.ObservedAmount = &amt
	o.PaidAt = &now
	store.orders[o.ID] = o

	_, router := newHandler(store, &fakeIngestor{})
	rec := doReq(t, router, http.MethodGet, "/api/payment-status/1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fulfilled", resp["status"])
	assert.Equal(t, "https://x/cb?order_id=1&status=success&type=monthly_fund&amount=50000", resp["return_url"])
	assert.NotEmpty(t, resp["paid_at"])
}

// TestPaymentStatus_NotFound: unknown and garbage ids are both plain 404s.
func TestPaymentStatus_NotFound(t *testing.T) {
	t.Parallel()

	_, router := newHandler(newFakeStore(), &fakeIngestor{})

	rec := doReq(t, router, http.MethodGet, "/api/payment-status/777", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, router, http.MethodGet, "/api/payment-status/abc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestPaymentInfo_Snapshot returns the display fields and only those.
func TestPaymentInfo_Snapshot(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	o, _ := store.Create(context.Background(), 80000, "donate", "ndthang", "https://x/cb", 10*time.Minute)
	amt := int64(80000)
	o.Status = payment.StatusDonation
	o.ObservedAmount = &amt
	store.orders[o.ID] = o

	_, router := newHandler(store, &fakeIngestor{})
	rec := doReq(t, router, http.MethodGet, "/api/payment-info/1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "donation", resp["status"])
	assert.Equal(t, float64(80000), resp["observed_amount"])
	assert.Equal(t, "ndthang", resp["username"])
	// never expose the return_url target or bank account here
	assert.NotContains(t, rec.Body.String(), "https://x/cb")
	assert.NotContains(t, rec.Body.String(), "19036618")
}

// TestPaymentInfo_NotFoundError is a sanity check on the error shape.
func TestPaymentInfo_NotFoundError(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	_, err := store.Get(context.Background(), 1)
	assert.True(t, errors.Is(err, payment.ErrNotFound))

	_, router := newHandler(store, &fakeIngestor{})
	rec := doReq(t, router, http.MethodGet, "/api/payment-info/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
