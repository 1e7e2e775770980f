package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ndthang/vietqr-bridge/internal/casso"
	"github.com/ndthang/vietqr-bridge/internal/handoff"
	"github.com/ndthang/vietqr-bridge/internal/payment"
	"github.com/ndthang/vietqr-bridge/internal/redisx"
	"github.com/ndthang/vietqr-bridge/internal/vietqr"
)

// OrderStore is the slice of the repo the HTTP layer uses.
type OrderStore interface {
	Create(ctx context.Context, expectedAmount int64, purpose, username, returnURL string, ttl time.Duration) (payment.Order, error)
	Get(ctx context.Context, orderID int64) (payment.Order, error)
	ExpireIfDue(ctx context.Context, orderID int64) (bool, error)
}

// Ingestor processes one webhook delivery (see casso.Ingestor).
type Ingestor interface {
	Ingest(ctx context.Context, body []byte, signatureHeader string) (casso.Result, error)
}

type PaymentsHandler struct {
	Store    OrderStore
	Ingestor Ingestor
	Verifier *handoff.Verifier
	Redis    *redis.Client

	BankBIN     string
	BankAccount string
	OrderTTL    time.Duration
}

func (h *PaymentsHandler) Register(r *chi.Mux) {
	r.Get("/pay", h.payPage)
	r.Post("/webhook/bank-transaction", h.bankWebhook)
	r.Get("/api/payment-status/{orderID}", h.paymentStatus)
	r.Get("/api/payment-info/{orderID}", h.paymentInfo)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type payPageResp struct {
	OrderID       int64  `json:"order_id"`
	RefToken      string `json:"ref_token"`
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	QRURL         string `json:"qr_url"`
	AccountNumber string `json:"account_number"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	ExpiredAt     string `json:"expired_at"`
	TimeRemaining int64  `json:"time_remaining"`
	ReturnURL     string `json:"return_url,omitempty"`
}

// payPage is the signed hand-off entry point: the upstream app redirects
// the payer here with ?signature=..., we open (or re-open) the order and
// return everything the page shell needs to render the QR code.
func (h *PaymentsHandler) payPage(w http.ResponseWriter, r *http.Request) {
	sig := r.URL.Query().Get("signature")
	if sig == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing signature"})
		return
	}

	req, err := h.Verifier.Verify(sig)
	if err != nil {
		// no detail beyond the coarse class
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired signature"})
		return
	}
	if req.Amount <= 0 || req.ReturnURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.openOrder(ctx, req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not open payment order"})
		return
	}

	now := time.Now().UTC()
	resp := payPageResp{
		OrderID:       o.ID,
		RefToken:      payment.EncodeRef(o.ID),
		Amount:        o.ExpectedAmount,
		Description:   vietqr.TransferDescription(o.ID),
		QRURL:         vietqr.ImageURL(h.BankBIN, h.BankAccount, o.ExpectedAmount, vietqr.TransferDescription(o.ID)),
		AccountNumber: h.BankAccount,
		Status:        string(o.EffectiveStatus(now)),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		ExpiredAt:     o.ExpiresAt.Format(time.RFC3339),
	}
	if rem := o.ExpiresAt.Sub(now); rem > 0 {
		resp.TimeRemaining = int64(rem.Seconds())
	}
	if st := o.EffectiveStatus(now); st.Terminal() {
		resp.ReturnURL = composeReturnURL(o, st)
		if st == payment.StatusExpired {
			_, _ = h.Store.ExpireIfDue(ctx, o.ID)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// openOrder creates the order for a hand-off, or returns the one already
// created for the same upstream order id. Redis holds the mapping; losing
// it only costs a duplicate pending order, never a double settlement.
func (h *PaymentsHandler) openOrder(ctx context.Context, req handoff.Request) (payment.Order, error) {
	var idemKey string
	if req.OrderID != "" && h.Redis != nil {
		idemKey = fmt.Sprintf(redisx.KeyIdemHandoff, req.OrderID)
		if s, err := h.Redis.Get(ctx, idemKey).Result(); err == nil && s != "" {
			if id, perr := strconv.ParseInt(s, 10, 64); perr == nil {
				if o, gerr := h.Store.Get(ctx, id); gerr == nil {
					return o, nil
				}
			}
		}
	}

	ttl := h.OrderTTL
	if req.ExpiredAt != 0 {
		if d := time.Until(time.Unix(req.ExpiredAt, 0)); d > 0 && d < ttl {
			ttl = d
		}
	}
	o, err := h.Store.Create(ctx, req.Amount, req.Purpose, req.Username, req.ReturnURL, ttl)
	if err != nil {
		return payment.Order{}, err
	}
	if idemKey != "" {
		_ = h.Redis.Set(ctx, idemKey, strconv.FormatInt(o.ID, 10), redisx.TTLIdempotency).Err()
	}
	return o, nil
}

// bankWebhook receives Casso transaction notifications. 200 for any
// authenticated, structurally valid delivery no matter how the individual
// records fared; errors only where we want the provider to retry.
func (h *PaymentsHandler) bankWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	res, err := h.Ingestor.Ingest(r.Context(), body, r.Header.Get("X-Casso-Signature"))
	if errors.Is(err, casso.ErrBadSignature) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}
	if errors.Is(err, casso.ErrMalformedPayload) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ingestion failed"})
		return
	}
	if res.Retriable() {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "transient failure, retry delivery"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type statusResp struct {
	OrderID   int64  `json:"order_id"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	CreatedAt string `json:"created_at"`
	ExpiredAt string `json:"expired_at"`
	PaidAt    string `json:"paid_at,omitempty"`
	ReturnURL string `json:"return_url,omitempty"`
}

// paymentStatus is the polling endpoint. Reads are stateless and cheap;
// the only write is persisting lazy expiry, which is conditional and
// idempotent.
func (h *PaymentsHandler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// terminal responses are cached as-is; pending never is, lazy expiry
	// must always be recomputed
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if h.Redis != nil {
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	o, err := h.Store.Get(ctx, orderID)
	if errors.Is(err, payment.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment order not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}

	now := time.Now().UTC()
	st := o.EffectiveStatus(now)
	if st == payment.StatusExpired && o.Status == payment.StatusPending {
		_, _ = h.Store.ExpireIfDue(ctx, o.ID)
	}

	resp := statusResp{
		OrderID:   o.ID,
		Status:    string(st),
		Amount:    o.ExpectedAmount,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
		ExpiredAt: o.ExpiresAt.Format(time.RFC3339),
	}
	if o.PaidAt != nil {
		resp.PaidAt = o.PaidAt.Format(time.RFC3339)
	}
	if st.Terminal() {
		resp.ReturnURL = composeReturnURL(o, st)
		if b, merr := json.Marshal(resp); merr == nil && h.Redis != nil {
			_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type infoResp struct {
	OrderID        int64  `json:"order_id"`
	Status         string `json:"status"`
	ExpectedAmount int64  `json:"expected_amount"`
	ObservedAmount *int64 `json:"observed_amount,omitempty"`
	Purpose        string `json:"purpose"`
	Username       string `json:"username,omitempty"`
	CreatedAt      string `json:"created_at"`
	ExpiredAt      string `json:"expired_at"`
	PaidAt         string `json:"paid_at,omitempty"`
}

// paymentInfo serves the upstream backend a fuller snapshot for verifying
// a payment. Non-sensitive fields only; no secrets, no bank account.
func (h *PaymentsHandler) paymentInfo(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Store.Get(ctx, orderID)
	if errors.Is(err, payment.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment order not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}

	now := time.Now().UTC()
	resp := infoResp{
		OrderID:        o.ID,
		Status:         string(o.EffectiveStatus(now)),
		ExpectedAmount: o.ExpectedAmount,
		ObservedAmount: o.ObservedAmount,
		Purpose:        o.Purpose,
		Username:       o.Username,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
		ExpiredAt:      o.ExpiresAt.Format(time.RFC3339),
	}
	if o.PaidAt != nil {
		resp.PaidAt = o.PaidAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseOrderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "orderID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment order not found"})
		return 0, false
	}
	return id, true
}

// composeReturnURL rebuilds the redirect the upstream app expects once the
// order is settled one way or the other.
func composeReturnURL(o payment.Order, st payment.Status) string {
	switch st {
	case payment.StatusFulfilled, payment.StatusDonation:
		typ := o.Purpose
		if st == payment.StatusDonation {
			typ = "donate"
		}
		amount := o.ExpectedAmount
		if o.ObservedAmount != nil {
			amount = *o.ObservedAmount
		}
		return fmt.Sprintf("%s?order_id=%d&status=success&type=%s&amount=%d", o.ReturnURL, o.ID, typ, amount)
	default:
		return fmt.Sprintf("%s?order_id=%d&status=cancelled", o.ReturnURL, o.ID)
	}
}
