package casso

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ndthang/vietqr-bridge/internal/kafka"
	"github.com/ndthang/vietqr-bridge/internal/payment"
	"github.com/ndthang/vietqr-bridge/internal/redisx"
)

// Store is the slice of the order store the ingestor needs.
type Store interface {
	Get(ctx context.Context, orderID int64) (payment.Order, error)
	TryTransition(ctx context.Context, orderID int64, txRef string, observedAmount int64, decide payment.DecideFunc) (payment.TransitionResult, error)
}

// Outcome classifies what happened to one transaction record.
type Outcome string

const (
	OutcomeSettled        Outcome = "settled"         // won the transition
	OutcomeDuplicate      Outcome = "duplicate"       // replayed delivery, no-op
	OutcomeAlreadySettled Outcome = "already_settled" // order terminal under another ref
	OutcomeUnknownOrder   Outcome = "unknown_order"   // token decoded, no such order
	OutcomeNoReference    Outcome = "no_reference"    // nothing recognizable in description
	OutcomeIgnored        Outcome = "ignored"         // outgoing/debit record
	OutcomeFailed         Outcome = "failed"          // store kept failing, delivery should be retried
)

type RecordResult struct {
	TxRef   string         `json:"tx_ref"`
	OrderID int64          `json:"order_id,omitempty"`
	Outcome Outcome        `json:"outcome"`
	Status  payment.Status `json:"status,omitempty"`
}

type Result struct {
	Records []RecordResult `json:"records"`
}

// Retriable reports whether any record hit an exhausted transient failure,
// in which case the whole delivery should be answered with an error so the
// provider redelivers it.
func (r Result) Retriable() bool {
	for _, rec := range r.Records {
		if rec.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

const (
	maxStoreAttempts = 3
	retryBackoff     = 200 * time.Millisecond
	storeTimeout     = 3 * time.Second
)

// Ingestor wires signature verification, payload validation and the
// reconciliation policy into one webhook entry point.
type Ingestor struct {
	Store    Store
	Policy   payment.Policy
	Redis    *redis.Client
	Producer *kafkax.Producer
	Secret   string
	Service  string
}

// Ingest processes one webhook delivery. The returned error is only for
// delivery-level rejects (ErrBadSignature, ErrMalformedPayload); per-record
// outcomes, including unknown orders and duplicates, land in the Result so
// the provider is not pushed into pointless retries.
func (ing *Ingestor) Ingest(ctx context.Context, body []byte, signatureHeader string) (Result, error) {
	if ing.Secret != "" {
		if err := VerifySignature(body, signatureHeader, ing.Secret); err != nil {
			return Result{}, err
		}
	} else {
		log.Printf("CASSO_WEBHOOK_SECRET not set - skipping signature verification (not safe for production)")
	}

	txs, err := ParsePayload(body)
	if err != nil {
		return Result{}, err
	}

	// Records are independent: one bad apple never aborts its siblings.
	res := Result{Records: make([]RecordResult, 0, len(txs))}
	for _, tx := range txs {
		res.Records = append(res.Records, ing.processRecord(ctx, tx))
	}
	return res, nil
}

func (ing *Ingestor) processRecord(ctx context.Context, tx Transaction) RecordResult {
	rec := RecordResult{TxRef: tx.Ref}

	if !tx.Incoming() {
		rec.Outcome = OutcomeIgnored
		return rec
	}

	orderID, ok := payment.DecodeRef(tx.Description)
	if !ok {
		log.Printf("no order reference in description: %q (ref=%s)", tx.Description, tx.Ref)
		rec.Outcome = OutcomeNoReference
		return rec
	}
	rec.OrderID = orderID

	// Fast path for redelivered transactions we have fully handled before.
	// Keyed on the (order, ref) pair; the store guard below is the real
	// authority, redis only short-circuits.
	dkey := fmt.Sprintf(redisx.KeyDedup, ing.Service, fmt.Sprintf("%d:%s", orderID, tx.Ref))
	if ing.Redis != nil {
		if seen, _ := redisx.Exists(ctx, ing.Redis, dkey); seen {
			rec.Outcome = OutcomeDuplicate
			return rec
		}
	}

	tr, err := ing.transitionWithRetry(ctx, orderID, tx)
	if errors.Is(err, payment.ErrNotFound) {
		log.Printf("payment order not found for ref token: order_id=%d tx=%s", orderID, tx.Ref)
		rec.Outcome = OutcomeUnknownOrder
		return rec
	}
	if errors.Is(err, payment.ErrTxRefUsed) {
		log.Printf("transaction already settled another order: order_id=%d tx=%s", orderID, tx.Ref)
		rec.Outcome = OutcomeAlreadySettled
		return rec
	}
	if err != nil {
		log.Printf("transition failed after %d attempts: order_id=%d tx=%s err=%v", maxStoreAttempts, orderID, tx.Ref, err)
		rec.Outcome = OutcomeFailed
		return rec
	}

	rec.Status = tr.Order.Status
	switch tr.Outcome {
	case payment.TransitionApplied:
		rec.Outcome = OutcomeSettled
		ing.afterSettle(ctx, tr.Order)
	case payment.TransitionDuplicate:
		rec.Outcome = OutcomeDuplicate
	default:
		log.Printf("dropping transaction for terminal order: order_id=%d status=%s tx=%s", orderID, tr.Order.Status, tx.Ref)
		rec.Outcome = OutcomeAlreadySettled
	}

	if ing.Redis != nil {
		_ = ing.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	}
	return rec
}

// transitionWithRetry gives transient store failures a bounded number of
// chances before surfacing them. Each attempt gets its own timeout so one
// stuck connection cannot hang the delivery.
func (ing *Ingestor) transitionWithRetry(ctx context.Context, orderID int64, tx Transaction) (payment.TransitionResult, error) {
	var lastErr error
	for attempt := 1; attempt <= maxStoreAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, storeTimeout)
		tr, err := ing.Store.TryTransition(actx, orderID, tx.Ref, tx.Amount, ing.Policy.Decide)
		cancel()
		if err == nil || errors.Is(err, payment.ErrNotFound) || errors.Is(err, payment.ErrTxRefUsed) {
			return tr, err
		}
		lastErr = err
		if attempt < maxStoreAttempts {
			select {
			case <-time.After(time.Duration(attempt) * retryBackoff):
			case <-ctx.Done():
				return payment.TransitionResult{}, ctx.Err()
			}
		}
	}
	return payment.TransitionResult{}, lastErr
}

// afterSettle drops the stale status cache entry and publishes the
// settlement event. Both are best-effort: the committed row is the source
// of truth.
func (ing *Ingestor) afterSettle(ctx context.Context, o payment.Order) {
	log.Printf("payment settled: order_id=%d status=%s amount=%d", o.ID, o.Status, derefInt(o.ObservedAmount))

	// the poll path re-caches the terminal response in its own shape
	if ing.Redis != nil {
		_ = ing.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrderStatus, o.ID)).Err()
	}

	if ing.Producer == nil {
		return
	}
	ev := payment.Envelope{
		EventID:       uuid.NewString(),
		EventType:     payment.EventTypeFor(o.Status),
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      ing.Service,
		CorrelationID: fmt.Sprintf("%d", o.ID),
		Payload: kafkax.MustMarshal(payment.PaymentSettledPayload{
			OrderID:        o.ID,
			Status:         o.Status,
			ExpectedAmount: o.ExpectedAmount,
			ObservedAmount: o.ObservedAmount,
			TxRef:          derefStr(o.MatchedTxRef),
			Purpose:        o.Purpose,
			ReturnURL:      o.ReturnURL,
		}),
	}
	ing.Producer.Publish(payment.PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(ev.EventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}
