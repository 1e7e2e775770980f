// Package notifier delivers terminal-transition callbacks to the upstream
// app and runs the expiry sweeper. Delivery is best-effort on top of the
// durable store: the upstream can always poll payment-info instead.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/ndthang/vietqr-bridge/internal/payment"
	"github.com/ndthang/vietqr-bridge/internal/redisx"
)

type Service struct {
	Redis       *redis.Client
	HTTPClient  *http.Client
	ServiceName string
}

// HandleSettled is the consumer handler for payment.settled events.
func (s *Service) HandleSettled(ctx context.Context, m kafkago.Message) error {
	var env payment.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	switch env.EventType {
	case payment.EventPaymentFulfilled, payment.EventPaymentDonation, payment.EventPaymentExpired:
	default:
		return nil // ignore
	}

	// dedup via Redis on event_id
	dkey := fmt.Sprintf(redisx.KeyDedup, "notifier", env.EventID)
	if s.Redis != nil {
		if exists, _ := redisx.Exists(ctx, s.Redis, dkey); exists {
			return nil
		}
	}

	var p payment.PaymentSettledPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}

	// one callback per order, however many events we see
	nkey := fmt.Sprintf(redisx.KeyNotified, p.OrderID)
	if s.Redis != nil {
		if done, _ := redisx.Exists(ctx, s.Redis, nkey); done {
			_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
			return nil
		}
	}

	if p.ReturnURL != "" {
		if err := s.deliver(ctx, p); err != nil {
			// leave dedup unset so the delivery is retried
			log.Printf("callback delivery failed: order_id=%d err=%v", p.OrderID, err)
			return err
		}
	}

	if s.Redis != nil {
		_ = s.Redis.Set(ctx, nkey, "1", redisx.TTLNotified).Err()
		_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	}
	log.Printf("upstream notified: order_id=%d status=%s", p.OrderID, p.Status)
	return nil
}

func (s *Service) deliver(ctx context.Context, p payment.PaymentSettledPayload) error {
	body, err := json.Marshal(map[string]any{
		"order_id":        p.OrderID,
		"status":          p.Status,
		"expected_amount": p.ExpectedAmount,
		"observed_amount": p.ObservedAmount,
		"tx_ref":          p.TxRef,
		"type":            p.Purpose,
	})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, callbackURL(p.ReturnURL), strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return nil
}

// callbackURL strips the query the payer-facing redirect carries; the
// server-to-server callback goes to the bare endpoint.
func callbackURL(returnURL string) string {
	if i := strings.IndexByte(returnURL, '?'); i >= 0 {
		return returnURL[:i]
	}
	return returnURL
}
