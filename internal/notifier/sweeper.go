package notifier

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	kafkax "github.com/ndthang/vietqr-bridge/internal/kafka"
	"github.com/ndthang/vietqr-bridge/internal/payment"
)

// Sweeper persists expiry for overdue pending orders in the background so
// terminal states become visible even for orders nobody polls, and
// publishes the corresponding expired events.
type Sweeper struct {
	Repo        *payment.Repo
	Producer    *kafkax.Producer
	ServiceName string
	Interval    time.Duration
	BatchSize   int
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweepOnce(ctx, batch)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context, batch int) {
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ids, err := s.Repo.SweepExpired(sctx, batch)
	if err != nil {
		log.Printf("expiry sweep failed: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	log.Printf("expired %d overdue orders", len(ids))

	for _, id := range ids {
		o, err := s.Repo.Get(sctx, id)
		if err != nil {
			log.Printf("sweep: reload order %d: %v", id, err)
			continue
		}
		ev := payment.Envelope{
			EventID:       uuid.NewString(),
			EventType:     payment.EventPaymentExpired,
			EventVersion:  1,
			OccurredAt:    time.Now().UTC(),
			Producer:      s.ServiceName,
			CorrelationID: fmt.Sprintf("%d", o.ID),
			Payload: kafkax.MustMarshal(payment.PaymentSettledPayload{
				OrderID:        o.ID,
				Status:         payment.StatusExpired,
				ExpectedAmount: o.ExpectedAmount,
				Purpose:        o.Purpose,
				ReturnURL:      o.ReturnURL,
			}),
		}
		s.Producer.Publish(payment.PartitionKey(o.ID), kafkax.MustMarshal(ev))
	}
}
