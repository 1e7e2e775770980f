package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ndthang/vietqr-bridge/internal/casso"
	"github.com/ndthang/vietqr-bridge/internal/config"
	"github.com/ndthang/vietqr-bridge/internal/handoff"
	"github.com/ndthang/vietqr-bridge/internal/httpx"
	kafkax "github.com/ndthang/vietqr-bridge/internal/kafka"
	"github.com/ndthang/vietqr-bridge/internal/payment"
	"github.com/ndthang/vietqr-bridge/internal/postgres"
	"github.com/ndthang/vietqr-bridge/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer for settlement events
	prod := kafkax.NewProducer(cfg.KafkaBrokers, payment.TopicPaymentSettled, 1024)
	prod.Start(ctx)

	repo := &payment.Repo{DB: db}
	ing := &casso.Ingestor{
		Store:    repo,
		Policy:   payment.Policy{LatePayment: payment.ParseLatePaymentMode(cfg.LatePaymentPolicy)},
		Redis:    rdb,
		Producer: prod,
		Secret:   cfg.CassoWebhookSecret,
		Service:  cfg.ServiceName,
	}

	router := httpx.NewRouter()
	ph := &httpx.PaymentsHandler{
		Store:       repo,
		Ingestor:    ing,
		Verifier:    handoff.NewVerifier(cfg.HandoffSecret),
		Redis:       rdb,
		BankBIN:     cfg.BankBIN,
		BankAccount: cfg.BankAccount,
		OrderTTL:    cfg.OrderTTL,
	}
	ph.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	// graceful shutdown
	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // close inbox -> flush & close writer
	cancel()          // stop producer loop
	prod.WaitClosed() // drain
}
