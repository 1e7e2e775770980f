package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ndthang/vietqr-bridge/internal/config"
	kafkax "github.com/ndthang/vietqr-bridge/internal/kafka"
	"github.com/ndthang/vietqr-bridge/internal/notifier"
	"github.com/ndthang/vietqr-bridge/internal/payment"
	"github.com/ndthang/vietqr-bridge/internal/postgres"
	"github.com/ndthang/vietqr-bridge/internal/redisx"
)

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB (sweeper needs it)
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Producer for expiry events out of the sweeper
	prod := kafkax.NewProducer(cfg.KafkaBrokers, payment.TopicPaymentSettled, 1024)
	prod.Start(ctx)

	repo := &payment.Repo{DB: db}
	svc := &notifier.Service{
		Redis:       rdb,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
		ServiceName: cfg.ServiceName + "-notifier",
	}
	sweeper := &notifier.Sweeper{
		Repo:        repo,
		Producer:    prod,
		ServiceName: cfg.ServiceName + "-notifier",
		Interval:    30 * time.Second,
	}
	go sweeper.Run(ctx)

	group := getenv("NOTIFIER_GROUP", "payment-notifier")
	workers := mustAtoi(os.Getenv("NOTIFIER_WORKERS"), "4")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, payment.TopicPaymentSettled, workers)

	go func() {
		log.Printf("notifier consumer started: group=%s topic=%s workers=%d", group, payment.TopicPaymentSettled, workers)
		if err := cons.Start(ctx, svc.HandleSettled); err != nil {
			log.Printf("consumer exit: %v", err)
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down notifier...")
	cancel() // producer loop flushes and closes on ctx done
	time.Sleep(500 * time.Millisecond)
	prod.WaitClosed()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
