package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/village-chat/pkg/config"
	"github.com/mahaj/village-chat/pkg/events"
	"github.com/mahaj/village-chat/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "chat.toml", "path to the TOML configuration file")
	metricsAddr := flag.String("metrics", ":9091", "metrics listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if len(cfg.Events.KafkaBrokers) == 0 {
		log.Fatal("No Kafka brokers configured (events.kafka_brokers or KAFKA_BROKERS)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()

	consumer := events.NewConsumer(cfg.Events.KafkaBrokers, cfg.Events.Topic, cfg.Events.GroupID)
	defer consumer.Close()

	auditor := NewAuditor(m, log.New(os.Stdout, "audit ", log.LstdFlags|log.LUTC))

	log.Printf("Starting Kafka Consumer on %s (group %s)...", cfg.Events.Topic, cfg.Events.GroupID)
	if err := consumer.Consume(ctx, auditor.Handle); err != nil {
		log.Printf("Consumer stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
