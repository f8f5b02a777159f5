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

	"github.com/mahaj/village-chat/pkg/api"
	"github.com/mahaj/village-chat/pkg/auth"
	"github.com/mahaj/village-chat/pkg/chat"
	"github.com/mahaj/village-chat/pkg/config"
	"github.com/mahaj/village-chat/pkg/events"
	"github.com/mahaj/village-chat/pkg/gateway"
	"github.com/mahaj/village-chat/pkg/metrics"
	"github.com/mahaj/village-chat/pkg/presence"
	"github.com/mahaj/village-chat/pkg/realtime"
	"github.com/mahaj/village-chat/pkg/snowflake"
	"github.com/mahaj/village-chat/pkg/store"
)

func main() {
	configPath := flag.String("config", "chat.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatalf("error opening file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := snowflake.NewNode(cfg.Storage.NodeID)
	if err != nil {
		log.Fatalf("Failed to initialize snowflake node: %v", err)
	}

	st, err := store.Open(ctx, cfg.Storage, snowflake.NewSequencer(node))
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Storage.Driver, err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate %s store: %v", cfg.Storage.Driver, err)
	}

	var online presence.OnlineIndex = presence.NewMemoryIndex()
	if cfg.Presence.RedisAddr != "" {
		rdb, err := presence.DialRedis(ctx, cfg.Presence.RedisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		online = presence.NewRedisIndex(rdb)
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Events.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.Topic)
		log.Printf("Publishing chat events to Kafka topic %s", cfg.Events.Topic)
	}
	defer publisher.Close()

	m := metrics.New()
	registry := realtime.NewRegistry()
	authn := auth.NewAuthenticator(cfg.Auth.JWTSecret, st)

	svc := chat.NewService(st, registry, publisher, m, chat.Options{
		MaxContentLength: cfg.Limits.MaxContentLength,
		DefaultLimit:     cfg.History.DefaultLimit,
		MaxLimit:         cfg.History.MaxLimit,
	})

	gw := gateway.New(gateway.Deps{
		Registry: registry,
		Channels: st,
		Chat:     svc,
		Auth:     authn,
		Online:   online,
		Metrics:  m,
	}, gateway.Options{
		MaxFrameBytes:   cfg.Server.MaxFrameBytes,
		SendBuffer:      cfg.Server.SendBuffer,
		RateBurst:       cfg.Limits.RateBurst,
		RateInterval:    cfg.Limits.RateInterval.Duration,
		RequestTimeout:  cfg.Limits.RequestTimeout.Duration,
		TypingTTL:       cfg.Presence.TypingTTL.Duration,
		SignalingPolicy: cfg.Signaling.Policy,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(svc, st, gw, authn, cfg.Auth.ServiceToken).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Metrics listening on %s", cfg.Server.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
	go func() {
		log.Printf("Gateway Service Starting on %s (store: %s)...", cfg.Server.Addr, cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Printf("Gateway shutdown: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics shutdown: %v", err)
	}
}
