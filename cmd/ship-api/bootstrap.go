package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/config"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/broker/kafka"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/cache/rediscache"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/integrations/geocode"
	geocodefake "github.com/Rafael-2109/frete-sistema-sub020/internal/integrations/geocode/fake"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/integrations/geocode/nominatimhttp"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/services/geocoder"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/services/tracking"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/storage/pgship"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/token"
)

type shipAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     shipAPIOpts
	svc      *tracking.Service
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapShipAPI() *shipAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	st := mustOpenPostgresWithRetry(cfg.PostgresConnString(), 60*time.Second)

	rc := rediscache.New(cfg.RedisAddr())
	rl := rediscache.NewRateLimiter(cfg.RedisAddr())
	producer := kafka.NewProducer(cfg.KafkaBrokers())

	// Без базового URL геокодера поднимаем детерминированный фейк:
	// удобно для локального запуска и docker compose без внешней сети.
	var geoClient geocode.Client
	if cfg.Tracker.GeocoderBaseURL != "" {
		geoClient = nominatimhttp.New(cfg.Tracker.GeocoderBaseURL,
			time.Duration(cfg.Tracker.GeocoderTimeoutSeconds)*time.Second)
	} else {
		geoClient = geocodefake.New()
	}
	geo := geocoder.New(geoClient,
		cfg.Tracker.GeocoderCountryHint,
		time.Duration(cfg.Tracker.GeocoderTimeoutSeconds)*time.Second,
		cfg.Tracker.GeocoderCacheSize)

	issuer := token.NewIssuer(cfg.Tracker.ConsentBaseURL)

	topic := cfg.Kafka.ShipmentUpdatedTopicName
	svc := tracking.New(st, rc, producer, rl, geo, issuer,
		cfg.Policy, topic,
		time.Duration(cfg.Tracker.SnapshotTTLSeconds)*time.Second,
		int64(cfg.Tracker.PingRateLimitPerMinute))

	consumer := kafka.NewConsumer(cfg.KafkaBrokers(), topic, cfg.Tracker.KafkaConsumerGroup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &shipAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: shipAPIOpts{
			httpAddr:      cfg.Tracker.HTTPAddr,
			swaggerPath:   swaggerPath,
			topic:         topic,
			consumerGroup: cfg.Tracker.KafkaConsumerGroup,
		},
		svc:      svc,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgship.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgship.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *shipAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *shipAPIApp) Run() error {
	return runShipAPI(a.ctx, a.opts, a.svc, a.consumer)
}
