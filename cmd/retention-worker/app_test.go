package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/config"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/services/retention"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct{}

func (r *fakeRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return nil, nil
}

func (r *fakeRepo) PurgeShipment(ctx context.Context, ref string, now time.Time) (*models.AuditLogEntry, error) {
	return nil, nil
}

func (r *fakeRepo) ExpireStaleConsent(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return nil, nil
}

type noopProducer struct{}

func (p noopProducer) Publish(ctx context.Context, topic string, key, value []byte) error { return nil }

type fakeAudit struct{}

func (a fakeAudit) ListAuditEntries(ctx context.Context, limit, offset int) ([]*models.AuditLogEntry, error) {
	return []*models.AuditLogEntry{
		{ID: 1, ShipmentRef: "EMB-001", PingsDeleted: 10, StopsDeleted: 2, PurgedAt: time.Now().UTC()},
	}, nil
}

func TestDefaultWorkerFactories_ProducerNonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
	}
	require.NotNil(t, f.newProducer(cfg))
}

func TestRunRetentionWorker_ContextCanceled(t *testing.T) {
	calledClose := false

	f := workerFactories{
		newStorage: func(cfg *config.Config) (retention.Repository, func(), error) {
			return &fakeRepo{}, func() { calledClose = true }, nil
		},
		newProducer: func(cfg *config.Config) retention.Producer {
			return noopProducer{}
		},
	}

	cfg := &config.Config{
		Kafka:   config.KafkaConfig{ShipmentUpdatedTopicName: "t"},
		Tracker: config.TrackerConfig{WorkerSweepIntervalSeconds: 1, WorkerBatchSize: 10},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got *retention.Sweeper
	err := RunRetentionWorker(ctx, cfg, f, func(s *retention.Sweeper) { got = s })
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, calledClose)
	require.NotNil(t, got)
}

func TestWorkerHTTPServer(t *testing.T) {
	swaggerPath := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(swaggerPath, []byte(`{"swagger":"2.0"}`), 0o644))

	sweeper := retention.New(&fakeRepo{}, noopProducer{}, "t")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	go func() {
		_ = runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: swaggerPath,
			sweeper:     sweeper,
			audit:       fakeAudit{},
			cfg:         &config.Config{},
			onListen:    func(addr string) { addrCh <- addr },
		})
	}()

	var base string
	select {
	case addr := <-addrCh:
		base = "http://" + addr
	case <-time.After(2 * time.Second):
		t.Fatal("worker http server did not start")
	}

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(base + "/stats")
	require.NoError(t, err)
	var stats retention.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()

	resp, err = http.Post(base+"/trigger", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(base + "/audit?limit=10")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var audit struct {
		Entries []*models.AuditLogEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&audit))
	require.Len(t, audit.Entries, 1)
	resp.Body.Close()

	resp, err = http.Get(base + "/swagger.json")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
