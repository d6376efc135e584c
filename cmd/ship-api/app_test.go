package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/config"
	geocodefake "github.com/Rafael-2109/frete-sistema-sub020/internal/integrations/geocode/fake"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/services/geocoder"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/services/tracking"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/storage/pgship"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/token"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct{}

func (r *fakeRepo) CreateTracker(ctx context.Context, t *models.ShipmentTracker, stops []*models.DeliveryStop) (*models.ShipmentTracker, []*models.DeliveryStop, error) {
	return t, stops, nil
}
func (r *fakeRepo) GetTrackerByRef(ctx context.Context, ref string) (*models.ShipmentTracker, error) {
	return nil, models.ErrShipmentNotFound
}
func (r *fakeRepo) GetTrackerByToken(ctx context.Context, tok string) (*models.ShipmentTracker, error) {
	return nil, models.ErrShipmentNotFound
}
func (r *fakeRepo) ListStops(ctx context.Context, trackerID uint64) ([]*models.DeliveryStop, error) {
	return nil, nil
}
func (r *fakeRepo) ListPings(ctx context.Context, trackerID uint64, limit, offset int) ([]*models.Ping, error) {
	return nil, nil
}
func (r *fakeRepo) MutateByToken(ctx context.Context, tok string, fn pgship.MutateFunc) (*models.ShipmentTracker, []*models.DeliveryStop, error) {
	return nil, nil, models.ErrShipmentNotFound
}
func (r *fakeRepo) MutateByRef(ctx context.Context, ref string, fn pgship.MutateFunc) (*models.ShipmentTracker, []*models.DeliveryStop, error) {
	return nil, nil, models.ErrShipmentNotFound
}
func (r *fakeRepo) UpdateStopGeocode(ctx context.Context, stopID uint64, d *models.DeliveryStop) error {
	return nil
}

type fakeConsumer struct{}

func (c fakeConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestService() *tracking.Service {
	geo := geocoder.New(geocodefake.New(), "", time.Second, 10)
	issuer := token.NewIssuer("http://localhost/t")
	cfg := &config.Config{}
	cfg.Normalize()
	return tracking.New(&fakeRepo{}, nil, nil, nil, geo, issuer, cfg.Policy, "t", time.Minute, 30)
}

func TestRunShipAPI_SwaggerAndRoutesServed(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := shipAPIOpts{
		httpAddr:      "127.0.0.1:0",
		swaggerPath:   sw,
		topic:         "t",
		consumerGroup: "g",
		onListen:      func(httpAddr string) { addrCh <- httpAddr },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- runShipAPI(ctx, opts, newTestService(), fakeConsumer{})
	}()

	httpAddr := <-addrCh

	resp, err := http.Get("http://" + httpAddr + "/swagger.json")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), "\"swagger\"")

	resp, err = http.Get("http://" + httpAddr + "/healthz")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	// Роуты v1 смонтированы: неизвестный трекер отвечает 404 от хендлера.
	resp, err = http.Get("http://" + httpAddr + "/v1/trackers/EMB-404")
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
	resp.Body.Close()

	cancel()
	require.Error(t, <-errCh)
}

func TestRunShipAPI_MissingSwagger(t *testing.T) {
	err := runShipAPI(context.Background(), shipAPIOpts{httpAddr: "127.0.0.1:0"}, newTestService(), nil)
	require.Error(t, err)
}
