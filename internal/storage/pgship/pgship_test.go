package pgship

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "tracker_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/tracker_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func newTracker(ref, token string, deadline time.Time) *models.ShipmentTracker {
	now := time.Now().UTC()
	return &models.ShipmentTracker{
		ShipmentRef:       ref,
		Token:             token,
		Status:            models.ShipmentAwaitingConsent,
		CreatedAt:         now,
		RetentionDeadline: deadline,
	}
}

func newStop(order, addr string) *models.DeliveryStop {
	return &models.DeliveryStop{
		OrderRef:     order,
		CustomerName: "Cliente",
		Address:      addr,
		Status:       models.StopPending,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestPGShip_CreateAndUniqueness(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	deadline := time.Now().UTC().Add(90 * 24 * time.Hour)

	tr, stops, err := st.CreateTracker(ctx, newTracker("S1", "tok-1", deadline),
		[]*models.DeliveryStop{newStop("O1", "Rua A"), newStop("O2", "Rua B")})
	require.NoError(t, err)
	require.NotZero(t, tr.ID)
	require.Len(t, stops, 2)
	require.Equal(t, tr.ID, stops[0].TrackerID)

	_, _, err = st.CreateTracker(ctx, newTracker("S1", "tok-other", deadline), nil)
	require.ErrorIs(t, err, models.ErrAlreadyTracked)

	got, err := st.GetTrackerByToken(ctx, "tok-1")
	require.NoError(t, err)
	require.Equal(t, "S1", got.ShipmentRef)

	_, err = st.GetTrackerByToken(ctx, "no-such-token")
	require.ErrorIs(t, err, models.ErrShipmentNotFound)
}

func TestPGShip_MutateTransitionAndPing(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	deadline := time.Now().UTC().Add(90 * 24 * time.Hour)

	_, _, err := st.CreateTracker(ctx, newTracker("S2", "tok-2", deadline),
		[]*models.DeliveryStop{newStop("O1", "Rua A")})
	require.NoError(t, err)

	now := time.Now().UTC()
	tr, _, err := st.MutateByToken(ctx, "tok-2", func(t *models.ShipmentTracker, stops []*models.DeliveryStop) (Mutation, error) {
		t.Status = models.ShipmentActive
		t.Consent = true
		t.ConsentAt = &now
		t.TrackingStartedAt = &now
		return Mutation{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, models.ShipmentActive, tr.Status)

	d := 120.5
	tr, _, err = st.MutateByToken(ctx, "tok-2", func(t *models.ShipmentTracker, stops []*models.DeliveryStop) (Mutation, error) {
		t.LastPingAt = &now
		t.NearestDistanceM = &d
		stops[0].Status = models.StopNearby
		return Mutation{
			ChangedStops: stops,
			NewPing:      &models.Ping{Lat: 1, Lon: 2, ReceivedAt: now},
		}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, tr.LastPingAt)

	pings, err := st.ListPings(ctx, tr.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, pings, 1)
	require.Equal(t, 1.0, pings[0].Lat)

	stops, err := st.ListStops(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, models.StopNearby, stops[0].Status)

	// Ошибка из колбэка откатывает всё, включая пинг.
	_, _, err = st.MutateByToken(ctx, "tok-2", func(t *models.ShipmentTracker, stops []*models.DeliveryStop) (Mutation, error) {
		return Mutation{NewPing: &models.Ping{Lat: 9, Lon: 9, ReceivedAt: now}}, models.ErrNotActive
	})
	require.ErrorIs(t, err, models.ErrNotActive)
	n, err := st.CountPings(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestPGShip_ConcurrentPings_NoLostUpdate(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	deadline := time.Now().UTC().Add(90 * 24 * time.Hour)

	tr, _, err := st.CreateTracker(ctx, newTracker("S3", "tok-3", deadline), nil)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts := time.Now().UTC()
			_, _, err := st.MutateByToken(ctx, "tok-3", func(t *models.ShipmentTracker, stops []*models.DeliveryStop) (Mutation, error) {
				// Лок сериализует: более свежий lastPing не затирается.
				if t.LastPingAt == nil || ts.After(*t.LastPingAt) {
					t.LastPingAt = &ts
				}
				return Mutation{NewPing: &models.Ping{Lat: 1, Lon: 1, ReceivedAt: ts}}, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := st.GetTrackerByRef(ctx, "S3")
	require.NoError(t, err)
	require.NotNil(t, got.LastPingAt)

	pings, err := st.ListPings(ctx, tr.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, pings, workers)
	// lastPing не старше любого записанного пинга.
	for _, p := range pings {
		require.False(t, got.LastPingAt.Before(p.ReceivedAt))
	}
}

func TestPGShip_PurgeExpired_IdempotentCascade(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Дедлайн в прошлом через обычный флоу не получить, пишем напрямую.
	expired := newTracker("S4", "tok-4", now.Add(-time.Hour))
	fresh := newTracker("S5", "tok-5", now.Add(24*time.Hour))

	trE, _, err := st.CreateTracker(ctx, expired, []*models.DeliveryStop{newStop("O1", "Rua A")})
	require.NoError(t, err)
	_, _, err = st.CreateTracker(ctx, fresh, nil)
	require.NoError(t, err)

	_, _, err = st.MutateByRef(ctx, "S4", func(t *models.ShipmentTracker, stops []*models.DeliveryStop) (Mutation, error) {
		return Mutation{NewPing: &models.Ping{Lat: 1, Lon: 1, ReceivedAt: now}}, nil
	})
	require.NoError(t, err)

	refs, err := st.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"S4"}, refs)

	entry, err := st.PurgeShipment(ctx, "S4", now)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, int64(1), entry.PingsDeleted)
	require.Equal(t, int64(1), entry.StopsDeleted)

	_, err = st.GetTrackerByRef(ctx, "S4")
	require.ErrorIs(t, err, models.ErrShipmentNotFound)
	n, err := st.CountPings(ctx, trE.ID)
	require.NoError(t, err)
	require.Zero(t, n)

	// Повторный purge — no-op без ошибки.
	entry, err = st.PurgeShipment(ctx, "S4", now)
	require.NoError(t, err)
	require.Nil(t, entry)

	// Свежую отгрузку не трогаем даже напрямую.
	entry, err = st.PurgeShipment(ctx, "S5", now)
	require.NoError(t, err)
	require.Nil(t, entry)

	audit, err := st.ListAuditEntries(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, "S4", audit[0].ShipmentRef)
}

func TestPGShip_ExpireStaleConsent(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	deadline := now.Add(90 * 24 * time.Hour)

	stale := newTracker("S6", "tok-6", deadline)
	staleExp := now.Add(-time.Hour)
	stale.TokenExpiry = &staleExp

	fresh := newTracker("S7", "tok-7", deadline)
	freshExp := now.Add(time.Hour)
	fresh.TokenExpiry = &freshExp

	// Бессрочный токен никогда не протухает.
	forever := newTracker("S8", "tok-8", deadline)

	for _, tr := range []*models.ShipmentTracker{stale, fresh, forever} {
		_, _, err := st.CreateTracker(ctx, tr, nil)
		require.NoError(t, err)
	}

	refs, err := st.ExpireStaleConsent(ctx, now, 100)
	require.NoError(t, err)
	require.Equal(t, []string{"S6"}, refs)

	got, err := st.GetTrackerByRef(ctx, "S6")
	require.NoError(t, err)
	require.Equal(t, models.ShipmentExpired, got.Status)
	require.NotNil(t, got.TrackingEndedAt)

	got, err = st.GetTrackerByRef(ctx, "S7")
	require.NoError(t, err)
	require.Equal(t, models.ShipmentAwaitingConsent, got.Status)

	// Повторный прогон ничего не находит.
	refs, err = st.ExpireStaleConsent(ctx, now, 100)
	require.NoError(t, err)
	require.Empty(t, refs)
}
