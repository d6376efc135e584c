package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/config"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/broker/messages"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/geomath"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/integrations/geocode"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/services/proximity"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/storage/pgship"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/token"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateTracker(ctx context.Context, t *models.ShipmentTracker, stops []*models.DeliveryStop) (*models.ShipmentTracker, []*models.DeliveryStop, error)
	GetTrackerByRef(ctx context.Context, shipmentRef string) (*models.ShipmentTracker, error)
	GetTrackerByToken(ctx context.Context, token string) (*models.ShipmentTracker, error)
	ListStops(ctx context.Context, trackerID uint64) ([]*models.DeliveryStop, error)
	ListPings(ctx context.Context, trackerID uint64, limit, offset int) ([]*models.Ping, error)
	MutateByToken(ctx context.Context, token string, fn pgship.MutateFunc) (*models.ShipmentTracker, []*models.DeliveryStop, error)
	MutateByRef(ctx context.Context, shipmentRef string, fn pgship.MutateFunc) (*models.ShipmentTracker, []*models.DeliveryStop, error)
	UpdateStopGeocode(ctx context.Context, stopID uint64, d *models.DeliveryStop) error
}

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Geocoder interface {
	Resolve(ctx context.Context, address string) (geocode.Result, error)
}

// Service owns the shipment and stop state machines. Every transition is
// executed inside the repository's per-shipment row lock; the callbacks
// here only mutate in-memory aggregates.
type Service struct {
	repo   Repository
	cache  BytesCache
	prod   Producer
	rl     RateLimiter
	geo    Geocoder
	issuer *token.Issuer

	policy config.PolicyConfig
	topic  string

	snapshotTTL   time.Duration
	pingRateLimit int64

	now func() time.Time
}

func New(repo Repository, cache BytesCache, prod Producer, rl RateLimiter, geo Geocoder, issuer *token.Issuer, policy config.PolicyConfig, topic string, snapshotTTL time.Duration, pingRateLimit int64) *Service {
	return &Service{
		repo:          repo,
		cache:         cache,
		prod:          prod,
		rl:            rl,
		geo:           geo,
		issuer:        issuer,
		policy:        policy,
		topic:         topic,
		snapshotTTL:   snapshotTTL,
		pingRateLimit: pingRateLimit,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type IssueResult struct {
	Tracker    *models.ShipmentTracker
	Stops      []*models.DeliveryStop
	ConsentURL string
}

// Issue creates the tracker in AWAITING_CONSENT with a fresh token and the
// absolute retention deadline. Stops are geocoded best-effort afterwards,
// outside any lock.
func (s *Service) Issue(ctx context.Context, in models.TrackerCreateInput) (*IssueResult, error) {
	if in.ShipmentRef == "" {
		return nil, errors.Wrap(models.ErrValidation, "shipmentRef is required")
	}
	if len(in.Stops) == 0 {
		return nil, errors.Wrap(models.ErrValidation, "at least one stop is required")
	}
	for _, st := range in.Stops {
		if st.OrderRef == "" {
			return nil, errors.Wrap(models.ErrValidation, "stop orderRef is required")
		}
		if st.Address == "" {
			return nil, errors.Wrap(models.ErrValidation, "stop address is required")
		}
	}

	tok, err := s.issuer.Mint()
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &models.ShipmentTracker{
		ShipmentRef:       in.ShipmentRef,
		Token:             tok,
		Status:            models.ShipmentAwaitingConsent,
		CreatedAt:         now,
		RetentionDeadline: now.Add(s.policy.RetentionWindow()),
	}
	if ttl := s.policy.TokenTTL(); ttl > 0 {
		exp := now.Add(ttl)
		t.TokenExpiry = &exp
	}

	stops := make([]*models.DeliveryStop, 0, len(in.Stops))
	for _, st := range in.Stops {
		stops = append(stops, &models.DeliveryStop{
			OrderRef:     st.OrderRef,
			CustomerName: st.CustomerName,
			Address:      st.Address,
			City:         st.City,
			Sequence:     st.Sequence,
			Status:       models.StopPending,
			CreatedAt:    now,
		})
	}

	t, stops, err = s.repo.CreateTracker(ctx, t, stops)
	if err != nil {
		return nil, err
	}

	s.GeocodeStops(ctx, stops)

	return &IssueResult{
		Tracker:    t,
		Stops:      stops,
		ConsentURL: s.issuer.ConsentURL(t.Token),
	}, nil
}

// GeocodeStops resolves destination coordinates for every un-geocoded
// stop. Failures are recorded on the stop, never propagated: стоп без
// координат просто выпадает из proximity до ручного ретрая.
func (s *Service) GeocodeStops(ctx context.Context, stops []*models.DeliveryStop) {
	for _, d := range stops {
		if d.Geocoded() {
			continue
		}
		s.geocodeOne(ctx, d)
	}
}

func (s *Service) geocodeOne(ctx context.Context, d *models.DeliveryStop) {
	addr := d.Address
	if d.City != "" {
		addr = addr + ", " + d.City
	}
	res, err := s.geo.Resolve(ctx, addr)
	now := s.now()
	if err != nil {
		msg := err.Error()
		d.GeocodeError = &msg
		if uerr := s.repo.UpdateStopGeocode(ctx, d.ID, d); uerr != nil {
			slog.Error("store geocode failure", "stop_id", d.ID, "error", uerr.Error())
		}
		slog.Warn("geocode stop failed", "stop_id", d.ID, "error", msg)
		return
	}
	d.Lat = &res.Lat
	d.Lon = &res.Lon
	d.GeocodedAt = &now
	d.GeocodeError = nil
	if err := s.repo.UpdateStopGeocode(ctx, d.ID, d); err != nil {
		slog.Error("store geocode result", "stop_id", d.ID, "error", err.Error())
	}
}

// RetryGeocode re-runs geocoding for one stop on dispatcher demand.
func (s *Service) RetryGeocode(ctx context.Context, shipmentRef string, stopID uint64) (*models.DeliveryStop, error) {
	t, err := s.repo.GetTrackerByRef(ctx, shipmentRef)
	if err != nil {
		return nil, err
	}
	stops, err := s.repo.ListStops(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	d := findStop(stops, stopID)
	if d == nil {
		return nil, models.ErrStopNotFound
	}
	s.geocodeOne(ctx, d)
	return d, nil
}

// RecordConsent turns AWAITING_CONSENT into ACTIVE and pins who consented
// from where. The token is the only credential, so an unknown token and an
// expired one are the same answer.
func (s *Service) RecordConsent(ctx context.Context, tok, sourceIP, userAgent string) (*models.ShipmentTracker, []*models.DeliveryStop, error) {
	now := s.now()
	t, stops, err := s.repo.MutateByToken(ctx, tok, func(t *models.ShipmentTracker, stops []*models.DeliveryStop) (pgship.Mutation, error) {
		if t.TokenExpiry != nil && now.After(*t.TokenExpiry) {
			return pgship.Mutation{}, models.ErrInvalidOrExpiredToken
		}
		if t.Status != models.ShipmentAwaitingConsent {
			if t.Status.Live() {
				return pgship.Mutation{}, models.ErrAlreadyConsented
			}
			return pgship.Mutation{}, models.ErrNotActive
		}
		t.Status = models.ShipmentActive
		t.Consent = true
		t.ConsentAt = &now
		if sourceIP != "" {
			t.ConsentIP = &sourceIP
		}
		if userAgent != "" {
			t.ConsentUserAgent = &userAgent
		}
		t.TrackingStartedAt = &now
		return pgship.Mutation{}, nil
	})
	if err != nil {
		return nil, nil, mapTokenErr(err)
	}

	s.afterTransition(ctx, t, stops, messages.ShipmentUpdated{
		ShipmentRef: t.ShipmentRef,
		Event:       messages.EventConsentRecorded,
		Status:      string(t.Status),
		OccurredAt:  now,
	})
	return t, stops, nil
}

type PingOutcome struct {
	Nearby          []proximity.Candidate
	Status          models.ShipmentStatus
	PingIntervalSec int
}

// IngestPing persists one location sample and runs proximity detection,
// all under the shipment's row lock. Outside of the live states no ping
// record is ever created.
func (s *Service) IngestPing(ctx context.Context, tok string, sample models.PingSample) (*PingOutcome, error) {
	if err := geomath.ValidateCoordinates(sample.Lat, sample.Lon); err != nil {
		return nil, err
	}

	now := s.now()
	if s.rl != nil && s.pingRateLimit > 0 {
		key := fmt.Sprintf("rl:ping:%s:%s", tok, now.Format("200601021504"))
		allowed, n, err := s.rl.Allow(ctx, key, s.pingRateLimit, 70*time.Second)
		if err != nil {
			// Редис лёг — пинги важнее лимита.
			slog.Warn("ping rate limiter unavailable", "error", err.Error())
		} else if !allowed {
			slog.Warn("ping rate limit exceeded", "count", n)
			return nil, models.ErrRateLimited
		}
	}

	var out PingOutcome
	t, _, err := s.repo.MutateByToken(ctx, tok, func(t *models.ShipmentTracker, stops []*models.DeliveryStop) (pgship.Mutation, error) {
		if t.TokenExpiry != nil && now.After(*t.TokenExpiry) {
			return pgship.Mutation{}, models.ErrInvalidOrExpiredToken
		}
		if !t.Status.Live() {
			return pgship.Mutation{}, models.ErrNotActive
		}

		near, err := proximity.Detect(sample.Lat, sample.Lon, stops, s.policy.ProximityRadiusM)
		if err != nil {
			return pgship.Mutation{}, err
		}

		var changed []*models.DeliveryStop
		for _, c := range near {
			if c.Stop.Status == models.StopPending {
				c.Stop.Status = models.StopNearby
				changed = append(changed, c.Stop)
			}
		}

		if d, ok := proximity.NearestM(sample.Lat, sample.Lon, stops); ok {
			if t.NearestDistanceM == nil || d < *t.NearestDistanceM {
				v := d
				t.NearestDistanceM = &v
			}
		}
		// now снят до row lock — отставший пинг не должен откатить отметку.
		if t.LastPingAt == nil || now.After(*t.LastPingAt) {
			ts := now
			t.LastPingAt = &ts
		}

		s.advanceShipment(t, stops, now)

		out.Nearby = near
		out.Status = t.Status
		out.PingIntervalSec = s.pingInterval(sample.SpeedMS)

		return pgship.Mutation{
			ChangedStops: changed,
			NewPing: &models.Ping{
				Lat:        sample.Lat,
				Lon:        sample.Lon,
				AccuracyM:  sample.AccuracyM,
				SpeedMS:    sample.SpeedMS,
				HeadingD:   sample.HeadingD,
				AltitudeM:  sample.AltitudeM,
				Battery:    sample.Battery,
				Charging:   sample.Charging,
				DeviceAt:   sample.DeviceAt,
				ReceivedAt: now,
			},
		}, nil
	})
	if err != nil {
		return nil, mapTokenErr(err)
	}

	s.afterTransition(ctx, t, nil, messages.ShipmentUpdated{
		ShipmentRef: t.ShipmentRef,
		Event:       messages.EventPingAccepted,
		Status:      string(t.Status),
		OccurredAt:  now,
	})
	return &out, nil
}

// ConfirmDelivery applies the two-tier distance policy: a stop that was
// ever NEARBY confirms at any live distance (GPS drifts at the door), a
// PENDING stop confirms only within the extended override radius.
func (s *Service) ConfirmDelivery(ctx context.Context, tok string, stopID uint64, lat, lon float64, proofRef string) (*models.DeliveryStop, error) {
	if err := geomath.ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}

	now := s.now()
	var confirmed *models.DeliveryStop
	t, _, err := s.repo.MutateByToken(ctx, tok, func(t *models.ShipmentTracker, stops []*models.DeliveryStop) (pgship.Mutation, error) {
		if t.TokenExpiry != nil && now.After(*t.TokenExpiry) {
			return pgship.Mutation{}, models.ErrInvalidOrExpiredToken
		}
		if !t.Status.Live() {
			return pgship.Mutation{}, models.ErrNotActive
		}

		d := findStop(stops, stopID)
		if d == nil {
			return pgship.Mutation{}, models.ErrStopNotFound
		}
		if d.Status.Terminal() {
			return pgship.Mutation{}, models.ErrStopClosed
		}

		var dist *float64
		if d.Geocoded() {
			v, err := geomath.DistanceM(lat, lon, *d.Lat, *d.Lon)
			if err != nil {
				return pgship.Mutation{}, err
			}
			dist = &v
		}

		eligible := d.Status == models.StopNearby ||
			(dist != nil && *dist <= s.policy.OverrideRadiusM())
		if !eligible {
			return pgship.Mutation{}, models.ErrTooFarToConfirm
		}

		d.Status = models.StopDelivered
		if proofRef != "" {
			d.ProofRef = &proofRef
		}
		d.ProofLat = &lat
		d.ProofLon = &lon
		d.ProofAt = &now
		d.ConfirmDistanceM = dist
		confirmed = d

		s.advanceShipment(t, stops, now)
		if t.Status == models.ShipmentCompleted && d.ProofRef != nil {
			// Последний подтверждённый стоп закрывает маршрут.
			t.RouteProofRef = d.ProofRef
		}

		return pgship.Mutation{ChangedStops: []*models.DeliveryStop{d}}, nil
	})
	if err != nil {
		return nil, mapTokenErr(err)
	}

	evt := messages.EventStopDelivered
	if t.Status == models.ShipmentCompleted {
		evt = messages.EventCompleted
	}
	s.afterTransition(ctx, t, nil, messages.ShipmentUpdated{
		ShipmentRef: t.ShipmentRef,
		Event:       evt,
		Status:      string(t.Status),
		OccurredAt:  now,
		StopID:      &stopID,
	})
	return confirmed, nil
}

// FailStop is the dispatcher's manual override for an undeliverable stop.
func (s *Service) FailStop(ctx context.Context, shipmentRef string, stopID uint64, reason string) (*models.DeliveryStop, error) {
	now := s.now()
	var failed *models.DeliveryStop
	t, _, err := s.repo.MutateByRef(ctx, shipmentRef, func(t *models.ShipmentTracker, stops []*models.DeliveryStop) (pgship.Mutation, error) {
		if t.Status.Terminal() {
			return pgship.Mutation{}, models.ErrNotActive
		}
		d := findStop(stops, stopID)
		if d == nil {
			return pgship.Mutation{}, models.ErrStopNotFound
		}
		if d.Status.Terminal() {
			return pgship.Mutation{}, models.ErrStopClosed
		}
		d.Status = models.StopFailed
		if reason != "" {
			d.FailReason = &reason
		}
		failed = d

		s.advanceShipment(t, stops, now)
		return pgship.Mutation{ChangedStops: []*models.DeliveryStop{d}}, nil
	})
	if err != nil {
		return nil, err
	}

	evt := messages.EventStopFailed
	if t.Status == models.ShipmentCompleted {
		evt = messages.EventCompleted
	}
	s.afterTransition(ctx, t, nil, messages.ShipmentUpdated{
		ShipmentRef: t.ShipmentRef,
		Event:       evt,
		Status:      string(t.Status),
		OccurredAt:  now,
		StopID:      &stopID,
	})
	return failed, nil
}

// Cancel is terminal and accepted from any non-terminal state, even with a
// ping mid-flight: the row lock orders them, and a ping that loses the
// race is rejected with NotActive.
func (s *Service) Cancel(ctx context.Context, shipmentRef, reason string) (*models.ShipmentTracker, error) {
	now := s.now()
	t, _, err := s.repo.MutateByRef(ctx, shipmentRef, func(t *models.ShipmentTracker, stops []*models.DeliveryStop) (pgship.Mutation, error) {
		if t.Status.Terminal() {
			return pgship.Mutation{}, models.ErrNotActive
		}
		t.Status = models.ShipmentCancelled
		if reason != "" {
			t.CancelReason = &reason
		}
		t.TrackingEndedAt = &now
		return pgship.Mutation{}, nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, t, nil, messages.ShipmentUpdated{
		ShipmentRef: t.ShipmentRef,
		Event:       messages.EventCancelled,
		Status:      string(t.Status),
		OccurredAt:  now,
	})
	return t, nil
}

// advanceShipment aggregates stop states into the shipment state.
func (s *Service) advanceShipment(t *models.ShipmentTracker, stops []*models.DeliveryStop, now time.Time) {
	open := 0
	lastOpenNearby := false
	for _, d := range stops {
		if !d.Status.Terminal() {
			open++
			lastOpenNearby = d.Status == models.StopNearby
		}
	}
	switch {
	case open == 0 && len(stops) > 0 && t.Status.CanTransition(models.ShipmentCompleted):
		t.Status = models.ShipmentCompleted
		t.TrackingEndedAt = &now
	case open == 1 && lastOpenNearby && t.Status.CanTransition(models.ShipmentArrivedAtLastStop):
		t.Status = models.ShipmentArrivedAtLastStop
	}
}

func (s *Service) pingInterval(speedMS *float64) int {
	if speedMS != nil && *speedMS <= s.policy.StationarySpeedMS {
		return s.policy.StationaryPingIntervalSec
	}
	return s.policy.MovingPingIntervalSec
}

func findStop(stops []*models.DeliveryStop, id uint64) *models.DeliveryStop {
	for _, d := range stops {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// Token lookups never reveal whether the token exists: unknown and expired
// read the same from outside.
func mapTokenErr(err error) error {
	if errors.Is(err, models.ErrShipmentNotFound) {
		return models.ErrInvalidOrExpiredToken
	}
	return err
}
