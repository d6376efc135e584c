package tracking

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/broker/messages"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
)

// Snapshot is the dispatcher's read model: everything about one shipment
// in a single JSON document, cacheable as-is.
type Snapshot struct {
	ShipmentRef string         `json:"shipmentRef"`
	Status      string         `json:"status"`
	Consent     bool           `json:"consent"`
	ConsentAt   *time.Time     `json:"consentAt,omitempty"`
	StartedAt   *time.Time     `json:"trackingStartedAt,omitempty"`
	EndedAt     *time.Time     `json:"trackingEndedAt,omitempty"`
	LastPingAt  *time.Time     `json:"lastPingAt,omitempty"`
	NearestM    *float64       `json:"nearestDistanceM,omitempty"`
	Stops       []SnapshotStop `json:"stops"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

type SnapshotStop struct {
	ID               uint64     `json:"id"`
	OrderRef         string     `json:"orderRef"`
	CustomerName     string     `json:"customerName,omitempty"`
	Address          string     `json:"address"`
	City             string     `json:"city,omitempty"`
	Sequence         *int32     `json:"sequence,omitempty"`
	Lat              *float64   `json:"lat,omitempty"`
	Lon              *float64   `json:"lon,omitempty"`
	GeocodeError     *string    `json:"geocodeError,omitempty"`
	Status           string     `json:"status"`
	FailReason       *string    `json:"failReason,omitempty"`
	ProofRef         *string    `json:"proofRef,omitempty"`
	ProofAt          *time.Time `json:"proofAt,omitempty"`
	ConfirmDistanceM *float64   `json:"confirmDistanceM,omitempty"`
}

func snapshotKey(shipmentRef string) string {
	return "shipment:" + shipmentRef + ":snapshot"
}

func (s *Service) buildSnapshot(t *models.ShipmentTracker, stops []*models.DeliveryStop) Snapshot {
	snap := Snapshot{
		ShipmentRef: t.ShipmentRef,
		Status:      string(t.Status),
		Consent:     t.Consent,
		ConsentAt:   t.ConsentAt,
		StartedAt:   t.TrackingStartedAt,
		EndedAt:     t.TrackingEndedAt,
		LastPingAt:  t.LastPingAt,
		NearestM:    t.NearestDistanceM,
		Stops:       make([]SnapshotStop, 0, len(stops)),
		GeneratedAt: s.now(),
	}
	for _, d := range stops {
		snap.Stops = append(snap.Stops, SnapshotStop{
			ID:               d.ID,
			OrderRef:         d.OrderRef,
			CustomerName:     d.CustomerName,
			Address:          d.Address,
			City:             d.City,
			Sequence:         d.Sequence,
			Lat:              d.Lat,
			Lon:              d.Lon,
			GeocodeError:     d.GeocodeError,
			Status:           string(d.Status),
			FailReason:       d.FailReason,
			ProofRef:         d.ProofRef,
			ProofAt:          d.ProofAt,
			ConfirmDistanceM: d.ConfirmDistanceM,
		})
	}
	return snap
}

// GetSnapshot serves the dispatcher read path cache-first. A cache miss
// (or a dead Redis) falls through to Postgres and repopulates.
func (s *Service) GetSnapshot(ctx context.Context, shipmentRef string) (Snapshot, error) {
	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, snapshotKey(shipmentRef))
		if err != nil {
			slog.Warn("snapshot cache get", "shipment_ref", shipmentRef, "error", err.Error())
		} else if ok {
			var snap Snapshot
			if err := json.Unmarshal(raw, &snap); err == nil {
				return snap, nil
			}
			// Битый кэш затрём свежим ниже.
		}
	}

	t, err := s.repo.GetTrackerByRef(ctx, shipmentRef)
	if err != nil {
		return Snapshot{}, err
	}
	stops, err := s.repo.ListStops(ctx, t.ID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := s.buildSnapshot(t, stops)
	s.storeSnapshot(ctx, snap)
	return snap, nil
}

func (s *Service) storeSnapshot(ctx context.Context, snap Snapshot) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, snapshotKey(snap.ShipmentRef), raw, s.snapshotTTL); err != nil {
		slog.Warn("snapshot cache set", "shipment_ref", snap.ShipmentRef, "error", err.Error())
	}
}

// RecentPings returns the newest pings for the dispatcher, newest first.
func (s *Service) RecentPings(ctx context.Context, shipmentRef string, limit, offset int) ([]*models.Ping, error) {
	t, err := s.repo.GetTrackerByRef(ctx, shipmentRef)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPings(ctx, t.ID, limit, offset)
}

// ConsentQR renders the consent URL as a PNG for the dispatch packet.
func (s *Service) ConsentQR(ctx context.Context, shipmentRef string, size int) ([]byte, error) {
	t, err := s.repo.GetTrackerByRef(ctx, shipmentRef)
	if err != nil {
		return nil, err
	}
	return s.issuer.QRPNG(t.Token, size)
}

// afterTransition runs best-effort side effects once the row lock is
// released: publish the broker event and refresh the cached snapshot.
func (s *Service) afterTransition(ctx context.Context, t *models.ShipmentTracker, stops []*models.DeliveryStop, upd messages.ShipmentUpdated) {
	if s.prod != nil {
		value, err := json.Marshal(upd)
		if err == nil {
			if err := s.prod.Publish(ctx, s.topic, []byte(upd.ShipmentRef), value); err != nil {
				slog.Error("publish shipment update", "shipment_ref", upd.ShipmentRef, "event", upd.Event, "error", err.Error())
			}
		}
	}

	if stops == nil {
		var err error
		stops, err = s.repo.ListStops(ctx, t.ID)
		if err != nil {
			slog.Warn("snapshot refresh load stops", "shipment_ref", t.ShipmentRef, "error", err.Error())
			return
		}
	}
	s.storeSnapshot(ctx, s.buildSnapshot(t, stops))
}

// ApplyBrokerUpdate keeps this instance's snapshot cache in sync with
// transitions committed elsewhere (other api replicas, the retention
// worker).
func (s *Service) ApplyBrokerUpdate(ctx context.Context, upd messages.ShipmentUpdated) error {
	if s.cache == nil {
		return nil
	}
	if upd.Event == messages.EventPurged {
		return s.cache.Del(ctx, snapshotKey(upd.ShipmentRef))
	}

	t, err := s.repo.GetTrackerByRef(ctx, upd.ShipmentRef)
	if err != nil {
		// Гонка с пуржем: запись уже удалена, чистим кэш.
		return s.cache.Del(ctx, snapshotKey(upd.ShipmentRef))
	}
	stops, err := s.repo.ListStops(ctx, t.ID)
	if err != nil {
		return err
	}
	s.storeSnapshot(ctx, s.buildSnapshot(t, stops))
	return nil
}
