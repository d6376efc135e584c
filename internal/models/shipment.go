package models

import "time"

// ShipmentStatus is a closed set; transitions go through CanTransition.
type ShipmentStatus string

const (
	ShipmentAwaitingConsent   ShipmentStatus = "AWAITING_CONSENT"
	ShipmentActive            ShipmentStatus = "ACTIVE"
	ShipmentArrivedAtLastStop ShipmentStatus = "ARRIVED_AT_LAST_STOP"
	ShipmentCompleted         ShipmentStatus = "COMPLETED"
	ShipmentCancelled         ShipmentStatus = "CANCELLED"
	ShipmentExpired           ShipmentStatus = "EXPIRED"
)

func (s ShipmentStatus) Terminal() bool {
	switch s {
	case ShipmentCompleted, ShipmentCancelled, ShipmentExpired:
		return true
	}
	return false
}

// Live возвращает true, когда трекер принимает пинги и подтверждения.
// ARRIVED_AT_LAST_STOP — это активная фаза: последняя точка ещё не подтверждена.
func (s ShipmentStatus) Live() bool {
	return s == ShipmentActive || s == ShipmentArrivedAtLastStop
}

func (s ShipmentStatus) CanTransition(to ShipmentStatus) bool {
	if s.Terminal() {
		return false
	}
	switch to {
	case ShipmentCancelled, ShipmentExpired:
		return true
	case ShipmentActive:
		return s == ShipmentAwaitingConsent
	case ShipmentArrivedAtLastStop:
		return s == ShipmentActive
	case ShipmentCompleted:
		return s.Live()
	}
	return false
}

type StopStatus string

const (
	StopPending   StopStatus = "PENDING"
	StopNearby    StopStatus = "NEARBY"
	StopDelivered StopStatus = "DELIVERED"
	StopFailed    StopStatus = "FAILED"
)

func (s StopStatus) Terminal() bool {
	return s == StopDelivered || s == StopFailed
}

func (s StopStatus) CanTransition(to StopStatus) bool {
	if s.Terminal() {
		return false
	}
	switch to {
	case StopNearby:
		return s == StopPending
	case StopDelivered, StopFailed:
		return true
	}
	return false
}

// ShipmentTracker is the per-shipment aggregate root. One row per shipment.
type ShipmentTracker struct {
	ID          uint64
	ShipmentRef string
	Token       string
	TokenExpiry *time.Time

	Status ShipmentStatus

	Consent          bool
	ConsentAt        *time.Time
	ConsentIP        *string
	ConsentUserAgent *string

	TrackingStartedAt *time.Time
	TrackingEndedAt   *time.Time
	LastPingAt        *time.Time
	NearestDistanceM  *float64

	RouteProofRef *string
	CancelReason  *string

	CreatedAt         time.Time
	RetentionDeadline time.Time
	UpdatedAt         time.Time
}

// DeliveryStop — одна точка доставки внутри рейса.
type DeliveryStop struct {
	ID        uint64
	TrackerID uint64

	OrderRef     string
	CustomerName string
	Address      string
	City         string
	Sequence     *int32

	Lat          *float64
	Lon          *float64
	GeocodedAt   *time.Time
	GeocodeError *string

	Status     StopStatus
	FailReason *string

	ProofRef         *string
	ProofLat         *float64
	ProofLon         *float64
	ProofAt          *time.Time
	ConfirmDistanceM *float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Geocoded reports whether the stop can take part in proximity checks.
func (d *DeliveryStop) Geocoded() bool {
	return d.Lat != nil && d.Lon != nil
}

// Ping is append-only; never mutated after insert.
type Ping struct {
	ID        uint64
	TrackerID uint64

	Lat float64
	Lon float64

	AccuracyM *float64
	SpeedMS   *float64
	HeadingD  *float64
	AltitudeM *float64
	Battery   *float64
	Charging  *bool

	DeviceAt   *time.Time
	ReceivedAt time.Time
}

// AuditLogEntry is the only artifact that outlives a retention purge.
type AuditLogEntry struct {
	ID           uint64
	ShipmentRef  string
	PingsDeleted int64
	StopsDeleted int64
	PurgedAt     time.Time
}

type StopInput struct {
	OrderRef     string
	CustomerName string
	Address      string
	City         string
	Sequence     *int32
}

type TrackerCreateInput struct {
	ShipmentRef string
	Stops       []StopInput
}

type PingSample struct {
	Lat float64
	Lon float64

	AccuracyM *float64
	SpeedMS   *float64
	HeadingD  *float64
	AltitudeM *float64
	Battery   *float64
	Charging  *bool

	DeviceAt *time.Time
}
