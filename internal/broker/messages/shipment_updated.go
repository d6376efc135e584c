package messages

import "time"

const (
	EventConsentRecorded = "CONSENT_RECORDED"
	EventPingAccepted    = "PING_ACCEPTED"
	EventStopDelivered   = "STOP_DELIVERED"
	EventStopFailed      = "STOP_FAILED"
	EventCancelled       = "CANCELLED"
	EventCompleted       = "COMPLETED"
	EventExpired         = "EXPIRED"
	EventPurged          = "PURGED"
)

// ShipmentUpdated is published after every committed transition and after
// every retention purge. Consumers must not assume ordering across
// shipments; the key is the shipment ref, so one shipment stays in order.
type ShipmentUpdated struct {
	ShipmentRef string    `json:"shipment_ref"`
	Event       string    `json:"event"`
	Status      string    `json:"status,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`

	StopID *uint64 `json:"stop_id,omitempty"`

	// Только для PURGED.
	PingsDeleted *int64 `json:"pings_deleted,omitempty"`
}
