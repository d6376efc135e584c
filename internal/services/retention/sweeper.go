package retention

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/broker/messages"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	PurgeShipment(ctx context.Context, shipmentRef string, now time.Time) (*models.AuditLogEntry, error)
	ExpireStaleConsent(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Sweeper runs the retention purge on a schedule. Each expired shipment is
// purged in its own transaction, so one failure never blocks the rest of
// the batch.
type Sweeper struct {
	repo     Repository
	producer Producer

	topic string

	sweepInterval time.Duration
	batchSize     int

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastSweepUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalExpired        atomic.Int64
	totalConsentExpired atomic.Int64
	totalPurged         atomic.Int64
	totalPingsDeleted   atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, producer Producer, topic string) *Sweeper {
	return &Sweeper{
		repo:          repo,
		producer:      producer,
		topic:         topic,
		sweepInterval: time.Hour,
		batchSize:     100,
		triggerCh:     make(chan struct{}, 1),

		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Sweeper) WithSettings(sweepInterval time.Duration, batchSize int) *Sweeper {
	if sweepInterval > 0 {
		s.sweepInterval = sweepInterval
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	return s
}

// Trigger forces an immediate sweep (best-effort, non-blocking).
func (s *Sweeper) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt           time.Time  `json:"startedAt"`
	LastSweepAt         *time.Time `json:"lastSweepAt,omitempty"`
	LastTriggerAt       *time.Time `json:"lastTriggerAt,omitempty"`
	TotalExpired        int64      `json:"totalExpired"`
	TotalConsentExpired int64      `json:"totalConsentExpired"`
	TotalPurged         int64      `json:"totalPurged"`
	TotalPingsDeleted   int64      `json:"totalPingsDeleted"`
	TotalErrors         int64      `json:"totalErrors"`
	LastError           string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		StartedAt:           time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalExpired:        s.totalExpired.Load(),
		TotalConsentExpired: s.totalConsentExpired.Load(),
		TotalPurged:         s.totalPurged.Load(),
		TotalPingsDeleted:   s.totalPingsDeleted.Load(),
		TotalErrors:         s.totalErrors.Load(),
	}
	if n := s.lastSweepUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastSweepAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	s.lastSweepUnixNano.Store(now.UnixNano())

	s.expireStaleConsent(ctx, now)

	refs, err := s.repo.ListExpired(ctx, now, s.batchSize)
	if err != nil {
		slog.Error("list expired shipments", "error", err.Error())
		s.recordError(err)
		return
	}
	s.totalExpired.Add(int64(len(refs)))
	if len(refs) == 0 {
		return
	}
	slog.Info("retention sweep", "expired", len(refs))

	for _, ref := range refs {
		if err := s.purgeOne(ctx, ref, now); err != nil {
			s.totalErrors.Add(1)
			s.recordError(err)
			slog.Error("purge shipment", "shipment_ref", ref, "error", err.Error())
		}
	}
}

// expireStaleConsent closes trackers the driver never consented to before
// the token ran out. They stay in the store until the retention deadline,
// so the dispatcher can still see what happened.
func (s *Sweeper) expireStaleConsent(ctx context.Context, now time.Time) {
	refs, err := s.repo.ExpireStaleConsent(ctx, now, s.batchSize)
	if err != nil {
		slog.Error("expire stale consent", "error", err.Error())
		s.recordError(err)
		return
	}
	if len(refs) == 0 {
		return
	}
	s.totalConsentExpired.Add(int64(len(refs)))
	slog.Info("consent tokens expired", "count", len(refs))

	for _, ref := range refs {
		s.publish(ctx, messages.ShipmentUpdated{
			ShipmentRef: ref,
			Event:       messages.EventExpired,
			Status:      string(models.ShipmentExpired),
			OccurredAt:  now,
		})
	}
}

func (s *Sweeper) purgeOne(ctx context.Context, shipmentRef string, now time.Time) error {
	entry, err := s.repo.PurgeShipment(ctx, shipmentRef, now)
	if err != nil {
		return err
	}
	if entry == nil {
		// Другой инстанс успел раньше.
		return nil
	}

	s.totalPurged.Add(1)
	s.totalPingsDeleted.Add(entry.PingsDeleted)
	slog.Info("shipment purged",
		"shipment_ref", shipmentRef,
		"pings_deleted", entry.PingsDeleted,
		"stops_deleted", entry.StopsDeleted)

	return s.publish(ctx, messages.ShipmentUpdated{
		ShipmentRef:  shipmentRef,
		Event:        messages.EventPurged,
		OccurredAt:   entry.PurgedAt,
		PingsDeleted: &entry.PingsDeleted,
	})
}

func (s *Sweeper) publish(ctx context.Context, msg messages.ShipmentUpdated) error {
	if s.producer == nil {
		return nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}
	// Kafka может быть не готова сразу после старта docker compose.
	var pubErr error
	for i := 0; i < 10; i++ {
		if pubErr = s.producer.Publish(ctx, s.topic, []byte(msg.ShipmentRef), b); pubErr == nil {
			break
		}
		time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
	}
	return pubErr
}

func (s *Sweeper) recordError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}
