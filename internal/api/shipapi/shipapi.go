package shipapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/services/proximity"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/services/tracking"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// Service is what the HTTP layer needs from the tracking service.
type Service interface {
	Issue(ctx context.Context, in models.TrackerCreateInput) (*tracking.IssueResult, error)
	RecordConsent(ctx context.Context, token, sourceIP, userAgent string) (*models.ShipmentTracker, []*models.DeliveryStop, error)
	IngestPing(ctx context.Context, token string, sample models.PingSample) (*tracking.PingOutcome, error)
	ConfirmDelivery(ctx context.Context, token string, stopID uint64, lat, lon float64, proofRef string) (*models.DeliveryStop, error)
	FailStop(ctx context.Context, shipmentRef string, stopID uint64, reason string) (*models.DeliveryStop, error)
	Cancel(ctx context.Context, shipmentRef, reason string) (*models.ShipmentTracker, error)
	GetSnapshot(ctx context.Context, shipmentRef string) (tracking.Snapshot, error)
	RecentPings(ctx context.Context, shipmentRef string, limit, offset int) ([]*models.Ping, error)
	RetryGeocode(ctx context.Context, shipmentRef string, stopID uint64) (*models.DeliveryStop, error)
	ConsentQR(ctx context.Context, shipmentRef string, size int) ([]byte, error)
}

type ShipAPI struct {
	svc Service
}

func New(svc Service) *ShipAPI {
	return &ShipAPI{svc: svc}
}

// Routes mounts the driver and dispatcher surface under /v1.
func (a *ShipAPI) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/driver/consent", a.consent)
		r.Post("/driver/ping", a.ping)
		r.Post("/driver/stops/{stopID}/confirm", a.confirm)

		r.Post("/trackers", a.create)
		r.Get("/trackers/{shipmentRef}", a.snapshot)
		r.Get("/trackers/{shipmentRef}/pings", a.pings)
		r.Get("/trackers/{shipmentRef}/qr.png", a.qr)
		r.Post("/trackers/{shipmentRef}/cancel", a.cancel)
		r.Post("/trackers/{shipmentRef}/stops/{stopID}/fail", a.failStop)
		r.Post("/trackers/{shipmentRef}/stops/{stopID}/geocode", a.retryGeocode)
	})
}

type createRequest struct {
	ShipmentRef string        `json:"shipmentRef"`
	Stops       []stopRequest `json:"stops"`
}

type stopRequest struct {
	OrderRef     string `json:"orderRef"`
	CustomerName string `json:"customerName"`
	Address      string `json:"address"`
	City         string `json:"city"`
	Sequence     *int32 `json:"sequence"`
}

type createResponse struct {
	ShipmentRef string         `json:"shipmentRef"`
	Status      string         `json:"status"`
	Token       string         `json:"token"`
	ConsentURL  string         `json:"consentUrl"`
	Stops       []stopResponse `json:"stops"`
}

type stopResponse struct {
	ID           uint64   `json:"id"`
	OrderRef     string   `json:"orderRef"`
	CustomerName string   `json:"customerName"`
	Address      string   `json:"address"`
	City         string   `json:"city"`
	Status       string   `json:"status"`
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	GeocodeError *string  `json:"geocodeError,omitempty"`
}

func toStopResponse(d *models.DeliveryStop) stopResponse {
	return stopResponse{
		ID:           d.ID,
		OrderRef:     d.OrderRef,
		CustomerName: d.CustomerName,
		Address:      d.Address,
		City:         d.City,
		Status:       string(d.Status),
		Lat:          d.Lat,
		Lon:          d.Lon,
		GeocodeError: d.GeocodeError,
	}
}

func (a *ShipAPI) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	in := models.TrackerCreateInput{ShipmentRef: req.ShipmentRef}
	for _, s := range req.Stops {
		in.Stops = append(in.Stops, models.StopInput{
			OrderRef:     s.OrderRef,
			CustomerName: s.CustomerName,
			Address:      s.Address,
			City:         s.City,
			Sequence:     s.Sequence,
		})
	}

	res, err := a.svc.Issue(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := createResponse{
		ShipmentRef: res.Tracker.ShipmentRef,
		Status:      string(res.Tracker.Status),
		Token:       res.Tracker.Token,
		ConsentURL:  res.ConsentURL,
	}
	for _, d := range res.Stops {
		out.Stops = append(out.Stops, toStopResponse(d))
	}
	writeJSON(w, http.StatusCreated, out)
}

type consentRequest struct {
	Token string `json:"token"`
}

func (a *ShipAPI) consent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	t, stops, err := a.svc.RecordConsent(r.Context(), req.Token, clientIP(r), r.UserAgent())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := struct {
		ShipmentRef string         `json:"shipmentRef"`
		Status      string         `json:"status"`
		Stops       []stopResponse `json:"stops"`
	}{ShipmentRef: t.ShipmentRef, Status: string(t.Status)}
	for _, d := range stops {
		out.Stops = append(out.Stops, toStopResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

type pingRequest struct {
	Token string  `json:"token"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`

	AccuracyM *float64   `json:"accuracyM"`
	SpeedMS   *float64   `json:"speedMs"`
	HeadingD  *float64   `json:"headingDeg"`
	AltitudeM *float64   `json:"altitudeM"`
	Battery   *float64   `json:"battery"`
	Charging  *bool      `json:"charging"`
	DeviceAt  *time.Time `json:"deviceTimestamp"`
}

type nearbyStop struct {
	StopID    uint64  `json:"stopId"`
	OrderRef  string  `json:"orderRef"`
	Status    string  `json:"status"`
	DistanceM float64 `json:"distanceM"`
}

type pingResponse struct {
	Status          string       `json:"status"`
	Nearby          []nearbyStop `json:"nearby"`
	PingIntervalSec int          `json:"pingIntervalSec"`
}

func (a *ShipAPI) ping(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	out, err := a.svc.IngestPing(r.Context(), req.Token, models.PingSample{
		Lat:       req.Lat,
		Lon:       req.Lon,
		AccuracyM: req.AccuracyM,
		SpeedMS:   req.SpeedMS,
		HeadingD:  req.HeadingD,
		AltitudeM: req.AltitudeM,
		Battery:   req.Battery,
		Charging:  req.Charging,
		DeviceAt:  req.DeviceAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pingResponse{
		Status:          string(out.Status),
		Nearby:          toNearby(out.Nearby),
		PingIntervalSec: out.PingIntervalSec,
	})
}

func toNearby(cands []proximity.Candidate) []nearbyStop {
	out := make([]nearbyStop, 0, len(cands))
	for _, c := range cands {
		out = append(out, nearbyStop{
			StopID:    c.Stop.ID,
			OrderRef:  c.Stop.OrderRef,
			Status:    string(c.Stop.Status),
			DistanceM: c.DistanceM,
		})
	}
	return out
}

type confirmRequest struct {
	Token    string  `json:"token"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	ProofRef string  `json:"proofRef"`
}

func (a *ShipAPI) confirm(w http.ResponseWriter, r *http.Request) {
	stopID, ok := parseID(w, chi.URLParam(r, "stopID"))
	if !ok {
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	d, err := a.svc.ConfirmDelivery(r.Context(), req.Token, stopID, req.Lat, req.Lon, req.ProofRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := struct {
		stopResponse
		ConfirmDistanceM *float64 `json:"confirmDistanceM,omitempty"`
	}{stopResponse: toStopResponse(d), ConfirmDistanceM: d.ConfirmDistanceM}
	writeJSON(w, http.StatusOK, out)
}

func (a *ShipAPI) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.svc.GetSnapshot(r.Context(), chi.URLParam(r, "shipmentRef"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type pingItem struct {
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	AccuracyM  *float64 `json:"accuracyM,omitempty"`
	SpeedMS    *float64 `json:"speedMs,omitempty"`
	ReceivedAt string   `json:"receivedAt"`
}

func (a *ShipAPI) pings(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	pings, err := a.svc.RecentPings(r.Context(), chi.URLParam(r, "shipmentRef"), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]pingItem, 0, len(pings))
	for _, p := range pings {
		items = append(items, pingItem{
			Lat:        p.Lat,
			Lon:        p.Lon,
			AccuracyM:  p.AccuracyM,
			SpeedMS:    p.SpeedMS,
			ReceivedAt: p.ReceivedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Pings []pingItem `json:"pings"`
	}{Pings: items})
}

func (a *ShipAPI) qr(w http.ResponseWriter, r *http.Request) {
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size <= 0 {
		size = 512
	}

	png, err := a.svc.ConsentQR(r.Context(), chi.URLParam(r, "shipmentRef"), size)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (a *ShipAPI) cancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	t, err := a.svc.Cancel(r.Context(), chi.URLParam(r, "shipmentRef"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ShipmentRef string `json:"shipmentRef"`
		Status      string `json:"status"`
	}{ShipmentRef: t.ShipmentRef, Status: string(t.Status)})
}

func (a *ShipAPI) failStop(w http.ResponseWriter, r *http.Request) {
	stopID, ok := parseID(w, chi.URLParam(r, "stopID"))
	if !ok {
		return
	}
	var req reasonRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	d, err := a.svc.FailStop(r.Context(), chi.URLParam(r, "shipmentRef"), stopID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStopResponse(d))
}

func (a *ShipAPI) retryGeocode(w http.ResponseWriter, r *http.Request) {
	stopID, ok := parseID(w, chi.URLParam(r, "stopID"))
	if !ok {
		return
	}

	d, err := a.svc.RetryGeocode(r.Context(), chi.URLParam(r, "shipmentRef"), stopID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStopResponse(d))
}

func parseID(w http.ResponseWriter, raw string) (uint64, bool) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid stop id")
		return 0, false
	}
	return id, true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

// writeDomainError maps service sentinels onto HTTP statuses. Unknown
// errors never leak their text to the driver side.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidOrExpiredToken):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, models.ErrShipmentNotFound),
		errors.Is(err, models.ErrStopNotFound),
		errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrAlreadyTracked):
		writeError(w, http.StatusConflict, "shipment is already tracked")
	case errors.Is(err, models.ErrAlreadyConsented):
		writeError(w, http.StatusConflict, "consent already recorded")
	case errors.Is(err, models.ErrNotActive):
		writeError(w, http.StatusConflict, "tracking is not active")
	case errors.Is(err, models.ErrStopClosed):
		writeError(w, http.StatusConflict, "stop is already closed")
	case errors.Is(err, models.ErrTooFarToConfirm):
		writeError(w, http.StatusConflict, "too far from the stop to confirm")
	case errors.Is(err, models.ErrInvalidCoordinates):
		writeError(w, http.StatusBadRequest, "coordinates out of range")
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many pings, slow down")
	case errors.Is(err, models.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "geocoding provider unavailable")
	default:
		slog.Error("internal error", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
