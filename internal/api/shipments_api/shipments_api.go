package shipments_api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/services/relay"
	"github.com/BearBump/ShipTrack/internal/services/shipments"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type ShipmentService interface {
	Upsert(ctx context.Context, in models.ShipmentInput) (*models.Shipment, models.UpsertResult, error)
	MarkDelivered(ctx context.Context, ref string) (*models.Shipment, error)
	ListShipments(ctx context.Context) ([]*models.Shipment, error)
	TrackByRef(ctx context.Context, ref string, limit int) (*shipments.Tracking, error)
	TrackBySeq(ctx context.Context, seq int, limit int) (*shipments.Tracking, error)
}

type LocationRelay interface {
	Record(ctx context.Context, ref string, lat, lon float64) (*models.LocationPing, error)
	History(ctx context.Context, ref string, limit int) ([]*models.LocationPing, error)
	Subscribe(ref string) *relay.Subscription
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type ShipmentsAPI struct {
	svc   ShipmentService
	relay LocationRelay

	rl                 RateLimiter
	locationsPerMinute int64
}

func New(svc ShipmentService, rl LocationRelay) *ShipmentsAPI {
	return &ShipmentsAPI{svc: svc, relay: rl}
}

// WithRateLimit caps POST /locations per shipment ref and minute.
func (a *ShipmentsAPI) WithRateLimit(rl RateLimiter, perMinute int64) *ShipmentsAPI {
	a.rl = rl
	a.locationsPerMinute = perMinute
	return a
}

func (a *ShipmentsAPI) Register(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/shipments", a.listShipments)
	r.Post("/shipments", a.upsertShipment)
	r.Post("/shipments/{ref}/delivered", a.markDelivered)

	r.Get("/track/{ref}", a.trackByRef)
	r.Get("/track-seq/{seq}", a.trackBySeq)

	r.Post("/locations", a.recordLocation)
	r.Get("/locations/{ref}", a.locationHistory)

	r.Get("/ws", a.serveWS)
}

// Handler is a standalone router for tests and small deployments.
func (a *ShipmentsAPI) Handler() http.Handler {
	r := chi.NewRouter()
	a.Register(r)
	return r
}

type upsertRequest struct {
	RefCode            string `json:"ref_code"`
	Status             string `json:"status"`
	DestinationAddress string `json:"destination_address"`
	TrackingSeq        *int   `json:"tracking_seq,omitempty"`
}

type upsertResponse struct {
	Result   models.UpsertResult `json:"result"`
	Shipment *models.Shipment    `json:"shipment"`
}

func (a *ShipmentsAPI) upsertShipment(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	sh, res, err := a.svc.Upsert(r.Context(), models.ShipmentInput{
		RefCode:            req.RefCode,
		Status:             req.Status,
		DestinationAddress: req.DestinationAddress,
		TrackingSeq:        req.TrackingSeq,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	code := http.StatusOK
	if res == models.UpsertCreated {
		code = http.StatusCreated
	}
	writeJSON(w, code, upsertResponse{Result: res, Shipment: sh})
}

func (a *ShipmentsAPI) markDelivered(w http.ResponseWriter, r *http.Request) {
	sh, err := a.svc.MarkDelivered(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, upsertResponse{Result: models.UpsertUpdated, Shipment: sh})
}

func (a *ShipmentsAPI) listShipments(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.ListShipments(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *ShipmentsAPI) trackByRef(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	tr, err := a.svc.TrackByRef(r.Context(), chi.URLParam(r, "ref"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (a *ShipmentsAPI) trackBySeq(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", "seq must be an integer")
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	tr, err := a.svc.TrackBySeq(r.Context(), seq, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

type locationRequest struct {
	ShipmentRef string   `json:"shipment_ref"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
}

func (a *ShipmentsAPI) recordLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Lat == nil || req.Lon == nil {
		writeDomainError(w, errors.Wrap(models.ErrMissingFields, "lat, lon"))
		return
	}

	if a.rl != nil && a.locationsPerMinute > 0 && req.ShipmentRef != "" {
		key := fmt.Sprintf("rl:api:loc:%s:%s", req.ShipmentRef, time.Now().UTC().Format("200601021504"))
		allowed, _, err := a.rl.Allow(r.Context(), key, a.locationsPerMinute, 70*time.Second)
		if err != nil {
			slog.Warn("rate limiter", "error", err.Error())
		} else if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many location pings for "+req.ShipmentRef)
			return
		}
	}

	p, err := a.relay.Record(r.Context(), req.ShipmentRef, *req.Lat, *req.Lon)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *ShipmentsAPI) locationHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	out, err := a.relay.History(r.Context(), chi.URLParam(r, "ref"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_param", "limit must be a non-negative integer")
		return 0, false
	}
	if n > relay.MaxHistoryLimit {
		n = relay.MaxHistoryLimit
	}
	return n, true
}
