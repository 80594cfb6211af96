package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cabhaggle/internal/dispatch/domain"
	"github.com/example/cabhaggle/internal/dispatch/service"
)

// Fleet stores cab profiles.
type Fleet interface {
	Put(ctx context.Context, cab domain.Cab) error
}

// HTTP exposes dispatch operations as JSON endpoints.
type HTTP struct {
	svc       *service.Service
	fleet     Fleet
	positions domain.LocationIndex
	live      http.Handler
	logger    *zap.Logger
}

// NewHTTP constructs a handler. live serves the session feed and may be nil.
func NewHTTP(svc *service.Service, fleet Fleet, positions domain.LocationIndex, live http.Handler, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, fleet: fleet, positions: positions, live: live, logger: logger}
}

// Router builds the chi router. Extra middlewares run after the standard ones.
func (h *HTTP) Router(mws ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(mws...)
	r.Post("/v1/riders/{riderID}/cabs", h.requestCabs)
	r.Post("/v1/riders/{riderID}/sessions", h.selectCab)
	r.Get("/v1/sessions/{id}", h.getSession)
	if h.live != nil {
		r.Get("/v1/sessions/{id}/live", h.live.ServeHTTP)
	}
	r.Post("/v1/sessions/{id}/actions", h.advance)
	r.Post("/v1/sessions/{id}/complete", h.completeTrip)
	r.Post("/v1/sessions/{id}/ratings", h.rate)
	r.Get("/v1/ratings/{party}/{subjectID}", h.aggregate)
	r.Put("/v1/fleet/{cabID}", h.putCab)
	r.Delete("/v1/fleet/{cabID}/position", h.removePosition)
	return r
}

type requestCabsRequest struct {
	Location *domain.GeoPoint `json:"location"`
}

type candidatesResponse struct {
	Candidates []domain.Candidate `json:"candidates"`
}

func (h *HTTP) requestCabs(w http.ResponseWriter, r *http.Request) {
	var payload requestCabsRequest
	if !decode(w, r, &payload) {
		return
	}
	cabs, err := h.svc.RequestCabs(r.Context(), chi.URLParam(r, "riderID"), payload.Location)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, candidatesResponse{Candidates: cabs})
}

func (h *HTTP) selectCab(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CabID string `json:"cab_id"`
	}
	if !decode(w, r, &payload) {
		return
	}
	sess, err := h.svc.SelectCab(r.Context(), chi.URLParam(r, "riderID"), payload.CabID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *HTTP) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.Session(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *HTTP) advance(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var action service.Action
	if !decode(w, r, &action) {
		return
	}
	sess, err := h.svc.AdvanceNegotiation(r.Context(), id, action)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *HTTP) completeTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.CompleteTrip(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *HTTP) rate(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Direction domain.Direction `json:"direction"`
		Stars     int              `json:"stars"`
	}
	if !decode(w, r, &payload) {
		return
	}
	rating, err := h.svc.Rate(r.Context(), id, payload.Direction, payload.Stars)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func (h *HTTP) aggregate(w http.ResponseWriter, r *http.Request) {
	subject := domain.SubjectRef{
		Party: domain.Party(chi.URLParam(r, "party")),
		ID:    chi.URLParam(r, "subjectID"),
	}
	agg, err := h.svc.Aggregate(r.Context(), subject)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

type putCabRequest struct {
	Name      string           `json:"name"`
	BasePrice float64          `json:"base_price"`
	Position  *domain.GeoPoint `json:"position,omitempty"`
}

func (h *HTTP) putCab(w http.ResponseWriter, r *http.Request) {
	var payload putCabRequest
	if !decode(w, r, &payload) {
		return
	}
	cab := domain.Cab{ID: chi.URLParam(r, "cabID"), Name: payload.Name, BasePrice: payload.BasePrice}
	if err := h.fleet.Put(r.Context(), cab); err != nil {
		h.fail(w, r, err)
		return
	}
	if payload.Position != nil {
		if err := h.positions.UpsertDriver(r.Context(), cab.ID, *payload.Position); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, cab)
}

func (h *HTTP) removePosition(w http.ResponseWriter, r *http.Request) {
	if err := h.positions.RemoveDriver(r.Context(), chi.URLParam(r, "cabID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrNoLocation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrDuplicateRating):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
