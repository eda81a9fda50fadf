package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"delivery-route-ledger/internal/api/dto"
	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/ports"
	"delivery-route-ledger/internal/services"
)

type RouteHandler struct {
	Routes    *services.RouteService
	Optimizer ports.Optimizer
	Now       func() time.Time
}

func (h *RouteHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *RouteHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := services.ListFilter{
		Status: domain.RouteStatus(q.Get("status")),
		Actor:  q.Get("actor"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown status")
		return
	}
	if v := q.Get("pending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "pending must be a boolean")
			return
		}
		filter.PendingOnly = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}

	routes, err := h.Routes.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	res := dto.ListRoutesResponse{Routes: make([]dto.RouteResponse, 0, len(routes))}
	for _, route := range routes {
		res.Routes = append(res.Routes, dto.NewRouteResponse(route))
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (h *RouteHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateRouteRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Actor == "" {
		req.Actor = actorFrom(r)
	}

	route, err := h.Routes.Create(r.Context(), services.CreateRouteInput{
		RouteID:          req.RouteID,
		Stops:            req.Stops,
		TotalDistanceKm:  req.TotalDistanceKm,
		TotalDurationMin: req.TotalDurationMin,
		Actor:            req.Actor,
	}, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, dto.NewRouteResponse(route))
}

// Optimize orders stops with the configured optimizer and optionally stores
// the result as a new route.
func (h *RouteHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	var req dto.OptimizeRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	in := domain.OptimizeRequest{
		Depot: domain.Waypoint{
			ID:       req.Depot.ID,
			Location: domain.Coordinates{Lon: req.Depot.Lon, Lat: req.Depot.Lat},
		},
		Stops:         make([]domain.Waypoint, 0, len(req.Stops)),
		ReturnToDepot: req.ReturnToDepot,
	}
	for _, s := range req.Stops {
		in.Stops = append(in.Stops, domain.Waypoint{ID: s.ID, Location: domain.Coordinates{Lon: s.Lon, Lat: s.Lat}})
	}

	out, err := h.Optimizer.Optimize(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	res := dto.OptimizeResponse{
		OrderedStops:     out.OrderedStops,
		TotalDistanceKm:  out.TotalDistanceKm,
		TotalDurationMin: out.TotalDurationMin,
	}
	if !req.Create {
		writeJSON(w, r, http.StatusOK, res)
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = actorFrom(r)
	}
	route, err := h.Routes.Create(r.Context(), services.CreateRouteInput{
		Stops:            out.OrderedStops,
		TotalDistanceKm:  out.TotalDistanceKm,
		TotalDurationMin: out.TotalDurationMin,
		Actor:            actor,
	}, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	rr := dto.NewRouteResponse(route)
	res.Route = &rr
	writeJSON(w, r, http.StatusCreated, res)
}

func (h *RouteHandler) Get(w http.ResponseWriter, r *http.Request) {
	route, err := h.Routes.Get(r.Context(), chi.URLParam(r, "routeID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto.NewRouteResponse(route))
}

func (h *RouteHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req dto.TransitionRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	route, ok := h.load(w, r, req.Version)
	if !ok {
		return
	}

	route, err := h.Routes.Transition(r.Context(), route, actorFrom(r), req.Status, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto.NewRouteResponse(route))
}

func (h *RouteHandler) StartStop(w http.ResponseWriter, r *http.Request) {
	var req dto.VersionRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	route, ok := h.load(w, r, req.Version)
	if !ok {
		return
	}

	route, err := h.Routes.StartStop(r.Context(), route, actorFrom(r), chi.URLParam(r, "stopID"), h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto.NewRouteResponse(route))
}

func (h *RouteHandler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	var req dto.ConfirmDeliveryRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	route, ok := h.load(w, r, req.Version)
	if !ok {
		return
	}

	route, err := h.Routes.ConfirmDelivery(r.Context(), route, actorFrom(r), chi.URLParam(r, "stopID"), req.Outcome, req.Note, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto.NewRouteResponse(route))
}

func (h *RouteHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req dto.VersionRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	route, ok := h.load(w, r, req.Version)
	if !ok {
		return
	}

	route, err := h.Routes.Complete(r.Context(), route, actorFrom(r), h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto.NewRouteResponse(route))
}

func (h *RouteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var version int64
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "version must be a positive integer")
			return
		}
		version = n
	}
	route, ok := h.load(w, r, version)
	if !ok {
		return
	}

	if err := h.Routes.Delete(r.Context(), route, actorFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RouteHandler) RetryAnchor(w http.ResponseWriter, r *http.Request) {
	st, err := h.Routes.RetryAnchor(r.Context(), chi.URLParam(r, "routeID"), actorFrom(r), h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, st)
}

// load reads the route named in the path. A non-zero expected version must
// match the stored one.
func (h *RouteHandler) load(w http.ResponseWriter, r *http.Request, expected int64) (*domain.Route, bool) {
	route, err := h.Routes.Get(r.Context(), chi.URLParam(r, "routeID"))
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if expected != 0 && expected != route.Version {
		writeServiceError(w, r, fmt.Errorf("route is at version %d, not %d: %w",
			route.Version, expected, domain.ErrConcurrentModification))
		return nil, false
	}
	return route, true
}
