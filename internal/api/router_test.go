package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"delivery-route-ledger/internal/adapters/distance"
	"delivery-route-ledger/internal/adapters/ledger"
	"delivery-route-ledger/internal/adapters/queue"
	"delivery-route-ledger/internal/adapters/store"
	"delivery-route-ledger/internal/anchor"
	"delivery-route-ledger/internal/api/dto"
	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/services"
)

type apiEnv struct {
	handler http.Handler
	store   *store.MemoryStore
	worker  *anchor.Worker
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(time.Minute)
	l := ledger.NewMemoryLedger()
	now := func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) }

	verifier := services.NewVerifier(st, st, l).WithQueue(q)
	worker := anchor.NewWorker(anchor.NewClient(l, time.Second), q, st, st, nil, anchor.WorkerConfig{})
	worker.Now = now

	return &apiEnv{
		handler: NewRouter(Deps{
			Routes:    services.NewRouteService(st, st, q, services.OwnerPolicy{}, services.RouteServiceConfig{}),
			Verifier:  verifier,
			Optimizer: services.NewNearestNeighborOptimizer(distance.NewHaversineProvider()),
			Now:       now,
		}),
		store:  st,
		worker: worker,
	}
}

func (e *apiEnv) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		n, err := e.worker.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
		if n == 0 {
			return
		}
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	e := newAPIEnv(t)
	rec := e.do(t, http.MethodGet, "/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestRouteLifecycleOverHTTP(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/routes", "", dto.CreateRouteRequest{
		RouteID:          "route-1",
		Stops:            []string{"s1", "s2"},
		TotalDistanceKm:  8.25,
		TotalDurationMin: 31,
		Actor:            "driver-1",
	})
	expectStatus(t, rec, http.StatusCreated)
	created := decode[dto.RouteResponse](t, rec)
	if created.Version != 1 || created.Status != domain.RouteStatusOptimized || !created.PendingAnchor {
		t.Fatalf("created = %+v", created)
	}

	for _, status := range []domain.RouteStatus{domain.RouteStatusAssigned, domain.RouteStatusInProgress} {
		rec = e.do(t, http.MethodPost, "/routes/route-1/transition", "driver-1", dto.TransitionRequest{Status: status})
		expectStatus(t, rec, http.StatusOK)
	}
	e.drain(t)

	rec = e.do(t, http.MethodGet, "/routes/route-1/verify", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if v := decode[dto.VerificationResponse](t, rec); !v.Verified {
		t.Fatalf("verify = %+v", v)
	}

	rec = e.do(t, http.MethodPost, "/routes/route-1/stops/s1/confirm", "driver-1",
		dto.ConfirmDeliveryRequest{Outcome: domain.DeliveryDelivered, Note: "signed", Version: 3})
	expectStatus(t, rec, http.StatusOK)

	rec = e.do(t, http.MethodGet, "/routes/route-1/verify", "", nil)
	v := decode[dto.VerificationResponse](t, rec)
	if v.Verified || v.Detail != "pending anchor, 1 unanchored mutation" {
		t.Fatalf("verify pending = %+v", v)
	}
	if v.ComputedFingerprint == "" || v.LedgerFingerprint == "" {
		t.Fatalf("verify response must carry both fingerprints: %+v", v)
	}

	rec = e.do(t, http.MethodPost, "/routes/route-1/complete", "driver-1", nil)
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	rec = e.do(t, http.MethodPost, "/routes/route-1/stops/s2/start", "driver-1", nil)
	expectStatus(t, rec, http.StatusOK)
	rec = e.do(t, http.MethodPost, "/routes/route-1/stops/s2/confirm", "driver-1",
		dto.ConfirmDeliveryRequest{Outcome: domain.DeliveryFailed})
	expectStatus(t, rec, http.StatusOK)

	rec = e.do(t, http.MethodPost, "/routes/route-1/complete", "driver-1", nil)
	expectStatus(t, rec, http.StatusOK)
	done := decode[dto.RouteResponse](t, rec)
	if done.Status != domain.RouteStatusCompleted || done.CompletedCount != 1 {
		t.Fatalf("completed = %+v", done)
	}

	e.drain(t)
	rec = e.do(t, http.MethodGet, "/routes/route-1/anchor", "", nil)
	expectStatus(t, rec, http.StatusOK)
	st := decode[services.AnchorStatus](t, rec)
	if st.Pending || st.Ledger == nil || st.Ledger.StatusLabel != "completed" {
		t.Fatalf("anchor status = %+v", st)
	}

	rec = e.do(t, http.MethodPost, "/routes/route-1/transition", "driver-1", dto.TransitionRequest{Status: domain.RouteStatusCancelled})
	expectStatus(t, rec, http.StatusConflict)
}

func TestErrorMapping(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/routes", "driver-1", dto.CreateRouteRequest{RouteID: "r", Stops: []string{"a", "b"}})
	expectStatus(t, rec, http.StatusCreated)

	tests := []struct {
		name   string
		method string
		path   string
		actor  string
		body   any
		want   int
	}{
		{"unknown route", http.MethodGet, "/routes/nope", "", nil, http.StatusNotFound},
		{"wrong actor", http.MethodPost, "/routes/r/transition", "intruder", dto.TransitionRequest{Status: domain.RouteStatusAssigned}, http.StatusForbidden},
		{"illegal edge", http.MethodPost, "/routes/r/transition", "driver-1", dto.TransitionRequest{Status: domain.RouteStatusInProgress}, http.StatusConflict},
		{"stale version", http.MethodPost, "/routes/r/transition", "driver-1", dto.TransitionRequest{Status: domain.RouteStatusAssigned, Version: 7}, http.StatusConflict},
		{"not in progress", http.MethodPost, "/routes/r/stops/a/confirm", "driver-1", dto.ConfirmDeliveryRequest{Outcome: domain.DeliveryDelivered}, http.StatusUnprocessableEntity},
		{"single stop", http.MethodPost, "/routes", "driver-1", dto.CreateRouteRequest{Stops: []string{"a"}}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/routes", "driver-1", map[string]any{"stopz": 1}, http.StatusBadRequest},
		{"bad list filter", http.MethodGet, "/routes?status=lost", "", nil, http.StatusBadRequest},
		{"verify unknown", http.MethodGet, "/routes/nope/verify", "", nil, http.StatusNotFound},
		{"retry healthy anchor", http.MethodPost, "/routes/r/anchor/retry", "driver-1", nil, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, e.do(t, tt.method, tt.path, tt.actor, tt.body), tt.want)
		})
	}
}

func TestVerifyReportsTampering(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/routes", "driver-1", dto.CreateRouteRequest{RouteID: "r", Stops: []string{"a", "b"}})
	expectStatus(t, rec, http.StatusCreated)
	e.drain(t)

	r, err := e.store.GetRoute(context.Background(), "r")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	r.Stops[0].Status = domain.DeliveryDelivered
	e.store.ReplaceRoute(r)

	rec = e.do(t, http.MethodGet, "/routes/r/verify", "", nil)
	expectStatus(t, rec, http.StatusOK)
	v := decode[dto.VerificationResponse](t, rec)
	if v.Verified || v.Outcome != domain.OutcomeDivergence || v.Detail != "unexplained divergence" {
		t.Fatalf("verify = %+v", v)
	}
	if v.ComputedFingerprint == v.LedgerFingerprint {
		t.Fatalf("fingerprints should differ: %+v", v)
	}
}

func TestOptimizeAndCreate(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/routes/optimize", "driver-2", dto.OptimizeRequest{
		Depot: dto.WaypointRequest{ID: "hub", Lon: -112.10, Lat: 33.45},
		Stops: []dto.WaypointRequest{
			{ID: "far", Lon: -112.30, Lat: 33.60},
			{ID: "near", Lon: -112.11, Lat: 33.46},
		},
		Create: true,
	})
	expectStatus(t, rec, http.StatusCreated)
	res := decode[dto.OptimizeResponse](t, rec)
	if len(res.OrderedStops) != 2 || res.OrderedStops[0] != "near" {
		t.Fatalf("ordered = %v", res.OrderedStops)
	}
	if res.Route == nil || res.Route.Actor != "driver-2" || len(res.Route.Stops) != 2 {
		t.Fatalf("route = %+v", res.Route)
	}

	rec = e.do(t, http.MethodGet, "/routes?actor=driver-2&pending=true", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[dto.ListRoutesResponse](t, rec); len(list.Routes) != 1 {
		t.Fatalf("list = %+v", list)
	}
}

func TestDeleteRoute(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/routes", "driver-1", dto.CreateRouteRequest{RouteID: "r", Stops: []string{"a", "b"}})
	expectStatus(t, rec, http.StatusCreated)

	expectStatus(t, e.do(t, http.MethodDelete, "/routes/r?version=2", "driver-1", nil), http.StatusConflict)
	expectStatus(t, e.do(t, http.MethodDelete, "/routes/r", "intruder", nil), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodDelete, "/routes/r?version=1", "driver-1", nil), http.StatusNoContent)
	expectStatus(t, e.do(t, http.MethodGet, "/routes/r", "", nil), http.StatusNotFound)
}
