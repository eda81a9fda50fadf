package canonical

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"delivery-route-ledger/internal/domain"
)

func baseRoute() *domain.Route {
	return &domain.Route{
		RouteID:          "route-1",
		SchemaVersion:    SchemaVersion,
		Status:           domain.RouteStatusOptimized,
		Actor:            "driver-7",
		TotalDistanceKm:  12.3456,
		TotalDurationMin: 45.5,
		CompletedCount:   1,
		Version:          3,
		Stops: []domain.Stop{
			{StopID: "a", Status: domain.DeliveryDelivered},
			{StopID: "b", Status: domain.DeliveryPending},
		},
	}
}

func TestEncodeGolden(t *testing.T) {
	want := `{"schema":1,"route_id":"route-1","status":"optimized","actor":"driver-7",` +
		`"total_distance_km":"12.346","total_duration_min":"45.500","completed_count":1,` +
		`"stops":[{"stop_id":"a","status":"delivered"},{"stop_id":"b","status":"pending"}]}`

	got, err := Encode(baseRoute())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != want {
		t.Fatalf("encode mismatch\n got: %s\nwant: %s", got, want)
	}

	fp, err := Fingerprint(baseRoute())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.Hex() != "0x0fb42e2989ebdae964e8a9beb4141ccfbb6937f17c85605966894824e99d75ec" {
		t.Fatalf("fingerprint = %s", fp.Hex())
	}
	if fp != domain.Fingerprint(sha256.Sum256([]byte(want))) {
		t.Fatalf("fingerprint is not sha256 of the canonical bytes")
	}
}

func TestFingerprintDeterministicAcrossEncoders(t *testing.T) {
	a, err := NewEncoder(SchemaVersion)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := NewEncoder(SchemaVersion)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := baseRoute()
	fa1, _ := a.Fingerprint(r)
	fa2, _ := a.Fingerprint(r)
	fb, _ := b.Fingerprint(r.Clone())
	if fa1 != fa2 || fa1 != fb {
		t.Fatalf("fingerprints differ: %s %s %s", fa1, fa2, fb)
	}
}

func TestFingerprintIgnoresDocumentKeyOrder(t *testing.T) {
	docA := `{"route_id":"route-1","status":"optimized","actor":"driver-7","version":3,
		"total_distance_km":12.3456,"total_duration_min":45.5,"completed_count":1,
		"stops":[{"stop_id":"a","status":"delivered"},{"stop_id":"b","status":"pending"}]}`
	docB := `{"stops":[{"status":"delivered","stop_id":"a"},{"status":"pending","stop_id":"b"}],
		"completed_count":1,"total_duration_min":45.5,"total_distance_km":12.3456,
		"version":3,"actor":"driver-7","status":"optimized","route_id":"route-1"}`

	var ra, rb domain.Route
	if err := json.Unmarshal([]byte(docA), &ra); err != nil {
		t.Fatalf("decode a: %v", err)
	}
	if err := json.Unmarshal([]byte(docB), &rb); err != nil {
		t.Fatalf("decode b: %v", err)
	}

	fa, _ := Fingerprint(&ra)
	fb, _ := Fingerprint(&rb)
	if fa != fb {
		t.Fatalf("key order changed fingerprint: %s vs %s", fa, fb)
	}
}

func TestFingerprintIgnoresOperationalFields(t *testing.T) {
	r := baseRoute()
	before, _ := Fingerprint(r)

	r.Version = 99
	r.Stops[0].Note = "left with concierge"
	r.PendingAnchor = true
	after, _ := Fingerprint(r)

	if before != after {
		t.Fatalf("operational fields changed the fingerprint")
	}
}

func TestEncodeNormalizesStrings(t *testing.T) {
	a := baseRoute()
	a.Actor = "Jos\u00e9"
	b := baseRoute()
	b.Actor = "Jose\u0301 \t"

	fa, _ := Fingerprint(a)
	fb, _ := Fingerprint(b)
	if fa != fb {
		t.Fatalf("NFC-equivalent actors with trailing whitespace produced different fingerprints")
	}

	bad := baseRoute()
	bad.Actor = string([]byte{0xff, 0xfe})
	if _, err := Encode(bad); err == nil {
		t.Fatalf("expected error for invalid utf-8")
	}
}

func TestEncodeEscapesMarkupCharacters(t *testing.T) {
	r := baseRoute()
	r.Actor = "A<&>B\u2028é"
	r.Stops = r.Stops[:1]

	got, err := Encode(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"schema":1,"route_id":"route-1","status":"optimized","actor":"A\u003c\u0026\u003eB\u2028é",` +
		`"total_distance_km":"12.346","total_duration_min":"45.500","completed_count":1,` +
		`"stops":[{"stop_id":"a","status":"delivered"}]}`
	if string(got) != want {
		t.Fatalf("encode mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestEncodeNumericPrecision(t *testing.T) {
	a := baseRoute()
	a.TotalDistanceKm = 12.3464
	b := baseRoute()
	b.TotalDistanceKm = 12.3456
	fa, _ := Fingerprint(a)
	fb, _ := Fingerprint(b)
	if fa != fb {
		t.Fatalf("values equal at 3 decimals produced different fingerprints")
	}

	z := baseRoute()
	z.TotalDistanceKm = math.Copysign(0, -1)
	p := baseRoute()
	p.TotalDistanceKm = 0
	fz, _ := Fingerprint(z)
	fp, _ := Fingerprint(p)
	if fz != fp {
		t.Fatalf("negative zero changed the fingerprint")
	}

	n := baseRoute()
	n.TotalDurationMin = math.NaN()
	if _, err := Encode(n); err == nil {
		t.Fatalf("expected error for NaN duration")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base, _ := Fingerprint(baseRoute())

	perturbations := map[string]func(r *domain.Route){
		"route id":              func(r *domain.Route) { r.RouteID = "route-2" },
		"route id case":         func(r *domain.Route) { r.RouteID = "Route-1" },
		"status assigned":       func(r *domain.Route) { r.Status = domain.RouteStatusAssigned },
		"status in progress":    func(r *domain.Route) { r.Status = domain.RouteStatusInProgress },
		"status cancelled":      func(r *domain.Route) { r.Status = domain.RouteStatusCancelled },
		"actor":                 func(r *domain.Route) { r.Actor = "driver-8" },
		"actor empty":           func(r *domain.Route) { r.Actor = "" },
		"distance +1m":          func(r *domain.Route) { r.TotalDistanceKm += 0.001 },
		"distance -1m":          func(r *domain.Route) { r.TotalDistanceKm -= 0.001 },
		"distance large":        func(r *domain.Route) { r.TotalDistanceKm = 1234.5 },
		"duration":              func(r *domain.Route) { r.TotalDurationMin = 45.501 },
		"duration zero":         func(r *domain.Route) { r.TotalDurationMin = 0 },
		"completed count":       func(r *domain.Route) { r.CompletedCount = 2 },
		"completed count zero":  func(r *domain.Route) { r.CompletedCount = 0 },
		"stop 0 failed":         func(r *domain.Route) { r.Stops[0].Status = domain.DeliveryFailed },
		"stop 0 pending":        func(r *domain.Route) { r.Stops[0].Status = domain.DeliveryPending },
		"stop 1 delivered":      func(r *domain.Route) { r.Stops[1].Status = domain.DeliveryDelivered },
		"stop 1 in transit":     func(r *domain.Route) { r.Stops[1].Status = domain.DeliveryInTransit },
		"stop 0 id":             func(r *domain.Route) { r.Stops[0].StopID = "c" },
		"stop order":            func(r *domain.Route) { r.Stops[0], r.Stops[1] = r.Stops[1], r.Stops[0] },
		"stop appended":         func(r *domain.Route) { r.Stops = append(r.Stops, domain.Stop{StopID: "c", Status: domain.DeliveryPending}) },
		"stop removed":          func(r *domain.Route) { r.Stops = r.Stops[:1] },
		"stop id boundary":      func(r *domain.Route) { r.Stops[0].StopID = "a\",\"status" },
		"actor trailing symbol": func(r *domain.Route) { r.Actor = "driver-7." },
	}

	seen := map[domain.Fingerprint]string{base: "base"}
	for name, mutate := range perturbations {
		r := baseRoute()
		mutate(r)
		fp, err := Fingerprint(r)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if prev, ok := seen[fp]; ok {
			t.Errorf("%s: fingerprint collides with %s", name, prev)
		}
		seen[fp] = name
	}
}

func TestFingerprintAtUnsupportedSchema(t *testing.T) {
	r := baseRoute()
	r.SchemaVersion = 7
	_, err := FingerprintAt(r)
	if !errors.Is(err, ErrUnsupportedSchema) {
		t.Fatalf("err = %v, want ErrUnsupportedSchema", err)
	}

	r.SchemaVersion = 0
	got, err := FingerprintAt(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := Fingerprint(baseRoute())
	if got != want {
		t.Fatalf("zero schema did not fall back to current schema")
	}
}
