package distance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/platform/obs"
	"delivery-route-ledger/internal/ports"
)

// ORSDistanceProvider prices legs with the OpenRouteService matrix API. One
// optimizer step is one matrix row: the current location against every stop
// still to visit. Rows are read through the leg cache when one is set.
//
// The provider is safe for concurrent use.
type ORSDistanceProvider struct {
	session *http.Client
	apiKey  string
	baseURL string
	profile string
	legs    ports.LegCache
}

func NewORSDistanceProvider(apiKey string, legs ports.LegCache) (*ORSDistanceProvider, error) {
	if apiKey == "" {
		return nil, errors.New("ORS api key is empty")
	}

	return &ORSDistanceProvider{
		session: &http.Client{Timeout: 10 * time.Second},
		apiKey:  apiKey,
		baseURL: "https://api.openrouteservice.org",
		profile: "driving-car",
		legs:    legs,
	}, nil
}

// WithBaseURL points the provider at another ORS deployment.
func (o *ORSDistanceProvider) WithBaseURL(baseURL string) *ORSDistanceProvider {
	o.baseURL = strings.TrimRight(baseURL, "/")
	return o
}

// WithProfile selects the ORS routing profile, e.g. "driving-hgv".
func (o *ORSDistanceProvider) WithProfile(profile string) *ORSDistanceProvider {
	if profile != "" {
		o.profile = profile
	}
	return o
}

func (o *ORSDistanceProvider) Legs(
	ctx context.Context,
	origin domain.Coordinates,
	destinations []domain.Coordinates,
) (_ []ports.Leg, err error) {
	defer obs.Time(ctx, "ors.legs")(&err)

	if !origin.Valid() {
		return nil, fmt.Errorf("ors legs: origin %s: %w", origin.Key(), domain.ErrInvalidRoute)
	}

	// Stops sharing a location are priced once.
	out := make([]ports.Leg, len(destinations))
	slots := make(map[string][]int, len(destinations))
	var wanted []domain.Coordinates
	for i, d := range destinations {
		if !d.Valid() {
			return nil, fmt.Errorf("ors legs: destination %s: %w", d.Key(), domain.ErrInvalidRoute)
		}
		k := d.Key()
		if k == origin.Key() {
			continue
		}
		if _, ok := slots[k]; !ok {
			wanted = append(wanted, d)
		}
		slots[k] = append(slots[k], i)
	}
	fill := func(d domain.Coordinates, leg ports.Leg) {
		for _, i := range slots[d.Key()] {
			out[i] = leg
		}
	}

	if len(wanted) > 0 && o.legs != nil {
		cached, err := o.legs.Lookup(ctx, o.profile, origin, wanted)
		if err != nil {
			return nil, fmt.Errorf("ors legs: cache: %w", err)
		}
		misses := wanted[:0:0]
		for i, d := range wanted {
			if cached[i] == nil {
				misses = append(misses, d)
				continue
			}
			fill(d, *cached[i])
		}
		wanted = misses
	}
	if len(wanted) == 0 {
		return out, nil
	}

	fetched, err := o.matrixRow(ctx, origin, wanted)
	if err != nil {
		return nil, fmt.Errorf("ors legs from %s: %w", origin.Key(), err)
	}
	if o.legs != nil {
		if err := o.legs.Store(ctx, o.profile, origin, wanted, fetched); err != nil {
			log.Printf("req_id=%s leg cache write failed: %v", obs.RequestID(ctx), err)
		}
	}
	for i, d := range wanted {
		fill(d, fetched[i])
	}
	return out, nil
}

type matrixRequest struct {
	Locations    [][2]float64 `json:"locations"`
	Sources      []int        `json:"sources"`
	Destinations []int        `json:"destinations"`
	Metrics      []string     `json:"metrics"`
}

type matrixResponse struct {
	Distances [][]*float64 `json:"distances"`
	Durations [][]*float64 `json:"durations"`
}

// matrixRow asks for the single row origin -> destinations. Location 0 is the
// origin; destination i is location i+1.
func (o *ORSDistanceProvider) matrixRow(ctx context.Context, origin domain.Coordinates, destinations []domain.Coordinates) ([]ports.Leg, error) {
	req := matrixRequest{
		Locations:    make([][2]float64, 0, len(destinations)+1),
		Sources:      []int{0},
		Destinations: make([]int, len(destinations)),
		Metrics:      []string{"distance", "duration"},
	}
	req.Locations = append(req.Locations, [2]float64{origin.Lon, origin.Lat})
	for i, d := range destinations {
		req.Locations = append(req.Locations, [2]float64{d.Lon, d.Lat})
		req.Destinations[i] = i + 1
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("matrix request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/matrix/%s", o.baseURL, o.profile)
	resp, err := o.doWithRetry(ctx, func() (*http.Request, error) {
		return o.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	})
	if err != nil {
		return nil, fmt.Errorf("matrix request: %w", err)
	}
	defer resp.Body.Close()

	var mr matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("matrix response: %w", err)
	}
	if len(mr.Distances) != 1 || len(mr.Durations) != 1 ||
		len(mr.Distances[0]) != len(destinations) || len(mr.Durations[0]) != len(destinations) {
		return nil, fmt.Errorf("matrix response: want 1x%d row", len(destinations))
	}

	legs := make([]ports.Leg, len(destinations))
	for i, d := range destinations {
		meters, seconds := mr.Distances[0][i], mr.Durations[0][i]
		if meters == nil || seconds == nil {
			return nil, fmt.Errorf("matrix response: no road to %s: %w", d.Key(), domain.ErrInvalidRoute)
		}
		legs[i] = ports.Leg{
			DistanceMeters:  int(math.Round(*meters)),
			DurationSeconds: int(math.Round(*seconds)),
		}
	}
	return legs, nil
}
