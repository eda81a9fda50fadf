package distance

import (
	"context"
	"fmt"
	"sync/atomic"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/ports"
)

type MockPair struct {
	From, To domain.Coordinates
	Meters   int
	Seconds  int
}

// MockDistanceProvider serves fixed pairs. Missing pairs are errors so tests
// notice when the optimizer asks for a leg they did not expect.
type MockDistanceProvider struct {
	m     map[[2]string]ports.Leg
	calls atomic.Int64
}

func NewMockDistanceProvider(pairs []MockPair) *MockDistanceProvider {
	m := make(map[[2]string]ports.Leg, len(pairs))
	for _, p := range pairs {
		m[[2]string{p.From.Key(), p.To.Key()}] = ports.Leg{DistanceMeters: p.Meters, DurationSeconds: p.Seconds}
	}
	return &MockDistanceProvider{m: m}
}

// Symmetric adds the reverse of every pair.
func Symmetric(pairs []MockPair) []MockPair {
	out := make([]MockPair, 0, 2*len(pairs))
	for _, p := range pairs {
		out = append(out, p, MockPair{From: p.To, To: p.From, Meters: p.Meters, Seconds: p.Seconds})
	}
	return out
}

// Calls returns the number of Legs requests served.
func (p *MockDistanceProvider) Calls() int64 { return p.calls.Load() }

func (p *MockDistanceProvider) Legs(ctx context.Context, origin domain.Coordinates, destinations []domain.Coordinates) ([]ports.Leg, error) {
	p.calls.Add(1)
	legs := make([]ports.Leg, len(destinations))
	for i, d := range destinations {
		if d.Key() == origin.Key() {
			continue
		}
		leg, ok := p.m[[2]string{origin.Key(), d.Key()}]
		if !ok {
			return nil, fmt.Errorf("missing pair %s -> %s", origin.Key(), d.Key())
		}
		legs[i] = leg
	}
	return legs, nil
}
