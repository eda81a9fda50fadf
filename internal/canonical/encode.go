// Package canonical produces the byte-exact encoding of a route snapshot and
// its fingerprint. Encoding is a pure function of the snapshot: no I/O, no
// clock reads, no randomness.
//
// Schema 1 layout (JSON, no insignificant whitespace, keys in this order):
//
//	{"schema":1,"route_id":S,"status":S,"actor":S,
//	 "total_distance_km":D,"total_duration_min":D,"completed_count":N,
//	 "stops":[{"stop_id":S,"status":S},...]}
//
// S is an NFC-normalised UTF-8 string with trailing whitespace removed,
// written with encoding/json string escaping. That escaping is part of
// schema 1: "<", ">" and "&" are written as \u003c, \u003e and \u0026, and
// U+2028 and U+2029 as \u2028 and \u2029. Other non-ASCII text is written
// as raw UTF-8. D is a decimal string rounded half away from zero to 3
// fractional digits. Stops keep route order.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"delivery-route-ledger/internal/domain"

	"golang.org/x/text/unicode/norm"
)

// SchemaVersion is the current encoding schema. Changing the layout or the
// numeric precision requires a new schema version.
const SchemaVersion = 1

const numericPrecision = 3

var ErrUnsupportedSchema = errors.New("canonical: unsupported schema version")

// Encoder encodes snapshots at a fixed schema version.
type Encoder struct {
	schema int
}

func NewEncoder(schema int) (*Encoder, error) {
	if schema != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, schema)
	}
	return &Encoder{schema: schema}, nil
}

func (e *Encoder) Schema() int { return e.schema }

// Encode returns the canonical bytes of route.
func (e *Encoder) Encode(route *domain.Route) ([]byte, error) {
	if route == nil {
		return nil, errors.New("canonical encode: route is nil")
	}

	var b bytes.Buffer
	b.WriteString(`{"schema":`)
	b.WriteString(strconv.Itoa(e.schema))

	fields := []struct {
		key   string
		value string
	}{
		{"route_id", route.RouteID},
		{"status", string(route.Status)},
		{"actor", route.Actor},
	}
	for _, f := range fields {
		if err := writeStringField(&b, f.key, f.value); err != nil {
			return nil, fmt.Errorf("canonical encode: %w", err)
		}
	}

	if err := writeDecimalField(&b, "total_distance_km", route.TotalDistanceKm); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	if err := writeDecimalField(&b, "total_duration_min", route.TotalDurationMin); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}

	b.WriteString(`,"completed_count":`)
	b.WriteString(strconv.Itoa(route.CompletedCount))

	b.WriteString(`,"stops":[`)
	for i, s := range route.Stops {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('{')
		if err := writeString(&b, "stop_id", s.StopID); err != nil {
			return nil, fmt.Errorf("canonical encode: stop %d: %w", i, err)
		}
		if err := writeStringField(&b, "status", string(s.Status)); err != nil {
			return nil, fmt.Errorf("canonical encode: stop %d: %w", i, err)
		}
		b.WriteByte('}')
	}
	b.WriteString("]}")

	return b.Bytes(), nil
}

// Fingerprint returns SHA-256 over the canonical bytes of route.
func (e *Encoder) Fingerprint(route *domain.Route) (domain.Fingerprint, error) {
	encoded, err := e.Encode(route)
	if err != nil {
		return domain.Fingerprint{}, err
	}
	return domain.Fingerprint(sha256.Sum256(encoded)), nil
}

var defaultEncoder = &Encoder{schema: SchemaVersion}

// Encode encodes route at the current schema version.
func Encode(route *domain.Route) ([]byte, error) { return defaultEncoder.Encode(route) }

// Fingerprint fingerprints route at the current schema version.
func Fingerprint(route *domain.Route) (domain.Fingerprint, error) {
	return defaultEncoder.Fingerprint(route)
}

// FingerprintAt fingerprints route at the schema version it records.
// A zero schema version is read as the current one.
func FingerprintAt(route *domain.Route) (domain.Fingerprint, error) {
	if route == nil {
		return domain.Fingerprint{}, errors.New("canonical fingerprint: route is nil")
	}
	schema := route.SchemaVersion
	if schema == 0 {
		schema = SchemaVersion
	}
	enc, err := NewEncoder(schema)
	if err != nil {
		return domain.Fingerprint{}, err
	}
	return enc.Fingerprint(route)
}

func writeStringField(b *bytes.Buffer, key, value string) error {
	b.WriteByte(',')
	return writeString(b, key, value)
}

func writeString(b *bytes.Buffer, key, value string) error {
	s, err := normalizeString(value)
	if err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	b.WriteByte('"')
	b.WriteString(key)
	b.WriteString(`":`)
	b.Write(encoded)
	return nil
}

func writeDecimalField(b *bytes.Buffer, key string, v float64) error {
	d, err := formatDecimal(v)
	if err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	b.WriteString(`,"`)
	b.WriteString(key)
	b.WriteString(`":"`)
	b.WriteString(d)
	b.WriteByte('"')
	return nil
}

func normalizeString(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", errors.New("invalid utf-8")
	}
	return strings.TrimRightFunc(norm.NFC.String(s), unicode.IsSpace), nil
}

func formatDecimal(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("non-finite number %v", v)
	}
	scale := math.Pow10(numericPrecision)
	r := math.Round(v*scale) / scale
	if r == 0 {
		// collapse negative zero
		r = 0
	}
	return strconv.FormatFloat(r, 'f', numericPrecision, 64), nil
}
