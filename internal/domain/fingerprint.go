package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// FingerprintSize is the digest length in bytes (SHA-256).
const FingerprintSize = 32

// Fingerprint is a fixed-size digest of a canonically encoded route snapshot.
type Fingerprint [FingerprintSize]byte

func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// Hex returns the 0x-prefixed lowercase hex form used on the wire and in logs.
func (f Fingerprint) Hex() string { return "0x" + hex.EncodeToString(f[:]) }

// Short returns the first 6 bytes in hex for compact operator output.
func (f Fingerprint) Short() string { return hex.EncodeToString(f[:6]) }

func (f Fingerprint) String() string { return f.Hex() }

func (f Fingerprint) MarshalText() ([]byte, error) { return []byte(f.Hex()), nil }

func (f *Fingerprint) UnmarshalText(b []byte) error {
	parsed, err := ParseFingerprint(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFingerprint accepts a 64-character hex digest with or without 0x prefix.
func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("parse fingerprint: %w", err)
	}
	if len(b) != FingerprintSize {
		return Fingerprint{}, fmt.Errorf("parse fingerprint: length %d, want %d", len(b), FingerprintSize)
	}
	var f Fingerprint
	copy(f[:], b)
	return f, nil
}
