package domain

import (
	"fmt"
	"time"
)

type VerificationOutcome string

const (
	OutcomeVerified      VerificationOutcome = "verified"
	OutcomePendingAnchor VerificationOutcome = "pending_anchor"
	OutcomeAnchorFailed  VerificationOutcome = "anchor_failed"
	OutcomeNeverAnchored VerificationOutcome = "never_anchored"
	OutcomeDivergence    VerificationOutcome = "divergence"
	OutcomeMissingRoute  VerificationOutcome = "missing_route"
)

const (
	DetailVerified      = "verified"
	DetailNeverAnchored = "never anchored"
	DetailDivergence    = "unexplained divergence"
	DetailMissingRoute  = "live route missing"
)

// VerificationResult reports whether the live route matches its ledger anchor.
// Computed and Ledger are always populated when available so operators can
// tell a stale ledger from a tampered document without redoing the work.
type VerificationResult struct {
	RouteID             string              `json:"route_id"`
	Verified            bool                `json:"verified"`
	Outcome             VerificationOutcome `json:"outcome"`
	Detail              string              `json:"detail"`
	Computed            Fingerprint         `json:"computed_fingerprint"`
	Ledger              Fingerprint         `json:"ledger_fingerprint"`
	LiveVersion         int64               `json:"live_version"`
	MatchedVersion      int64               `json:"matched_version,omitempty"`
	UnanchoredMutations int64               `json:"unanchored_mutations,omitempty"`
	Source              string              `json:"source"`
	CheckedAt           time.Time           `json:"checked_at"`
}

// Tampered reports the tamper signal: a divergence no local history explains.
func (v VerificationResult) Tampered() bool {
	return v.Outcome == OutcomeDivergence || v.Outcome == OutcomeMissingRoute
}

func (v VerificationResult) String() string {
	return fmt.Sprintf("route=%s verified=%t detail=%q computed=%s ledger=%s",
		v.RouteID, v.Verified, v.Detail, shortOrNone(v.Computed), shortOrNone(v.Ledger))
}

// PendingDetail formats the lag between the live store and the ledger.
func PendingDetail(prefix string, n int64) string {
	noun := "mutations"
	if n == 1 {
		noun = "mutation"
	}
	return fmt.Sprintf("%s, %d unanchored %s", prefix, n, noun)
}

func shortOrNone(f Fingerprint) string {
	if f.IsZero() {
		return "none"
	}
	return f.Short()
}
