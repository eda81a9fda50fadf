package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/services"
)

func TestGetFallback(t *testing.T) {
	t.Setenv("CFG_TEST_BLANK", "  ")
	if got := Get("CFG_TEST_BLANK", "fallback"); got != "fallback" {
		t.Fatalf("Get() = %q, want fallback", got)
	}
	t.Setenv("CFG_TEST_SET", "value")
	if got := Get("CFG_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("Get() = %q, want value", got)
	}
}

func TestTypedGetters(t *testing.T) {
	t.Setenv("CFG_INT", "7")
	t.Setenv("CFG_DUR", "250ms")
	t.Setenv("CFG_BOOL", "true")

	if n, err := Int("CFG_INT", 1); err != nil || n != 7 {
		t.Fatalf("Int() = %d, %v; want 7", n, err)
	}
	if d, err := Duration("CFG_DUR", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("Duration() = %v, %v; want 250ms", d, err)
	}
	if b, err := Bool("CFG_BOOL", false); err != nil || !b {
		t.Fatalf("Bool() = %v, %v; want true", b, err)
	}
	if d, err := Duration("CFG_UNSET_DURATION", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("Duration() default = %v, %v", d, err)
	}

	t.Setenv("CFG_BAD", "nope")
	if _, err := Int("CFG_BAD", 1); err == nil {
		t.Fatalf("Int() expected error")
	}
	if _, err := Duration("CFG_BAD", time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
	if _, err := Bool("CFG_BAD", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"STORE_BACKEND", "LEDGER_BACKEND", "QUEUE_BACKEND", "ROUTE_MIN_STOPS", "ROUTE_MAX_STOPS", "ARCHIVE_ENABLED", "ORS_PROFILE", "LEG_CACHE_MAX_AGE"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	if cfg.StoreBackend != BackendMemory || cfg.LedgerBackend != BackendMemory || cfg.QueueBackend != BackendMemory {
		t.Fatalf("backends = %s/%s/%s, want memory", cfg.StoreBackend, cfg.LedgerBackend, cfg.QueueBackend)
	}
	if cfg.Routes.MinStops != 2 || cfg.Routes.MaxStops != 20 {
		t.Fatalf("stop bounds = %d..%d, want 2..20", cfg.Routes.MinStops, cfg.Routes.MaxStops)
	}
	if cfg.Worker.Backoff.Horizon != 24*time.Hour {
		t.Fatalf("horizon = %v, want 24h", cfg.Worker.Backoff.Horizon)
	}
	if cfg.ORSProfile != "driving-car" || cfg.LegCacheMaxAge != 30*24*time.Hour {
		t.Fatalf("ors = %q/%v, want driving-car/720h", cfg.ORSProfile, cfg.LegCacheMaxAge)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"ANCHOR_BACKOFF_BASE": "soon",
		"STORE_BACKEND":       "mongo",
		"LEDGER_BACKEND":      "ethereum",
		"ROUTE_MAX_STOPS":     "1",
		"ARCHIVE_ENABLED":     "true",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			t.Setenv("ETH_RPC_URL", "")
			t.Setenv("MINIO_ENDPOINT", "")
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s: expected error", key, value)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(`
admins: [ops]
dispatchers: [disp]
dispatcher_actions: [retry_anchor]
actor_keys:
  driver-1: "0xabc"
`))
	if err != nil {
		t.Fatalf("ParsePolicy() err = %v", err)
	}
	route := &domain.Route{RouteID: "r1", Actor: "driver-1"}

	if err := p.Authorization.Authorize("disp", domain.ActionRetryAnchor, route); err != nil {
		t.Fatalf("dispatcher retry refused: %v", err)
	}
	if err := p.Authorization.Authorize("disp", domain.ActionTransition, route); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("dispatcher transition: err = %v, want ErrForbidden", err)
	}
	if p.ActorKeys["driver-1"] != "0xabc" {
		t.Fatalf("actor keys = %v", p.ActorKeys)
	}

	if _, err := ParsePolicy([]byte("dispatcher_actions: [fly]\n")); err == nil {
		t.Fatalf("unknown action accepted")
	}
	if _, err := ParsePolicy([]byte("admin: [typo]\n")); err == nil {
		t.Fatalf("unknown field accepted")
	}
}

func TestLoadPolicyFile(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy(\"\") err = %v", err)
	}
	if _, ok := p.Authorization.(services.OwnerPolicy); !ok {
		t.Fatalf("default policy = %T, want OwnerPolicy", p.Authorization)
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("admins: [ops]\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err = LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy() err = %v", err)
	}
	if err := p.Authorization.Authorize("ops", domain.ActionDelete, &domain.Route{Actor: "x"}); err != nil {
		t.Fatalf("admin refused: %v", err)
	}
}
