package archive

import (
	"context"
	"errors"
	"testing"

	"delivery-route-ledger/internal/domain"

	"github.com/minio/minio-go/v7"
)

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("r-1"); got != "routes/r-1.json" {
		t.Fatalf("ObjectKey = %q, want routes/r-1.json", got)
	}
}

func TestMapNotFound(t *testing.T) {
	err := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	if !errors.Is(mapNotFound(err), domain.ErrNotFound) {
		t.Fatalf("NoSuchKey not mapped to ErrNotFound")
	}
	other := minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}
	if errors.Is(mapNotFound(other), domain.ErrNotFound) {
		t.Fatalf("AccessDenied mapped to ErrNotFound")
	}
}

func TestMinIOConfigValidate(t *testing.T) {
	if err := (MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "routes"}).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := (MinIOConfig{Endpoint: "localhost:9000"}).Validate(); err == nil {
		t.Fatalf("missing credentials accepted")
	}
}

func TestMemoryArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchive()

	if _, err := a.LoadRoute(ctx, "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("load missing err = %v", err)
	}
	r := &domain.Route{RouteID: "r1", Version: 4, Status: domain.RouteStatusCompleted}
	if err := a.ArchiveRoute(ctx, r); err != nil {
		t.Fatalf("archive: %v", err)
	}
	r.Version = 99

	got, err := a.LoadRoute(ctx, "r1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != 4 {
		t.Fatalf("version = %d, want 4", got.Version)
	}
}
