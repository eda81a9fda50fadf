package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/platform/obs"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig selects the object store that keeps archived routes.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func (c MinIOConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("minio credentials are required")
	}
	if c.Bucket == "" {
		return errors.New("minio bucket is required")
	}
	return nil
}

// MinIOArchive stores one JSON document per route under routes/{id}.json.
type MinIOArchive struct {
	client *minio.Client
	bucket string
	region string
}

func NewMinIOArchive(cfg MinIOConfig) (*MinIOArchive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("minio archive: %w", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio archive: new client: %w", err)
	}
	return &MinIOArchive{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the archive bucket if it does not exist.
func (a *MinIOArchive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("archive bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("archive make bucket %q: %w", a.bucket, err)
	}
	return nil
}

func (a *MinIOArchive) ArchiveRoute(ctx context.Context, route *domain.Route) (err error) {
	defer obs.Time(ctx, "archive.ArchiveRoute")(&err)

	payload, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("archive route %q: encode: %w", route.RouteID, err)
	}

	_, err = a.client.PutObject(ctx, a.bucket, ObjectKey(route.RouteID),
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"route-version": fmt.Sprintf("%d", route.Version),
				"route-status":  string(route.Status),
			},
		})
	if err != nil {
		return fmt.Errorf("archive route %q: put object: %w", route.RouteID, err)
	}
	return nil
}

func (a *MinIOArchive) LoadRoute(ctx context.Context, routeID string) (_ *domain.Route, err error) {
	defer obs.Time(ctx, "archive.LoadRoute")(&err)

	obj, err := a.client.GetObject(ctx, a.bucket, ObjectKey(routeID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("load archived route %q: %w", routeID, mapNotFound(err))
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("load archived route %q: %w", routeID, mapNotFound(err))
	}

	var r domain.Route
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("load archived route %q: decode: %w", routeID, err)
	}
	return &r, nil
}

// ObjectKey is the object name of an archived route.
func ObjectKey(routeID string) string { return "routes/" + routeID + ".json" }

func mapNotFound(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return domain.ErrNotFound
	}
	return err
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
