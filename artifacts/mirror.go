package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig configures the object-storage mirror.
type MinIOConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Enabled reports whether a mirror endpoint is configured.
func (c MinIOConfig) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// Validate checks the fields required to reach the bucket.
func (c MinIOConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("access key and secret key are required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// MinIOMirror copies published artifacts to an S3-compatible bucket
// under <prefix>/<producer>/<name>.
type MinIOMirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOMirror connects to the bucket, creating it if it is missing.
// Object keys start with prefix.
func NewMinIOMirror(ctx context.Context, cfg MinIOConfig, prefix string) (*MinIOMirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid minio config: %w", err)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIOMirror{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Upload copies the sealed artifact file at filePath to the bucket.
func (m *MinIOMirror) Upload(ctx context.Context, ref Ref, filePath string) error {
	uploadContext, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	_, err := m.client.FPutObject(uploadContext, m.bucket, m.ObjectKey(ref), filePath, minio.PutObjectOptions{
		ContentType:  contentType(ref.Name),
		UserMetadata: map[string]string{"digest": ref.Digest},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", ref, err)
	}
	return nil
}

// ObjectKey returns the bucket key an artifact is mirrored to.
func (m *MinIOMirror) ObjectKey(ref Ref) string {
	return path.Join(m.prefix, ref.Producer, ref.Name)
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".xml"):
		return "application/xml"
	case strings.HasSuffix(name, ".log"), strings.HasSuffix(name, ".txt"):
		return "text/plain"
	}
	return "application/octet-stream"
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

// Scoped returns a mirror sharing m's client that writes under prefix,
// nested in m's own prefix.
func (m *MinIOMirror) Scoped(prefix string) *MinIOMirror {
	return &MinIOMirror{client: m.client, bucket: m.bucket, prefix: path.Join(m.prefix, prefix)}
}
