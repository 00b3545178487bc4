package reporting

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ethereum-optimism/infra/op-starter/runner"
)

// LocalPublisher copies artifacts to <Root>/<artifactPath>/<artifactName>.
type LocalPublisher struct {
	Root string
}

var _ runner.ArtifactPublisher = (*LocalPublisher)(nil)

func (p *LocalPublisher) PublishArtifact(ctx context.Context, source, artifactPath, artifactName string) error {
	if _, err := os.Stat(source); os.IsNotExist(err) {
		return nil
	}
	dst := filepath.Join(p.Root, artifactPath, artifactName)
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.CopyFS(dst, os.DirFS(source))
}

// MinioConfig describes an S3 compatible artifact bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	// Prefix is prepended to every object key.
	Prefix string
	UseSSL bool
}

func (c MinioConfig) Check() error {
	if c.Endpoint == "" {
		return fmt.Errorf("minio endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("minio bucket is required")
	}
	return nil
}

// MinioPublisher uploads artifacts to an object store.
type MinioPublisher struct {
	client *minio.Client
	cfg    MinioConfig
	log    log.Logger
}

var _ runner.ArtifactPublisher = (*MinioPublisher)(nil)

func NewMinioPublisher(ctx context.Context, cfg MinioConfig, logger log.Logger) (*MinioPublisher, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
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
	return &MinioPublisher{client: client, cfg: cfg, log: logger.New("component", "minio-publisher")}, nil
}

func (p *MinioPublisher) PublishArtifact(ctx context.Context, source, artifactPath, artifactName string) error {
	if _, err := os.Stat(source); os.IsNotExist(err) {
		return nil
	}
	uploaded := 0
	err := filepath.WalkDir(source, func(file string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(source, file)
		if err != nil {
			return err
		}
		key := objectKey(p.cfg.Prefix, artifactPath, artifactName, rel)
		if _, err := p.client.FPutObject(ctx, p.cfg.Bucket, key, file, minio.PutObjectOptions{}); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	p.log.Debug("Published artifact", "artifact", artifactName, "objects", uploaded)
	return err
}

// URL is the object store location of an artifact.
func (p *MinioPublisher) URL(artifactPath, artifactName string) string {
	scheme := "http"
	if p.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, p.cfg.Endpoint, p.cfg.Bucket, objectKey(p.cfg.Prefix, artifactPath, artifactName, ""))
}

func objectKey(prefix, artifactPath, artifactName, rel string) string {
	return path.Join(prefix, filepath.ToSlash(artifactPath), artifactName, filepath.ToSlash(rel))
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
		ExpectContinueTimeout: time.Second,
	}
}
