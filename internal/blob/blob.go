// Package blob stores generated review reports in S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"postwork/api/internal/logger"
)

const defaultLinkTTL = 15 * time.Minute

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	LinkTTL   time.Duration
}

// Store uploads objects to one bucket and hands out presigned download links.
type Store struct {
	client  *minio.Client
	bucket  string
	linkTTL time.Duration
	log     *logger.Logger
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("blob endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob bucket is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		linkTTL: ttl,
		log:     log.Component("blob"),
	}, nil
}

// Put uploads data under key and returns a presigned GET URL for it.
func (s *Store) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	link, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.linkTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Int("bytes", len(data)).Msg("object stored")
	return link.String(), nil
}

// ReportKey is the object key of a version's review report.
func ReportKey(projectID string, versionSeq int64, filename string, at time.Time) string {
	return path.Join("reports", projectID, fmt.Sprintf("v%d", versionSeq), at.UTC().Format("20060102T150405Z")+"-"+path.Base(filename))
}
