// Package blob archives checkpoint content snapshots in S3-compatible
// object storage. The audit log row keeps the canonical copy; the archive
// exists so full document content can be purged from Postgres on retention
// schedules without losing the signed record.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store writes content snapshots keyed by document and lock token.
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore connects to the object store. Returns nil if the endpoint is
// unreachable: callers proceed without archival, matching how other optional
// services degrade.
func NewStore(ctx context.Context, cfg Config) *Store {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Printf("blob: object store unavailable at %s: %v", cfg.Endpoint, err)
		return nil
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		log.Printf("blob: bucket check failed for %s: %v", cfg.Bucket, err)
		return nil
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			log.Printf("blob: create bucket %s: %v", cfg.Bucket, err)
			return nil
		}
	}

	return &Store{client: client, bucket: cfg.Bucket}
}

// PutContent archives one content snapshot under <key>/<timestamp>.json.
func (s *Store) PutContent(ctx context.Context, documentKey string, timestamp int64, content []byte) error {
	objectName := fmt.Sprintf("%s/%d.json", documentKey, timestamp)
	_, err := s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("archive content for %s: %w", documentKey, err)
	}
	return nil
}

// GetContent retrieves an archived snapshot.
func (s *Store) GetContent(ctx context.Context, documentKey string, timestamp int64) ([]byte, error) {
	objectName := fmt.Sprintf("%s/%d.json", documentKey, timestamp)
	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("read archived content for %s: %w", documentKey, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("read archived content for %s: %w", documentKey, err)
	}
	return buf.Bytes(), nil
}
