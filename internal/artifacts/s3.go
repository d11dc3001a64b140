package artifacts

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/stagehand-ci/stagehand/internal/core/ports"
)

// S3Config configures the object-store artifact backend.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func (c S3Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("s3 endpoint must not be empty")
	}
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket must not be empty")
	}
	return nil
}

// S3Store archives artifacts in an S3-compatible object store under
// one prefix per run.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store connects to the object store and ensures the bucket
// exists.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check artifact bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create artifact bucket: %w", err)
		}
	}

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) key(runID, name string) string {
	return runID + "/" + name
}

// Put implements ports.ArtifactStore.
func (s *S3Store) Put(ctx context.Context, runID, name string, r io.Reader) error {
	if err := validName(name); err != nil {
		return err
	}
	// Size -1 streams with multipart upload.
	_, err := s.client.PutObject(ctx, s.bucket, s.key(runID, name), r, -1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("upload artifact %s: %w", name, err)
	}
	return nil
}

// Open implements ports.ArtifactStore.
func (s *S3Store) Open(ctx context.Context, runID, name string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(runID, name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", name, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("fetch artifact %s: %w", name, err)
	}
	return obj, nil
}

// List implements ports.ArtifactStore.
func (s *S3Store) List(ctx context.Context, runID string) ([]string, error) {
	var names []string
	prefix := runID + "/"
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list artifacts: %w", obj.Err)
		}
		names = append(names, obj.Key[len(prefix):])
	}
	return names, nil
}

// Purge implements ports.ArtifactStore. It removes every object under
// the run's prefix.
func (s *S3Store) Purge(ctx context.Context, runID string) error {
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    runID + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("list artifacts for purge: %w", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove artifact %s: %w", obj.Key, err)
		}
	}
	return nil
}

var _ ports.ArtifactStore = (*S3Store)(nil)
