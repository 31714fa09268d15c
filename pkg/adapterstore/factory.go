package adapterstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BackendType names a supported adapterstore backend.
type BackendType string

const (
	BackendFS  BackendType = "fs"
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// NewFromEnv builds a Store selected by ADAPTERSTORE_BACKEND ("fs" by
// default, or "s3"/"gcs"), reading backend-specific settings from the
// environment.
func NewFromEnv(ctx context.Context) (Store, error) {
	backend := BackendType(os.Getenv("ADAPTERSTORE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dataDir := os.Getenv("ADAPTERSTORE_DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "adapters"))
	case BackendS3:
		bucket := os.Getenv("ADAPTERSTORE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("adapterstore: ADAPTERSTORE_S3_BUCKET is required for s3 backend")
		}
		region := os.Getenv("ADAPTERSTORE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("ADAPTERSTORE_S3_ENDPOINT"),
			Prefix:   os.Getenv("ADAPTERSTORE_S3_PREFIX"),
		})
	case BackendGCS:
		bucket := os.Getenv("ADAPTERSTORE_GCS_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("adapterstore: ADAPTERSTORE_GCS_BUCKET is required for gcs backend")
		}
		return NewGCSStore(ctx, GCSConfig{
			Bucket: bucket,
			Prefix: os.Getenv("ADAPTERSTORE_GCS_PREFIX"),
		})
	default:
		return nil, fmt.Errorf("adapterstore: unsupported backend %q", backend)
	}
}
