package api

import (
	"context"
	"io"
	"time"

	"pointcloud-api/domain"
)

// Storage abstracts the file registry (and its cache wrapper) for handlers.
type Storage interface {
	InsertFile(ctx context.Context, f *domain.PointCloudFile) error
	GetFile(ctx context.Context, projectID, fileID string) (*domain.PointCloudFile, error)
	ListFiles(ctx context.Context, projectID string, status domain.FileStatus, page, size int) ([]domain.PointCloudFile, int, error)
	ProjectStats(ctx context.Context, projectID string) (*domain.ProjectStats, error)
	MarkUploaded(ctx context.Context, fileID, checksum string, size int64) error
	MarkFailed(ctx context.Context, fileID, message string) error
	SoftDelete(ctx context.Context, projectID, fileID string) (bool, error)
	Invalidate(ctx context.Context, projectID string)
	Ping(ctx context.Context) error
}

// ObjectStore abstracts the bucket holding the raw point cloud payloads.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
	PresignedGet(ctx context.Context, key, filename string, expiry time.Duration) (string, error)
	Ping(ctx context.Context) error
}

// Queue abstracts the processing queue the outbox drains into.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) error
	Depth(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Authenticator is implemented by types able to extract the caller identity
// from request credentials.
type Authenticator interface {
	PrincipalFromAuthHeader(string) (*Principal, error)
}

// Deduper maps idempotency keys to the file they created so an upload retry
// returns the original record instead of storing a duplicate.
type Deduper interface {
	// Claim binds the key to fileID when unseen and reports true. When the
	// key exists it returns the previously bound file ID and false.
	Claim(ctx context.Context, userID, key, fileID string) (string, bool, error)
	// Release unbinds a key after the upload it guarded failed.
	Release(ctx context.Context, userID, key string) error
}
