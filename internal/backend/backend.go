package backend

import (
	"context"
	"time"

	"github.com/luufmg/esdm/internal/model"
)

// Backend is the interface that all storage backends must implement. Entity
// operations return model.ErrNotFound, model.ErrAlreadyExists or
// model.ErrIOFailure (possibly wrapped) on failure.
type Backend interface {
	// Init makes sure the backend's persistent namespace exists. It must be
	// idempotent and never destroy data of an already initialized target.
	Init(ctx context.Context) error

	// Finalize releases resources held by the backend.
	Finalize(ctx context.Context) error

	// Capabilities reports the backend's identity, category and whether its
	// operations may be invoked concurrently.
	Capabilities() Capabilities

	// PerformanceEstimate predicts the cost of transferring n bytes without
	// performing any I/O. Zero means the backend has no opinion.
	PerformanceEstimate(n int64) time.Duration

	ContainerCreate(ctx context.Context, c *model.Container) error
	ContainerRetrieve(ctx context.Context, name string) (*model.Container, error)
	ContainerUpdate(ctx context.Context, c *model.Container) error
	ContainerDestroy(ctx context.Context, name string) error

	DatasetCreate(ctx context.Context, d *model.Dataset) error
	DatasetRetrieve(ctx context.Context, container, name string) (*model.Dataset, error)
	DatasetUpdate(ctx context.Context, d *model.Dataset) error
	DatasetDestroy(ctx context.Context, container, name string) error

	// FragmentCreate persists f.Data under the identity of f.
	FragmentCreate(ctx context.Context, f *model.Fragment) error
	// FragmentRetrieve returns the payload stored for f.
	FragmentRetrieve(ctx context.Context, f *model.Fragment) ([]byte, error)
	FragmentUpdate(ctx context.Context, f *model.Fragment) error
	FragmentDestroy(ctx context.Context, f *model.Fragment) error
}

// Capabilities describes a backend.
type Capabilities struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Version    string         `json:"version"`
	Category   model.Category `json:"category"`
	ThreadSafe bool           `json:"thread_safe"`
}
