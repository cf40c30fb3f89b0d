// Package posix implements a backend that maps containers, datasets and
// fragments onto a directory tree:
//
//	<target>/containers/<container>.md
//	<target>/containers/<container>/<dataset>.md
//	<target>/containers/<container>/<dataset>/<fragment-id>
//	<target>/shared-datasets/
//	<target>/shared-fragments/
//
// Metadata records are JSON documents. All file access goes through an
// afero.Fs rooted at the target so the backend can run against memory in
// tests.
package posix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/model"
)

// Type is the configuration type name of this backend.
const Type = "posix"

const version = "0.0.1"

const (
	dirContainers      = "containers"
	dirSharedDatasets  = "shared-datasets"
	dirSharedFragments = "shared-fragments"
	metadataSuffix     = ".md"
)

// Options are the variant-specific settings accepted in backend.Config.
type Options struct {
	FilePerm uint32 `mapstructure:"file_perm"`
	DirPerm  uint32 `mapstructure:"dir_perm"`
}

// Backend stores everything in files below a target directory.
type Backend struct {
	name       string
	category   model.Category
	threadSafe bool
	fs         afero.Fs
	filePerm   os.FileMode
	dirPerm    os.FileMode

	// mu makes the exists-check and publish of a new entry atomic.
	mu sync.Mutex
}

var _ backend.Backend = (*Backend)(nil)

// New creates a backend on fs. Paths are relative to the root of fs.
func New(name string, category model.Category, fs afero.Fs, threadSafe bool) *Backend {
	return &Backend{
		name:       name,
		category:   category,
		threadSafe: threadSafe,
		fs:         fs,
		filePerm:   0o600,
		dirPerm:    0o700,
	}
}

// NewFromConfig creates a backend rooted at cfg.Target on the host
// filesystem.
func NewFromConfig(cfg backend.Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("%w: posix backend %q requires a target directory", model.ErrConfig, cfg.Name)
	}
	var o Options
	if err := cfg.DecodeOptions(&o); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Target, 0o700); err != nil {
		return nil, fmt.Errorf("%w: posix backend %q: %v", model.ErrBackendUnavailable, cfg.Name, err)
	}
	b := New(cfg.Name, cfg.Category, afero.NewBasePathFs(afero.NewOsFs(), cfg.Target), cfg.ThreadSafe)
	if o.FilePerm != 0 {
		b.filePerm = os.FileMode(o.FilePerm)
	}
	if o.DirPerm != 0 {
		b.dirPerm = os.FileMode(o.DirPerm)
	}
	return b, nil
}

func (b *Backend) Init(_ context.Context) error {
	for _, dir := range []string{dirContainers, dirSharedDatasets, dirSharedFragments} {
		if err := b.fs.MkdirAll(dir, b.dirPerm); err != nil {
			return fmt.Errorf("%w: create %s: %v", model.ErrBackendUnavailable, dir, err)
		}
	}
	return nil
}

func (b *Backend) Finalize(_ context.Context) error { return nil }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:       b.name,
		Type:       Type,
		Version:    version,
		Category:   b.category,
		ThreadSafe: b.threadSafe,
	}
}

// PerformanceEstimate has no static model of the underlying device.
func (b *Backend) PerformanceEstimate(_ int64) time.Duration { return 0 }

func containerRecord(name string) string {
	return path.Join(dirContainers, name+metadataSuffix)
}

func containerDir(name string) string {
	return path.Join(dirContainers, name)
}

func datasetRecord(container, name string) string {
	return path.Join(dirContainers, container, name+metadataSuffix)
}

func datasetDir(container, name string) string {
	return path.Join(dirContainers, container, name)
}

func fragmentFile(f *model.Fragment) string {
	return path.Join(dirContainers, f.Container, f.Dataset, f.ID)
}

func (b *Backend) ContainerCreate(_ context.Context, c *model.Container) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal container %q: %w", c.Name, err)
	}
	if err := b.create(containerRecord(c.Name), data); err != nil {
		return fmt.Errorf("container %q: %w", c.Name, err)
	}
	if err := b.fs.MkdirAll(containerDir(c.Name), b.dirPerm); err != nil {
		return fmt.Errorf("%w: container %q: %v", model.ErrIOFailure, c.Name, err)
	}
	return nil
}

func (b *Backend) ContainerRetrieve(_ context.Context, name string) (*model.Container, error) {
	var c model.Container
	if err := b.readJSON(containerRecord(name), &c); err != nil {
		return nil, fmt.Errorf("container %q: %w", name, err)
	}
	return &c, nil
}

func (b *Backend) ContainerUpdate(_ context.Context, c *model.Container) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal container %q: %w", c.Name, err)
	}
	if err := b.replace(containerRecord(c.Name), data); err != nil {
		return fmt.Errorf("container %q: %w", c.Name, err)
	}
	return nil
}

func (b *Backend) ContainerDestroy(_ context.Context, name string) error {
	if err := b.remove(containerRecord(name)); err != nil {
		return fmt.Errorf("container %q: %w", name, err)
	}
	if err := b.fs.RemoveAll(containerDir(name)); err != nil {
		return fmt.Errorf("%w: container %q: %v", model.ErrIOFailure, name, err)
	}
	return nil
}

func (b *Backend) DatasetCreate(_ context.Context, d *model.Dataset) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dataset %q: %w", d.Path(), err)
	}
	if err := b.fs.MkdirAll(datasetDir(d.Container, d.Name), b.dirPerm); err != nil {
		return fmt.Errorf("%w: dataset %q: %v", model.ErrIOFailure, d.Path(), err)
	}
	if err := b.create(datasetRecord(d.Container, d.Name), data); err != nil {
		return fmt.Errorf("dataset %q: %w", d.Path(), err)
	}
	return nil
}

func (b *Backend) DatasetRetrieve(_ context.Context, container, name string) (*model.Dataset, error) {
	var d model.Dataset
	if err := b.readJSON(datasetRecord(container, name), &d); err != nil {
		return nil, fmt.Errorf("dataset %q: %w", container+"/"+name, err)
	}
	return &d, nil
}

func (b *Backend) DatasetUpdate(_ context.Context, d *model.Dataset) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dataset %q: %w", d.Path(), err)
	}
	if err := b.replace(datasetRecord(d.Container, d.Name), data); err != nil {
		return fmt.Errorf("dataset %q: %w", d.Path(), err)
	}
	return nil
}

func (b *Backend) DatasetDestroy(_ context.Context, container, name string) error {
	if err := b.remove(datasetRecord(container, name)); err != nil {
		return fmt.Errorf("dataset %q: %w", container+"/"+name, err)
	}
	if err := b.fs.RemoveAll(datasetDir(container, name)); err != nil {
		return fmt.Errorf("%w: dataset %q: %v", model.ErrIOFailure, container+"/"+name, err)
	}
	return nil
}

func (b *Backend) FragmentCreate(_ context.Context, f *model.Fragment) error {
	if err := b.fs.MkdirAll(datasetDir(f.Container, f.Dataset), b.dirPerm); err != nil {
		return fmt.Errorf("%w: fragment %s: %v", model.ErrIOFailure, f.ID, err)
	}
	if err := b.create(fragmentFile(f), f.Data); err != nil {
		return fmt.Errorf("fragment %s: %w", f.ID, err)
	}
	return nil
}

func (b *Backend) FragmentRetrieve(_ context.Context, f *model.Fragment) ([]byte, error) {
	data, err := afero.ReadFile(b.fs, fragmentFile(f))
	if err != nil {
		return nil, fmt.Errorf("fragment %s: %w", f.ID, mapErr(err))
	}
	return data, nil
}

func (b *Backend) FragmentUpdate(_ context.Context, f *model.Fragment) error {
	if err := b.replace(fragmentFile(f), f.Data); err != nil {
		return fmt.Errorf("fragment %s: %w", f.ID, err)
	}
	return nil
}

func (b *Backend) FragmentDestroy(_ context.Context, f *model.Fragment) error {
	if err := b.remove(fragmentFile(f)); err != nil {
		return fmt.Errorf("fragment %s: %w", f.ID, err)
	}
	return nil
}

// create writes data to a temporary file and publishes it under name
// unless name already exists.
func (b *Backend) create(name string, data []byte) error {
	tmp, err := b.writeTemp(name, data)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.fs.Stat(name); err == nil {
		_ = b.fs.Remove(tmp)
		return model.ErrAlreadyExists
	}
	if err := b.fs.Rename(tmp, name); err != nil {
		_ = b.fs.Remove(tmp)
		return fmt.Errorf("%w: %v", model.ErrIOFailure, err)
	}
	return nil
}

// replace atomically overwrites an existing file.
func (b *Backend) replace(name string, data []byte) error {
	if _, err := b.fs.Stat(name); err != nil {
		return mapErr(err)
	}
	tmp, err := b.writeTemp(name, data)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.fs.Stat(name); err != nil {
		_ = b.fs.Remove(tmp)
		return mapErr(err)
	}
	if err := b.fs.Rename(tmp, name); err != nil {
		_ = b.fs.Remove(tmp)
		return fmt.Errorf("%w: %v", model.ErrIOFailure, err)
	}
	return nil
}

func (b *Backend) remove(name string) error {
	if err := b.fs.Remove(name); err != nil {
		return mapErr(err)
	}
	return nil
}

func (b *Backend) writeTemp(name string, data []byte) (string, error) {
	f, err := afero.TempFile(b.fs, path.Dir(name), ".tmp-"+path.Base(name)+"-")
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrIOFailure, err)
	}
	tmp := f.Name()
	if n, err := f.Write(data); err != nil {
		f.Close()
		_ = b.fs.Remove(tmp)
		err = fmt.Errorf("%w: %v", model.ErrIOFailure, err)
		if n > 0 {
			return "", &model.TransferError{Bytes: int64(n), Err: err}
		}
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = b.fs.Remove(tmp)
		return "", fmt.Errorf("%w: %v", model.ErrIOFailure, err)
	}
	if err := b.fs.Chmod(tmp, b.filePerm); err != nil {
		_ = b.fs.Remove(tmp)
		return "", fmt.Errorf("%w: %v", model.ErrIOFailure, err)
	}
	return tmp, nil
}

func (b *Backend) readJSON(name string, v any) error {
	data, err := afero.ReadFile(b.fs, name)
	if err != nil {
		return mapErr(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", model.ErrIOFailure, name, err)
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return model.ErrNotFound
	}
	return fmt.Errorf("%w: %v", model.ErrIOFailure, err)
}
