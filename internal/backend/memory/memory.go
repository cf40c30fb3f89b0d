// Package memory implements an in-process backend. It holds containers,
// datasets and fragments in maps and can optionally throttle transfers to
// emulate a device with a given throughput and latency.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/model"
)

// Type is the configuration type name of this backend.
const Type = "memory"

const version = "1.0"

// Options are the variant-specific settings accepted in backend.Config.
type Options struct {
	// Throughput in bytes per second. Zero disables throttling.
	Throughput float64 `mapstructure:"throughput"`
	// Latency is added to every fragment transfer.
	Latency time.Duration `mapstructure:"latency"`
	// Serialize declares the backend not thread-safe so that the scheduler
	// never calls it concurrently.
	Serialize bool `mapstructure:"serialize"`
}

// Option configures a Backend.
type Option func(*Options)

// WithThroughput throttles fragment transfers to bps bytes per second.
func WithThroughput(bps float64) Option {
	return func(o *Options) { o.Throughput = bps }
}

// WithLatency adds d to every fragment transfer.
func WithLatency(d time.Duration) Option {
	return func(o *Options) { o.Latency = d }
}

// WithSerialize marks the backend as not thread-safe.
func WithSerialize() Option {
	return func(o *Options) { o.Serialize = true }
}

// Backend is an in-memory backend.
type Backend struct {
	name     string
	category model.Category
	opts     Options
	limiter  *rate.Limiter
	burst    int

	mu         sync.RWMutex
	containers map[string]*model.Container
	datasets   map[string]*model.Dataset
	fragments  map[string][]byte
}

var _ backend.Backend = (*Backend)(nil)

// New creates a memory backend.
func New(name string, category model.Category, opts ...Option) *Backend {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return newBackend(name, category, o)
}

// NewFromConfig creates a memory backend from configuration.
func NewFromConfig(cfg backend.Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o Options
	if err := cfg.DecodeOptions(&o); err != nil {
		return nil, err
	}
	if o.Throughput < 0 || o.Latency < 0 {
		return nil, fmt.Errorf("%w: backend %q: throughput and latency must not be negative", model.ErrConfig, cfg.Name)
	}
	if cfg.ThreadSafe {
		o.Serialize = false
	}
	return newBackend(cfg.Name, cfg.Category, o), nil
}

func newBackend(name string, category model.Category, o Options) *Backend {
	b := &Backend{
		name:       name,
		category:   category,
		opts:       o,
		containers: make(map[string]*model.Container),
		datasets:   make(map[string]*model.Dataset),
		fragments:  make(map[string][]byte),
	}
	if o.Throughput > 0 {
		// Allow roughly 10ms worth of transfer per token bucket refill.
		b.burst = max(int(o.Throughput/100), 1)
		b.limiter = rate.NewLimiter(rate.Limit(o.Throughput), b.burst)
	}
	return b
}

func (b *Backend) Init(ctx context.Context) error { return ctx.Err() }

func (b *Backend) Finalize(_ context.Context) error { return nil }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:       b.name,
		Type:       Type,
		Version:    version,
		Category:   b.category,
		ThreadSafe: !b.opts.Serialize,
	}
}

func (b *Backend) PerformanceEstimate(n int64) time.Duration {
	if b.opts.Throughput <= 0 {
		return b.opts.Latency
	}
	return b.opts.Latency + time.Duration(float64(n)/b.opts.Throughput*float64(time.Second))
}

// throttle blocks for the emulated cost of transferring n bytes.
func (b *Backend) throttle(ctx context.Context, n int) error {
	if b.opts.Latency > 0 {
		t := time.NewTimer(b.opts.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if b.limiter == nil {
		return nil
	}
	moved := 0
	for moved < n {
		step := min(n-moved, b.burst)
		if err := b.limiter.WaitN(ctx, step); err != nil {
			if moved > 0 {
				return &model.TransferError{Bytes: int64(moved), Err: err}
			}
			return err
		}
		moved += step
	}
	return nil
}

func datasetKey(container, name string) string { return container + "/" + name }

func fragmentKey(f *model.Fragment) string {
	return f.Container + "/" + f.Dataset + "/" + f.ID
}

func (b *Backend) ContainerCreate(_ context.Context, c *model.Container) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.containers[c.Name]; ok {
		return fmt.Errorf("container %q: %w", c.Name, model.ErrAlreadyExists)
	}
	b.containers[c.Name] = cloneContainer(c)
	return nil
}

func (b *Backend) ContainerRetrieve(_ context.Context, name string) (*model.Container, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.containers[name]
	if !ok {
		return nil, fmt.Errorf("container %q: %w", name, model.ErrNotFound)
	}
	return cloneContainer(c), nil
}

func (b *Backend) ContainerUpdate(_ context.Context, c *model.Container) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.containers[c.Name]; !ok {
		return fmt.Errorf("container %q: %w", c.Name, model.ErrNotFound)
	}
	b.containers[c.Name] = cloneContainer(c)
	return nil
}

func (b *Backend) ContainerDestroy(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.containers[name]; !ok {
		return fmt.Errorf("container %q: %w", name, model.ErrNotFound)
	}
	delete(b.containers, name)
	for key, d := range b.datasets {
		if d.Container == name {
			delete(b.datasets, key)
		}
	}
	return nil
}

func (b *Backend) DatasetCreate(_ context.Context, d *model.Dataset) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := datasetKey(d.Container, d.Name)
	if _, ok := b.datasets[key]; ok {
		return fmt.Errorf("dataset %q: %w", key, model.ErrAlreadyExists)
	}
	b.datasets[key] = d.Clone()
	return nil
}

func (b *Backend) DatasetRetrieve(_ context.Context, container, name string) (*model.Dataset, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	key := datasetKey(container, name)
	d, ok := b.datasets[key]
	if !ok {
		return nil, fmt.Errorf("dataset %q: %w", key, model.ErrNotFound)
	}
	return d.Clone(), nil
}

func (b *Backend) DatasetUpdate(_ context.Context, d *model.Dataset) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := datasetKey(d.Container, d.Name)
	if _, ok := b.datasets[key]; !ok {
		return fmt.Errorf("dataset %q: %w", key, model.ErrNotFound)
	}
	b.datasets[key] = d.Clone()
	return nil
}

func (b *Backend) DatasetDestroy(_ context.Context, container, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := datasetKey(container, name)
	if _, ok := b.datasets[key]; !ok {
		return fmt.Errorf("dataset %q: %w", key, model.ErrNotFound)
	}
	delete(b.datasets, key)
	return nil
}

func (b *Backend) FragmentCreate(ctx context.Context, f *model.Fragment) error {
	if err := b.throttle(ctx, len(f.Data)); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := fragmentKey(f)
	if _, ok := b.fragments[key]; ok {
		return fmt.Errorf("fragment %q: %w", key, model.ErrAlreadyExists)
	}
	b.fragments[key] = append([]byte(nil), f.Data...)
	return nil
}

func (b *Backend) FragmentRetrieve(ctx context.Context, f *model.Fragment) ([]byte, error) {
	b.mu.RLock()
	key := fragmentKey(f)
	data, ok := b.fragments[key]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fragment %q: %w", key, model.ErrNotFound)
	}
	if err := b.throttle(ctx, len(data)); err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (b *Backend) FragmentUpdate(ctx context.Context, f *model.Fragment) error {
	if err := b.throttle(ctx, len(f.Data)); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := fragmentKey(f)
	if _, ok := b.fragments[key]; !ok {
		return fmt.Errorf("fragment %q: %w", key, model.ErrNotFound)
	}
	b.fragments[key] = append([]byte(nil), f.Data...)
	return nil
}

func (b *Backend) FragmentDestroy(_ context.Context, f *model.Fragment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := fragmentKey(f)
	if _, ok := b.fragments[key]; !ok {
		return fmt.Errorf("fragment %q: %w", key, model.ErrNotFound)
	}
	delete(b.fragments, key)
	return nil
}

// Len reports the number of stored fragments.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.fragments)
}

func cloneContainer(c *model.Container) *model.Container {
	out := *c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
