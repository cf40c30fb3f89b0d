package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/luufmg/esdm/internal/model"
	"github.com/luufmg/esdm/internal/perf"
)

// Descriptor is a registered backend together with its live performance
// statistics. Descriptors are owned by the Registry and shared read-only by
// the layout and scheduler components.
type Descriptor struct {
	Name       string
	Category   model.Category
	ThreadSafe bool
	Backend    Backend
	Perf       *perf.Stats

	order  int
	serial sync.Mutex
}

// Order is the registration index of the descriptor. It is the final
// tie-breaker for every backend selection decision.
func (d *Descriptor) Order() int { return d.order }

// Acquire serializes calls into a backend that is not thread-safe. The
// returned function releases the backend. For thread-safe backends it is a
// no-op.
func (d *Descriptor) Acquire() (release func()) {
	if d.ThreadSafe {
		return func() {}
	}
	d.serial.Lock()
	return d.serial.Unlock
}

// Info is the externally visible summary of a registered backend.
type Info struct {
	Name         string        `json:"name"`
	Capabilities Capabilities  `json:"capabilities"`
	Estimate     perf.Estimate `json:"estimate"`
}

type registerOptions struct {
	calibrate bool
	probe     int64
	estimate  *perf.Estimate
}

// RegisterOption customizes a single registration.
type RegisterOption func(*registerOptions)

// WithCalibration measures the backend with a probe of n bytes before it is
// made available. If n is not positive DefaultCalibrationBytes is used.
func WithCalibration(n int64) RegisterOption {
	return func(o *registerOptions) {
		o.calibrate = true
		o.probe = n
	}
}

// WithEstimate seeds the backend's statistics with e.
func WithEstimate(e perf.Estimate) RegisterOption {
	return func(o *registerOptions) {
		o.estimate = &e
	}
}

type registryKey struct {
	category model.Category
	name     string
}

// Registry holds the registered backends of one middleware instance in
// registration order.
type Registry struct {
	mu      sync.RWMutex
	ordered []*Descriptor
	byKey   map[registryKey]*Descriptor
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[registryKey]*Descriptor),
	}
}

// Register initializes b and makes it available for selection. Names are
// unique per category; a duplicate leaves the registry unchanged.
func (r *Registry) Register(ctx context.Context, b Backend, opts ...RegisterOption) (*Descriptor, error) {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	caps := b.Capabilities()
	if caps.Name == "" {
		return nil, fmt.Errorf("%w: backend name is required", model.ErrConfig)
	}
	category, err := model.ParseCategory(string(caps.Category))
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", caps.Name, err)
	}
	key := registryKey{category: category, name: caps.Name}

	r.mu.RLock()
	_, exists := r.byKey[key]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s backend %q", model.ErrDuplicateName, category, caps.Name)
	}

	if err := b.Init(ctx); err != nil {
		if errors.Is(err, model.ErrBackendUnavailable) {
			return nil, fmt.Errorf("init backend %q: %w", caps.Name, err)
		}
		return nil, fmt.Errorf("%w: init backend %q: %v", model.ErrBackendUnavailable, caps.Name, err)
	}

	seed := perf.DefaultEstimate()
	switch {
	case o.estimate != nil:
		seed = *o.estimate
	case o.calibrate:
		if est, err := Calibrate(ctx, b, o.probe); err == nil {
			seed = est
		} else if hinted, ok := HintEstimate(b, o.probe); ok {
			seed = hinted
		}
	default:
		if hinted, ok := HintEstimate(b, DefaultCalibrationBytes); ok {
			seed = hinted
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[key]; exists {
		// Lost a concurrent registration of the same name.
		_ = b.Finalize(ctx)
		return nil, fmt.Errorf("%w: %s backend %q", model.ErrDuplicateName, category, caps.Name)
	}
	d := &Descriptor{
		Name:       caps.Name,
		Category:   category,
		ThreadSafe: caps.ThreadSafe,
		Backend:    b,
		Perf:       perf.NewStats(seed),
		order:      len(r.ordered),
	}
	r.ordered = append(r.ordered, d)
	r.byKey[key] = d
	return d, nil
}

// LookupByType returns the backends of the given category in registration
// order.
func (r *Registry) LookupByType(category model.Category) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Descriptor
	for _, d := range r.ordered {
		if d.Category == category {
			out = append(out, d)
		}
	}
	return out
}

// LookupByName returns the backend with the given name in category.
func (r *Registry) LookupByName(category model.Category, name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byKey[registryKey{category: category, name: name}]
	if !ok {
		return nil, fmt.Errorf("%w: %s backend %q", model.ErrNotFound, category, name)
	}
	return d, nil
}

// List returns information about all registered backends in registration
// order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.ordered))
	for _, d := range r.ordered {
		infos = append(infos, Info{
			Name:         d.Name,
			Capabilities: d.Backend.Capabilities(),
			Estimate:     d.Perf.Snapshot(),
		})
	}
	return infos
}

// Len reports the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// FinalizeAll finalizes every backend in reverse registration order and
// empties the registry. Failures are collected, not short-circuited.
func (r *Registry) FinalizeAll(ctx context.Context) error {
	r.mu.Lock()
	descs := r.ordered
	r.ordered = nil
	r.byKey = make(map[registryKey]*Descriptor)
	r.mu.Unlock()

	var result *multierror.Error
	for i := len(descs) - 1; i >= 0; i-- {
		d := descs[i]
		if err := d.Backend.Finalize(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("finalize %s backend %q: %w", d.Category, d.Name, err))
		}
	}
	return result.ErrorOrNil()
}
