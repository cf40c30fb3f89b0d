package layout

import (
	"fmt"
	"sort"
	"time"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/model"
	"github.com/luufmg/esdm/internal/perf"
)

// Assignment binds one sub-region of a write to a DATA backend.
type Assignment struct {
	Region  model.Region
	Backend *backend.Descriptor
}

// Layout decomposes write requests and selects backends.
type Layout struct {
	registry *backend.Registry
	model    *perf.Model
	policy   Policy
}

// Option configures a Layout.
type Option func(*Layout)

// WithPolicy replaces the default WeightedPolicy.
func WithPolicy(p Policy) Option {
	return func(l *Layout) { l.policy = p }
}

// New creates a layout engine over the backends in registry.
func New(registry *backend.Registry, m *perf.Model, opts ...Option) *Layout {
	l := &Layout{
		registry: registry,
		model:    m,
		policy:   WeightedPolicy{BlockSize: DefaultBlockSize},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the active decomposition policy.
func (l *Layout) Policy() Policy { return l.policy }

// Decompose splits region of dataset d into sub-regions and assigns each to
// a DATA backend. Assignments are returned in the order the policy produced
// the sub-regions.
func (l *Layout) Decompose(d *model.Dataset, region model.Region) ([]Assignment, error) {
	if err := CheckBounds(d, region); err != nil {
		return nil, err
	}
	candidates := l.registry.LookupByType(model.CategoryData)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no data backend registered", model.ErrBackendUnavailable)
	}

	chunks, err := l.policy.Split(region, d.Type.Size, candidates)
	if err != nil {
		return nil, err
	}

	// Greedy list scheduling: largest chunk first onto the backend that
	// would finish it earliest given what it has already been handed.
	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return chunks[order[a]].Count() > chunks[order[b]].Count()
	})

	queued := make([]time.Duration, len(candidates))
	out := make([]Assignment, len(chunks))
	for _, i := range order {
		n := chunks[i].Bytes(d.Type.Size)
		best, bestCost := 0, time.Duration(-1)
		for j, c := range candidates {
			cost := queued[j] + l.model.Estimate(c.Perf, n)
			if bestCost < 0 || cost < bestCost {
				best, bestCost = j, cost
			}
		}
		queued[best] = bestCost
		out[i] = Assignment{Region: chunks[i], Backend: candidates[best]}
	}
	return out, nil
}

// Rank orders the backends of category by the predicted cost of moving n
// bytes, cheapest first. Ties keep registration order.
func (l *Layout) Rank(category model.Category, n int64) []*backend.Descriptor {
	descs := l.registry.LookupByType(category)
	costs := make([]time.Duration, len(descs))
	for i, d := range descs {
		costs[i] = l.model.Estimate(d.Perf, n)
	}
	idx := make([]int, len(descs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return costs[idx[a]] < costs[idx[b]] })

	out := make([]*backend.Descriptor, len(descs))
	for i, j := range idx {
		out[i] = descs[j]
	}
	return out
}

// Select returns the cheapest backend of category for n bytes.
func (l *Layout) Select(category model.Category, n int64) (*backend.Descriptor, error) {
	ranked := l.Rank(category, n)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: no %s backend registered", model.ErrBackendUnavailable, category)
	}
	return ranked[0], nil
}

// CheckBounds reports a ConfigError when region is malformed or reaches
// outside the dataset's shape.
func CheckBounds(d *model.Dataset, region model.Region) error {
	if err := region.Validate(); err != nil {
		return err
	}
	if region.Dims() != len(d.Shape) {
		return fmt.Errorf("%w: region %s has %d dimensions, dataset %s has %d",
			model.ErrConfig, region, region.Dims(), d.Path(), len(d.Shape))
	}
	if !d.Bounds().Contains(region) {
		return fmt.Errorf("%w: region %s outside dataset %s bounds %s",
			model.ErrConfig, region, d.Path(), d.Bounds())
	}
	return nil
}
