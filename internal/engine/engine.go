package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/layout"
	"github.com/luufmg/esdm/internal/model"
	"github.com/luufmg/esdm/internal/perf"
	"github.com/luufmg/esdm/internal/scheduler"
)

// Descriptor names a container, or a dataset when Dataset is set. Shape,
// Type and Metadata are only consulted by Create.
type Descriptor struct {
	Container string            `json:"container"`
	Dataset   string            `json:"dataset,omitempty"`
	Shape     []uint64          `json:"shape,omitempty"`
	Type      string            `json:"type,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Path returns the container-qualified name of d.
func (d Descriptor) Path() string {
	if d.Dataset == "" {
		return d.Container
	}
	return d.Container + "/" + d.Dataset
}

// Metadata is the result of Stat. Dataset is nil when a container was
// requested.
type Metadata struct {
	Container *model.Container `json:"container"`
	Dataset   *model.Dataset   `json:"dataset,omitempty"`
	Backend   string           `json:"backend"`
}

// Engine is the logical API over a set of registered backends.
type Engine struct {
	registry *backend.Registry
	model    *perf.Model
	layout   *layout.Layout
	sched    *scheduler.Scheduler
	broker   *Broker
	logger   *slog.Logger

	policy  layout.Policy
	workers int
	timeout time.Duration

	mu      sync.Mutex
	open    map[string]*datasetState
	loads   singleflight.Group
	handles atomic.Int64
}

// Stats summarizes the engine's open state.
type Stats struct {
	OpenDatasets int   `json:"open_datasets"`
	OpenHandles  int64 `json:"open_handles"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithModel replaces the default performance model.
func WithModel(m *perf.Model) Option {
	return func(e *Engine) { e.model = m }
}

// WithPolicy sets the decomposition policy used for writes.
func WithPolicy(p layout.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithWorkers bounds concurrent sub-requests per logical request.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithSubRequestTimeout bounds each backend call.
func WithSubRequestTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine over the backends in registry.
func New(registry *backend.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		broker:   NewBroker(),
		logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
		workers:  scheduler.DefaultWorkers,
		open:     make(map[string]*datasetState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.model == nil {
		e.model = perf.NewModel()
	}

	var layoutOpts []layout.Option
	if e.policy != nil {
		layoutOpts = append(layoutOpts, layout.WithPolicy(e.policy))
	}
	e.layout = layout.New(registry, e.model, layoutOpts...)
	e.sched = scheduler.New(e.model,
		scheduler.WithWorkers(e.workers),
		scheduler.WithTimeout(e.timeout),
		scheduler.WithObserver(e.broker.Publish),
		scheduler.WithLogger(e.logger),
	)
	return e
}

// Registry returns the backend registry the engine dispatches to.
func (e *Engine) Registry() *backend.Registry { return e.registry }

// Layout returns the engine's layout engine.
func (e *Engine) Layout() *layout.Layout { return e.layout }

// Events returns the broker that receives sub-request events, keyed by
// dataset path.
func (e *Engine) Events() *Broker { return e.broker }

// Create creates a container, or a dataset inside an existing container
// when desc.Dataset is set.
func (e *Engine) Create(ctx context.Context, desc Descriptor) error {
	e.logger.Debug("create", "path", desc.Path())
	if err := validName("container", desc.Container); err != nil {
		return err
	}
	if desc.Dataset == "" {
		return e.createContainer(ctx, desc)
	}
	if err := validName("dataset", desc.Dataset); err != nil {
		return err
	}
	return e.createDataset(ctx, desc)
}

func (e *Engine) createContainer(ctx context.Context, desc Descriptor) error {
	if _, _, err := e.findContainer(ctx, desc.Container); err == nil {
		return fmt.Errorf("%w: container %q", model.ErrAlreadyExists, desc.Container)
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	md, err := e.layout.Select(model.CategoryMetadata, 0)
	if err != nil {
		return err
	}
	c := &model.Container{
		Name:      desc.Container,
		Metadata:  maps.Clone(desc.Metadata),
		CreatedAt: time.Now().UTC(),
	}
	if err := withBackend(md, func(b backend.Backend) error { return b.ContainerCreate(ctx, c) }); err != nil {
		return fmt.Errorf("creating container %q: %w", desc.Container, err)
	}
	e.logger.Info("container created", "container", c.Name, "backend", md.Name)
	return nil
}

func (e *Engine) createDataset(ctx context.Context, desc Descriptor) error {
	dt, err := model.LookupDatatype(desc.Type)
	if err != nil {
		return err
	}
	if len(desc.Shape) == 0 {
		return fmt.Errorf("%w: dataset %q has no shape", model.ErrConfig, desc.Path())
	}
	for i, n := range desc.Shape {
		if n == 0 {
			return fmt.Errorf("%w: dataset %q has zero extent in dimension %d", model.ErrConfig, desc.Path(), i)
		}
	}

	md, _, err := e.findContainer(ctx, desc.Container)
	if err != nil {
		return err
	}
	d := &model.Dataset{
		Container: desc.Container,
		Name:      desc.Dataset,
		Shape:     append([]uint64(nil), desc.Shape...),
		Type:      dt,
		CreatedAt: time.Now().UTC(),
	}
	if err := withBackend(md, func(b backend.Backend) error { return b.DatasetCreate(ctx, d) }); err != nil {
		return fmt.Errorf("creating dataset %q: %w", d.Path(), err)
	}
	e.logger.Info("dataset created", "dataset", d.Path(), "shape", d.Shape, "type", dt.Name, "backend", md.Name)
	return nil
}

// UpdateContainer replaces the metadata of an existing container.
func (e *Engine) UpdateContainer(ctx context.Context, name string, metadata map[string]string) (*model.Container, error) {
	e.logger.Debug("update container", "container", name)
	md, c, err := e.findContainer(ctx, name)
	if err != nil {
		return nil, err
	}
	c.Metadata = maps.Clone(metadata)
	if err := withBackend(md, func(b backend.Backend) error { return b.ContainerUpdate(ctx, c) }); err != nil {
		return nil, fmt.Errorf("updating container %q: %w", name, err)
	}
	return c, nil
}

// Open returns a handle on an existing dataset.
func (e *Engine) Open(ctx context.Context, desc Descriptor) (*Handle, error) {
	e.logger.Debug("open", "path", desc.Path())
	st, err := e.acquire(ctx, desc)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		ID:        model.NewID(),
		Container: desc.Container,
		Dataset:   desc.Dataset,
		st:        st,
	}
	e.handles.Add(1)
	return h, nil
}

// Close releases h. Closing a handle twice is a configuration error.
func (e *Engine) Close(h *Handle) error {
	if !h.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: handle %s already closed", model.ErrConfig, h.ID)
	}
	e.logger.Debug("close", "path", h.Path(), "handle", h.ID)
	e.handles.Add(-1)
	e.release(h.st)
	return nil
}

// Stats reports how many datasets and handles are open.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		OpenDatasets: len(e.open),
		OpenHandles:  e.handles.Load(),
	}
}

// Write stores buf as the contents of region. buf holds the region's
// elements in row-major order.
//
// The write is committed to the dataset index only if every fragment was
// persisted. Otherwise the index is unchanged, the error is a
// *model.AggregateError, and fragments that were persisted anyway are
// recorded as orphans.
func (e *Engine) Write(ctx context.Context, h *Handle, region model.Region, buf []byte) error {
	if err := h.check(); err != nil {
		return err
	}
	st := h.st
	d := st.snapshot()
	e.logger.Debug("write", "dataset", d.Path(), "region", region.String(), "bytes", len(buf))

	if err := checkBuffer(d, region, buf); err != nil {
		return err
	}
	assignments, err := e.layout.Decompose(d, region)
	if err != nil {
		return err
	}

	start := st.reserve(uint64(len(assignments)))
	subs := make([]*scheduler.SubRequest, len(assignments))
	for i, a := range assignments {
		seq := start + uint64(i)
		data := make([]byte, a.Region.Bytes(d.Type.Size))
		if err := model.CopyRegion(data, a.Region, buf, region, a.Region, d.Type.Size); err != nil {
			st.abandon(ctx, start, uint64(len(assignments)), nil, e.logger)
			return err
		}
		f := &model.Fragment{
			Container: d.Container,
			Dataset:   d.Name,
			Seq:       seq,
			ID:        model.FragmentID(seq),
			Region:    a.Region,
			Backend:   a.Backend.Name,
			Data:      data,
		}
		subs[i] = scheduler.NewSubRequest(f, a.Backend)
	}

	req := scheduler.NewRequest(model.OpWrite, d.Path(), subs)
	runErr := e.sched.Run(ctx, req)

	refs := make([]model.FragmentRef, 0, len(subs))
	for _, sub := range req.Succeeded() {
		refs = append(refs, sub.Fragment.Ref())
	}

	if runErr != nil {
		st.abandon(ctx, start, uint64(len(subs)), refs, e.logger)
		var agg *model.AggregateError
		if errors.As(runErr, &agg) {
			agg.Orphans = refs
		}
		e.logger.Warn("write failed",
			"dataset", d.Path(),
			"request", req.ID,
			"orphans", len(refs),
			"error", runErr,
		)
		return runErr
	}

	if err := st.commit(ctx, start, refs); err != nil {
		e.logger.Error("commit failed", "dataset", d.Path(), "request", req.ID, "error", err)
		return &model.AggregateError{
			Total: len(subs),
			Failures: []*model.SubRegionError{{
				Op:       model.OpWrite,
				Region:   region,
				Backend:  st.meta.Name,
				Err:      fmt.Errorf("%w: committing index: %v", model.ErrIOFailure, err),
			}},
			Orphans: refs,
		}
	}
	return nil
}

// Read fills buf with the contents of region, assembled from the latest
// committed fragments covering it.
func (e *Engine) Read(ctx context.Context, h *Handle, region model.Region, buf []byte) error {
	if err := h.check(); err != nil {
		return err
	}
	d := h.st.snapshot()
	e.logger.Debug("read", "dataset", d.Path(), "region", region.String(), "bytes", len(buf))

	if err := checkBuffer(d, region, buf); err != nil {
		return err
	}
	plan, err := layout.Plan(d, region)
	if err != nil {
		return err
	}

	subs := make([]*scheduler.SubRequest, len(plan.Sources))
	for i, src := range plan.Sources {
		f := src.Fragment.Fragment(d.Container, d.Name)
		desc, err := e.registry.LookupByName(model.CategoryData, src.Fragment.Backend)
		if err != nil {
			return &model.SubRegionError{
				Op:       model.OpRead,
				Fragment: f.ID,
				Region:   f.Region,
				Backend:  f.Backend,
				Err:      fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err),
			}
		}
		subs[i] = scheduler.NewSubRequest(f, desc)
	}

	req := scheduler.NewRequest(model.OpRead, d.Path(), subs)
	if err := e.sched.Run(ctx, req); err != nil {
		return err
	}

	for i, src := range plan.Sources {
		f := subs[i].Fragment
		if want := f.Region.Bytes(d.Type.Size); int64(len(f.Data)) != want {
			return &model.SubRegionError{
				Op:       model.OpRead,
				Fragment: f.ID,
				Region:   f.Region,
				Backend:  f.Backend,
				Err:      fmt.Errorf("%w: payload is %d bytes, want %d", model.ErrIOFailure, len(f.Data), want),
			}
		}
		for _, piece := range src.Pieces {
			if err := model.CopyRegion(buf, region, f.Data, f.Region, piece, d.Type.Size); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stat returns the metadata of a container or dataset. Open datasets report
// their in-memory committed state.
func (e *Engine) Stat(ctx context.Context, desc Descriptor) (*Metadata, error) {
	e.logger.Debug("stat", "path", desc.Path())
	md, c, err := e.findContainer(ctx, desc.Container)
	if err != nil {
		return nil, err
	}
	out := &Metadata{Container: c, Backend: md.Name}
	if desc.Dataset == "" {
		return out, nil
	}

	st, err := e.acquire(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer e.release(st)
	out.Dataset = st.snapshot()
	return out, nil
}

// Destroy removes a dataset and all its fragments, or a container record.
// Datasets with open handles cannot be destroyed. Destroying a container
// does not remove fragments of datasets that were not destroyed first.
func (e *Engine) Destroy(ctx context.Context, desc Descriptor) error {
	e.logger.Debug("destroy", "path", desc.Path())
	if desc.Dataset == "" {
		md, _, err := e.findContainer(ctx, desc.Container)
		if err != nil {
			return err
		}
		if err := withBackend(md, func(b backend.Backend) error { return b.ContainerDestroy(ctx, desc.Container) }); err != nil {
			return fmt.Errorf("destroying container %q: %w", desc.Container, err)
		}
		e.logger.Info("container destroyed", "container", desc.Container)
		return nil
	}

	st, err := e.acquire(ctx, desc)
	if err != nil {
		return err
	}
	defer e.release(st)

	e.mu.Lock()
	refs := st.refs
	e.mu.Unlock()
	if refs > 1 {
		return fmt.Errorf("%w: dataset %q has %d open handles", model.ErrConfig, desc.Path(), refs-1)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	d := st.ds

	fragments := append(slices.Clone(d.Index), d.Orphans...)
	var result *multierror.Error
	for _, ref := range fragments {
		if err := e.destroyFragment(ctx, d, ref); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("destroying fragments of %q: %w", d.Path(), err)
	}

	if err := withBackend(st.meta, func(b backend.Backend) error {
		return b.DatasetDestroy(ctx, d.Container, d.Name)
	}); err != nil {
		return fmt.Errorf("destroying dataset %q: %w", d.Path(), err)
	}
	e.mu.Lock()
	if e.open[st.path] == st {
		delete(e.open, st.path)
	}
	e.mu.Unlock()
	e.broker.Close(d.Path())
	e.logger.Info("dataset destroyed", "dataset", d.Path(), "fragments", len(fragments))
	return nil
}

// Orphans lists fragments that were persisted by failed writes and never
// committed to the dataset index.
func (e *Engine) Orphans(ctx context.Context, desc Descriptor) ([]model.FragmentRef, error) {
	e.logger.Debug("orphans", "path", desc.Path())
	st, err := e.acquire(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer e.release(st)
	return st.snapshot().Orphans, nil
}

// Reclaim deletes orphaned fragments of a dataset from their backends and
// drops them from the orphan list. It returns the number reclaimed.
// Orphans whose deletion fails stay listed.
func (e *Engine) Reclaim(ctx context.Context, desc Descriptor) (int, error) {
	e.logger.Debug("reclaim", "path", desc.Path())
	st, err := e.acquire(ctx, desc)
	if err != nil {
		return 0, err
	}
	defer e.release(st)

	d := st.snapshot()
	var (
		result    *multierror.Error
		reclaimed = make(map[string]bool)
	)
	for _, ref := range d.Orphans {
		if err := e.destroyFragment(ctx, d, ref); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		reclaimed[ref.ID] = true
	}
	if len(reclaimed) > 0 {
		if err := st.dropOrphans(ctx, reclaimed); err != nil {
			result = multierror.Append(result, err)
		}
		e.logger.Info("orphans reclaimed", "dataset", d.Path(), "count", len(reclaimed))
	}
	return len(reclaimed), result.ErrorOrNil()
}

// Finalize finalizes every registered backend. The engine must not be used
// afterwards.
func (e *Engine) Finalize(ctx context.Context) error {
	e.logger.Debug("finalize")
	return e.registry.FinalizeAll(ctx)
}

func (e *Engine) destroyFragment(ctx context.Context, d *model.Dataset, ref model.FragmentRef) error {
	desc, err := e.registry.LookupByName(model.CategoryData, ref.Backend)
	if err != nil {
		return fmt.Errorf("fragment %s: %w", ref.ID, err)
	}
	f := ref.Fragment(d.Container, d.Name)
	err = withBackend(desc, func(b backend.Backend) error { return b.FragmentDestroy(ctx, f) })
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("fragment %s on %q: %w", ref.ID, ref.Backend, err)
	}
	return nil
}

// findContainer searches the METADATA backends, fastest first, for the
// container record.
func (e *Engine) findContainer(ctx context.Context, name string) (*backend.Descriptor, *model.Container, error) {
	candidates := e.layout.Rank(model.CategoryMetadata, 0)
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: no metadata backend registered", model.ErrBackendUnavailable)
	}
	for _, md := range candidates {
		var c *model.Container
		err := withBackend(md, func(b backend.Backend) error {
			var err error
			c, err = b.ContainerRetrieve(ctx, name)
			return err
		})
		if err == nil {
			return md, c, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, nil, fmt.Errorf("looking up container %q on %q: %w", name, md.Name, err)
		}
	}
	return nil, nil, fmt.Errorf("%w: container %q", model.ErrNotFound, name)
}

// withBackend runs fn against d, holding d's serialization lock when the
// backend is not thread-safe.
func withBackend(d *backend.Descriptor, fn func(backend.Backend) error) error {
	release := d.Acquire()
	defer release()
	return fn(d.Backend)
}

func validName(kind, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty %s name", model.ErrConfig, kind)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %s name %q contains a path separator", model.ErrConfig, kind, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %s name %q starts with a dot", model.ErrConfig, kind, name)
	}
	return nil
}

func checkBuffer(d *model.Dataset, region model.Region, buf []byte) error {
	if err := layout.CheckBounds(d, region); err != nil {
		return err
	}
	if want := region.Bytes(d.Type.Size); int64(len(buf)) != want {
		return fmt.Errorf("%w: buffer is %d bytes, region %s of %s needs %d",
			model.ErrConfig, len(buf), region, d.Type.Name, want)
	}
	return nil
}
