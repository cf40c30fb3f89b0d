package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/model"
)

// Handle is an open dataset. Handles on the same dataset share its
// in-memory state.
type Handle struct {
	ID        string
	Container string
	Dataset   string

	st     *datasetState
	closed atomic.Bool
}

// Path returns the container-qualified dataset name.
func (h *Handle) Path() string {
	return h.Container + "/" + h.Dataset
}

// Stat returns a copy of the dataset's committed state.
func (h *Handle) Stat() *model.Dataset {
	return h.st.snapshot()
}

func (h *Handle) check() error {
	if h == nil || h.closed.Load() {
		return fmt.Errorf("%w: handle is closed", model.ErrConfig)
	}
	return nil
}

// datasetState is the shared in-memory view of one open dataset.
//
// Writes reserve contiguous blocks of sequence numbers. A block settles by
// committing to the index or by being abandoned, and blocks settle in
// sequence order: a block waits until every lower block has settled.
type datasetState struct {
	path string
	meta *backend.Descriptor
	refs int // guarded by Engine.mu

	mu      sync.Mutex
	settled *sync.Cond
	ds      *model.Dataset
	next    uint64 // next unreserved sequence number
	done    uint64 // every sequence number below done has settled
}

func newDatasetState(meta *backend.Descriptor, ds *model.Dataset) *datasetState {
	st := &datasetState{
		path: ds.Path(),
		meta: meta,
		ds:   ds,
		next: ds.NextSeq,
		done: ds.NextSeq,
	}
	st.settled = sync.NewCond(&st.mu)
	return st
}

func (st *datasetState) snapshot() *model.Dataset {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ds.Clone()
}

// reserve returns the first of n consecutive sequence numbers.
func (st *datasetState) reserve(n uint64) uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	start := st.next
	st.next += n
	return start
}

// waitTurn blocks until the block starting at start is the lowest
// unsettled one. st.mu must be held.
func (st *datasetState) waitTurn(start uint64) {
	for st.done != start {
		st.settled.Wait()
	}
}

// advance marks every sequence number below end as settled. st.mu must be
// held.
func (st *datasetState) advance(end uint64) {
	st.done = end
	st.settled.Broadcast()
}

// commit appends refs to the index and persists the dataset record. If the
// record cannot be persisted the index is left unchanged and refs become
// orphans.
func (st *datasetState) commit(ctx context.Context, start uint64, refs []model.FragmentRef) error {
	end := start + uint64(len(refs))

	st.mu.Lock()
	defer st.mu.Unlock()
	st.waitTurn(start)
	defer st.advance(end)

	next := st.ds.Clone()
	next.Index = append(next.Index, refs...)
	next.NextSeq = max(next.NextSeq, end)
	if err := st.persist(ctx, next); err != nil {
		failed := st.ds.Clone()
		failed.Orphans = append(failed.Orphans, refs...)
		failed.NextSeq = max(failed.NextSeq, end)
		st.ds = failed
		_ = st.persist(ctx, failed)
		return err
	}
	st.ds = next
	return nil
}

// abandon settles a failed block of n sequence numbers, recording orphans
// and advancing the persisted sequence counter past the block so its
// fragment IDs are never reused.
func (st *datasetState) abandon(ctx context.Context, start, n uint64, orphans []model.FragmentRef, logger *slog.Logger) {
	end := start + n

	st.mu.Lock()
	defer st.mu.Unlock()
	st.waitTurn(start)
	defer st.advance(end)

	next := st.ds.Clone()
	next.Orphans = append(next.Orphans, orphans...)
	next.NextSeq = max(next.NextSeq, end)
	st.ds = next
	if err := st.persist(ctx, next); err != nil {
		logger.Warn("persisting abandoned write failed",
			"dataset", st.path,
			"orphans", len(orphans),
			"error", err,
		)
	}
}

// dropOrphans removes the named orphans from the record.
func (st *datasetState) dropOrphans(ctx context.Context, ids map[string]bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.ds.Clone()
	kept := next.Orphans[:0]
	for _, ref := range next.Orphans {
		if !ids[ref.ID] {
			kept = append(kept, ref)
		}
	}
	next.Orphans = kept
	if err := st.persist(ctx, next); err != nil {
		return err
	}
	st.ds = next
	return nil
}

// persist writes d to the metadata backend. It runs to completion even if
// ctx is cancelled.
func (st *datasetState) persist(ctx context.Context, d *model.Dataset) error {
	ctx = context.WithoutCancel(ctx)
	if err := withBackend(st.meta, func(b backend.Backend) error { return b.DatasetUpdate(ctx, d) }); err != nil {
		return fmt.Errorf("updating dataset %q on %q: %w", st.path, st.meta.Name, err)
	}
	return nil
}

// acquire returns the shared state of the dataset named by desc, loading it
// from its metadata backend if no caller holds it. Every successful acquire
// must be paired with a release.
func (e *Engine) acquire(ctx context.Context, desc Descriptor) (*datasetState, error) {
	if err := validName("container", desc.Container); err != nil {
		return nil, err
	}
	if err := validName("dataset", desc.Dataset); err != nil {
		return nil, err
	}
	path := desc.Path()

	for {
		v, err, _ := e.loads.Do(path, func() (any, error) {
			e.mu.Lock()
			st, ok := e.open[path]
			e.mu.Unlock()
			if ok {
				return st, nil
			}

			st, err := e.load(ctx, desc)
			if err != nil {
				return nil, err
			}
			e.mu.Lock()
			e.open[path] = st
			e.mu.Unlock()
			return st, nil
		})
		if err != nil {
			return nil, err
		}

		st := v.(*datasetState)
		e.mu.Lock()
		if e.open[path] == st {
			st.refs++
			e.mu.Unlock()
			return st, nil
		}
		// Released by its last holder before we could take a reference.
		e.mu.Unlock()
	}
}

func (e *Engine) release(st *datasetState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st.refs--
	if st.refs <= 0 && e.open[st.path] == st {
		delete(e.open, st.path)
	}
}

func (e *Engine) load(ctx context.Context, desc Descriptor) (*datasetState, error) {
	md, _, err := e.findContainer(ctx, desc.Container)
	if err != nil {
		return nil, err
	}
	var ds *model.Dataset
	err = withBackend(md, func(b backend.Backend) error {
		var err error
		ds, err = b.DatasetRetrieve(ctx, desc.Container, desc.Dataset)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading dataset %q: %w", desc.Path(), err)
	}
	e.logger.Debug("dataset loaded", "dataset", ds.Path(), "fragments", len(ds.Index), "next_seq", ds.NextSeq)
	return newDatasetState(md, ds), nil
}
