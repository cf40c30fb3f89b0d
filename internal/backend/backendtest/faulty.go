// Package backendtest provides helpers for testing backend implementations
// and the components that drive them.
package backendtest

import (
	"context"
	"sync"
	"time"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/model"
)

// Faulty wraps a backend and injects failures and delays into it. It also
// records how fragment operations were invoked so tests can assert on
// concurrency and ordering.
type Faulty struct {
	backend.Backend

	mu          sync.Mutex
	initErr     error
	finalizeErr error
	writeErr    error
	readErr     error
	delay       time.Duration
	estimate    func(int64) time.Duration
	onFinalize  func(name string)
	inFlight    int
	maxInFlight int
	calls       []string
	finalized   bool
}

var _ backend.Backend = (*Faulty)(nil)

// NewFaulty wraps b.
func NewFaulty(b backend.Backend) *Faulty {
	return &Faulty{Backend: b}
}

// FailInit makes Init return err.
func (f *Faulty) FailInit(err error) *Faulty {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
	return f
}

// FailFinalize makes Finalize return err.
func (f *Faulty) FailFinalize(err error) *Faulty {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeErr = err
	return f
}

// FailWrites makes FragmentCreate and FragmentUpdate return err. A nil err
// restores normal behavior.
func (f *Faulty) FailWrites(err error) *Faulty {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
	return f
}

// FailReads makes FragmentRetrieve return err.
func (f *Faulty) FailReads(err error) *Faulty {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
	return f
}

// Delay holds every fragment operation for d, or until its context ends.
func (f *Faulty) Delay(d time.Duration) *Faulty {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// Estimate overrides PerformanceEstimate.
func (f *Faulty) Estimate(fn func(int64) time.Duration) *Faulty {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimate = fn
	return f
}

// OnFinalize registers a hook invoked with the backend name on Finalize.
func (f *Faulty) OnFinalize(fn func(name string)) *Faulty {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFinalize = fn
	return f
}

// MaxInFlight reports the highest number of concurrently running fragment
// operations observed.
func (f *Faulty) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Calls returns the fragment IDs passed to fragment operations in the order
// the calls started.
func (f *Faulty) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Finalized reports whether Finalize was called.
func (f *Faulty) Finalized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized
}

func (f *Faulty) Init(ctx context.Context) error {
	f.mu.Lock()
	err := f.initErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Backend.Init(ctx)
}

func (f *Faulty) Finalize(ctx context.Context) error {
	f.mu.Lock()
	f.finalized = true
	err, hook := f.finalizeErr, f.onFinalize
	f.mu.Unlock()
	if hook != nil {
		hook(f.Backend.Capabilities().Name)
	}
	if err != nil {
		return err
	}
	return f.Backend.Finalize(ctx)
}

func (f *Faulty) PerformanceEstimate(n int64) time.Duration {
	f.mu.Lock()
	fn := f.estimate
	f.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return f.Backend.PerformanceEstimate(n)
}

// enter records the start of a fragment call and applies the delay.
func (f *Faulty) enter(ctx context.Context, id string) (func(), error) {
	f.mu.Lock()
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.calls = append(f.calls, id)
	delay := f.delay
	f.mu.Unlock()

	leave := func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}
	if delay <= 0 {
		return leave, nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		leave()
		return nil, ctx.Err()
	case <-t.C:
		return leave, nil
	}
}

func (f *Faulty) FragmentCreate(ctx context.Context, frag *model.Fragment) error {
	leave, err := f.enter(ctx, frag.ID)
	if err != nil {
		return err
	}
	defer leave()
	f.mu.Lock()
	werr := f.writeErr
	f.mu.Unlock()
	if werr != nil {
		return werr
	}
	return f.Backend.FragmentCreate(ctx, frag)
}

func (f *Faulty) FragmentUpdate(ctx context.Context, frag *model.Fragment) error {
	leave, err := f.enter(ctx, frag.ID)
	if err != nil {
		return err
	}
	defer leave()
	f.mu.Lock()
	werr := f.writeErr
	f.mu.Unlock()
	if werr != nil {
		return werr
	}
	return f.Backend.FragmentUpdate(ctx, frag)
}

func (f *Faulty) FragmentRetrieve(ctx context.Context, frag *model.Fragment) ([]byte, error) {
	leave, err := f.enter(ctx, frag.ID)
	if err != nil {
		return nil, err
	}
	defer leave()
	f.mu.Lock()
	rerr := f.readErr
	f.mu.Unlock()
	if rerr != nil {
		return nil, rerr
	}
	return f.Backend.FragmentRetrieve(ctx, frag)
}
