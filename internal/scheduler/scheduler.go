package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/model"
	"github.com/luufmg/esdm/internal/perf"
)

// DefaultWorkers bounds the number of sub-requests in flight per logical
// request.
const DefaultWorkers = 8

// Event reports a sub-request state change.
type Event struct {
	Request  string        `json:"request"`
	Dataset  string        `json:"dataset"`
	Op       model.Op      `json:"op"`
	Fragment string        `json:"fragment"`
	Region   string        `json:"region"`
	Backend  string        `json:"backend"`
	State    State         `json:"state"`
	Bytes    int64         `json:"bytes,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Time     time.Time     `json:"time"`
}

// Observer receives sub-request events. It is called from worker
// goroutines and must not block.
type Observer func(Event)

// Scheduler runs logical requests.
type Scheduler struct {
	model    *perf.Model
	workers  int
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers bounds concurrent sub-requests per logical request.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithTimeout bounds each backend call. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithObserver receives every sub-request state change.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler that reports observations to m.
func New(m *perf.Model, opts ...Option) *Scheduler {
	s := &Scheduler{
		model:   m,
		workers: DefaultWorkers,
		logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes every sub-request of req and returns once all of them are
// terminal.
//
// Writes run every sub-request that can be dispatched and report all
// failures in a *model.AggregateError. Reads stop dispatching at the first
// failure and return it. Cancelling ctx or req stops dispatching; calls
// already handed to a backend finish on a context that is not cancelled.
func (s *Scheduler) Run(ctx context.Context, req *Request) error {
	var (
		g      errgroup.Group
		failed atomic.Bool
		mu     sync.Mutex
		first  error
	)
	g.SetLimit(s.workers)

	stopped := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if req.Cancelled() {
			return context.Canceled
		}
		if req.Op == model.OpRead && failed.Load() {
			return errAborted
		}
		return nil
	}

	for _, lane := range lanes(req.Subs) {
		g.Go(func() error {
			for _, sub := range lane {
				if cause := stopped(); cause != nil {
					s.skip(req, sub, cause)
					continue
				}
				if err := s.execute(ctx, req, sub); err != nil {
					failed.Store(true)
					mu.Lock()
					if first == nil {
						first = err
					}
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if req.Op == model.OpRead {
		if first != nil {
			return first
		}
		for _, sub := range req.Subs {
			if err := sub.Err(); err != nil {
				return err
			}
		}
		return nil
	}

	var failures []*model.SubRegionError
	for _, sub := range req.Subs {
		var sre *model.SubRegionError
		if errors.As(sub.Err(), &sre) {
			failures = append(failures, sre)
		}
	}
	if len(failures) > 0 {
		return &model.AggregateError{Total: len(req.Subs), Failures: failures}
	}
	return nil
}

// errAborted marks read sub-requests skipped after a sibling failed.
var errAborted = errors.New("aborted after sibling failure")

// lanes groups sub-requests into independently runnable sequences. Each
// sub-request on a thread-safe backend is its own lane; all sub-requests on
// one non-thread-safe backend share a lane ordered by sequence number.
func lanes(subs []*SubRequest) [][]*SubRequest {
	var out [][]*SubRequest
	serial := make(map[*backend.Descriptor]int)
	for _, sub := range subs {
		if sub.Backend.ThreadSafe {
			out = append(out, []*SubRequest{sub})
			continue
		}
		i, ok := serial[sub.Backend]
		if !ok {
			i = len(out)
			serial[sub.Backend] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], sub)
	}
	for _, i := range serial {
		lane := out[i]
		sort.SliceStable(lane, func(a, b int) bool { return lane[a].Fragment.Seq < lane[b].Fragment.Seq })
	}
	return out
}

func (s *Scheduler) skip(req *Request, sub *SubRequest, cause error) {
	err := &model.SubRegionError{
		Op:       req.Op,
		Fragment: sub.Fragment.ID,
		Region:   sub.Fragment.Region,
		Backend:  sub.Backend.Name,
		Err:      fmt.Errorf("not dispatched: %w", cause),
	}
	if !sub.transition(StateFailed) {
		return
	}
	sub.finish(err, 0, 0)
	s.emit(req, sub, StateFailed, err, 0, 0)
}

// execute performs one backend call and records its outcome.
func (s *Scheduler) execute(ctx context.Context, req *Request, sub *SubRequest) error {
	release := sub.Backend.Acquire()
	defer release()

	if !sub.transition(StateDispatched) {
		return nil
	}
	s.emit(req, sub, StateDispatched, nil, 0, 0)

	callCtx := context.WithoutCancel(ctx)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, s.timeout)
		defer cancel()
	}

	name := sub.Backend.Name
	subRequestsInFlight.WithLabelValues(name).Inc()
	start := time.Now()
	n, err := s.call(callCtx, req.Op, sub)
	duration := time.Since(start)
	subRequestsInFlight.WithLabelValues(name).Dec()

	if err != nil && callCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%w after %s: %v", model.ErrTimeout, s.timeout, err)
	}

	s.model.Update(sub.Backend.Perf, n, duration)
	est := sub.Backend.Perf.Snapshot()
	backendThroughput.WithLabelValues(name).Set(est.Throughput)
	backendLatency.WithLabelValues(name).Set(est.Latency.Seconds())
	subRequestDuration.WithLabelValues(name, string(req.Op)).Observe(duration.Seconds())

	if err != nil {
		sre := &model.SubRegionError{
			Op:       req.Op,
			Fragment: sub.Fragment.ID,
			Region:   sub.Fragment.Region,
			Backend:  name,
			Err:      err,
		}
		sub.finish(sre, n, duration)
		subRequestsTotal.WithLabelValues(name, string(req.Op), "failure").Inc()
		s.logger.Warn("sub-request failed",
			"request", req.ID,
			"dataset", req.Dataset,
			"op", req.Op,
			"fragment", sub.Fragment.ID,
			"backend", name,
			"error", err,
		)
		s.emit(req, sub, StateFailed, sre, n, duration)
		return sre
	}

	sub.finish(nil, n, duration)
	subRequestsTotal.WithLabelValues(name, string(req.Op), "success").Inc()
	subRequestBytes.WithLabelValues(name, string(req.Op)).Add(float64(n))
	s.emit(req, sub, StateSucceeded, nil, n, duration)
	return nil
}

func (s *Scheduler) call(ctx context.Context, op model.Op, sub *SubRequest) (int64, error) {
	b := sub.Backend.Backend
	switch op {
	case model.OpWrite:
		if err := b.FragmentCreate(ctx, sub.Fragment); err != nil {
			return model.Transferred(err), err
		}
		return int64(len(sub.Fragment.Data)), nil
	case model.OpRead:
		data, err := b.FragmentRetrieve(ctx, sub.Fragment)
		if err != nil {
			return model.Transferred(err), err
		}
		sub.Fragment.Data = data
		return int64(len(data)), nil
	}
	return 0, fmt.Errorf("%w: unknown operation %q", model.ErrConfig, op)
}

func (s *Scheduler) emit(req *Request, sub *SubRequest, state State, err error, n int64, d time.Duration) {
	s.logger.Debug("sub-request transition",
		"request", req.ID,
		"fragment", sub.Fragment.ID,
		"backend", sub.Backend.Name,
		"state", state,
	)
	if s.observer == nil {
		return
	}
	ev := Event{
		Request:  req.ID,
		Dataset:  req.Dataset,
		Op:       req.Op,
		Fragment: sub.Fragment.ID,
		Region:   sub.Fragment.Region.String(),
		Backend:  sub.Backend.Name,
		State:    state,
		Bytes:    n,
		Duration: d,
		Time:     time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.observer(ev)
}
