package engine_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/backend/backendtest"
	"github.com/luufmg/esdm/internal/backend/memory"
	"github.com/luufmg/esdm/internal/engine"
	"github.com/luufmg/esdm/internal/layout"
	"github.com/luufmg/esdm/internal/model"
	"github.com/luufmg/esdm/internal/perf"
	"github.com/luufmg/esdm/internal/scheduler"
)

var uniform = perf.Estimate{Throughput: 1 << 20, Latency: time.Millisecond}

// newEngine builds an engine with one in-memory metadata backend and the
// given data backends, all seeded with est.
func newEngine(t *testing.T, est perf.Estimate, data []backend.Backend, opts ...engine.Option) *engine.Engine {
	t.Helper()
	ctx := context.Background()
	r := backend.NewRegistry()
	if _, err := r.Register(ctx, memory.New("meta", model.CategoryMetadata), backend.WithEstimate(uniform)); err != nil {
		t.Fatalf("Register(meta): %v", err)
	}
	for _, b := range data {
		if _, err := r.Register(ctx, b, backend.WithEstimate(est)); err != nil {
			t.Fatalf("Register(%s): %v", b.Capabilities().Name, err)
		}
	}
	e := engine.New(r, opts...)
	t.Cleanup(func() { _ = e.Finalize(ctx) })
	return e
}

// openDataset creates container "sim" and the dataset "sim/name" and opens
// it.
func openDataset(t *testing.T, e *engine.Engine, name, typ string, shape ...uint64) *engine.Handle {
	t.Helper()
	ctx := context.Background()
	if err := e.Create(ctx, engine.Descriptor{Container: "sim"}); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("Create(container): %v", err)
	}
	desc := engine.Descriptor{Container: "sim", Dataset: name, Shape: shape, Type: typ}
	if err := e.Create(ctx, desc); err != nil {
		t.Fatalf("Create(dataset): %v", err)
	}
	h, err := e.Open(ctx, desc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(h) })
	return h
}

func region(offset, size []uint64) model.Region {
	return model.NewRegion(offset, size)
}

func fill(n int, v byte) []byte {
	return bytes.Repeat([]byte{v}, n)
}

func TestWriteReadInt32Matrix(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, uniform, []backend.Backend{memory.New("fast", model.CategoryData)})
	h := openDataset(t, e, "matrix", "int32", 2, 2)

	var buf []byte
	for _, v := range []uint32{1, 2, 3, 4} {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	full := region([]uint64{0, 0}, []uint64{2, 2})
	if err := e.Write(ctx, h, full, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, 16)
	if err := e.Read(ctx, h, full, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Errorf("Read = %v, want %v", got, buf)
	}

	// Second row only.
	row := make([]byte, 8)
	if err := e.Read(ctx, h, region([]uint64{1, 0}, []uint64{1, 2}), row); err != nil {
		t.Fatalf("Read(row): %v", err)
	}
	if a, b := binary.LittleEndian.Uint32(row), binary.LittleEndian.Uint32(row[4:]); a != 3 || b != 4 {
		t.Errorf("row = [%d %d], want [3 4]", a, b)
	}
}

func TestWriteSpreadsAcrossBackends(t *testing.T) {
	ctx := context.Background()
	r := backend.NewRegistry()
	must := func(_ *backend.Descriptor, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	fast := memory.New("fast", model.CategoryData)
	slow := memory.New("slow", model.CategoryData)
	must(r.Register(ctx, memory.New("meta", model.CategoryMetadata)))
	must(r.Register(ctx, fast, backend.WithEstimate(perf.Estimate{Throughput: 100})))
	must(r.Register(ctx, slow, backend.WithEstimate(perf.Estimate{Throughput: 50})))
	e := engine.New(r, engine.WithPolicy(layout.WeightedPolicy{BlockSize: 16}))
	h := openDataset(t, e, "field", "uint8", 16, 16)

	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i)
	}
	if err := e.Write(ctx, h, region([]uint64{0, 0}, []uint64{16, 16}), src); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if fast.Len() == 0 || slow.Len() == 0 {
		t.Fatalf("fragments: fast=%d slow=%d, want both non-zero", fast.Len(), slow.Len())
	}

	got := make([]byte, 256)
	if err := e.Read(ctx, h, region([]uint64{0, 0}, []uint64{16, 16}), got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Error("full read does not match written data")
	}

	// A window crossing the fragment boundary.
	win := region([]uint64{4, 2}, []uint64{8, 4})
	got = make([]byte, 32)
	if err := e.Read(ctx, h, win, got); err != nil {
		t.Fatalf("Read(window): %v", err)
	}
	var want []byte
	for i := 4; i < 12; i++ {
		want = append(want, src[i*16+2:i*16+6]...)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("window = %v, want %v", got, want)
	}
}

func TestOverlappingWritesLatestWins(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, uniform, []backend.Backend{memory.New("fast", model.CategoryData)})
	h := openDataset(t, e, "line", "uint8", 4)

	if err := e.Write(ctx, h, region([]uint64{0}, []uint64{4}), fill(4, 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Write(ctx, h, region([]uint64{1}, []uint64{2}), fill(2, 2)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, 4)
	if err := e.Read(ctx, h, region([]uint64{0}, []uint64{4}), got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if want := []byte{1, 2, 2, 1}; !bytes.Equal(got, want) {
		t.Errorf("Read = %v, want %v", got, want)
	}

	d := h.Stat()
	if len(d.Index) != 2 || d.Index[0].Seq != 0 || d.Index[1].Seq != 1 {
		t.Errorf("index = %+v, want seqs [0 1]", d.Index)
	}
	if d.NextSeq != 2 {
		t.Errorf("NextSeq = %d, want 2", d.NextSeq)
	}
}

func TestReadUncoveredRegion(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, uniform, []backend.Backend{memory.New("fast", model.CategoryData)})
	h := openDataset(t, e, "line", "uint8", 8)

	if err := e.Write(ctx, h, region([]uint64{0}, []uint64{4}), fill(4, 7)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := e.Read(ctx, h, region([]uint64{0}, []uint64{8}), make([]byte, 8))
	if !errors.Is(err, model.ErrMissingFragment) {
		t.Fatalf("Read error = %v, want ErrMissingFragment", err)
	}
	var mfe *model.MissingFragmentError
	if !errors.As(err, &mfe) {
		t.Fatalf("Read error %T is not a MissingFragmentError", err)
	}
	if len(mfe.Uncovered) != 1 || !mfe.Uncovered[0].Equal(region([]uint64{4}, []uint64{4})) {
		t.Errorf("uncovered = %v, want [[4:8]]", mfe.Uncovered)
	}
}

func TestPartialWriteFailureLeavesOrphans(t *testing.T) {
	ctx := context.Background()
	good := memory.New("good", model.CategoryData)
	bad := backendtest.NewFaulty(memory.New("bad", model.CategoryData)).
		FailWrites(errors.New("disk full"))
	e := newEngine(t, uniform, []backend.Backend{good, bad},
		engine.WithPolicy(layout.GridPolicy{Chunk: []uint64{2}}))
	h := openDataset(t, e, "line", "uint8", 4)
	desc := engine.Descriptor{Container: "sim", Dataset: "line"}

	err := e.Write(ctx, h, region([]uint64{0}, []uint64{4}), fill(4, 9))
	for _, target := range []error{model.ErrAggregate, model.ErrBackendWrite, model.ErrOrphanedFragment} {
		if !errors.Is(err, target) {
			t.Errorf("Write error = %v, want errors.Is %v", err, target)
		}
	}
	var agg *model.AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("Write error %T is not an AggregateError", err)
	}
	if agg.Total != 2 || len(agg.Failures) != 1 || len(agg.Orphans) != 1 {
		t.Fatalf("aggregate = total %d, %d failures, %d orphans; want 2, 1, 1", agg.Total, len(agg.Failures), len(agg.Orphans))
	}
	if agg.Orphans[0].Backend != "good" {
		t.Errorf("orphan on %q, want good", agg.Orphans[0].Backend)
	}

	d := h.Stat()
	if len(d.Index) != 0 {
		t.Errorf("index has %d entries after failed write, want 0", len(d.Index))
	}
	if d.NextSeq != 2 {
		t.Errorf("NextSeq = %d, want 2", d.NextSeq)
	}
	if err := e.Read(ctx, h, region([]uint64{0}, []uint64{4}), make([]byte, 4)); !errors.Is(err, model.ErrMissingFragment) {
		t.Errorf("Read after failed write = %v, want ErrMissingFragment", err)
	}

	orphans, err := e.Orphans(ctx, desc)
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if diff := cmp.Diff(agg.Orphans, orphans); diff != "" {
		t.Errorf("Orphans mismatch (-want +got):\n%s", diff)
	}

	n, err := e.Reclaim(ctx, desc)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if n != 1 || good.Len() != 0 {
		t.Errorf("Reclaim = %d with %d fragments left, want 1 and 0", n, good.Len())
	}
	if orphans, _ := e.Orphans(ctx, desc); len(orphans) != 0 {
		t.Errorf("orphans after reclaim = %v", orphans)
	}

	// Retrying after the fault clears uses fresh sequence numbers.
	bad.FailWrites(nil)
	if err := e.Write(ctx, h, region([]uint64{0}, []uint64{4}), fill(4, 9)); err != nil {
		t.Fatalf("retry Write: %v", err)
	}
	d = h.Stat()
	if len(d.Index) != 2 || d.Index[0].Seq != 2 || d.Index[1].Seq != 3 {
		t.Errorf("index after retry = %+v, want seqs [2 3]", d.Index)
	}
}

func TestConcurrentWritesCommitInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, uniform, []backend.Backend{memory.New("fast", model.CategoryData)},
		engine.WithPolicy(layout.SinglePolicy{}))
	h := openDataset(t, e, "line", "uint8", 8)

	const writers = 8
	var wg sync.WaitGroup
	for i := range writers {
		wg.Go(func() {
			if err := e.Write(ctx, h, region([]uint64{0}, []uint64{8}), fill(8, byte(i+1))); err != nil {
				t.Errorf("Write(%d): %v", i, err)
			}
		})
	}
	wg.Wait()

	d := h.Stat()
	if len(d.Index) != writers {
		t.Fatalf("index has %d entries, want %d", len(d.Index), writers)
	}
	for i, ref := range d.Index {
		if ref.Seq != uint64(i) {
			t.Errorf("index[%d].Seq = %d, want %d", i, ref.Seq, i)
		}
	}

	got := make([]byte, 8)
	if err := e.Read(ctx, h, region([]uint64{0}, []uint64{8}), got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, fill(8, got[0])) || got[0] == 0 {
		t.Errorf("Read = %v, want one writer's data", got)
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, uniform, []backend.Backend{memory.New("fast", model.CategoryData)},
		engine.WithPolicy(layout.SinglePolicy{}))
	desc := engine.Descriptor{Container: "sim", Dataset: "line", Shape: []uint64{4}, Type: "uint8"}
	if err := e.Create(ctx, engine.Descriptor{Container: "sim"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Create(ctx, desc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := e.Open(ctx, desc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Write(ctx, h, region([]uint64{0}, []uint64{4}), fill(4, 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(h); !errors.Is(err, model.ErrConfig) {
		t.Errorf("second Close = %v, want ErrConfig", err)
	}
	if err := e.Write(ctx, h, region([]uint64{0}, []uint64{4}), fill(4, 1)); !errors.Is(err, model.ErrConfig) {
		t.Errorf("Write on closed handle = %v, want ErrConfig", err)
	}

	h, err = e.Open(ctx, desc)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e.Close(h)
	if err := e.Write(ctx, h, region([]uint64{2}, []uint64{2}), fill(2, 5)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	d := h.Stat()
	if len(d.Index) != 2 || d.Index[1].Seq != 1 {
		t.Errorf("index after reopen = %+v, want seqs [0 1]", d.Index)
	}
	got := make([]byte, 4)
	if err := e.Read(ctx, h, region([]uint64{0}, []uint64{4}), got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if want := []byte{1, 1, 5, 5}; !bytes.Equal(got, want) {
		t.Errorf("Read = %v, want %v", got, want)
	}
}

func TestSharedHandlesSeeCommittedWrites(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, uniform, []backend.Backend{memory.New("fast", model.CategoryData)})
	h1 := openDataset(t, e, "line", "uint8", 4)
	h2, err := e.Open(ctx, engine.Descriptor{Container: "sim", Dataset: "line"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close(h2)
	if h1.ID == h2.ID {
		t.Errorf("handles share ID %s", h1.ID)
	}
	if got, want := e.Stats(), (engine.Stats{OpenDatasets: 1, OpenHandles: 2}); got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}

	if err := e.Write(ctx, h1, region([]uint64{0}, []uint64{4}), fill(4, 3)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 4)
	if err := e.Read(ctx, h2, region([]uint64{0}, []uint64{4}), got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, fill(4, 3)) {
		t.Errorf("Read via second handle = %v", got)
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, uniform, []backend.Backend{memory.New("fast", model.CategoryData)})
	if err := e.Create(ctx, engine.Descriptor{Container: "sim"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name string
		desc engine.Descriptor
		want error
	}{
		{"duplicate container", engine.Descriptor{Container: "sim"}, model.ErrAlreadyExists},
		{"empty container", engine.Descriptor{}, model.ErrConfig},
		{"separator", engine.Descriptor{Container: "a/b"}, model.ErrConfig},
		{"hidden", engine.Descriptor{Container: ".calibration"}, model.ErrConfig},
		{"missing container", engine.Descriptor{Container: "nope", Dataset: "d", Shape: []uint64{1}, Type: "byte"}, model.ErrNotFound},
		{"unknown type", engine.Descriptor{Container: "sim", Dataset: "d", Shape: []uint64{1}, Type: "complex128"}, model.ErrConfig},
		{"no shape", engine.Descriptor{Container: "sim", Dataset: "d", Type: "byte"}, model.ErrConfig},
		{"zero extent", engine.Descriptor{Container: "sim", Dataset: "d", Shape: []uint64{4, 0}, Type: "byte"}, model.ErrConfig},
		{"bad dataset name", engine.Descriptor{Container: "sim", Dataset: "x/y", Shape: []uint64{1}, Type: "byte"}, model.ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.Create(ctx, tt.desc); !errors.Is(err, tt.want) {
				t.Errorf("Create(%+v) = %v, want %v", tt.desc, err, tt.want)
			}
		})
	}

	ds := engine.Descriptor{Container: "sim", Dataset: "d", Shape: []uint64{2}, Type: "byte"}
	if err := e.Create(ctx, ds); err != nil {
		t.Fatalf("Create(dataset): %v", err)
	}
	if err := e.Create(ctx, ds); !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("duplicate dataset = %v, want ErrAlreadyExists", err)
	}
	if _, err := e.Open(ctx, engine.Descriptor{Container: "sim", Dataset: "missing"}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Open(missing) = %v, want ErrNotFound", err)
	}
}

func TestIOValidation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, uniform, []backend.Backend{memory.New("fast", model.CategoryData)})
	h := openDataset(t, e, "grid", "int16", 4, 4)

	tests := []struct {
		name   string
		region model.Region
		buf    []byte
	}{
		{"short buffer", region([]uint64{0, 0}, []uint64{2, 2}), make([]byte, 4)},
		{"long buffer", region([]uint64{0, 0}, []uint64{2, 2}), make([]byte, 16)},
		{"out of bounds", region([]uint64{3, 0}, []uint64{2, 2}), make([]byte, 8)},
		{"wrong rank", region([]uint64{0}, []uint64{2}), make([]byte, 4)},
		{"empty extent", region([]uint64{0, 0}, []uint64{0, 2}), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.Write(ctx, h, tt.region, tt.buf); !errors.Is(err, model.ErrConfig) {
				t.Errorf("Write = %v, want ErrConfig", err)
			}
			if err := e.Read(ctx, h, tt.region, tt.buf); !errors.Is(err, model.ErrConfig) {
				t.Errorf("Read = %v, want ErrConfig", err)
			}
		})
	}
}

func TestWriteWithoutDataBackends(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, uniform, nil)
	h := openDataset(t, e, "line", "uint8", 4)
	if err := e.Write(ctx, h, region([]uint64{0}, []uint64{4}), fill(4, 1)); !errors.Is(err, model.ErrBackendUnavailable) {
		t.Errorf("Write = %v, want ErrBackendUnavailable", err)
	}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, uniform, []backend.Backend{memory.New("fast", model.CategoryData)})
	if err := e.Create(ctx, engine.Descriptor{Container: "sim", Metadata: map[string]string{"owner": "ocean"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h := openDataset(t, e, "line", "float32", 4)
	if err := e.Write(ctx, h, region([]uint64{0}, []uint64{2}), make([]byte, 8)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	md, err := e.Stat(ctx, engine.Descriptor{Container: "sim"})
	if err != nil {
		t.Fatalf("Stat(container): %v", err)
	}
	if md.Backend != "meta" || md.Dataset != nil || md.Container.Metadata["owner"] != "ocean" {
		t.Errorf("Stat(container) = %+v", md)
	}

	md, err = e.Stat(ctx, engine.Descriptor{Container: "sim", Dataset: "line"})
	if err != nil {
		t.Fatalf("Stat(dataset): %v", err)
	}
	if md.Dataset == nil || md.Dataset.Type.Name != "float32" || len(md.Dataset.Index) != 1 {
		t.Fatalf("Stat(dataset) = %+v", md.Dataset)
	}
	if got := md.Dataset.Index[0].Bytes; got != 8 {
		t.Errorf("fragment bytes = %d, want 8", got)
	}

	c, err := e.UpdateContainer(ctx, "sim", map[string]string{"owner": "atmosphere"})
	if err != nil {
		t.Fatalf("UpdateContainer: %v", err)
	}
	md, _ = e.Stat(ctx, engine.Descriptor{Container: "sim"})
	if md.Container.Metadata["owner"] != "atmosphere" || c.Metadata["owner"] != "atmosphere" {
		t.Errorf("metadata after update = %v", md.Container.Metadata)
	}

	if _, err := e.Stat(ctx, engine.Descriptor{Container: "gone"}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Stat(missing) = %v, want ErrNotFound", err)
	}
}

func TestDestroyDataset(t *testing.T) {
	ctx := context.Background()
	data := memory.New("fast", model.CategoryData)
	e := newEngine(t, uniform, []backend.Backend{data}, engine.WithPolicy(layout.SinglePolicy{}))
	desc := engine.Descriptor{Container: "sim", Dataset: "line", Shape: []uint64{4}, Type: "uint8"}
	if err := e.Create(ctx, engine.Descriptor{Container: "sim"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Create(ctx, desc); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h, err := e.Open(ctx, desc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := range 3 {
		if err := e.Write(ctx, h, region([]uint64{0}, []uint64{4}), fill(4, byte(i))); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if err := e.Destroy(ctx, desc); !errors.Is(err, model.ErrConfig) {
		t.Errorf("Destroy with open handle = %v, want ErrConfig", err)
	}
	_ = e.Close(h)

	if err := e.Destroy(ctx, desc); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if data.Len() != 0 {
		t.Errorf("%d fragments left after destroy", data.Len())
	}
	if _, err := e.Stat(ctx, desc); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Stat after destroy = %v, want ErrNotFound", err)
	}

	if err := e.Destroy(ctx, engine.Descriptor{Container: "sim"}); err != nil {
		t.Fatalf("Destroy(container): %v", err)
	}
	if _, err := e.Stat(ctx, engine.Descriptor{Container: "sim"}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Stat(container) after destroy = %v, want ErrNotFound", err)
	}
}

func TestContainersSpanMetadataBackends(t *testing.T) {
	ctx := context.Background()
	r := backend.NewRegistry()
	for _, name := range []string{"md-a", "md-b"} {
		if _, err := r.Register(ctx, memory.New(name, model.CategoryMetadata), backend.WithEstimate(uniform)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if _, err := r.Register(ctx, memory.New("fast", model.CategoryData), backend.WithEstimate(uniform)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e := engine.New(r)

	for i := range 4 {
		if err := e.Create(ctx, engine.Descriptor{Container: fmt.Sprintf("c%d", i)}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	for i := range 4 {
		name := fmt.Sprintf("c%d", i)
		if _, err := e.Stat(ctx, engine.Descriptor{Container: name}); err != nil {
			t.Errorf("Stat(%s): %v", name, err)
		}
		if err := e.Create(ctx, engine.Descriptor{Container: name}); !errors.Is(err, model.ErrAlreadyExists) {
			t.Errorf("Create(%s) again = %v, want ErrAlreadyExists", name, err)
		}
	}
}

func TestEventsPublishedPerDataset(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, uniform, []backend.Backend{memory.New("fast", model.CategoryData)},
		engine.WithPolicy(layout.SinglePolicy{}))
	h := openDataset(t, e, "line", "uint8", 4)

	events, unsubscribe := e.Events().Subscribe("sim/line")
	defer unsubscribe()
	other, unsubscribeOther := e.Events().Subscribe("sim/other")
	defer unsubscribeOther()

	if err := e.Write(ctx, h, region([]uint64{0}, []uint64{4}), fill(4, 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var states []scheduler.State
	for len(states) < 2 {
		select {
		case ev := <-events:
			if ev.Dataset != "sim/line" || ev.Op != model.OpWrite {
				t.Errorf("event = %+v", ev)
			}
			states = append(states, ev.State)
		case <-time.After(time.Second):
			t.Fatalf("timed out with states %v", states)
		}
	}
	if diff := cmp.Diff([]scheduler.State{scheduler.StateDispatched, scheduler.StateSucceeded}, states); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	select {
	case ev := <-other:
		t.Errorf("unrelated subscriber got %+v", ev)
	default:
	}
}
