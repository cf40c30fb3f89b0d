package backendtest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/model"
)

var created = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

// Run exercises the behavior every backend must provide. newBackend must
// return a fresh, uninitialized backend on every call.
func Run(t *testing.T, newBackend func(t *testing.T) backend.Backend) {
	t.Helper()

	setup := func(t *testing.T) backend.Backend {
		b := newBackend(t)
		require.NoError(t, b.Init(context.Background()))
		t.Cleanup(func() { _ = b.Finalize(context.Background()) })
		return b
	}

	t.Run("InitIdempotent", func(t *testing.T) {
		b := setup(t)
		ctx := context.Background()
		require.NoError(t, b.ContainerCreate(ctx, &model.Container{Name: "keep", CreatedAt: created}))
		require.NoError(t, b.Init(ctx))

		_, err := b.ContainerRetrieve(ctx, "keep")
		require.NoError(t, err, "Init must not destroy existing data")
	})

	t.Run("Capabilities", func(t *testing.T) {
		b := setup(t)
		caps := b.Capabilities()
		assert.NotEmpty(t, caps.Name)
		assert.NotEmpty(t, caps.Type)
		_, err := model.ParseCategory(string(caps.Category))
		assert.NoError(t, err)
	})

	t.Run("ContainerLifecycle", func(t *testing.T) {
		b := setup(t)
		ctx := context.Background()
		c := &model.Container{Name: "sim", Metadata: map[string]string{"owner": "ocean"}, CreatedAt: created}

		require.NoError(t, b.ContainerCreate(ctx, c))
		require.ErrorIs(t, b.ContainerCreate(ctx, c), model.ErrAlreadyExists)

		got, err := b.ContainerRetrieve(ctx, "sim")
		require.NoError(t, err)
		assert.Equal(t, c, got)

		c.Metadata["owner"] = "atmosphere"
		require.NoError(t, b.ContainerUpdate(ctx, c))
		got, err = b.ContainerRetrieve(ctx, "sim")
		require.NoError(t, err)
		assert.Equal(t, "atmosphere", got.Metadata["owner"])

		require.NoError(t, b.ContainerDestroy(ctx, "sim"))
		_, err = b.ContainerRetrieve(ctx, "sim")
		require.ErrorIs(t, err, model.ErrNotFound)
		require.ErrorIs(t, b.ContainerDestroy(ctx, "sim"), model.ErrNotFound)
		require.ErrorIs(t, b.ContainerUpdate(ctx, c), model.ErrNotFound)
	})

	t.Run("DatasetLifecycle", func(t *testing.T) {
		b := setup(t)
		ctx := context.Background()
		require.NoError(t, b.ContainerCreate(ctx, &model.Container{Name: "sim", CreatedAt: created}))

		d := &model.Dataset{
			Container: "sim",
			Name:      "temperature",
			Shape:     []uint64{4, 8},
			Type:      model.Datatype{Name: "float64", Size: 8},
			CreatedAt: created,
		}
		require.NoError(t, b.DatasetCreate(ctx, d))
		require.ErrorIs(t, b.DatasetCreate(ctx, d), model.ErrAlreadyExists)

		d.Index = append(d.Index, model.FragmentRef{
			Seq:     0,
			ID:      model.FragmentID(0),
			Region:  model.NewRegion([]uint64{0, 0}, []uint64{4, 8}),
			Backend: "fast",
			Bytes:   256,
		})
		d.NextSeq = 1
		require.NoError(t, b.DatasetUpdate(ctx, d))

		got, err := b.DatasetRetrieve(ctx, "sim", "temperature")
		require.NoError(t, err)
		assert.Equal(t, d, got)

		require.NoError(t, b.DatasetDestroy(ctx, "sim", "temperature"))
		_, err = b.DatasetRetrieve(ctx, "sim", "temperature")
		require.ErrorIs(t, err, model.ErrNotFound)
		require.ErrorIs(t, b.DatasetDestroy(ctx, "sim", "temperature"), model.ErrNotFound)
		require.ErrorIs(t, b.DatasetUpdate(ctx, d), model.ErrNotFound)
	})

	t.Run("FragmentLifecycle", func(t *testing.T) {
		b := setup(t)
		ctx := context.Background()
		f := &model.Fragment{
			Container: "sim",
			Dataset:   "temperature",
			Seq:       7,
			ID:        model.FragmentID(7),
			Region:    model.NewRegion([]uint64{2}, []uint64{4}),
			Data:      []byte{1, 2, 3, 4},
		}

		require.NoError(t, b.FragmentCreate(ctx, f))
		require.ErrorIs(t, b.FragmentCreate(ctx, f), model.ErrAlreadyExists)

		got, err := b.FragmentRetrieve(ctx, f.Ref().Fragment("sim", "temperature"))
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 4}, got)

		f.Data = []byte{9, 9, 9, 9}
		require.NoError(t, b.FragmentUpdate(ctx, f))
		got, err = b.FragmentRetrieve(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, []byte{9, 9, 9, 9}, got)

		require.NoError(t, b.FragmentDestroy(ctx, f))
		_, err = b.FragmentRetrieve(ctx, f)
		require.ErrorIs(t, err, model.ErrNotFound)
		require.ErrorIs(t, b.FragmentDestroy(ctx, f), model.ErrNotFound)
	})

	t.Run("FragmentsAreIsolatedByDataset", func(t *testing.T) {
		b := setup(t)
		ctx := context.Background()
		a := &model.Fragment{Container: "c", Dataset: "a", ID: model.FragmentID(0), Data: []byte("aaaa")}
		z := &model.Fragment{Container: "c", Dataset: "z", ID: model.FragmentID(0), Data: []byte("zzzz")}
		require.NoError(t, b.FragmentCreate(ctx, a))
		require.NoError(t, b.FragmentCreate(ctx, z))

		got, err := b.FragmentRetrieve(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, []byte("aaaa"), got)
	})

	t.Run("PayloadIsCopied", func(t *testing.T) {
		b := setup(t)
		ctx := context.Background()
		data := []byte{5, 6, 7}
		f := &model.Fragment{Container: "c", Dataset: "d", ID: model.FragmentID(1), Data: data}
		require.NoError(t, b.FragmentCreate(ctx, f))
		data[0] = 0

		got, err := b.FragmentRetrieve(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, []byte{5, 6, 7}, got)
	})

	t.Run("ConcurrentFragments", func(t *testing.T) {
		b := setup(t)
		if !b.Capabilities().ThreadSafe {
			t.Skip("backend is not thread-safe")
		}
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := range 16 {
			wg.Go(func() {
				f := &model.Fragment{
					Container: "c",
					Dataset:   "d",
					ID:        model.FragmentID(uint64(i)),
					Data:      bytes.Repeat([]byte{byte(i)}, 64),
				}
				if err := b.FragmentCreate(ctx, f); err != nil {
					errs <- fmt.Errorf("create %d: %w", i, err)
					return
				}
				got, err := b.FragmentRetrieve(ctx, f)
				if err != nil {
					errs <- fmt.Errorf("retrieve %d: %w", i, err)
					return
				}
				if !bytes.Equal(got, f.Data) {
					errs <- fmt.Errorf("fragment %d: payload mismatch", i)
				}
			})
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}
	})
}
