package layout

import (
	"fmt"
	"sort"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/model"
)

// Policy splits a write region into non-overlapping sub-regions whose union
// is exactly the input region.
type Policy interface {
	Name() string
	Split(region model.Region, elemSize int, candidates []*backend.Descriptor) ([]model.Region, error)
}

// DefaultBlockSize is the request size below which WeightedPolicy never
// splits.
const DefaultBlockSize = 4 << 20

// WeightedPolicy splits along the slowest-varying dimension with more than
// one element into one contiguous chunk per candidate backend. Each chunk's
// share of rows is proportional to the backend's throughput estimate.
type WeightedPolicy struct {
	BlockSize int64
}

func (p WeightedPolicy) Name() string { return "weighted" }

func (p WeightedPolicy) Split(region model.Region, elemSize int, candidates []*backend.Descriptor) ([]model.Region, error) {
	block := p.BlockSize
	if block <= 0 {
		block = DefaultBlockSize
	}
	if region.Bytes(elemSize) <= block || len(candidates) < 2 {
		return []model.Region{region.Clone()}, nil
	}

	dim := -1
	for d, s := range region.Size {
		if s > 1 {
			dim = d
			break
		}
	}
	if dim < 0 {
		return []model.Region{region.Clone()}, nil
	}

	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		weights[i] = c.Perf.Snapshot().Throughput
	}
	rows := apportion(region.Size[dim], weights)

	out := make([]model.Region, 0, len(rows))
	offset := region.Offset[dim]
	for _, n := range rows {
		if n == 0 {
			continue
		}
		chunk := region.Clone()
		chunk.Offset[dim] = offset
		chunk.Size[dim] = n
		out = append(out, chunk)
		offset += n
	}
	return out, nil
}

// apportion distributes total units over weights with the largest remainder
// method. Ties on the remainder go to the lower index.
func apportion(total uint64, weights []float64) []uint64 {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	out := make([]uint64, len(weights))
	if sum <= 0 {
		out[0] = total
		return out
	}

	type rem struct {
		idx  int
		frac float64
	}
	rems := make([]rem, len(weights))
	var assigned uint64
	for i, w := range weights {
		quota := float64(total) * w / sum
		whole := uint64(quota)
		out[i] = whole
		assigned += whole
		rems[i] = rem{idx: i, frac: quota - float64(whole)}
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
	for i := 0; assigned < total; i++ {
		out[rems[i%len(rems)].idx]++
		assigned++
	}
	return out
}

// SinglePolicy never splits.
type SinglePolicy struct{}

func (SinglePolicy) Name() string { return "single" }

func (SinglePolicy) Split(region model.Region, _ int, _ []*backend.Descriptor) ([]model.Region, error) {
	return []model.Region{region.Clone()}, nil
}

// GridPolicy cuts the region along a fixed grid anchored at the dataset
// origin. A zero chunk extent leaves that dimension whole.
type GridPolicy struct {
	Chunk []uint64
}

func (p GridPolicy) Name() string { return "grid" }

func (p GridPolicy) Split(region model.Region, _ int, _ []*backend.Descriptor) ([]model.Region, error) {
	if len(p.Chunk) != region.Dims() {
		return nil, fmt.Errorf("%w: grid chunk has %d dimensions, region has %d", model.ErrConfig, len(p.Chunk), region.Dims())
	}

	// Per-dimension cut points, then the cartesian product in row-major order.
	cuts := make([][][2]uint64, region.Dims())
	for d := range region.Size {
		lo, hi := region.Offset[d], region.End(d)
		step := p.Chunk[d]
		if step == 0 {
			cuts[d] = [][2]uint64{{lo, hi}}
			continue
		}
		for start := lo; start < hi; {
			end := min((start/step+1)*step, hi)
			cuts[d] = append(cuts[d], [2]uint64{start, end})
			start = end
		}
	}

	var out []model.Region
	idx := make([]int, region.Dims())
	for {
		r := model.Region{Offset: make([]uint64, region.Dims()), Size: make([]uint64, region.Dims())}
		for d, i := range idx {
			r.Offset[d] = cuts[d][i][0]
			r.Size[d] = cuts[d][i][1] - cuts[d][i][0]
		}
		out = append(out, r)

		d := region.Dims() - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < len(cuts[d]) {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return out, nil
		}
	}
}

// ParsePolicy builds a policy by name.
func ParsePolicy(name string, blockSize int64, chunk []uint64) (Policy, error) {
	switch name {
	case "", "weighted":
		return WeightedPolicy{BlockSize: blockSize}, nil
	case "single":
		return SinglePolicy{}, nil
	case "grid":
		if len(chunk) == 0 {
			return nil, fmt.Errorf("%w: grid policy requires a chunk shape", model.ErrConfig)
		}
		return GridPolicy{Chunk: append([]uint64(nil), chunk...)}, nil
	}
	return nil, fmt.Errorf("%w: unknown decomposition policy %q", model.ErrConfig, name)
}
