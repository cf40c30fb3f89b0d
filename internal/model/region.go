package model

import (
	"fmt"
	"math"
	"strings"
)

// Region is a rectangular hyperslab of a dataset described by one offset and
// one extent per dimension. Elements inside a region are laid out row-major,
// the last dimension varying fastest.
type Region struct {
	Offset []uint64 `json:"offset"`
	Size   []uint64 `json:"size"`
}

// NewRegion returns a region owning copies of offset and size.
func NewRegion(offset, size []uint64) Region {
	return Region{
		Offset: append([]uint64(nil), offset...),
		Size:   append([]uint64(nil), size...),
	}
}

// Dims returns the dimensionality of the region.
func (r Region) Dims() int {
	return len(r.Size)
}

// Validate reports whether r is a well-formed, non-empty region.
func (r Region) Validate() error {
	if len(r.Size) == 0 {
		return fmt.Errorf("%w: region has no dimensions", ErrConfig)
	}
	if len(r.Offset) != len(r.Size) {
		return fmt.Errorf("%w: region has %d offsets and %d sizes", ErrConfig, len(r.Offset), len(r.Size))
	}
	for d, s := range r.Size {
		if s == 0 {
			return fmt.Errorf("%w: region dimension %d is empty", ErrConfig, d)
		}
		if r.Offset[d] > math.MaxUint64-s {
			return fmt.Errorf("%w: region dimension %d overflows", ErrConfig, d)
		}
	}
	return nil
}

// Count returns the number of elements covered by the region.
func (r Region) Count() uint64 {
	if len(r.Size) == 0 {
		return 0
	}
	n := uint64(1)
	for _, s := range r.Size {
		n *= s
	}
	return n
}

// Bytes returns the payload size of the region for elements of elemSize bytes.
func (r Region) Bytes(elemSize int) int64 {
	return int64(r.Count()) * int64(elemSize)
}

// End returns the exclusive upper bound of dimension d.
func (r Region) End(d int) uint64 {
	return r.Offset[d] + r.Size[d]
}

// Clone returns a deep copy of r.
func (r Region) Clone() Region {
	return NewRegion(r.Offset, r.Size)
}

// Equal reports whether r and o describe the same hyperslab.
func (r Region) Equal(o Region) bool {
	if len(r.Offset) != len(o.Offset) || len(r.Size) != len(o.Size) {
		return false
	}
	for d := range r.Size {
		if r.Offset[d] != o.Offset[d] || r.Size[d] != o.Size[d] {
			return false
		}
	}
	return true
}

// Contains reports whether o lies entirely inside r.
func (r Region) Contains(o Region) bool {
	if r.Dims() != o.Dims() {
		return false
	}
	for d := range r.Size {
		if o.Offset[d] < r.Offset[d] || o.End(d) > r.End(d) {
			return false
		}
	}
	return true
}

// Intersect returns the overlap of r and o. The boolean is false when the
// regions are disjoint or of different dimensionality.
func (r Region) Intersect(o Region) (Region, bool) {
	if r.Dims() != o.Dims() || r.Dims() == 0 {
		return Region{}, false
	}
	out := Region{Offset: make([]uint64, r.Dims()), Size: make([]uint64, r.Dims())}
	for d := range r.Size {
		lo := max(r.Offset[d], o.Offset[d])
		hi := min(r.End(d), o.End(d))
		if hi <= lo {
			return Region{}, false
		}
		out.Offset[d] = lo
		out.Size[d] = hi - lo
	}
	return out, true
}

// Overlaps reports whether r and o share at least one element.
func (r Region) Overlaps(o Region) bool {
	_, ok := r.Intersect(o)
	return ok
}

// Subtract returns r with o removed, as a set of pairwise disjoint regions
// whose union is exactly r \ o.
func (r Region) Subtract(o Region) []Region {
	if !r.Overlaps(o) {
		return []Region{r.Clone()}
	}
	var out []Region
	rest := r.Clone()
	for d := range rest.Size {
		if rest.Offset[d] < o.Offset[d] {
			below := rest.Clone()
			below.Size[d] = o.Offset[d] - rest.Offset[d]
			out = append(out, below)
			rest.Size[d] -= below.Size[d]
			rest.Offset[d] = o.Offset[d]
		}
		if rest.End(d) > o.End(d) {
			above := rest.Clone()
			above.Offset[d] = o.End(d)
			above.Size[d] = rest.End(d) - o.End(d)
			out = append(out, above)
			rest.Size[d] = o.End(d) - rest.Offset[d]
		}
	}
	return out
}

// String formats the region as per-dimension half-open ranges, e.g. [0:2,4:8].
func (r Region) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for d := range r.Size {
		if d > 0 {
			b.WriteByte(',')
		}
		if d < len(r.Offset) {
			fmt.Fprintf(&b, "%d:%d", r.Offset[d], r.Offset[d]+r.Size[d])
		} else {
			fmt.Fprintf(&b, "?:%d", r.Size[d])
		}
	}
	b.WriteByte(']')
	return b.String()
}

// CopyRegion copies the elements of sub from src, whose bytes are laid out
// over srcRegion, into dst, whose bytes are laid out over dstRegion. sub must
// lie inside both layouts.
func CopyRegion(dst []byte, dstRegion Region, src []byte, srcRegion Region, sub Region, elemSize int) error {
	if !srcRegion.Contains(sub) || !dstRegion.Contains(sub) {
		return fmt.Errorf("%w: sub-region %s outside of %s or %s", ErrConfig, sub, srcRegion, dstRegion)
	}
	if int64(len(src)) < srcRegion.Bytes(elemSize) || int64(len(dst)) < dstRegion.Bytes(elemSize) {
		return fmt.Errorf("%w: buffer shorter than its region", ErrConfig)
	}

	n := sub.Dims()
	last := n - 1
	srcStride := strides(srcRegion)
	dstStride := strides(dstRegion)
	rowBytes := int(sub.Size[last]) * elemSize

	idx := make([]uint64, n)
	for {
		var srcOff, dstOff uint64
		for d := 0; d < n; d++ {
			pos := sub.Offset[d] + idx[d]
			srcOff += (pos - srcRegion.Offset[d]) * srcStride[d]
			dstOff += (pos - dstRegion.Offset[d]) * dstStride[d]
		}
		so := int(srcOff) * elemSize
		do := int(dstOff) * elemSize
		copy(dst[do:do+rowBytes], src[so:so+rowBytes])

		// Odometer over every dimension except the contiguous last one.
		d := last - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < sub.Size[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}

// strides returns the element stride of each dimension of r.
func strides(r Region) []uint64 {
	s := make([]uint64, r.Dims())
	acc := uint64(1)
	for d := r.Dims() - 1; d >= 0; d-- {
		s[d] = acc
		acc *= r.Size[d]
	}
	return s
}
