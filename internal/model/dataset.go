package model

import (
	"fmt"
	"time"
)

// Category distinguishes backends holding fragment payloads from backends
// holding container and dataset records.
type Category string

// Backend categories.
const (
	CategoryData     Category = "data"
	CategoryMetadata Category = "metadata"
)

// ParseCategory converts a configuration string into a Category.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryData, CategoryMetadata:
		return Category(s), nil
	}
	return "", fmt.Errorf("%w: unknown backend category %q", ErrConfig, s)
}

// Op names the kind of byte-range operation a sub-request performs.
type Op string

// Sub-request operations.
const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Container is a named namespace grouping datasets.
type Container struct {
	Name      string            `json:"name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Dataset is a named, shaped multidimensional array backed by an append-only
// index of fragments.
type Dataset struct {
	Container string        `json:"container"`
	Name      string        `json:"name"`
	Shape     []uint64      `json:"shape"`
	Type      Datatype      `json:"type"`
	Index     []FragmentRef `json:"index"`
	NextSeq   uint64        `json:"next_seq"`
	Orphans   []FragmentRef `json:"orphans,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Path returns the container-qualified dataset name.
func (d *Dataset) Path() string {
	return d.Container + "/" + d.Name
}

// Bounds returns the region spanning the whole dataset.
func (d *Dataset) Bounds() Region {
	return Region{Offset: make([]uint64, len(d.Shape)), Size: append([]uint64(nil), d.Shape...)}
}

// Clone returns a deep copy of d.
func (d *Dataset) Clone() *Dataset {
	c := *d
	c.Shape = append([]uint64(nil), d.Shape...)
	c.Index = cloneRefs(d.Index)
	c.Orphans = cloneRefs(d.Orphans)
	return &c
}

func cloneRefs(refs []FragmentRef) []FragmentRef {
	if refs == nil {
		return nil
	}
	out := make([]FragmentRef, len(refs))
	for i, r := range refs {
		out[i] = r
		out[i].Region = r.Region.Clone()
	}
	return out
}

// FragmentRef is a persisted fragment index entry.
type FragmentRef struct {
	Seq     uint64 `json:"seq"`
	ID      string `json:"id"`
	Region  Region `json:"region"`
	Backend string `json:"backend"`
	Bytes   int64  `json:"bytes"`
}

// Fragment is the atomic persisted unit: a rectangular sub-region of one
// dataset stored on exactly one backend. Data is only populated while a
// fragment is in flight.
type Fragment struct {
	Container string
	Dataset   string
	Seq       uint64
	ID        string
	Region    Region
	Backend   string
	Data      []byte
}

// FragmentID derives the stable fragment identifier from a sequence number.
func FragmentID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// Ref returns the index entry describing f.
func (f *Fragment) Ref() FragmentRef {
	return FragmentRef{
		Seq:     f.Seq,
		ID:      f.ID,
		Region:  f.Region.Clone(),
		Backend: f.Backend,
		Bytes:   int64(len(f.Data)),
	}
}

// Fragment rebuilds the payload-less fragment addressed by r.
func (r FragmentRef) Fragment(container, dataset string) *Fragment {
	return &Fragment{
		Container: container,
		Dataset:   dataset,
		Seq:       r.Seq,
		ID:        r.ID,
		Region:    r.Region.Clone(),
		Backend:   r.Backend,
	}
}
