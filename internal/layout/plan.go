package layout

import (
	"sort"

	"github.com/luufmg/esdm/internal/model"
)

// Source is one fragment contributing to a read together with the disjoint
// pieces of the request it supplies.
type Source struct {
	Fragment model.FragmentRef
	Pieces   []model.Region
}

// GatherPlan lists the fragments needed to reconstruct a region, ordered by
// ascending sequence number. Pieces of different sources never overlap.
type GatherPlan struct {
	Region  model.Region
	Sources []Source
}

// Plan resolves region against the fragment index of d. Where fragments
// overlap only the one with the highest sequence number contributes. Areas
// no fragment covers fail the plan with a *model.MissingFragmentError.
func Plan(d *model.Dataset, region model.Region) (*GatherPlan, error) {
	if err := CheckBounds(d, region); err != nil {
		return nil, err
	}

	refs := make([]model.FragmentRef, len(d.Index))
	copy(refs, d.Index)
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Seq > refs[j].Seq })

	remaining := []model.Region{region.Clone()}
	var sources []Source
	for _, ref := range refs {
		if len(remaining) == 0 {
			break
		}
		if !ref.Region.Overlaps(region) {
			continue
		}
		var pieces, next []model.Region
		for _, r := range remaining {
			inter, ok := r.Intersect(ref.Region)
			if !ok {
				next = append(next, r)
				continue
			}
			pieces = append(pieces, inter)
			next = append(next, r.Subtract(ref.Region)...)
		}
		remaining = next
		if len(pieces) > 0 {
			sources = append(sources, Source{Fragment: ref, Pieces: pieces})
		}
	}
	if len(remaining) > 0 {
		return nil, &model.MissingFragmentError{Dataset: d.Path(), Uncovered: remaining}
	}

	for i, j := 0, len(sources)-1; i < j; i, j = i+1, j-1 {
		sources[i], sources[j] = sources[j], sources[i]
	}
	return &GatherPlan{Region: region.Clone(), Sources: sources}, nil
}

// Bytes returns the total payload the plan retrieves from backends.
func (p *GatherPlan) Bytes() int64 {
	var n int64
	for _, s := range p.Sources {
		n += s.Fragment.Bytes
	}
	return n
}
