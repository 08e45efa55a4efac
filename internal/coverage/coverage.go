// Package coverage tracks which indices of a model hold data, using roaring
// bitmaps keyed by position within a granularity: the layer number for
// layer indices and the flat neuron number for neuron indices.
package coverage

import (
	"fmt"
	"iter"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// Set is a set of indices of one granularity for one model.
type Set struct {
	meta types.ModelMetadata
	g    types.Granularity
	rb   *roaring.Bitmap
}

// NewSet returns an empty set. Neuron sets of models whose neuron count does
// not fit in 32 bits are rejected.
func NewSet(meta types.ModelMetadata, g types.Granularity) (*Set, error) {
	if g == types.GranularityNeuron && meta.NumTotalNeurons() > math.MaxUint32 {
		return nil, fmt.Errorf("model %q has %d neurons, too many to track", meta.Name, meta.NumTotalNeurons())
	}
	return &Set{meta: meta, g: g, rb: roaring.New()}, nil
}

// Granularity returns the granularity the set holds.
func (s *Set) Granularity() types.Granularity { return s.g }

// Add inserts idx. It fails if idx is of another granularity or out of the
// model's range.
func (s *Set) Add(idx types.Index) error {
	if idx.Granularity() != s.g {
		return fmt.Errorf("%w: %s index in %s set", types.ErrInvalidIndex, idx.Granularity(), s.g)
	}
	if err := idx.Validate(s.meta); err != nil {
		return err
	}
	s.rb.Add(s.key(idx))
	return nil
}

// Contains reports whether idx is in the set.
func (s *Set) Contains(idx types.Index) bool {
	if idx.Granularity() != s.g {
		return false
	}
	return s.rb.Contains(s.key(idx))
}

// Len returns the number of indices in the set.
func (s *Set) Len() int {
	return int(s.rb.GetCardinality())
}

// Missing returns the complement of the set within the model's range.
func (s *Set) Missing() *Set {
	all := roaring.New()
	all.AddRange(0, s.size())
	all.AndNot(s.rb)
	return &Set{meta: s.meta, g: s.g, rb: all}
}

// And intersects s with other in place.
func (s *Set) And(other *Set) {
	s.rb.And(other.rb)
}

// Indices iterates the set in ascending Index order.
func (s *Set) Indices() iter.Seq[types.Index] {
	return func(yield func(types.Index) bool) {
		it := s.rb.Iterator()
		for it.HasNext() {
			if !yield(s.index(it.Next())) {
				return
			}
		}
	}
}

// Slice returns the indices in ascending order.
func (s *Set) Slice() []types.Index {
	out := make([]types.Index, 0, s.Len())
	for idx := range s.Indices() {
		out = append(out, idx)
	}
	return out
}

// Intersect returns the indices present in every set. It returns an empty
// set when given none.
func Intersect(meta types.ModelMetadata, g types.Granularity, sets ...*Set) (*Set, error) {
	out, err := NewSet(meta, g)
	if err != nil || len(sets) == 0 {
		return out, err
	}
	out.rb = sets[0].rb.Clone()
	for _, s := range sets[1:] {
		out.rb.And(s.rb)
	}
	return out, nil
}

func (s *Set) size() uint64 {
	switch s.g {
	case types.GranularityModel:
		return 1
	case types.GranularityLayer:
		return uint64(s.meta.NumLayers)
	default:
		return s.meta.NumTotalNeurons()
	}
}

func (s *Set) key(idx types.Index) uint32 {
	switch s.g {
	case types.GranularityLayer:
		return idx.Layer()
	case types.GranularityNeuron:
		return idx.FlatNeuron(s.meta.NeuronsPerLayer)
	default:
		return 0
	}
}

func (s *Set) index(key uint32) types.Index {
	switch s.g {
	case types.GranularityLayer:
		return types.LayerIndex(key)
	case types.GranularityNeuron:
		return types.IndexFromFlat(s.meta.NeuronsPerLayer, key)
	default:
		return types.ModelIndex()
	}
}
