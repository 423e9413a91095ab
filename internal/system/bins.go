package system

import (
	"sort"

	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
)

// Bin is one cell of the rectilinear partition.
type Bin struct {
	Index int
	Lower []float64
	Upper []float64
}

// RegionSet partitions progress-coordinate space into a rectilinear grid of
// bins, one boundary list per dimension. Points outside the boundaries map
// to the nearest edge bin.
type RegionSet struct {
	bounds  [][]float64
	strides []int
	nBins   int
}

// NewRegionSet builds a region set from per-dimension boundary lists. Each
// dimension needs at least two strictly increasing boundaries.
func NewRegionSet(bounds [][]float64) (*RegionSet, error) {
	if len(bounds) == 0 {
		return nil, apperrors.New(apperrors.CodeConfigError, "no bin boundaries provided")
	}
	for idim, dimBounds := range bounds {
		if len(dimBounds) < 2 {
			return nil, apperrors.Newf(apperrors.CodeConfigError,
				"dimension %d needs at least two bin boundaries", idim)
		}
		for i := 1; i < len(dimBounds); i++ {
			if dimBounds[i] <= dimBounds[i-1] {
				return nil, apperrors.Newf(apperrors.CodeConfigError,
					"bin boundaries for dimension %d are not strictly increasing", idim)
			}
		}
	}

	rs := &RegionSet{
		bounds:  bounds,
		strides: make([]int, len(bounds)),
		nBins:   1,
	}
	// Row-major strides: the last dimension varies fastest.
	for idim := len(bounds) - 1; idim >= 0; idim-- {
		rs.strides[idim] = rs.nBins
		rs.nBins *= len(bounds[idim]) - 1
	}
	return rs, nil
}

// NBins returns the total bin count.
func (rs *RegionSet) NBins() int {
	return rs.nBins
}

// NDim returns the dimensionality of the partition.
func (rs *RegionSet) NDim() int {
	return len(rs.bounds)
}

// AllBins enumerates every bin with its bounds, in index order.
func (rs *RegionSet) AllBins() []*Bin {
	bins := make([]*Bin, rs.nBins)
	for idx := 0; idx < rs.nBins; idx++ {
		lower := make([]float64, len(rs.bounds))
		upper := make([]float64, len(rs.bounds))
		rem := idx
		for idim := range rs.bounds {
			i := rem / rs.strides[idim]
			rem %= rs.strides[idim]
			lower[idim] = rs.bounds[idim][i]
			upper[idim] = rs.bounds[idim][i+1]
		}
		bins[idx] = &Bin{Index: idx, Lower: lower, Upper: upper}
	}
	return bins
}

// MapToBin returns the bin index of a single point.
func (rs *RegionSet) MapToBin(point []float64) (int, error) {
	if len(point) != len(rs.bounds) {
		return 0, apperrors.Newf(apperrors.CodeSchemaViolation,
			"point has %d dimensions, region set has %d", len(point), len(rs.bounds))
	}
	idx := 0
	for idim, x := range point {
		dimBounds := rs.bounds[idim]
		i := sort.SearchFloat64s(dimBounds, x)
		// SearchFloat64s finds the insertion point; shift onto the cell
		// whose half-open interval [b[i-1], b[i]) contains x, clamping
		// out-of-range values onto the edge cells.
		if i > 0 && (i == len(dimBounds) || dimBounds[i] != x) {
			i--
		}
		if i >= len(dimBounds)-1 {
			i = len(dimBounds) - 2
		}
		idx += i * rs.strides[idim]
	}
	return idx, nil
}

// AssignAll maps every time point of a [n_particles, pcoord_len, ndim]
// pcoord cube to its bin, returning a [n_particles, pcoord_len] assignment
// array.
func (rs *RegionSet) AssignAll(pcoord *model.Array) (*model.Array, error) {
	if pcoord.NDim() != 3 {
		return nil, apperrors.Newf(apperrors.CodeSchemaViolation,
			"pcoord cube has rank %d, want 3", pcoord.NDim())
	}
	nParticles, pcoordLen, ndim := pcoord.Shape[0], pcoord.Shape[1], pcoord.Shape[2]
	if ndim != len(rs.bounds) {
		return nil, apperrors.Newf(apperrors.CodeSchemaViolation,
			"pcoord has %d dimensions, region set has %d", ndim, len(rs.bounds))
	}

	assignments := model.NewArray(model.DTypeUint32, nParticles, pcoordLen)
	point := make([]float64, ndim)
	for i := 0; i < nParticles; i++ {
		for ti := 0; ti < pcoordLen; ti++ {
			for d := 0; d < ndim; d++ {
				point[d] = pcoord.Float64At(i, ti, d)
			}
			idx, err := rs.MapToBin(point)
			if err != nil {
				return nil, err
			}
			assignments.SetFloat64(float64(idx), i, ti)
		}
	}
	return assignments, nil
}
