// Package propagator provides the built-in propagation collaborator used by
// demo runs and tests. Real deployments plug their own dynamics in through
// the dispatch.Propagator interface.
package propagator

import (
	"context"
	"math"

	"github.com/we-ensemble/pkg/model"
	"github.com/we-ensemble/pkg/utils"
)

// RandomWalk fills progress coordinates with a deterministic bounded walk
// derived from each segment's identity, so repeated runs of the same
// archive produce identical trajectories. It stands in for a dynamics
// engine; it is not physics.
type RandomWalk struct {
	stepScale float64
	clock     utils.Clock
}

// Option configures a RandomWalk.
type Option func(*RandomWalk)

// WithStepScale sets the walk's step size.
func WithStepScale(scale float64) Option {
	return func(p *RandomWalk) { p.stepScale = scale }
}

// WithClock sets the clock used for walltime accounting.
func WithClock(clock utils.Clock) Option {
	return func(p *RandomWalk) { p.clock = clock }
}

// NewRandomWalk creates the built-in propagator.
func NewRandomWalk(opts ...Option) *RandomWalk {
	p := &RandomWalk{
		stepScale: 0.05,
		clock:     utils.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Propagate fills pcoord rows past the first for every segment of the block
// and marks each complete. The returned block parallels the input.
func (p *RandomWalk) Propagate(_ context.Context, segments []*model.Segment) ([]*model.Segment, error) {
	out := make([]*model.Segment, len(segments))
	for i, seg := range segments {
		timer := utils.NewTimer("propagate", utils.WithClock(p.clock))
		phase := timer.Start("dynamics")

		res := seg.Clone()
		p.walk(res)
		res.Status = model.StatusComplete
		res.EndpointType = model.EndpointContinued

		res.Walltime = phase.Stop().Seconds()
		res.CPUTime = res.Walltime
		out[i] = res
	}
	return out, nil
}

// walk advances one segment's pcoord from its inherited starting row.
func (p *RandomWalk) walk(seg *model.Segment) {
	pcoord := seg.Pcoord
	if pcoord == nil || pcoord.NDim() != 2 {
		return
	}
	plen, ndim := pcoord.Shape[0], pcoord.Shape[1]
	for ti := 1; ti < plen; ti++ {
		for d := 0; d < ndim; d++ {
			prev := pcoord.Float64At(ti-1, d)
			step := p.stepScale * deterministicStep(seg.NIter, seg.SegID, int64(ti), int64(d))
			pcoord.SetFloat64(prev+step, ti, d)
		}
	}
}

// deterministicStep hashes the walk coordinates onto [-1, 1].
func deterministicStep(nIter, segID, ti, d int64) float64 {
	h := uint64(nIter)*0x9e3779b97f4a7c15 ^ uint64(segID)*0xc2b2ae3d27d4eb4f ^
		uint64(ti)*0x165667b19e3779f9 ^ uint64(d)*0x27d4eb2f165667c5
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return 2*float64(h)/float64(math.MaxUint64) - 1
}
