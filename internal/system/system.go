// Package system describes the simulated system to the rest of the driver:
// the progress-coordinate shape and the fixed-bin partition of progress
// coordinate space.
package system

import (
	"github.com/we-ensemble/pkg/config"
	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
)

// System is the collaborator injected into the archive and the simulation
// loop. The archive uses it only for iteration-preparation defaults.
type System struct {
	pcoordNDim  int
	pcoordLen   int
	pcoordDType model.DType
	regionSet   *RegionSet
}

// New builds a System from its config section.
func New(cfg *config.SystemConfig) (*System, error) {
	dtype, err := model.ParseDType(cfg.PcoordDType)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeConfigError, err, "system.pcoord_dtype")
	}
	if len(cfg.BinBounds) != cfg.PcoordNDim {
		return nil, apperrors.Newf(apperrors.CodeConfigError,
			"system has %d pcoord dimensions but %d bin boundary sets", cfg.PcoordNDim, len(cfg.BinBounds))
	}
	regionSet, err := NewRegionSet(cfg.BinBounds)
	if err != nil {
		return nil, err
	}
	return &System{
		pcoordNDim:  cfg.PcoordNDim,
		pcoordLen:   cfg.PcoordLen,
		pcoordDType: dtype,
		regionSet:   regionSet,
	}, nil
}

// PcoordNDim returns the progress-coordinate dimensionality.
func (s *System) PcoordNDim() int {
	return s.pcoordNDim
}

// PcoordLen returns the number of progress-coordinate time points per
// iteration.
func (s *System) PcoordLen() int {
	return s.pcoordLen
}

// PcoordDType returns the progress-coordinate element type.
func (s *System) PcoordDType() model.DType {
	return s.pcoordDType
}

// NBins returns the bin count of the region set.
func (s *System) NBins() int {
	return s.regionSet.NBins()
}

// RegionSet returns the system's bin partition.
func (s *System) RegionSet() *RegionSet {
	return s.regionSet
}
