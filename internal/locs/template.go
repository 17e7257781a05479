package locs

import (
	"errors"
	"fmt"
	"math"
)

// Source supplies a reference location set, e.g. the voxels of an anatomical mask.
type Source interface {
	Locations() (Set, error)
}

// Static is a Source over a fixed set.
type Static Set

func (s Static) Locations() (Set, error) {
	out := Set(s).Clone()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Grid is a regular lattice spanning Min..Max (inclusive) with the given step.
type Grid struct {
	Min  Location `yaml:"min"`
	Max  Location `yaml:"max"`
	Step float64  `yaml:"step"`
}

// maxGridLocations bounds lattice size; the model is O(N²) in memory.
const maxGridLocations = 50000

func (g Grid) Locations() (Set, error) {
	if !(g.Step > 0) {
		return nil, errors.New("locs: grid step must be > 0")
	}
	nx := axisCount(g.Min.X, g.Max.X, g.Step)
	ny := axisCount(g.Min.Y, g.Max.Y, g.Step)
	nz := axisCount(g.Min.Z, g.Max.Z, g.Step)
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, ErrEmptySet
	}
	if total := nx * ny * nz; total > maxGridLocations {
		return nil, fmt.Errorf("locs: grid has %d locations (max %d)", total, maxGridLocations)
	}

	out := make(Set, 0, nx*ny*nz)
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			for k := 0; k < nz; k++ {
				out = append(out, Location{
					X: g.Min.X + float64(i)*g.Step,
					Y: g.Min.Y + float64(j)*g.Step,
					Z: g.Min.Z + float64(k)*g.Step,
				})
			}
		}
	}
	return out, nil
}

func axisCount(lo, hi, step float64) int {
	if hi < lo {
		return 0
	}
	return int(math.Floor((hi-lo)/step+1e-9)) + 1
}
