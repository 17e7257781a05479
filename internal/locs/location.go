// Package locs holds electrode/voxel coordinate sets and the spatial math
// shared by every stage of the correlation model: the Gaussian weight kernel,
// nearest-neighbor snapping onto a reference grid and reference templates.
package locs

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrEmptySet          = errors.New("locs: empty location set")
	ErrDuplicateLocation = errors.New("locs: duplicate location")
	ErrInvalidCoordinate = errors.New("locs: coordinate is NaN or Inf")
	ErrBadWidth          = errors.New("locs: kernel width must be > 0")
	ErrBadThreshold      = errors.New("locs: match threshold must be > 0")
)

// Location is a point in MNI space.
type Location struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Coords returns l as an {x, y, z} triple.
func (l Location) Coords() [3]float64 {
	return [3]float64{l.X, l.Y, l.Z}
}

func (l Location) String() string {
	return fmt.Sprintf("(%g, %g, %g)", l.X, l.Y, l.Z)
}

// Distance is the Euclidean distance between a and b.
func Distance(a, b Location) float64 {
	return math.Sqrt(squaredDistance(a, b))
}

func squaredDistance(a, b Location) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return dx*dx + dy*dy + dz*dz
}

// Set is an ordered location set. The order defines row/column indices into
// every correlation matrix built over it.
type Set []Location

// FromCoords builds a Set from {x, y, z} triples, keeping their order.
func FromCoords(coords [][3]float64) Set {
	out := make(Set, len(coords))
	for i, c := range coords {
		out[i] = Location{X: c[0], Y: c[1], Z: c[2]}
	}
	return out
}

// Coords returns s as {x, y, z} triples, the inverse of FromCoords.
func (s Set) Coords() [][3]float64 {
	out := make([][3]float64, len(s))
	for i, l := range s {
		out[i] = l.Coords()
	}
	return out
}

func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	copy(out, s)
	return out
}

// Index maps each location to its position. Identity is exact coordinate
// equality, so snapped or otherwise shared coordinates match.
func (s Set) Index() map[Location]int {
	idx := make(map[Location]int, len(s))
	for i, l := range s {
		if _, ok := idx[l]; !ok {
			idx[l] = i
		}
	}
	return idx
}

// Validate rejects empty sets, non-finite coordinates and duplicates.
func (s Set) Validate() error {
	if len(s) == 0 {
		return ErrEmptySet
	}
	seen := make(map[Location]int, len(s))
	for i, l := range s {
		if !finite(l.X) || !finite(l.Y) || !finite(l.Z) {
			return fmt.Errorf("location %d: %w", i, ErrInvalidCoordinate)
		}
		if j, ok := seen[l]; ok {
			return fmt.Errorf("locations %d and %d at %s: %w", j, i, l, ErrDuplicateLocation)
		}
		seen[l] = i
	}
	return nil
}

// Equal reports whether s and other hold the same locations in the same order.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Select returns the locations at idx, in idx order.
func (s Set) Select(idx []int) Set {
	out := make(Set, len(idx))
	for i, j := range idx {
		out[i] = s[j]
	}
	return out
}

// Sorted returns a copy of s ordered by X, then Y, then Z.
func (s Set) Sorted() Set {
	out := s.Clone()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})
	return out
}

// Overlap reports, for every location of s, whether it also appears in other.
func (s Set) Overlap(other Set) []bool {
	idx := other.Index()
	mask := make([]bool, len(s))
	for i, l := range s {
		_, mask[i] = idx[l]
	}
	return mask
}

// Concat appends sets in order without removing duplicates.
func Concat(sets ...Set) Set {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	out := make(Set, 0, n)
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

// Union concatenates sets, keeping only the first occurrence of a location.
func Union(sets ...Set) Set {
	seen := make(map[Location]struct{})
	var out Set
	for _, s := range sets {
		for _, l := range s {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
