package locs

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// MatchThreshold yields the largest per-axis displacement an electrode may
// undergo when snapped onto a reference set.
type MatchThreshold func(reference Set) float64

// Fixed allows displacements up to d along every axis.
func Fixed(d float64) MatchThreshold {
	return func(Set) float64 { return d }
}

// Unlimited keeps every matched electrode.
func Unlimited(Set) float64 { return math.Inf(1) }

// Auto uses the reference voxel size as the limit.
func Auto(reference Set) float64 { return VoxelSize(reference) }

// ParseMatchThreshold accepts "auto", "none"/"" or a positive number.
func ParseMatchThreshold(raw string) (MatchThreshold, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "auto":
		return Auto, nil
	case "", "none", "off":
		return Unlimited, nil
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil, err
	}
	if !(d > 0) {
		return nil, ErrBadThreshold
	}
	return Fixed(d), nil
}

// VoxelSize estimates grid spacing as the largest, over the three axes, of the
// smallest positive gap between sorted distinct coordinates. It returns +Inf
// when no axis has two distinct values.
func VoxelSize(s Set) float64 {
	size := math.Inf(-1)
	for axis := 0; axis < 3; axis++ {
		vals := make([]float64, len(s))
		for i, l := range s {
			vals[i] = l.Coords()[axis]
		}
		sort.Float64s(vals)
		step := math.Inf(1)
		for i := 1; i < len(vals); i++ {
			if gap := vals[i] - vals[i-1]; gap > 0 && gap < step {
				step = gap
			}
		}
		if !math.IsInf(step, 1) && step > size {
			size = step
		}
	}
	if math.IsInf(size, -1) {
		return math.Inf(1)
	}
	return size
}

// Snapped is the outcome of matching a subject onto a reference set.
type Snapped struct {
	// Locations are the reference coordinates taken by the kept electrodes.
	Locations Set
	// Kept holds the original subject index of every kept electrode, ascending.
	Kept []int
	// Targets holds the reference index each kept electrode was moved to.
	Targets []int
}

// Snap moves each subject electrode onto a distinct reference location,
// pairing the globally closest electrode/location first. Electrodes displaced
// by more than the threshold on any axis, or left without a free reference
// location, are dropped.
func Snap(subject, reference Set, threshold MatchThreshold) (Snapped, error) {
	if len(subject) == 0 || len(reference) == 0 {
		return Snapped{}, ErrEmptySet
	}
	if threshold == nil {
		threshold = Unlimited
	}
	limit := threshold(reference)
	if !(limit > 0) {
		return Snapped{}, ErrBadThreshold
	}

	pts := make(points, len(reference))
	for i, l := range reference {
		pts[i] = point{loc: l, idx: i}
	}
	tree := kdtree.New(pts, false)

	// An electrode can be blocked by at most len(subject)-1 others, so its
	// final match is always among its len(subject) nearest candidates.
	k := len(subject)
	if k > len(reference) {
		k = len(reference)
	}

	type candidate struct {
		dist float64
		sub  int
		ref  int
	}
	candidates := make([]candidate, 0, len(subject)*k)
	for i, l := range subject {
		keep := kdtree.NewNKeeper(k)
		tree.NearestSet(keep, point{loc: l, idx: -1})
		for _, c := range keep.Heap {
			p, ok := c.Comparable.(point)
			if !ok {
				continue
			}
			candidates = append(candidates, candidate{dist: c.Dist, sub: i, ref: p.idx})
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].dist != candidates[b].dist {
			return candidates[a].dist < candidates[b].dist
		}
		if candidates[a].sub != candidates[b].sub {
			return candidates[a].sub < candidates[b].sub
		}
		return candidates[a].ref < candidates[b].ref
	})

	assigned := make([]int, len(subject))
	for i := range assigned {
		assigned[i] = -1
	}
	taken := make([]bool, len(reference))
	for _, c := range candidates {
		if assigned[c.sub] >= 0 || taken[c.ref] {
			continue
		}
		assigned[c.sub] = c.ref
		taken[c.ref] = true
	}

	var out Snapped
	for i, ref := range assigned {
		if ref < 0 {
			continue
		}
		from, to := subject[i], reference[ref]
		if math.Abs(from.X-to.X) > limit || math.Abs(from.Y-to.Y) > limit || math.Abs(from.Z-to.Z) > limit {
			continue
		}
		out.Locations = append(out.Locations, to)
		out.Kept = append(out.Kept, i)
		out.Targets = append(out.Targets, ref)
	}
	return out, nil
}

type point struct {
	loc Location
	idx int
}

func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(point)
	switch d {
	case 0:
		return p.loc.X - q.loc.X
	case 1:
		return p.loc.Y - q.loc.Y
	case 2:
		return p.loc.Z - q.loc.Z
	default:
		panic("locs: illegal dimension")
	}
}

func (p point) Dims() int { return 3 }

// Distance is squared Euclidean distance, as kdtree expects.
func (p point) Distance(c kdtree.Comparable) float64 {
	return squaredDistance(p.loc, c.(point).loc)
}

type points []point

func (p points) Index(i int) kdtree.Comparable         { return p[i] }
func (p points) Len() int                              { return len(p) }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p points) Pivot(d kdtree.Dim) int {
	return plane{points: p, Dim: d}.Pivot()
}

type plane struct {
	kdtree.Dim
	points
}

func (p plane) Less(i, j int) bool {
	return p.points[i].Compare(p.points[j], p.Dim) < 0
}

func (p plane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}

func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}
