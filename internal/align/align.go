// Package align reconciles a subject's electrode locations with a model's
// reference locations and produces the one matrix layout reconstruction
// consumes: unknown locations first, the subject's observed locations last.
package align

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"brainfill/internal/brain"
	"brainfill/internal/corr"
	"brainfill/internal/locs"
)

var ErrDegenerateOverlap = errors.New("align: subject covers every reference location, nothing to reconstruct")

// Kind tags how the subject overlaps the reference set.
type Kind int

const (
	// Disjoint subjects share no location with the reference; the model is
	// expanded with every subject location.
	Disjoint Kind = iota
	// Subset subjects sit entirely on reference locations; only a
	// permutation is needed.
	Subset
	// Partial subjects share some locations; the model is permuted and then
	// expanded with the remainder.
	Partial
)

func (k Kind) String() string {
	switch k {
	case Disjoint:
		return "disjoint"
	case Subset:
		return "subset"
	case Partial:
		return "partial"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Alignment is the aligned model view for one subject.
type Alignment struct {
	Kind Kind
	// Corr is the z-space model over Locations.
	Corr      *mat.Dense
	Locations locs.Set
	// Labels[i] tags Locations[i]; the first NumUnknown are Reconstructed.
	Labels     []brain.Label
	NumUnknown int
	// SubjectOrder lists subject channel indices in the order of the known
	// block, i.e. Locations[NumUnknown+k] is subject location SubjectOrder[k].
	SubjectOrder []int
	// Permutation lists the reference indices in the order they occupy the
	// leading rows of Corr.
	Permutation []int
	// Expanded counts subject locations added to the model.
	Expanded int
}

// NumKnown is the size of the trailing observed block.
func (a *Alignment) NumKnown() int { return len(a.Locations) - a.NumUnknown }

// Align lays the model's z matrix (over reference) out for subject. Locations
// are identified by exact coordinates, so snapping, if any, must happen first.
func Align(reference locs.Set, z mat.Matrix, subject locs.Set, width float64) (*Alignment, error) {
	n := len(reference)
	if r, c := z.Dims(); r != n || c != n {
		return nil, fmt.Errorf("align: model %dx%d vs %d reference locations: %w", r, c, n, corr.ErrShapeMismatch)
	}
	if err := subject.Validate(); err != nil {
		return nil, fmt.Errorf("align: subject locations: %w", err)
	}

	refIndex := reference.Index()
	known := make([]bool, n)
	subjectAt := make([]int, n)
	var disjoint []int
	for j, l := range subject {
		i, ok := refIndex[l]
		if !ok {
			disjoint = append(disjoint, j)
			continue
		}
		known[i] = true
		subjectAt[i] = j
	}
	numOverlap := len(subject) - len(disjoint)
	if numOverlap == n {
		return nil, ErrDegenerateOverlap
	}

	if numOverlap == 0 {
		return expand(reference, z, subject, width)
	}

	// unknown reference locations first, overlapping ones last
	perm := make([]int, 0, n)
	order := make([]int, 0, len(subject))
	for i := range reference {
		if !known[i] {
			perm = append(perm, i)
		}
	}
	for i := range reference {
		if known[i] {
			perm = append(perm, i)
			order = append(order, subjectAt[i])
		}
	}
	permuted := permute(z, perm)
	ordered := reference.Select(perm)

	a := &Alignment{
		Kind:         Subset,
		Corr:         permuted,
		Locations:    ordered,
		NumUnknown:   n - numOverlap,
		SubjectOrder: order,
		Permutation:  perm,
	}
	if len(disjoint) > 0 {
		remainder := subject.Select(disjoint)
		w, err := locs.Weights(locs.Concat(ordered, remainder), ordered, width)
		if err != nil {
			return nil, err
		}
		grown, err := corr.ExpandModel(permuted, w)
		if err != nil {
			return nil, err
		}
		a.Kind = Partial
		a.Corr = grown
		a.Locations = locs.Concat(ordered, remainder)
		a.SubjectOrder = append(a.SubjectOrder, disjoint...)
		a.Expanded = len(disjoint)
	}
	a.Labels = labels(a.NumUnknown, len(a.Locations))
	return a, nil
}

func expand(reference locs.Set, z mat.Matrix, subject locs.Set, width float64) (*Alignment, error) {
	all := locs.Concat(reference, subject)
	w, err := locs.Weights(all, reference, width)
	if err != nil {
		return nil, err
	}
	grown, err := corr.ExpandModel(z, w)
	if err != nil {
		return nil, err
	}
	return &Alignment{
		Kind:         Disjoint,
		Corr:         grown,
		Locations:    all,
		Labels:       labels(len(reference), len(all)),
		NumUnknown:   len(reference),
		SubjectOrder: identity(len(subject)),
		Permutation:  identity(len(reference)),
		Expanded:     len(subject),
	}, nil
}

func permute(m mat.Matrix, perm []int) *mat.Dense {
	out := mat.NewDense(len(perm), len(perm), nil)
	for i, pi := range perm {
		for j, pj := range perm {
			out.Set(i, j, m.At(pi, pj))
		}
	}
	return out
}

func labels(numUnknown, total int) []brain.Label {
	out := make([]brain.Label, total)
	for i := range out {
		if i < numUnknown {
			out[i] = brain.Reconstructed
		} else {
			out[i] = brain.Observed
		}
	}
	return out
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
