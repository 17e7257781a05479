package brain

import "fmt"

// DefaultKurtosisThreshold rejects heavy-tailed, artifact-ridden channels.
const DefaultKurtosisThreshold = 10.0

// Threshold returns k as an explicit threshold for options where nil selects
// DefaultKurtosisThreshold.
func Threshold(k float64) *float64 { return &k }

// ResolveThreshold returns *k, or DefaultKurtosisThreshold when k is nil.
func ResolveThreshold(k *float64) float64 {
	if k == nil {
		return DefaultKurtosisThreshold
	}
	return *k
}

// Filter keeps channels whose kurtosis is at most threshold; NaN kurtosis
// (constant channels) never passes. kept lists the surviving
// original channel indices in ascending order so other arrays sharing the
// original channel order can be filtered the same way.
//
// When fewer than 2 channels survive the error is ErrInsufficientChannels.
// The filtered subject is still returned if at least one channel survived,
// because reconstruction without a self-update only needs observed channels.
func (s *Subject) Filter(threshold float64) (filtered *Subject, kept []int, err error) {
	for j, k := range s.kurtosis {
		if k <= threshold {
			kept = append(kept, j)
		}
	}
	if len(kept) == 0 {
		return nil, nil, fmt.Errorf("0 of %d channels pass k=%g: %w", s.NumChannels(), threshold, ErrInsufficientChannels)
	}

	filtered, err = s.Select(kept)
	if err != nil {
		return nil, nil, err
	}
	if len(kept) < 2 {
		return filtered, kept, fmt.Errorf("1 of %d channels pass k=%g: %w", s.NumChannels(), threshold, ErrInsufficientChannels)
	}
	return filtered, kept, nil
}

// Mask expands kept channel indices into a boolean mask of length n.
func Mask(kept []int, n int) []bool {
	mask := make([]bool, n)
	for _, j := range kept {
		if j >= 0 && j < n {
			mask[j] = true
		}
	}
	return mask
}
