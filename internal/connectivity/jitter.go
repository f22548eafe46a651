package connectivity

import (
	"math/rand"
	"time"
)

const minCheckGap = time.Millisecond

// checkSchedule spaces connectivity checks around a base interval with uniform jitter.
type checkSchedule struct {
	base  time.Duration
	ratio float64
	rng   *rand.Rand
}

func newCheckSchedule(base time.Duration, ratio float64, seed int64) *checkSchedule {
	return &checkSchedule{
		base:  base,
		ratio: min(max(ratio, 0), 1),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// next returns the wait before the following check, drawn uniformly from
// base ± ratio*base. Not safe for concurrent use; only the Run loop calls it.
func (s *checkSchedule) next() time.Duration {
	if s.base <= 0 {
		return 0
	}
	if s.ratio == 0 {
		return s.base
	}
	offset := (s.rng.Float64()*2 - 1) * s.ratio
	return max(time.Duration(float64(s.base)*(1+offset)), minCheckGap)
}
