package stats

// Numeric helpers shared by every aggregation level. All rates here are
// guarded: a zero denominator yields zero, never NaN or Inf.

// Rate divides numerator by denominator with a zero guard.
func Rate(num, den uint64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// ReconstructCount converts a previously stored rate back into an
// absolute count against a denominator. Truncating instead of rounding
// biases slightly low; this is an accepted lossy step and every call
// site uses the same policy, keeping parent totals within one of the
// sum of child reconstructions. Do not switch to rounding here without
// changing all levels together.
func ReconstructCount(rate float64, den uint64) uint64 {
	if rate <= 0 || den == 0 {
		return 0
	}
	return uint64(rate * float64(den))
}

// WeightedRate accumulates per-child rates weighted by each child's
// denominator. A simple mean of rates would let an idle child drag the
// figure; weighting by denominator keeps it equal to recomputing the
// rate from the combined counts.
type WeightedRate struct {
	num float64
	den uint64
}

// Add folds one child in. Children with zero weight contribute nothing.
func (w *WeightedRate) Add(rate float64, weight uint64) {
	w.num += rate * float64(weight)
	w.den += weight
}

// Value returns the combined rate, zero when nothing was added.
func (w *WeightedRate) Value() float64 {
	if w.den == 0 {
		return 0
	}
	return w.num / float64(w.den)
}

// Running is a numerator/denominator accumulator carried across sibling
// windows inside an enclosing period. The rate is recomputed from the
// pair at every step rather than averaged.
type Running struct {
	Num uint64
	Den uint64
}

// Add folds one window's contribution into the accumulator.
func (r *Running) Add(num, den uint64) {
	r.Num += num
	r.Den += den
}

// Rate returns the running rate.
func (r Running) Rate() float64 {
	return Rate(r.Num, r.Den)
}
