package face

import (
	"math"
	"strconv"

	"github.com/visagelab/visage/pkg/errors"
)

// DefaultNumBuckets splits each axis range into 6 intervals, yielding 7
// representable values per axis.
const DefaultNumBuckets = 6

// Quantize snaps v onto the axis lattice: the range [Min,Max] is divided
// into buckets intervals and v moves to the nearest boundary, clamped to the
// range and rounded to two decimals. Quantization is idempotent: a value
// already on the lattice maps to itself.
func (a Axis) Quantize(v float64, buckets int) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.NewInvalidParameter("axis "+a.Name+" is not a finite number", nil)
	}
	if buckets < 1 {
		buckets = DefaultNumBuckets
	}
	size := (a.Max - a.Min) / float64(buckets)
	i := math.Round((v - a.Min) / size)
	if i < 0 {
		i = 0
	}
	if i > float64(buckets) {
		i = float64(buckets)
	}
	return round2(a.Min + i*size), nil
}

// Endpoints returns the buckets+1 lattice values of the axis in ascending
// order, each rounded to two decimals.
func (a Axis) Endpoints(buckets int) []float64 {
	if buckets < 1 {
		buckets = DefaultNumBuckets
	}
	size := (a.Max - a.Min) / float64(buckets)
	out := make([]float64, buckets+1)
	for i := 0; i <= buckets; i++ {
		out[i] = round2(a.Min + float64(i)*size)
	}
	return out
}

// Quantize maps every set axis onto its lattice, leaving absent axes absent.
func (p Parameters) Quantize(buckets int) (Parameters, error) {
	out := Parameters{}
	for _, a := range axes {
		v, ok := a.Value(&p)
		if !ok {
			continue
		}
		q, err := a.Quantize(v, buckets)
		if err != nil {
			return Parameters{}, err
		}
		a.Set(&out, q)
	}
	return out, nil
}

// round2 rounds to two decimal places and normalizes negative zero so the
// canonical encoding never emits "-0.00".
func round2(v float64) float64 {
	r := math.Round(v*100) / 100
	if r == 0 {
		return 0
	}
	return r
}

// FormatValue renders a quantized value the way the canonical encoding does,
// always with two decimal places.
func FormatValue(v float64) string {
	return strconv.FormatFloat(round2(v), 'f', 2, 64)
}
