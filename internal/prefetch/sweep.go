// Package prefetch enumerates the parameter combinations a sweep warms up.
// Planners are pure: they produce unquantized faces and leave payload
// building, quantization, and key dedupe to the dispatching client.
package prefetch

import (
	"github.com/visagelab/visage/pkg/face"
)

// AxisSweep varies one axis over its representable lattice values while
// every other axis keeps its value from base.
func AxisSweep(axis face.Axis, base face.Parameters, buckets int) []face.Parameters {
	endpoints := axis.Endpoints(buckets)
	out := make([]face.Parameters, 0, len(endpoints))
	for _, v := range endpoints {
		p := base.Clone()
		axis.Set(&p, v)
		out = append(out, p)
	}
	return out
}

// ControlSweep runs an AxisSweep for each axis of the control, axes frozen
// at base elsewhere. Focused prefetch uses the current face as base.
func ControlSweep(ctrl face.Control, base face.Parameters, buckets int) []face.Parameters {
	var out []face.Parameters
	for _, a := range ctrl.Axes {
		out = append(out, AxisSweep(a, base, buckets)...)
	}
	return out
}

// Lattice enumerates every combination of the rotation axes' lattice values
// with the remaining axes frozen at base: (buckets+1)^3 faces.
func Lattice(base face.Parameters, buckets int) []face.Parameters {
	rot := face.LatticeAxes()
	pitchVals := rot[0].Endpoints(buckets)
	yawVals := rot[1].Endpoints(buckets)
	rollVals := rot[2].Endpoints(buckets)

	out := make([]face.Parameters, 0, len(pitchVals)*len(yawVals)*len(rollVals))
	for _, pv := range pitchVals {
		for _, yv := range yawVals {
			for _, rv := range rollVals {
				p := base.Clone()
				rot[0].Set(&p, pv)
				rot[1].Set(&p, yv)
				rot[2].Set(&p, rv)
				out = append(out, p)
			}
		}
	}
	return out
}

// FullSweep is the complete warm-up plan: the rotation lattice plus a
// ControlSweep for every control, all anchored at the neutral face. The
// enumeration contains duplicates (rotation sweeps live inside the lattice);
// the dispatcher dedupes by cache key.
func FullSweep(buckets int) []face.Parameters {
	base := face.Neutral()
	out := Lattice(base, buckets)
	for _, ctrl := range face.Controls() {
		out = append(out, ControlSweep(ctrl, base, buckets)...)
	}
	return out
}
