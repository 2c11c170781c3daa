// Package face defines the expression-parameter model shared by the client
// cache and the server proxy: the named scalar axes with their declared
// ranges, the control groups the editor exposes, the quantizer that snaps
// continuous values onto the cache lattice, and the wire payload format.
package face

// Axis describes one continuous expression parameter with its inclusive
// range. Name is the snake_case wire identifier.
type Axis struct {
	Name string
	Min  float64
	Max  float64

	value  func(p *Parameters) *float64
	assign func(p *Parameters, v float64)
}

// Value reports the axis value in p and whether it is set.
func (a Axis) Value(p *Parameters) (float64, bool) {
	ptr := a.value(p)
	if ptr == nil {
		return 0, false
	}
	return *ptr, true
}

// Set assigns v to the axis in p.
func (a Axis) Set(p *Parameters, v float64) {
	a.assign(p, v)
}

// Control is a group of axes driven by a single editor control.
type Control struct {
	Name string
	Axes []Axis
}

const (
	// AxisRotatePitch through AxisWink are the wire names of the axes.
	AxisRotatePitch = "rotate_pitch"
	AxisRotateYaw   = "rotate_yaw"
	AxisRotateRoll  = "rotate_roll"
	AxisPupilX      = "pupil_x"
	AxisPupilY      = "pupil_y"
	AxisSmile       = "smile"
	AxisBlink       = "blink"
	AxisEyebrow     = "eyebrow"
	AxisWink        = "wink"
)

var axes = []Axis{
	{
		Name: AxisRotatePitch, Min: -20, Max: 20,
		value:  func(p *Parameters) *float64 { return p.RotatePitch },
		assign: func(p *Parameters, v float64) { p.RotatePitch = &v },
	},
	{
		Name: AxisRotateYaw, Min: -20, Max: 20,
		value:  func(p *Parameters) *float64 { return p.RotateYaw },
		assign: func(p *Parameters, v float64) { p.RotateYaw = &v },
	},
	{
		Name: AxisRotateRoll, Min: -20, Max: 20,
		value:  func(p *Parameters) *float64 { return p.RotateRoll },
		assign: func(p *Parameters, v float64) { p.RotateRoll = &v },
	},
	{
		Name: AxisPupilX, Min: -15, Max: 15,
		value:  func(p *Parameters) *float64 { return p.PupilX },
		assign: func(p *Parameters, v float64) { p.PupilX = &v },
	},
	{
		Name: AxisPupilY, Min: -15, Max: 15,
		value:  func(p *Parameters) *float64 { return p.PupilY },
		assign: func(p *Parameters, v float64) { p.PupilY = &v },
	},
	{
		Name: AxisSmile, Min: -0.3, Max: 1.3,
		value:  func(p *Parameters) *float64 { return p.Smile },
		assign: func(p *Parameters, v float64) { p.Smile = &v },
	},
	{
		Name: AxisBlink, Min: -20, Max: 5,
		value:  func(p *Parameters) *float64 { return p.Blink },
		assign: func(p *Parameters, v float64) { p.Blink = &v },
	},
	{
		Name: AxisEyebrow, Min: -10, Max: 15,
		value:  func(p *Parameters) *float64 { return p.Eyebrow },
		assign: func(p *Parameters, v float64) { p.Eyebrow = &v },
	},
	{
		Name: AxisWink, Min: -20, Max: 5,
		value:  func(p *Parameters) *float64 { return p.Wink },
		assign: func(p *Parameters, v float64) { p.Wink = &v },
	},
}

var axesByName = func() map[string]Axis {
	m := make(map[string]Axis, len(axes))
	for _, a := range axes {
		m[a.Name] = a
	}
	return m
}()

var controls = []Control{
	{Name: "rotate", Axes: []Axis{axesByName[AxisRotatePitch], axesByName[AxisRotateYaw], axesByName[AxisRotateRoll]}},
	{Name: "pupils", Axes: []Axis{axesByName[AxisPupilX], axesByName[AxisPupilY]}},
	{Name: "mouth", Axes: []Axis{axesByName[AxisSmile]}},
	{Name: "eyes", Axes: []Axis{axesByName[AxisBlink], axesByName[AxisWink]}},
	{Name: "eyebrow", Axes: []Axis{axesByName[AxisEyebrow]}},
}

// Axes returns all axes in declaration order.
func Axes() []Axis {
	out := make([]Axis, len(axes))
	copy(out, axes)
	return out
}

// AxisByName looks up an axis by its wire name.
func AxisByName(name string) (Axis, bool) {
	a, ok := axesByName[name]
	return a, ok
}

// Controls returns the editor control groups.
func Controls() []Control {
	out := make([]Control, len(controls))
	copy(out, controls)
	return out
}

// ControlByName looks up a control group by name.
func ControlByName(name string) (Control, bool) {
	for _, c := range controls {
		if c.Name == name {
			return c, true
		}
	}
	return Control{}, false
}

// LatticeAxes returns the three rotation axes swept as a Cartesian product
// during a full prefetch.
func LatticeAxes() []Axis {
	return []Axis{axesByName[AxisRotatePitch], axesByName[AxisRotateYaw], axesByName[AxisRotateRoll]}
}
