package face

import (
	"math"

	"github.com/visagelab/visage/pkg/errors"
)

// Transport field defaults. These are fixed process-wide and only change
// with an explicit configuration override.
const (
	DefaultOutputFormat  = "webp"
	DefaultOutputQuality = 100
	DefaultSampleRatio   = 1.0
	DefaultCropFactor    = 2.5
	DefaultSrcRatio      = 1.0
)

// OutputFormats lists the accepted artifact encodings.
var OutputFormats = map[string]bool{
	"webp": true,
	"png":  true,
	"jpg":  true,
}

// Parameters holds the continuous expression axes. A nil axis is absent and
// stays absent through quantization and serialization.
type Parameters struct {
	RotatePitch *float64 `json:"rotate_pitch,omitempty"`
	RotateYaw   *float64 `json:"rotate_yaw,omitempty"`
	RotateRoll  *float64 `json:"rotate_roll,omitempty"`
	PupilX      *float64 `json:"pupil_x,omitempty"`
	PupilY      *float64 `json:"pupil_y,omitempty"`
	Smile       *float64 `json:"smile,omitempty"`
	Blink       *float64 `json:"blink,omitempty"`
	Eyebrow     *float64 `json:"eyebrow,omitempty"`
	Wink        *float64 `json:"wink,omitempty"`
}

// Float returns a pointer to v, for building Parameters literals.
func Float(v float64) *float64 { return &v }

// Neutral returns the neutral face: every axis explicitly zero. Prefetch
// sweeps hold non-swept axes at these values.
func Neutral() Parameters {
	p := Parameters{}
	for _, a := range axes {
		a.Set(&p, 0)
	}
	return p
}

// Clone returns a deep copy so set axes can be reassigned independently.
func (p Parameters) Clone() Parameters {
	out := Parameters{}
	for _, a := range axes {
		if v, ok := a.Value(&p); ok {
			a.Set(&out, v)
		}
	}
	return out
}

// Validate rejects non-finite axis values.
func (p Parameters) Validate() error {
	for _, a := range axes {
		v, ok := a.Value(&p)
		if !ok {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.NewInvalidParameter("axis "+a.Name+" is not a finite number", nil)
		}
	}
	return nil
}

// Payload is the wire form POSTed to the server proxy and the input to key
// derivation. Axis values must already be quantized; the model identifier is
// always part of the payload so keys move with the model.
type Payload struct {
	Image string `json:"image"`
	Model string `json:"model,omitempty"`
	Parameters
	CropFactor    float64 `json:"crop_factor"`
	SrcRatio      float64 `json:"src_ratio"`
	SampleRatio   float64 `json:"sample_ratio"`
	OutputFormat  string  `json:"output_format"`
	OutputQuality int     `json:"output_quality"`
}

// PayloadOptions override the transport defaults when building a payload.
type PayloadOptions struct {
	CropFactor    float64
	SrcRatio      float64
	SampleRatio   float64
	OutputFormat  string
	OutputQuality int
}

// NewPayload quantizes params onto the bucket lattice and wraps it with the
// transport fields. Zero-valued options fall back to the declared defaults.
func NewPayload(image, model string, params Parameters, buckets int, opts PayloadOptions) (Payload, error) {
	if image == "" {
		return Payload{}, errors.NewInvalidParameter("image is required", nil)
	}
	quantized, err := params.Quantize(buckets)
	if err != nil {
		return Payload{}, err
	}

	p := Payload{
		Image:         image,
		Model:         model,
		Parameters:    quantized,
		CropFactor:    opts.CropFactor,
		SrcRatio:      opts.SrcRatio,
		SampleRatio:   opts.SampleRatio,
		OutputFormat:  opts.OutputFormat,
		OutputQuality: opts.OutputQuality,
	}
	if p.CropFactor == 0 {
		p.CropFactor = DefaultCropFactor
	}
	if p.SrcRatio == 0 {
		p.SrcRatio = DefaultSrcRatio
	}
	if p.SampleRatio == 0 {
		p.SampleRatio = DefaultSampleRatio
	}
	if p.OutputFormat == "" {
		p.OutputFormat = DefaultOutputFormat
	}
	if p.OutputQuality == 0 {
		p.OutputQuality = DefaultOutputQuality
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Validate checks the payload shape: image present, finite axis values,
// known output format, quality within [1,100].
func (p Payload) Validate() error {
	if p.Image == "" {
		return errors.NewInvalidParameter("image is required", nil)
	}
	if err := p.Parameters.Validate(); err != nil {
		return err
	}
	if !OutputFormats[p.OutputFormat] {
		return errors.NewInvalidParameter("unknown output format "+p.OutputFormat, nil)
	}
	if p.OutputQuality < 1 || p.OutputQuality > 100 {
		return errors.NewInvalidParameter("output quality must be within [1,100]", nil)
	}
	for _, v := range []float64{p.CropFactor, p.SrcRatio, p.SampleRatio} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.NewInvalidParameter("transport field is not a finite number", nil)
		}
	}
	return nil
}
