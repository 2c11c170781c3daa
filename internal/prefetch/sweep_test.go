package prefetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagelab/visage/internal/cachekey"
	"github.com/visagelab/visage/pkg/face"
)

func TestAxisSweep(t *testing.T) {
	smile, ok := face.AxisByName(face.AxisSmile)
	require.True(t, ok)

	base := face.Neutral()
	points := AxisSweep(smile, base, face.DefaultNumBuckets)
	require.Len(t, points, face.DefaultNumBuckets+1)

	for i, p := range points {
		v, set := smile.Value(&p)
		require.True(t, set)
		assert.Equal(t, smile.Endpoints(face.DefaultNumBuckets)[i], v)

		// Every other axis keeps the base value.
		blink, _ := face.AxisByName(face.AxisBlink)
		bv, set := blink.Value(&p)
		require.True(t, set)
		assert.Equal(t, 0.0, bv)
	}
}

func TestAxisSweepDoesNotMutateBase(t *testing.T) {
	smile, _ := face.AxisByName(face.AxisSmile)
	base := face.Neutral()

	_ = AxisSweep(smile, base, face.DefaultNumBuckets)

	v, set := smile.Value(&base)
	require.True(t, set)
	assert.Equal(t, 0.0, v)
}

func TestControlSweepFreezesOtherAxes(t *testing.T) {
	eyes, ok := face.ControlByName("eyes")
	require.True(t, ok)

	base := face.Neutral()
	smile, _ := face.AxisByName(face.AxisSmile)
	smile.Set(&base, 1.0)

	points := ControlSweep(eyes, base, face.DefaultNumBuckets)
	// blink and wink each sweep buckets+1 values.
	require.Len(t, points, 2*(face.DefaultNumBuckets+1))

	for _, p := range points {
		v, set := smile.Value(&p)
		require.True(t, set)
		assert.Equal(t, 1.0, v, "smile must stay frozen at the current face value")
	}
}

func TestLatticeSize(t *testing.T) {
	points := Lattice(face.Neutral(), face.DefaultNumBuckets)
	assert.Len(t, points, 343) // (6+1)^3
}

func TestLatticeCoversAllRotationCombos(t *testing.T) {
	points := Lattice(face.Neutral(), 1)
	require.Len(t, points, 8) // (1+1)^3

	rot := face.LatticeAxes()
	seen := map[[3]float64]bool{}
	for _, p := range points {
		var combo [3]float64
		for i, a := range rot {
			v, ok := a.Value(&p)
			require.True(t, ok)
			combo[i] = v
		}
		seen[combo] = true
	}
	assert.Len(t, seen, 8)
}

func TestFullSweepRawCount(t *testing.T) {
	points := FullSweep(face.DefaultNumBuckets)
	// Lattice (B+1)^3 plus (B+1) per axis across all controls.
	want := 343 + 9*(face.DefaultNumBuckets+1)
	assert.Len(t, points, want)
}

func TestFullSweepDistinctKeys(t *testing.T) {
	points := FullSweep(face.DefaultNumBuckets)

	keys := map[string]bool{}
	for _, params := range points {
		payload, err := face.NewPayload("https://example.com/selfie.jpg", "owner/model", params, face.DefaultNumBuckets, face.PayloadOptions{})
		require.NoError(t, err)
		keys[cachekey.Key(payload)] = true
	}

	// Rotation sweeps sit inside the lattice, and each remaining axis sweep
	// passes through the quantized neutral face exactly once.
	assert.Len(t, keys, 379)
}

func TestFullSweepContainsNeutralFace(t *testing.T) {
	neutral, err := face.NewPayload("https://example.com/selfie.jpg", "owner/model", face.Neutral(), face.DefaultNumBuckets, face.PayloadOptions{})
	require.NoError(t, err)
	neutralKey := cachekey.Key(neutral)

	found := false
	for _, params := range FullSweep(face.DefaultNumBuckets) {
		payload, err := face.NewPayload("https://example.com/selfie.jpg", "owner/model", params, face.DefaultNumBuckets, face.PayloadOptions{})
		require.NoError(t, err)
		if cachekey.Key(payload) == neutralKey {
			found = true
			break
		}
	}
	assert.True(t, found)
}
