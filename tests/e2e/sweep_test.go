package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagelab/visage"
	editerrors "github.com/visagelab/visage/pkg/errors"
	"github.com/visagelab/visage/pkg/face"
	"github.com/visagelab/visage/tests/testutil"
)

func TestPrefetchAll_WarmsWholeLattice(t *testing.T) {
	// A 2-bucket lattice keeps the sweep small: 3^3 rotation combos plus
	// nine 3-point axis sweeps dedupe to 39 distinct keys.
	const buckets = 2
	const wantPlanned = 39

	mock, srv := newIsolatedServer(t, testutil.WithNumBuckets(buckets))
	ctx := testContext(t)

	client := newEditClientFor(t, srv)
	client.SetImage(testImage)

	stats, err := client.PrefetchAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, wantPlanned, stats.Planned)
	assert.Zero(t, stats.Hits, "cold sweep has nothing cached")
	assert.Equal(t, stats.Planned, stats.Fetched)
	assert.Zero(t, stats.Failures)
	assert.Zero(t, stats.Skipped)
	assert.EqualValues(t, stats.Planned, mock.CreateCount())

	// Sweeping again is free: every entry sits in the local tiers.
	again, err := client.PrefetchAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Planned, again.Hits)
	assert.Zero(t, again.Fetched)
	assert.EqualValues(t, stats.Planned, mock.CreateCount())

	// Every artifact also landed in the proxy's blob tier.
	require.NoError(t, srv.Drain(ctx))
	assert.Equal(t, wantPlanned, srv.Blobs().Len())

	// A fresh client re-fetches the whole lattice through the proxy without
	// a single new model invocation.
	fresh := newEditClientFor(t, srv)
	fresh.SetImage(testImage)

	refetch, err := fresh.PrefetchAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Planned, refetch.Planned)
	assert.Equal(t, refetch.Planned, refetch.Fetched)
	assert.Zero(t, refetch.Failures)
	assert.EqualValues(t, stats.Planned, mock.CreateCount(), "warm lattice must not touch the model")

	// Interactive edits on swept faces are local hits now.
	onLattice := face.Neutral()
	pitch, ok := face.AxisByName(face.AxisRotatePitch)
	require.True(t, ok)
	pitch.Set(&onLattice, pitch.Endpoints(buckets)[0])

	url, err := fresh.RunEditor(ctx, onLattice, visage.RunOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, url)
	assert.EqualValues(t, stats.Planned, mock.CreateCount())
}

func TestPrefetchControl_WarmsOneControl(t *testing.T) {
	resetState(t)
	ctx := testContext(t)

	client := newEditClient(t)
	client.SetImage(testImage)

	// "eyes" is blink plus wink: two 7-point sweeps sharing the anchor face.
	stats, err := client.PrefetchControl(ctx, "eyes")
	require.NoError(t, err)
	assert.Equal(t, 13, stats.Planned)
	assert.Equal(t, stats.Planned, stats.Fetched)
	assert.Zero(t, stats.Failures)
	assert.EqualValues(t, stats.Planned, mockModel.CreateCount())

	// A swept value resolves locally.
	warmed := face.Neutral()
	blink, ok := face.AxisByName(face.AxisBlink)
	require.True(t, ok)
	blink.Set(&warmed, blink.Endpoints(testServer.NumBuckets())[0])

	url, err := client.RunEditor(ctx, warmed, visage.RunOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, url)
	assert.EqualValues(t, stats.Planned, mockModel.CreateCount())

	// Unknown controls are rejected before any planning.
	_, err = client.PrefetchControl(ctx, "nose")
	testutil.AssertErrorType(t, err, editerrors.TypeInvalidParameter)
}

func TestPrefetch_OnlyOneSweepAtATime(t *testing.T) {
	resetState(t)
	ctx := testContext(t)

	mockModel.SetLatency(300 * time.Millisecond)

	client := newEditClient(t)
	client.SetImage(testImage)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := client.PrefetchControl(ctx, "mouth")
		done <- err
	}()

	<-started
	require.Eventually(t, client.PrefetchInProgress, time.Second, 5*time.Millisecond)

	_, err := client.PrefetchControl(ctx, "eyebrow")
	require.ErrorIs(t, err, visage.ErrSweepInProgress)

	require.NoError(t, <-done)
	assert.False(t, client.PrefetchInProgress())
}
