package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagelab/visage"
	"github.com/visagelab/visage/pkg/face"
	"github.com/visagelab/visage/tests/testutil"
)

func TestBlobBackfill_ServesWithoutModel(t *testing.T) {
	resetState(t)
	ctx := testContext(t)

	params := face.Parameters{Smile: face.Float(0.5), Blink: face.Float(-8)}

	client := newEditClient(t)
	client.SetImage(testImage)

	_, err := client.RunEditor(ctx, params, visage.RunOptions{})
	require.NoError(t, err)
	testutil.AssertModelCalls(t, mockModel, 1)

	// Wait for the detached persist, then lose the entire key/value tier.
	// The blob bucket remains the source of truth.
	path := testServer.CachePathFor(payloadFor(t, testImage, params))
	testutil.WaitForKV(t, testServer, path)
	blobURL := testutil.WaitForBlob(t, testServer, path).URL
	testServer.FlushKV()

	// A fresh client forces a proxy lookup: kv misses, the blob answers,
	// and the model is never invoked again.
	fresh := newEditClient(t)
	fresh.SetImage(testImage)

	url, err := fresh.RunEditor(ctx, params, visage.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, blobURL, url)
	testutil.AssertModelCalls(t, mockModel, 1)

	// The blob hit repaired the key/value mapping off the request path.
	assert.Eventually(t, func() bool {
		got, err := testServer.KV().Get(context.Background(), path)
		return err == nil && got == blobURL
	}, 5*time.Second, 10*time.Millisecond, "kv tier should be warmed back from the blob hit")
}

func TestBlobBackfill_RebuildLosesNothing(t *testing.T) {
	resetState(t)
	ctx := testContext(t)

	// Warm several entries, then rebuild the kv tier from scratch.
	values := []float64{-1, 0, 1}
	paths := make([]string, 0, len(values))
	for _, v := range values {
		params := face.Parameters{Eyebrow: face.Float(v)}

		client := newEditClient(t)
		client.SetImage(testImage)
		_, err := client.RunEditor(ctx, params, visage.RunOptions{})
		require.NoError(t, err)
		paths = append(paths, testServer.CachePathFor(payloadFor(t, testImage, params)))
	}
	require.NoError(t, testServer.Drain(ctx))
	testutil.AssertModelCalls(t, mockModel, int64(len(values)))

	testServer.FlushKV()

	// Each entry is recoverable through the proxy without new invocations.
	for i, v := range values {
		fresh := newEditClient(t)
		fresh.SetImage(testImage)

		url, err := fresh.RunEditor(ctx, face.Parameters{Eyebrow: face.Float(v)}, visage.RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, testServer.Blobs().URL(paths[i]+".webp"), url)
	}
	testutil.AssertModelCalls(t, mockModel, int64(len(values)))
}
