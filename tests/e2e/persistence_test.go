package e2e

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagelab/visage"
	"github.com/visagelab/visage/pkg/face"
	"github.com/visagelab/visage/tests/testutil"
)

func TestBoltTier_SurvivesRestart(t *testing.T) {
	resetState(t)
	ctx := testContext(t)

	boltPath := filepath.Join(t.TempDir(), "previews.db")
	params := face.Parameters{Smile: face.Float(1.2), PupilY: face.Float(5)}

	// First session: resolve through the proxy and write through both local
	// tiers. Constructed without the test helper so Close happens mid-test.
	store1, err := visage.OpenBoltStore(boltPath)
	require.NoError(t, err)

	session1, err := visage.New(
		visage.WithEndpoint(testServer.URL()),
		visage.WithModel(testServer.ModelName()),
		visage.WithPersistentStore(store1),
		visage.WithRequestTimeout(30*time.Second),
		visage.WithLogger(discardLogger()),
	)
	require.NoError(t, err)

	session1.SetImage(testImage)
	url1, err := session1.RunEditor(ctx, params, visage.RunOptions{})
	require.NoError(t, err)
	testutil.AssertModelCalls(t, mockModel, 1)
	require.NoError(t, session1.Close())

	// Second session: fresh memory, same bolt file, proxy unreachable. Only
	// the persistent tier can answer.
	store2, err := visage.OpenBoltStore(boltPath)
	require.NoError(t, err)

	session2, err := visage.New(
		visage.WithEndpoint("http://127.0.0.1:1"),
		visage.WithModel(testServer.ModelName()),
		visage.WithPersistentStore(store2),
		visage.WithRequestTimeout(2*time.Second),
		visage.WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session2.Close() })

	session2.SetImage(testImage)
	url2, err := session2.RunEditor(ctx, params, visage.RunOptions{})
	require.NoError(t, err, "restart should serve from the bolt tier without the proxy")
	assert.Equal(t, url1, url2)
	testutil.AssertModelCalls(t, mockModel, 1)
}

func TestBoltTier_MissStillReachesProxy(t *testing.T) {
	resetState(t)
	ctx := testContext(t)

	boltPath := filepath.Join(t.TempDir(), "previews.db")
	store, err := visage.OpenBoltStore(boltPath)
	require.NoError(t, err)

	client := newEditClient(t, visage.WithPersistentStore(store))
	client.SetImage(testImage)

	// Nothing cached under this key anywhere: the dispatch falls through
	// both local tiers to the proxy.
	url, err := client.RunEditor(ctx, face.Parameters{Eyebrow: face.Float(-10)}, visage.RunOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, url)
	testutil.AssertModelCalls(t, mockModel, 1)
}
