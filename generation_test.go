package visage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerations_NextCancelsPrevious(t *testing.T) {
	var g generations

	ctx1, gen1, release1 := g.next(context.Background())
	defer release1()
	require.NoError(t, ctx1.Err())
	assert.True(t, g.current(gen1))

	ctx2, gen2, release2 := g.next(context.Background())
	defer release2()

	assert.ErrorIs(t, ctx1.Err(), context.Canceled)
	assert.NoError(t, ctx2.Err())
	assert.False(t, g.current(gen1))
	assert.True(t, g.current(gen2))
	assert.Greater(t, gen2, gen1)
}

func TestGenerations_ParentCancellationPropagates(t *testing.T) {
	var g generations

	parent, cancel := context.WithCancel(context.Background())
	ctx, _, release := g.next(parent)
	defer release()

	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestGenerations_CancelCurrent(t *testing.T) {
	var g generations

	ctx, gen, release := g.next(context.Background())
	defer release()

	g.cancelCurrent()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	// The flip count is untouched; only the context died.
	assert.True(t, g.current(gen))

	// Safe when nothing is in flight.
	g.cancelCurrent()
}

func TestGenerations_ReleaseDoesNotTouchSuccessor(t *testing.T) {
	var g generations

	_, _, release1 := g.next(context.Background())
	ctx2, _, release2 := g.next(context.Background())
	defer release2()

	// A settled dispatch releasing its own generation must not cancel the
	// one that superseded it.
	release1()
	assert.NoError(t, ctx2.Err())
}
