package visage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestViewState_StampsAreMonotonic(t *testing.T) {
	var s viewState

	first := s.stamp()
	second := s.stamp()
	assert.Greater(t, second, first)
}

func TestViewState_StaleStampDoesNotApply(t *testing.T) {
	var s viewState

	older := s.stamp()
	newer := s.stamp()

	assert.True(t, s.apply(newer, "https://cdn.test/new.webp"))
	assert.False(t, s.apply(older, "https://cdn.test/old.webp"))
	assert.Equal(t, "https://cdn.test/new.webp", s.current())
}

func TestViewState_InOrderCompletionsApply(t *testing.T) {
	var s viewState

	assert.Empty(t, s.current())

	first := s.stamp()
	assert.True(t, s.apply(first, "https://cdn.test/a.webp"))
	assert.Equal(t, "https://cdn.test/a.webp", s.current())

	second := s.stamp()
	assert.True(t, s.apply(second, "https://cdn.test/b.webp"))
	assert.Equal(t, "https://cdn.test/b.webp", s.current())
}
