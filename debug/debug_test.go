package debug

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnableDisable(t *testing.T) {
	prev := Debug
	t.Cleanup(func() {
		if prev {
			Enable()
		} else {
			Disable()
		}
	})

	Enable()
	assert.True(t, Debug)
	assert.True(t, Enabled())

	Disable()
	assert.False(t, Debug)
	assert.False(t, Enabled())
}

func TestNamedLogger(t *testing.T) {
	l := Named("realtime")
	require.NotNil(t, l)
	assert.Same(t, Logger(), Logger())
}
