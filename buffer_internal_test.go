package uaxidma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferSetPayload(t *testing.T) {
	b := Buffer{data: make([]byte, 16)}

	require.NoError(t, b.SetPayload(0))
	assert.Equal(t, 0, b.Length())

	require.NoError(t, b.SetPayload(16))
	assert.Equal(t, 16, b.Length())

	assert.Error(t, b.SetPayload(17))
	// A rejected payload leaves the length untouched.
	assert.Equal(t, 16, b.Length())

	assert.Error(t, b.SetPayload(-1))

	assert.Equal(t, 16, b.Capacity())
	assert.Len(t, b.Data(), 16)
}
