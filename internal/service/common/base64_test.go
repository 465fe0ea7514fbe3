package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	state := []byte{0x00, 0xff, 0x10, 0x7f}
	token := EncodeCursor(state)
	assert.NotContains(t, token, "=")

	decoded, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, state, decoded)
}

func TestCursorEmptyAndInvalid(t *testing.T) {
	assert.Empty(t, EncodeCursor(nil))

	decoded, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, decoded)

	_, err = DecodeCursor("not base64!")
	assert.Error(t, err)
}
