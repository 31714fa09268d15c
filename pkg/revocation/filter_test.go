package revocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(b byte) []byte {
	buf := make([]byte, IdentifierSize)
	buf[0] = b
	return buf
}

func TestFilter_RevokeAndQuery(t *testing.T) {
	f := New()
	assert.False(t, f.IsRevoked(id(1)))

	require.NoError(t, f.Revoke(id(1)))
	assert.True(t, f.IsRevoked(id(1)))
	assert.False(t, f.IsRevoked(id(2)))
}

func TestFilter_RevokeRejectsBadLength(t *testing.T) {
	f := New()
	err := f.Revoke([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadIdentifierLength)
}

func TestFilter_IsRevokedDefaultsTrueOnBadLength(t *testing.T) {
	f := New()
	assert.True(t, f.IsRevoked([]byte{1, 2, 3}))
	assert.True(t, f.IsRevoked(nil))
}

func TestFilter_UpdateUnionsAndSkipsMalformed(t *testing.T) {
	f := New()
	f.Update([][]byte{id(1), id(2), {0xDE, 0xAD}})
	assert.True(t, f.IsRevoked(id(1)))
	assert.True(t, f.IsRevoked(id(2)))
	assert.Equal(t, 2, f.Len())

	// Updating again with overlapping + new entries only grows the set.
	f.Update([][]byte{id(2), id(3)})
	assert.Equal(t, 3, f.Len())
}
