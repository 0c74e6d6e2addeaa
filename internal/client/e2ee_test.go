package client

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundtrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	c, err := NewCipher(key)
	require.NoError(t, err)

	plain := []byte("collaborative document state")
	sealed, err := c.Seal(plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, sealed)

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestCipherNoncesDiffer(t *testing.T) {
	c, err := NewCipher(bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)

	s1, err := c.Seal([]byte("same input"))
	require.NoError(t, err)
	s2, err := c.Seal([]byte("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
}

func TestCipherRejectsTampering(t *testing.T) {
	c, err := NewCipher(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("integrity matters"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = c.Open(sealed)
	assert.Error(t, err)
}

func TestCipherRejectsWrongKey(t *testing.T) {
	c1, err := NewCipher(bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)
	c2, err := NewCipher(bytes.Repeat([]byte{0x02}, 32))
	require.NoError(t, err)

	sealed, err := c1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = c2.Open(sealed)
	assert.Error(t, err)
}

func TestCipherRejectsBadKeyLength(t *testing.T) {
	_, err := NewCipher([]byte("too short"))
	assert.Error(t, err)
}

func TestCipherRejectsTruncatedCiphertext(t *testing.T) {
	c, err := NewCipher(bytes.Repeat([]byte{0x03}, 32))
	require.NoError(t, err)

	_, err = c.Open([]byte{0x01, 0x02})
	assert.Error(t, err)
}
