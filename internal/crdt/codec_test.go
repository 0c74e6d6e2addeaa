package crdt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundtrip(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xfe, 0xff, 0x42}
	encoded := EncodePayload(raw)

	decoded, err := DecodePayload(encoded, 1024)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(raw, decoded))
}

func TestCodecEmptyPayload(t *testing.T) {
	decoded, err := DecodePayload(EncodePayload(nil), 1024)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestCodecRejectsOversized(t *testing.T) {
	raw := make([]byte, 100)
	encoded := EncodePayload(raw)

	_, err := DecodePayload(encoded, 10)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestCodecNoLimitWhenZero(t *testing.T) {
	raw := make([]byte, 4096)
	_, err := DecodePayload(EncodePayload(raw), 0)
	assert.NoError(t, err)
}

func TestCodecRejectsInvalidEncoding(t *testing.T) {
	_, err := DecodePayload("not!!valid@@base64", 1024)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrPayloadTooLarge)
}
