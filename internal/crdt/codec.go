package crdt

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrPayloadTooLarge is returned when a decoded payload exceeds the caller's
// size ceiling. The protocol layer treats it as a rate/size violation.
var ErrPayloadTooLarge = errors.New("payload exceeds size limit")

// EncodePayload converts a binary CRDT delta or full state into the
// transport-safe text form used inside JSON frames.
func EncodePayload(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodePayload decodes a transport payload, enforcing maxSize on the decoded
// byte count. maxSize <= 0 disables the check. The cheap length pre-check
// rejects oversized frames before allocating the decode buffer.
func DecodePayload(encoded string, maxSize int64) ([]byte, error) {
	if maxSize > 0 && int64(base64.StdEncoding.DecodedLen(len(encoded))) > maxSize+2 {
		return nil, ErrPayloadTooLarge
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}
	if maxSize > 0 && int64(len(raw)) > maxSize {
		return nil, ErrPayloadTooLarge
	}

	return raw, nil
}
