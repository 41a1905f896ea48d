package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwarenessRoundTrip(t *testing.T) {
	entries := []AwarenessEntry{
		{ClientID: 1, Clock: 0, State: `{"user":{"name":"alice"}}`},
		{ClientID: 3_000_000_000, Clock: 300, State: "null"},
	}
	frame := EncodeAwareness(entries)

	kind, err := MessageType(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageAwareness, kind)

	decoded, err := DecodeAwareness(frame)
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)
	assert.True(t, decoded[1].Removed())
}

func TestAwarenessMatchesLib0Bytes(t *testing.T) {
	// awareness, update length 7, one client 200 (0xc8 0x01) at clock 1 with state "{}".
	frame := []byte{0x01, 0x07, 0x01, 0xc8, 0x01, 0x01, 0x02, '{', '}'}
	decoded, err := DecodeAwareness(frame)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, AwarenessEntry{ClientID: 200, Clock: 1, State: "{}"}, decoded[0])
	assert.Equal(t, frame, EncodeAwareness(decoded))
}

func TestDecodeAwarenessRejectsTruncated(t *testing.T) {
	frame := EncodeAwareness([]AwarenessEntry{{ClientID: 9, Clock: 2, State: `{"a":1}`}})
	_, err := DecodeAwareness(frame[:len(frame)-2])
	require.ErrorIs(t, err, ErrTruncated)

	_, err = DecodeAwareness([]byte{0x00, 0x01})
	require.Error(t, err)

	_, err = MessageType(nil)
	require.ErrorIs(t, err, ErrTruncated)
}
