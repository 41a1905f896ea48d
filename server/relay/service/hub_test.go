package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, p *Peer) []byte {
	t.Helper()
	select {
	case frame := <-p.Outbound():
		return frame
	case <-time.After(time.Second):
		t.Fatalf("peer %s received nothing", p.ID())
		return nil
	}
}

func assertQuiet(t *testing.T, p *Peer) {
	t.Helper()
	select {
	case frame := <-p.Outbound():
		t.Fatalf("peer %s received unexpected frame %v", p.ID(), frame)
	default:
	}
}

func TestHubForwardsToOthersOnly(t *testing.T) {
	h := NewHub(true)
	a, b, c := NewPeer("a", 4), NewPeer("b", 4), NewPeer("c", 4)
	h.Join("note-1", a)
	h.Join("note-1", b)
	h.Join("note-2", c)

	update := []byte{byte(MessageSync), 0x02, 0x01, 0xff}
	h.Receive("note-1", a, update)

	assert.Equal(t, update, recv(t, b))
	assertQuiet(t, a)
	assertQuiet(t, c)
}

func TestHubDropsMalformedFrames(t *testing.T) {
	h := NewHub(true)
	a, b := NewPeer("a", 4), NewPeer("b", 4)
	h.Join("doc", a)
	h.Join("doc", b)

	h.Receive("doc", a, nil)
	h.Receive("doc", a, []byte{0x80})
	assertQuiet(t, b)
}

func TestHubSnapshotsAwarenessForLateJoiners(t *testing.T) {
	h := NewHub(true)
	a := NewPeer("a", 4)
	h.Join("doc", a)
	h.Receive("doc", a, EncodeAwareness([]AwarenessEntry{{ClientID: 7, Clock: 3, State: `{"user":{"name":"Alice"}}`}}))

	b := NewPeer("b", 4)
	h.Join("doc", b)
	entries, err := DecodeAwareness(recv(t, b))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(7), entries[0].ClientID)
	assert.Equal(t, uint64(3), entries[0].Clock)

	h.Receive("doc", b, []byte{byte(MessageQueryAwareness)})
	entries, err = DecodeAwareness(recv(t, b))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assertQuiet(t, a)
}

func TestHubAnnouncesAwarenessRemovalOnLeave(t *testing.T) {
	h := NewHub(true)
	a, b := NewPeer("a", 4), NewPeer("b", 4)
	h.Join("doc", a)
	h.Join("doc", b)
	h.Receive("doc", a, EncodeAwareness([]AwarenessEntry{{ClientID: 7, Clock: 3, State: `{}`}}))
	recv(t, b)

	h.Leave("doc", a)
	entries, err := DecodeAwareness(recv(t, b))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(7), entries[0].ClientID)
	assert.Equal(t, uint64(4), entries[0].Clock)
	assert.True(t, entries[0].Removed())

	c := NewPeer("c", 4)
	h.Join("doc", c)
	assertQuiet(t, c)
}

func TestHubForgetsExplicitlyRemovedClients(t *testing.T) {
	h := NewHub(true)
	a, b := NewPeer("a", 4), NewPeer("b", 4)
	h.Join("doc", a)
	h.Join("doc", b)
	h.Receive("doc", a, EncodeAwareness([]AwarenessEntry{{ClientID: 7, Clock: 1, State: `{}`}}))
	h.Receive("doc", a, EncodeAwareness([]AwarenessEntry{{ClientID: 7, Clock: 2, State: "null"}}))
	recv(t, b)
	recv(t, b)

	h.Leave("doc", a)
	assertQuiet(t, b)
}

func TestHubGarbageCollectsEmptyRooms(t *testing.T) {
	h := NewHub(true)
	a := NewPeer("a", 4)
	h.Join("doc", a)
	size, ok := h.RoomSize("doc")
	require.True(t, ok)
	assert.Equal(t, 1, size)

	h.Leave("doc", a)
	_, ok = h.RoomSize("doc")
	assert.False(t, ok)

	keep := NewHub(false)
	keep.Join("doc", a)
	keep.Leave("doc", a)
	size, ok = keep.RoomSize("doc")
	require.True(t, ok)
	assert.Zero(t, size)
}

func TestHubKillsPeerOnQueueOverflow(t *testing.T) {
	h := NewHub(true)
	a, slow := NewPeer("a", 4), NewPeer("slow", 1)
	h.Join("doc", a)
	h.Join("doc", slow)

	h.Receive("doc", a, []byte{byte(MessageSync), 0x00})
	h.Receive("doc", a, []byte{byte(MessageSync), 0x01})

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow peer was not killed")
	}
	rooms, peers := h.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 2, peers)
}
