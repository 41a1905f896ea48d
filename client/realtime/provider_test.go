package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardspace_rt/server/common/config"
	"cardspace_rt/server/presence/app"
	"cardspace_rt/server/presence/domain"
)

var (
	alice = domain.Identity{ID: "u-alice", Name: "Alice", Email: "alice@x.com"}
	bob   = domain.Identity{ID: "u-bob", Name: "Bob", Email: "bob@x.com"}
)

func newPresenceServer(t *testing.T) string {
	t.Helper()
	cfg, err := config.LoadPresence(config.NewViper())
	require.NoError(t, err)
	cfg.NodeID = "client-test"
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s, err := app.NewServer(ctx, cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.HTTPServer.Handler)
	t.Cleanup(ts.Close)
	return ts.URL
}

func testOptions(url string, identity domain.Identity, workspaceID string) Options {
	return Options{
		URL:            url,
		Identity:       identity,
		WorkspaceID:    workspaceID,
		Transports:     []TransportKind{TransportWebsocket},
		ReconnectDelay: 50 * time.Millisecond,
		RetryAttempts:  3,
		RetryMin:       10 * time.Millisecond,
		RetryMax:       20 * time.Millisecond,
	}
}

func newProvider(t *testing.T, opts Options) *Provider {
	t.Helper()
	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func eventually(t *testing.T, p *Provider, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(p.Snapshot()) }, 3*time.Second, 10*time.Millisecond)
}

func ready(s Snapshot) bool { return s.Ready() }

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{URL: "ftp://host"})
	require.Error(t, err)
	_, err = New(Options{URL: "http://host", Transports: []TransportKind{"carrier-pigeon"}})
	require.Error(t, err)
}

func TestOperationsAreRejectedUntilConnected(t *testing.T) {
	p := newProvider(t, testOptions("http://127.0.0.1:1", alice, ""))
	s := p.Snapshot()
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.False(t, s.Ready())

	assert.False(t, p.SendMessage("hi"))
	assert.False(t, p.JoinCollection("c1"))
	assert.False(t, p.SendTyping())
	assert.False(t, p.SendCursor("n1", map[string]int{"pos": 1}))
	assert.False(t, p.RequestConnectedUsers())
	assert.Empty(t, p.Snapshot().Messages)
}

func TestPresenceAndOptimisticChat(t *testing.T) {
	url := newPresenceServer(t)
	a := newProvider(t, testOptions(url, alice, "w1"))
	eventually(t, a, ready)
	b := newProvider(t, testOptions(url, bob, "w1"))
	eventually(t, b, ready)

	twoUsers := func(s Snapshot) bool { return len(s.ConnectedUsers) == 2 }
	eventually(t, a, twoUsers)
	eventually(t, b, twoUsers)

	require.True(t, a.SendMessage("  hi  "))
	mine := a.Snapshot().Messages
	require.Len(t, mine, 1)
	assert.True(t, mine[0].IsSelf)
	assert.Equal(t, "hi", mine[0].Text)

	eventually(t, b, func(s Snapshot) bool { return len(s.Messages) == 1 })
	theirs := b.Snapshot().Messages[0]
	assert.False(t, theirs.IsSelf)
	assert.Equal(t, "hi", theirs.Text)
	assert.Equal(t, mine[0].ClientID, theirs.ClientID)
	assert.Len(t, a.Snapshot().Messages, 1)

	assert.False(t, a.SendMessage("   "))

	require.NoError(t, a.Close())
	eventually(t, b, func(s Snapshot) bool { return len(s.ConnectedUsers) == 1 })
	assert.False(t, a.SendMessage("gone"))
}

func TestCollectionsNotesAndCursors(t *testing.T) {
	url := newPresenceServer(t)
	a := newProvider(t, testOptions(url, alice, "w1"))
	b := newProvider(t, testOptions(url, bob, "w1"))
	eventually(t, a, ready)
	eventually(t, b, ready)

	require.True(t, a.JoinCollection("c1"))
	eventually(t, b, func(s Snapshot) bool { return len(s.CollectionUsers["c1"]) == 1 })
	assert.Equal(t, "alice@x.com", b.Snapshot().CollectionUsers["c1"][0].Email)

	require.True(t, a.JoinNote("n1"))
	require.True(t, b.JoinNote("n1"))
	eventually(t, b, func(s Snapshot) bool { return len(s.NoteUsers["n1"]) == 2 })

	require.True(t, a.SendCursor("n1", map[string]int{"pos": 3}))
	eventually(t, b, func(s Snapshot) bool { return s.Cursors["n1"]["u-alice"] != nil })
	assert.JSONEq(t, `{"pos":3}`, string(b.Snapshot().Cursors["n1"]["u-alice"]))
	assert.Nil(t, a.Snapshot().Cursors["n1"]["u-alice"])

	require.True(t, b.SendNoteContent("n1", map[string]string{"text": "hello"}))
	eventually(t, a, func(s Snapshot) bool { return s.NoteContent["n1"].UserID == "u-bob" })

	require.True(t, a.LeaveNote("n1"))
	eventually(t, b, func(s Snapshot) bool { return len(s.NoteUsers["n1"]) == 1 && s.Cursors["n1"]["u-alice"] == nil })
	require.True(t, a.LeaveCollection("c1"))
	eventually(t, b, func(s Snapshot) bool { return len(s.CollectionUsers["c1"]) == 0 })
}

func TestTypingStopsAutomatically(t *testing.T) {
	url := newPresenceServer(t)
	opts := testOptions(url, alice, "w1")
	opts.TypingTimeout = 300 * time.Millisecond
	a := newProvider(t, opts)
	b := newProvider(t, testOptions(url, bob, "w1"))
	eventually(t, a, ready)
	eventually(t, b, ready)
	eventually(t, a, func(s Snapshot) bool { return len(s.ConnectedUsers) == 2 })

	require.True(t, a.SendTyping())
	eventually(t, b, func(s Snapshot) bool { return len(s.TypingUsers) == 1 })
	eventually(t, b, func(s Snapshot) bool { return len(s.TypingUsers) == 0 })
	assert.Empty(t, a.Snapshot().TypingUsers)
}

func TestPollingTransportFallback(t *testing.T) {
	url := newPresenceServer(t)
	opts := testOptions(url, alice, "w1")
	opts.Transports = []TransportKind{TransportPolling}
	a := newProvider(t, opts)
	b := newProvider(t, testOptions(url, bob, "w1"))
	eventually(t, a, ready)
	eventually(t, b, ready)
	assert.Equal(t, TransportPolling, a.Snapshot().Transport)

	eventually(t, a, func(s Snapshot) bool { return len(s.ConnectedUsers) == 2 })
	require.True(t, b.SendMessage("over websocket"))
	eventually(t, a, func(s Snapshot) bool { return len(s.Messages) == 1 })
	require.True(t, a.SendMessage("over polling"))
	eventually(t, b, func(s Snapshot) bool { return len(s.Messages) == 2 })
}

func TestRetriesExhaustedMarksReconnecting(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	opts := testOptions(url, alice, "w1")
	opts.RetryAttempts = 2
	opts.ReconnectDelay = time.Hour
	p := newProvider(t, opts)
	eventually(t, p, func(s Snapshot) bool { return s.Reconnecting })
	assert.Equal(t, StatusDisconnected, p.Snapshot().Status)
	assert.False(t, p.SendMessage("hi"))
}

// recorder is a bare websocket endpoint that acknowledges the handshake and
// records every client frame.
type recorder struct {
	frames    chan domain.Frame
	conns     atomic.Int32
	dropFirst bool
}

func newRecorder(t *testing.T, dropFirst bool) (string, *recorder) {
	t.Helper()
	rec := &recorder{frames: make(chan domain.Frame, 256), dropFirst: dropFirst}
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := rec.conns.Add(1)
		connected, _ := domain.NewFrame(domain.EventConnected, domain.ConnectedData{ConnectionID: "c"})
		if err := conn.WriteJSON(connected); err != nil {
			return
		}
		for {
			var frame domain.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			rec.frames <- frame
			if rec.dropFirst && n == 1 && frame.Event == domain.EventJoinCollection {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts.URL, rec
}

func (r *recorder) next(t *testing.T, event domain.EventKind) domain.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-r.frames:
			if frame.Event == event {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame recorded", event)
			return domain.Frame{}
		}
	}
}

func (r *recorder) drain(n int, timeout time.Duration) []domain.Frame {
	var out []domain.Frame
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case frame := <-r.frames:
			out = append(out, frame)
		case <-deadline:
			return out
		}
	}
	return out
}

func workspaceOf(t *testing.T, frame domain.Frame) string {
	t.Helper()
	var data domain.WorkspacePayload
	require.True(t, decode(frame, &data))
	return data.WorkspaceID
}

func TestSwitchWorkspaceLeavesBeforeJoin(t *testing.T) {
	url, rec := newRecorder(t, false)
	p := newProvider(t, testOptions(url, alice, "w1"))
	eventually(t, p, ready)
	assert.Equal(t, "w1", workspaceOf(t, rec.next(t, domain.EventJoinWorkspace)))
	require.True(t, p.JoinCollection("c1"))
	rec.next(t, domain.EventJoinCollection)

	p.SetWorkspace("w2")
	frames := rec.drain(4, 2*time.Second)
	require.Len(t, frames, 4)
	assert.Equal(t, domain.EventLeaveCollection, frames[0].Event)
	assert.Equal(t, domain.EventLeaveWorkspace, frames[1].Event)
	assert.Equal(t, "w1", workspaceOf(t, frames[1]))
	assert.Equal(t, domain.EventIdentify, frames[2].Event)
	assert.Equal(t, domain.EventJoinWorkspace, frames[3].Event)
	assert.Equal(t, "w2", workspaceOf(t, frames[3]))
	assert.Equal(t, int32(1), rec.conns.Load())
}

func TestCloseEmitsOutstandingLeaves(t *testing.T) {
	url, rec := newRecorder(t, false)
	p := newProvider(t, testOptions(url, alice, "w1"))
	eventually(t, p, ready)
	require.True(t, p.JoinNote("n1"))
	rec.next(t, domain.EventJoinNote)

	require.NoError(t, p.Close())
	assert.Equal(t, domain.EventLeaveNote, rec.next(t, domain.EventLeaveNote).Event)
	assert.Equal(t, "w1", workspaceOf(t, rec.next(t, domain.EventLeaveWorkspace)))
	assert.Equal(t, StatusDisconnected, p.Snapshot().Status)
}

func TestReconnectRejoinsTrackedScopes(t *testing.T) {
	url, rec := newRecorder(t, true)
	p := newProvider(t, testOptions(url, alice, "w1"))
	eventually(t, p, ready)
	require.True(t, p.JoinCollection("c1"))
	rec.next(t, domain.EventJoinCollection)

	assert.Equal(t, "w1", workspaceOf(t, rec.next(t, domain.EventJoinWorkspace)))
	frame := rec.next(t, domain.EventJoinCollection)
	var data domain.CollectionPayload
	require.True(t, decode(frame, &data))
	assert.Equal(t, "c1", data.CollectionID)
	assert.Equal(t, int32(2), rec.conns.Load())
	eventually(t, p, ready)
	assert.False(t, p.Snapshot().Reconnecting)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	url := newPresenceServer(t)
	p := newProvider(t, testOptions(url, alice, ""))

	got := make(chan Snapshot, 64)
	unsubscribe := p.Subscribe(func(s Snapshot) {
		select {
		case got <- s:
		default:
		}
	})
	defer unsubscribe()

	p.SetWorkspace("w1")
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-got:
			if s.Ready() && len(s.ConnectedUsers) == 1 {
				s.ConnectedUsers[0].Name = "mutated"
				assert.Equal(t, "Alice", p.Snapshot().ConnectedUsers[0].Name)
				return
			}
		case <-deadline:
			t.Fatal("no connected snapshot delivered")
		}
	}
}

func TestConnectedOnlyAfterHandshakeAck(t *testing.T) {
	ack := make(chan struct{})
	frames := make(chan domain.Frame, 16)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var frame domain.Frame
				if err := conn.ReadJSON(&frame); err != nil {
					return
				}
				frames <- frame
			}
		}()
		select {
		case <-ack:
		case <-done:
			return
		}
		connected, _ := domain.NewFrame(domain.EventConnected, domain.ConnectedData{ConnectionID: "c"})
		if err := conn.WriteJSON(connected); err != nil {
			return
		}
		<-done
	}))
	t.Cleanup(ts.Close)

	p := newProvider(t, testOptions(ts.URL, alice, "w1"))
	eventually(t, p, func(s Snapshot) bool {
		return s.Status == StatusConnecting && s.Transport == TransportWebsocket
	})
	assert.False(t, p.JoinCollection("c1"))
	assert.False(t, p.SendMessage("hi"))
	select {
	case frame := <-frames:
		t.Fatalf("frame %s sent before the handshake was acknowledged", frame.Event)
	case <-time.After(100 * time.Millisecond):
	}

	close(ack)
	eventually(t, p, ready)
	assert.Equal(t, "c", p.Snapshot().ConnectionID)
	for _, want := range []domain.EventKind{domain.EventIdentify, domain.EventJoinWorkspace} {
		select {
		case frame := <-frames:
			assert.Equal(t, want, frame.Event)
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s frame after the handshake", want)
		}
	}
}
