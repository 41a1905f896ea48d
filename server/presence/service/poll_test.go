package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardspace_rt/server/presence/domain"
)

func TestPollSessionDrainWaitsForFrames(t *testing.T) {
	m := NewPollManager(time.Second, 5*time.Second)
	session := m.Open()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = session.WriteJSON(domain.Frame{Event: domain.EventConnected})
	}()

	frames, err := session.Drain(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"event":"connected"}`, string(frames[0]))
}

func TestPollSessionDrainTimesOutEmpty(t *testing.T) {
	session := NewPollManager(time.Second, 5*time.Second).Open()
	frames, err := session.Drain(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.NotNil(t, frames)
}

func TestPollSessionPushFeedsReadJSON(t *testing.T) {
	session := NewPollManager(time.Second, 5*time.Second).Open()
	require.NoError(t, session.Push([]domain.Frame{{Event: domain.EventTyping}, {Event: domain.EventStopTyping}}))

	var first, second domain.Frame
	require.NoError(t, session.ReadJSON(&first))
	require.NoError(t, session.ReadJSON(&second))
	assert.Equal(t, domain.EventTyping, first.Event)
	assert.Equal(t, domain.EventStopTyping, second.Event)

	require.NoError(t, session.Close())
	require.ErrorIs(t, session.ReadJSON(&first), ErrTransportClosed)
	require.ErrorIs(t, session.Push([]domain.Frame{{Event: domain.EventTyping}}), ErrTransportClosed)
}

func TestPollManagerReapsIdleSessions(t *testing.T) {
	m := NewPollManager(time.Second, 5*time.Second)
	idle := m.Open()
	busy := m.Open()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = busy.Drain(context.Background(), 500*time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond)

	reaped := m.Reap(time.Now().Add(10 * time.Second))
	assert.Equal(t, 1, reaped)
	_, err := m.Get(idle.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Get(busy.ID())
	require.NoError(t, err)
	<-done
}

func TestPollSessionDrivesConnection(t *testing.T) {
	r := NewRouter(Options{NodeID: "n1"})
	m := NewPollManager(time.Second, 5*time.Second)
	session := m.Open()
	conn := NewConnection(session.ID(), session, r)
	r.Attach(conn)

	done := make(chan error, 1)
	go func() { done <- conn.Handle(context.Background()) }()

	frame, err := domain.NewFrame(domain.EventJoinWorkspace, domain.WorkspacePayload{WorkspaceID: "w1", User: &alice})
	require.NoError(t, err)
	require.NoError(t, session.Push([]domain.Frame{frame}))

	var events []string
	deadline := time.Now().Add(2 * time.Second)
	for len(events) < 2 && time.Now().Before(deadline) {
		frames, err := session.Drain(context.Background(), 200*time.Millisecond)
		require.NoError(t, err)
		for _, raw := range frames {
			var f domain.Frame
			require.NoError(t, json.Unmarshal(raw, &f))
			events = append(events, string(f.Event))
		}
	}
	assert.Equal(t, []string{"connected", "workspace-users"}, events)

	require.NoError(t, m.Close(session.ID()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return")
	}
	assert.Empty(t, r.WorkspacePresence("w1").Users)
}
