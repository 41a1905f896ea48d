package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonauth "cardspace_rt/server/common/auth"
	"cardspace_rt/server/common/config"
	"cardspace_rt/server/presence/domain"
)

func newTestServer(t *testing.T, mutate func(*config.PresenceConfig)) *httptest.Server {
	t.Helper()
	cfg, err := config.LoadPresence(config.NewViper())
	require.NoError(t, err)
	cfg.NodeID = "test-node"
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s, err := NewServer(ctx, cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.HTTPServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, event domain.EventKind) domain.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var frame domain.Frame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Event == event {
			return frame
		}
	}
}

func write(t *testing.T, conn *websocket.Conn, event domain.EventKind, data any) {
	t.Helper()
	frame, err := domain.NewFrame(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame))
}

func TestWebsocketChatBetweenTwoUsers(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := domain.Identity{ID: "u1", Email: "alice@x.com", Name: "Alice"}
	bob := domain.Identity{ID: "u2", Email: "bob@x.com", Name: "Bob"}

	a := dial(t, ts, "")
	b := dial(t, ts, "")
	readUntil(t, a, domain.EventConnected)
	readUntil(t, b, domain.EventConnected)

	write(t, a, domain.EventJoinWorkspace, domain.WorkspacePayload{WorkspaceID: "w1", User: &alice})
	readUntil(t, a, domain.EventWorkspaceUsers)
	write(t, b, domain.EventJoinWorkspace, domain.WorkspacePayload{WorkspaceID: "w1", User: &bob})
	frame := readUntil(t, b, domain.EventWorkspaceUsers)
	var users domain.WorkspaceUsersData
	require.NoError(t, json.Unmarshal(frame.Data, &users))
	assert.Len(t, users.Users, 2)
	readUntil(t, a, domain.EventUserJoined)

	start := time.Now()
	write(t, a, domain.EventSendMessage, domain.SendMessagePayload{WorkspaceID: "w1", Text: "hi"})
	frame = readUntil(t, b, domain.EventReceiveMessage)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(frame.Data, &msg))
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, "alice@x.com", msg.Sender.Email)

	resp, err := http.Get(ts.URL + "/api/v1/workspaces/w1/presence")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var presence domain.WorkspacePresence
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presence))
	assert.Len(t, presence.Users, 2)

	require.NoError(t, a.Close())
	readUntil(t, b, domain.EventUserDisconnected)
}

func TestHandshakeRequiresTokenWhenConfigured(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.PresenceConfig) {
		cfg.Auth.Required = true
		cfg.Auth.JWTSecret = "secret"
		cfg.Auth.JWTTTL = time.Hour
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := commonauth.NewService("secret", time.Hour).GenerateToken(domain.Identity{ID: "u1", Email: "alice@x.com"})
	require.NoError(t, err)
	conn := dial(t, ts, "?token="+token)
	frame := readUntil(t, conn, domain.EventConnected)
	var connected domain.ConnectedData
	require.NoError(t, json.Unmarshal(frame.Data, &connected))
	require.NotNil(t, connected.User)
	assert.Equal(t, "alice@x.com", connected.User.Email)

	resp, err = http.Get(ts.URL + "/api/v1/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var stats domain.NodeStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, "test-node", stats.NodeID)
	assert.Equal(t, 1, stats.Connections)
}

func TestPollingTransport(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/socket/poll", "application/json", nil)
	require.NoError(t, err)
	var session struct {
		SID string `json:"sid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, session.SID)

	resp, err = http.Get(ts.URL + "/api/v1/stats")
	require.NoError(t, err)
	var stats domain.NodeStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats.PollSessions)
	assert.Equal(t, 1, stats.Connections)

	join, err := domain.NewFrame(domain.EventJoinWorkspace, domain.WorkspacePayload{
		WorkspaceID: "w1",
		User:        &domain.Identity{Email: "carol@x.com"},
	})
	require.NoError(t, err)
	body, err := json.Marshal([]domain.Frame{join})
	require.NoError(t, err)
	resp, err = http.Post(ts.URL+"/socket/poll/"+session.SID, "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []domain.EventKind
	deadline := time.Now().Add(3 * time.Second)
	for len(events) < 2 && time.Now().Before(deadline) {
		resp, err = http.Get(ts.URL + "/socket/poll/" + session.SID)
		require.NoError(t, err)
		var frames []domain.Frame
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&frames))
		resp.Body.Close()
		for _, f := range frames {
			events = append(events, f.Event)
		}
	}
	assert.Equal(t, []domain.EventKind{domain.EventConnected, domain.EventWorkspaceUsers}, events)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/socket/poll/"+session.SID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/socket/poll/" + session.SID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNotePresenceEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	dave := domain.Identity{ID: "u4", Email: "dave@x.com", Name: "Dave"}

	conn := dial(t, ts, "")
	readUntil(t, conn, domain.EventConnected)
	write(t, conn, domain.EventJoinWorkspace, domain.WorkspacePayload{WorkspaceID: "w1", User: &dave})
	readUntil(t, conn, domain.EventWorkspaceUsers)
	write(t, conn, domain.EventJoinNote, domain.NotePayload{WorkspaceID: "w1", NoteID: "n1", User: &dave})
	readUntil(t, conn, domain.EventNoteUsers)
	write(t, conn, domain.EventCursorUpdate, domain.CursorPayload{
		WorkspaceID: "w1",
		NoteID:      "n1",
		Cursor:      json.RawMessage(`{"index":3}`),
	})

	var presence domain.NotePresence
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/workspaces/w1/notes/n1/presence")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		presence = domain.NotePresence{}
		if err := json.NewDecoder(resp.Body).Decode(&presence); err != nil {
			return false
		}
		_, ok := presence.Cursors["u4"]
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	require.Len(t, presence.Users, 1)
	assert.Equal(t, "dave@x.com", presence.Users[0].Email)
	assert.JSONEq(t, `{"index":3}`, string(presence.Cursors["u4"]))
}
