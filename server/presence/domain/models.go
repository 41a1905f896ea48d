package domain

import "encoding/json"

// ChatMessage is transient: it lives in client message lists and in the
// optional export stream, never in a store owned by this service.
type ChatMessage struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspaceId"`
	Sender      Identity `json:"sender"`
	Text        string   `json:"text"`
	Timestamp   int64    `json:"timestamp"`
	ClientID    string   `json:"clientId,omitempty"`
}

const MaxMessageLength = 4000

type WorkspacePresence struct {
	WorkspaceID string                `json:"workspaceId"`
	Users       []Identity            `json:"users"`
	Collections map[string][]Identity `json:"collections"`
}

type NotePresence struct {
	WorkspaceID string                     `json:"workspaceId"`
	NoteID      string                     `json:"noteId"`
	Users       []Identity                 `json:"users"`
	Cursors     map[string]json.RawMessage `json:"cursors"`
}

type NodeStats struct {
	NodeID       string `json:"nodeId"`
	Connections  int    `json:"connections"`
	Workspaces   int    `json:"workspaces"`
	PollSessions int    `json:"pollSessions"`
}
