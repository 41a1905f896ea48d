package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

type EventKind string

// Client -> server events.
const (
	EventIdentify            EventKind = "identify"
	EventJoinWorkspace       EventKind = "join-workspace"
	EventLeaveWorkspace      EventKind = "leave-workspace"
	EventGetConnectedUsers   EventKind = "get-connected-users"
	EventJoinCollection      EventKind = "join-collection"
	EventLeaveCollection     EventKind = "leave-collection"
	EventGetCollectionsUsers EventKind = "get-collections-users"
	EventJoinNote            EventKind = "join-note"
	EventLeaveNote           EventKind = "leave-note"
	EventSendMessage         EventKind = "send-message"
	EventTyping              EventKind = "typing"
	EventStopTyping          EventKind = "stop-typing"
	EventCursorUpdate        EventKind = "cursor-update"
	EventNoteContentUpdate   EventKind = "note-content-update"
	EventCollectionDeleted   EventKind = "collection-deleted"
	EventWorkspaceDeleted    EventKind = "workspace-deleted"
)

// Server -> client events. cursor-update, note-content-update,
// collection-deleted and workspace-deleted reuse the client names.
const (
	EventConnected            EventKind = "connected"
	EventWorkspaceUsers       EventKind = "workspace-users"
	EventUserJoined           EventKind = "user-joined"
	EventUserDisconnected     EventKind = "user-disconnected"
	EventCollectionUserJoined EventKind = "collection-user-joined"
	EventCollectionUserLeft   EventKind = "collection-user-left"
	EventCollectionsUsers     EventKind = "collections-users"
	EventNoteUsers            EventKind = "note-users"
	EventNoteUserJoined       EventKind = "note-user-joined"
	EventNoteUserLeft         EventKind = "note-user-left"
	EventReceiveMessage       EventKind = "receive-message"
	EventUserTyping           EventKind = "user-typing"
	EventUserStopTyping       EventKind = "user-stop-typing"
	EventError                EventKind = "error"
)

// EventDisconnect never travels on a client channel; it marks a transport
// teardown in envelopes shared between nodes.
const EventDisconnect EventKind = "disconnect"

// ClientEvents is the closed set of events a client may send.
var ClientEvents = []EventKind{
	EventIdentify,
	EventJoinWorkspace,
	EventLeaveWorkspace,
	EventGetConnectedUsers,
	EventJoinCollection,
	EventLeaveCollection,
	EventGetCollectionsUsers,
	EventJoinNote,
	EventLeaveNote,
	EventSendMessage,
	EventTyping,
	EventStopTyping,
	EventCursorUpdate,
	EventNoteContentUpdate,
	EventCollectionDeleted,
	EventWorkspaceDeleted,
}

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrNotJoined      = errors.New("scope not joined")
	ErrForbidden      = errors.New("workspace access denied")
)

// Frame is the unit exchanged on the router channel.
type Frame struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewFrame(event EventKind, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// Client payloads.

type IdentifyPayload struct {
	User Identity `json:"user"`
}

type WorkspacePayload struct {
	WorkspaceID string    `json:"workspaceId"`
	User        *Identity `json:"user,omitempty"`
}

type CollectionPayload struct {
	WorkspaceID  string    `json:"workspaceId"`
	CollectionID string    `json:"collectionId"`
	User         *Identity `json:"user,omitempty"`
}

type NotePayload struct {
	WorkspaceID string    `json:"workspaceId"`
	NoteID      string    `json:"noteId"`
	User        *Identity `json:"user,omitempty"`
}

type SendMessagePayload struct {
	WorkspaceID string `json:"workspaceId"`
	Text        string `json:"text"`
	ClientID    string `json:"clientId,omitempty"`
}

type CursorPayload struct {
	WorkspaceID string          `json:"workspaceId"`
	NoteID      string          `json:"noteId"`
	Cursor      json.RawMessage `json:"cursor"`
}

type ContentPayload struct {
	WorkspaceID string          `json:"workspaceId"`
	NoteID      string          `json:"noteId"`
	Content     json.RawMessage `json:"content"`
}

type DeletedPayload struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	ID          string `json:"id"`
	DeletedBy   string `json:"deletedBy"`
}

// Trim strips surrounding whitespace from scope identifiers so that a join
// and its later leave address the same scope.
func (p *WorkspacePayload) Trim() {
	p.WorkspaceID = strings.TrimSpace(p.WorkspaceID)
}

func (p *CollectionPayload) Trim() {
	p.WorkspaceID = strings.TrimSpace(p.WorkspaceID)
	p.CollectionID = strings.TrimSpace(p.CollectionID)
}

func (p *NotePayload) Trim() {
	p.WorkspaceID = strings.TrimSpace(p.WorkspaceID)
	p.NoteID = strings.TrimSpace(p.NoteID)
}

func (p *SendMessagePayload) Trim() {
	p.WorkspaceID = strings.TrimSpace(p.WorkspaceID)
}

func (p *CursorPayload) Trim() {
	p.WorkspaceID = strings.TrimSpace(p.WorkspaceID)
	p.NoteID = strings.TrimSpace(p.NoteID)
}

func (p *ContentPayload) Trim() {
	p.WorkspaceID = strings.TrimSpace(p.WorkspaceID)
	p.NoteID = strings.TrimSpace(p.NoteID)
}

func (p *DeletedPayload) Trim() {
	p.WorkspaceID = strings.TrimSpace(p.WorkspaceID)
	p.ID = strings.TrimSpace(p.ID)
}

// Server payloads.

type ConnectedData struct {
	ConnectionID string    `json:"connectionId"`
	ServerTime   int64     `json:"serverTime"`
	User         *Identity `json:"user,omitempty"`
}

type WorkspaceUsersData struct {
	WorkspaceID string     `json:"workspaceId"`
	Users       []Identity `json:"users"`
}

type UserJoinedData struct {
	WorkspaceID string   `json:"workspaceId"`
	User        Identity `json:"user"`
}

type UserLeftData struct {
	WorkspaceID string `json:"workspaceId"`
	Email       string `json:"email"`
}

type CollectionUserData struct {
	WorkspaceID  string    `json:"workspaceId"`
	CollectionID string    `json:"collectionId"`
	User         *Identity `json:"user,omitempty"`
	Email        string    `json:"email,omitempty"`
}

type CollectionsUsersData struct {
	WorkspaceID string                `json:"workspaceId"`
	Collections map[string][]Identity `json:"collections"`
}

type NoteUsersData struct {
	WorkspaceID string                     `json:"workspaceId"`
	NoteID      string                     `json:"noteId"`
	Users       []Identity                 `json:"users"`
	Cursors     map[string]json.RawMessage `json:"cursors"`
}

type NoteUserData struct {
	WorkspaceID string    `json:"workspaceId"`
	NoteID      string    `json:"noteId"`
	User        *Identity `json:"user,omitempty"`
	UserID      string    `json:"userId,omitempty"`
}

type TypingData struct {
	WorkspaceID string    `json:"workspaceId"`
	User        *Identity `json:"user,omitempty"`
	Email       string    `json:"email,omitempty"`
}

type CursorData struct {
	WorkspaceID string          `json:"workspaceId"`
	NoteID      string          `json:"noteId"`
	UserID      string          `json:"userId"`
	User        Identity        `json:"user"`
	Cursor      json.RawMessage `json:"cursor"`
}

type ContentData struct {
	WorkspaceID string          `json:"workspaceId"`
	NoteID      string          `json:"noteId"`
	UserID      string          `json:"userId"`
	Content     json.RawMessage `json:"content"`
}

type ErrorData struct {
	Event   EventKind `json:"event"`
	Message string    `json:"message"`
}
