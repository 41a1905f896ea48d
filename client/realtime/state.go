package realtime

import (
	"encoding/json"
	"maps"
	"slices"

	"cardspace_rt/server/presence/domain"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Message is a chat line in the local message list.
type Message struct {
	domain.ChatMessage
	IsSelf bool `json:"isSelf"`
}

// ContentUpdate is the last note content received from another user.
type ContentUpdate struct {
	UserID  string          `json:"userId"`
	Content json.RawMessage `json:"content"`
}

// Snapshot is a copy of the provider state. Mutating it never affects the
// provider.
type Snapshot struct {
	Status       Status
	Reconnecting bool
	Transport    TransportKind
	ConnectionID string
	WorkspaceID  string
	Self         domain.Identity

	ConnectedUsers  []domain.Identity
	CollectionUsers map[string][]domain.Identity
	NoteUsers       map[string][]domain.Identity
	Cursors         map[string]map[string]json.RawMessage
	NoteContent     map[string]ContentUpdate
	Messages        []Message
	TypingUsers     []domain.Identity

	DeletedCollections []string
	WorkspaceDeleted   bool
	LastError          string
}

// Ready reports whether consumer operations will be sent.
func (s Snapshot) Ready() bool {
	return s.Status == StatusConnected
}

type projection struct {
	connectedUsers  []domain.Identity
	collectionUsers map[string][]domain.Identity
	noteUsers       map[string][]domain.Identity
	cursors         map[string]map[string]json.RawMessage
	noteContent     map[string]ContentUpdate
	messages        []Message
	typingUsers     []domain.Identity

	deletedCollections []string
	workspaceDeleted   bool
	lastError          string
}

func newProjection() *projection {
	return &projection{
		collectionUsers: map[string][]domain.Identity{},
		noteUsers:       map[string][]domain.Identity{},
		cursors:         map[string]map[string]json.RawMessage{},
		noteContent:     map[string]ContentUpdate{},
	}
}

// resetPresence forgets rosters before a (re)join; the server replays them.
func (p *projection) resetPresence() {
	p.connectedUsers = nil
	p.collectionUsers = map[string][]domain.Identity{}
	p.noteUsers = map[string][]domain.Identity{}
	p.cursors = map[string]map[string]json.RawMessage{}
	p.typingUsers = nil
}

func (p *projection) dropNote(noteID string) {
	delete(p.noteUsers, noteID)
	delete(p.cursors, noteID)
	delete(p.noteContent, noteID)
}

func (p *projection) fill(s *Snapshot) {
	s.ConnectedUsers = slices.Clone(p.connectedUsers)
	s.CollectionUsers = cloneRosters(p.collectionUsers)
	s.NoteUsers = cloneRosters(p.noteUsers)
	s.Cursors = make(map[string]map[string]json.RawMessage, len(p.cursors))
	for noteID, cursors := range p.cursors {
		copied := make(map[string]json.RawMessage, len(cursors))
		for userID, cursor := range cursors {
			copied[userID] = slices.Clone(cursor)
		}
		s.Cursors[noteID] = copied
	}
	s.NoteContent = make(map[string]ContentUpdate, len(p.noteContent))
	for noteID, update := range p.noteContent {
		s.NoteContent[noteID] = ContentUpdate{UserID: update.UserID, Content: slices.Clone(update.Content)}
	}
	s.Messages = slices.Clone(p.messages)
	s.TypingUsers = slices.Clone(p.typingUsers)
	s.DeletedCollections = slices.Clone(p.deletedCollections)
	s.WorkspaceDeleted = p.workspaceDeleted
	s.LastError = p.lastError
}

func cloneRosters(in map[string][]domain.Identity) map[string][]domain.Identity {
	out := maps.Clone(in)
	if out == nil {
		return map[string][]domain.Identity{}
	}
	for id, users := range out {
		out[id] = slices.Clone(users)
	}
	return out
}

// upsert replaces the entry with the same email or appends a new one.
func upsert(users []domain.Identity, user domain.Identity) []domain.Identity {
	for i := range users {
		if users[i].Email == user.Email {
			users[i] = user
			return users
		}
	}
	return append(users, user)
}

func removeWhere(users []domain.Identity, match func(domain.Identity) bool) []domain.Identity {
	return slices.DeleteFunc(users, match)
}

func byEmail(email string) func(domain.Identity) bool {
	return func(i domain.Identity) bool { return i.Email == email }
}

func byUserKey(key string) func(domain.Identity) bool {
	return func(i domain.Identity) bool { return i.UserKey() == key }
}

// apply folds one server frame into the projection. self is the local
// identity; it reports whether anything visible changed.
func (p *projection) apply(frame domain.Frame, workspaceID string, self domain.Identity) bool {
	switch frame.Event {
	case domain.EventWorkspaceUsers:
		var data domain.WorkspaceUsersData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID {
			return false
		}
		p.connectedUsers = slices.Clone(data.Users)
	case domain.EventUserJoined:
		var data domain.UserJoinedData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID {
			return false
		}
		p.connectedUsers = upsert(p.connectedUsers, data.User)
	case domain.EventUserDisconnected:
		var data domain.UserLeftData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID {
			return false
		}
		p.connectedUsers = removeWhere(p.connectedUsers, byEmail(data.Email))
		p.typingUsers = removeWhere(p.typingUsers, byEmail(data.Email))
	case domain.EventCollectionUserJoined:
		var data domain.CollectionUserData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID || data.User == nil {
			return false
		}
		p.collectionUsers[data.CollectionID] = upsert(p.collectionUsers[data.CollectionID], *data.User)
	case domain.EventCollectionUserLeft:
		var data domain.CollectionUserData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID {
			return false
		}
		users := removeWhere(p.collectionUsers[data.CollectionID], byEmail(data.Email))
		if len(users) == 0 {
			delete(p.collectionUsers, data.CollectionID)
		} else {
			p.collectionUsers[data.CollectionID] = users
		}
	case domain.EventCollectionsUsers:
		var data domain.CollectionsUsersData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID {
			return false
		}
		p.collectionUsers = cloneRosters(data.Collections)
	case domain.EventNoteUsers:
		var data domain.NoteUsersData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID {
			return false
		}
		p.noteUsers[data.NoteID] = slices.Clone(data.Users)
		p.cursors[data.NoteID] = maps.Clone(data.Cursors)
	case domain.EventNoteUserJoined:
		var data domain.NoteUserData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID || data.User == nil {
			return false
		}
		p.noteUsers[data.NoteID] = upsert(p.noteUsers[data.NoteID], *data.User)
	case domain.EventNoteUserLeft:
		var data domain.NoteUserData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID {
			return false
		}
		p.noteUsers[data.NoteID] = removeWhere(p.noteUsers[data.NoteID], byUserKey(data.UserID))
		delete(p.cursors[data.NoteID], data.UserID)
	case domain.EventReceiveMessage:
		var msg domain.ChatMessage
		if !decode(frame, &msg) || msg.WorkspaceID != workspaceID {
			return false
		}
		p.messages = append(p.messages, Message{ChatMessage: msg, IsSelf: msg.Sender.Email == self.Email})
	case domain.EventUserTyping:
		var data domain.TypingData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID || data.User == nil || data.User.Email == self.Email {
			return false
		}
		p.typingUsers = upsert(p.typingUsers, *data.User)
	case domain.EventUserStopTyping:
		var data domain.TypingData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID {
			return false
		}
		p.typingUsers = removeWhere(p.typingUsers, byEmail(data.Email))
	case domain.EventCursorUpdate:
		var data domain.CursorData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID || data.UserID == self.UserKey() {
			return false
		}
		if p.cursors[data.NoteID] == nil {
			p.cursors[data.NoteID] = map[string]json.RawMessage{}
		}
		p.cursors[data.NoteID][data.UserID] = data.Cursor
	case domain.EventNoteContentUpdate:
		var data domain.ContentData
		if !decode(frame, &data) || data.WorkspaceID != workspaceID || data.UserID == self.UserKey() {
			return false
		}
		p.noteContent[data.NoteID] = ContentUpdate{UserID: data.UserID, Content: data.Content}
	case domain.EventCollectionDeleted:
		var data domain.DeletedPayload
		if !decode(frame, &data) || data.WorkspaceID != workspaceID {
			return false
		}
		delete(p.collectionUsers, data.ID)
		p.deletedCollections = append(p.deletedCollections, data.ID)
	case domain.EventWorkspaceDeleted:
		var data domain.DeletedPayload
		if !decode(frame, &data) || data.ID != workspaceID {
			return false
		}
		p.workspaceDeleted = true
	case domain.EventError:
		var data domain.ErrorData
		if !decode(frame, &data) {
			return false
		}
		p.lastError = string(data.Event) + ": " + data.Message
	default:
		return false
	}
	return true
}

func decode(frame domain.Frame, v any) bool {
	return len(frame.Data) > 0 && json.Unmarshal(frame.Data, v) == nil
}
