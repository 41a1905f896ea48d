package service

import (
	"encoding/json"
	"sort"
	"sync"

	"cardspace_rt/server/presence/domain"
)

type Scope string

const (
	ScopeWorkspace  Scope = "workspace"
	ScopeCollection Scope = "collection"
	ScopeNote       Scope = "note"
)

// Removal describes one connection leaving one scope. Last is set when no
// other connection of the same user remains in that scope.
type Removal struct {
	Scope       Scope
	WorkspaceID string
	ScopeID     string
	Identity    domain.Identity
	Last        bool
}

type rosterEntry struct {
	identity domain.Identity
	conns    map[string]struct{}
}

// roster is keyed by email and ordered by first join.
type roster struct {
	order   []string
	entries map[string]*rosterEntry
}

func newRoster() *roster {
	return &roster{entries: map[string]*rosterEntry{}}
}

func (r *roster) add(connID string, identity domain.Identity) bool {
	entry, ok := r.entries[identity.Email]
	if !ok {
		entry = &rosterEntry{conns: map[string]struct{}{}}
		r.entries[identity.Email] = entry
		r.order = append(r.order, identity.Email)
	}
	entry.identity = identity
	entry.conns[connID] = struct{}{}
	return !ok
}

func (r *roster) remove(connID, email string) (domain.Identity, bool, bool) {
	entry, ok := r.entries[email]
	if !ok {
		return domain.Identity{}, false, false
	}
	if _, ok := entry.conns[connID]; !ok {
		return domain.Identity{}, false, false
	}
	delete(entry.conns, connID)
	if len(entry.conns) > 0 {
		return entry.identity, false, true
	}
	delete(r.entries, email)
	for i, key := range r.order {
		if key == email {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return entry.identity, true, true
}

func (r *roster) users() []domain.Identity {
	users := make([]domain.Identity, 0, len(r.order))
	for _, email := range r.order {
		users = append(users, r.entries[email].identity)
	}
	return users
}

func (r *roster) connIDs() []string {
	ids := []string{}
	for _, email := range r.order {
		for id := range r.entries[email].conns {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *roster) empty() bool {
	return len(r.entries) == 0
}

type noteState struct {
	viewers *roster
	cursors map[string]json.RawMessage
}

type workspaceState struct {
	members     *roster
	collections map[string]*roster
	notes       map[string]*noteState
}

// membership is what one connection holds inside one workspace.
type membership struct {
	identity    domain.Identity
	collections map[string]struct{}
	notes       map[string]struct{}
}

// Tracker owns the authoritative presence sets: workspace rosters and, nested
// in them, collection and note rosters plus note cursors.
type Tracker struct {
	mu         sync.Mutex
	workspaces map[string]*workspaceState
	conns      map[string]map[string]*membership
}

func NewTracker() *Tracker {
	return &Tracker{
		workspaces: map[string]*workspaceState{},
		conns:      map[string]map[string]*membership{},
	}
}

// JoinWorkspace registers connID under workspaceID. It reports whether the
// user is new to the workspace roster. A connection that rejoins under a
// different email first leaves as its previous identity; those removals are
// returned.
func (t *Tracker) JoinWorkspace(connID, workspaceID string, identity domain.Identity) (bool, []Removal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var replaced []Removal
	if m := t.membershipLocked(connID, workspaceID); m != nil && m.identity.Email != identity.Email {
		replaced = t.leaveWorkspaceLocked(connID, workspaceID)
	}

	ws, ok := t.workspaces[workspaceID]
	if !ok {
		ws = &workspaceState{
			members:     newRoster(),
			collections: map[string]*roster{},
			notes:       map[string]*noteState{},
		}
		t.workspaces[workspaceID] = ws
	}
	first := ws.members.add(connID, identity)

	scopes, ok := t.conns[connID]
	if !ok {
		scopes = map[string]*membership{}
		t.conns[connID] = scopes
	}
	if m, ok := scopes[workspaceID]; ok {
		m.identity = identity
	} else {
		scopes[workspaceID] = &membership{
			identity:    identity,
			collections: map[string]struct{}{},
			notes:       map[string]struct{}{},
		}
	}
	return first, replaced
}

// LeaveWorkspace removes connID from the workspace and every collection and
// note it joined there. Removals are ordered notes, collections, workspace.
func (t *Tracker) LeaveWorkspace(connID, workspaceID string) []Removal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaveWorkspaceLocked(connID, workspaceID)
}

// Disconnect removes connID from every scope it joined.
func (t *Tracker) Disconnect(connID string) []Removal {
	t.mu.Lock()
	defer t.mu.Unlock()

	workspaceIDs := make([]string, 0, len(t.conns[connID]))
	for workspaceID := range t.conns[connID] {
		workspaceIDs = append(workspaceIDs, workspaceID)
	}
	sort.Strings(workspaceIDs)

	var removals []Removal
	for _, workspaceID := range workspaceIDs {
		removals = append(removals, t.leaveWorkspaceLocked(connID, workspaceID)...)
	}
	delete(t.conns, connID)
	return removals
}

func (t *Tracker) JoinCollection(connID, workspaceID, collectionID string) (domain.Identity, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.membershipLocked(connID, workspaceID)
	if m == nil {
		return domain.Identity{}, false, domain.ErrNotJoined
	}
	ws := t.workspaces[workspaceID]
	r, ok := ws.collections[collectionID]
	if !ok {
		r = newRoster()
		ws.collections[collectionID] = r
	}
	m.collections[collectionID] = struct{}{}
	return m.identity, r.add(connID, m.identity), nil
}

func (t *Tracker) LeaveCollection(connID, workspaceID, collectionID string) (Removal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.membershipLocked(connID, workspaceID)
	if m == nil {
		return Removal{}, false
	}
	if _, ok := m.collections[collectionID]; !ok {
		return Removal{}, false
	}
	return t.leaveCollectionLocked(connID, workspaceID, collectionID, m)
}

func (t *Tracker) JoinNote(connID, workspaceID, noteID string) (domain.Identity, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.membershipLocked(connID, workspaceID)
	if m == nil {
		return domain.Identity{}, false, domain.ErrNotJoined
	}
	ws := t.workspaces[workspaceID]
	note, ok := ws.notes[noteID]
	if !ok {
		note = &noteState{viewers: newRoster(), cursors: map[string]json.RawMessage{}}
		ws.notes[noteID] = note
	}
	m.notes[noteID] = struct{}{}
	return m.identity, note.viewers.add(connID, m.identity), nil
}

// LeaveNote removes connID from the note roster. The user's cursor is cleared
// when their last connection leaves the note.
func (t *Tracker) LeaveNote(connID, workspaceID, noteID string) (Removal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.membershipLocked(connID, workspaceID)
	if m == nil {
		return Removal{}, false
	}
	if _, ok := m.notes[noteID]; !ok {
		return Removal{}, false
	}
	return t.leaveNoteLocked(connID, workspaceID, noteID, m)
}

// SetCursor records the cursor of the connection's user on a joined note.
func (t *Tracker) SetCursor(connID, workspaceID, noteID string, cursor json.RawMessage) (domain.Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.membershipLocked(connID, workspaceID)
	if m == nil {
		return domain.Identity{}, domain.ErrNotJoined
	}
	if _, ok := m.notes[noteID]; !ok {
		return domain.Identity{}, domain.ErrNotJoined
	}
	note := t.workspaces[workspaceID].notes[noteID]
	note.cursors[m.identity.UserKey()] = append(json.RawMessage(nil), cursor...)
	return m.identity, nil
}

// DropCollection forgets a deleted collection's roster.
func (t *Tracker) DropCollection(workspaceID, collectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.workspaces[workspaceID]
	if !ok {
		return
	}
	delete(ws.collections, collectionID)
	for _, scopes := range t.conns {
		if m, ok := scopes[workspaceID]; ok {
			delete(m.collections, collectionID)
		}
	}
}

// DropWorkspace forgets a deleted workspace and every membership in it.
func (t *Tracker) DropWorkspace(workspaceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.workspaces, workspaceID)
	for connID, scopes := range t.conns {
		delete(scopes, workspaceID)
		if len(scopes) == 0 {
			delete(t.conns, connID)
		}
	}
}

// Member returns the identity connID joined workspaceID with.
func (t *Tracker) Member(connID, workspaceID string) (domain.Identity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.membershipLocked(connID, workspaceID)
	if m == nil {
		return domain.Identity{}, false
	}
	return m.identity, true
}

func (t *Tracker) InNote(connID, workspaceID, noteID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.membershipLocked(connID, workspaceID)
	if m == nil {
		return false
	}
	_, ok := m.notes[noteID]
	return ok
}

func (t *Tracker) WorkspaceUsers(workspaceID string) []domain.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.workspaces[workspaceID]
	if !ok {
		return []domain.Identity{}
	}
	return ws.members.users()
}

func (t *Tracker) CollectionsUsers(workspaceID string) map[string][]domain.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := map[string][]domain.Identity{}
	ws, ok := t.workspaces[workspaceID]
	if !ok {
		return result
	}
	for collectionID, r := range ws.collections {
		result[collectionID] = r.users()
	}
	return result
}

func (t *Tracker) NoteSnapshot(workspaceID, noteID string) ([]domain.Identity, map[string]json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cursors := map[string]json.RawMessage{}
	ws, ok := t.workspaces[workspaceID]
	if !ok {
		return []domain.Identity{}, cursors
	}
	note, ok := ws.notes[noteID]
	if !ok {
		return []domain.Identity{}, cursors
	}
	for key, cursor := range note.cursors {
		cursors[key] = append(json.RawMessage(nil), cursor...)
	}
	return note.viewers.users(), cursors
}

func (t *Tracker) WorkspaceConnections(workspaceID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.workspaces[workspaceID]
	if !ok {
		return nil
	}
	return ws.members.connIDs()
}

func (t *Tracker) NoteConnections(workspaceID, noteID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.workspaces[workspaceID]
	if !ok {
		return nil
	}
	note, ok := ws.notes[noteID]
	if !ok {
		return nil
	}
	return note.viewers.connIDs()
}

func (t *Tracker) WorkspaceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.workspaces)
}

func (t *Tracker) membershipLocked(connID, workspaceID string) *membership {
	scopes, ok := t.conns[connID]
	if !ok {
		return nil
	}
	return scopes[workspaceID]
}

func (t *Tracker) leaveWorkspaceLocked(connID, workspaceID string) []Removal {
	m := t.membershipLocked(connID, workspaceID)
	if m == nil {
		return nil
	}

	var removals []Removal
	for _, noteID := range sortedKeys(m.notes) {
		if removal, ok := t.leaveNoteLocked(connID, workspaceID, noteID, m); ok {
			removals = append(removals, removal)
		}
	}
	for _, collectionID := range sortedKeys(m.collections) {
		if removal, ok := t.leaveCollectionLocked(connID, workspaceID, collectionID, m); ok {
			removals = append(removals, removal)
		}
	}

	ws := t.workspaces[workspaceID]
	if ws != nil {
		if identity, last, ok := ws.members.remove(connID, m.identity.Email); ok {
			removals = append(removals, Removal{
				Scope:       ScopeWorkspace,
				WorkspaceID: workspaceID,
				Identity:    identity,
				Last:        last,
			})
		}
		if ws.members.empty() && len(ws.collections) == 0 && len(ws.notes) == 0 {
			delete(t.workspaces, workspaceID)
		}
	}

	delete(t.conns[connID], workspaceID)
	if len(t.conns[connID]) == 0 {
		delete(t.conns, connID)
	}
	return removals
}

func (t *Tracker) leaveCollectionLocked(connID, workspaceID, collectionID string, m *membership) (Removal, bool) {
	delete(m.collections, collectionID)
	ws := t.workspaces[workspaceID]
	if ws == nil {
		return Removal{}, false
	}
	r, ok := ws.collections[collectionID]
	if !ok {
		return Removal{}, false
	}
	identity, last, ok := r.remove(connID, m.identity.Email)
	if !ok {
		return Removal{}, false
	}
	if r.empty() {
		delete(ws.collections, collectionID)
	}
	return Removal{
		Scope:       ScopeCollection,
		WorkspaceID: workspaceID,
		ScopeID:     collectionID,
		Identity:    identity,
		Last:        last,
	}, true
}

func (t *Tracker) leaveNoteLocked(connID, workspaceID, noteID string, m *membership) (Removal, bool) {
	delete(m.notes, noteID)
	ws := t.workspaces[workspaceID]
	if ws == nil {
		return Removal{}, false
	}
	note, ok := ws.notes[noteID]
	if !ok {
		return Removal{}, false
	}
	identity, last, ok := note.viewers.remove(connID, m.identity.Email)
	if !ok {
		return Removal{}, false
	}
	if last {
		delete(note.cursors, identity.UserKey())
	}
	if note.viewers.empty() {
		delete(ws.notes, noteID)
	}
	return Removal{
		Scope:       ScopeNote,
		WorkspaceID: workspaceID,
		ScopeID:     noteID,
		Identity:    identity,
		Last:        last,
	}, true
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
