// Package realtime is the client side of the presence channel. A Provider
// owns one connection to the presence server for the active workspace and
// keeps a local projection of presence, chat and typing state.
package realtime

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"cardspace_rt/server/presence/domain"
)

type Provider struct {
	opts   Options
	logger *zap.SugaredLogger

	mu          sync.Mutex
	closed      bool
	status      Status
	identity    domain.Identity
	verified    *domain.Identity
	workspaceID string
	joined      string
	connID      string
	transport   transport
	gen         uint64
	dialCancel  context.CancelFunc

	collections []string
	notes       []string
	state       *projection

	reconnecting   bool
	reconnectTimer *time.Timer
	typingTimer    *time.Timer

	listenersMu  sync.Mutex
	listeners    map[int]func(Snapshot)
	nextListener int
}

// New validates opts and starts connecting as soon as both an identity and a
// workspace are known.
func New(opts Options) (*Provider, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	p := &Provider{
		opts:        opts,
		logger:      opts.Logger.Sugar(),
		status:      StatusDisconnected,
		identity:    opts.Identity,
		workspaceID: opts.WorkspaceID,
		state:       newProjection(),
		listeners:   map[int]func(Snapshot){},
	}
	p.mu.Lock()
	p.reconcileLocked()
	p.mu.Unlock()
	return p, nil
}

// Subscribe registers fn to receive a snapshot after every state change. The
// returned func removes the listener. Listeners may be called from different
// goroutines and must not block.
func (p *Provider) Subscribe(fn func(Snapshot)) func() {
	p.listenersMu.Lock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = fn
	p.listenersMu.Unlock()
	return func() {
		p.listenersMu.Lock()
		delete(p.listeners, id)
		p.listenersMu.Unlock()
	}
}

func (p *Provider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Provider) snapshotLocked() Snapshot {
	s := Snapshot{
		Status:       p.status,
		Reconnecting: p.reconnecting,
		ConnectionID: p.connID,
		WorkspaceID:  p.workspaceID,
		Self:         p.selfLocked(),
	}
	if p.transport != nil {
		s.Transport = p.transport.Kind()
	}
	p.state.fill(&s)
	return s
}

// SetWorkspace switches the active workspace. Leaves for the old workspace
// are sent before the join for the new one.
func (p *Provider) SetWorkspace(workspaceID string) {
	workspaceID = strings.TrimSpace(workspaceID)
	p.mu.Lock()
	if p.closed || workspaceID == p.workspaceID {
		p.mu.Unlock()
		return
	}
	p.workspaceID = workspaceID
	if p.status == StatusConnected {
		p.leaveAllLocked()
		p.resetScopeLocked()
		if workspaceID != "" && p.identity.Valid() {
			p.joinLocked()
		} else {
			p.teardownLocked()
		}
	} else {
		p.resetScopeLocked()
		p.reconcileLocked()
	}
	p.mu.Unlock()
	p.notify()
}

// SetIdentity replaces the local user. A connected provider re-announces
// itself under the new identity.
func (p *Provider) SetIdentity(identity domain.Identity) {
	identity = identity.Normalize()
	p.mu.Lock()
	if p.closed || identity == p.identity {
		p.mu.Unlock()
		return
	}
	if p.status == StatusConnected && identity.Valid() {
		p.send(domain.EventLeaveWorkspace, domain.WorkspacePayload{WorkspaceID: p.joined})
		p.identity = identity
		p.state.resetPresence()
		p.joinLocked()
	} else {
		p.identity = identity
		p.reconcileLocked()
	}
	p.mu.Unlock()
	p.notify()
}

// Close sends every outstanding leave and drops the connection. The provider
// cannot be reused.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.teardownLocked()
	p.resetScopeLocked()
	p.mu.Unlock()
	p.notify()
	return nil
}

func (p *Provider) JoinCollection(collectionID string) bool {
	collectionID = strings.TrimSpace(collectionID)
	if collectionID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	identity := p.identity
	if !p.send(domain.EventJoinCollection, domain.CollectionPayload{WorkspaceID: p.joined, CollectionID: collectionID, User: &identity}) {
		return false
	}
	if !slices.Contains(p.collections, collectionID) {
		p.collections = append(p.collections, collectionID)
	}
	return true
}

func (p *Provider) LeaveCollection(collectionID string) bool {
	collectionID = strings.TrimSpace(collectionID)
	if collectionID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.send(domain.EventLeaveCollection, domain.CollectionPayload{WorkspaceID: p.joined, CollectionID: collectionID}) {
		return false
	}
	p.collections = slices.DeleteFunc(p.collections, func(id string) bool { return id == collectionID })
	return true
}

func (p *Provider) JoinNote(noteID string) bool {
	noteID = strings.TrimSpace(noteID)
	if noteID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	identity := p.identity
	if !p.send(domain.EventJoinNote, domain.NotePayload{WorkspaceID: p.joined, NoteID: noteID, User: &identity}) {
		return false
	}
	if !slices.Contains(p.notes, noteID) {
		p.notes = append(p.notes, noteID)
	}
	return true
}

func (p *Provider) LeaveNote(noteID string) bool {
	noteID = strings.TrimSpace(noteID)
	if noteID == "" {
		return false
	}
	p.mu.Lock()
	if !p.send(domain.EventLeaveNote, domain.NotePayload{WorkspaceID: p.joined, NoteID: noteID}) {
		p.mu.Unlock()
		return false
	}
	p.notes = slices.DeleteFunc(p.notes, func(id string) bool { return id == noteID })
	p.state.dropNote(noteID)
	p.mu.Unlock()
	p.notify()
	return true
}

// SendMessage sends text to the workspace and appends it to the local list
// right away. The server does not echo it back.
func (p *Provider) SendMessage(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > domain.MaxMessageLength {
		return false
	}
	clientID := ulid.Make().String()
	p.mu.Lock()
	if !p.send(domain.EventSendMessage, domain.SendMessagePayload{WorkspaceID: p.joined, Text: text, ClientID: clientID}) {
		p.mu.Unlock()
		return false
	}
	p.state.messages = append(p.state.messages, Message{
		ChatMessage: domain.ChatMessage{
			ID:          clientID,
			WorkspaceID: p.joined,
			Sender:      p.selfLocked(),
			Text:        text,
			Timestamp:   time.Now().UnixMilli(),
			ClientID:    clientID,
		},
		IsSelf: true,
	})
	p.mu.Unlock()
	p.notify()
	return true
}

// SendTyping announces typing and schedules a stop-typing after the typing
// timeout unless called again first.
func (p *Provider) SendTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	identity := p.identity
	if !p.send(domain.EventTyping, domain.WorkspacePayload{WorkspaceID: p.joined, User: &identity}) {
		return false
	}
	p.stopTypingTimerLocked()
	var timer *time.Timer
	timer = time.AfterFunc(p.opts.TypingTimeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.typingTimer != timer {
			return
		}
		p.typingTimer = nil
		p.send(domain.EventStopTyping, domain.WorkspacePayload{WorkspaceID: p.joined})
	})
	p.typingTimer = timer
	return true
}

func (p *Provider) SendStopTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTypingTimerLocked()
	return p.send(domain.EventStopTyping, domain.WorkspacePayload{WorkspaceID: p.joined})
}

func (p *Provider) SendCursor(noteID string, cursor any) bool {
	raw, err := json.Marshal(cursor)
	if err != nil || strings.TrimSpace(noteID) == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.send(domain.EventCursorUpdate, domain.CursorPayload{WorkspaceID: p.joined, NoteID: noteID, Cursor: raw})
}

func (p *Provider) SendNoteContent(noteID string, content any) bool {
	raw, err := json.Marshal(content)
	if err != nil || strings.TrimSpace(noteID) == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.send(domain.EventNoteContentUpdate, domain.ContentPayload{WorkspaceID: p.joined, NoteID: noteID, Content: raw})
}

func (p *Provider) RequestConnectedUsers() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.send(domain.EventGetConnectedUsers, domain.WorkspacePayload{WorkspaceID: p.joined})
}

func (p *Provider) RequestCollectionsUsers() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.send(domain.EventGetCollectionsUsers, domain.WorkspacePayload{WorkspaceID: p.joined})
}

func (p *Provider) NotifyCollectionDeleted(collectionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.send(domain.EventCollectionDeleted, domain.DeletedPayload{
		WorkspaceID: p.joined,
		ID:          collectionID,
		DeletedBy:   p.selfLocked().Email,
	})
}

func (p *Provider) NotifyWorkspaceDeleted(workspaceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.send(domain.EventWorkspaceDeleted, domain.DeletedPayload{ID: workspaceID, DeletedBy: p.selfLocked().Email})
}

// send writes one frame when connected. Write failures are logged; the read
// loop notices the broken transport and schedules the reconnect.
func (p *Provider) send(event domain.EventKind, data any) bool {
	if p.status != StatusConnected || p.transport == nil {
		return false
	}
	frame, err := domain.NewFrame(event, data)
	if err != nil {
		return false
	}
	if err := p.transport.Write(frame); err != nil {
		p.logger.Warnf("event=realtime_client action=send status=failed frame=%s error=%v", event, err)
		return false
	}
	return true
}

func (p *Provider) selfLocked() domain.Identity {
	if p.verified != nil {
		return *p.verified
	}
	return p.identity
}

func (p *Provider) reconcileLocked() {
	if p.closed {
		return
	}
	if !p.identity.Valid() || p.workspaceID == "" {
		p.teardownLocked()
		return
	}
	if p.status == StatusDisconnected && p.reconnectTimer == nil {
		p.startConnectLocked()
	}
}

func (p *Provider) startConnectLocked() {
	p.gen++
	gen := p.gen
	ctx, cancel := context.WithCancel(context.Background())
	p.dialCancel = cancel
	p.status = StatusConnecting
	go p.connect(ctx, gen)
}

func (p *Provider) connect(ctx context.Context, gen uint64) {
	t, err := dialWithRetry(ctx, p.opts)

	p.mu.Lock()
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	p.dialCancel = nil
	if err != nil {
		p.logger.Warnf("event=realtime_client action=connect status=failed workspace_id=%s error=%v", p.workspaceID, err)
		p.status = StatusDisconnected
		p.reconnecting = true
		p.scheduleReconnectLocked()
		p.mu.Unlock()
		p.notify()
		return
	}
	// The provider stays Connecting until the server's connected frame
	// acknowledges the handshake; joins are sent from handleConnectedLocked.
	p.transport = t
	p.logger.Debugf("event=realtime_client action=dial status=ok transport=%s workspace_id=%s", t.Kind(), p.workspaceID)
	p.mu.Unlock()
	p.notify()

	p.readLoop(t, gen)
}

// joinLocked announces the identity, joins the workspace and re-joins the
// tracked collections and notes.
func (p *Provider) joinLocked() {
	identity := p.identity
	p.joined = p.workspaceID
	p.send(domain.EventIdentify, domain.IdentifyPayload{User: identity})
	p.send(domain.EventJoinWorkspace, domain.WorkspacePayload{WorkspaceID: p.joined, User: &identity})
	for _, collectionID := range p.collections {
		p.send(domain.EventJoinCollection, domain.CollectionPayload{WorkspaceID: p.joined, CollectionID: collectionID, User: &identity})
	}
	for _, noteID := range p.notes {
		p.send(domain.EventJoinNote, domain.NotePayload{WorkspaceID: p.joined, NoteID: noteID, User: &identity})
	}
	p.send(domain.EventGetCollectionsUsers, domain.WorkspacePayload{WorkspaceID: p.joined})
}

func (p *Provider) leaveAllLocked() {
	if p.joined == "" {
		return
	}
	p.stopTypingTimerLocked()
	for _, noteID := range p.notes {
		p.send(domain.EventLeaveNote, domain.NotePayload{WorkspaceID: p.joined, NoteID: noteID})
	}
	for _, collectionID := range p.collections {
		p.send(domain.EventLeaveCollection, domain.CollectionPayload{WorkspaceID: p.joined, CollectionID: collectionID})
	}
	p.send(domain.EventLeaveWorkspace, domain.WorkspacePayload{WorkspaceID: p.joined})
	p.joined = ""
}

func (p *Provider) teardownLocked() {
	p.gen++
	if p.dialCancel != nil {
		p.dialCancel()
		p.dialCancel = nil
	}
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
	if p.transport != nil {
		p.leaveAllLocked()
		_ = p.transport.Close()
		p.transport = nil
	}
	p.stopTypingTimerLocked()
	p.status = StatusDisconnected
	p.reconnecting = false
	p.joined = ""
	p.connID = ""
	p.verified = nil
}

func (p *Provider) resetScopeLocked() {
	p.collections = nil
	p.notes = nil
	p.state = newProjection()
}

func (p *Provider) scheduleReconnectLocked() {
	if p.reconnectTimer != nil {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(p.opts.ReconnectDelay, func() {
		p.mu.Lock()
		if p.reconnectTimer != timer {
			p.mu.Unlock()
			return
		}
		p.reconnectTimer = nil
		p.reconcileLocked()
		p.mu.Unlock()
		p.notify()
	})
	p.reconnectTimer = timer
}

func (p *Provider) stopTypingTimerLocked() {
	if p.typingTimer != nil {
		p.typingTimer.Stop()
		p.typingTimer = nil
	}
}

func (p *Provider) readLoop(t transport, gen uint64) {
	for {
		frames, err := t.Read()
		if err != nil {
			p.transportFailed(t, gen, err)
			return
		}

		changed := false
		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			return
		}
		for _, frame := range frames {
			if frame.Event == domain.EventConnected {
				changed = p.handleConnectedLocked(frame) || changed
				continue
			}
			changed = p.state.apply(frame, p.joined, p.selfLocked()) || changed
		}
		p.mu.Unlock()
		if changed {
			p.notify()
		}
	}
}

func (p *Provider) handleConnectedLocked(frame domain.Frame) bool {
	var data domain.ConnectedData
	if !decode(frame, &data) {
		return false
	}
	p.connID = data.ConnectionID
	if data.User != nil && data.User.Valid() {
		user := *data.User
		p.verified = &user
	}
	if p.status != StatusConnecting {
		return true
	}
	p.status = StatusConnected
	p.reconnecting = false
	p.state.resetPresence()
	p.logger.Infof("event=realtime_client action=connect status=ok transport=%s conn_id=%s workspace_id=%s", p.transport.Kind(), p.connID, p.workspaceID)
	p.joinLocked()
	return true
}

func (p *Provider) transportFailed(t transport, gen uint64, err error) {
	p.mu.Lock()
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		return
	}
	p.logger.Warnf("event=realtime_client action=read status=failed transport=%s workspace_id=%s error=%v", t.Kind(), p.joined, err)
	_ = t.Close()
	p.transport = nil
	p.status = StatusDisconnected
	p.joined = ""
	p.connID = ""
	p.stopTypingTimerLocked()
	p.scheduleReconnectLocked()
	p.mu.Unlock()
	p.notify()
}

func (p *Provider) notify() {
	snapshot := p.Snapshot()
	p.listenersMu.Lock()
	listeners := make([]func(Snapshot), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}
