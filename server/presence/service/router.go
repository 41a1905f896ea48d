package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"cardspace_rt/server/common/log"
	"cardspace_rt/server/presence/domain"
)

const exportTimeout = 2 * time.Second

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type Exporter interface {
	Export(ctx context.Context, event ExportedEvent) error
}

type Directory interface {
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

type directoryInvalidator interface {
	Invalidate(workspaceID string)
}

type Options struct {
	NodeID    string
	TypingTTL time.Duration
	Bridge    Publisher
	Exporter  Exporter
	Directory Directory
	Now       func() time.Time
}

type handlerFunc func(ctx context.Context, c *Connection, data json.RawMessage) error

// Router dispatches client frames, mutates the tracker and fans events out
// to the local connections of each scope.
type Router struct {
	nodeID    string
	tracker   *Tracker
	typing    *TypingTracker
	bridge    Publisher
	exporter  Exporter
	directory Directory
	now       func() time.Time
	handlers  map[domain.EventKind]handlerFunc

	// applyMu serializes every tracker mutation with the fan-out that
	// reports it, so peers see scope changes in tracker order.
	applyMu sync.Mutex

	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRouter(opts Options) *Router {
	r := &Router{
		nodeID:    opts.NodeID,
		tracker:   NewTracker(),
		bridge:    opts.Bridge,
		exporter:  opts.Exporter,
		directory: opts.Directory,
		now:       opts.Now,
		conns:     map[string]*Connection{},
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.typing = NewTypingTracker(opts.TypingTTL, r.typingStopped)
	r.handlers = r.buildHandlers()
	return r
}

func (r *Router) buildHandlers() map[domain.EventKind]handlerFunc {
	return map[domain.EventKind]handlerFunc{
		domain.EventIdentify:            bind(r.identify),
		domain.EventJoinWorkspace:       bind(r.joinWorkspace),
		domain.EventLeaveWorkspace:      bind(r.leaveWorkspace),
		domain.EventGetConnectedUsers:   bind(r.getConnectedUsers),
		domain.EventJoinCollection:      bind(r.joinCollection),
		domain.EventLeaveCollection:     bind(r.leaveCollection),
		domain.EventGetCollectionsUsers: bind(r.getCollectionsUsers),
		domain.EventJoinNote:            bind(r.joinNote),
		domain.EventLeaveNote:           bind(r.leaveNote),
		domain.EventSendMessage:         bind(r.sendMessage),
		domain.EventTyping:              bind(r.startTyping),
		domain.EventStopTyping:          bind(r.stopTyping),
		domain.EventCursorUpdate:        bind(r.updateCursor),
		domain.EventNoteContentUpdate:   bind(r.updateContent),
		domain.EventCollectionDeleted:   bind(r.collectionDeleted),
		domain.EventWorkspaceDeleted:    bind(r.workspaceDeleted),
	}
}

func bind[T any](fn func(context.Context, *Connection, T) error) handlerFunc {
	return func(ctx context.Context, c *Connection, data json.RawMessage) error {
		var payload T
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
			}
		}
		if t, ok := any(&payload).(interface{ Trim() }); ok {
			t.Trim()
		}
		return fn(ctx, c, payload)
	}
}

// RunTyping drives typing indicator expiry until ctx is done.
func (r *Router) RunTyping(ctx context.Context) error {
	return r.typing.Run(ctx)
}

// Attach registers a connection and acknowledges the handshake.
func (r *Router) Attach(c *Connection) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	total := len(r.conns)
	r.mu.Unlock()

	data := domain.ConnectedData{ConnectionID: c.ID(), ServerTime: r.now().UnixMilli()}
	if identity, _ := c.Identity(); identity.Valid() {
		data.User = &identity
	}
	r.reply(c, domain.EventConnected, data)
	log.Infof("event=realtime_router action=attach status=ok conn_id=%s connections=%d", c.ID(), total)
}

// Detach removes a connection from every scope it joined.
func (r *Router) Detach(c *Connection) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.ID())
	total := len(r.conns)
	r.mu.Unlock()

	identity, _ := c.Identity()
	r.route(context.Background(), Envelope{Event: domain.EventDisconnect, ConnID: c.ID(), Identity: identity}, nil)
	log.Infof("event=realtime_router action=detach status=ok conn_id=%s connections=%d", c.ID(), total)
}

// Dispatch handles one client frame. Failures are answered with an error
// frame to the caller and never affect other connections.
func (r *Router) Dispatch(ctx context.Context, c *Connection, frame domain.Frame) {
	handler, ok := r.handlers[frame.Event]
	if !ok {
		r.replyError(c, frame.Event, domain.ErrUnknownEvent)
		return
	}
	if err := handler(ctx, c, frame.Data); err != nil {
		log.Debugf("event=realtime_router action=dispatch status=failed conn_id=%s event_kind=%s error=%v", c.ID(), frame.Event, err)
		r.replyError(c, frame.Event, err)
	}
}

// ApplyRemote replays an envelope accepted by another node.
func (r *Router) ApplyRemote(env Envelope) {
	if env.Origin == r.nodeID {
		return
	}
	r.apply(env, nil)
}

func (r *Router) Stats() domain.NodeStats {
	r.mu.RLock()
	connections := len(r.conns)
	r.mu.RUnlock()
	return domain.NodeStats{NodeID: r.nodeID, Connections: connections, Workspaces: r.tracker.WorkspaceCount()}
}

func (r *Router) WorkspacePresence(workspaceID string) domain.WorkspacePresence {
	return domain.WorkspacePresence{
		WorkspaceID: workspaceID,
		Users:       r.tracker.WorkspaceUsers(workspaceID),
		Collections: r.tracker.CollectionsUsers(workspaceID),
	}
}

func (r *Router) NotePresence(workspaceID, noteID string) domain.NotePresence {
	users, cursors := r.tracker.NoteSnapshot(workspaceID, noteID)
	return domain.NotePresence{WorkspaceID: workspaceID, NoteID: noteID, Users: users, Cursors: cursors}
}

// Handlers. Each validates the frame on the accepting node and routes an
// envelope; replies to the caller are sent only here.

func (r *Router) identify(_ context.Context, c *Connection, p domain.IdentifyPayload) error {
	identity := p.User.Normalize()
	if !identity.Valid() {
		return domain.ErrNoIdentity
	}
	c.SetIdentity(identity, false)
	return nil
}

func (r *Router) joinWorkspace(ctx context.Context, c *Connection, p domain.WorkspacePayload) error {
	if p.WorkspaceID == "" {
		return domain.ErrInvalidPayload
	}
	identity, err := r.resolveIdentity(c, p.User)
	if err != nil {
		return err
	}
	if err := r.authorize(ctx, c, p.WorkspaceID, identity); err != nil {
		return err
	}
	r.route(ctx, Envelope{Event: domain.EventJoinWorkspace, ConnID: c.ID(), Identity: identity, WorkspaceID: p.WorkspaceID}, func() {
		r.reply(c, domain.EventWorkspaceUsers, domain.WorkspaceUsersData{
			WorkspaceID: p.WorkspaceID,
			Users:       r.tracker.WorkspaceUsers(p.WorkspaceID),
		})
	})
	return nil
}

func (r *Router) leaveWorkspace(ctx context.Context, c *Connection, p domain.WorkspacePayload) error {
	identity, ok := r.tracker.Member(c.ID(), p.WorkspaceID)
	if !ok {
		return nil
	}
	r.route(ctx, Envelope{Event: domain.EventLeaveWorkspace, ConnID: c.ID(), Identity: identity, WorkspaceID: p.WorkspaceID}, nil)
	return nil
}

func (r *Router) getConnectedUsers(_ context.Context, c *Connection, p domain.WorkspacePayload) error {
	if _, ok := r.tracker.Member(c.ID(), p.WorkspaceID); !ok {
		return domain.ErrNotJoined
	}
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	r.reply(c, domain.EventWorkspaceUsers, domain.WorkspaceUsersData{
		WorkspaceID: p.WorkspaceID,
		Users:       r.tracker.WorkspaceUsers(p.WorkspaceID),
	})
	return nil
}

func (r *Router) joinCollection(ctx context.Context, c *Connection, p domain.CollectionPayload) error {
	if p.CollectionID == "" {
		return domain.ErrInvalidPayload
	}
	identity, ok := r.tracker.Member(c.ID(), p.WorkspaceID)
	if !ok {
		return domain.ErrNotJoined
	}
	r.route(ctx, Envelope{Event: domain.EventJoinCollection, ConnID: c.ID(), Identity: identity, WorkspaceID: p.WorkspaceID, ScopeID: p.CollectionID}, nil)
	return nil
}

func (r *Router) leaveCollection(ctx context.Context, c *Connection, p domain.CollectionPayload) error {
	identity, ok := r.tracker.Member(c.ID(), p.WorkspaceID)
	if !ok {
		return nil
	}
	r.route(ctx, Envelope{Event: domain.EventLeaveCollection, ConnID: c.ID(), Identity: identity, WorkspaceID: p.WorkspaceID, ScopeID: p.CollectionID}, nil)
	return nil
}

func (r *Router) getCollectionsUsers(_ context.Context, c *Connection, p domain.WorkspacePayload) error {
	if _, ok := r.tracker.Member(c.ID(), p.WorkspaceID); !ok {
		return domain.ErrNotJoined
	}
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	r.reply(c, domain.EventCollectionsUsers, domain.CollectionsUsersData{
		WorkspaceID: p.WorkspaceID,
		Collections: r.tracker.CollectionsUsers(p.WorkspaceID),
	})
	return nil
}

func (r *Router) joinNote(ctx context.Context, c *Connection, p domain.NotePayload) error {
	if p.NoteID == "" {
		return domain.ErrInvalidPayload
	}
	identity, ok := r.tracker.Member(c.ID(), p.WorkspaceID)
	if !ok {
		return domain.ErrNotJoined
	}
	r.route(ctx, Envelope{Event: domain.EventJoinNote, ConnID: c.ID(), Identity: identity, WorkspaceID: p.WorkspaceID, ScopeID: p.NoteID}, func() {
		users, cursors := r.tracker.NoteSnapshot(p.WorkspaceID, p.NoteID)
		r.reply(c, domain.EventNoteUsers, domain.NoteUsersData{
			WorkspaceID: p.WorkspaceID,
			NoteID:      p.NoteID,
			Users:       users,
			Cursors:     cursors,
		})
	})
	return nil
}

func (r *Router) leaveNote(ctx context.Context, c *Connection, p domain.NotePayload) error {
	if !r.tracker.InNote(c.ID(), p.WorkspaceID, p.NoteID) {
		return nil
	}
	identity, _ := r.tracker.Member(c.ID(), p.WorkspaceID)
	r.route(ctx, Envelope{Event: domain.EventLeaveNote, ConnID: c.ID(), Identity: identity, WorkspaceID: p.WorkspaceID, ScopeID: p.NoteID}, nil)
	return nil
}

func (r *Router) sendMessage(ctx context.Context, c *Connection, p domain.SendMessagePayload) error {
	identity, ok := r.tracker.Member(c.ID(), p.WorkspaceID)
	if !ok {
		return domain.ErrNotJoined
	}
	text := strings.TrimSpace(p.Text)
	if text == "" || utf8.RuneCountInString(text) > domain.MaxMessageLength {
		return fmt.Errorf("%w: text must be 1-%d characters", domain.ErrInvalidPayload, domain.MaxMessageLength)
	}
	r.route(ctx, Envelope{
		Event:       domain.EventSendMessage,
		ConnID:      c.ID(),
		Identity:    identity,
		WorkspaceID: p.WorkspaceID,
		MessageID:   ulid.Make().String(),
		ClientID:    p.ClientID,
		Text:        text,
	}, nil)
	return nil
}

func (r *Router) startTyping(ctx context.Context, c *Connection, p domain.WorkspacePayload) error {
	identity, ok := r.tracker.Member(c.ID(), p.WorkspaceID)
	if !ok {
		return domain.ErrNotJoined
	}
	r.route(ctx, Envelope{Event: domain.EventTyping, ConnID: c.ID(), Identity: identity, WorkspaceID: p.WorkspaceID}, nil)
	return nil
}

func (r *Router) stopTyping(ctx context.Context, c *Connection, p domain.WorkspacePayload) error {
	identity, ok := r.tracker.Member(c.ID(), p.WorkspaceID)
	if !ok {
		return nil
	}
	r.route(ctx, Envelope{Event: domain.EventStopTyping, ConnID: c.ID(), Identity: identity, WorkspaceID: p.WorkspaceID}, nil)
	return nil
}

func (r *Router) updateCursor(ctx context.Context, c *Connection, p domain.CursorPayload) error {
	if !r.tracker.InNote(c.ID(), p.WorkspaceID, p.NoteID) {
		return domain.ErrNotJoined
	}
	identity, _ := r.tracker.Member(c.ID(), p.WorkspaceID)
	r.route(ctx, Envelope{
		Event:       domain.EventCursorUpdate,
		ConnID:      c.ID(),
		Identity:    identity,
		WorkspaceID: p.WorkspaceID,
		ScopeID:     p.NoteID,
		Payload:     p.Cursor,
	}, nil)
	return nil
}

func (r *Router) updateContent(ctx context.Context, c *Connection, p domain.ContentPayload) error {
	if !r.tracker.InNote(c.ID(), p.WorkspaceID, p.NoteID) {
		return domain.ErrNotJoined
	}
	identity, _ := r.tracker.Member(c.ID(), p.WorkspaceID)
	r.route(ctx, Envelope{
		Event:       domain.EventNoteContentUpdate,
		ConnID:      c.ID(),
		Identity:    identity,
		WorkspaceID: p.WorkspaceID,
		ScopeID:     p.NoteID,
		Payload:     p.Content,
	}, nil)
	return nil
}

func (r *Router) collectionDeleted(ctx context.Context, c *Connection, p domain.DeletedPayload) error {
	if p.ID == "" {
		return domain.ErrInvalidPayload
	}
	identity, ok := r.tracker.Member(c.ID(), p.WorkspaceID)
	if !ok {
		return domain.ErrNotJoined
	}
	r.route(ctx, Envelope{
		Event:       domain.EventCollectionDeleted,
		ConnID:      c.ID(),
		Identity:    identity,
		WorkspaceID: p.WorkspaceID,
		ScopeID:     p.ID,
		Text:        deletedBy(p, identity),
	}, nil)
	return nil
}

func (r *Router) workspaceDeleted(ctx context.Context, c *Connection, p domain.DeletedPayload) error {
	if p.ID == "" {
		return domain.ErrInvalidPayload
	}
	identity, err := r.resolveIdentity(c, nil)
	if err != nil {
		return err
	}
	r.route(ctx, Envelope{
		Event:       domain.EventWorkspaceDeleted,
		ConnID:      c.ID(),
		Identity:    identity,
		WorkspaceID: p.ID,
		ScopeID:     p.ID,
		Text:        deletedBy(p, identity),
	}, nil)
	return nil
}

func deletedBy(p domain.DeletedPayload, identity domain.Identity) string {
	if by := strings.TrimSpace(p.DeletedBy); by != "" {
		return by
	}
	return identity.Email
}

// resolveIdentity prefers the verified handshake identity over anything the
// frame asserts.
func (r *Router) resolveIdentity(c *Connection, asserted *domain.Identity) (domain.Identity, error) {
	current, verified := c.Identity()
	if verified {
		return current, nil
	}
	if asserted != nil {
		identity := asserted.Normalize()
		if identity.Valid() {
			c.SetIdentity(identity, false)
			return identity, nil
		}
	}
	if current.Valid() {
		return current, nil
	}
	return domain.Identity{}, domain.ErrNoIdentity
}

func (r *Router) authorize(ctx context.Context, c *Connection, workspaceID string, identity domain.Identity) error {
	if r.directory == nil {
		return nil
	}
	if _, verified := c.Identity(); !verified {
		return nil
	}
	member, err := r.directory.IsMember(ctx, workspaceID, identity.ID)
	if err != nil {
		log.Errorf("event=realtime_router action=authorize status=failed workspace_id=%s user_id=%s error=%v", workspaceID, identity.ID, err)
		return errors.New("membership lookup failed")
	}
	if !member {
		return domain.ErrForbidden
	}
	return nil
}

// route applies an envelope locally, replicates it to other nodes and exports
// it. Replication failures fall back to local-only delivery. then runs right
// after the local fan-out, before any later envelope is applied.
func (r *Router) route(ctx context.Context, env Envelope, then func()) {
	env.Origin = r.nodeID
	if env.Timestamp == 0 {
		env.Timestamp = r.now().UnixMilli()
	}
	r.apply(env, then)

	if r.bridge != nil {
		if err := r.bridge.Publish(ctx, env); err != nil {
			log.Warnf("event=realtime_router action=publish status=failed event_kind=%s workspace_id=%s fallback=local error=%v", env.Event, env.WorkspaceID, err)
		}
	}
	r.export(env)
}

func (r *Router) export(env Envelope) {
	if r.exporter == nil {
		return
	}
	switch env.Event {
	case domain.EventJoinWorkspace, domain.EventLeaveWorkspace,
		domain.EventJoinCollection, domain.EventLeaveCollection,
		domain.EventSendMessage, domain.EventCollectionDeleted, domain.EventWorkspaceDeleted:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()
	event := ExportedEvent{
		Event:       env.Event,
		NodeID:      env.Origin,
		WorkspaceID: env.WorkspaceID,
		ScopeID:     env.ScopeID,
		User:        env.Identity,
		MessageID:   env.MessageID,
		Text:        env.Text,
		Timestamp:   env.Timestamp,
	}
	if err := r.exporter.Export(ctx, event); err != nil {
		log.Warnf("event=realtime_router action=export status=failed event_kind=%s workspace_id=%s error=%v", env.Event, env.WorkspaceID, err)
	}
}

func (r *Router) apply(env Envelope, then func()) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	if then != nil {
		defer then()
	}

	ws := env.WorkspaceID
	switch env.Event {
	case domain.EventJoinWorkspace:
		_, replaced := r.tracker.JoinWorkspace(env.ConnID, ws, env.Identity)
		r.announceRemovals(replaced)
		user := env.Identity
		r.deliver(r.tracker.WorkspaceConnections(ws), env.ConnID, domain.EventUserJoined, domain.UserJoinedData{WorkspaceID: ws, User: user})

	case domain.EventLeaveWorkspace:
		r.announceRemovals(r.tracker.LeaveWorkspace(env.ConnID, ws))

	case domain.EventDisconnect:
		r.announceRemovals(r.tracker.Disconnect(env.ConnID))

	case domain.EventJoinCollection:
		identity, _, err := r.tracker.JoinCollection(env.ConnID, ws, env.ScopeID)
		if err != nil {
			log.Debugf("event=realtime_router action=apply status=skipped event_kind=%s conn_id=%s error=%v", env.Event, env.ConnID, err)
			return
		}
		r.deliver(r.tracker.WorkspaceConnections(ws), "", domain.EventCollectionUserJoined, domain.CollectionUserData{
			WorkspaceID:  ws,
			CollectionID: env.ScopeID,
			User:         &identity,
		})

	case domain.EventLeaveCollection:
		if removal, ok := r.tracker.LeaveCollection(env.ConnID, ws, env.ScopeID); ok {
			r.announceRemovals([]Removal{removal})
		}

	case domain.EventJoinNote:
		identity, _, err := r.tracker.JoinNote(env.ConnID, ws, env.ScopeID)
		if err != nil {
			log.Debugf("event=realtime_router action=apply status=skipped event_kind=%s conn_id=%s error=%v", env.Event, env.ConnID, err)
			return
		}
		r.deliver(r.tracker.NoteConnections(ws, env.ScopeID), env.ConnID, domain.EventNoteUserJoined, domain.NoteUserData{
			WorkspaceID: ws,
			NoteID:      env.ScopeID,
			User:        &identity,
		})

	case domain.EventLeaveNote:
		if removal, ok := r.tracker.LeaveNote(env.ConnID, ws, env.ScopeID); ok {
			r.announceRemovals([]Removal{removal})
		}

	case domain.EventSendMessage:
		r.deliver(r.tracker.WorkspaceConnections(ws), env.ConnID, domain.EventReceiveMessage, domain.ChatMessage{
			ID:          env.MessageID,
			WorkspaceID: ws,
			Sender:      env.Identity,
			Text:        env.Text,
			Timestamp:   env.Timestamp,
			ClientID:    env.ClientID,
		})

	case domain.EventTyping:
		if r.typing.Touch(ws, env.ConnID, env.Identity) {
			user := env.Identity
			r.deliver(r.tracker.WorkspaceConnections(ws), env.ConnID, domain.EventUserTyping, domain.TypingData{WorkspaceID: ws, User: &user})
		}

	case domain.EventStopTyping:
		r.typing.Stop(ws, env.Identity.Email)

	case domain.EventCursorUpdate:
		identity, err := r.tracker.SetCursor(env.ConnID, ws, env.ScopeID, env.Payload)
		if err != nil {
			log.Debugf("event=realtime_router action=apply status=skipped event_kind=%s conn_id=%s error=%v", env.Event, env.ConnID, err)
			return
		}
		r.deliver(r.tracker.NoteConnections(ws, env.ScopeID), env.ConnID, domain.EventCursorUpdate, domain.CursorData{
			WorkspaceID: ws,
			NoteID:      env.ScopeID,
			UserID:      identity.UserKey(),
			User:        identity,
			Cursor:      env.Payload,
		})

	case domain.EventNoteContentUpdate:
		r.deliver(r.tracker.NoteConnections(ws, env.ScopeID), env.ConnID, domain.EventNoteContentUpdate, domain.ContentData{
			WorkspaceID: ws,
			NoteID:      env.ScopeID,
			UserID:      env.Identity.UserKey(),
			Content:     env.Payload,
		})

	case domain.EventCollectionDeleted:
		r.tracker.DropCollection(ws, env.ScopeID)
		r.deliver(r.tracker.WorkspaceConnections(ws), "", domain.EventCollectionDeleted, domain.DeletedPayload{
			WorkspaceID: ws,
			ID:          env.ScopeID,
			DeletedBy:   env.Text,
		})

	case domain.EventWorkspaceDeleted:
		r.tracker.DropWorkspace(ws)
		if inv, ok := r.directory.(directoryInvalidator); ok {
			inv.Invalidate(ws)
		}
		r.deliver(r.localConnections(), "", domain.EventWorkspaceDeleted, domain.DeletedPayload{
			ID:        ws,
			DeletedBy: env.Text,
		})

	default:
		log.Warnf("event=realtime_router action=apply status=failed event_kind=%s error=%v", env.Event, domain.ErrUnknownEvent)
	}
}

// announceRemovals broadcasts leaves once a user's last connection is gone
// from the scope.
func (r *Router) announceRemovals(removals []Removal) {
	for _, removal := range removals {
		if !removal.Last {
			continue
		}
		ws := removal.WorkspaceID
		switch removal.Scope {
		case ScopeNote:
			r.deliver(r.tracker.NoteConnections(ws, removal.ScopeID), "", domain.EventNoteUserLeft, domain.NoteUserData{
				WorkspaceID: ws,
				NoteID:      removal.ScopeID,
				UserID:      removal.Identity.UserKey(),
			})
		case ScopeCollection:
			r.deliver(r.tracker.WorkspaceConnections(ws), "", domain.EventCollectionUserLeft, domain.CollectionUserData{
				WorkspaceID:  ws,
				CollectionID: removal.ScopeID,
				Email:        removal.Identity.Email,
			})
		case ScopeWorkspace:
			r.typing.Stop(ws, removal.Identity.Email)
			r.deliver(r.tracker.WorkspaceConnections(ws), "", domain.EventUserDisconnected, domain.UserLeftData{
				WorkspaceID: ws,
				Email:       removal.Identity.Email,
			})
		}
	}
}

func (r *Router) typingStopped(workspaceID, connID string, identity domain.Identity) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	r.deliver(r.tracker.WorkspaceConnections(workspaceID), connID, domain.EventUserStopTyping, domain.TypingData{
		WorkspaceID: workspaceID,
		Email:       identity.Email,
	})
}

// deliver sends one frame to the local connections among connIDs.
func (r *Router) deliver(connIDs []string, except string, event domain.EventKind, data any) int {
	if len(connIDs) == 0 {
		return 0
	}
	frame, err := domain.NewFrame(event, data)
	if err != nil {
		log.Errorf("event=realtime_router action=encode status=failed event_kind=%s error=%v", event, err)
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, id := range connIDs {
		if id == except {
			continue
		}
		if conn, ok := r.conns[id]; ok && conn.Send(frame) {
			count++
		}
	}
	return count
}

func (r *Router) localConnections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *Router) reply(c *Connection, event domain.EventKind, data any) {
	frame, err := domain.NewFrame(event, data)
	if err != nil {
		log.Errorf("event=realtime_router action=encode status=failed event_kind=%s error=%v", event, err)
		return
	}
	c.Send(frame)
}

func (r *Router) replyError(c *Connection, event domain.EventKind, err error) {
	r.reply(c, domain.EventError, domain.ErrorData{Event: event, Message: err.Error()})
}
