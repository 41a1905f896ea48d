package service

import (
	"sort"
	"sync"

	"cardspace_rt/server/common/log"
)

const DefaultQueueSize = 256

// Peer is one websocket attached to a document room. Frames for the peer are
// queued on a bounded channel; overflow kills the peer so it resyncs on
// reconnect.
type Peer struct {
	id   string
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewPeer(id string, queueSize int) *Peer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Peer{id: id, send: make(chan []byte, queueSize), done: make(chan struct{})}
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) Outbound() <-chan []byte {
	return p.send
}

func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) Kill() {
	p.once.Do(func() { close(p.done) })
}

func (p *Peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		log.Warnf("event=relay_peer action=enqueue status=failed peer_id=%s reason=queue_full", p.id)
		p.Kill()
		return false
	}
}

type room struct {
	peers     map[*Peer]struct{}
	awareness map[uint64]AwarenessEntry
	owners    map[uint64]*Peer
}

func newRoom() *room {
	return &room{
		peers:     map[*Peer]struct{}{},
		awareness: map[uint64]AwarenessEntry{},
		owners:    map[uint64]*Peer{},
	}
}

// Hub routes frames between peers of the same room. It never interprets sync
// payloads; awareness frames are decoded only to remember which client ids a
// peer announced.
type Hub struct {
	gc    bool
	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub(gc bool) *Hub {
	return &Hub{gc: gc, rooms: map[string]*room{}}
}

// Join attaches p to the room and sends it the current awareness states.
func (h *Hub) Join(name string, p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[name]
	if !ok {
		r = newRoom()
		h.rooms[name] = r
	}
	r.peers[p] = struct{}{}
	if snapshot := r.snapshot(); snapshot != nil {
		p.enqueue(snapshot)
	}
	log.Debugf("event=relay_room action=join status=ok room=%s peer_id=%s peers=%d", name, p.id, len(r.peers))
}

// Leave detaches p, tells the remaining peers its awareness clients are gone
// and drops the room once empty when gc is enabled.
func (h *Hub) Leave(name string, p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[name]
	if !ok {
		return
	}
	if _, ok := r.peers[p]; !ok {
		return
	}
	delete(r.peers, p)

	var removed []AwarenessEntry
	for clientID, owner := range r.owners {
		if owner != p {
			continue
		}
		entry := r.awareness[clientID]
		removed = append(removed, AwarenessEntry{ClientID: clientID, Clock: entry.Clock + 1, State: "null"})
		delete(r.awareness, clientID)
		delete(r.owners, clientID)
	}
	if len(removed) > 0 {
		sort.Slice(removed, func(i, j int) bool { return removed[i].ClientID < removed[j].ClientID })
		r.broadcast(nil, EncodeAwareness(removed))
	}

	if len(r.peers) == 0 && h.gc {
		delete(h.rooms, name)
	}
	log.Debugf("event=relay_room action=leave status=ok room=%s peer_id=%s peers=%d", name, p.id, len(r.peers))
}

// Receive forwards a binary frame from one peer to every other peer of the
// room.
func (h *Hub) Receive(name string, from *Peer, frame []byte) {
	kind, err := MessageType(frame)
	if err != nil {
		log.Debugf("event=relay_room action=receive status=failed room=%s peer_id=%s error=%v", name, from.id, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[name]
	if !ok {
		return
	}

	switch kind {
	case MessageAwareness:
		if entries, err := DecodeAwareness(frame); err == nil {
			r.track(from, entries)
		} else {
			log.Debugf("event=relay_room action=decode_awareness status=failed room=%s error=%v", name, err)
		}
	case MessageQueryAwareness:
		if snapshot := r.snapshot(); snapshot != nil {
			from.enqueue(snapshot)
		}
		return
	}
	r.broadcast(from, frame)
}

func (h *Hub) Stats() (rooms int, peers int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rooms {
		peers += len(r.peers)
	}
	return len(h.rooms), peers
}

func (h *Hub) RoomSize(name string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[name]
	if !ok {
		return 0, false
	}
	return len(r.peers), true
}

func (r *room) track(from *Peer, entries []AwarenessEntry) {
	for _, entry := range entries {
		if entry.Removed() {
			delete(r.awareness, entry.ClientID)
			delete(r.owners, entry.ClientID)
			continue
		}
		r.awareness[entry.ClientID] = entry
		r.owners[entry.ClientID] = from
	}
}

func (r *room) snapshot() []byte {
	if len(r.awareness) == 0 {
		return nil
	}
	entries := make([]AwarenessEntry, 0, len(r.awareness))
	for _, entry := range r.awareness {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	return EncodeAwareness(entries)
}

func (r *room) broadcast(from *Peer, frame []byte) {
	for peer := range r.peers {
		if peer == from {
			continue
		}
		peer.enqueue(frame)
	}
}
