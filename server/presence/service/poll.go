package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"cardspace_rt/server/common/log"
	"cardspace_rt/server/presence/domain"
)

const (
	DefaultPollWait = 25 * time.Second
	DefaultPollIdle = 60 * time.Second

	pollInboundBuffer = 64
	pollMaxQueued     = 256
)

var (
	ErrSessionNotFound = errors.New("poll session not found")
	ErrInboundFull     = errors.New("poll session inbound queue is full")
)

// PollSession is the long-polling fallback transport. Client frames arrive
// through Push, server frames are collected by Drain.
type PollSession struct {
	id      string
	inbound chan domain.Frame
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	queue    []json.RawMessage
	notify   chan struct{}
	lastSeen time.Time
	polling  int
}

func newPollSession(id string, now time.Time) *PollSession {
	return &PollSession{
		id:       id,
		inbound:  make(chan domain.Frame, pollInboundBuffer),
		closed:   make(chan struct{}),
		notify:   make(chan struct{}, 1),
		lastSeen: now,
	}
}

func (s *PollSession) ID() string {
	return s.id
}

func (s *PollSession) ReadJSON(v any) error {
	select {
	case frame := <-s.inbound:
		if target, ok := v.(*domain.Frame); ok {
			*target = frame
			return nil
		}
		raw, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	case <-s.closed:
		return ErrTransportClosed
	}
}

func (s *PollSession) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrTransportClosed
	default:
	}

	s.mu.Lock()
	if len(s.queue) >= pollMaxQueued {
		s.mu.Unlock()
		return errors.New("poll session outbound queue is full")
	}
	s.queue = append(s.queue, raw)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *PollSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Push hands client frames to the connection in order.
func (s *PollSession) Push(frames []domain.Frame) error {
	s.touch()
	for _, frame := range frames {
		select {
		case s.inbound <- frame:
		case <-s.closed:
			return ErrTransportClosed
		default:
			return ErrInboundFull
		}
	}
	return nil
}

// Drain returns queued server frames, waiting up to wait for the first one.
// An empty slice means the wait elapsed.
func (s *PollSession) Drain(ctx context.Context, wait time.Duration) ([]json.RawMessage, error) {
	s.mu.Lock()
	s.polling++
	s.lastSeen = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.polling--
		s.lastSeen = time.Now()
		s.mu.Unlock()
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if frames := s.take(); len(frames) > 0 {
			return frames, nil
		}
		select {
		case <-s.notify:
		case <-timer.C:
			return []json.RawMessage{}, nil
		case <-s.closed:
			if frames := s.take(); len(frames) > 0 {
				return frames, nil
			}
			return nil, ErrTransportClosed
		case <-ctx.Done():
			return []json.RawMessage{}, ctx.Err()
		}
	}
}

func (s *PollSession) take() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.queue
	s.queue = nil
	return frames
}

func (s *PollSession) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *PollSession) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polling > 0 {
		return 0
	}
	return now.Sub(s.lastSeen)
}

// PollManager owns the open polling sessions and reaps idle ones.
type PollManager struct {
	idle time.Duration
	wait time.Duration

	mu       sync.Mutex
	sessions map[string]*PollSession
}

func NewPollManager(wait, idle time.Duration) *PollManager {
	if wait <= 0 {
		wait = DefaultPollWait
	}
	if idle <= wait {
		idle = DefaultPollIdle
	}
	return &PollManager{idle: idle, wait: wait, sessions: map[string]*PollSession{}}
}

func (m *PollManager) Wait() time.Duration {
	return m.wait
}

func (m *PollManager) Open() *PollSession {
	session := newPollSession(uuid.NewString(), time.Now())
	m.mu.Lock()
	m.sessions[session.id] = session
	m.mu.Unlock()
	return session
}

func (m *PollManager) Get(sid string) (*PollSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sid]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (m *PollManager) Close(sid string) error {
	m.mu.Lock()
	session, ok := m.sessions[sid]
	delete(m.sessions, sid)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return session.Close()
}

func (m *PollManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Reap closes sessions idle for longer than the idle timeout.
func (m *PollManager) Reap(now time.Time) int {
	m.mu.Lock()
	var expired []*PollSession
	for sid, session := range m.sessions {
		if session.idleSince(now) > m.idle {
			expired = append(expired, session)
			delete(m.sessions, sid)
		}
	}
	m.mu.Unlock()

	for _, session := range expired {
		_ = session.Close()
	}
	if len(expired) > 0 {
		log.Infof("event=poll_sessions action=reap status=ok reaped=%d", len(expired))
	}
	return len(expired)
}

func (m *PollManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for sid, session := range m.sessions {
				_ = session.Close()
				delete(m.sessions, sid)
			}
			m.mu.Unlock()
			return nil
		case now := <-ticker.C:
			m.Reap(now)
		}
	}
}
