package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cardspace_rt/server/common/log"
	"cardspace_rt/server/presence/domain"
)

const (
	outboundBuffer = 64
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
)

// Transport is one bidirectional frame stream: a websocket or a polling
// session.
type Transport interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type frameRouter interface {
	Dispatch(ctx context.Context, c *Connection, frame domain.Frame)
	Detach(c *Connection)
}

// Connection binds one transport to the router. It is created on handshake
// and destroyed when either pump stops.
type Connection struct {
	id        string
	transport Transport
	router    frameRouter
	outbound  chan domain.Frame
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	identity domain.Identity
	verified bool
}

func NewConnection(id string, transport Transport, router frameRouter) *Connection {
	return &Connection{
		id:        id,
		transport: transport,
		router:    router,
		outbound:  make(chan domain.Frame, outboundBuffer),
		done:      make(chan struct{}),
	}
}

func (c *Connection) ID() string {
	return c.id
}

// Identity returns the identity bound to the connection and whether it came
// from a verified handshake token.
func (c *Connection) Identity() (domain.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.verified
}

func (c *Connection) SetIdentity(identity domain.Identity, verified bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verified && !verified {
		return
	}
	c.identity = identity
	c.verified = verified
}

// Send queues a frame without blocking. A full queue drops the frame.
func (c *Connection) Send(frame domain.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		log.Warnf("event=connection_send action=drop status=failed conn_id=%s event_kind=%s reason=queue_full", c.id, frame.Event)
		return false
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errorCh := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Go(func() {
		errorCh <- c.pumpFrames(ctx)
		cancel()
	})
	wg.Go(func() {
		errorCh <- c.writeLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-errorCh:
	case <-ctx.Done():
	}
	c.closeOnce.Do(func() { close(c.done) })
	_ = c.transport.Close()
	wg.Wait()
	c.router.Detach(c)

	if err != nil && !errors.Is(err, context.Canceled) && !isClosedError(err) {
		return err
	}
	return nil
}

func (c *Connection) pumpFrames(ctx context.Context) error {
	for {
		var frame domain.Frame
		if err := c.transport.ReadJSON(&frame); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.router.Dispatch(ctx, c, frame)
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.outbound:
			if err := c.transport.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func isClosedError(err error) bool {
	return errors.Is(err, ErrTransportClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// ErrTransportClosed is returned by transports closed from the server side.
var ErrTransportClosed = errors.New("transport closed")

type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	stopPing  chan struct{}
	closeOnce sync.Once
}

// NewWebsocketTransport wraps an upgraded websocket with write deadlines and
// a keepalive pinger.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	t := &wsTransport{conn: conn, stopPing: make(chan struct{})}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go t.ping()
	return t
}

func (t *wsTransport) ReadJSON(v any) error {
	if err := t.conn.ReadJSON(v); err != nil {
		return err
	}
	return t.conn.SetReadDeadline(time.Now().Add(pongWait))
}

func (t *wsTransport) WriteJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopPing)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) ping() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-t.stopPing:
			return
		}
	}
}
