package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cardspace_rt/server/presence/domain"
)

var (
	errTransportClosed  = errors.New("realtime: transport closed")
	errRetriesExhausted = errors.New("realtime: transport retries exhausted")
)

// transport is one established channel to the presence server. Read returns
// the next batch of server frames in order.
type transport interface {
	Kind() TransportKind
	Write(frame domain.Frame) error
	Read() ([]domain.Frame, error)
	Close() error
}

func dial(ctx context.Context, opts Options, kind TransportKind) (transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	switch kind {
	case TransportWebsocket:
		return dialWebsocket(dialCtx, opts)
	case TransportPolling:
		return openPolling(dialCtx, opts)
	default:
		return nil, fmt.Errorf("realtime: unknown transport %q", kind)
	}
}

// dialWithRetry walks the transport preference list on every attempt and
// backs off between attempts, doubling from RetryMin up to RetryMax.
func dialWithRetry(ctx context.Context, opts Options) (transport, error) {
	delay := opts.RetryMin
	var lastErr error
	for attempt := 1; attempt <= opts.RetryAttempts; attempt++ {
		for _, kind := range opts.Transports {
			t, err := dial(ctx, opts, kind)
			if err == nil {
				return t, nil
			}
			lastErr = err
			opts.Logger.Sugar().Debugf("event=realtime_client action=dial status=failed transport=%s attempt=%d error=%v", kind, attempt, err)
		}
		if attempt == opts.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, opts.RetryMax)
	}
	return nil, fmt.Errorf("%w: %v", errRetriesExhausted, lastErr)
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func dialWebsocket(ctx context.Context, opts Options) (*wsTransport, error) {
	u, err := url.Parse(opts.URL + "/socket")
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}
	conn, resp, err := opts.Dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Kind() TransportKind {
	return TransportWebsocket
}

func (t *wsTransport) Write(frame domain.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return t.conn.WriteJSON(frame)
}

func (t *wsTransport) Read() ([]domain.Frame, error) {
	var frame domain.Frame
	if err := t.conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	return []domain.Frame{frame}, nil
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

type pollTransport struct {
	client *http.Client
	base   string
	token  string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func openPolling(ctx context.Context, opts Options) (*pollTransport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.URL+"/socket/poll", nil)
	if err != nil {
		return nil, err
	}
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open poll session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("open poll session: unexpected status %d", resp.StatusCode)
	}
	var session struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode poll session: %w", err)
	}
	if session.SID == "" {
		return nil, errors.New("open poll session: empty sid")
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	return &pollTransport{
		client: opts.HTTPClient,
		base:   opts.URL + "/socket/poll/" + url.PathEscape(session.SID),
		token:  opts.Token,
		ctx:    pollCtx,
		cancel: cancel,
	}, nil
}

func (t *pollTransport) Kind() TransportKind {
	return TransportPolling
}

func (t *pollTransport) Write(frame domain.Frame) error {
	body, err := json.Marshal([]domain.Frame{frame})
	if err != nil {
		return err
	}
	resp, err := t.do(http.MethodPost, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errTransportClosed
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push frames: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (t *pollTransport) Read() ([]domain.Frame, error) {
	resp, err := t.do(http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errTransportClosed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll frames: unexpected status %d", resp.StatusCode)
	}
	var frames []domain.Frame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, fmt.Errorf("decode frames: %w", err)
	}
	return frames, nil
}

func (t *pollTransport) Close() error {
	t.once.Do(func() {
		t.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.base, nil)
		if err != nil {
			return
		}
		t.authorize(req)
		if resp, err := t.client.Do(req); err == nil {
			_ = resp.Body.Close()
		}
	})
	return nil
}

func (t *pollTransport) do(method string, body *bytes.Reader) (*http.Response, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(t.ctx, method, t.base, body)
	} else {
		req, err = http.NewRequestWithContext(t.ctx, method, t.base, nil)
	}
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	t.authorize(req)
	resp, err := t.client.Do(req)
	if err != nil {
		if t.ctx.Err() != nil {
			return nil, errTransportClosed
		}
		return nil, err
	}
	return resp, nil
}

func (t *pollTransport) authorize(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}
