package realtime

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cardspace_rt/server/presence/domain"
)

type TransportKind string

const (
	TransportWebsocket TransportKind = "websocket"
	TransportPolling   TransportKind = "polling"
)

// Options configures a Provider. Zero durations fall back to the defaults.
type Options struct {
	// URL is the presence server base, e.g. http://localhost:3001.
	URL         string
	Identity    domain.Identity
	WorkspaceID string
	// Token is sent at handshake when the server verifies identities.
	Token string

	Transports     []TransportKind
	ReconnectDelay time.Duration
	RetryAttempts  int
	RetryMin       time.Duration
	RetryMax       time.Duration
	TypingTimeout  time.Duration
	DialTimeout    time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		Transports:     []TransportKind{TransportWebsocket, TransportPolling},
		ReconnectDelay: 5 * time.Second,
		RetryAttempts:  10,
		RetryMin:       time.Second,
		RetryMax:       5 * time.Second,
		TypingTimeout:  2 * time.Second,
		DialTimeout:    5 * time.Second,
	}
}

func (o Options) withDefaults() (Options, error) {
	defaults := DefaultOptions()
	o.URL = strings.TrimRight(strings.TrimSpace(o.URL), "/")
	if o.URL == "" {
		return Options{}, errors.New("realtime: url is required")
	}
	u, err := url.Parse(o.URL)
	if err != nil {
		return Options{}, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Options{}, errors.New("realtime: url scheme must be http or https")
	}
	if len(o.Transports) == 0 {
		o.Transports = defaults.Transports
	}
	for _, kind := range o.Transports {
		if kind != TransportWebsocket && kind != TransportPolling {
			return Options{}, errors.New("realtime: unknown transport " + string(kind))
		}
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaults.ReconnectDelay
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = defaults.RetryAttempts
	}
	if o.RetryMin <= 0 {
		o.RetryMin = defaults.RetryMin
	}
	if o.RetryMax < o.RetryMin {
		o.RetryMax = max(defaults.RetryMax, o.RetryMin)
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = defaults.TypingTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaults.DialTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: o.DialTimeout, Proxy: http.ProxyFromEnvironment}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.Identity = o.Identity.Normalize()
	o.WorkspaceID = strings.TrimSpace(o.WorkspaceID)
	return o, nil
}
