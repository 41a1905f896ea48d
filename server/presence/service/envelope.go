package service

import (
	"github.com/vmihailenco/msgpack/v5"

	"cardspace_rt/server/presence/domain"
)

// Envelope is one routed event. It is applied on the node that accepted the
// frame and replayed on every other node through the bridge.
type Envelope struct {
	Origin      string           `msgpack:"o"`
	Event       domain.EventKind `msgpack:"e"`
	ConnID      string           `msgpack:"c"`
	Identity    domain.Identity  `msgpack:"u"`
	WorkspaceID string           `msgpack:"w"`
	ScopeID     string           `msgpack:"s,omitempty"`
	MessageID   string           `msgpack:"m,omitempty"`
	ClientID    string           `msgpack:"ci,omitempty"`
	Text        string           `msgpack:"t,omitempty"`
	Payload     []byte           `msgpack:"p,omitempty"`
	Timestamp   int64            `msgpack:"ts"`
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	return msgpack.Marshal(&env)
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	err := msgpack.Unmarshal(raw, &env)
	return env, err
}
