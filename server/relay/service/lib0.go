package service

import (
	"encoding/binary"
	"errors"
)

// y-protocols message types carried in the first varuint of a frame.
const (
	MessageSync           uint64 = 0
	MessageAwareness      uint64 = 1
	MessageAuth           uint64 = 2
	MessageQueryAwareness uint64 = 3
)

var ErrTruncated = errors.New("truncated lib0 message")

// AwarenessEntry is one client state inside an awareness update. State is the
// JSON text exactly as sent; "null" marks a removed client.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    string
}

func (e AwarenessEntry) Removed() bool {
	return e.State == "null"
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) varUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	d.pos += n
	return v, nil
}

func (d *decoder) varBytes() ([]byte, error) {
	size, err := d.varUint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.buf)-d.pos) < size {
		return nil, ErrTruncated
	}
	out := d.buf[d.pos : d.pos+int(size)]
	d.pos += int(size)
	return out, nil
}

func appendVarUint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

func appendVarBytes(buf, b []byte) []byte {
	buf = appendVarUint(buf, uint64(len(b)))
	return append(buf, b...)
}

// MessageType returns the y-protocols message type of a frame.
func MessageType(frame []byte) (uint64, error) {
	d := decoder{buf: frame}
	return d.varUint()
}

// DecodeAwareness parses an awareness frame (type byte included).
func DecodeAwareness(frame []byte) ([]AwarenessEntry, error) {
	d := decoder{buf: frame}
	kind, err := d.varUint()
	if err != nil {
		return nil, err
	}
	if kind != MessageAwareness {
		return nil, errors.New("not an awareness message")
	}
	update, err := d.varBytes()
	if err != nil {
		return nil, err
	}

	u := decoder{buf: update}
	count, err := u.varUint()
	if err != nil {
		return nil, err
	}
	entries := make([]AwarenessEntry, 0, min(count, 64))
	for i := uint64(0); i < count; i++ {
		clientID, err := u.varUint()
		if err != nil {
			return nil, err
		}
		clock, err := u.varUint()
		if err != nil {
			return nil, err
		}
		state, err := u.varBytes()
		if err != nil {
			return nil, err
		}
		entries = append(entries, AwarenessEntry{ClientID: clientID, Clock: clock, State: string(state)})
	}
	return entries, nil
}

// EncodeAwareness builds an awareness frame carrying entries.
func EncodeAwareness(entries []AwarenessEntry) []byte {
	update := appendVarUint(nil, uint64(len(entries)))
	for _, entry := range entries {
		update = appendVarUint(update, entry.ClientID)
		update = appendVarUint(update, entry.Clock)
		update = appendVarBytes(update, []byte(entry.State))
	}
	frame := appendVarUint(nil, MessageAwareness)
	return appendVarBytes(frame, update)
}
