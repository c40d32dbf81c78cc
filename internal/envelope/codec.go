package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"groupshare/internal/session"
)

// ErrDecode reports a message that could not be authenticated, decrypted or
// parsed. It is always fatal to the connection.
var ErrDecode = errors.New("envelope decode failed")

// Marshal serializes an envelope to its plaintext form.
func Marshal(e *Envelope) ([]byte, error) {
	if e == nil || e.Command == "" {
		return nil, errors.New("envelope has no command")
	}
	return json.Marshal(e)
}

// Unmarshal parses plaintext produced by Marshal.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if e.Command == "" {
		return nil, fmt.Errorf("%w: missing command", ErrDecode)
	}
	for i, v := range e.Payload {
		switch v.Kind {
		case KindNull, KindString, KindInt, KindBytes, KindToken, KindStrings:
		default:
			return nil, fmt.Errorf("%w: field %d has unknown kind %q", ErrDecode, i, v.Kind)
		}
	}
	return &e, nil
}

// Encode serializes and seals an envelope with the session channel.
func Encode(e *Envelope, ch *session.Channel) ([]byte, error) {
	plaintext, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	return ch.Seal(plaintext)
}

// Decode opens ciphertext with the session channel and parses the envelope.
func Decode(ciphertext []byte, ch *session.Channel) (*Envelope, error) {
	plaintext, err := ch.Open(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return Unmarshal(plaintext)
}

// Conn sends and receives envelopes over a framed stream protected by ch.
// It is owned by a single goroutine.
type Conn struct {
	rw       io.ReadWriter
	ch       *session.Channel
	maxFrame int
}

func NewConn(rw io.ReadWriter, ch *session.Channel, maxFrame int) *Conn {
	return &Conn{rw: rw, ch: ch, maxFrame: maxFrame}
}

// Send seals e and writes it as one frame.
func (c *Conn) Send(e *Envelope) error {
	ct, err := Encode(e, c.ch)
	if err != nil {
		return err
	}
	return session.WriteFrame(c.rw, ct)
}

// Reply sends an envelope with no payload.
func (c *Conn) Reply(command string) error {
	return c.Send(New(command))
}

// Receive reads and decodes the next envelope.
func (c *Conn) Receive() (*Envelope, error) {
	ct, err := session.ReadFrame(c.rw, c.maxFrame)
	if err != nil {
		return nil, err
	}
	return Decode(ct, c.ch)
}

// Channel exposes the session channel backing the connection.
func (c *Conn) Channel() *session.Channel {
	return c.ch
}

// Close wipes the session secret.
func (c *Conn) Close() {
	c.ch.Close()
}
