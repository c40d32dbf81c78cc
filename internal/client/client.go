// Package client speaks the group file protocol to a file server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"groupshare/internal/config"
	"groupshare/internal/envelope"
	"groupshare/internal/session"
	"groupshare/internal/token"
)

// ReplyError is a failure reply from the server.
type ReplyError struct {
	Op      string
	Command string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: server replied %s", e.Op, e.Command)
}

// IsReply reports whether err is a ReplyError carrying command.
func IsReply(err error, command string) bool {
	var re *ReplyError
	return errors.As(err, &re) && re.Command == command
}

// Options configures Dial and New.
type Options struct {
	Suite        session.Suite
	MaxFrameSize int
	ChunkSize    int
	// PinnedKey, if set, is the only server public key accepted.
	PinnedKey []byte
	// DialAttempts bounds connection retries; zero means a single attempt.
	DialAttempts uint64
}

func (o *Options) defaults() {
	if o.Suite.Cipher == nil || o.Suite.Hash == nil {
		o.Suite = session.DefaultSuite()
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = config.DefaultChunkSize
	}
}

// Client is one authenticated session. It is not safe for concurrent use.
type Client struct {
	nc        net.Conn
	ec        *envelope.Conn
	chunkSize int
}

// Dial connects to addr, retrying with exponential backoff, and performs the
// handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxElapsedTime = 30 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, opts.DialAttempts), ctx)

	var d net.Dialer
	nc, err := backoff.RetryWithData(func() (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}, b)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c, err := New(nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// New runs the handshake over an established connection and waits for the
// server's completion marker.
func New(nc net.Conn, opts Options) (*Client, error) {
	opts.defaults()
	ch, err := session.Client(nc, session.Config{Suite: opts.Suite, MaxFrameSize: opts.MaxFrameSize}, opts.PinnedKey)
	if err != nil {
		return nil, err
	}
	ec := envelope.NewConn(nc, ch, opts.MaxFrameSize)

	marker, err := ec.Receive()
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("%w: completion marker: %w", session.ErrHandshake, err)
	}
	if marker.Command != envelope.ReplyOK {
		ec.Close()
		return nil, fmt.Errorf("%w: unexpected completion marker %s", session.ErrHandshake, marker.Command)
	}
	return &Client{nc: nc, ec: ec, chunkSize: opts.ChunkSize}, nil
}

// ServerKey is the public key the server presented, in PKIX DER form.
func (c *Client) ServerKey() []byte {
	return c.ec.Channel().PeerKey()
}

func (c *Client) roundTrip(req *envelope.Envelope) (*envelope.Envelope, error) {
	if err := c.ec.Send(req); err != nil {
		return nil, err
	}
	return c.ec.Receive()
}

// expect sends req and fails unless the reply is want.
func (c *Client) expect(op string, req *envelope.Envelope, want string) (*envelope.Envelope, error) {
	reply, err := c.roundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if reply.Command != want {
		return nil, &ReplyError{Op: op, Command: reply.Command}
	}
	return reply, nil
}

// List returns the paths visible to tok.
func (c *Client) List(tok *token.Token) ([]string, error) {
	reply, err := c.expect(envelope.CmdListFiles, envelope.New(envelope.CmdListFiles, envelope.Token(tok)), envelope.ReplyOK)
	if err != nil {
		return nil, err
	}
	paths, _ := reply.StringsField(0)
	return paths, nil
}

// Upload stores the contents of r at path, owned by group.
func (c *Client) Upload(path, group string, tok *token.Token, r io.Reader) error {
	const op = envelope.CmdUpload
	req := envelope.New(envelope.CmdUpload, envelope.String(path), envelope.String(group), envelope.Token(tok))
	if _, err := c.expect(op, req, envelope.ReplyReady); err != nil {
		return err
	}

	buf := make([]byte, c.chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := envelope.New(envelope.CmdChunk, envelope.Bytes(buf[:n]), envelope.Int(n))
			if _, err := c.expect(op, chunk, envelope.ReplyReady); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// abandon the transfer; the server answers ERROR-TRANSFER
			if _, err := c.roundTrip(envelope.New(envelope.ErrorTransfer)); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			return fmt.Errorf("%s: read source: %w", op, readErr)
		}
	}

	_, err := c.expect(op, envelope.New(envelope.CmdEOF), envelope.ReplyOK)
	return err
}

// Download writes the contents of path to w.
func (c *Client) Download(path string, tok *token.Token, w io.Writer) error {
	const op = envelope.CmdDownload
	if err := c.ec.Send(envelope.New(envelope.CmdDownload, envelope.String(path), envelope.Token(tok))); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for {
		msg, err := c.ec.Receive()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		switch msg.Command {
		case envelope.CmdChunk:
			data, okData := msg.BytesField(0)
			n, okLen := msg.IntField(1)
			if !okData || !okLen || n < 0 || n > int64(len(data)) {
				if err := c.ec.Reply(envelope.ErrorTransfer); err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
				return fmt.Errorf("%s: malformed chunk", op)
			}
			if _, err := w.Write(data[:n]); err != nil {
				if sendErr := c.ec.Reply(envelope.ErrorTransfer); sendErr != nil {
					return fmt.Errorf("%s: %w", op, sendErr)
				}
				return fmt.Errorf("%s: write destination: %w", op, err)
			}
			if err := c.ec.Reply(envelope.CmdDownload); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}

		case envelope.CmdEOF:
			if err := c.ec.Reply(envelope.ReplyOK); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			return nil

		default:
			return &ReplyError{Op: op, Command: msg.Command}
		}
	}
}

// Delete removes path from the server.
func (c *Client) Delete(path string, tok *token.Token) error {
	req := envelope.New(envelope.CmdDelete, envelope.String(path), envelope.Token(tok))
	_, err := c.expect(envelope.CmdDelete, req, envelope.ReplyOK)
	return err
}

// Send writes a raw envelope. It exists for tools that drive the protocol
// step by step.
func (c *Client) Send(e *envelope.Envelope) error {
	return c.ec.Send(e)
}

// Receive reads the next raw envelope.
func (c *Client) Receive() (*envelope.Envelope, error) {
	return c.ec.Receive()
}

// Disconnect tells the server the session is over and closes the connection.
func (c *Client) Disconnect() error {
	err := c.ec.Reply(envelope.CmdDisconnect)
	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close drops the connection and wipes the session secret.
func (c *Client) Close() error {
	c.ec.Close()
	return c.nc.Close()
}
