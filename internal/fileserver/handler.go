package fileserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"groupshare/internal/directory"
	"groupshare/internal/envelope"
	"groupshare/internal/logger"
	"groupshare/internal/session"
	"groupshare/internal/token"
)

// idleConn pushes the read deadline forward before every read.
type idleConn struct {
	net.Conn
	idle time.Duration
}

func (c idleConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// conn is the per-connection handler. Everything in it is owned by the
// goroutine running serve.
type conn struct {
	srv *Server
	nc  net.Conn
	ec  *envelope.Conn
	log *logger.Logger
	fsm machine
}

func (s *Server) newConn(nc net.Conn) *conn {
	id := uuid.NewString()
	return &conn{
		srv: s,
		nc:  nc,
		log: s.log.WithPrefix("conn:" + id[:8]),
	}
}

// serve runs the handshake and then the command loop until the client
// disconnects or a protocol error occurs.
func (c *conn) serve(ctx context.Context) {
	defer c.nc.Close()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("connection handler panicked: %v", r)
		}
	}()
	c.log.Info("accepted connection from %s", c.nc.RemoteAddr())

	var rw io.ReadWriter = c.nc
	if c.srv.idle > 0 {
		rw = idleConn{Conn: c.nc, idle: c.srv.idle}
	}

	ch, err := session.Server(rw, c.srv.keys, session.Config{
		Suite:        c.srv.suite,
		MaxFrameSize: c.srv.cfg.MaxFrameSize,
	})
	if err != nil {
		c.log.Warn("%v", err)
		return
	}
	c.ec = envelope.NewConn(rw, ch, c.srv.cfg.MaxFrameSize)
	defer c.ec.Close()

	if err := c.fsm.to(StateReady); err != nil {
		c.log.Error("%v", err)
		return
	}
	if err := c.ec.Reply(envelope.ReplyOK); err != nil {
		c.log.Warn("failed to send handshake completion: %v", err)
		return
	}
	c.log.Debug("secure session established (%s)", c.srv.suite)

	for ctx.Err() == nil {
		req, err := c.ec.Receive()
		if err != nil {
			c.logReceiveError(err)
			return
		}
		c.log.Debug("request %s", req.Command)

		if err := c.dispatch(req); err != nil {
			if errors.Is(err, errDisconnect) {
				c.log.Info("client disconnected")
				return
			}
			c.log.Warn("closing connection: %v", err)
			return
		}
	}
}

var errDisconnect = errors.New("disconnect requested")

func (c *conn) logReceiveError(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.log.Info("connection closed by peer")
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.log.Info("connection idle for %s, closing", c.srv.idle)
	default:
		c.log.Warn("receive failed: %v", err)
	}
}

// dispatch handles one request received in StateReady. A returned error
// closes the connection; failures the client can recover from are replies.
func (c *conn) dispatch(req *envelope.Envelope) error {
	if !c.fsm.accepts(req.Command) {
		c.log.Debug("unexpected %s in state %s", req.Command, c.fsm.State())
		return c.ec.Reply(envelope.FailBadMessage)
	}

	switch req.Command {
	case envelope.CmdListFiles:
		return c.phase(StateListing, func() error { return c.listFiles(req) })
	case envelope.CmdUpload:
		return c.phase(StateUploading, func() error { return c.upload(req) })
	case envelope.CmdDownload:
		return c.phase(StateDownloading, func() error { return c.download(req) })
	case envelope.CmdDelete:
		return c.phase(StateDeleting, func() error { return c.delete(req) })
	case envelope.CmdDisconnect:
		if err := c.fsm.to(StateClosed); err != nil {
			return err
		}
		return errDisconnect
	}
	return c.ec.Reply(envelope.FailBadMessage)
}

// phase runs fn in state and returns to StateReady afterwards.
func (c *conn) phase(state State, fn func() error) error {
	if err := c.fsm.to(state); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return c.fsm.to(StateReady)
}

// verify checks the token with the configured verifier. It returns false
// after replying FAIL-BADTOKEN.
func (c *conn) verify(tok *token.Token) (bool, error) {
	if err := c.srv.verifier.Verify(tok); err != nil {
		c.log.Warn("rejected token for %q: %v", tok.Subject, err)
		return false, c.ec.Reply(envelope.FailBadToken)
	}
	return true, nil
}

func (c *conn) listFiles(req *envelope.Envelope) error {
	tok, ok := req.TokenField(0)
	if !ok {
		return c.ec.Reply(envelope.FailBadContents)
	}
	if ok, err := c.verify(tok); !ok {
		return err
	}

	paths := []string{}
	for _, sf := range c.srv.dir.ListFiles() {
		if tok.HasGroup(sf.Group) {
			paths = append(paths, sf.Path)
		}
	}
	c.log.Debug("listed %d files for %s", len(paths), tok.Subject)
	return c.ec.Send(envelope.New(envelope.ReplyOK, envelope.Strings(paths)))
}

// validGroup reports whether group can be used as a single directory name
// under the storage root. Dot names are reserved for the server.
func validGroup(group string) bool {
	if group == "" || strings.HasPrefix(group, ".") {
		return false
	}
	if strings.ContainsAny(group, `/\`+"\x00") {
		return false
	}
	return filepath.Base(group) == group
}

func (c *conn) upload(req *envelope.Envelope) error {
	if req.Len() < 3 {
		return c.ec.Reply(envelope.FailBadContents)
	}
	path, ok := req.StringField(0)
	if !ok || path == "" {
		return c.ec.Reply(envelope.FailBadPath)
	}
	group, ok := req.StringField(1)
	if !ok || !validGroup(group) {
		return c.ec.Reply(envelope.FailBadGroup)
	}
	tok, ok := req.TokenField(2)
	if !ok {
		return c.ec.Reply(envelope.FailBadToken)
	}
	if ok, err := c.verify(tok); !ok {
		return err
	}

	dir := c.srv.dir
	if dir.CheckFile(path) {
		c.log.Info("upload of %s rejected: already exists", path)
		return c.ec.Reply(envelope.FailFileExists)
	}
	if !tok.HasGroup(group) {
		c.log.Info("upload of %s rejected: %s is not in group %s", path, tok.Subject, group)
		return c.ec.Reply(envelope.FailUnauthorized)
	}
	if err := dir.Reserve(path); err != nil {
		c.log.Info("upload of %s rejected: %v", path, err)
		return c.ec.Reply(envelope.FailFileExists)
	}

	location := filepath.Join(c.srv.cfg.StorageRoot, group, uuid.NewString())
	f, err := c.createFile(location)
	if err != nil {
		dir.Release(path)
		c.log.Error("failed to create %s: %v", location, err)
		return c.ec.Reply(envelope.ErrorTransfer)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		f.Close()
		if err := os.Remove(location); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("failed to remove partial upload %s: %v", location, err)
		}
		dir.Release(path)
	}()

	if err := c.ec.Reply(envelope.ReplyReady); err != nil {
		return err
	}

	var written int64
	for {
		msg, err := c.ec.Receive()
		if err != nil {
			return fmt.Errorf("upload of %s interrupted: %w", path, err)
		}
		if !c.fsm.accepts(msg.Command) {
			c.log.Warn("unexpected %s during upload of %s", msg.Command, path)
			return c.ec.Reply(envelope.ErrorTransfer)
		}

		switch msg.Command {
		case envelope.CmdChunk:
			data, okData := msg.BytesField(0)
			n, okLen := msg.IntField(1)
			if !okData || !okLen || n < 0 || n > int64(len(data)) {
				c.log.Warn("malformed chunk during upload of %s", path)
				return c.ec.Reply(envelope.ErrorTransfer)
			}
			if _, err := f.Write(data[:n]); err != nil {
				c.log.Error("write to %s failed: %v", location, err)
				return c.ec.Reply(envelope.ErrorTransfer)
			}
			written += n
			if err := c.ec.Reply(envelope.ReplyReady); err != nil {
				return err
			}

		case envelope.CmdEOF:
			if err := f.Close(); err != nil {
				c.log.Error("close of %s failed: %v", location, err)
				return c.ec.Reply(envelope.ErrorTransfer)
			}
			sf := directory.ShareFile{Path: path, Group: group, Owner: tok.Subject, Location: location}
			if err := dir.Commit(sf); err != nil {
				c.log.Error("failed to register %s: %v", path, err)
				return c.ec.Reply(envelope.ErrorTransfer)
			}
			committed = true
			c.log.Info("stored %s for group %s (%d bytes, owner %s)", path, group, written, tok.Subject)
			return c.ec.Reply(envelope.ReplyOK)
		}
	}
}

func (c *conn) createFile(location string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(location), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(location, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
}

func (c *conn) download(req *envelope.Envelope) error {
	path, okPath := req.StringField(0)
	tok, okTok := req.TokenField(1)
	if !okPath || !okTok {
		return c.ec.Reply(envelope.FailBadContents)
	}
	if ok, err := c.verify(tok); !ok {
		return err
	}

	sf, ok := c.srv.dir.GetFile(path)
	if !ok {
		return c.ec.Reply(envelope.ErrorFileMissing)
	}
	if !tok.HasGroup(sf.Group) {
		c.log.Info("download of %s denied for %s", path, tok.Subject)
		return c.ec.Reply(envelope.ErrorPermission)
	}
	f, err := os.Open(sf.Location)
	if err != nil {
		c.log.Error("%s is registered but unreadable: %v", path, err)
		return c.ec.Reply(envelope.ErrorNotOnDisk)
	}
	defer f.Close()

	buf := make([]byte, c.srv.cfg.ChunkSize)
	var sent int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := envelope.New(envelope.CmdChunk, envelope.Bytes(buf[:n]), envelope.Int(n))
			if err := c.ec.Send(chunk); err != nil {
				return err
			}
			sent += int64(n)

			echo, err := c.ec.Receive()
			if err != nil {
				return fmt.Errorf("download of %s interrupted: %w", path, err)
			}
			if echo.Command == envelope.CmdDisconnect {
				if err := c.fsm.to(StateClosed); err != nil {
					return err
				}
				c.log.Info("client disconnected during download of %s", path)
				return errDisconnect
			}
			if !c.fsm.accepts(echo.Command) {
				c.log.Warn("download of %s aborted by client: %s", path, echo.Command)
				return nil
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			c.log.Error("read of %s failed: %v", sf.Location, readErr)
			return c.ec.Reply(envelope.ErrorTransfer)
		}
	}

	if err := c.ec.Reply(envelope.CmdEOF); err != nil {
		return err
	}
	ack, err := c.ec.Receive()
	if err != nil {
		return fmt.Errorf("download of %s: waiting for acknowledgement: %w", path, err)
	}
	if ack.Command == envelope.ReplyOK {
		c.log.Info("sent %s to %s (%d bytes)", path, tok.Subject, sent)
	} else {
		c.log.Warn("client reported %s after download of %s", ack.Command, path)
	}
	return nil
}

func (c *conn) delete(req *envelope.Envelope) error {
	path, okPath := req.StringField(0)
	tok, okTok := req.TokenField(1)
	if !okPath || !okTok {
		return c.ec.Reply(envelope.FailBadContents)
	}
	if ok, err := c.verify(tok); !ok {
		return err
	}

	dir := c.srv.dir
	sf, ok := dir.GetFile(path)
	if !ok {
		return c.ec.Reply(envelope.ErrorDoesNotExist)
	}
	if !tok.HasGroup(sf.Group) {
		c.log.Info("delete of %s denied for %s", path, tok.Subject)
		return c.ec.Reply(envelope.ErrorPermission)
	}
	if _, err := os.Stat(sf.Location); err != nil {
		c.log.Error("%s is registered but missing on disk: %v", path, err)
		return c.ec.Reply(envelope.ErrorFileMissing)
	}
	if err := os.Remove(sf.Location); err != nil {
		c.log.Error("failed to delete %s: %v", sf.Location, err)
		return c.ec.Reply(envelope.ErrorDelete)
	}
	dir.RemoveFile(path)
	c.log.Info("deleted %s (requested by %s)", path, tok.Subject)
	return c.ec.Reply(envelope.ReplyOK)
}
