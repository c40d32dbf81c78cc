package envelope

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupshare/internal/session"
	"groupshare/internal/token"
)

var (
	keysOnce sync.Once
	keys     *session.KeyPair
)

// channelPair performs a real handshake and returns the client and server
// channels.
func channelPair(t *testing.T) (*session.Channel, *session.Channel) {
	t.Helper()
	keysOnce.Do(func() {
		kp, err := session.GenerateKeyPair(2048)
		if err != nil {
			panic(err)
		}
		keys = kp
	})

	cConn, sConn := net.Pipe()
	defer cConn.Close()
	defer sConn.Close()

	cfg := session.Config{Suite: session.DefaultSuite()}
	type res struct {
		ch  *session.Channel
		err error
	}
	done := make(chan res, 1)
	go func() {
		ch, err := session.Server(sConn, keys, cfg)
		done <- res{ch, err}
	}()
	client, err := session.Client(cConn, cfg, nil)
	require.NoError(t, err)
	server := <-done
	require.NoError(t, server.err)

	t.Cleanup(func() {
		client.Close()
		server.ch.Close()
	})
	return client, server.ch
}

func TestAccessors(t *testing.T) {
	tok := token.New("alice", "ENG")
	e := New(CmdUpload,
		String("docs/report.txt"),
		Int(10),
		Bytes([]byte{1, 2, 3}),
		Token(tok),
		Strings([]string{"a", "b"}),
		Null(),
	)

	s, ok := e.StringField(0)
	assert.True(t, ok)
	assert.Equal(t, "docs/report.txt", s)

	n, ok := e.IntField(1)
	assert.True(t, ok)
	assert.EqualValues(t, 10, n)

	b, ok := e.BytesField(2)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, b)

	got, ok := e.TokenField(3)
	assert.True(t, ok)
	assert.Equal(t, tok, got)

	list, ok := e.StringsField(4)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, list)

	// wrong type, null and out of range all read as absent
	_, ok = e.StringField(1)
	assert.False(t, ok)
	_, ok = e.StringField(5)
	assert.False(t, ok)
	_, ok = e.TokenField(6)
	assert.False(t, ok)
	_, ok = e.IntField(-1)
	assert.False(t, ok)

	assert.Equal(t, 6, e.Len())
	assert.Equal(t, KindNull, Token(nil).Kind)
}

func TestEncodeDecode(t *testing.T) {
	client, server := channelPair(t)

	sent := New(CmdChunk, Bytes([]byte("0123456789")), Int(10))
	ct, err := Encode(sent, client)
	require.NoError(t, err)
	assert.NotContains(t, string(ct), CmdChunk)

	got, err := Decode(ct, server)
	require.NoError(t, err)
	assert.Equal(t, CmdChunk, got.Command)
	b, _ := got.BytesField(0)
	n, _ := got.IntField(1)
	assert.Equal(t, "0123456789", string(b))
	assert.EqualValues(t, 10, n)
}

func TestDecodeRejectsTamperedCiphertext(t *testing.T) {
	client, server := channelPair(t)

	ct, err := Encode(New(CmdListFiles, Token(token.New("bob", "ENG"))), client)
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff

	_, err = Decode(ct, server)
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, session.ErrAuth)
}

func TestUnmarshalRejectsBadShape(t *testing.T) {
	for name, body := range map[string]string{
		"not json":     `{"command":`,
		"no command":   `{"payload":[]}`,
		"unknown kind": `{"command":"LFILES","payload":[{"k":"float"}]}`,
	} {
		_, err := Unmarshal([]byte(body))
		assert.ErrorIs(t, err, ErrDecode, name)
	}

	_, err := Marshal(&Envelope{})
	assert.Error(t, err)
}

func TestConnSendReceive(t *testing.T) {
	client, server := channelPair(t)
	cConn, sConn := net.Pipe()
	defer cConn.Close()
	defer sConn.Close()

	c := NewConn(cConn, client, 0)
	s := NewConn(sConn, server, 0)

	go func() {
		_ = c.Send(New(CmdListFiles, Token(token.New("bob", "ENG"))))
	}()
	req, err := s.Receive()
	require.NoError(t, err)
	assert.Equal(t, CmdListFiles, req.Command)
	tok, ok := req.TokenField(0)
	require.True(t, ok)
	assert.Equal(t, "bob", tok.Subject)

	go func() {
		_ = s.Send(New(ReplyOK, Strings([]string{"docs/report.txt"})))
	}()
	reply, err := c.Receive()
	require.NoError(t, err)
	paths, ok := reply.StringsField(0)
	require.True(t, ok)
	assert.Equal(t, []string{"docs/report.txt"}, paths)
}
