package session

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeysOnce sync.Once
	testKeys     *KeyPair
)

func serverKeys(t *testing.T) *KeyPair {
	t.Helper()
	testKeysOnce.Do(func() {
		kp, err := GenerateKeyPair(2048)
		if err != nil {
			panic(err)
		}
		testKeys = kp
	})
	return testKeys
}

type result struct {
	ch  *Channel
	err error
}

// handshakePair runs both sides over net.Pipe.
func handshakePair(t *testing.T, cfg Config, pinned []byte) (client, server result) {
	t.Helper()
	keys := serverKeys(t)
	cConn, sConn := net.Pipe()
	t.Cleanup(func() {
		cConn.Close()
		sConn.Close()
	})

	done := make(chan result, 1)
	go func() {
		ch, err := Server(sConn, keys, cfg)
		if err != nil {
			sConn.Close()
		}
		done <- result{ch, err}
	}()

	ch, err := Client(cConn, cfg, pinned)
	if err != nil {
		cConn.Close()
	}
	client = result{ch, err}
	server = <-done
	return client, server
}

func TestHandshakeAgreesOnSessionKey(t *testing.T) {
	suites := [][2]string{
		{"ChaChaPoly", "SHA256"},
		{"AESGCM", "SHA256"},
		{"ChaChaPoly", "BLAKE2b"},
		{"AESGCM", "SHA512"},
	}
	for _, names := range suites {
		t.Run(names[0]+"_"+names[1], func(t *testing.T) {
			suite, err := NewSuite(2048, names[0], names[1])
			require.NoError(t, err)
			cfg := Config{Suite: suite}

			c, s := handshakePair(t, cfg, nil)
			require.NoError(t, c.err)
			require.NoError(t, s.err)
			defer c.ch.Close()
			defer s.ch.Close()

			assert.Equal(t, s.ch.SessionKey(), c.ch.SessionKey())
			assert.Len(t, c.ch.SessionKey(), SessionKeySize)
			assert.Equal(t, s.ch.IV(), c.ch.IV())
			assert.Len(t, c.ch.IV(), IVSize)

			der, err := serverKeys(t).PublicDER()
			require.NoError(t, err)
			assert.Equal(t, der, c.ch.PeerKey())

			// both directions work over the derived ciphers
			msg, err := c.ch.Seal([]byte("client hello"))
			require.NoError(t, err)
			got, err := s.ch.Open(msg)
			require.NoError(t, err)
			assert.Equal(t, "client hello", string(got))

			msg, err = s.ch.Seal([]byte("server hello"))
			require.NoError(t, err)
			got, err = c.ch.Open(msg)
			require.NoError(t, err)
			assert.Equal(t, "server hello", string(got))
		})
	}
}

func TestCorruptedChallengeFailsHandshake(t *testing.T) {
	keys := serverKeys(t)
	cfg := Config{Suite: DefaultSuite()}

	for _, pos := range []int{0, 17, 255} {
		cConn, sConn := net.Pipe()
		done := make(chan error, 1)
		go func() {
			_, err := Server(sConn, keys, cfg)
			sConn.Close()
			done <- err
		}()

		der, err := ReadFrame(cConn, 0)
		require.NoError(t, err)
		pub, err := ParsePublicKey(der)
		require.NoError(t, err)

		ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, encodeChallenge(41), nil)
		require.NoError(t, err)
		ct[pos%len(ct)] ^= 0x01
		require.NoError(t, WriteFrame(cConn, ct))

		err = <-done
		assert.ErrorIs(t, err, ErrHandshake, "corrupted byte %d", pos)
		cConn.Close()
	}
}

func TestChallengeReplyIsIncremented(t *testing.T) {
	keys := serverKeys(t)
	cConn, sConn := net.Pipe()
	defer cConn.Close()
	defer sConn.Close()

	go func() {
		_, _ = Server(sConn, keys, Config{Suite: DefaultSuite()})
	}()

	der, err := ReadFrame(cConn, 0)
	require.NoError(t, err)
	pub, err := ParsePublicKey(der)
	require.NoError(t, err)

	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, encodeChallenge(41), nil)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(cConn, ct))

	reply, err := ReadFrame(cConn, 0)
	require.NoError(t, err)
	assert.Equal(t, encodeChallenge(42), reply)
}

func TestEncodeChallengeWraps(t *testing.T) {
	largest := int64(^uint64(0) >> 1)
	smallest := -largest - 1
	assert.Equal(t, encodeChallenge(smallest), encodeChallenge(largest+1))
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, encodeChallenge(1))
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 8), encodeChallenge(-1))
}

func TestPinnedKeyMismatch(t *testing.T) {
	other, err := GenerateKeyPair(2048)
	require.NoError(t, err)
	otherDER, err := other.PublicDER()
	require.NoError(t, err)

	c, s := handshakePair(t, Config{Suite: DefaultSuite()}, otherDER)
	assert.ErrorIs(t, c.err, ErrUntrustedKey)
	assert.ErrorIs(t, c.err, ErrHandshake)
	assert.Error(t, s.err)
}

func TestPinnedKeyMatch(t *testing.T) {
	der, err := serverKeys(t).PublicDER()
	require.NoError(t, err)

	c, s := handshakePair(t, Config{Suite: DefaultSuite()}, der)
	require.NoError(t, c.err)
	require.NoError(t, s.err)
}

func TestChannelRejectsReplayAndTampering(t *testing.T) {
	c, s := handshakePair(t, Config{Suite: DefaultSuite()}, nil)
	require.NoError(t, c.err)
	require.NoError(t, s.err)

	first, err := c.ch.Seal([]byte("one"))
	require.NoError(t, err)
	second, err := c.ch.Seal([]byte("two"))
	require.NoError(t, err)

	// out of order
	_, err = s.ch.Open(second)
	assert.ErrorIs(t, err, ErrAuth)

	got, err := s.ch.Open(first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	// replay
	_, err = s.ch.Open(first)
	assert.ErrorIs(t, err, ErrAuth)

	tampered := append([]byte(nil), second...)
	tampered[0] ^= 0x80
	_, err = s.ch.Open(tampered)
	assert.ErrorIs(t, err, ErrAuth)

	got, err = s.ch.Open(second)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	// a server message cannot be opened as if it came from the client
	echo, err := s.ch.Seal([]byte("three"))
	require.NoError(t, err)
	_, err = s.ch.Open(echo)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestChannelClose(t *testing.T) {
	c, s := handshakePair(t, Config{Suite: DefaultSuite()}, nil)
	require.NoError(t, c.err)
	require.NoError(t, s.err)

	c.ch.Close()
	c.ch.Close()
	assert.Nil(t, c.ch.SessionKey())
	_, err := c.ch.Seal([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	s.ch.Close()
}

func TestManyOpenChannels(t *testing.T) {
	cfg := Config{Suite: DefaultSuite()}
	const open = 64

	var clients, servers []*Channel
	for i := 0; i < open; i++ {
		c, s := handshakePair(t, cfg, nil)
		require.NoError(t, c.err, "session %d", i)
		require.NoError(t, s.err, "session %d", i)
		clients = append(clients, c.ch)
		servers = append(servers, s.ch)
	}

	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func(c, s *Channel) {
			defer wg.Done()
			ct, err := c.Seal([]byte("ping"))
			if assert.NoError(t, err) {
				pt, err := s.Open(ct)
				assert.NoError(t, err)
				assert.Equal(t, "ping", string(pt))
			}
		}(clients[i], servers[i])
	}
	wg.Wait()

	for i := range clients {
		key := clients[i].SessionKey()
		assert.Len(t, key, 32)
		assert.Equal(t, key, servers[i].SessionKey())
		clients[i].Close()
		servers[i].Close()
	}
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, WriteFrame(&buf, make([]byte, 64)))
	_, err = ReadFrame(&buf, 32)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestNewSuite(t *testing.T) {
	s, err := NewSuite(0, "", "")
	require.NoError(t, err)
	assert.Equal(t, "RSA2048_ChaChaPoly_SHA256", s.String())

	_, err = NewSuite(2048, "DES", "SHA256")
	assert.Error(t, err)
	_, err = NewSuite(2048, "AESGCM", "MD5")
	assert.Error(t, err)
}

func TestLoadOrCreateKeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "server.pem")

	kp, created, err := LoadOrCreateKeyPair(path, 2048)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := LoadOrCreateKeyPair(path, 2048)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, kp.Private.Equal(again.Private))

	der, err := kp.PublicDER()
	require.NoError(t, err)
	assert.Len(t, Fingerprint(der), 32)
}
