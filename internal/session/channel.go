package session

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrAuth   = errors.New("message authentication failed")
	ErrClosed = errors.New("channel closed")
)

const (
	infoClientToServer = "groupshare c2s"
	infoServerToClient = "groupshare s2c"
)

// Channel is the per-connection symmetric context established by the
// handshake. Each direction has its own key and nonce counter, and the IV is
// bound into every message as associated data.
type Channel struct {
	// session key followed by the IV, sealed under memguard's process key
	mu     sync.Mutex
	secret *memguard.Enclave
	keyLen int

	send, recv   noise.Cipher
	sendN, recvN uint64
	ad           []byte
	peerKey      []byte

	closeOnce sync.Once
	closed    bool
}

func newChannel(suite Suite, key, iv []byte, initiator bool) (*Channel, error) {
	c2s, err := deriveKey(suite, key, iv, infoClientToServer)
	if err != nil {
		return nil, err
	}
	s2c, err := deriveKey(suite, key, iv, infoServerToClient)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		keyLen: len(key),
		ad:     append([]byte(nil), iv...),
	}
	if initiator {
		ch.send, ch.recv = suite.Cipher.Cipher(c2s), suite.Cipher.Cipher(s2c)
	} else {
		ch.send, ch.recv = suite.Cipher.Cipher(s2c), suite.Cipher.Cipher(c2s)
	}

	secret := make([]byte, 0, len(key)+len(iv))
	secret = append(secret, key...)
	secret = append(secret, iv...)
	ch.secret = memguard.NewEnclave(secret)
	memguard.WipeBytes(key)
	memguard.WipeBytes(c2s[:])
	memguard.WipeBytes(s2c[:])
	return ch, nil
}

func deriveKey(suite Suite, secret, salt []byte, info string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(suite.Hash.Hash, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return out, nil
}

// Seal encrypts plaintext for the peer and advances the send counter.
func (c *Channel) Seal(plaintext []byte) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	out := c.send.Encrypt(nil, c.sendN, c.ad, plaintext)
	c.sendN++
	return out, nil
}

// Open authenticates and decrypts a message from the peer. The receive counter
// only advances on success, so a replayed or reordered message never opens.
func (c *Channel) Open(ciphertext []byte) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	plaintext, err := c.recv.Decrypt(nil, c.recvN, c.ad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	c.recvN++
	return plaintext, nil
}

// SessionKey returns a copy of the negotiated session key, or nil once the
// channel is closed.
func (c *Channel) SessionKey() []byte {
	c.mu.Lock()
	secret := c.secret
	c.mu.Unlock()
	if secret == nil {
		return nil
	}
	lb, err := secret.Open()
	if err != nil {
		return nil
	}
	defer lb.Destroy()
	return append([]byte(nil), lb.Bytes()[:c.keyLen]...)
}

// IV returns a copy of the negotiated initialization vector.
func (c *Channel) IV() []byte {
	return append([]byte(nil), c.ad...)
}

// PeerKey is the server public key (PKIX DER) seen by a client channel.
func (c *Channel) PeerKey() []byte {
	return c.peerKey
}

// Close drops the session secret. The underlying stream is left to the owner.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed = true
		c.mu.Lock()
		c.secret = nil
		c.mu.Unlock()
	})
}
