package session

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	ChallengeSize  = 8
	SessionKeySize = 32
	IVSize         = aes.BlockSize
)

var (
	ErrHandshake      = errors.New("handshake failed")
	ErrUntrustedKey   = errors.New("server key does not match pinned key")
	ErrChallengeReply = errors.New("server answered the challenge incorrectly")
)

// Config carries the handshake parameters shared by both ends.
type Config struct {
	Suite        Suite
	MaxFrameSize int
}

func handshakeErr(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrHandshake, step, err)
}

// Server runs the server side of the handshake over rw:
// send public key, answer RC+1, receive session key and IV.
func Server(rw io.ReadWriter, keys *KeyPair, cfg Config) (*Channel, error) {
	der, err := keys.PublicDER()
	if err != nil {
		return nil, handshakeErr("encode public key", err)
	}
	if err := WriteFrame(rw, der); err != nil {
		return nil, handshakeErr("send public key", err)
	}

	challenge, err := readSealed(rw, keys, cfg.MaxFrameSize, ChallengeSize)
	if err != nil {
		return nil, handshakeErr("challenge", err)
	}
	rc := int64(binary.BigEndian.Uint64(challenge))
	if err := WriteFrame(rw, encodeChallenge(rc+1)); err != nil {
		return nil, handshakeErr("send challenge reply", err)
	}

	key, err := readSealed(rw, keys, cfg.MaxFrameSize, SessionKeySize)
	if err != nil {
		return nil, handshakeErr("session key", err)
	}
	iv, err := readSealed(rw, keys, cfg.MaxFrameSize, IVSize)
	if err != nil {
		return nil, handshakeErr("iv", err)
	}

	ch, err := newChannel(cfg.Suite, key, iv, false)
	if err != nil {
		return nil, handshakeErr("derive keys", err)
	}
	return ch, nil
}

// Client runs the client side of the handshake. If pinned is non-nil the
// server must present exactly that public key.
func Client(rw io.ReadWriter, cfg Config, pinned []byte) (*Channel, error) {
	der, err := ReadFrame(rw, cfg.MaxFrameSize)
	if err != nil {
		return nil, handshakeErr("read public key", err)
	}
	if pinned != nil && !bytes.Equal(pinned, der) {
		return nil, handshakeErr("verify public key", ErrUntrustedKey)
	}
	pub, err := ParsePublicKey(der)
	if err != nil {
		return nil, handshakeErr("parse public key", err)
	}

	var raw [ChallengeSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, handshakeErr("generate challenge", err)
	}
	rc := int64(binary.BigEndian.Uint64(raw[:]))
	if err := writeSealed(rw, pub, encodeChallenge(rc)); err != nil {
		return nil, handshakeErr("send challenge", err)
	}

	reply, err := ReadFrame(rw, cfg.MaxFrameSize)
	if err != nil {
		return nil, handshakeErr("read challenge reply", err)
	}
	if !bytes.Equal(reply, encodeChallenge(rc+1)) {
		return nil, handshakeErr("check challenge reply", ErrChallengeReply)
	}

	key := make([]byte, SessionKeySize)
	iv := make([]byte, IVSize)
	if _, err := rand.Read(key); err != nil {
		return nil, handshakeErr("generate session key", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, handshakeErr("generate iv", err)
	}
	if err := writeSealed(rw, pub, key); err != nil {
		return nil, handshakeErr("send session key", err)
	}
	if err := writeSealed(rw, pub, iv); err != nil {
		return nil, handshakeErr("send iv", err)
	}

	ch, err := newChannel(cfg.Suite, key, iv, true)
	if err != nil {
		return nil, handshakeErr("derive keys", err)
	}
	ch.peerKey = der
	return ch, nil
}

// encodeChallenge is the 8-byte big-endian two's-complement form of rc.
func encodeChallenge(rc int64) []byte {
	out := make([]byte, ChallengeSize)
	binary.BigEndian.PutUint64(out, uint64(rc))
	return out
}

func writeSealed(w io.Writer, pub *rsa.PublicKey, msg []byte) error {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, msg, nil)
	if err != nil {
		return err
	}
	return WriteFrame(w, ct)
}

func readSealed(r io.Reader, keys *KeyPair, maxFrame, size int) ([]byte, error) {
	ct, err := ReadFrame(r, maxFrame)
	if err != nil {
		return nil, err
	}
	msg, err := rsa.DecryptOAEP(sha256.New(), nil, keys.Private, ct, nil)
	if err != nil {
		return nil, err
	}
	if len(msg) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(msg))
	}
	return msg, nil
}
