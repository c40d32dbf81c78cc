// Package token holds the membership assertion presented with every file
// request. Tokens are issued elsewhere; the file server only reads and
// verifies them.
package token

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnsigned     = errors.New("token is not signed")
	ErrBadSignature = errors.New("token signature does not verify")
)

// Token asserts that Subject belongs to Groups.
type Token struct {
	Subject   string   `json:"subject"`
	Groups    []string `json:"groups"`
	Signature []byte   `json:"signature,omitempty"`
}

// New returns an unsigned token.
func New(subject string, groups ...string) *Token {
	return &Token{Subject: subject, Groups: append([]string(nil), groups...)}
}

// HasGroup reports whether group is one of the token's groups.
func (t *Token) HasGroup(group string) bool {
	if t == nil {
		return false
	}
	for _, g := range t.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// signingBytes is the subject, the group count and the sorted groups. Every
// string is prefixed with its big-endian uint32 length.
func (t *Token) signingBytes() []byte {
	groups := append([]string(nil), t.Groups...)
	sort.Strings(groups)

	var buf bytes.Buffer
	writeField(&buf, t.Subject)
	binary.Write(&buf, binary.BigEndian, uint32(len(groups)))
	for _, g := range groups {
		writeField(&buf, g)
	}
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.WriteString(s)
}

// Sign sets the token's signature using the issuer key.
func (t *Token) Sign(issuer ed25519.PrivateKey) {
	t.Signature = ed25519.Sign(issuer, t.signingBytes())
}

// Verifier decides whether a presented token is trusted.
type Verifier interface {
	Verify(t *Token) error
}

// TrustAll accepts every token as presented.
type TrustAll struct{}

func (TrustAll) Verify(*Token) error { return nil }

// IssuerVerifier accepts tokens signed by a single ed25519 issuer key.
type IssuerVerifier struct {
	Key ed25519.PublicKey
}

func (v IssuerVerifier) Verify(t *Token) error {
	if t == nil || len(t.Signature) == 0 {
		return ErrUnsigned
	}
	if !ed25519.Verify(v.Key, t.signingBytes(), t.Signature) {
		return ErrBadSignature
	}
	return nil
}

// NewVerifier builds a verifier from a hex-encoded issuer public key. An empty
// key yields TrustAll.
func NewVerifier(hexKey string) (Verifier, error) {
	if hexKey == "" {
		return TrustAll{}, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode issuer key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("issuer key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return IssuerVerifier{Key: ed25519.PublicKey(raw)}, nil
}
