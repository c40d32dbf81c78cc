package session

import (
	"fmt"

	"github.com/flynn/noise"
)

// Suite selects the primitives used by the handshake and the channel.
type Suite struct {
	KeyBits int
	Cipher  noise.CipherFunc
	Hash    noise.HashFunc
}

// DefaultSuite is RSA-2048, ChaCha20-Poly1305 and SHA-256.
func DefaultSuite() Suite {
	return Suite{
		KeyBits: 2048,
		Cipher:  noise.CipherChaChaPoly,
		Hash:    noise.HashSHA256,
	}
}

// NewSuite resolves primitive names as they appear in the configuration.
func NewSuite(keyBits int, cipherName, hashName string) (Suite, error) {
	s := DefaultSuite()
	if keyBits > 0 {
		s.KeyBits = keyBits
	}

	switch cipherName {
	case "", noise.CipherChaChaPoly.CipherName():
		s.Cipher = noise.CipherChaChaPoly
	case noise.CipherAESGCM.CipherName():
		s.Cipher = noise.CipherAESGCM
	default:
		return Suite{}, fmt.Errorf("unknown cipher %q", cipherName)
	}

	switch hashName {
	case "", noise.HashSHA256.HashName():
		s.Hash = noise.HashSHA256
	case noise.HashSHA512.HashName():
		s.Hash = noise.HashSHA512
	case noise.HashBLAKE2b.HashName():
		s.Hash = noise.HashBLAKE2b
	case noise.HashBLAKE2s.HashName():
		s.Hash = noise.HashBLAKE2s
	default:
		return Suite{}, fmt.Errorf("unknown hash %q", hashName)
	}

	return s, nil
}

func (s Suite) String() string {
	return fmt.Sprintf("RSA%d_%s_%s", s.KeyBits, s.Cipher.CipherName(), s.Hash.HashName())
}
