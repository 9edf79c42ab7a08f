package calendar

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var ErrUnseal = errors.New("unable to unseal credential")

// Sealer encrypts refresh tokens at rest with NaCl secretbox.
type Sealer struct {
	key [32]byte
}

// NewSealerFromHex parses a 64-character hex key.
func NewSealerFromHex(hexKey string) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode seal key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("seal key must be 32 bytes, got %d", len(raw))
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrUnseal
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrUnseal
	}
	return out, nil
}
