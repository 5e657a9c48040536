// Package cryptox seals small values at rest with AES-GCM under a key
// derived from a configured secret.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"errors"

	"github.com/dmitrijs2005/famsync/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	keyLen   = 32
	nonceLen = 12
)

// ErrShortCiphertext is returned by Open when data cannot hold a nonce.
var ErrShortCiphertext = errors.New("ciphertext too short")

// DeriveKey stretches secret into a 256-bit AES key with argon2id.
func DeriveKey(secret []byte, salt []byte) []byte {
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, keyLen)
}

// Sealer encrypts JSON-serializable values. The output layout is
// nonce || ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the key from secret and salt and prepares the cipher.
func NewSealer(secret, salt []byte) (*Sealer, error) {
	key := DeriveKey(secret, salt)
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal serializes v to JSON and encrypts it with a fresh random nonce.
func (s *Sealer) Seal(v any) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plaintext)

	nonce := common.GenerateRandByteArray(nonceLen)
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal and unmarshals it into v.
func (s *Sealer) Open(data []byte, v any) error {
	if len(data) < nonceLen {
		return ErrShortCiphertext
	}
	plaintext, err := s.aead.Open(nil, data[:nonceLen], data[nonceLen:], nil)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plaintext)

	return json.Unmarshal(plaintext, v)
}
