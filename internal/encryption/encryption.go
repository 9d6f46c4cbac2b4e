// Package encryption provides the encryption service consumed by the
// object store. Pieces are sealed with XChaCha20-Poly1305; the key is
// loaded from (or created at) a key file next to the data directory.
package encryption

import (
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// Service seals piece bytes before they reach the key-value store and
// opens them on the way back. Implementations are opaque to the rest of
// the core.
type Service interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// XChaChaService is the production Service, an XChaCha20-Poly1305 AEAD
// with a random per-piece nonce prepended to the ciphertext.
type XChaChaService struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewFromKeyFile loads the 32-byte key at path, generating and persisting
// a fresh key when the file does not exist yet.
func NewFromKeyFile(path string) (*XChaChaService, error) {
	key, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		if err := os.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("persist key %s: %w", path, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}

	return NewWithKey(key)
}

func NewWithKey(key []byte) (*XChaChaService, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &XChaChaService{aead: aead}, nil
}

func (s *XChaChaService) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *XChaChaService) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed piece too short: %d bytes", len(sealed))
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	plain, err := s.aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed piece: %w", err)
	}
	return plain, nil
}

// Passthrough stores pieces unsealed. Tests use it so stored bytes stay
// inspectable.
type Passthrough struct{}

func (Passthrough) Encrypt(plain []byte) ([]byte, error)  { return plain, nil }
func (Passthrough) Decrypt(sealed []byte) ([]byte, error) { return sealed, nil }

var _ Service = (*XChaChaService)(nil)
var _ Service = Passthrough{}
