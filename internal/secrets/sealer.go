// Package secrets seals device passwords at rest.
//
// A sealed value is "salt:iv:ciphertext:tag", all hex. The key is derived per
// value with PBKDF2-SHA512 from the master key and a random salt; the cipher is
// AES-256-GCM with a 16-byte IV.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen    = 64
	ivLen      = 16
	tagLen     = 16
	keyLen     = 32
	iterations = 100000
)

var (
	ErrMalformed = errors.New("secrets: malformed sealed value")
	ErrNoKey     = errors.New("secrets: encryption key not configured")
)

type Sealer struct {
	master []byte
}

func NewSealer(masterKey string) (*Sealer, error) {
	if masterKey == "" {
		return nil, ErrNoKey
	}
	return &Sealer{master: []byte(masterKey)}, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.master, salt, iterations, keyLen, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivLen)
}

func (s *Sealer) Seal(plain string) (string, error) {
	salt := make([]byte, saltLen)
	iv := make([]byte, ivLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("secrets: salt: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secrets: iv: %w", err)
	}
	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}
	out := gcm.Seal(nil, iv, []byte(plain), nil)
	ct, tag := out[:len(out)-tagLen], out[len(out)-tagLen:]
	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(iv),
		hex.EncodeToString(ct),
		hex.EncodeToString(tag),
	}, ":"), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	salt, iv, ct, tag, err := split(sealed)
	if err != nil {
		return "", err
	}
	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether s has the sealed shape. Plaintext written before
// encryption was enabled will not.
func IsSealed(s string) bool {
	_, _, _, _, err := split(s)
	return err == nil
}

func split(sealed string) (salt, iv, ct, tag []byte, err error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 4 {
		return nil, nil, nil, nil, ErrMalformed
	}
	decoded := make([][]byte, 4)
	for i, p := range parts {
		b, derr := hex.DecodeString(p)
		if derr != nil {
			return nil, nil, nil, nil, ErrMalformed
		}
		decoded[i] = b
	}
	salt, iv, ct, tag = decoded[0], decoded[1], decoded[2], decoded[3]
	if len(salt) != saltLen || len(iv) != ivLen || len(tag) != tagLen {
		return nil, nil, nil, nil, ErrMalformed
	}
	return salt, iv, ct, tag, nil
}
