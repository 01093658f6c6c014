// Package tokencipher encrypts OAuth secrets at rest.
//
// Stored values use the format "<ivHex>:<cipherHex>": AES-256-CBC with PKCS#7
// padding, a fresh 16-byte IV per value, and key = SHA-256(secret). Existing
// rows depend on this exact format, so changing it needs a re-encryption pass.
package tokencipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

var (
	// ErrMissingKey is returned when no encryption secret is configured.
	ErrMissingKey = errors.New("tokencipher: encryption key is not configured")

	// ErrIntegrity marks a stored value that cannot be decrypted with the
	// configured key. It signals corrupted storage or an unmigrated key
	// rotation and must never be treated as "no token".
	ErrIntegrity = errors.New("tokencipher: stored value failed integrity check")
)

// Cipher encrypts and decrypts token strings.
type Cipher struct {
	key  []byte
	rand io.Reader
}

// New derives the AES-256 key from secret. An empty secret is rejected.
func New(secret string) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingKey
	}
	sum := sha256.Sum256([]byte(secret))
	return &Cipher{key: sum[:], rand: rand.Reader}, nil
}

// Encrypt returns "<ivHex>:<cipherHex>" for plaintext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("tokencipher: init aes: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("tokencipher: generate iv: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Every failure wraps ErrIntegrity.
func (c *Cipher) Decrypt(value string) (string, error) {
	ivHex, bodyHex, ok := strings.Cut(value, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing iv separator", ErrIntegrity)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("%w: iv is not hex", ErrIntegrity)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: iv has %d bytes", ErrIntegrity, len(iv))
	}

	body, err := hex.DecodeString(bodyHex)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not hex", ErrIntegrity)
	}
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d is not block aligned", ErrIntegrity, len(body))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("tokencipher: init aes: %w", err)
	}

	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	// CBC has no MAC; a wrong key almost always shows up as bad padding,
	// and the UTF-8 check catches most of the rest.
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not valid utf-8", ErrIntegrity)
	}
	return string(plain), nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: invalid padding", ErrIntegrity)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrIntegrity)
		}
	}
	return b[:len(b)-n], nil
}
