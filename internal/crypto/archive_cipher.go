// Package crypto provides AES-256-GCM authenticated encryption for snapshot archives at
// rest. Each archive carries its own random PBKDF2 salt and GCM nonce in a short header,
// so one passphrase can seal any number of archives.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLength  = 32
	saltLength = 16

	// DefaultIterations is the PBKDF2 work factor for archive keys.
	DefaultIterations = 210000
)

var archiveMagic = []byte("BKPENC1")

var (
	// ErrPassphraseEmpty is returned when no archive passphrase is configured.
	ErrPassphraseEmpty = errors.New("crypto: archive passphrase is empty")
	// ErrCiphertextCorrupted is returned when the sealed payload is truncated or lacks the archive header.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when AES-GCM authentication fails, indicating tampering or a wrong passphrase.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
)

// ArchiveCipher seals and opens archive payloads with a passphrase-derived key.
type ArchiveCipher struct {
	passphrase []byte
	iterations int
}

// NewArchiveCipher creates a cipher for passphrase.
func NewArchiveCipher(passphrase string) (*ArchiveCipher, error) {
	if passphrase == "" {
		return nil, ErrPassphraseEmpty
	}
	return &ArchiveCipher{passphrase: []byte(passphrase), iterations: DefaultIterations}, nil
}

func (c *ArchiveCipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.passphrase, salt, c.iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext into magic || salt || nonce || ciphertext.
func (c *ArchiveCipher) Seal(plaintext []byte) ([]byte, error) {
	salt, err := GenerateSalt(saltLength)
	if err != nil {
		return nil, err
	}
	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(archiveMagic)+len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, archiveMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	// The header is authenticated as additional data.
	return aead.Seal(out, nonce, plaintext, out[:len(archiveMagic)+len(salt)]), nil
}

// Open decrypts a payload produced by Seal.
func (c *ArchiveCipher) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrCiphertextCorrupted
	}
	header := len(archiveMagic) + saltLength
	salt := sealed[len(archiveMagic):header]

	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	if len(sealed) < header+aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextCorrupted
	}
	nonce := sealed[header : header+aead.NonceSize()]

	plaintext, err := aead.Open(nil, nonce, sealed[header+aead.NonceSize():], sealed[:header])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// IsSealed reports whether data starts with the archive header.
func IsSealed(data []byte) bool {
	return len(data) > len(archiveMagic)+saltLength && bytes.HasPrefix(data, archiveMagic)
}

// GenerateSalt creates a cryptographically secure random salt
func GenerateSalt(length int) ([]byte, error) {
	if length < saltLength {
		length = saltLength
	}
	salt := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
