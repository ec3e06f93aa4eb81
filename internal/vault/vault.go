// Package vault encrypts vendor credential blobs at rest using AES-256-GCM
// with a per-operation scrypt-derived key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	blobVersion = 0x01
	saltSize    = 16
	nonceSize   = 12

	// scrypt parameters; N=32768 keeps derivation under ~100ms on
	// commodity hardware while staying above interactive-login defaults.
	scryptN = 32768
	scryptR = 8
	scryptP = 1
	keySize = 32
)

var (
	ErrEmptyPassphrase = errors.New("vault: passphrase is empty")
	// ErrDecrypt covers wrong passphrase, truncated blobs, and tampered
	// ciphertext alike; callers must treat all three as hard failures.
	ErrDecrypt = errors.New("vault: decryption failed")
)

// Vault performs symmetric encryption of opaque secret blobs. The zero
// value is unusable; construct with New.
type Vault struct {
	passphrase []byte
}

func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	return &Vault{passphrase: []byte(passphrase)}, nil
}

// Encrypt seals plaintext into a self-describing blob:
// version || salt || nonce || ciphertext+tag. Salt and nonce are fresh
// per call, so identical plaintexts never produce identical blobs.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: read salt: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: read nonce: %w", err)
	}

	blob := make([]byte, 0, 1+saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	blob = append(blob, blobVersion)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	return gcm.Seal(blob, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Any malformed, truncated, or
// tampered input returns ErrDecrypt; plaintext is never returned
// unauthenticated.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < 1+saltSize+nonceSize {
		return nil, ErrDecrypt
	}
	if blob[0] != blobVersion {
		return nil, ErrDecrypt
	}

	salt := blob[1 : 1+saltSize]
	nonce := blob[1+saltSize : 1+saltSize+nonceSize]
	ciphertext := blob[1+saltSize+nonceSize:]

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(v.passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
