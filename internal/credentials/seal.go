// Package credentials seals adapter secrets with AES-GCM under an
// scrypt-derived key and hands out opaque references so plaintext never
// appears in envelopes, logs, or telemetry.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// MinPassphraseLength is the shortest accepted sealing passphrase.
const MinPassphraseLength = 32

const (
	saltLength = 16
	keyLength  = 32

	// scrypt work parameters.
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// ErrPassphraseTooShort rejects weak sealing passphrases.
var ErrPassphraseTooShort = fmt.Errorf("credentials: passphrase must be at least %d characters", MinPassphraseLength)

// ErrDecryptFailed covers any tampered or wrong-key ciphertext. The cause is
// deliberately not distinguished.
var ErrDecryptFailed = errors.New("credentials: decrypt failed")

// Seal encrypts plaintext under the passphrase. The returned blob carries
// salt, nonce and GCM tag inline: salt || nonce || ciphertext+tag.
func Seal(passphrase, plaintext []byte) ([]byte, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, ErrPassphraseTooShort
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := deriveGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	blob := make([]byte, 0, saltLength+len(nonce)+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	return gcm.Seal(blob, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob. Any altered byte, including salt, nonce or
// tag, yields ErrDecryptFailed.
func Open(passphrase, blob []byte) ([]byte, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, ErrPassphraseTooShort
	}
	if len(blob) < saltLength {
		return nil, ErrDecryptFailed
	}
	salt, rest := blob[:saltLength], blob[saltLength:]
	gcm, err := deriveGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func deriveGCM(passphrase, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
