// Package crypto decrypts deployment credentials stored with the
// encrypted_* convention: AES-256-GCM, 12-byte IV, 16-byte tag, wire
// format base64(IV || TAG || CIPHERTEXT).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	ivSize  = 12
	tagSize = 16
)

type Decryptor struct {
	key [32]byte
}

// NewDecryptor derives the AES key as SHA-256 of the configured 64-hex
// secret. The secret is hashed as text, not decoded.
func NewDecryptor(secret string) *Decryptor {
	return &Decryptor{key: sha256.Sum256([]byte(secret))}
}

func (d *Decryptor) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < ivSize+tagSize {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(raw))
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ciphertext := raw[ivSize+tagSize:]

	block, err := aes.NewCipher(d.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	// Go's GCM wants the tag appended to the ciphertext.
	plaintext, err := gcm.Open(nil, iv, append(append([]byte{}, ciphertext...), tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// Encrypt produces the wire format Decrypt consumes. The gateway only
// reads credentials; this exists for seeding and tests.
func (d *Decryptor) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(d.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)

	return base64.StdEncoding.EncodeToString(out), nil
}
