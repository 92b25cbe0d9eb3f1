package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const nonceSize = 12

var (
	// ErrNoActiveKey indicates a seal or open attempt without key material.
	ErrNoActiveKey = errors.New("vault: no active encryption key")
	// ErrDecryptionFailed covers every way an envelope can fail to open.
	ErrDecryptionFailed = errors.New("vault: decryption failed")
)

// Envelope is the durable `{iv, data}` shape of one sealed value.
type Envelope struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// ParseEnvelope decodes the serialized envelope string.
func ParseEnvelope(raw string) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}
	if envelope.IV == "" || envelope.Data == "" {
		return Envelope{}, fmt.Errorf("%w: incomplete envelope", ErrDecryptionFailed)
	}
	return envelope, nil
}

// IsEnvelope reports whether raw parses as an envelope. It says nothing about the key.
func IsEnvelope(raw string) bool {
	_, err := ParseEnvelope(raw)
	return err == nil
}

// Seal marshals value to JSON and seals it.
func Seal(key Key, value any) (string, error) {
	if key.IsZero() {
		return "", ErrNoActiveKey
	}
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("vault: marshal plaintext: %w", err)
	}
	return SealBytes(key, plaintext)
}

// SealBytes seals already-serialized plaintext under a fresh random nonce.
func SealBytes(key Key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	encoded, err := json.Marshal(Envelope{
		IV:   base64.StdEncoding.EncodeToString(nonce),
		Data: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", fmt.Errorf("vault: marshal envelope: %w", err)
	}
	return string(encoded), nil
}

// Open decrypts an envelope and unmarshals the plaintext into target.
func Open(key Key, envelope string, target any) error {
	plaintext, err := OpenBytes(key, envelope)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, target); err != nil {
		return fmt.Errorf("%w: plaintext is not json", ErrDecryptionFailed)
	}
	return nil
}

// OpenBytes decrypts an envelope and returns the authenticated plaintext.
func OpenBytes(key Key, envelope string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	parsed, err := ParseEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(parsed.IV)
	if err != nil || len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: invalid iv", ErrDecryptionFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parsed.Data)
	if err != nil || len(ciphertext) < gcm.Overhead() {
		return nil, fmt.Errorf("%w: invalid data", ErrDecryptionFailed)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key Key) (cipher.AEAD, error) {
	if key.IsZero() {
		return nil, ErrNoActiveKey
	}
	block, err := aes.NewCipher(key.material)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
