package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	ErrEncryptionKeyNotSet = errors.New("crypto: encryption key not configured")
	ErrCiphertextTooShort  = errors.New("crypto: ciphertext too short")
)

// ParseKey 接受 64 位十六进制或 16/24/32 字节原文
func ParseKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	if len(raw) == 64 {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	switch len(raw) {
	case 16, 24, 32:
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("crypto: key must be 64 hex chars or 16/24/32 bytes, got %d", len(raw))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, ErrEncryptionKeyNotSet
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt AES-GCM 加密，输出 base64(nonce||ciphertext)
func Encrypt(plaintext []byte, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
