package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

// UIDKey derives the per-user payload key.
func UIDKey(uid string) string {
	h := md5.New()
	h.Write([]byte(uid))
	return hex.EncodeToString(h.Sum(nil))
}

// Cipher obfuscates frame payloads on the wire, keyed per user. This
// is transport-level obfuscation, not end-to-end encryption.
type Cipher interface {
	Encrypt(key, plain string) string
	Decrypt(key, enc string) (string, error)
}

// aesCipher is AES-CFB with a random IV prefix, base64 encoded.
type aesCipher struct{}

func (aesCipher) Encrypt(key, plain string) string {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return plain
	}
	buf := make([]byte, aes.BlockSize+len(plain))
	iv := buf[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return plain
	}
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(buf[aes.BlockSize:], []byte(plain))
	return base64.StdEncoding.EncodeToString(buf)
}

func (aesCipher) Decrypt(key, enc string) (string, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	if len(raw) < aes.BlockSize {
		return "", errors.New("ciphertext too short")
	}
	iv, body := raw[:aes.BlockSize], raw[aes.BlockSize:]
	out := make([]byte, len(body))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, body)
	return string(out), nil
}

// isJSONText reports whether a frame looks like a plaintext JSON
// object. Unauthenticated first-contact frames arrive unobfuscated.
func isJSONText(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "{")
}
