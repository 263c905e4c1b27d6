package a2a

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// encPrefix marks an encrypted authentication blob, version 1: the format is
// "enc:v1:<iv-b64>:<tag-b64>:<ct-b64>" (spec.md §4.7 "Encryption key
// selection"). Rows without the prefix are legacy plaintext JSON.
const encPrefix = "enc:v1:"

// resolveEncryptionKey implements spec.md §4.7's key selection fallback
// chain: an explicit 32-byte key (base64, hex, or UTF-8 hashed down to 32
// bytes), else a key derived from the admin key (with a logged warning),
// else nil — callers must then refuse to persist push authentication.
func resolveEncryptionKey(configured, adminKey string, log *slog.Logger) []byte {
	if configured != "" {
		if key, ok := decode32(configured); ok {
			return key
		}
		if len(configured) >= 32 {
			sum := sha256.Sum256([]byte(configured))
			return sum[:]
		}
		log.Warn("A2A_PUSH_AUTH_ENCRYPTION_KEY is set but too short to derive a key; ignoring")
	}
	if adminKey != "" {
		log.Warn("push auth encryption key not configured, deriving from admin key")
		sum := sha256.Sum256([]byte(adminKey))
		return sum[:]
	}
	return nil
}

// decode32 tries base64 then hex decoding of s, accepting only a 32-byte result.
func decode32(s string) ([]byte, bool) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, true
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, true
	}
	return nil, false
}

// encrypt seals plaintext with AES-256-GCM under key, returning the
// "enc:v1:..." encoded form.
func encrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagSize := gcm.Overhead()
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return encPrefix + strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, ":"), nil
}

// decrypt reverses encrypt. Rows without the enc:v1: prefix are returned
// verbatim as legacy plaintext JSON.
func decrypt(key []byte, raw []byte) ([]byte, error) {
	s := string(raw)
	if !strings.HasPrefix(s, encPrefix) {
		return raw, nil
	}
	if key == nil {
		return nil, fmt.Errorf("push auth encryption key unavailable, cannot decrypt")
	}

	parts := strings.Split(strings.TrimPrefix(s, encPrefix), ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed encrypted push auth blob")
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt push auth: %w", err)
	}
	return plaintext, nil
}
