package a2a

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	plaintext := []byte(`{"mode":"bearer","token":"secret-token"}`)
	blob, err := encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !bytes.HasPrefix([]byte(blob), []byte(encPrefix)) {
		t.Fatalf("blob missing prefix: %s", blob)
	}

	got, err := decrypt(key, []byte(blob))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("got %s, want %s", got, plaintext)
	}
}

func TestDecryptLegacyPlaintextPassesThrough(t *testing.T) {
	t.Parallel()

	legacy := []byte(`{"mode":"headers","headers":{"x-foo":"bar"}}`)
	got, err := decrypt(nil, legacy)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, legacy) {
		t.Errorf("got %s, want passthrough of legacy plaintext", got)
	}
}

func TestResolveEncryptionKeyFallsBackToAdminKey(t *testing.T) {
	t.Parallel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	key := resolveEncryptionKey("", "a-sufficiently-long-admin-key-value", log)
	if len(key) != 32 {
		t.Fatalf("expected 32-byte derived key, got %d bytes", len(key))
	}
}

func TestResolveEncryptionKeyNilWhenUnavailable(t *testing.T) {
	t.Parallel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	if key := resolveEncryptionKey("", "", log); key != nil {
		t.Errorf("expected nil key, got %d bytes", len(key))
	}
}
