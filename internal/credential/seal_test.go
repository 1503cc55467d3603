// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	root := make([]byte, RootKeySize)
	if _, err := rand.Read(root); err != nil {
		t.Fatal(err)
	}
	sealer, err := NewSealer(root)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return sealer
}

func TestSealUnseal_RoundTrip(t *testing.T) {
	t.Parallel()

	sealer := testSealer(t)
	plaintext := []byte("super-secret-bot-token")

	blob, err := sealer.Seal("telegram-main", "bot_token", plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(blob, plaintext) {
		t.Fatal("sealed blob contains the plaintext verbatim")
	}

	buffer, err := sealer.Unseal("telegram-main", "bot_token", blob)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), plaintext) {
		t.Errorf("Unseal = %q, want %q", buffer.Bytes(), plaintext)
	}
}

func TestUnseal_WrongFieldFails(t *testing.T) {
	t.Parallel()

	sealer := testSealer(t)
	blob, err := sealer.Seal("telegram-main", "bot_token", []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := sealer.Unseal("telegram-main", "webhook_secret", blob); err == nil {
		t.Error("Unseal with mismatched field succeeded, want error")
	}
}

func TestUnseal_WrongConnectorFails(t *testing.T) {
	t.Parallel()

	sealer := testSealer(t)
	blob, err := sealer.Seal("telegram-main", "bot_token", []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := sealer.Unseal("telegram-backup", "bot_token", blob); err == nil {
		t.Error("Unseal with mismatched connector id succeeded, want error")
	}
}
