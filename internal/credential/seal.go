// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential seals and unseals connector credentials
// (bot tokens, API keys, webhook secrets) at rest. It is grounded on
// the encryption scheme from the teacher's now-removed
// lib/artifactstore/encrypt.go: a root key feeds HKDF-SHA256 with a
// per-item, domain-separated info string to derive a one-time XChaCha20-
// Poly1305 key, avoiding key reuse across credentials without needing
// a key-rotation story for the root key itself. Decrypted plaintext is
// handed to callers inside a lib/secret.Buffer so it never lingers in
// ordinary, swappable, core-dumpable heap memory.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/agent-forge/agentforge/lib/secret"
)

// RootKeySize is the required length of the root key passed to
// NewSealer, matching chacha20poly1305's 256-bit key size.
const RootKeySize = chacha20poly1305.KeySize

// infoPrefix domain-separates credential-sealing key derivation from
// any other subsystem that might one day derive keys from the same
// root secret.
const infoPrefix = "agentforge-credential-seal-v1:"

// Sealer encrypts and decrypts connector credential values using a
// single root key held for the process lifetime.
type Sealer struct {
	rootKey [RootKeySize]byte
}

// NewSealer returns a Sealer bound to rootKey, which must be exactly
// RootKeySize bytes (e.g. loaded from a KMS, an environment variable
// decoded from base64, or a file under restrictive permissions — key
// provisioning is a deployment concern outside this package's scope).
func NewSealer(rootKey []byte) (*Sealer, error) {
	if len(rootKey) != RootKeySize {
		return nil, fmt.Errorf("credential: root key must be %d bytes, got %d", RootKeySize, len(rootKey))
	}
	s := &Sealer{}
	copy(s.rootKey[:], rootKey)
	return s, nil
}

// Seal encrypts plaintext under a key derived for (connectorID, field),
// returning nonce||ciphertext suitable for storing as a single opaque
// blob.
func (s *Sealer) Seal(connectorID, field string, plaintext []byte) ([]byte, error) {
	key, err := s.deriveKey(connectorID, field)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(key[:])

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("credential: build aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credential: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, []byte(connectorID+"/"+field))
	return append(nonce, sealed...), nil
}

// Unseal decrypts a blob produced by Seal for the same (connectorID,
// field), returning the plaintext inside a protected secret.Buffer.
func (s *Sealer) Unseal(connectorID, field string, blob []byte) (*secret.Buffer, error) {
	key, err := s.deriveKey(connectorID, field)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(key[:])

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("credential: build aead: %w", err)
	}

	nonceSize := aead.NonceSize()
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("credential: sealed blob too short")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(connectorID+"/"+field))
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt: %w", err)
	}
	defer secret.Zero(plaintext)

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		return nil, fmt.Errorf("credential: protect plaintext: %w", err)
	}
	return buffer, nil
}

func (s *Sealer) deriveKey(connectorID, field string) ([chacha20poly1305.KeySize]byte, error) {
	var key [chacha20poly1305.KeySize]byte

	info := infoPrefix + connectorID + "/" + field
	reader := hkdf.New(sha256.New, s.rootKey[:], nil, []byte(info))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("credential: derive key: %w", err)
	}
	return key, nil
}
