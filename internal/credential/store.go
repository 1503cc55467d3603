// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

// SealMap encrypts every value in a plaintext credential map, keyed by
// field name (e.g. "bot_token", "webhook_secret"), for storage inside
// a core.ConnectorInstance's Credentials field.
func (s *Sealer) SealMap(connectorID string, plaintext map[string]string) (map[string][]byte, error) {
	sealed := make(map[string][]byte, len(plaintext))
	for field, value := range plaintext {
		blob, err := s.Seal(connectorID, field, []byte(value))
		if err != nil {
			return nil, err
		}
		sealed[field] = blob
	}
	return sealed, nil
}

// UnsealMap decrypts every sealed credential field for connectorID,
// returning protected buffers the caller must Close when done using
// them (typically immediately after passing the value to the
// connector's start() call).
func (s *Sealer) UnsealMap(connectorID string, sealed map[string][]byte) (map[string]*SecretValue, error) {
	values := make(map[string]*SecretValue, len(sealed))
	for field, blob := range sealed {
		buffer, err := s.Unseal(connectorID, field, blob)
		if err != nil {
			for _, v := range values {
				v.buffer.Close()
			}
			return nil, err
		}
		values[field] = &SecretValue{buffer: buffer}
	}
	return values, nil
}

// SecretValue is a decrypted credential field, held in protected
// memory until Close is called.
type SecretValue struct {
	buffer interface {
		Bytes() []byte
		Close() error
	}
}

// String returns the decrypted value as a string. Prefer holding this
// for the shortest possible scope.
func (v *SecretValue) String() string { return string(v.buffer.Bytes()) }

// Close releases the protected memory backing this value.
func (v *SecretValue) Close() error { return v.buffer.Close() }
