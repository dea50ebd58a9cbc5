// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenstore

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, keySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	key := randomKey(t)
	aead, err := cipherFromKey(key)
	require.NoError(t, err)

	plaintext := []byte(`{"records":[]}`)
	sealed, err := encrypt(aead, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := decrypt(aead, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	t.Parallel()
	aead1, err := cipherFromKey(randomKey(t))
	require.NoError(t, err)
	aead2, err := cipherFromKey(randomKey(t))
	require.NoError(t, err)

	sealed, err := encrypt(aead1, []byte("secret"))
	require.NoError(t, err)

	_, err = decrypt(aead2, sealed)
	assert.Error(t, err)
}

func TestCipherFromKeyRejectsBadLength(t *testing.T) {
	t.Parallel()
	short := base64.RawURLEncoding.EncodeToString([]byte("too-short"))
	_, err := cipherFromKey(short)
	assert.Error(t, err)
}
