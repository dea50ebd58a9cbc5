// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()
	token := EncodeCursor(42)
	offset, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, 42, offset)
}

func TestDecodeCursorEmptyIsFirstPage(t *testing.T) {
	t.Parallel()
	offset, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, 0, offset)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := DecodeCursor("not-valid-base64!!")
	assert.Error(t, err)
}

func TestPage_ConcatenatingAllPagesReproducesFullList(t *testing.T) {
	t.Parallel()
	items := make([]int, 237)
	for i := range items {
		items[i] = i
	}

	var reassembled []int
	cursor := ""
	for {
		page, next, err := Page(items, cursor, 50)
		require.NoError(t, err)
		reassembled = append(reassembled, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, items, reassembled)
}

func TestPage_OffsetPastEndReturnsEmptyPage(t *testing.T) {
	t.Parallel()
	items := []int{1, 2, 3}
	page, next, err := Page(items, EncodeCursor(10), 50)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, next)
}
