// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pagination implements the base64-JSON cursor used by the MCP
// Dispatcher's list methods.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type cursor struct {
	Offset int `json:"offset"`
}

// EncodeCursor produces an opaque continuation token for offset.
func EncodeCursor(offset int) string {
	raw, _ := json.Marshal(cursor{Offset: offset})
	return base64.URLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a cursor token produced by EncodeCursor. An empty
// token decodes to offset 0 (first page).
func DecodeCursor(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	if c.Offset < 0 {
		return 0, fmt.Errorf("invalid cursor: negative offset")
	}
	return c.Offset, nil
}

// Page slices items[offset:offset+limit] and returns the next cursor, or
// "" if the returned page reaches the end of items.
func Page[T any](items []T, cursorToken string, limit int) ([]T, string, error) {
	offset, err := DecodeCursor(cursorToken)
	if err != nil {
		return nil, "", err
	}
	if offset >= len(items) {
		return []T{}, "", nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	page := items[offset:end]
	next := ""
	if end < len(items) {
		next = EncodeCursor(end)
	}
	return page, next, nil
}
