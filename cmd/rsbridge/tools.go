// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"

	"github.com/mcpbridge/rsbridge/internal/authresolver"
	"github.com/mcpbridge/rsbridge/internal/dispatcher"
	"github.com/mcpbridge/rsbridge/internal/reqctx"
	"github.com/mcpbridge/rsbridge/internal/refresher"
)

// registerBuiltinTools installs the small tool catalog this bridge ships
// out of the box. These two exist to exercise the auth resolver and
// refresher wiring end to end rather than to be a real tool surface.
func registerBuiltinTools(d *dispatcher.Dispatcher, ref *refresher.Refresher, providerCfg *refresher.ProviderConfig) {
	d.RegisterTool(dispatcher.Tool{
		Name:        "echo",
		Description: "Echoes the provided message back to the caller.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
			"required":   []string{"message"},
		},
		Handler: echoHandler,
	})

	d.RegisterTool(dispatcher.Tool{
		Name:        "whoami",
		Description: "Reports the upstream provider token bound to the current session, refreshing it if stale.",
		InputSchema: map[string]any{"type": "object"},
		Handler:     whoamiHandler(ref, providerCfg),
	})
}

func echoHandler(_ context.Context, args json.RawMessage, _ dispatcher.CallMeta) (dispatcher.ToolResult, error) {
	var in struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return dispatcher.ToolResult{}, err
	}
	return dispatcher.ToolResult{
		Content: []dispatcher.ContentBlock{{Type: "text", Text: in.Message}},
	}, nil
}

func whoamiHandler(ref *refresher.Refresher, providerCfg *refresher.ProviderConfig) dispatcher.ToolHandler {
	return func(ctx context.Context, _ json.RawMessage, _ dispatcher.CallMeta) (dispatcher.ToolResult, error) {
		rc, ok := reqctx.FromContext(ctx)
		if !ok {
			return dispatcher.ToolResult{
				Content: []dispatcher.ContentBlock{{Type: "text", Text: "no request context available"}},
				IsError: true,
			}, nil
		}
		resolved, _ := rc.Auth.(authresolver.ResolvedAuth)
		if resolved.RSToken == "" {
			return dispatcher.ToolResult{
				Content: []dispatcher.ContentBlock{{Type: "text", Text: "no resource-server token bound to this session"}},
			}, nil
		}

		result, err := ref.Ensure(ctx, resolved.RSToken, providerCfg)
		if err != nil || result.AccessToken == "" {
			return dispatcher.ToolResult{
				Content: []dispatcher.ContentBlock{{Type: "text", Text: "no upstream provider token on file"}},
			}, nil
		}
		return dispatcher.ToolResult{
			Content:           []dispatcher.ContentBlock{{Type: "text", Text: "provider token is active"}},
			StructuredContent: map[string]any{"refreshed": result.WasRefreshed},
		}, nil
	}
}
