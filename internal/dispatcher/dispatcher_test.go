// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbridge/rsbridge/internal/reqctx"
)

func msg(id int, method string, params string) Message {
	var raw json.RawMessage
	if id != 0 {
		raw = json.RawMessage([]byte(`"` + strconv.Itoa(id) + `"`))
	}
	return Message{JSONRPC: "2.0", ID: raw, Method: method, Params: json.RawMessage(params)}
}

func TestDispatch_InitializeNegotiatesKnownVersion(t *testing.T) {
	t.Parallel()
	d := New(ServerInfo{Title: "bridge", Version: "1.0.0"}, reqctx.NewRegistry())
	resp := d.Dispatch(context.Background(), "sess-1", msg(1, "initialize", `{"protocolVersion":"2025-06-18","clientInfo":{"name":"t","version":"0"}}`), nil)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, "2025-06-18", result["protocolVersion"])
	caps := result["capabilities"].(map[string]any)
	tools := caps["tools"].(map[string]any)
	assert.Equal(t, true, tools["listChanged"])
}

func TestDispatch_InitializeNegotiatesDownUnknownVersion(t *testing.T) {
	t.Parallel()
	d := New(ServerInfo{}, reqctx.NewRegistry())
	resp := d.Dispatch(context.Background(), "sess-1", msg(1, "initialize", `{"protocolVersion":"1999-01-01"}`), nil)
	result := resp.Result.(map[string]any)
	assert.Equal(t, LatestProtocolVersion, result["protocolVersion"])
}

func TestDispatch_UnknownMethodReturnsMethodNotFound(t *testing.T) {
	t.Parallel()
	d := New(ServerInfo{}, reqctx.NewRegistry())
	resp := d.Dispatch(context.Background(), "sess-1", msg(1, "bogus/method", `{}`), nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestDispatch_NotificationReturnsNilResponse(t *testing.T) {
	t.Parallel()
	d := New(ServerInfo{}, reqctx.NewRegistry())
	m := Message{JSONRPC: "2.0", Method: "notifications/initialized"}
	resp := d.Dispatch(context.Background(), "sess-1", m, nil)
	assert.Nil(t, resp)
}

func TestDispatch_ToolsListReturnsRegisteredTools(t *testing.T) {
	t.Parallel()
	d := New(ServerInfo{}, reqctx.NewRegistry())
	d.RegisterTool(Tool{Name: "echo", Description: "echoes input"})
	resp := d.Dispatch(context.Background(), "sess-1", msg(1, "tools/list", `{}`), nil)
	result := resp.Result.(map[string]any)
	tools := result["tools"].([]map[string]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0]["name"])
}

func TestDispatch_ToolsCallUnknownToolReturnsMethodNotFound(t *testing.T) {
	t.Parallel()
	d := New(ServerInfo{}, reqctx.NewRegistry())
	resp := d.Dispatch(context.Background(), "sess-1", msg(1, "tools/call", `{"name":"missing","arguments":{}}`), nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestDispatch_ToolsCallInvalidInputReturnsErrorResult(t *testing.T) {
	t.Parallel()
	d := New(ServerInfo{}, reqctx.NewRegistry())
	d.RegisterTool(Tool{
		Name: "fail",
		Handler: func(_ context.Context, _ json.RawMessage, _ CallMeta) (ToolResult, error) {
			return ToolResult{}, errors.New("bad args")
		},
	})
	resp := d.Dispatch(context.Background(), "sess-1", msg(1, "tools/call", `{"name":"fail","arguments":{}}`), nil)
	require.Nil(t, resp.Error)
	result := resp.Result.(ToolResult)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Invalid input")
}

func TestDispatch_ToolsCallCancelledBeforeCompletionReturnsCancellationError(t *testing.T) {
	t.Parallel()
	registry := reqctx.NewRegistry()
	d := New(ServerInfo{}, registry)

	started := make(chan any, 1)
	d.RegisterTool(Tool{
		Name: "slow",
		Handler: func(ctx context.Context, _ json.RawMessage, meta CallMeta) (ToolResult, error) {
			started <- meta.RequestID
			for i := 0; i < 200; i++ {
				rc, ok := reqctx.FromContext(ctx)
				if ok && rc.Cancellation.IsCancelled() {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			return ToolResult{Content: []ContentBlock{{Type: "text", Text: "done"}}}, nil
		},
	})

	done := make(chan *Response, 1)
	go func() {
		done <- d.Dispatch(context.Background(), "sess-1", msg(1, "tools/call", `{"name":"slow","arguments":{}}`), nil)
	}()

	requestID := <-started
	raw, _ := json.Marshal(requestID)
	cancelMsg := Message{
		JSONRPC: "2.0",
		Method:  "notifications/cancelled",
		Params:  json.RawMessage(`{"requestId":` + string(raw) + `,"reason":"abort"}`),
	}
	d.Dispatch(context.Background(), "sess-1", cancelMsg, nil)

	resp := <-done
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.Equal(t, "Request was cancelled", resp.Error.Message)
	_ = registry.Close()
}

func TestDispatch_SetLevelRejectsUnknownLevel(t *testing.T) {
	t.Parallel()
	d := New(ServerInfo{}, reqctx.NewRegistry())
	resp := d.Dispatch(context.Background(), "sess-1", msg(1, "logging/setLevel", `{"level":"verbose"}`), nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestDispatch_PromptsListPaginates(t *testing.T) {
	t.Parallel()
	d := New(ServerInfo{}, reqctx.NewRegistry())
	for i := 0; i < 5; i++ {
		d.RegisterPrompt(Prompt{Name: strconv.Itoa(i)})
	}
	resp := d.Dispatch(context.Background(), "sess-1", msg(1, "prompts/list", `{}`), nil)
	result := resp.Result.(map[string]any)
	prompts := result["prompts"].([]Prompt)
	assert.Len(t, prompts, 5)
	assert.Nil(t, result["nextCursor"])
}
