// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher implements the MCP Dispatcher (C7): JSON-RPC 2.0
// request/notification handling over Streamable HTTP.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcpbridge/rsbridge/internal/authresolver"
	"github.com/mcpbridge/rsbridge/internal/logger"
	"github.com/mcpbridge/rsbridge/internal/pagination"
	"github.com/mcpbridge/rsbridge/internal/reqctx"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// SupportedProtocolVersions is the negotiated set, newest first. It is the
// single source of truth used both to validate an incoming
// MCP-Protocol-Version header and to negotiate initialize's protocolVersion
// down to LatestProtocolVersion when a client offers something unrecognized.
var SupportedProtocolVersions = []string{
	"2025-11-25",
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
	"2024-10-07",
}

// LatestProtocolVersion is returned when a client offers an unrecognized
// version.
const LatestProtocolVersion = "2025-11-25"

var validLogLevels = map[string]struct{}{
	"debug": {}, "info": {}, "notice": {}, "warning": {},
	"error": {}, "critical": {}, "alert": {}, "emergency": {},
}

// Message is a single JSON-RPC 2.0 request or notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether m carries no id field.
func (m Message) IsNotification() bool {
	return len(m.ID) == 0
}

// Response is a single JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ToolHandler invokes a registered tool.
type ToolHandler func(ctx context.Context, args json.RawMessage, meta CallMeta) (ToolResult, error)

// CallMeta is passed to a tool handler alongside the ambient auth snapshot.
type CallMeta struct {
	ProgressToken any
	RequestID     any
}

// ToolResult is the tools/call outcome.
type ToolResult struct {
	Content           []ContentBlock `json:"content"`
	IsError           bool           `json:"isError,omitempty"`
	StructuredContent any            `json:"structuredContent,omitempty"`
}

// ContentBlock is a single content item in a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Tool is a registered tool's metadata plus handler.
type Tool struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
	Annotations  map[string]any
	Handler      ToolHandler
}

// Resource, ResourceTemplate, Prompt are the remaining listable MCP
// entities; they carry no invocation handler in this bridge, only listing
// metadata.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ServerInfo identifies this server in the initialize handshake.
type ServerInfo struct {
	Title        string
	Version      string
	Instructions string
}

// Dispatcher holds the registered tool/resource/prompt catalog and routes
// incoming JSON-RPC messages to their handlers.
type Dispatcher struct {
	info      ServerInfo
	registry  *reqctx.Registry
	tools     []Tool
	resources []Resource
	templates []ResourceTemplate
	prompts   []Prompt
}

// New constructs a Dispatcher.
func New(info ServerInfo, registry *reqctx.Registry) *Dispatcher {
	return &Dispatcher{info: info, registry: registry}
}

// RegisterTool adds a tool to the catalog.
func (d *Dispatcher) RegisterTool(t Tool) {
	d.tools = append(d.tools, t)
}

// RegisterResource adds a resource to the catalog.
func (d *Dispatcher) RegisterResource(r Resource) {
	d.resources = append(d.resources, r)
}

// RegisterResourceTemplate adds a resource template to the catalog.
func (d *Dispatcher) RegisterResourceTemplate(rt ResourceTemplate) {
	d.templates = append(d.templates, rt)
}

// RegisterPrompt adds a prompt to the catalog.
func (d *Dispatcher) RegisterPrompt(p Prompt) {
	d.prompts = append(d.prompts, p)
}

// Dispatch handles a single JSON-RPC message within sessionID, with auth
// pre-resolved by the caller (C4) into an AuthSnapshot. It returns nil for
// notifications that produce no response body.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, msg Message, auth reqctx.AuthSnapshot) *Response {
	if msg.IsNotification() {
		d.handleNotification(ctx, sessionID, msg)
		return nil
	}

	var rc *reqctx.RequestContext
	var requestID any
	_ = json.Unmarshal(msg.ID, &requestID)
	if d.registry != nil {
		rc = d.registry.Create(requestID, sessionID, auth)
		defer d.registry.Delete(requestID)
	}

	result, rpcErr := d.route(ctx, msg, rc, auth)
	resp := &Response{JSONRPC: "2.0", ID: msg.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func (d *Dispatcher) handleNotification(ctx context.Context, sessionID string, msg Message) {
	switch msg.Method {
	case "notifications/initialized":
		logger.Debugw("session initialized notification received", "component", "dispatcher", "sessionID", sessionID)
	case "notifications/cancelled":
		var params struct {
			RequestID any    `json:"requestId"`
			Reason    string `json:"reason"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Debugw("malformed notifications/cancelled payload", "component", "dispatcher", "error", err)
			return
		}
		var reason error
		if params.Reason != "" {
			reason = fmt.Errorf("%s", params.Reason)
		}
		if d.registry == nil || !d.registry.Cancel(params.RequestID, reason) {
			logger.Debugw("cancellation targeted an unknown requestId", "component", "dispatcher", "requestId", params.RequestID)
		}
	default:
		logger.Debugw("unhandled notification", "component", "dispatcher", "method", msg.Method)
	}
	_ = ctx
}

func (d *Dispatcher) route(ctx context.Context, msg Message, rc *reqctx.RequestContext, auth reqctx.AuthSnapshot) (any, *RPCError) {
	switch msg.Method {
	case "initialize":
		return d.handleInitialize(msg.Params)
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return d.handleToolsList(msg.Params)
	case "tools/call":
		return d.handleToolsCall(ctx, msg.Params, rc, auth)
	case "resources/list":
		return d.handleResourcesList(msg.Params)
	case "resources/templates/list":
		return d.handleResourceTemplatesList(msg.Params)
	case "prompts/list":
		return d.handlePromptsList(msg.Params)
	case "logging/setLevel":
		return d.handleSetLevel(msg.Params)
	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", msg.Method)}
	}
}

func (d *Dispatcher) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var in struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid params"}
		}
	}

	negotiated := LatestProtocolVersion
	for _, v := range SupportedProtocolVersions {
		if v == in.ProtocolVersion {
			negotiated = v
			break
		}
	}

	return map[string]any{
		"protocolVersion": negotiated,
		"capabilities": map[string]any{
			"logging":   map[string]any{},
			"prompts":   map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true, "subscribe": true},
			"tools":     map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    d.info.Title,
			"version": d.info.Version,
		},
		"instructions": d.info.Instructions,
	}, nil
}

func (d *Dispatcher) handleToolsList(params json.RawMessage) (any, *RPCError) {
	cursor, rpcErr := cursorFrom(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	descriptors := make([]map[string]any, 0, len(d.tools))
	for _, t := range d.tools {
		descriptors = append(descriptors, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"inputSchema":  t.InputSchema,
			"outputSchema": t.OutputSchema,
			"annotations":  t.Annotations,
		})
	}
	page, next, err := pagination.Page(descriptors, cursor, 50)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return map[string]any{"tools": page, "nextCursor": emptyAsOmit(next)}, nil
}

func (d *Dispatcher) handleResourcesList(params json.RawMessage) (any, *RPCError) {
	cursor, rpcErr := cursorFrom(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	page, next, err := pagination.Page(d.resources, cursor, 50)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return map[string]any{"resources": page, "nextCursor": emptyAsOmit(next)}, nil
}

func (d *Dispatcher) handleResourceTemplatesList(params json.RawMessage) (any, *RPCError) {
	cursor, rpcErr := cursorFrom(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	page, next, err := pagination.Page(d.templates, cursor, 100)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return map[string]any{"resourceTemplates": page, "nextCursor": emptyAsOmit(next)}, nil
}

func (d *Dispatcher) handlePromptsList(params json.RawMessage) (any, *RPCError) {
	cursor, rpcErr := cursorFrom(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	page, next, err := pagination.Page(d.prompts, cursor, 50)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return map[string]any{"prompts": page, "nextCursor": emptyAsOmit(next)}, nil
}

func (d *Dispatcher) handleSetLevel(params json.RawMessage) (any, *RPCError) {
	var in struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid params"}
	}
	if _, ok := validLogLevels[in.Level]; !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown log level: %s", in.Level)}
	}
	return map[string]any{}, nil
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, params json.RawMessage, rc *reqctx.RequestContext, auth reqctx.AuthSnapshot) (any, *RPCError) {
	var in struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Meta      struct {
			ProgressToken any `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid params"}
	}

	var tool *Tool
	for i := range d.tools {
		if d.tools[i].Name == in.Name {
			tool = &d.tools[i]
			break
		}
	}
	if tool == nil {
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown tool: %s", in.Name)}
	}

	var requestID any
	if rc != nil {
		requestID = rc.RequestID
	}
	meta := CallMeta{ProgressToken: in.Meta.ProgressToken, RequestID: requestID}

	invokeCtx := ctx
	if rc != nil {
		invokeCtx = reqctx.WithContext(ctx, rc)
		if err := rc.Cancellation.ThrowIfCancelled(); err != nil {
			return toolCancelledError()
		}
	}

	result, err := tool.Handler(invokeCtx, in.Arguments, meta)

	if rc != nil && rc.Cancellation.IsCancelled() {
		return toolCancelledError()
	}
	if err != nil {
		return ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Invalid input: %s", err.Error())}},
			IsError: true,
		}, nil
	}
	if tool.OutputSchema != nil && result.StructuredContent == nil {
		result.IsError = true
	}
	_ = auth
	return result, nil
}

func toolCancelledError() (any, *RPCError) {
	return nil, &RPCError{Code: CodeInternalError, Message: "Request was cancelled"}
}

func cursorFrom(params json.RawMessage) (string, *RPCError) {
	if len(params) == 0 {
		return "", nil
	}
	var in struct {
		Cursor string `json:"cursor"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return "", &RPCError{Code: CodeInvalidParams, Message: "invalid params"}
	}
	return in.Cursor, nil
}

func emptyAsOmit(s string) any {
	if s == "" {
		return nil
	}
	return s
}
