// Package mcp implements a JSON-RPC 2.0 client multiplexer for Model Context
// Protocol servers over stdio, HTTP, and SSE transports, with a cross-server
// tool registry.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the MCP revision this client negotiates.
const ProtocolVersion = "2024-11-05"

// ErrUnhealthy is returned for calls against a binding whose transport has
// failed. The binding is not retried silently; reconnect is explicit.
var ErrUnhealthy = errors.New("mcp binding is unhealthy")

// ErrToolNotFound is returned when no binding exposes the requested tool.
var ErrToolNotFound = errors.New("tool not found")

// Request is a JSON-RPC 2.0 request. Notifications carry a nil ID.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ServerInfo is reported by the server during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the payload of the initialize response. Tool lists are
// never read from here; they come only from tools/list.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      ServerInfo             `json:"serverInfo"`
}

// ToolDescriptor describes one callable tool as advertised by tools/list.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`

	// Server is the binding that owns this tool; filled by the registry.
	Server string `json:"server,omitempty"`
}

// toolsListResult is the payload of the tools/list response.
type toolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// callParams is the params object for tools/call.
type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// callResult is the payload of a tools/call response.
type callResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// extractText flattens the content array of a tools/call result into a
// single string.
func extractText(raw json.RawMessage) (string, error) {
	var result callResult
	if err := json.Unmarshal(raw, &result); err == nil && len(result.Content) > 0 {
		text := ""
		for _, item := range result.Content {
			if item.Text != "" {
				if text != "" {
					text += "\n"
				}
				text += item.Text
			}
		}
		if result.IsError {
			return "", fmt.Errorf("tool reported error: %s", text)
		}
		return text, nil
	}

	// Servers returning a bare result value instead of a content array.
	var bare struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(raw, &bare); err == nil && bare.Result != "" {
		return bare.Result, nil
	}
	return string(raw), nil
}
