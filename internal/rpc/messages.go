package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
)

// MCP methods used by the session.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodPing        = "ping"
)

// ProtocolVersion is the MCP revision announced during the handshake.
const ProtocolVersion = "2024-11-05"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is an outbound JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification is an outbound JSON-RPC message that expects no reply.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// reply answers a request the server sent to us.
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Response is any inbound line. Responses carry an id and a result or error;
// notifications carry a method and no id; server requests carry both.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IntID returns the numeric id of the message, if it has one.
func (r *Response) IntID() (int64, bool) {
	if len(r.ID) == 0 || string(r.ID) == "null" {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(r.ID, &n); err == nil {
		return n, true
	}
	// Some servers echo ids back as strings.
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// IsNotification reports whether the message is a server notification.
func (r *Response) IsNotification() bool {
	return r.Method != "" && len(r.ID) == 0
}

// IsServerRequest reports whether the server is asking us something.
func (r *Response) IsServerRequest() bool {
	return r.Method != "" && len(r.ID) > 0
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func newRequest(id int64, method string, params any) Request {
	return Request{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Method: method, Params: params}
}

func newNotification(method string) Notification {
	return Notification{JSONRPC: mcp.JSONRPC_VERSION, Method: method}
}
