// Package rpc implements the client side of an MCP session over a
// line-framed JSON-RPC 2.0 stream.
//
// A Session owns its connection exclusively. Requests are strictly
// sequential: at most one is in flight, and ids increase by one per request.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Conn is the line-framed stream a Session runs on.
type Conn interface {
	WriteLine(v any) error
	ReadLine(ctx context.Context) ([]byte, error)
	Close() error
}

// State is the lifecycle state of a Session.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateCalling
	StateBroken
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateCalling:
		return "calling"
	case StateBroken:
		return "broken"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Capabilities summarizes what the server announced in its handshake.
type Capabilities struct {
	ProtocolVersion string
	Server          mcp.Implementation
	Tools           bool
	Instructions    string
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClientInfo sets the identity sent during the handshake.
func WithClientInfo(name, version string) Option {
	return func(s *Session) {
		s.clientInfo = mcp.Implementation{Name: name, Version: version}
	}
}

// Session is an MCP client session.
type Session struct {
	conn       Conn
	clientInfo mcp.Implementation
	logger     *slog.Logger

	mu     sync.Mutex
	state  State
	nextID int64
}

// NewSession wraps conn. The session takes ownership of conn and closes it
// in Close.
func NewSession(conn Conn, opts ...Option) *Session {
	s := &Session{
		conn:       conn,
		clientInfo: mcp.Implementation{Name: "k6pilot", Version: "dev"},
		logger:     slog.Default(),
		nextID:     1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) String() string {
	return fmt.Sprintf("mcp session (%s, %s)", s.clientInfo.Name, s.State())
}

// Initialize performs the MCP handshake. On success the session is Ready.
// Any failure leaves the session Broken.
func (s *Session) Initialize(ctx context.Context) (*Capabilities, error) {
	s.mu.Lock()
	if s.state != StateUninitialized {
		err := s.stateErrLocked()
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	s.state = StateInitializing
	s.mu.Unlock()

	params := mcp.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      s.clientInfo,
	}

	raw, err := s.roundTrip(ctx, MethodInitialize, params)
	if err != nil {
		s.setState(StateBroken)
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.setState(StateBroken)
		return nil, fmt.Errorf("%w: decoding initialize result: %w", ErrHandshakeFailed, err)
	}

	if err := s.conn.WriteLine(newNotification(MethodInitialized)); err != nil {
		s.setState(StateBroken)
		return nil, fmt.Errorf("%w: sending initialized: %w", ErrHandshakeFailed, err)
	}

	s.setState(StateReady)
	s.logger.Debug("mcp session ready",
		slog.String("server", result.ServerInfo.Name),
		slog.String("serverVersion", result.ServerInfo.Version),
		slog.String("protocolVersion", result.ProtocolVersion),
	)

	return &Capabilities{
		ProtocolVersion: result.ProtocolVersion,
		Server:          result.ServerInfo,
		Tools:           result.Capabilities.Tools != nil,
		Instructions:    result.Instructions,
	}, nil
}

// ListTools returns the names of the tools the server offers.
func (s *Session) ListTools(ctx context.Context) ([]string, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}

	raw, err := s.roundTrip(ctx, MethodToolsList, map[string]any{})
	if err != nil {
		s.finish(err)
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	s.finish(nil)

	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding tools list: %w", err)
	}
	names := make([]string, 0, len(result.Tools))
	for _, t := range result.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

// CallTool invokes a tool and waits for its result.
//
// A JSON-RPC error reply or an undecodable result fails the call but leaves
// the session Ready. A stream failure (EOF, write error, cancellation) leaves
// it Broken.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := s.begin(); err != nil {
		return nil, &ToolCallError{Tool: name, Err: err}
	}

	params := mcp.CallToolParams{Name: name, Arguments: args}
	raw, err := s.roundTrip(ctx, MethodToolsCall, params)
	s.finish(err)
	if err != nil {
		return nil, &ToolCallError{Tool: name, Err: err}
	}

	msg := json.RawMessage(raw)
	result, err := mcp.ParseCallToolResult(&msg)
	if err != nil {
		return nil, &ToolCallError{Tool: name, Err: fmt.Errorf("decoding result: %w", err)}
	}
	return &ToolResult{CallToolResult: result}, nil
}

// Close ends the session and closes the underlying connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()
	return s.conn.Close()
}

// begin moves a Ready session to Calling.
func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return s.stateErrLocked()
	}
	s.state = StateCalling
	return nil
}

// finish ends a call started by begin. Protocol-level errors keep the stream
// in sync; anything else breaks it.
func (s *Session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCalling {
		return
	}
	var rpcErr *RPCError
	if err == nil || errors.As(err, &rpcErr) {
		s.state = StateReady
		return
	}
	s.state = StateBroken
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = st
}

func (s *Session) stateErrLocked() error {
	switch s.state {
	case StateCalling, StateInitializing:
		return ErrSessionBusy
	case StateBroken:
		return ErrBroken
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotReady
	}
}

// roundTrip sends one request and reads until the matching response.
func (s *Session) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	logger := s.logger.With(slog.String("method", method), slog.Int64("id", id))

	if err := s.conn.WriteLine(newRequest(id, method, params)); err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	for {
		line, err := s.conn.ReadLine(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("waiting for %s: %w", method, ctxErr)
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("waiting for %s: stream ended: %w", method, io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("waiting for %s: %w", method, err)
		}

		var msg Response
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Debug("skipping malformed frame", slog.String("error", err.Error()))
			continue
		}

		switch {
		case msg.IsNotification():
			logger.Debug("skipping notification", slog.String("notification", msg.Method))
			continue
		case msg.IsServerRequest():
			s.answerServerRequest(&msg, logger)
			continue
		}

		got, ok := msg.IntID()
		if !ok || got != id {
			logger.Debug("skipping response for another request", slog.String("gotID", string(msg.ID)))
			continue
		}

		if msg.Error != nil {
			return nil, msg.Error
		}
		if len(msg.Result) == 0 {
			return json.RawMessage("{}"), nil
		}
		return msg.Result, nil
	}
}

// answerServerRequest replies to requests the server sends to the client.
// Only ping is supported.
func (s *Session) answerServerRequest(msg *Response, logger *slog.Logger) {
	r := reply{JSONRPC: mcp.JSONRPC_VERSION, ID: msg.ID}
	if msg.Method == MethodPing {
		r.Result = struct{}{}
	} else {
		r.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	}
	if err := s.conn.WriteLine(r); err != nil {
		logger.Debug("failed to answer server request",
			slog.String("request", msg.Method),
			slog.String("error", err.Error()),
		)
	}
}
