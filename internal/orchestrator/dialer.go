package orchestrator

import (
	"context"
	"log/slog"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/rpc"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/transport"
)

// Session is the tool-server conversation the pipeline needs. *rpc.Session
// implements it.
type Session interface {
	Initialize(ctx context.Context) (*rpc.Capabilities, error)
	ListTools(ctx context.Context) ([]string, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*rpc.ToolResult, error)
	Close() error
}

var _ Session = (*rpc.Session)(nil)

// Dialer opens a session with a fresh tool server.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// ProcessDialer starts the tool server as a child process and speaks MCP
// over its stdio.
type ProcessDialer struct {
	Command       transport.Command
	ClientVersion string
	Logger        *slog.Logger
}

// Dial spawns the child. The returned session owns it: closing the session
// terminates the process.
func (d *ProcessDialer) Dial(ctx context.Context) (Session, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	proc, err := transport.Spawn(ctx, d.Command, transport.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	version := d.ClientVersion
	if version == "" {
		version = "dev"
	}
	return rpc.NewSession(proc,
		rpc.WithLogger(logger),
		rpc.WithClientInfo("k6pilot", version),
	), nil
}
