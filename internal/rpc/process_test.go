package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/transport"
)

const helperEnv = "RPC_TEST_HELPER"

// TestMain lets the test binary act as an MCP server child process.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	switch mode {
	case "server":
		// A banner on stdout must not confuse the client.
		fmt.Println("helper server starting")
		s := server.NewMCPServer("helper", "1.0.0", server.WithToolCapabilities(true))
		s.AddTool(mcp.NewTool("echo",
			mcp.WithDescription("Echo the text argument"),
			mcp.WithString("text", mcp.Required()),
		), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, err := req.RequireString("text")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(text), nil
		})
		s.AddTool(mcp.NewTool("explode"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("boom")
		})
		if err := server.ServeStdio(s); err != nil {
			return 1
		}
		return 0

	case "exit-after-handshake":
		in := bufio.NewScanner(os.Stdin)
		if !in.Scan() {
			return 2
		}
		var req struct {
			ID int64 `json:"id"`
		}
		_ = json.Unmarshal(in.Bytes(), &req)
		fmt.Printf(`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"dying","version":"0"}}}`+"\n", req.ID)
		in.Scan() // notifications/initialized
		return 0

	case "exit-immediately":
		return 3
	}
	return 99
}

func spawnHelper(t *testing.T, mode string) *Session {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	ctx := context.Background()
	proc, err := transport.Spawn(ctx, transport.Command{
		Path: exe,
		Args: []string{"-test.run=^$"},
		Env:  []string{helperEnv + "=" + mode},
	}, transport.WithStopGrace(time.Second))
	require.NoError(t, err)

	s := NewSession(proc)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_AgainstMCPServer(t *testing.T) {
	s := spawnHelper(t, "server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	caps, err := s.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "helper", caps.Server.Name)
	assert.True(t, caps.Tools)

	names, err := s.ListTools(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"echo", "explode"}, names)

	for i := 0; i < 5; i++ {
		want := fmt.Sprintf("hello %d", i)
		res, err := s.CallTool(ctx, "echo", map[string]any{"text": want})
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Equal(t, want, res.Text())
	}

	_, err = s.CallTool(ctx, "explode", nil)
	require.ErrorIs(t, err, ErrToolCallFailed)
	var rpcErr *RPCError
	assert.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, StateReady, s.State())

	res, err := s.CallTool(ctx, "echo", map[string]any{"text": "still alive"})
	require.NoError(t, err)
	assert.Equal(t, "still alive", res.Text())
}

func TestSession_ChildExitsAfterHandshake(t *testing.T) {
	s := spawnHelper(t, "exit-after-handshake")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.Initialize(ctx)
	require.NoError(t, err)

	_, err = s.CallTool(ctx, "run_script", map[string]any{"script": "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolCallFailed)
	assert.Equal(t, StateBroken, s.State())
}

func TestSession_ChildExitsImmediately(t *testing.T) {
	s := spawnHelper(t, "exit-immediately")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.Initialize(ctx)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, StateBroken, s.State())
}
