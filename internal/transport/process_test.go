package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "TRANSPORT_TEST_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	switch mode {
	case "echo":
		// Echo every line back, preceded by noise that is not JSON.
		fmt.Println("starting up...")
		fmt.Fprintln(os.Stderr, "diagnostic on stderr")
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			fmt.Println("# log line")
			fmt.Println(in.Text())
		}
		return 0
	case "silent":
		// Never answer; exit when stdin closes.
		_, _ = io.Copy(io.Discard, os.Stdin)
		return 0
	case "exit":
		return 7
	case "deaf":
		// Never reads stdin, so writes eventually block on a full pipe.
		time.Sleep(time.Minute)
		return 0
	}
	return 99
}

func spawn(t *testing.T, mode string) *Process {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	p, err := Spawn(context.Background(), Command{
		Path: exe,
		Args: []string{"-test.run=^$"},
		Env:  []string{helperEnv + "=" + mode},
	}, WithStopGrace(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProcess_RoundTripSkipsNoise(t *testing.T) {
	p := spawn(t, "echo")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.WriteLine(map[string]any{"jsonrpc": "2.0", "id": i}))
		line, err := p.ReadLine(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d}`, i), string(line))
	}
}

func TestProcess_ReadCancelClosesTransport(t *testing.T) {
	p := spawn(t, "silent")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Less(t, time.Since(start), 5*time.Second)

	err = p.WriteLine(map[string]any{"id": 1})
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child still running after cancelled read")
	}
}

func TestProcess_ChildExit(t *testing.T) {
	p := spawn(t, "exit")

	_, err := p.ReadLine(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	<-p.Done()
	code, ok := p.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 7, code)

	assert.ErrorIs(t, p.WriteLine(map[string]any{"id": 1}), ErrClosed)
}

func TestProcess_CloseIdempotent(t *testing.T) {
	p := spawn(t, "silent")

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.ReadLine(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestProcess_CloseUnblocksStuckWrite(t *testing.T) {
	p := spawn(t, "deaf")

	writeErr := make(chan error, 1)
	go func() {
		// Far larger than any pipe buffer.
		writeErr <- p.WriteLine(map[string]string{"payload": strings.Repeat("x", 4<<20)})
	}()

	select {
	case err := <-writeErr:
		t.Fatalf("write returned before close: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	closed := make(chan struct{})
	go func() {
		_ = p.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("close blocked behind a stuck write")
	}

	select {
	case err := <-writeErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("write still blocked after close")
	}
}

func TestSpawn_MissingExecutable(t *testing.T) {
	_, err := Spawn(context.Background(), Command{Path: "/nonexistent/mcp-k6"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Contains(t, spawnErr.Command, "mcp-k6")
}

func TestSpawn_EmptyCommand(t *testing.T) {
	_, err := Spawn(context.Background(), Command{})
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestIsFrame(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{`{"jsonrpc":"2.0","id":1}`, true},
		{`  {"a":1}  `, true},
		{`[1,2]`, true},
		{`starting server on stdio`, false},
		{`{"truncated":`, false},
		{``, false},
		{`   `, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isFrame([]byte(tt.line)), "line %q", tt.line)
	}
}
