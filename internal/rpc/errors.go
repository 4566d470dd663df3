package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeFailed is returned when the initialize exchange does not complete.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrToolCallFailed is wrapped by every ToolCallError.
	ErrToolCallFailed = errors.New("tool call failed")

	// ErrSessionBusy is returned when a call is made while another is in flight.
	ErrSessionBusy = errors.New("session busy")

	// ErrNotReady is returned when a call is made before the handshake.
	ErrNotReady = errors.New("session not ready")

	// ErrBroken is returned once the stream has failed; the session cannot recover.
	ErrBroken = errors.New("session broken")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// ToolCallError describes a failed tools/call.
type ToolCallError struct {
	Tool string
	Err  error
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolCallError) Unwrap() []error {
	return []error{ErrToolCallFailed, e.Err}
}
