package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RecoveryAction determines how to handle an MCP operation failure.
type RecoveryAction int

const (
	// NoRetry — the error is not recoverable (bad request, cancellation).
	NoRetry RecoveryAction = iota
	// RetrySameSession — transient fault, retry with the existing session
	// (read timeout, malformed frame).
	RetrySameSession
	// RetryNewSession — transport failure, recreate session and retry.
	RetryNewSession
)

// Recovery configuration constants.
const (
	// MaxCallAttempts is the total number of attempts for one tool call,
	// including the first.
	MaxCallAttempts = 3

	// RetryBackoff is the fixed delay between tool-call attempts.
	RetryBackoff = time.Second

	// ReinitTimeout is the deadline for recreating an MCP session during recovery.
	ReinitTimeout = 10 * time.Second

	// DefaultCallTimeout bounds a single tool call when the engine config
	// does not override it. Offensive tools (scanners, brute forcers) are
	// legitimately slow, so the ceiling is high.
	DefaultCallTimeout = 300 * time.Second

	// ListToolsTimeout is the per-call deadline for tool discovery.
	ListToolsTimeout = 30 * time.Second

	// InitTimeout is the per-server initialization timeout (transport + handshake).
	InitTimeout = 30 * time.Second

	// RouteCacheTTL is how long the tool-to-server routing cache stays fresh.
	RouteCacheTTL = 300 * time.Second

	// HealthPingTimeout is the health check probe timeout.
	HealthPingTimeout = 5 * time.Second

	// HealthInterval is the health check loop interval.
	HealthInterval = 15 * time.Second
)

// ClassifyError determines the recovery action for an MCP operation error.
// The transient whitelist is read timeouts, connection-level failures, and
// malformed JSON frames; everything else fails the call immediately.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}

	if errors.Is(err, context.Canceled) {
		return NoRetry
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RetrySameSession
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return RetrySameSession
		}
		return RetryNewSession
	}

	if isConnectionError(err) {
		return RetryNewSession
	}

	if isParseError(err) {
		return RetrySameSession
	}

	// MCP JSON-RPC protocol errors (bad request, method not found) and
	// anything unknown are not safe to retry.
	return NoRetry
}

// isConnectionError detects connection-level transport failures.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	}
	for _, e := range connectionErrors {
		if strings.Contains(msg, e) {
			return true
		}
	}
	return false
}

// isParseError detects malformed JSON frames from a misbehaving server.
// Distinct from the protocol-level "parse error" JSON-RPC code: a garbled
// frame is worth one more read, a rejected request is not.
func isParseError(err error) bool {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid character") ||
		strings.Contains(msg, "unexpected end of json")
}
