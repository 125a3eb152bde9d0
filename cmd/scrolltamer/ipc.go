package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// ============================================================================
// Control Socket
// ============================================================================
// A unix domain socket takes control actions from local clients: hotkey
// scripts, scrolltamer-ctl, anything that can write a line of JSON.
//
// One request per line:
//   -> {"type": "pause"}    also "resume", "reset"
//   <- {"status": "ok"}     or {"status": "error", "error": "..."}
// ============================================================================

// IPCResponse is the reply written for each request line.
type IPCResponse struct {
	Status string `json:"status"`          // ok or error
	Error  string `json:"error,omitempty"` // populated on error only
}

// runIPCServer owns the control socket for the daemon's lifetime. The stale
// socket file from a previous run is removed before listening; the live one
// is removed on shutdown.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// 0666 so non-root user sessions can drive pause/resume.
	if err := os.Chmod(socketPath, 0666); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Closing the listener is what unblocks Accept on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Older runtimes surface the close as a string error, not
			// net.ErrClosed.
			closed := errors.Is(err, net.ErrClosed) ||
				strings.Contains(err.Error(), "use of closed network connection")
			if ctx.Err() != nil || closed {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(conn, events, logger)
	}
}

// handleIPCConnection serves one client until it disconnects. Clients may
// hold the connection open and send any number of request lines.
func handleIPCConnection(conn net.Conn, events chan<- Event, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		logger.Debug("IPC request", "line", string(line))

		if err := enc.Encode(dispatchIPCLine(line, events)); err != nil {
			logger.Error("IPC response write failed", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

// dispatchIPCLine parses one request and hands the action to the daemon.
// The enqueue is non-blocking: a full event queue turns into an error reply
// rather than a stalled client.
func dispatchIPCLine(line []byte, events chan<- Event) IPCResponse {
	action, err := UnmarshalAction(line)
	if err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse action: %v", err)}
	}

	select {
	case events <- action:
		return IPCResponse{Status: "ok"}
	default:
		return IPCResponse{Status: "error", Error: "event queue full"}
	}
}

// SendIPCAction delivers one action to a running daemon and reports whether
// it was accepted. Used by tests; scrolltamer-ctl carries its own copy of
// the wire types.
func SendIPCAction(socketPath string, a Action) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := MarshalAction(a)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", bytes.TrimSpace(data)); err != nil {
		return fmt.Errorf("send action: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("daemon rejected action: %s", resp.Error)
	}
	return nil
}
