package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// startTestIPCServer runs the IPC server on a temp socket and returns the
// socket path plus the events channel it feeds.
func startTestIPCServer(t *testing.T) (string, chan Event) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "ipc.sock")
	events := make(chan Event, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runIPCServer(ctx, socketPath, events, quietLogger())
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runIPCServer returned error: %v", err)
			}
		case <-time.After(time.Second):
			t.Errorf("timeout waiting for IPC server to stop")
		}
	})

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, "IPC socket not created")

	return socketPath, events
}

func TestIPC_SendActionRoundTrip(t *testing.T) {
	socketPath, events := startTestIPCServer(t)

	if err := SendIPCAction(socketPath, FilterPause{}); err != nil {
		t.Fatalf("SendIPCAction(pause): %v", err)
	}

	select {
	case ev := <-events:
		if _, ok := ev.(FilterPause); !ok {
			t.Fatalf("expected FilterPause on events channel, got %T", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for action on events channel")
	}

	// Multiple actions over separate connections.
	if err := SendIPCAction(socketPath, FilterResume{}); err != nil {
		t.Fatalf("SendIPCAction(resume): %v", err)
	}
	if err := SendIPCAction(socketPath, FilterReset{}); err != nil {
		t.Fatalf("SendIPCAction(reset): %v", err)
	}

	got := []Event{<-events, <-events}
	if _, ok := got[0].(FilterResume); !ok {
		t.Fatalf("expected FilterResume, got %T", got[0])
	}
	if _, ok := got[1].(FilterReset); !ok {
		t.Fatalf("expected FilterReset, got %T", got[1])
	}
}

func TestIPC_RejectsUnknownAction(t *testing.T) {
	socketPath, events := startTestIPCServer(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, `{"type":"bogus"}`); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "error" {
		t.Fatalf("expected error status, got %+v", resp)
	}

	select {
	case ev := <-events:
		t.Fatalf("expected no event for rejected action, got %T", ev)
	default:
	}
}
