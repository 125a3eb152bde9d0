package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
)

// scrolltamer-ctl drives a running scrolltamer daemon over its control
// socket. One command per invocation; prints "ok" when the daemon accepts.

// Wire types (duplicated from the daemon package so this binary stays
// standalone)

type actionEnvelope struct {
	Type string `json:"type"`
}

type ipcResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// commands maps accepted command words (and their aliases) to wire actions.
var commands = map[string]string{
	"pause":  "pause",
	"off":    "pause",
	"resume": "resume",
	"on":     "resume",
	"reset":  "reset",
}

func main() {
	socketPath := flag.String("socket", "/tmp/scrolltamer.sock", "Daemon control socket path")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() != 1 {
		printUsage()
		os.Exit(1)
	}

	word := flag.Arg(0)
	if word == "help" {
		printUsage()
		return
	}

	action, ok := commands[word]
	if !ok {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n", word)
		printUsage()
		os.Exit(1)
	}

	if err := send(*socketPath, action); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

// send delivers one action over the control socket and checks the reply.
func send(socketPath, action string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s (is the daemon running?): %w", socketPath, err)
	}
	defer conn.Close()

	req, err := json.Marshal(actionEnvelope{Type: action})
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	var resp ipcResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("daemon: %s", resp.Error)
	}
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `scrolltamer-ctl - control a running scrolltamer daemon

Usage:
  scrolltamer-ctl [-socket PATH] <command>

Commands:
  pause   (off)   Suspend filtering; wheel events pass through raw
  resume  (on)    Re-enable filtering
  reset           Clear all per-axis accumulator state
  help            Show this help

Flags:
  -socket PATH    Control socket (default /tmp/scrolltamer.sock)

Examples:
  scrolltamer-ctl pause
  scrolltamer-ctl -socket /var/run/scrolltamer.sock resume
`)
}
