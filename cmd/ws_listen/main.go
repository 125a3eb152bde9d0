package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ws_listen tails a scrolltamer state stream and prints each frame, either
// as tagged one-liners (default) or raw JSON (-json). Debugging tool.

// Wire types (duplicated from the daemon package so this binary stays
// standalone)

type stateEnvelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data"`
}

type streamState struct {
	Device   string  `json:"device"`
	Axis     string  `json:"axis"`
	HiRes    bool    `json:"hi_res"`
	State    string  `json:"state"`
	Position float64 `json:"position"`
	Pending  float64 `json:"pending"`
}

type filteringState struct {
	Enabled bool `json:"enabled"`
}

type stateSnapshot struct {
	Enabled  bool          `json:"enabled"`
	Streams  []streamState `json:"streams"`
	Counters struct {
		Forwarded   uint64 `json:"forwarded"`
		Suppressed  uint64 `json:"suppressed"`
		Adjusted    uint64 `json:"adjusted"`
		Passthrough uint64 `json:"passthrough"`
		ClockErrors uint64 `json:"clock_errors"`
		Saturations uint64 `json:"saturations"`
		EmitErrors  uint64 `json:"emit_errors"`
	} `json:"counters"`
}

const (
	dialTimeout  = 5 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

func main() {
	var (
		wsURL   = flag.String("ws", "ws://127.0.0.1:3131/ws/state", "scrolltamer state websocket URL")
		rawJSON = flag.Bool("json", false, "Print raw JSON frames instead of formatted lines")
	)
	flag.Parse()

	conn := dial(*wsURL)
	defer conn.Close()

	// The keepalive goroutine and the close handshake both write; the
	// connection allows one writer at a time.
	var writeMu sync.Mutex
	go keepAlive(conn, &writeMu)

	done := make(chan struct{})
	go readFrames(conn, *rawJSON, done)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigc:
		log.Printf("closing...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("close handshake: %v", err)
		}
	case <-done:
		log.Printf("server closed the connection")
	}
}

// dial connects and installs the read deadline + pong handler.
func dial(raw string) *websocket.Conn {
	u, err := url.Parse(raw)
	if err != nil {
		log.Fatalf("bad websocket URL: %v", err)
	}

	d := websocket.Dialer{HandshakeTimeout: dialTimeout}
	log.Printf("dialing %s", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	log.Printf("connected; ctrl-c to quit")

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return conn
}

// keepAlive pings until a write fails; pong replies refresh the read
// deadline via the handler installed in dial.
func keepAlive(conn *websocket.Conn, writeMu *sync.Mutex) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for range t.C {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.PingMessage, nil)
		writeMu.Unlock()
		if err != nil {
			log.Printf("ping: %v", err)
			return
		}
	}
}

// readFrames prints frames until the connection drops. The daemon pushes a
// full snapshot on connect and deltas after that; nothing is polled.
func readFrames(conn *websocket.Conn, rawJSON bool, done chan struct{}) {
	defer close(done)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("read: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue // the daemon only sends text frames
		}
		printFrame(message, rawJSON)
	}
}

// printFrame decodes one envelope and prints it.
func printFrame(message []byte, rawJSON bool) {
	var env stateEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	if rawJSON {
		var jsonData map[string]any
		if err := json.Unmarshal(message, &jsonData); err == nil {
			prettyJSON, _ := json.MarshalIndent(jsonData, "", "  ")
			fmt.Printf("%s\n", string(prettyJSON))
		} else {
			fmt.Printf("%s\n", string(message))
		}
		return
	}

	switch env.Type {
	case "state_init":
		var snap stateSnapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			log.Printf("bad state_init frame: %v", err)
			return
		}
		printSnapshot(snap)

	case "axis_changed":
		var axis streamState
		if err := json.Unmarshal(env.Data, &axis); err != nil {
			log.Printf("bad axis_changed frame: %v", err)
			return
		}
		fmt.Printf("[AXIS] %s state=%s position=%.3f pending=%.3f\n",
			streamLabel(axis), axis.State, axis.Position, axis.Pending)

	case "filtering_changed":
		var filt filteringState
		if err := json.Unmarshal(env.Data, &filt); err != nil {
			log.Printf("bad filtering_changed frame: %v", err)
			return
		}
		if filt.Enabled {
			fmt.Printf("[FILTER] enabled\n")
		} else {
			fmt.Printf("[FILTER] paused\n")
		}

	default:
		// Unknown frame type; dump it so nothing goes unseen
		prettyJSON, _ := json.MarshalIndent(env, "", "  ")
		fmt.Printf("[FRAME]\n%s\n\n", string(prettyJSON))
	}
}

// printSnapshot prints the initial full-state frame
func printSnapshot(snap stateSnapshot) {
	filtering := "on"
	if !snap.Enabled {
		filtering = "paused"
	}
	fmt.Printf("[INIT] filtering=%s streams=%d\n", filtering, len(snap.Streams))

	for _, s := range snap.Streams {
		fmt.Printf("[STREAM] %s state=%s position=%.3f pending=%.3f\n",
			streamLabel(s), s.State, s.Position, s.Pending)
	}

	c := snap.Counters
	fmt.Printf("[COUNTERS] forwarded=%d suppressed=%d adjusted=%d passthrough=%d clock_errors=%d saturations=%d emit_errors=%d\n",
		c.Forwarded, c.Suppressed, c.Adjusted, c.Passthrough, c.ClockErrors, c.Saturations, c.EmitErrors)
}

// streamLabel formats a stream identity the way the daemon keys it
func streamLabel(s streamState) string {
	label := s.Device + "/" + s.Axis
	if s.HiRes {
		label += "/hi-res"
	}
	return label
}
