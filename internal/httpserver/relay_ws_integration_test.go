package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MaliosDark/secure-chat-sdk/internal/relayserver"
	"github.com/MaliosDark/secure-chat-sdk/internal/signalwire"
)

// startRelayServer mounts the signaling hub on the server mux and serves it
// through the full middleware chain, the way cmd/chat-relay assembles it.
func startRelayServer(t *testing.T) (wsURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New("127.0.0.1:0", log, BuildInfo{})
	srv.Mux().Handle("GET /ws", relayserver.New(relayserver.Config{Logger: log}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "ws://" + ln.Addr().String() + "/ws"
}

func dialRelay(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial through middleware chain failed (status=%d): %v", status, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env signalwire.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) signalwire.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := signalwire.ParseEnvelope(data)
	if err != nil {
		t.Fatalf("relay delivered invalid envelope: %v\n%s", err, data)
	}
	return env
}

// The hub lives behind the logging middleware in the assembled binary, so
// the upgrade must survive the response wrapper.
func TestRelayWS_UpgradeThroughMiddlewareChain(t *testing.T) {
	url := startRelayServer(t)

	a := dialRelay(t, url)
	writeEnvelope(t, a, signalwire.Envelope{
		Type:     signalwire.EnvelopeJoin,
		NodeID:   "node-a",
		Username: "alice",
	})

	b := dialRelay(t, url)
	writeEnvelope(t, b, signalwire.Envelope{
		Type:     signalwire.EnvelopeJoin,
		NodeID:   "node-b",
		Username: "bob",
	})

	// Roster to the newcomer, arrival broadcast to the first node.
	env := readEnvelope(t, b)
	if env.Type != signalwire.EnvelopePeerDiscovered || env.PeerID != "node-a" {
		t.Fatalf("roster envelope = %#v", env)
	}
	env = readEnvelope(t, a)
	if env.Type != signalwire.EnvelopePeerDiscovered || env.PeerID != "node-b" {
		t.Fatalf("broadcast envelope = %#v", env)
	}

	// A routed negotiation envelope makes the round trip through the chain.
	offer, err := signalwire.NewOffer("node-b", signalwire.Description{Type: "offer", SDP: "v=0 a"})
	if err != nil {
		t.Fatalf("NewOffer: %v", err)
	}
	writeEnvelope(t, a, offer)

	env = readEnvelope(t, b)
	if env.Type != signalwire.EnvelopeOffer || env.SenderID != "node-a" {
		t.Fatalf("routed offer = %#v", env)
	}
}
