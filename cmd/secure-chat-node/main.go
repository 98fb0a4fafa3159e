package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MaliosDark/secure-chat-sdk/internal/audio"
	"github.com/MaliosDark/secure-chat-sdk/internal/chat"
	"github.com/MaliosDark/secure-chat-sdk/internal/chatcrypto"
	"github.com/MaliosDark/secure-chat-sdk/internal/config"
	"github.com/MaliosDark/secure-chat-sdk/internal/metrics"
	"github.com/MaliosDark/secure-chat-sdk/internal/peering"
	"github.com/MaliosDark/secure-chat-sdk/internal/signaling"
	"github.com/MaliosDark/secure-chat-sdk/internal/signalwire"
)

// eventBridge forwards coordinator events to the orchestrator. It breaks the
// construction cycle: the coordinator needs an events sink before the
// orchestrator exists.
type eventBridge struct{ o *chat.Orchestrator }

func (b *eventBridge) PeerStateChanged(peerID string, state peering.State) {
	if b.o != nil {
		b.o.PeerStateChanged(peerID, state)
	}
}

func (b *eventBridge) PeerDisconnected(peerID string) {
	if b.o != nil {
		b.o.PeerDisconnected(peerID)
	}
}

func (b *eventBridge) EncryptionEstablished(peerID string) {
	if b.o != nil {
		b.o.EncryptionEstablished(peerID)
	}
}

func (b *eventBridge) FrameReceived(peerID string, f signalwire.Frame) {
	if b.o != nil {
		b.o.FrameReceived(peerID, f)
	}
}

func (b *eventBridge) RemoteAudioChanged(peerID string, src audio.Source) {
	if b.o != nil {
		b.o.RemoteAudioChanged(peerID, src)
	}
}

// signalerBridge forwards envelopes to the relay client, which is
// constructed after the coordinator.
type signalerBridge struct{ c *signaling.Client }

func (b *signalerBridge) SendEnvelope(env signalwire.Envelope) error {
	if b.c == nil {
		return signaling.ErrNotConnected
	}
	return b.c.SendEnvelope(env)
}

// consoleObserver renders orchestrator events on stdout.
type consoleObserver struct{}

func (consoleObserver) DirectoryChanged(peers []chat.Peer) {
	fmt.Printf("-- %d peer(s) online\n", len(peers))
	for _, p := range peers {
		enc := " "
		if p.EncryptionEstablished {
			enc = "E"
		}
		fmt.Printf("   [%s] %s (%s) %s\n", enc, p.Username, p.ID, p.ConnectionState)
	}
}

func (consoleObserver) MessageAppended(msg chat.Message) {
	who := msg.SenderName
	if msg.Own {
		who = "me"
	}
	fmt.Printf("<%s> %s\n", who, msg.Content)
}

func (consoleObserver) PeerTyping(peerID string, typing bool) {
	if typing {
		fmt.Printf("-- %s is typing...\n", peerID)
	}
}

func (consoleObserver) RelayStatusChanged(connected bool) {
	if connected {
		fmt.Println("-- relay connected")
	} else {
		fmt.Println("-- relay connection lost (sessions continue)")
	}
}

func main() {
	cfg, err := config.LoadNode(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting secure-chat-node",
		"node_id", cfg.NodeID,
		"username", cfg.Username,
		"relay_url", cfg.RelayURL,
		"audio", cfg.Audio,
	)

	keys, err := chatcrypto.GenerateKeyPair()
	if err != nil {
		logger.Error("failed to generate agreement keys", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	transport, err := peering.NewWebRTCTransport(peering.WebRTCConfig{
		ICEServers:  cfg.STUNURLs,
		EnableAudio: cfg.Audio,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to configure transport", "err", err)
		os.Exit(2)
	}

	var pipeline *audio.Pipeline
	if cfg.Audio {
		pipeline = audio.NewPipeline(audio.Config{Logger: logger})
	}

	events := &eventBridge{}
	signaler := &signalerBridge{}
	coord, err := peering.NewCoordinator(peering.Config{
		NodeID:            cfg.NodeID,
		Transport:         transport,
		Signaler:          signaler,
		Keys:              keys,
		Events:            events,
		Metrics:           m,
		Logger:            logger,
		DisconnectedGrace: cfg.DisconnectedGrace,
	})
	if err != nil {
		logger.Error("failed to build coordinator", "err", err)
		os.Exit(2)
	}

	orch, err := chat.NewOrchestrator(chat.Config{
		NodeID:   cfg.NodeID,
		Username: cfg.Username,
		Conn:     coord,
		Codec:    chat.NewCodec(coord, m),
		Observer: consoleObserver{},
		Audio:    pipeline,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to build orchestrator", "err", err)
		os.Exit(2)
	}
	events.o = orch

	client, err := signaling.NewClient(signaling.Config{
		NodeID:            cfg.NodeID,
		Username:          cfg.Username,
		Directory:         orch,
		Negotiator:        coord,
		Metrics:           m,
		Logger:            logger,
		DiscoveryInterval: cfg.DiscoveryInterval,
	})
	if err != nil {
		logger.Error("failed to build relay client", "err", err)
		os.Exit(2)
	}
	signaler.c = client

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = client.Connect(dialCtx, cfg.RelayURL)
	cancel()
	if err != nil {
		logger.Error("relay connection failed", "err", err)
		os.Exit(1)
	}

	go runConsole(ctx, orch, stop)

	<-ctx.Done()
	logger.Info("shutting down")
	client.Close()
	orch.Close()
}

// runConsole drives the orchestrator from stdin commands.
func runConsole(ctx context.Context, orch *chat.Orchestrator, quit func()) {
	fmt.Println("commands: /peers, /select <node-id>, /quit; anything else is sent as a message")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":

		case line == "/peers":
			consoleObserver{}.DirectoryChanged(orch.Peers())

		case strings.HasPrefix(line, "/select "):
			peerID := strings.TrimSpace(strings.TrimPrefix(line, "/select"))
			if err := orch.Select(peerID); err != nil {
				fmt.Printf("-- select failed: %v\n", err)
			} else {
				fmt.Printf("-- talking to %s\n", peerID)
			}

		case line == "/quit":
			quit()
			return

		default:
			orch.InputActivity()
			if _, err := orch.SendMessage(line); err != nil {
				fmt.Printf("-- send failed: %v\n", err)
			}
		}
	}
}
