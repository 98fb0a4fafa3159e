// Package config loads configuration for the chat node and the relay hub
// from environment variables, with command-line flags taking precedence.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	envVarRelayURL          = "CHAT_RELAY_URL"
	envVarUsername          = "CHAT_USERNAME"
	envVarNodeID            = "CHAT_NODE_ID"
	envVarLogFormat         = "CHAT_LOG_FORMAT"
	envVarLogLevel          = "CHAT_LOG_LEVEL"
	envVarStunURLs          = "CHAT_STUN_URLS"
	envVarAudio             = "CHAT_AUDIO"
	envVarDisconnectedGrace = "CHAT_DISCONNECTED_GRACE"
	envVarDiscoveryInterval = "CHAT_DISCOVERY_INTERVAL"

	envVarListenAddr        = "CHAT_RELAY_LISTEN_ADDR"
	envVarShutdownTimeout   = "CHAT_RELAY_SHUTDOWN_TIMEOUT"
	envVarMaxMessageBytes   = "CHAT_RELAY_MAX_MESSAGE_BYTES"
	envVarMessagesPerSecond = "CHAT_RELAY_MESSAGES_PER_SECOND"
)

const (
	DefaultRelayURL          = "ws://127.0.0.1:8080/ws"
	DefaultStunURLs          = "stun:stun.l.google.com:19302"
	DefaultDisconnectedGrace = 10 * time.Second
	DefaultDiscoveryInterval = 15 * time.Second

	DefaultListenAddr        = "127.0.0.1:8080"
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultMaxMessageBytes   = int64(64 * 1024)
	DefaultMessagesPerSecond = int64(50)
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Node is the chat node configuration.
type Node struct {
	RelayURL string
	Username string
	// NodeID is the relay-visible identity; generated per process when
	// unset, matching the per-lifetime scope of the agreement key pair.
	NodeID string

	STUNURLs []string
	Audio    bool

	DisconnectedGrace time.Duration
	DiscoveryInterval time.Duration

	LogFormat LogFormat
	LogLevel  slog.Level
}

// Relay is the relay hub configuration.
type Relay struct {
	ListenAddr      string
	ShutdownTimeout time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int64

	LogFormat LogFormat
	LogLevel  slog.Level
}

func LoadNode(args []string) (Node, error) {
	return loadNode(os.LookupEnv, args)
}

func loadNode(lookup func(string) (string, bool), args []string) (Node, error) {
	relayURL := envOrDefault(lookup, envVarRelayURL, DefaultRelayURL)
	username := envOrDefault(lookup, envVarUsername, "")
	nodeID := envOrDefault(lookup, envVarNodeID, "")
	stunURLsStr := envOrDefault(lookup, envVarStunURLs, DefaultStunURLs)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	audio, err := envBoolOrDefault(lookup, envVarAudio, false)
	if err != nil {
		return Node{}, err
	}
	grace, err := envDurationOrDefault(lookup, envVarDisconnectedGrace, DefaultDisconnectedGrace)
	if err != nil {
		return Node{}, err
	}
	discovery, err := envDurationOrDefault(lookup, envVarDiscoveryInterval, DefaultDiscoveryInterval)
	if err != nil {
		return Node{}, err
	}

	fs := flag.NewFlagSet("secure-chat-node", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&relayURL, "relay-url", relayURL, "relay WebSocket URL (env "+envVarRelayURL+")")
	fs.StringVar(&username, "username", username, "display name announced to peers (env "+envVarUsername+")")
	fs.StringVar(&nodeID, "node-id", nodeID, "node identity; generated when empty (env "+envVarNodeID+")")
	fs.StringVar(&stunURLsStr, "stun-urls", stunURLsStr, "comma-separated STUN URLs (env "+envVarStunURLs+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.BoolVar(&audio, "audio", audio, "enable the voice leg (env "+envVarAudio+")")
	fs.DurationVar(&grace, "disconnected-grace", grace, "how long a session may stay disconnected before teardown (env "+envVarDisconnectedGrace+")")
	fs.DurationVar(&discovery, "discovery-interval", discovery, "relay discovery announcement interval (env "+envVarDiscoveryInterval+")")
	if err := fs.Parse(args); err != nil {
		return Node{}, err
	}

	if username == "" {
		return Node{}, fmt.Errorf("missing username (set %s or --username)", envVarUsername)
	}
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	if grace <= 0 {
		return Node{}, fmt.Errorf("invalid --disconnected-grace %s (must be positive)", grace)
	}
	if discovery <= 0 {
		return Node{}, fmt.Errorf("invalid --discovery-interval %s (must be positive)", discovery)
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Node{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Node{}, err
	}

	return Node{
		RelayURL:          relayURL,
		Username:          username,
		NodeID:            nodeID,
		STUNURLs:          splitList(stunURLsStr),
		Audio:             audio,
		DisconnectedGrace: grace,
		DiscoveryInterval: discovery,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
	}, nil
}

func LoadRelay(args []string) (Relay, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup func(string) (string, bool), args []string) (Relay, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	shutdown, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Relay{}, err
	}
	maxMessageBytes, err := envInt64OrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Relay{}, err
	}
	messagesPerSecond, err := envInt64OrDefault(lookup, envVarMessagesPerSecond, DefaultMessagesPerSecond)
	if err != nil {
		return Relay{}, err
	}

	fs := flag.NewFlagSet("chat-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarListenAddr+")")
	fs.DurationVar(&shutdown, "shutdown-timeout", shutdown, "graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "max inbound envelope size in bytes (env "+envVarMaxMessageBytes+")")
	fs.Int64Var(&messagesPerSecond, "messages-per-second", messagesPerSecond, "per-connection envelope budget (env "+envVarMessagesPerSecond+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "log level: debug, info, warn, error (env "+envVarLogLevel+")")
	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}

	if maxMessageBytes <= 0 {
		return Relay{}, fmt.Errorf("invalid --max-message-bytes %d (must be positive)", maxMessageBytes)
	}
	if messagesPerSecond <= 0 {
		return Relay{}, fmt.Errorf("invalid --messages-per-second %d (must be positive)", messagesPerSecond)
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Relay{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Relay{}, err
	}

	return Relay{
		ListenAddr:        listenAddr,
		ShutdownTimeout:   shutdown,
		MaxMessageBytes:   maxMessageBytes,
		MessagesPerSecond: messagesPerSecond,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
	}, nil
}

// NewLogger builds an slog.Logger for the given format and level.
func NewLogger(format LogFormat, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
