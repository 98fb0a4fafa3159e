package peering

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MaliosDark/secure-chat-sdk/internal/audio"
	"github.com/MaliosDark/secure-chat-sdk/internal/signalwire"
)

// WebRTCConfig configures the pion-backed transport.
type WebRTCConfig struct {
	// ICEServers is the STUN/TURN URL list for candidate gathering.
	ICEServers []string

	// EnableAudio attaches an outbound PCMU audio track to every link so a
	// voice leg can be negotiated alongside the data channel.
	EnableAudio bool

	Logger *slog.Logger
}

// WebRTCTransport implements Transport on pion PeerConnections.
type WebRTCTransport struct {
	api *webrtc.API
	cfg WebRTCConfig
	rtc webrtc.Configuration
}

func NewWebRTCTransport(cfg WebRTCConfig) (*WebRTCTransport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	se := webrtc.SettingEngine{
		LoggerFactory: newPionLoggerFactory(cfg.Logger),
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	rtc := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		rtc.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &WebRTCTransport{api: api, cfg: cfg, rtc: rtc}, nil
}

func (t *WebRTCTransport) NewLink(obs LinkObserver) (PeerLink, error) {
	pc, err := t.api.NewPeerConnection(t.rtc)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	link := &webrtcLink{pc: pc, obs: obs, logger: t.cfg.Logger}

	if t.cfg.EnableAudio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
			"audio", "secure-chat",
		)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
		link.audioOut = track
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		obs.OnLocalCandidate(candidateFromPion(c.ToJSON()))
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		link.bindChannel(dc)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if mapped, ok := linkStateFromPion(state); ok {
			obs.OnStateChange(mapped)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if track.Codec().MimeType != webrtc.MimeTypePCMU {
			t.cfg.Logger.Warn("ignoring remote audio with unsupported codec",
				"mime_type", track.Codec().MimeType)
			return
		}
		obs.OnRemoteAudio(&rtpAudioSource{track: track})
	})

	return link, nil
}

type webrtcLink struct {
	pc     *webrtc.PeerConnection
	obs    LinkObserver
	logger *slog.Logger

	audioOut *webrtc.TrackLocalStaticSample

	mu sync.Mutex
	dc *webrtc.DataChannel
}

func (l *webrtcLink) OpenChannel(label string) error {
	dc, err := l.pc.CreateDataChannel(label, nil)
	if err != nil {
		return fmt.Errorf("create data channel %q: %w", label, err)
	}
	l.bindChannel(dc)
	return nil
}

func (l *webrtcLink) bindChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.obs.OnChannelOpen(&webrtcChannel{dc: dc})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		l.obs.OnChannelMessage(data)
	})
	dc.OnClose(func() {
		l.obs.OnChannelClose()
	})
}

func (l *webrtcLink) CreateOffer(iceRestart bool) (signalwire.Description, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return signalwire.Description{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return signalwire.Description{}, err
	}
	return descriptionFromPion(offer), nil
}

func (l *webrtcLink) CreateAnswer() (signalwire.Description, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return signalwire.Description{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return signalwire.Description{}, err
	}
	return descriptionFromPion(answer), nil
}

func (l *webrtcLink) SetRemoteDescription(desc signalwire.Description) error {
	pionDesc, err := descriptionToPion(desc)
	if err != nil {
		return err
	}
	return l.pc.SetRemoteDescription(pionDesc)
}

func (l *webrtcLink) AddCandidate(cand signalwire.Candidate) error {
	if cand.Candidate == "" {
		return nil
	}
	return l.pc.AddICECandidate(candidateToPion(cand))
}

func (l *webrtcLink) WriteAudioFrame(frame []int16) error {
	if l.audioOut == nil {
		return fmt.Errorf("link has no outbound audio leg")
	}
	return l.audioOut.WriteSample(media.Sample{
		Data:     audio.MuLawEncode(frame),
		Duration: 20 * time.Millisecond,
	})
}

func (l *webrtcLink) Close() error {
	return l.pc.Close()
}

type webrtcChannel struct {
	dc *webrtc.DataChannel
}

func (c *webrtcChannel) Send(data []byte) error {
	return c.dc.SendText(string(data))
}

func (c *webrtcChannel) Close() error {
	return c.dc.Close()
}

// rtpAudioSource adapts a remote PCMU track into an audio.Source. Stale
// packets (sequence numbers behind the last delivered one, in serial
// arithmetic) are skipped rather than replayed.
type rtpAudioSource struct {
	track   *webrtc.TrackRemote
	lastSeq uint16
	started bool
}

func (s *rtpAudioSource) ReadFrame() ([]int16, error) {
	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			return nil, err
		}
		if frame, ok := s.nextFrame(pkt); ok {
			return frame, nil
		}
	}
}

func (s *rtpAudioSource) nextFrame(pkt *rtp.Packet) ([]int16, bool) {
	if len(pkt.Payload) == 0 {
		return nil, false
	}
	if s.started && int16(pkt.SequenceNumber-s.lastSeq) <= 0 {
		return nil, false
	}
	s.started = true
	s.lastSeq = pkt.SequenceNumber
	return audio.MuLawDecode(pkt.Payload), true
}

func (s *rtpAudioSource) Close() error {
	// TrackRemote has no close of its own; the leg ends with the link.
	return nil
}

func descriptionFromPion(desc webrtc.SessionDescription) signalwire.Description {
	return signalwire.Description{Type: desc.Type.String(), SDP: desc.SDP}
}

func descriptionToPion(desc signalwire.Description) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch desc.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported description type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func candidateFromPion(init webrtc.ICECandidateInit) signalwire.Candidate {
	return signalwire.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func candidateToPion(cand signalwire.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}
}

func linkStateFromPion(state webrtc.PeerConnectionState) (LinkState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return LinkConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return LinkDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed, true
	case webrtc.PeerConnectionStateClosed:
		return LinkClosed, true
	default:
		return "", false
	}
}
