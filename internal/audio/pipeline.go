package audio

import (
	"errors"
	"log/slog"
	"math"
	"sync"
)

// Leg identifies which side of the conversation a level reading belongs to.
type Leg string

const (
	LegLocal  Leg = "local"
	LegRemote Leg = "remote"
)

// Source yields PCM frames (signed 16-bit samples). ReadFrame blocks until
// the next frame and returns a non-nil error when the source ends.
type Source interface {
	ReadFrame() ([]int16, error)
	Close() error
}

// CaptureConfig holds the constraints requested from the platform capture
// device. All three processing toggles default to on, matching the
// microphone constraints the chat UI asks for.
type CaptureConfig struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	FrameSize        int
}

// DefaultCaptureConfig returns the standard microphone constraints.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		FrameSize:        960, // 20ms at 48kHz
	}
}

// CaptureOpener acquires a microphone stream. It is a platform capability;
// tests and headless nodes supply their own.
type CaptureOpener func(CaptureConfig) (Source, error)

// ErrNoCapture is returned by StartLocalAudio when no capture opener was
// configured.
var ErrNoCapture = errors.New("audio: no capture source configured")

// Config wires a Pipeline's dependencies.
type Config struct {
	OpenCapture CaptureOpener
	Capture     CaptureConfig

	// OnLevel receives normalized 0-100 levels, one stream per leg. Calls
	// are made from the analysis goroutines.
	OnLevel func(leg Leg, level int)

	// OnLocalFrame, when set, receives every captured frame after analysis
	// (the transport taps this to feed its outbound track).
	OnLocalFrame func(frame []int16)

	Logger *slog.Logger
}

// Pipeline runs a continuous per-frame level analysis for the local capture
// stream and for whichever remote source is currently attached. The two
// legs are symmetric and independent.
type Pipeline struct {
	cfg Config

	mu          sync.Mutex
	local       Source
	localStop   chan struct{}
	remote      Source
	remoteStop  chan struct{}
	localLevel  int
	remoteLevel int
	closed      bool
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Capture == (CaptureConfig{}) {
		cfg.Capture = DefaultCaptureConfig()
	}
	return &Pipeline{cfg: cfg}
}

// StartLocalAudio acquires the microphone and begins local level analysis.
// Calling it again while capture is running is a no-op.
func (p *Pipeline) StartLocalAudio() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("audio: pipeline closed")
	}
	if p.local != nil {
		return nil
	}
	if p.cfg.OpenCapture == nil {
		return ErrNoCapture
	}

	src, err := p.cfg.OpenCapture(p.cfg.Capture)
	if err != nil {
		return err
	}
	p.local = src
	p.localStop = make(chan struct{})
	go p.analyze(src, LegLocal, p.localStop, p.cfg.OnLocalFrame)
	return nil
}

// SetRemoteSource swaps the attached remote stream and its analyzer. A nil
// source detaches the remote leg.
func (p *Pipeline) SetRemoteSource(src Source) {
	p.mu.Lock()
	old, oldStop := p.remote, p.remoteStop
	p.remote, p.remoteStop = nil, nil
	if src != nil && !p.closed {
		p.remote = src
		p.remoteStop = make(chan struct{})
		go p.analyze(src, LegRemote, p.remoteStop, nil)
	}
	p.mu.Unlock()

	if old != nil {
		close(oldStop)
		_ = old.Close()
	}
	if src == nil {
		p.setLevel(LegRemote, 0)
	}
}

// Levels returns the most recent local and remote levels.
func (p *Pipeline) Levels() (local, remote int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localLevel, p.remoteLevel
}

// Cleanup releases the capture source, the remote attachment, and both
// analyzers together. The pipeline is unusable afterwards.
func (p *Pipeline) Cleanup() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	local, localStop := p.local, p.localStop
	remote, remoteStop := p.remote, p.remoteStop
	p.local, p.localStop = nil, nil
	p.remote, p.remoteStop = nil, nil
	p.localLevel, p.remoteLevel = 0, 0
	p.mu.Unlock()

	if local != nil {
		close(localStop)
		_ = local.Close()
	}
	if remote != nil {
		close(remoteStop)
		_ = remote.Close()
	}
}

func (p *Pipeline) analyze(src Source, leg Leg, stop chan struct{}, tap func([]int16)) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		frame, err := src.ReadFrame()
		if err != nil {
			p.cfg.Logger.Debug("audio source ended", "leg", leg, "err", err)
			p.setLevel(leg, 0)
			return
		}

		p.setLevel(leg, Level(frame))
		if tap != nil {
			tap(frame)
		}
	}
}

func (p *Pipeline) setLevel(leg Leg, level int) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	switch leg {
	case LegLocal:
		p.localLevel = level
	case LegRemote:
		p.remoteLevel = level
	}
	onLevel := p.cfg.OnLevel
	p.mu.Unlock()

	if onLevel != nil {
		onLevel(leg, level)
	}
}

// Level computes a normalized 0-100 level from a frame's signal energy.
func Level(frame []int16) int {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	// Square-root scaling keeps quiet speech visible on a linear meter.
	level := int(math.Sqrt(rms/32768.0) * 100)
	if level > 100 {
		level = 100
	}
	return level
}
