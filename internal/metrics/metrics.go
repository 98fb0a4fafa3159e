package metrics

import "sync"

// Event counter names. Names are intentionally simple; a metrics backend
// can standardize and export these later.
const (
	RelaySendFailed   = "relay_send_failed"
	NegotiationFailed = "negotiation_failed"
	CandidateDropped  = "candidate_dropped"
	FrameSendFailed   = "frame_send_failed"
	BadFrame          = "bad_frame"
	DecryptFailed     = "decrypt_failed"
	NoKey             = "no_key"
	RateLimited       = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment is expected to plug into a real metrics backend;
// this type keeps failure accounting testable in the meantime.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
