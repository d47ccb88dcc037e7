package broker

import (
	"github.com/sirupsen/logrus"

	"github.com/video-system/go-input-host/pkg/input"
)

// Session is the broker endpoint for one plugin instance. Its enabled flag
// and counters are guarded by the broker mutex.
type Session struct {
	broker     *Broker
	instanceID int
	log        *logrus.Entry

	enabled bool
	closed  bool
	stats   SessionStats
}

// SessionStats counts buffer traffic for one instance
type SessionStats struct {
	Granted    uint64 `json:"granted"`
	Denied     uint64 `json:"denied"`
	Finalized  uint64 `json:"finalized"`
	Violations uint64 `json:"violations"`
	Discarded  uint64 `json:"discarded"`
}

// InstanceID returns the instance the session serves
func (s *Session) InstanceID() int {
	return s.instanceID
}

// Enable starts accepting buffer requests
func (s *Session) Enable() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || s.closed {
		return ErrClosed
	}
	s.enabled = true
	return nil
}

// Disable stops accepting requests and discards every buffer this session
// has leased but not finalized. It returns the number discarded.
func (s *Session) Disable() int {
	return s.broker.disable(s, false)
}

// Close disables the session for good
func (s *Session) Close() int {
	return s.broker.disable(s, true)
}

// Enabled reports whether requests are currently accepted
func (s *Session) Enabled() bool {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.enabled
}

// Request asks for a writable buffer of exactly size bytes
func (s *Session) Request(size int) input.Lease {
	return s.broker.request(s, size)
}

// Finalize hands a leased buffer back as a frame described by header
func (s *Session) Finalize(id int, header input.ImageHeader) error {
	return s.broker.finalize(s, id, header)
}

// Callbacks adapts the session to the plugin callback pair. Finalize errors
// are logged by the broker and never reach the plugin.
func (s *Session) Callbacks() (input.RequestBufferFunc, input.FinalizeBufferFunc) {
	return s.Request, func(id int, header input.ImageHeader) {
		_ = s.Finalize(id, header)
	}
}

// Outstanding returns how many buffers the session holds unfinalized
func (s *Session) Outstanding() int {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, l := range b.leases {
		if l.session == s && l.state == leasedToWriter {
			n++
		}
	}
	return n
}

// Stats returns the session counters
func (s *Session) Stats() SessionStats {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.stats
}
