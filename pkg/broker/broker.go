// Package broker arbitrates frame buffers between the host and plugin instances.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-input-host/pkg/input"
	"github.com/video-system/go-input-host/pkg/observability"
)

const (
	DefaultSlots         = 8
	DefaultMaxBufferSize = 256 << 20
)

// Config holds buffer broker configuration
type Config struct {
	// Slots bounds leased buffers plus finalized frames not yet released.
	Slots int `yaml:"slots"`
	// MaxBufferSize is the largest single request in bytes.
	MaxBufferSize int `yaml:"max_buffer_size"`
}

func (c Config) withDefaults() Config {
	if c.Slots <= 0 {
		c.Slots = DefaultSlots
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	return c
}

type leaseState uint8

const (
	leasedToWriter leaseState = iota
	ownedByHost
)

// lease is the host-side record of a granted buffer
type lease struct {
	id      int
	session *Session
	size    int
	buf     []byte
	state   leaseState
}

// Broker grants frame buffers to plugin instances and collects them back as
// frames. All methods are safe for concurrent use.
type Broker struct {
	cfg     Config
	log     *logrus.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	nextID      int
	seq         uint64
	leases      map[int]*lease
	free        [][]byte
	outstanding int
	queued      int
	closed      bool
	frames      chan *Frame
	stats       counters
}

type counters struct {
	granted     uint64
	denied      map[input.DenyReason]uint64
	finalized   uint64
	violations  uint64
	discarded   uint64
	released    uint64
	allocations uint64
}

// New creates a buffer broker
func New(cfg Config, log *logrus.Logger, metrics *observability.Metrics) *Broker {
	cfg = cfg.withDefaults()
	if log == nil {
		log = observability.Discard()
	}
	return &Broker{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		leases:  make(map[int]*lease),
		frames:  make(chan *Frame, cfg.Slots),
		stats:   counters{denied: make(map[input.DenyReason]uint64)},
	}
}

// Config returns the effective configuration
func (b *Broker) Config() Config {
	return b.cfg
}

// Frames returns the queue of finalized frames. It is closed by Close.
func (b *Broker) Frames() <-chan *Frame {
	return b.frames
}

// Session returns a new endpoint for one plugin instance. Sessions start
// disabled; requests are denied until Enable.
func (b *Broker) Session(instanceID int) *Session {
	return &Session{
		broker:     b,
		instanceID: instanceID,
		log:        b.log.WithField("instance", instanceID),
	}
}

// Close denies all further requests, discards outstanding leases and closes
// the frame queue. Frames already queued stay valid until released.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	discarded := 0
	for _, l := range b.leases {
		if l.state == leasedToWriter {
			b.dropLocked(l, false)
			discarded++
		}
	}
	b.stats.discarded += uint64(discarded)
	close(b.frames)
	inUse := b.outstanding + b.queued
	b.mu.Unlock()

	b.metrics.LeasesDiscarded(discarded)
	b.metrics.SetSlotsInUse(inUse)
	b.log.WithField("discarded", discarded).Debug("buffer broker closed")
}

func (b *Broker) request(s *Session, size int) input.Lease {
	b.mu.Lock()
	reason := b.admitLocked(s, size)
	if reason != input.DenyNone {
		b.stats.denied[reason]++
		s.stats.Denied++
		b.mu.Unlock()

		b.metrics.BufferRequest(reason.String())
		s.log.WithFields(logrus.Fields{"size": size, "reason": reason}).Debug("buffer request denied")
		return input.Deny(reason)
	}

	buf, allocated := b.takeLocked(size)
	if allocated {
		b.stats.allocations++
	}
	id := b.nextID
	b.nextID++
	b.leases[id] = &lease{
		id:      id,
		session: s,
		size:    size,
		buf:     buf,
		state:   leasedToWriter,
	}
	b.outstanding++
	b.stats.granted++
	s.stats.Granted++
	inUse := b.outstanding + b.queued
	b.mu.Unlock()

	b.metrics.BufferRequest("granted")
	if allocated {
		b.metrics.BufferAllocated()
	}
	b.metrics.SetSlotsInUse(inUse)
	return input.Lease{ID: id, Buf: buf}
}

func (b *Broker) admitLocked(s *Session, size int) input.DenyReason {
	switch {
	case b.closed || s.closed:
		return input.DenyShuttingDown
	case !s.enabled:
		return input.DenyNotStarted
	case size <= 0:
		return input.DenyInvalidSize
	case size > b.cfg.MaxBufferSize:
		return input.DenyTooLarge
	case b.outstanding+b.queued >= b.cfg.Slots:
		return input.DenyPoolExhausted
	}
	return input.DenyNone
}

// takeLocked returns the smallest pooled buffer that fits, or a new one
func (b *Broker) takeLocked(size int) ([]byte, bool) {
	best := -1
	for i, buf := range b.free {
		if cap(buf) >= size && (best < 0 || cap(buf) < cap(b.free[best])) {
			best = i
		}
	}
	if best < 0 {
		return make([]byte, size), true
	}
	buf := b.free[best]
	last := len(b.free) - 1
	b.free[best] = b.free[last]
	b.free[last] = nil
	b.free = b.free[:last]
	return buf[:size], false
}

func (b *Broker) putLocked(buf []byte) {
	if buf == nil || len(b.free) >= b.cfg.Slots {
		return
	}
	b.free = append(b.free, buf[:cap(buf)])
}

// dropLocked ends a lease. Only buffers whose writer is known to be done
// are pooled; a discarded buffer may still be written by a plugin that
// failed to stop, so it is left to the garbage collector.
func (b *Broker) dropLocked(l *lease, recycle bool) {
	delete(b.leases, l.id)
	if l.state == leasedToWriter {
		b.outstanding--
	} else {
		b.queued--
	}
	if recycle {
		b.putLocked(l.buf)
	}
	l.buf = nil
}

func (b *Broker) finalize(s *Session, id int, header input.ImageHeader) error {
	b.mu.Lock()
	l, ok := b.leases[id]
	var err error
	switch {
	case !ok:
		err = fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	case l.session != s:
		err = fmt.Errorf("%w: %d", ErrForeignRequest, id)
	case l.state == ownedByHost:
		err = fmt.Errorf("%w: %d", ErrAlreadyFinalized, id)
	default:
		if size := header.Size(); size < 0 || size > l.size {
			err = fmt.Errorf("%w: %s, %d channels %s exceeds %d bytes",
				ErrOversizedFrame, header.Resolution(), header.Channels, header.Format, l.size)
			b.dropLocked(l, false)
		} else if verr := header.Validate(); verr != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidHeader, verr)
			b.dropLocked(l, false)
		}
	}

	if err != nil {
		b.stats.violations++
		s.stats.Violations++
		inUse := b.outstanding + b.queued
		b.mu.Unlock()

		b.metrics.ProtocolViolation(violationKind(err))
		b.metrics.SetSlotsInUse(inUse)
		s.log.WithError(err).WithField("request_id", id).Warn("finalize rejected")
		return err
	}

	l.state = ownedByHost
	b.outstanding--
	b.queued++
	b.seq++
	b.stats.finalized++
	s.stats.Finalized++

	frame := &Frame{
		InstanceID:  s.instanceID,
		RequestID:   id,
		Sequence:    b.seq,
		Header:      header,
		Data:        l.buf[:header.Size()],
		FinalizedAt: time.Now(),
		broker:      b,
	}
	// queued never exceeds Slots, the channel capacity
	b.frames <- frame
	b.mu.Unlock()

	b.metrics.FrameFinalized()
	return nil
}

// reclaim retires a finalized request id once its frame is released
func (b *Broker) reclaim(id int) {
	b.mu.Lock()
	l, ok := b.leases[id]
	if !ok || l.state != ownedByHost {
		b.mu.Unlock()
		return
	}
	b.dropLocked(l, true)
	b.stats.released++
	inUse := b.outstanding + b.queued
	b.mu.Unlock()

	b.metrics.SetSlotsInUse(inUse)
}

func (b *Broker) disable(s *Session, closing bool) int {
	b.mu.Lock()
	s.enabled = false
	if closing {
		s.closed = true
	}
	discarded := 0
	for _, l := range b.leases {
		if l.session == s && l.state == leasedToWriter {
			b.dropLocked(l, false)
			discarded++
		}
	}
	b.stats.discarded += uint64(discarded)
	s.stats.Discarded += uint64(discarded)
	inUse := b.outstanding + b.queued
	b.mu.Unlock()

	b.metrics.LeasesDiscarded(discarded)
	b.metrics.SetSlotsInUse(inUse)
	if discarded > 0 {
		s.log.WithField("discarded", discarded).Info("discarded unfinalized buffers")
	}
	return discarded
}

// Stats is a snapshot of broker counters
type Stats struct {
	Slots         int               `json:"slots"`
	MaxBufferSize int               `json:"max_buffer_size"`
	SlotsInUse    int               `json:"slots_in_use"`
	Outstanding   int               `json:"outstanding"`
	Queued        int               `json:"queued"`
	Pooled        int               `json:"pooled"`
	Granted       uint64            `json:"granted"`
	Denied        map[string]uint64 `json:"denied"`
	Finalized     uint64            `json:"finalized"`
	Released      uint64            `json:"released"`
	Violations    uint64            `json:"violations"`
	Discarded     uint64            `json:"discarded"`
	Allocations   uint64            `json:"allocations"`
	Closed        bool              `json:"closed"`
}

// Stats returns a snapshot of the broker counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	denied := make(map[string]uint64, len(b.stats.denied))
	for reason, n := range b.stats.denied {
		denied[reason.String()] = n
	}

	return Stats{
		Slots:         b.cfg.Slots,
		MaxBufferSize: b.cfg.MaxBufferSize,
		SlotsInUse:    b.outstanding + b.queued,
		Outstanding:   b.outstanding,
		Queued:        b.queued,
		Pooled:        len(b.free),
		Granted:       b.stats.granted,
		Denied:        denied,
		Finalized:     b.stats.finalized,
		Released:      b.stats.released,
		Violations:    b.stats.violations,
		Discarded:     b.stats.discarded,
		Allocations:   b.stats.allocations,
		Closed:        b.closed,
	}
}
