package input

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Base carries the parts of Plugin every source shares: the injected buffer
// callbacks and the host-assigned identity. Embed it and implement the
// lifecycle methods.
type Base struct {
	mu       sync.RWMutex
	request  RequestBufferFunc
	finalize FinalizeBufferFunc
	id       int
	idSet    bool
	log      *logrus.Entry

	granted atomic.Uint64
	dropped atomic.Uint64
}

// SetCallbacks implements Plugin
func (b *Base) SetCallbacks(request RequestBufferFunc, finalize FinalizeBufferFunc) {
	b.mu.Lock()
	b.request = request
	b.finalize = finalize
	b.mu.Unlock()
}

// UniqueID implements Plugin. It returns -1 until the host assigns an id.
func (b *Base) UniqueID() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.idSet {
		return -1
	}
	return b.id
}

// SetUniqueID implements Plugin
func (b *Base) SetUniqueID(id int) {
	b.mu.Lock()
	b.id = id
	b.idSet = true
	b.mu.Unlock()
}

// SetLogger implements LoggerSetter
func (b *Base) SetLogger(log *logrus.Entry) {
	b.mu.Lock()
	b.log = log
	b.mu.Unlock()
}

// Log returns the logger the host injected, or the standard logger before
// that happens
func (b *Base) Log() *logrus.Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return b.log
}

// RequestBuffer asks the host for size bytes. A denied request is counted as
// a dropped frame.
func (b *Base) RequestBuffer(size int) Lease {
	b.mu.RLock()
	request := b.request
	b.mu.RUnlock()

	if request == nil {
		b.dropped.Add(1)
		return Deny(DenyNoBroker)
	}

	lease := request(size)
	if !lease.OK() {
		b.dropped.Add(1)
		return Lease{ID: NoRequest, Reason: lease.Reason}
	}
	b.granted.Add(1)
	return lease
}

// FinalizeBuffer hands a granted buffer back to the host
func (b *Base) FinalizeBuffer(id int, header ImageHeader) {
	b.mu.RLock()
	finalize := b.finalize
	b.mu.RUnlock()

	if finalize == nil || id < 0 {
		return
	}
	finalize(id, header)
}

// Granted returns how many buffer requests the host granted
func (b *Base) Granted() uint64 {
	return b.granted.Load()
}

// Dropped returns how many frames were dropped because a request was denied
func (b *Base) Dropped() uint64 {
	return b.dropped.Load()
}
