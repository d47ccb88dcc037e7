package broker

import (
	"sync"
	"time"

	"github.com/video-system/go-input-host/pkg/input"
)

// Frame is a finalized buffer owned by the host.
//
// Data stays valid until Release. Consumers that keep pixels past Release
// must copy them.
type Frame struct {
	InstanceID  int
	RequestID   int
	Sequence    uint64
	Header      input.ImageHeader
	Data        []byte
	FinalizedAt time.Time

	broker      *Broker
	releaseOnce sync.Once
}

// Release returns the buffer to the pool and retires the request id. It is
// safe to call more than once.
func (f *Frame) Release() {
	f.releaseOnce.Do(func() {
		if f.broker != nil {
			f.broker.reclaim(f.RequestID)
		}
		f.Data = nil
	})
}
