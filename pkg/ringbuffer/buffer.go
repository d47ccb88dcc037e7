package ringbuffer

import (
	"image"
	"sort"
	"sync"
	"time"

	"github.com/video-system/go-input-host/pkg/broker"
	"github.com/video-system/go-input-host/pkg/input"
)

// DefaultDepth is the number of frames kept per instance
const DefaultDepth = 4

// Config holds ring buffer configuration
type Config struct {
	Depth int `yaml:"depth"` // Frames kept per instance
}

// Buffer keeps the most recent frames of every instance. It is a sink:
// frames are copied out of broker memory so they outlive Release.
type Buffer struct {
	cfg Config

	mu    sync.RWMutex
	rings map[int]*ring
}

// Record is a copied frame
type Record struct {
	InstanceID  int               `json:"instance_id"`
	RequestID   int               `json:"request_id"`
	Sequence    uint64            `json:"sequence"`
	Header      input.ImageHeader `json:"header"`
	Data        []byte            `json:"-"`
	FinalizedAt time.Time         `json:"finalized_at"`
}

// Image converts the record to an image
func (r *Record) Image() (image.Image, error) {
	return input.ToImage(r.Header, r.Data)
}

type ring struct {
	records  []*Record
	next     int
	count    int
	total    uint64
	firstSeq uint64
	lastSeq  uint64
}

// New creates a new ring buffer
func New(cfg Config) *Buffer {
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	return &Buffer{
		cfg:   cfg,
		rings: make(map[int]*ring),
	}
}

// Name implements output.Sink
func (b *Buffer) Name() string {
	return "ring"
}

// WriteFrame implements output.Sink
func (b *Buffer) WriteFrame(f *broker.Frame) error {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	rec := &Record{
		InstanceID:  f.InstanceID,
		RequestID:   f.RequestID,
		Sequence:    f.Sequence,
		Header:      f.Header,
		Data:        data,
		FinalizedAt: f.FinalizedAt,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[f.InstanceID]
	if !ok {
		r = &ring{records: make([]*Record, b.cfg.Depth)}
		b.rings[f.InstanceID] = r
	}

	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.count < len(r.records) {
		r.count++
	}
	r.total++
	r.lastSeq = rec.Sequence
	r.firstSeq = r.oldest().Sequence
	return nil
}

func (r *ring) oldest() *Record {
	if r.count < len(r.records) {
		return r.records[0]
	}
	return r.records[r.next]
}

// Latest returns the newest record of an instance
func (b *Buffer) Latest(instanceID int) (*Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.rings[instanceID]
	if !ok || r.count == 0 {
		return nil, false
	}
	idx := (r.next - 1 + len(r.records)) % len(r.records)
	return r.records[idx], true
}

// Records returns the kept records of an instance, oldest first
func (b *Buffer) Records(instanceID int) []*Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.rings[instanceID]
	if !ok {
		return nil
	}

	out := make([]*Record, 0, r.count)
	start := 0
	if r.count == len(r.records) {
		start = r.next
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.records[(start+i)%len(r.records)])
	}
	return out
}

// Drop forgets an instance, e.g. after it is released
func (b *Buffer) Drop(instanceID int) {
	b.mu.Lock()
	delete(b.rings, instanceID)
	b.mu.Unlock()
}

// RingStatus describes one instance ring
type RingStatus struct {
	InstanceID int     `json:"instance_id"`
	Health     float64 `json:"health"`
	Count      int     `json:"count"`
	Total      uint64  `json:"total"`
	FirstSeq   uint64  `json:"first_seq"`
	LastSeq    uint64  `json:"last_seq"`
	NewestTime int64   `json:"newest_time"`
}

// Status returns the status of every ring, ordered by instance id
func (b *Buffer) Status() []RingStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]RingStatus, 0, len(b.rings))
	for id, r := range b.rings {
		st := RingStatus{
			InstanceID: id,
			Health:     float64(r.count) / float64(len(r.records)),
			Count:      r.count,
			Total:      r.total,
			FirstSeq:   r.firstSeq,
			LastSeq:    r.lastSeq,
		}
		if r.count > 0 {
			idx := (r.next - 1 + len(r.records)) % len(r.records)
			st.NewestTime = r.records[idx].FinalizedAt.UnixMilli()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}
