package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/video-system/go-input-host/pkg/input"
	"github.com/video-system/go-input-host/pkg/observability"
)

var hd = input.ImageHeader{Width: 1920, Height: 1080, Channels: 4, Format: input.FormatRGBA8}

func newTestBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	b := New(cfg, nil, nil)
	t.Cleanup(b.Close)
	return b
}

func enabledSession(t *testing.T, b *Broker, id int) *Session {
	t.Helper()
	s := b.Session(id)
	require.NoError(t, s.Enable())
	return s
}

func nextFrame(t *testing.T, b *Broker) *Frame {
	t.Helper()
	select {
	case f := <-b.Frames():
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return nil
	}
}

func assertNoFrame(t *testing.T, b *Broker) {
	t.Helper()
	select {
	case f := <-b.Frames():
		t.Fatalf("unexpected frame %d", f.RequestID)
	default:
	}
}

func TestFullHDFrameRoundTrip(t *testing.T) {
	b := newTestBroker(t, Config{})
	s := enabledSession(t, b, 1)

	lease := s.Request(8294400)
	require.True(t, lease.OK())
	require.Len(t, lease.Buf, 1920*1080*4)
	for i := range lease.Buf {
		lease.Buf[i] = byte(i)
	}

	require.NoError(t, s.Finalize(lease.ID, hd))

	f := nextFrame(t, b)
	assert.Equal(t, 1, f.InstanceID)
	assert.Equal(t, lease.ID, f.RequestID)
	assert.Equal(t, uint32(1920), f.Header.Width)
	assert.Equal(t, uint32(1080), f.Header.Height)
	assert.Equal(t, uint8(4), f.Header.Channels)
	assert.Equal(t, input.FormatRGBA8, f.Header.Format)
	assert.Equal(t, "", f.Header.Metadata)
	require.Len(t, f.Data, 8294400)
	assert.Equal(t, byte(255), f.Data[255])
	assertNoFrame(t, b)

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Finalized)
	assert.Equal(t, 1, st.Queued)

	f.Release()
	f.Release()
	st = b.Stats()
	assert.Equal(t, 0, st.SlotsInUse)
	assert.Equal(t, uint64(1), st.Released)
}

func TestRequestDenials(t *testing.T) {
	b := newTestBroker(t, Config{Slots: 2, MaxBufferSize: 1024})

	t.Run("not started", func(t *testing.T) {
		s := b.Session(1)
		lease := s.Request(16)
		assert.False(t, lease.OK())
		assert.Equal(t, input.NoRequest, lease.ID)
		assert.Equal(t, input.DenyNotStarted, lease.Reason)
		assert.Nil(t, lease.Buf)
	})

	s := enabledSession(t, b, 2)

	t.Run("invalid size", func(t *testing.T) {
		assert.Equal(t, input.DenyInvalidSize, s.Request(0).Reason)
		assert.Equal(t, input.DenyInvalidSize, s.Request(-4).Reason)
	})

	t.Run("too large", func(t *testing.T) {
		assert.Equal(t, input.DenyTooLarge, s.Request(1025).Reason)
	})

	t.Run("pool exhausted", func(t *testing.T) {
		first := s.Request(16)
		second := s.Request(16)
		require.True(t, first.OK())
		require.True(t, second.OK())
		assert.NotEqual(t, first.ID, second.ID)

		third := s.Request(16)
		assert.False(t, third.OK())
		assert.Equal(t, input.DenyPoolExhausted, third.Reason)
		assert.Nil(t, third.Buf, "no memory handed out on denial")

		// a finalized but unreleased frame still holds its slot
		require.NoError(t, s.Finalize(first.ID, input.ImageHeader{Width: 2, Height: 2, Channels: 4}))
		assert.Equal(t, input.DenyPoolExhausted, s.Request(16).Reason)

		nextFrame(t, b).Release()
		assert.True(t, s.Request(16).OK())
	})

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Denied["not_started"])
	assert.Equal(t, uint64(2), st.Denied["invalid_size"])
	assert.Equal(t, uint64(1), st.Denied["too_large"])
	assert.Equal(t, uint64(2), st.Denied["pool_exhausted"])
}

func TestFinalizeViolations(t *testing.T) {
	b := newTestBroker(t, Config{})
	s := enabledSession(t, b, 1)
	small := input.ImageHeader{Width: 4, Height: 4, Channels: 4, Format: input.FormatRGBA8}

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, s.Finalize(42, small), ErrUnknownRequest)
		assert.ErrorIs(t, s.Finalize(input.NoRequest, small), ErrUnknownRequest)
	})

	t.Run("double finalize", func(t *testing.T) {
		lease := s.Request(small.Size())
		require.NoError(t, s.Finalize(lease.ID, small))
		assert.ErrorIs(t, s.Finalize(lease.ID, small), ErrAlreadyFinalized)

		nextFrame(t, b).Release()
		assert.ErrorIs(t, s.Finalize(lease.ID, small), ErrUnknownRequest)
		assertNoFrame(t, b)
	})

	t.Run("foreign session", func(t *testing.T) {
		other := enabledSession(t, b, 2)
		lease := s.Request(small.Size())
		assert.ErrorIs(t, other.Finalize(lease.ID, small), ErrForeignRequest)
		require.NoError(t, s.Finalize(lease.ID, small))
		nextFrame(t, b).Release()
	})

	t.Run("oversized", func(t *testing.T) {
		lease := s.Request(small.Size() - 1)
		assert.ErrorIs(t, s.Finalize(lease.ID, small), ErrOversizedFrame)
		assert.ErrorIs(t, s.Finalize(lease.ID, small), ErrUnknownRequest, "rejected finalize ends the lease")
		assertNoFrame(t, b)
	})

	t.Run("invalid header", func(t *testing.T) {
		lease := s.Request(64)
		assert.ErrorIs(t, s.Finalize(lease.ID, input.ImageHeader{Width: 4, Channels: 4}), ErrInvalidHeader)
		assertNoFrame(t, b)
	})

	t.Run("smaller frame than lease", func(t *testing.T) {
		lease := s.Request(small.Size() * 2)
		require.NoError(t, s.Finalize(lease.ID, small))
		f := nextFrame(t, b)
		assert.Len(t, f.Data, small.Size())
		f.Release()
	})

	st := b.Stats()
	assert.Equal(t, uint64(8), st.Violations)
	assert.Equal(t, 0, st.SlotsInUse)
	assert.Equal(t, uint64(7), s.Stats().Violations, "the foreign finalize is charged to the other session")
}

func TestDisableDiscardsOutstanding(t *testing.T) {
	b := newTestBroker(t, Config{Slots: 4})
	s := enabledSession(t, b, 1)
	other := enabledSession(t, b, 2)

	a := s.Request(128)
	c := s.Request(128)
	keep := other.Request(128)
	require.True(t, a.OK() && c.OK() && keep.OK())
	assert.Equal(t, 2, s.Outstanding())

	assert.Equal(t, 2, s.Disable())
	assert.Equal(t, 0, s.Outstanding())
	assert.Equal(t, 1, other.Outstanding(), "other sessions keep their leases")
	assert.False(t, s.Enabled())

	// late finalize after stop is rejected, no frame appears
	assert.ErrorIs(t, s.Finalize(a.ID, input.ImageHeader{Width: 1, Height: 1, Channels: 4}), ErrUnknownRequest)
	assertNoFrame(t, b)
	assert.Equal(t, input.DenyNotStarted, s.Request(128).Reason)

	// restart is allowed after disable
	require.NoError(t, s.Enable())
	assert.True(t, s.Request(128).OK())

	st := b.Stats()
	assert.Equal(t, uint64(2), st.Discarded)
	assert.Equal(t, 2, st.Outstanding)
}

func TestCloseSessionLeaksNothing(t *testing.T) {
	b := newTestBroker(t, Config{Slots: 2})
	s := enabledSession(t, b, 1)

	lease := s.Request(1 << 20)
	require.True(t, lease.OK())

	assert.Equal(t, 1, s.Close())
	assert.ErrorIs(t, s.Enable(), ErrClosed)
	assert.Equal(t, input.DenyShuttingDown, s.Request(16).Reason)

	st := b.Stats()
	assert.Equal(t, 0, st.SlotsInUse)
	assert.Equal(t, 0, st.Outstanding)
	assert.Equal(t, 0, st.Pooled, "discarded buffers are not pooled")
	assert.Equal(t, uint64(1), st.Allocations)
}

func TestDiscardedBufferNotRecycled(t *testing.T) {
	b := newTestBroker(t, Config{Slots: 2})
	stuck := enabledSession(t, b, 1)
	other := enabledSession(t, b, 2)

	stale := stuck.Request(64)
	require.True(t, stale.OK())
	stuck.Close()

	// the stuck writer keeps scribbling after its session is gone
	fresh := other.Request(64)
	require.True(t, fresh.OK())
	stale.Buf[0] = 0xab
	assert.Equal(t, byte(0), fresh.Buf[0])
	assert.NotSame(t, &stale.Buf[0], &fresh.Buf[0])

	// released frames are still recycled
	h := input.ImageHeader{Width: 4, Height: 4, Channels: 4, Format: input.FormatRGBA8}
	require.NoError(t, other.Finalize(fresh.ID, h))
	f := nextFrame(t, b)
	data := &f.Data[0]
	f.Release()

	again := other.Request(64)
	require.True(t, again.OK())
	assert.Same(t, data, &again.Buf[0])
	assert.Equal(t, uint64(2), b.Stats().Allocations)
}

func TestFinalizeSizeLimits(t *testing.T) {
	b := newTestBroker(t, Config{Slots: 2})
	s := enabledSession(t, b, 1)

	headers := map[string]input.ImageHeader{
		"max dimensions":  {Width: 0xFFFFFFFF, Height: 0xFFFFFFFF, Channels: 1, Format: input.FormatRGBA8},
		"max float frame": {Width: 0xFFFFFFFF, Height: 0xFFFFFFFF, Channels: 4, Format: input.FormatRGBA32F},
		"max width":       {Width: 0xFFFFFFFF, Height: 1, Channels: 4, Format: input.FormatRGBA8},
		"max height":      {Width: 1, Height: 0xFFFFFFFF, Channels: 4, Format: input.FormatRGBA16},
	}
	for name, h := range headers {
		t.Run(name, func(t *testing.T) {
			lease := s.Request(16)
			require.True(t, lease.OK())

			assert.NotPanics(t, func() {
				assert.ErrorIs(t, s.Finalize(lease.ID, h), ErrOversizedFrame)
			})
			assertNoFrame(t, b)

			// the broker keeps serving after the rejection
			small := input.ImageHeader{Width: 2, Height: 2, Channels: 1, Format: input.FormatRGBA8}
			next := s.Request(small.Size())
			require.True(t, next.OK())
			require.NoError(t, s.Finalize(next.ID, small))
			nextFrame(t, b).Release()
		})
	}

	st := b.Stats()
	assert.Equal(t, uint64(len(headers)), st.Violations)
	assert.Equal(t, 0, st.SlotsInUse)
}

func TestBufferReuse(t *testing.T) {
	b := newTestBroker(t, Config{Slots: 2})
	s := enabledSession(t, b, 1)
	h := input.ImageHeader{Width: 16, Height: 16, Channels: 4, Format: input.FormatRGBA8}

	for i := 0; i < 10; i++ {
		lease := s.Request(h.Size())
		require.True(t, lease.OK())
		require.NoError(t, s.Finalize(lease.ID, h))
		nextFrame(t, b).Release()
	}

	// a smaller request fits in a pooled buffer too
	lease := s.Request(h.Size() / 2)
	require.True(t, lease.OK())
	assert.Len(t, lease.Buf, h.Size()/2)

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Allocations)
	assert.Equal(t, uint64(11), st.Granted)
}

func TestRequestIDsNeverReused(t *testing.T) {
	b := newTestBroker(t, Config{Slots: 1})
	s := enabledSession(t, b, 1)
	h := input.ImageHeader{Width: 1, Height: 1, Channels: 4}

	seen := make(map[int]bool)
	for i := 0; i < 20; i++ {
		lease := s.Request(4)
		require.True(t, lease.OK())
		require.False(t, seen[lease.ID], "id %d reused", lease.ID)
		seen[lease.ID] = true
		if i%2 == 0 {
			s.Disable()
			require.NoError(t, s.Enable())
			continue
		}
		require.NoError(t, s.Finalize(lease.ID, h))
		nextFrame(t, b).Release()
	}
}

func TestBrokerClose(t *testing.T) {
	b := New(Config{Slots: 3}, nil, nil)
	s := enabledSession(t, b, 1)
	h := input.ImageHeader{Width: 1, Height: 1, Channels: 4}

	queued := s.Request(4)
	require.NoError(t, s.Finalize(queued.ID, h))
	pending := s.Request(4)

	b.Close()
	b.Close()

	assert.Equal(t, input.DenyShuttingDown, s.Request(4).Reason)
	assert.ErrorIs(t, s.Finalize(pending.ID, h), ErrUnknownRequest)

	f, ok := <-b.Frames()
	require.True(t, ok, "queued frames survive close")
	assert.Equal(t, queued.ID, f.RequestID)
	f.Release()

	_, ok = <-b.Frames()
	assert.False(t, ok)

	st := b.Stats()
	assert.True(t, st.Closed)
	assert.Equal(t, 0, st.SlotsInUse)
}

func TestConcurrentProducers(t *testing.T) {
	b := New(Config{Slots: 4}, nil, nil)
	h := input.ImageHeader{Width: 8, Height: 8, Channels: 4, Format: input.FormatRGBA8}

	var consumed sync.WaitGroup
	consumed.Add(1)
	var frames int
	go func() {
		defer consumed.Done()
		for f := range b.Frames() {
			frames++
			f.Release()
		}
	}()

	var producers sync.WaitGroup
	for p := 0; p < 4; p++ {
		s := enabledSession(t, b, p)
		producers.Add(1)
		go func(p int, s *Session) {
			defer producers.Done()
			for i := 0; i < 200; i++ {
				lease := s.Request(h.Size())
				if !lease.OK() {
					continue
				}
				lease.Buf[0] = byte(p)
				if err := s.Finalize(lease.ID, h); err != nil {
					t.Errorf("finalize: %v", err)
				}
			}
		}(p, s)
	}
	producers.Wait()
	b.Close()
	consumed.Wait()

	st := b.Stats()
	assert.Equal(t, st.Granted, st.Finalized)
	assert.Equal(t, int(st.Finalized), frames)
	assert.Equal(t, uint64(0), st.Violations)
	assert.Equal(t, 0, st.SlotsInUse)
	assert.Equal(t, uint64(800), st.Granted+st.Denied["pool_exhausted"])
	assert.LessOrEqual(t, st.Allocations, uint64(4))
}

func TestBrokerMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := observability.NewMetrics(registry)
	b := New(Config{Slots: 1}, nil, m)
	defer b.Close()
	s := enabledSession(t, b, 1)

	lease := s.Request(4)
	s.Request(4)
	require.NoError(t, s.Finalize(lease.ID, input.ImageHeader{Width: 1, Height: 1, Channels: 4}))
	_ = s.Finalize(lease.ID, input.ImageHeader{Width: 1, Height: 1, Channels: 4})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.BufferRequestsTotal.WithLabelValues("granted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BufferRequestsTotal.WithLabelValues("pool_exhausted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FramesFinalizedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProtocolViolationsTotal.WithLabelValues("already_finalized")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SlotsInUse))

	nextFrame(t, b).Release()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SlotsInUse))
}

func TestSessionCallbacks(t *testing.T) {
	b := newTestBroker(t, Config{})
	s := enabledSession(t, b, 5)

	var plugin input.Base
	plugin.SetCallbacks(s.Callbacks())

	lease := plugin.RequestBuffer(hd.Size())
	require.True(t, lease.OK())
	plugin.FinalizeBuffer(lease.ID, hd)
	plugin.FinalizeBuffer(lease.ID, hd) // rejected and logged, never surfaces

	f := nextFrame(t, b)
	assert.Equal(t, 5, f.InstanceID)
	f.Release()
	assert.Equal(t, uint64(1), b.Stats().Violations)
}
