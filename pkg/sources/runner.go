// Package sources holds the built-in input source plugins and the helpers
// they share. Import a plugin package for its side effect of registering
// its type.
package sources

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Runner runs one producer goroutine at a time
type Runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs fn on a new goroutine. It returns false if one is running.
func (r *Runner) Start(fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	go func() {
		defer close(done)
		fn(ctx)
	}()
	return true
}

// Stop cancels the goroutine and waits for it to return
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a goroutine was started and not stopped
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Every calls fn at the given rate until ctx is done
func Every(ctx context.Context, fps float64, fn func(ctx context.Context)) {
	if fps <= 0 {
		fps = 1
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Metadata encodes frame metadata as JSON. The host passes it through
// untouched.
func Metadata(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
