package output

import "github.com/video-system/go-input-host/pkg/broker"

// Sink consumes finalized frames (display, recording, previews).
//
// WriteFrame is called from the host dispatch goroutine. The frame is
// released right after the call returns, so a sink that keeps pixels must
// copy them.
type Sink interface {
	Name() string
	WriteFrame(frame *broker.Frame) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc struct {
	SinkName string
	Fn       func(frame *broker.Frame) error
}

// Name implements Sink
func (s SinkFunc) Name() string {
	return s.SinkName
}

// WriteFrame implements Sink
func (s SinkFunc) WriteFrame(frame *broker.Frame) error {
	return s.Fn(frame)
}

// Forgetter is implemented by sinks that keep per-instance state. Drop is
// called once an instance is released.
type Forgetter interface {
	Drop(instanceID int)
}
