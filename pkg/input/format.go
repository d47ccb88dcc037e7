package input

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// PixelFormat describes the per-channel encoding of a frame
type PixelFormat uint8

const (
	FormatRGBA8   PixelFormat = iota // 8-bit unsigned integer
	FormatRGBA16                     // 16-bit unsigned integer, little-endian
	FormatRGBA32F                    // 32-bit IEEE-754 float, little-endian
)

var formatNames = [...]string{
	FormatRGBA8:   "rgba8",
	FormatRGBA16:  "rgba16",
	FormatRGBA32F: "rgba32f",
}

// Valid reports whether f is one of the known formats
func (f PixelFormat) Valid() bool {
	return int(f) < len(formatNames)
}

// ChannelSize returns the number of bytes per channel, or 0 for an unknown format
func (f PixelFormat) ChannelSize() int {
	switch f {
	case FormatRGBA8:
		return 1
	case FormatRGBA16:
		return 2
	case FormatRGBA32F:
		return 4
	}
	return 0
}

func (f PixelFormat) String() string {
	if !f.Valid() {
		return fmt.Sprintf("PixelFormat(%d)", uint8(f))
	}
	return formatNames[f]
}

// ParsePixelFormat parses a format name such as "rgba8"
func ParsePixelFormat(s string) (PixelFormat, error) {
	for i, name := range formatNames {
		if name == s {
			return PixelFormat(i), nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (f PixelFormat) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("unknown pixel format %d", uint8(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (f *PixelFormat) UnmarshalText(text []byte) error {
	parsed, err := ParsePixelFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MaxChannels is the largest channel count a frame may carry
const MaxChannels = 4

var (
	ErrZeroDimension = errors.New("width and height must be positive")
	ErrChannelCount  = errors.New("channel count out of range")
	ErrUnknownFormat = errors.New("unknown pixel format")
	ErrSizeOverflow  = errors.New("frame size overflows")
)

// ImageHeader describes one finalized frame
type ImageHeader struct {
	Width    uint32      `json:"width"`
	Height   uint32      `json:"height"`
	Channels uint8       `json:"channels"`
	Format   PixelFormat `json:"format"`
	// Metadata is opaque to the host; sources usually put JSON here.
	Metadata string `json:"metadata,omitempty"`
}

// Size returns the number of bytes the frame occupies, or -1 when that does
// not fit in an int
func (h ImageHeader) Size() int {
	return mulSize(h.Width, h.Height, uint64(h.Channels), uint64(h.Format.ChannelSize()))
}

// Stride returns the number of bytes in one row, or -1 on overflow
func (h ImageHeader) Stride() int {
	return mulSize(h.Width, 1, uint64(h.Channels), uint64(h.Format.ChannelSize()))
}

func mulSize(width, height uint32, factors ...uint64) int {
	n := uint64(width) * uint64(height)
	for _, f := range factors {
		hi, lo := bits.Mul64(n, f)
		if hi != 0 {
			return -1
		}
		n = lo
	}
	if n > math.MaxInt {
		return -1
	}
	return int(n)
}

// Validate checks the header describes a non-empty frame in a known format
func (h ImageHeader) Validate() error {
	if h.Width == 0 || h.Height == 0 {
		return ErrZeroDimension
	}
	if h.Channels == 0 || h.Channels > MaxChannels {
		return fmt.Errorf("%w: %d", ErrChannelCount, h.Channels)
	}
	if !h.Format.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(h.Format))
	}
	if h.Size() < 0 {
		return fmt.Errorf("%w: %s, %d channels", ErrSizeOverflow, h.Resolution(), h.Channels)
	}
	return nil
}

// Resolution returns resolution string like "1920x1080"
func (h ImageHeader) Resolution() string {
	return fmt.Sprintf("%dx%d", h.Width, h.Height)
}
