package input

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
)

// PutPixel writes c as pixel i of a frame laid out as h. One channel stores
// luminance, two store luminance and alpha, three and four store RGB(A).
func PutPixel(dst []byte, h ImageHeader, i int, c color.NRGBA64) {
	cs := h.Format.ChannelSize()
	off := i * int(h.Channels) * cs

	var vals [MaxChannels]uint16
	switch h.Channels {
	case 1:
		vals[0] = luma(c)
	case 2:
		vals[0], vals[1] = luma(c), c.A
	default:
		vals = [MaxChannels]uint16{c.R, c.G, c.B, c.A}
	}

	for ch := 0; ch < int(h.Channels); ch++ {
		putChannel(dst[off+ch*cs:], h.Format, vals[ch])
	}
}

// Pixel reads pixel i of a frame laid out as h
func Pixel(src []byte, h ImageHeader, i int) color.NRGBA64 {
	cs := h.Format.ChannelSize()
	off := i * int(h.Channels) * cs

	var vals [MaxChannels]uint16
	for ch := 0; ch < int(h.Channels); ch++ {
		vals[ch] = channel(src[off+ch*cs:], h.Format)
	}

	switch h.Channels {
	case 1:
		return color.NRGBA64{R: vals[0], G: vals[0], B: vals[0], A: math.MaxUint16}
	case 2:
		return color.NRGBA64{R: vals[0], G: vals[0], B: vals[0], A: vals[1]}
	case 3:
		return color.NRGBA64{R: vals[0], G: vals[1], B: vals[2], A: math.MaxUint16}
	default:
		return color.NRGBA64{R: vals[0], G: vals[1], B: vals[2], A: vals[3]}
	}
}

// ToImage converts frame data into an image for previews and snapshots
func ToImage(h ImageHeader, data []byte) (image.Image, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if len(data) < h.Size() {
		return nil, fmt.Errorf("frame data too short: %d < %d", len(data), h.Size())
	}

	w, ht := int(h.Width), int(h.Height)
	if h.Format == FormatRGBA8 && h.Channels == 4 {
		img := image.NewNRGBA(image.Rect(0, 0, w, ht))
		copy(img.Pix, data[:h.Size()])
		return img, nil
	}

	img := image.NewNRGBA64(image.Rect(0, 0, w, ht))
	for y := 0; y < ht; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA64(x, y, Pixel(data, h, y*w+x))
		}
	}
	return img, nil
}

func putChannel(dst []byte, f PixelFormat, v uint16) {
	switch f {
	case FormatRGBA8:
		dst[0] = uint8(v >> 8)
	case FormatRGBA16:
		binary.LittleEndian.PutUint16(dst, v)
	case FormatRGBA32F:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)/math.MaxUint16))
	}
}

func channel(src []byte, f PixelFormat) uint16 {
	switch f {
	case FormatRGBA8:
		return uint16(src[0]) * 0x101
	case FormatRGBA16:
		return binary.LittleEndian.Uint16(src)
	case FormatRGBA32F:
		v := math.Float32frombits(binary.LittleEndian.Uint32(src))
		switch {
		case math.IsNaN(float64(v)) || v <= 0:
			return 0
		case v >= 1:
			return math.MaxUint16
		}
		return uint16(v*math.MaxUint16 + 0.5)
	}
	return 0
}

func luma(c color.NRGBA64) uint16 {
	return uint16((19595*uint32(c.R) + 38470*uint32(c.G) + 7471*uint32(c.B) + 1<<15) >> 16)
}
