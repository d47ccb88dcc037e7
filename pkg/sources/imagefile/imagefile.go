// Package imagefile provides a source that decodes a still image and emits it
// at a fixed rate.
package imagefile

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-input-host/pkg/input"
	"github.com/video-system/go-input-host/pkg/sources"
)

// Type is the registry name of the source
const Type = "imagefile"

func init() {
	input.Register(Type, New)
}

// Source emits a decoded still image
type Source struct {
	input.Base

	runner sources.Runner

	mu       sync.Mutex
	settings input.Settings
	header   input.ImageHeader
	pixels   []byte
	frame    uint64
}

// New creates an image file source
func New() input.Plugin {
	return &Source{}
}

// Init implements input.Plugin
func (s *Source) Init() error {
	return nil
}

// ReadSettings implements input.SettingsReader. The file is read on Start.
func (s *Source) ReadSettings(settings input.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

// Start decodes the image and begins emitting it
func (s *Source) Start() input.Result {
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()

	path := settings.String("path", "")
	if path == "" {
		return input.Failf("path is required")
	}
	fps, err := settings.Float("fps", 1)
	if err != nil || fps <= 0 {
		return input.Failf("invalid fps %q", settings["fps"])
	}
	format, err := input.ParsePixelFormat(settings.String("format", "rgba8"))
	if err != nil {
		return input.Failf("%v", err)
	}
	channels, err := settings.Int("channels", 4)
	if err != nil || channels < 1 || channels > input.MaxChannels {
		return input.Failf("invalid channels %q", settings["channels"])
	}

	img, err := decode(path)
	if err != nil {
		return input.Failf("%v", err)
	}
	header, pixels := render(img, uint8(channels), format)

	s.mu.Lock()
	s.header, s.pixels = header, pixels
	s.mu.Unlock()

	s.Log().WithFields(logrus.Fields{
		"path":       path,
		"resolution": header.Resolution(),
		"format":     format,
	}).Info("image loaded")

	if !s.runner.Start(func(ctx context.Context) {
		sources.Every(ctx, fps, s.emit)
	}) {
		return input.Failf("already running")
	}
	return input.OK()
}

// Stop implements input.Plugin
func (s *Source) Stop() input.Result {
	s.runner.Stop()
	return input.OK()
}

// Release implements input.Plugin
func (s *Source) Release() {
	s.runner.Stop()
	s.mu.Lock()
	s.pixels = nil
	s.mu.Unlock()
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// render lays img out once in the requested pixel format
func render(img image.Image, channels uint8, format input.PixelFormat) (input.ImageHeader, []byte) {
	b := img.Bounds()
	h := input.ImageHeader{
		Width:    uint32(b.Dx()),
		Height:   uint32(b.Dy()),
		Channels: channels,
		Format:   format,
	}
	pixels := make([]byte, h.Size())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			input.PutPixel(pixels, h, i, c)
			i++
		}
	}
	return h, pixels
}

func (s *Source) emit(ctx context.Context) {
	s.mu.Lock()
	h, pixels := s.header, s.pixels
	n := s.frame
	s.mu.Unlock()

	lease := s.RequestBuffer(len(pixels))
	if !lease.OK() {
		return
	}
	copy(lease.Buf, pixels)

	h.Metadata = sources.Metadata(map[string]interface{}{"frame": n})
	s.FinalizeBuffer(lease.ID, h)

	s.mu.Lock()
	s.frame++
	s.mu.Unlock()
}
