// Package testpattern provides a synthetic frame generator.
package testpattern

import (
	"context"
	"fmt"
	"image/color"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/video-system/go-input-host/pkg/input"
	"github.com/video-system/go-input-host/pkg/sources"
)

// Type is the registry name of the generator
const Type = "testpattern"

func init() {
	input.Register(Type, New)
}

// Pattern names
const (
	PatternBars     = "bars"
	PatternSolid    = "solid"
	PatternGradient = "gradient"
)

var defaults = input.Settings{
	"width":    "1280",
	"height":   "720",
	"channels": "4",
	"format":   "rgba8",
	"fps":      "30",
	"pattern":  PatternBars,
	"color":    "#1e90ff",
}

// 75% color bars, left to right
var bars = [...]color.NRGBA64{
	{0xbfbf, 0xbfbf, 0xbfbf, 0xffff},
	{0xbfbf, 0xbfbf, 0x0000, 0xffff},
	{0x0000, 0xbfbf, 0xbfbf, 0xffff},
	{0x0000, 0xbfbf, 0x0000, 0xffff},
	{0xbfbf, 0x0000, 0xbfbf, 0xffff},
	{0xbfbf, 0x0000, 0x0000, 0xffff},
	{0x0000, 0x0000, 0xbfbf, 0xffff},
	{0x0000, 0x0000, 0x0000, 0xffff},
}

type config struct {
	header  input.ImageHeader
	fps     float64
	pattern string
	color   color.NRGBA64
}

func parseConfig(s input.Settings) (config, error) {
	var cfg config

	width, err := s.Int("width", 1280)
	if err != nil {
		return cfg, err
	}
	height, err := s.Int("height", 720)
	if err != nil {
		return cfg, err
	}
	channels, err := s.Int("channels", 4)
	if err != nil {
		return cfg, err
	}
	format, err := input.ParsePixelFormat(s.String("format", "rgba8"))
	if err != nil {
		return cfg, err
	}
	if width <= 0 || height <= 0 || channels <= 0 || channels > input.MaxChannels {
		return cfg, fmt.Errorf("invalid geometry %dx%d, %d channels", width, height, channels)
	}
	cfg.header = input.ImageHeader{
		Width:    uint32(width),
		Height:   uint32(height),
		Channels: uint8(channels),
		Format:   format,
	}

	if cfg.fps, err = s.Float("fps", 30); err != nil {
		return cfg, err
	}
	if cfg.fps <= 0 {
		return cfg, fmt.Errorf("fps must be positive")
	}

	cfg.pattern = s.String("pattern", PatternBars)
	switch cfg.pattern {
	case PatternBars, PatternSolid, PatternGradient:
	default:
		return cfg, fmt.Errorf("unknown pattern %q", cfg.pattern)
	}

	if cfg.color, err = parseHexColor(s.String("color", "#1e90ff")); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// parseHexColor parses #rrggbb or #rrggbbaa
func parseHexColor(s string) (color.NRGBA64, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) == 6 {
		s += "ff"
	}
	if len(s) != 8 {
		return color.NRGBA64{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA64{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	c8 := func(shift uint) uint16 { return uint16(v>>shift&0xff) * 0x101 }
	return color.NRGBA64{R: c8(24), G: c8(16), B: c8(8), A: c8(0)}, nil
}

// Source is the synthetic generator plugin
type Source struct {
	input.Base

	runner sources.Runner

	mu  sync.Mutex
	cfg config

	frames atomic.Uint64
}

// New creates a generator
func New() input.Plugin {
	return &Source{}
}

// Init implements input.Plugin
func (s *Source) Init() error {
	cfg, err := parseConfig(nil)
	if err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// ReadSettings implements input.SettingsReader. Invalid settings are logged
// and the previous ones kept.
func (s *Source) ReadSettings(settings input.Settings) {
	cfg, err := parseConfig(settings)
	if err != nil {
		s.Log().WithError(err).Warn("ignoring invalid settings")
		return
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// DrawSettingsUI implements input.SettingsDrawer by filling in every key the
// generator understands
func (s *Source) DrawSettingsUI(settings input.Settings, show *bool) {
	for k, v := range defaults {
		if _, ok := settings[k]; !ok {
			settings[k] = v
		}
	}
}

// Start implements input.Plugin
func (s *Source) Start() input.Result {
	s.mu.Lock()
	fps := s.cfg.fps
	s.mu.Unlock()

	if !s.runner.Start(func(ctx context.Context) {
		sources.Every(ctx, fps, s.produce)
	}) {
		return input.Failf("generator already running")
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
}

// Frames returns how many frames were finalized
func (s *Source) Frames() uint64 {
	return s.frames.Load()
}

func (s *Source) produce(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	h := cfg.header
	lease := s.RequestBuffer(h.Size())
	if !lease.OK() {
		s.Log().WithField("reason", lease.Reason).Debug("frame dropped")
		return
	}

	n := s.frames.Load()
	width := int(h.Width)
	for y := 0; y < int(h.Height); y++ {
		// Abandon the buffer when stopping mid-frame
		if ctx.Err() != nil {
			return
		}
		for x := 0; x < width; x++ {
			input.PutPixel(lease.Buf, h, y*width+x, cfg.pixel(x, width, n))
		}
	}

	h.Metadata = sources.Metadata(map[string]interface{}{
		"frame":   n,
		"pattern": cfg.pattern,
		"pts":     time.Now().UnixNano(),
	})
	s.FinalizeBuffer(lease.ID, h)
	s.frames.Add(1)
}

func (c config) pixel(x, width int, frame uint64) color.NRGBA64 {
	switch c.pattern {
	case PatternSolid:
		return c.color
	case PatternGradient:
		pos := (x + int(frame%uint64(width))) % width
		v := uint16(0)
		if width > 1 {
			v = uint16(pos * 0xffff / (width - 1))
		}
		return color.NRGBA64{R: v, G: v, B: v, A: 0xffff}
	default:
		return bars[x*len(bars)/width]
	}
}
