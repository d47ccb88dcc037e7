// Package ffmpeg provides a source that decodes files, network streams and
// capture devices through an ffmpeg child process.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	fftool "github.com/video-system/go-input-host/internal/ffmpeg"
	"github.com/video-system/go-input-host/pkg/input"
	"github.com/video-system/go-input-host/pkg/sources"
)

// Type is the registry name of the source
const Type = "ffmpeg"

func init() {
	input.Register(Type, New)
}

// rawvideo pixel formats per frame format
var pixFmts = map[input.PixelFormat]string{
	input.FormatRGBA8:  "rgba",
	input.FormatRGBA16: "rgba64le",
}

// Source reads raw RGBA frames from ffmpeg
type Source struct {
	input.Base

	ff     *fftool.FFmpeg
	runner sources.Runner

	mu       sync.Mutex
	settings input.Settings
	lastErr  error
}

// New creates an ffmpeg source
func New() input.Plugin {
	return &Source{}
}

// Init locates the ffmpeg binaries
func (s *Source) Init() error {
	ff, err := fftool.New()
	if err != nil {
		return err
	}
	version, err := ff.Version(context.Background())
	if err != nil {
		return fmt.Errorf("get ffmpeg version: %w", err)
	}
	s.Log().Infof("FFmpeg: %s", version)
	s.ff = ff
	return nil
}

// ReadSettings implements input.SettingsReader. Changes apply on next Start.
func (s *Source) ReadSettings(settings input.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

type readerSetup struct {
	reader fftool.ReaderConfig
	header input.ImageHeader
}

func (s *Source) setup(ctx context.Context, settings input.Settings) (readerSetup, error) {
	var rs readerSetup

	src := settings.String("input", "")
	if src == "" {
		return rs, errors.New("input is required")
	}
	format, err := input.ParsePixelFormat(settings.String("format", "rgba8"))
	if err != nil {
		return rs, err
	}
	pixFmt, ok := pixFmts[format]
	if !ok {
		return rs, fmt.Errorf("%s frames are not supported by the ffmpeg source", format)
	}
	width, err := settings.Int("width", 0)
	if err != nil {
		return rs, err
	}
	height, err := settings.Int("height", 0)
	if err != nil {
		return rs, err
	}
	fps, err := settings.Float("fps", 0)
	if err != nil {
		return rs, err
	}
	loop, err := settings.Bool("loop", false)
	if err != nil {
		return rs, err
	}
	realtime, err := settings.Bool("realtime", true)
	if err != nil {
		return rs, err
	}

	if width <= 0 || height <= 0 {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		info, err := s.ff.GetVideoInfo(probeCtx, src)
		cancel()
		if err != nil {
			return rs, fmt.Errorf("probe %s: %w (set width and height to skip probing)", src, err)
		}
		width, height = info.Width, info.Height
	}

	rs.reader = fftool.ReaderConfig{
		Input:       src,
		InputFormat: settings.String("input_format", ""),
		Width:       width,
		Height:      height,
		Framerate:   fps,
		PixelFormat: pixFmt,
		Loop:        loop,
		Realtime:    realtime,
	}
	rs.header = input.ImageHeader{
		Width:    uint32(width),
		Height:   uint32(height),
		Channels: 4,
		Format:   format,
	}
	return rs, rs.header.Validate()
}

// Start launches ffmpeg and the read loop
func (s *Source) Start() input.Result {
	if s.ff == nil {
		return input.Failf("ffmpeg not initialized")
	}
	s.mu.Lock()
	settings := s.settings
	s.lastErr = nil
	s.mu.Unlock()

	rs, err := s.setup(context.Background(), settings)
	if err != nil {
		return input.Failf("%v", err)
	}

	if !s.runner.Start(func(ctx context.Context) { s.read(ctx, rs) }) {
		return input.Failf("already running")
	}
	s.Log().WithFields(logrus.Fields{
		"input":      rs.reader.Input,
		"resolution": rs.header.Resolution(),
		"format":     rs.header.Format,
	}).Info("ffmpeg source started")
	return input.OK()
}

// Stop kills ffmpeg and waits for the read loop
func (s *Source) Stop() input.Result {
	s.runner.Stop()
	return input.OK()
}

// Release implements input.Plugin
func (s *Source) Release() {
	s.runner.Stop()
}

// Err returns why the read loop ended on its own, if it did
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Source) read(ctx context.Context, rs readerSetup) {
	r, err := s.ff.StartReader(ctx, rs.reader)
	if err != nil {
		s.fail(err)
		return
	}
	defer r.Close()

	size := rs.header.Size()
	for n := uint64(0); ctx.Err() == nil; n++ {
		lease := s.RequestBuffer(size)
		if !lease.OK() {
			// Keep ffmpeg's pipe moving; the frame is dropped
			if err := r.Discard(size); err != nil {
				s.finish(ctx, err, r)
				return
			}
			continue
		}

		// On error the lease is abandoned; stopping reclaims it
		if err := r.ReadFrame(lease.Buf); err != nil {
			s.finish(ctx, err, r)
			return
		}

		h := rs.header
		h.Metadata = sources.Metadata(map[string]interface{}{
			"frame": n,
			"input": rs.reader.Input,
		})
		s.FinalizeBuffer(lease.ID, h)
	}
}

func (s *Source) finish(ctx context.Context, err error, r *fftool.RawReader) {
	if ctx.Err() != nil {
		return
	}
	// stdout is drained, so the exit status is safe to collect
	exitErr := r.Wait()
	if errors.Is(err, io.EOF) && exitErr == nil {
		s.Log().Info("input ended")
		s.fail(io.EOF)
		return
	}
	if exitErr != nil {
		err = fmt.Errorf("%w (ffmpeg exit: %v)", err, exitErr)
	}
	s.fail(fmt.Errorf("%w: %s", err, r.LastError()))
}

func (s *Source) fail(err error) {
	if !errors.Is(err, io.EOF) {
		s.Log().WithError(err).Warn("ffmpeg source stopped")
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
