package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// probeResult is the subset of ffprobe JSON output in use
type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecName    string `json:"codec_name"`
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		PixFmt       string `json:"pix_fmt"`
		FrameRate    string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// VideoInfo describes the first video stream of an input
type VideoInfo struct {
	Width     int
	Height    int
	Duration  float64
	Framerate float64
	Codec     string
	PixelFmt  string
}

// GetVideoInfo probes an input and returns its first video stream
func (f *FFmpeg) GetVideoInfo(ctx context.Context, input string) (*VideoInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	}
	output, err := exec.CommandContext(ctx, f.probePath, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (*VideoInfo, error) {
	var probe probeResult
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	for _, stream := range probe.Streams {
		if stream.CodecType != "video" {
			continue
		}
		info := &VideoInfo{
			Width:    stream.Width,
			Height:   stream.Height,
			Codec:    stream.CodecName,
			PixelFmt: stream.PixFmt,
		}
		// Prefer the average rate; r_frame_rate is the container's guess
		if stream.AvgFrameRate != "" {
			info.Framerate = parseFramerate(stream.AvgFrameRate)
		}
		if info.Framerate == 0 {
			info.Framerate = parseFramerate(stream.FrameRate)
		}
		if probe.Format.Duration != "" {
			info.Duration, _ = strconv.ParseFloat(probe.Format.Duration, 64)
		}
		return info, nil
	}
	return nil, fmt.Errorf("no video stream")
}

// parseFramerate parses a framerate string like "30/1" or "30000/1001"
func parseFramerate(s string) float64 {
	var num, den int
	if n, _ := fmt.Sscanf(s, "%d/%d", &num, &den); n == 2 && den != 0 {
		return float64(num) / float64(den)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return 0
}

// Resolution returns resolution string like "1920x1080"
func (v *VideoInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}
