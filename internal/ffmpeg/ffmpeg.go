package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// ErrNotFound is returned when the ffmpeg or ffprobe binary is missing
var ErrNotFound = errors.New("binary not found")

// FFmpeg wraps FFmpeg binary execution
type FFmpeg struct {
	binaryPath string
	probePath  string
}

// New locates ffmpeg and ffprobe
func New() (*FFmpeg, error) {
	ffmpegPath, err := findBinary("ffmpeg")
	if err != nil {
		return nil, err
	}
	ffprobePath, err := findBinary("ffprobe")
	if err != nil {
		return nil, err
	}
	return &FFmpeg{
		binaryPath: ffmpegPath,
		probePath:  ffprobePath,
	}, nil
}

// findBinary locates a binary in PATH or common locations
func findBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{"/opt/homebrew/bin/" + name, "/usr/local/bin/" + name}
	case "linux":
		paths = []string{"/usr/bin/" + name, "/usr/local/bin/" + name}
	case "windows":
		paths = []string{
			"C:\\ffmpeg\\bin\\" + name + ".exe",
			"C:\\Program Files\\ffmpeg\\bin\\" + name + ".exe",
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w in PATH or common locations", name, ErrNotFound)
}

// Version returns the first line of ffmpeg -version
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	output, err := exec.CommandContext(ctx, f.binaryPath, "-version").Output()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(output), "\n")
	if line = strings.TrimSpace(line); line != "" {
		return line, nil
	}
	return "", fmt.Errorf("no version output")
}

// ReaderConfig describes a decode to raw frames on stdout
type ReaderConfig struct {
	Input       string   // File path, URL or device
	InputFormat string   // Optional demuxer: v4l2, avfoundation, dshow, lavfi
	InputArgs   []string // Extra arguments placed before -i
	Width       int      // Scale target, 0 keeps the source size
	Height      int
	Framerate   float64 // Output rate, 0 keeps the source rate
	PixelFormat string  // rgba, rgba64le
	Loop        bool    // Restart files at EOF
	Realtime    bool    // Read input at its native rate
}

// buildReaderArgs builds ffmpeg arguments for raw frame output on stdout
func buildReaderArgs(cfg ReaderConfig) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if cfg.Realtime {
		args = append(args, "-re")
	}
	if cfg.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	if cfg.InputFormat != "" {
		args = append(args, "-f", cfg.InputFormat)
	}
	args = append(args, cfg.InputArgs...)
	args = append(args, "-i", cfg.Input, "-an", "-sn")

	var filters []string
	if cfg.Framerate > 0 {
		filters = append(filters, "fps="+strconv.FormatFloat(cfg.Framerate, 'f', -1, 64))
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		filters = append(filters, fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	pixFmt := cfg.PixelFormat
	if pixFmt == "" {
		pixFmt = "rgba"
	}
	return append(args, "-f", "rawvideo", "-pix_fmt", pixFmt, "pipe:1")
}

// RawReader is a running ffmpeg process writing fixed-size frames to stdout.
//
// The process is reaped by Wait or Close, never behind the reader's back:
// Wait closes stdout, so it must not run while frames are still buffered.
type RawReader struct {
	cmd        *exec.Cmd
	stdout     io.ReadCloser
	stderrDone chan struct{}

	waitOnce sync.Once
	waitErr  error

	mu      sync.Mutex
	lastErr string
}

// StartReader starts ffmpeg decoding cfg.Input to raw frames
func (f *FFmpeg) StartReader(ctx context.Context, cfg ReaderConfig) (*RawReader, error) {
	return startReader(exec.CommandContext(ctx, f.binaryPath, buildReaderArgs(cfg)...))
}

func startReader(cmd *exec.Cmd) (*RawReader, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	r := &RawReader{
		cmd:        cmd,
		stdout:     stdout,
		stderrDone: make(chan struct{}),
	}

	go func() {
		defer close(r.stderrDone)
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			r.mu.Lock()
			r.lastErr = sc.Text()
			r.mu.Unlock()
		}
	}()

	return r, nil
}

// ReadFrame fills dst with exactly one frame. It returns io.EOF when the
// input ended cleanly between frames.
func (r *RawReader) ReadFrame(dst []byte) error {
	if _, err := io.ReadFull(r.stdout, dst); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("truncated frame: %w", err)
		}
		return err
	}
	return nil
}

// Discard skips n bytes, used when no buffer could be leased
func (r *RawReader) Discard(n int) error {
	_, err := io.CopyN(io.Discard, r.stdout, int64(n))
	return err
}

// LastError returns the last line ffmpeg wrote to stderr
func (r *RawReader) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Wait reaps the process and returns its exit error. Call it once ReadFrame
// has returned an error; it is safe to call more than once.
func (r *RawReader) Wait() error {
	r.waitOnce.Do(func() {
		<-r.stderrDone
		r.waitErr = r.cmd.Wait()
	})
	return r.waitErr
}

// Close kills the process and waits for it
func (r *RawReader) Close() error {
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	return r.Wait()
}
