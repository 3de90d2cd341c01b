package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/suara/pkg/audio"
	"github.com/harunnryd/suara/pkg/configutil"
	"github.com/harunnryd/suara/pkg/host"
	"github.com/harunnryd/suara/pkg/logging"
)

const (
	MimeOpus = "audio/ogg;codecs=opus"
	MimeWAV  = "audio/wav"
)

// Settings are the host.settings keys understood by the ffmpeg provider.
type Settings struct {
	FFmpegPath     string `mapstructure:"ffmpeg_path"`
	FFplayPath     string `mapstructure:"ffplay_path"`
	InputFormat    string `mapstructure:"input_format"`
	InputDevice    string `mapstructure:"input_device"`
	SampleRate     *int   `mapstructure:"sample_rate"`
	FrameMS        *int   `mapstructure:"frame_ms"`
	StartTimeoutMS *int   `mapstructure:"start_timeout_ms"`
	OpusBitrate    string `mapstructure:"opus_bitrate"`
}

var settingsSchema = configutil.Schema{
	Optional: []string{"ffmpeg_path", "ffplay_path", "input_format", "input_device", "sample_rate", "frame_ms", "start_timeout_ms", "opus_bitrate"},
}

// Host captures from the system microphone with ffmpeg and plays replies
// with ffplay. Each capture stream is one ffmpeg process producing mono
// PCM16; recorders and samplers subscribe to its frames.
type Host struct {
	ffmpeg       string
	ffplay       string
	inputFormat  string
	inputDevice  string
	sampleRate   int
	frameMS      int
	startTimeout time.Duration
	opusBitrate  string
	log          *slog.Logger

	opusOnce sync.Once
	opus     bool
}

// New builds a host from free-form settings. ffmpeg and ffplay must be on
// PATH unless their paths are configured.
func New(settings map[string]any, log *slog.Logger) (*Host, error) {
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return nil, fmt.Errorf("host.settings: %w", err)
	}
	var s Settings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("host.settings: %w", err)
	}
	h := newHost(s, log)
	var err error
	if h.ffmpeg, err = exec.LookPath(h.ffmpeg); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	if h.ffplay, err = exec.LookPath(h.ffplay); err != nil {
		return nil, fmt.Errorf("ffplay not found: %w", err)
	}
	return h, nil
}

// Factory adapts New to host.Registry.
func Factory(log *slog.Logger) host.Factory {
	return func(settings map[string]any) (host.Host, error) {
		return New(settings, log)
	}
}

func newHost(s Settings, log *slog.Logger) *Host {
	format, device := defaultInput()
	h := &Host{
		ffmpeg:       s.FFmpegPath,
		ffplay:       s.FFplayPath,
		inputFormat:  s.InputFormat,
		inputDevice:  s.InputDevice,
		sampleRate:   configutil.IntValue(s.SampleRate, audio.DefaultSampleRate),
		frameMS:      configutil.IntValue(s.FrameMS, 20),
		startTimeout: time.Duration(configutil.IntValue(s.StartTimeoutMS, 3000)) * time.Millisecond,
		opusBitrate:  s.OpusBitrate,
		log:          logging.NewComponentLogger(log, "host_ffmpeg"),
	}
	if h.ffmpeg == "" {
		h.ffmpeg = "ffmpeg"
	}
	if h.ffplay == "" {
		h.ffplay = "ffplay"
	}
	if h.inputFormat == "" {
		h.inputFormat = format
	}
	if h.inputDevice == "" {
		h.inputDevice = device
	}
	if h.opusBitrate == "" {
		h.opusBitrate = "32k"
	}
	return h
}

func defaultInput() (format, device string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

func (h *Host) frameBytes() int {
	n := h.sampleRate * h.frameMS / 1000 * 2
	if n <= 0 {
		return 640
	}
	return n
}

// RequestCaptureStream starts the capture process and waits for the first
// frame. A process that exits or stays silent before then is reported as a
// refused device.
func (h *Host) RequestCaptureStream(ctx context.Context) (host.Stream, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", h.inputFormat, "-i", h.inputDevice,
		"-ac", "1", "-ar", strconv.Itoa(h.sampleRate),
		"-f", "s16le", "pipe:1",
	}
	cmd := exec.Command(h.ffmpeg, args...)
	stderr := &tailBuffer{limit: 2048}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}
	var s *Stream
	s = newStream(stdout, h.frameBytes(), func() error {
		_ = cmd.Process.Kill()
		<-s.done
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	})

	timer := time.NewTimer(h.startTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		h.log.Info("capture_started", "format", h.inputFormat, "device", h.inputDevice, "sample_rate", h.sampleRate)
		return s, nil
	case <-s.done:
		_ = s.Close()
		return nil, fmt.Errorf("%w: %s", host.ErrPermissionDenied, strings.TrimSpace(stderr.String()))
	case <-timer.C:
		_ = s.Close()
		return nil, fmt.Errorf("%w: no audio within %s", host.ErrPermissionDenied, h.startTimeout)
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

func (h *Host) CreateRecorder(stream host.Stream, mimeType string) (host.Recorder, error) {
	s, ok := stream.(*Stream)
	if !ok {
		return nil, errors.New("ffmpeg: foreign capture stream")
	}
	mime, ok := normalizeMime(mimeType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", host.ErrUnsupportedMimeType, mimeType)
	}
	if mime == MimeOpus && !h.supportsOpus() {
		return nil, fmt.Errorf("%w: %s (ffmpeg built without libopus)", host.ErrUnsupportedMimeType, mimeType)
	}
	return &recorder{stream: s, mime: mime, encode: h.encoder(mime)}, nil
}

func (h *Host) CreateEnergySampler(stream host.Stream) (host.EnergySampler, error) {
	s, ok := stream.(*Stream)
	if !ok {
		return nil, errors.New("ffmpeg: foreign capture stream")
	}
	return newSampler(s), nil
}

func (h *Host) CreatePlayable(data []byte) (host.Playable, error) {
	if audio.Detect(data) == audio.FormatUnknown {
		return nil, host.ErrUndecodable
	}
	return &playable{ffplay: h.ffplay, data: append([]byte(nil), data...)}, nil
}

func (h *Host) supportsOpus() bool {
	h.opusOnce.Do(func() {
		out, err := exec.Command(h.ffmpeg, "-hide_banner", "-encoders").Output()
		h.opus = err == nil && bytes.Contains(out, []byte("libopus"))
		if !h.opus {
			h.log.Info("capture_opus_unavailable")
		}
	})
	return h.opus
}

func (h *Host) encoder(mime string) func(pcm []byte) ([]byte, error) {
	if mime == MimeWAV {
		return func(pcm []byte) ([]byte, error) {
			return audio.EncodeWAV(pcm, h.sampleRate), nil
		}
	}
	return func(pcm []byte) ([]byte, error) {
		cmd := exec.Command(h.ffmpeg,
			"-hide_banner", "-loglevel", "error",
			"-f", "wav", "-i", "pipe:0",
			"-c:a", "libopus", "-b:a", h.opusBitrate,
			"-f", "ogg", "pipe:1",
		)
		cmd.Stdin = bytes.NewReader(audio.EncodeWAV(pcm, h.sampleRate))
		stderr := &tailBuffer{limit: 1024}
		cmd.Stderr = stderr
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("encode opus: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return out, nil
	}
}

func normalizeMime(mime string) (string, bool) {
	m := strings.ToLower(strings.ReplaceAll(mime, " ", ""))
	switch m {
	case "audio/wav", "audio/wave", "audio/x-wav":
		return MimeWAV, true
	case "audio/ogg", "audio/ogg;codecs=opus":
		return MimeOpus, true
	default:
		return "", false
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

var _ host.Host = (*Host)(nil)
