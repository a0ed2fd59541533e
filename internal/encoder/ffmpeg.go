// Package encoder implements the Encoder Adapter as a subprocess wrapper
// around ffmpeg.
package encoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"bitriver-relay/internal/hub"
)

// ErrSourceUnavailable is returned by Open when ffmpeg exits, or the
// configured timeouts elapse, before a usable video frame is decoded.
var ErrSourceUnavailable = fmt.Errorf("encoder: source unavailable")

const stdoutReadBufferSize = 32 * 1024

// defaultReadTimeout guards readStdout when Config.ReadTimeout is left zero,
// matching DefaultConfig's stall bound.
const defaultReadTimeout = 15 * time.Second

// videoBanner matches ffmpeg's stream-detection line, e.g.:
// "Stream #0:0: Video: h264 (High), yuv420p(tv, bt709), 1920x1080, ..."
var videoBanner = regexp.MustCompile(`Video:\s*h264.*?(\d{2,5})x(\d{2,5})`)

// FfmpegAdapter pulls an RTSP source with ffmpeg over TCP and re-muxes it to
// FLV on stdout. It implements hub.Adapter: one instance backs one Stream
// for its entire life.
type FfmpegAdapter struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewFfmpegAdapter constructs an Adapter bound to cfg. logger defaults to
// slog.Default() when nil.
func NewFfmpegAdapter(cfg Config, logger *slog.Logger) *FfmpegAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FfmpegAdapter{cfg: cfg, logger: logger}
}

// NewFfmpegAdapterFactory returns an hub.AdapterFactory building a fresh
// FfmpegAdapter per call, as the Hub requires for every new Stream
// instance.
func NewFfmpegAdapterFactory(cfg Config, logger *slog.Logger) hub.AdapterFactory {
	return func() hub.Adapter {
		return NewFfmpegAdapter(cfg, logger)
	}
}

// Open starts ffmpeg against sourceURL and blocks for the adapter's entire
// life, invoking sink from the calling goroutine as stdout is read. It returns
// once ffmpeg exits, sourceURL proves unreachable, or ctx is canceled.
func (a *FfmpegAdapter) Open(ctx context.Context, sourceURL string, sink hub.Sink) error {
	args := a.buildArgs(sourceURL)
	cmd := exec.CommandContext(ctx, a.cfg.FfmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("encoder: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("encoder: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.mu.Unlock()

	readyCh := make(chan struct{}, 1)
	var readyOnce sync.Once
	signalReady := func() {
		readyOnce.Do(func() { close(readyCh) })
	}

	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		a.readStderr(stderr, signalReady)
	}()

	err = a.readStdout(stdout, sink, readyCh, signalReady)
	stderrWG.Wait()

	waitErr := cmd.Wait()
	if err != nil {
		return err
	}
	if waitErr != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, waitErr)
	}
	return waitErr
}

// Stop kills the ffmpeg process if running. Idempotent; safe to call even
// if Open never completed startup.
func (a *FfmpegAdapter) Stop() {
	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func (a *FfmpegAdapter) buildArgs(sourceURL string) []string {
	connectUs := strconv.FormatInt(a.cfg.ConnectTimeout.Microseconds(), 10)
	analyzeUs := strconv.FormatInt(a.cfg.AnalyzeTimeout.Microseconds(), 10)
	probeBytes := strconv.Itoa(a.cfg.ProbeBufferBytes)
	gop := strconv.Itoa(a.cfg.GopSize)
	fps := strconv.Itoa(a.cfg.TargetFps)

	return []string{
		"-rtsp_transport", "tcp",
		"-stimeout", connectUs,
		"-analyzeduration", analyzeUs,
		"-probesize", probeBytes,
		"-i", sourceURL,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-bf", "0",
		"-r", fps,
		"-g", gop,
		"-keyint_min", gop,
		"-x264-params", "scenecut=0",
		"-c:a", "aac",
		"-f", "flv",
		"-loglevel", "info",
		"pipe:1",
	}
}

// stdoutRead is one result of a blocking stdout.Read, shuttled from the pump
// goroutine in readStdout to the timeout-enforcing select loop.
type stdoutRead struct {
	n   int
	buf []byte
	err error
}

// readStdout accumulates ffmpeg's stdout until readyCh fires, emitting the
// accumulated bytes as a single ContainerHeader sink call, then forwards
// every subsequent non-empty read as a PayloadChunk.
//
// stdout.Read blocks with no native deadline support, so a pump goroutine
// performs the reads and the loop below enforces cfg.ReadTimeout itself: the
// stall timer resets on every read and, if it fires first, Stop kills the
// ffmpeg process (unblocking the pump's Read) and a stall error is returned.
func (a *FfmpegAdapter) readStdout(stdout io.ReadCloser, sink hub.Sink, readyCh <-chan struct{}, signalReady func()) error {
	defer stdout.Close()

	bufSize := a.cfg.MaxFrameSize
	if bufSize <= 0 {
		bufSize = stdoutReadBufferSize
	}

	reads := make(chan stdoutRead, 1)
	go func() {
		buf := make([]byte, bufSize)
		for {
			n, err := stdout.Read(buf)
			chunk := append([]byte(nil), buf[:n]...)
			reads <- stdoutRead{n: n, buf: chunk, err: err}
			if err != nil {
				close(reads)
				return
			}
		}
	}()

	timeout := a.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var pending bytes.Buffer
	headerSent := false
	stalled := false

	for {
		select {
		case r, ok := <-reads:
			if !ok {
				goto done
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

			if r.n > 0 {
				if !headerSent {
					pending.Write(r.buf)
					if !a.headerReady(readyCh) && !a.spsDetected(pending.Bytes()) {
						if r.err != nil {
							goto done
						}
						continue
					}
					sink(pending.Bytes(), true)
					headerSent = true
				} else {
					sink(r.buf, false)
				}
			}
			if r.err != nil {
				if r.err != io.EOF {
					a.logger.Warn("encoder stdout read error", "error", r.err)
				}
				goto done
			}
		case <-timer.C:
			a.logger.Warn("encoder stdout stalled, killing adapter", "timeout", timeout)
			stalled = true
			a.Stop()
			// Drain the pump until it closes reads so it never blocks on a
			// send after Stop kills the process out from under it.
			for range reads {
			}
			goto done
		}
	}

done:
	if stalled {
		return fmt.Errorf("%w: stdout read stalled after %s", ErrSourceUnavailable, timeout)
	}
	if !headerSent {
		return ErrSourceUnavailable
	}
	return nil
}

func (a *FfmpegAdapter) headerReady(readyCh <-chan struct{}) bool {
	select {
	case <-readyCh:
		return true
	default:
		return false
	}
}

// spsDetected scans buf for an Annex-B H.264 SPS NALU and confirms it
// parses, used as a fallback when ffmpeg's stderr banner is inconclusive.
func (a *FfmpegAdapter) spsDetected(buf []byte) bool {
	const (
		startCode3 = "\x00\x00\x01"
	)
	idx := 0
	for {
		rel := bytes.Index(buf[idx:], []byte(startCode3))
		if rel < 0 {
			return false
		}
		naluStart := idx + rel + 3
		if naluStart >= len(buf) {
			return false
		}
		naluType := buf[naluStart] & 0x1F
		if naluType == 7 { // SPS
			end := bytes.Index(buf[naluStart:], []byte(startCode3))
			var sps []byte
			if end < 0 {
				sps = buf[naluStart:]
			} else {
				sps = buf[naluStart : naluStart+end]
			}
			var parsed h264.SPS
			if err := parsed.Unmarshal(sps); err == nil && parsed.Width() > 0 && parsed.Height() > 0 {
				return true
			}
		}
		idx = naluStart
	}
}

// readStderr scans ffmpeg's stderr line by line for the video stream
// banner, calling signalReady as soon as a resolution is parsed.
func (a *FfmpegAdapter) readStderr(stderr io.ReadCloser, signalReady func()) {
	defer stderr.Close()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		a.logger.Debug("ffmpeg", "line", line)
		if m := videoBanner.FindStringSubmatch(line); m != nil {
			signalReady()
		}
	}
}
