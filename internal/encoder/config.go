package encoder

import "time"

// Config bounds one ffmpeg subprocess's timeouts, probe size, and encode
// settings. One Config is shared by every Adapter the Hub creates.
type Config struct {
	FfmpegPath       string
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	AnalyzeTimeout   time.Duration
	ProbeBufferBytes int
	TargetFps        int
	GopSize          int
	// MaxFrameSize bounds the stdout read buffer, i.e. the largest chunk the
	// adapter will pull from ffmpeg in one Read. Zero falls back to
	// stdoutReadBufferSize.
	MaxFrameSize int
}

// DefaultConfig matches the timeouts and encode parameters named for the
// Encoder Adapter: 10s/15s/10s timeouts, a 10MB probe buffer, 25fps with a
// one-second GOP, and a 32KB stdout read buffer.
func DefaultConfig() Config {
	return Config{
		FfmpegPath:       "ffmpeg",
		ConnectTimeout:   10 * time.Second,
		ReadTimeout:      15 * time.Second,
		AnalyzeTimeout:   10 * time.Second,
		ProbeBufferBytes: 10 << 20,
		TargetFps:        25,
		GopSize:          25,
		MaxFrameSize:     stdoutReadBufferSize,
	}
}
