package toolchain

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

type TimelapseTranscoder struct {
	command string
	timeout time.Duration
	logger  *slog.Logger
}

func NewTimelapseTranscoder(command string, timeout time.Duration, logger *slog.Logger) *TimelapseTranscoder {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TimelapseTranscoder{command: command, timeout: timeout, logger: logger}
}

// OutputPath is where the cloud-format movie for movie is written.
func OutputPath(movie string) string {
	ext := filepath.Ext(movie)
	base := strings.TrimSuffix(movie, ext)
	if strings.EqualFold(ext, ".mp4") {
		return base + "-polar.mp4"
	}
	return base + ".mp4"
}

// Transcode renders movie into the mp4 the cloud expects on its own
// goroutine. done receives the output path, or "" when rendering failed.
func (t *TimelapseTranscoder) Transcode(ctx context.Context, movie string, done func(path string)) {
	out := OutputPath(movie)
	args, err := expand(t.command, map[string]string{"input": movie, "output": out})
	if err != nil {
		t.logger.Error("timelapse command invalid", "error", err)
		go done("")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		t.logger.Debug("timelapse render started", "movie", movie, "output", out)
		stderr, err := run(ctx, args)
		if err != nil {
			t.logger.Warn("could not render movie", "movie", movie, "error", err, "stderr", stderr)
			done("")
			return
		}
		done(out)
	}()
}
