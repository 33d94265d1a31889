package clients

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	xerrors "github.com/soundmill/soundmill-api/errors"
	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/subprocess"
)

// YoutubeResolver resolves a video-platform URL to its best audio-only stream
// and downloads it straight to an MP3 file.
type YoutubeResolver interface {
	DownloadAudio(ctx context.Context, videoURL, outputPath string) error
}

// YtdlpResolver shells out to yt-dlp. Retries use linear backoff
// (attempt x RetryDelay); permanent failures (video unavailable, hard 4xx)
// are not retried.
type YtdlpResolver struct {
	Path        string
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
}

func NewYtdlpResolver(path string, maxAttempts int, retryDelay, timeout time.Duration) *YtdlpResolver {
	if path == "" {
		path = "yt-dlp"
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &YtdlpResolver{Path: path, MaxAttempts: maxAttempts, RetryDelay: retryDelay, Timeout: timeout}
}

func (r *YtdlpResolver) DownloadAudio(ctx context.Context, videoURL, outputPath string) error {
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		lastErr = r.downloadOnce(ctx, videoURL, outputPath)
		if lastErr == nil {
			return nil
		}
		if xerrors.IsUnretriable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		log.LogNoJobID("yt-dlp attempt failed, retrying", "url", videoURL, "attempt", attempt, "err", lastErr)

		select {
		case <-time.After(time.Duration(attempt) * r.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("yt-dlp failed after %d attempts: %w", r.MaxAttempts, lastErr)
}

func (r *YtdlpResolver) downloadOnce(ctx context.Context, videoURL, outputPath string) error {
	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Path,
		"-f", "bestaudio",
		"-x", "--audio-format", "mp3",
		"--no-playlist",
		"--force-overwrites",
		"-o", outputPath,
		videoURL,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := subprocess.LogStdout(cmd); err != nil {
		return err
	}

	if err := cmd.Run(); err != nil {
		return classifyYtdlpError(err, stderr.String())
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("yt-dlp reported success but output is missing: %s", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("yt-dlp produced an empty output file")
	}
	return nil
}

// classifyYtdlpError splits failures into permanent (video gone, hard 4xx)
// and transient (timeouts, 408/429, 5xx, network flakes).
func classifyYtdlpError(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	wrapped := fmt.Errorf("yt-dlp failed: %s: %s", err, firstLine(stderr))

	for _, permanent := range []string{"video unavailable", "private video", "this video is not available", "account associated with this video has been terminated"} {
		if strings.Contains(msg, permanent) {
			return xerrors.Unretriable(wrapped)
		}
	}
	if strings.Contains(msg, "http error 408") || strings.Contains(msg, "http error 429") {
		return wrapped
	}
	if strings.Contains(msg, "http error 4") {
		return xerrors.Unretriable(wrapped)
	}
	return wrapped
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
