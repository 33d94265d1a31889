package media

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/soundmill/soundmill-api/errors"
	"gopkg.in/vansante/go-ffprobe.v2"
)

// MediaInfo is the subset of probe output the pipeline cares about.
type MediaInfo struct {
	Format          string
	DurationSeconds float64
	SizeBytes       int64
	AudioCodec      string
}

type Prober interface {
	ProbeAudio(ctx context.Context, path string) (MediaInfo, error)
}

// Probe runs ffprobe against a local file and verifies it carries an audio
// stream. Transient probe failures are retried; a missing audio stream is
// final.
type Probe struct{}

func (p Probe) ProbeAudio(ctx context.Context, path string) (MediaInfo, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, 60*time.Second)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		return MediaInfo{}, fmt.Errorf("error probing: %w", err)
	}
	return parseProbeOutput(data)
}

func parseProbeOutput(probeData *ffprobe.ProbeData) (MediaInfo, error) {
	audioStream := probeData.FirstAudioStream()
	if audioStream == nil {
		return MediaInfo{}, errors.Unretriable(fmt.Errorf("no audio stream found in input"))
	}
	if probeData.Format == nil {
		return MediaInfo{}, fmt.Errorf("error parsing input media: format information missing")
	}

	info := MediaInfo{
		Format:          probeData.Format.FormatName,
		DurationSeconds: probeData.Format.DurationSeconds,
		AudioCodec:      audioStream.CodecName,
	}
	if probeData.Format.Size != "" {
		size, err := strconv.ParseInt(probeData.Format.Size, 10, 64)
		if err != nil {
			return MediaInfo{}, fmt.Errorf("error parsing filesize from probed data: %w", err)
		}
		info.SizeBytes = size
	}
	return info, nil
}
