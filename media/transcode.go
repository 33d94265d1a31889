package media

import (
	"context"
	"fmt"
	"os"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Mp3Bitrate is the fixed output bitrate for produced artifacts.
const Mp3Bitrate = "128k"

type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath string) error
}

// FFmpegTranscoder shells out to ffmpeg to extract the first audio stream of
// the input into an MP3 container.
type FFmpegTranscoder struct{}

func (t FFmpegTranscoder) Transcode(ctx context.Context, inputPath, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := ffmpeg.Input(inputPath).
		Output(outputPath, ffmpeg.KwArgs{
			"map": "0:a:0",
			"c:a": "libmp3lame",
			"b:a": Mp3Bitrate,
			"vn":  "",
			"f":   "mp3",
		}).
		OverWriteOutput().ErrorToStdOut().Run()
	if err != nil {
		return fmt.Errorf("failed to transcode %s to mp3: %s", inputPath, err)
	}

	// Verify the mp3 output file was created and is non-empty
	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("transcode error: failed to stat MP3 output file: %s", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("transcode error: MP3 output file %s is empty", outputPath)
	}
	return nil
}
