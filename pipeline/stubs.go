package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"

	"github.com/soundmill/soundmill-api/media"
)

// Stubs for the pipeline's external collaborators, used by tests and local
// development.

type StubObjectStore struct{}

func (StubObjectStore) Exists(ctx context.Context, storedURL string) bool { return false }

func (StubObjectStore) Download(ctx context.Context, storedURL string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (StubObjectStore) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	return "https://stub.example.com/" + key, nil
}

func (StubObjectStore) Delete(ctx context.Context, storedURL string) error { return nil }

type StubFetcher struct {
	Body        []byte
	ContentType string
	Err         error
}

func (f StubFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, string, error) {
	if f.Err != nil {
		return nil, "", f.Err
	}
	body := f.Body
	if body == nil {
		body = []byte("stub video bytes")
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	return io.NopCloser(bytes.NewReader(body)), contentType, nil
}

type StubYoutubeResolver struct {
	Err error
}

func (r StubYoutubeResolver) DownloadAudio(ctx context.Context, videoURL, outputPath string) error {
	if r.Err != nil {
		return r.Err
	}
	return os.WriteFile(outputPath, []byte("stub audio for "+path.Base(videoURL)), 0644)
}

type StubProber struct {
	Err error
}

func (p StubProber) ProbeAudio(ctx context.Context, path string) (media.MediaInfo, error) {
	if p.Err != nil {
		return media.MediaInfo{}, p.Err
	}
	return media.MediaInfo{Format: "mov,mp4,m4a", DurationSeconds: 12, AudioCodec: "aac"}, nil
}

type StubTranscoder struct {
	Err error
}

func (t StubTranscoder) Transcode(ctx context.Context, inputPath, outputPath string) error {
	if t.Err != nil {
		return t.Err
	}
	return os.WriteFile(outputPath, []byte("stub mp3"), 0644)
}
