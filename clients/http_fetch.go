package clients

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	xerrors "github.com/soundmill/soundmill-api/errors"
	"github.com/soundmill/soundmill-api/log"
)

// Some hosts refuse requests without a browser-looking client.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

const maxDownloadDuration = 30 * time.Minute

func newFetchHTTPClient() *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 1 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.Logger = log.NewRetryableHTTPLogger()
	client.HTTPClient = &http.Client{
		Timeout: maxDownloadDuration,
	}
	return client.StandardClient()
}

// HTTPFetcher downloads source videos over plain HTTP(S).
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: newFetchHTTPClient()}
}

// Fetch issues the GET and returns the body stream plus the response
// content-type. Status mapping: 403 access denied, 404 not found, any other
// non-2xx a plain fetch failure.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", xerrors.Unretriable(fmt.Errorf("error creating http request: %w", err))
	}
	req.Header.Set("User-Agent", browserUserAgent)
	if referer := refererFor(rawURL); referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("error on download request: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, "", fmt.Errorf("access denied fetching %s: %s", rawURL, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, "", xerrors.NewObjectNotFoundError(fmt.Sprintf("source %s not found", rawURL), nil)
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, "", fmt.Errorf("bad status code from download request: %d %s", resp.StatusCode, resp.Status)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// refererFor claims we navigated from the host's own front page, which is what
// most hotlink protection checks for.
func refererFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s/", u.Scheme, u.Host)
}
