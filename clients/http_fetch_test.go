package clients

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "github.com/soundmill/soundmill-api/errors"
	"github.com/stretchr/testify/require"
)

func TestFetchSendsBrowserHeaders(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, browserUserAgent, r.Header.Get("User-Agent"))
		require.NotEmpty(t, r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("some video bytes"))
	}))
	defer ts.Close()

	body, contentType, err := NewHTTPFetcher().Fetch(context.Background(), ts.URL+"/a.mp4")
	require.NoError(t, err)
	defer body.Close()
	require.Equal(t, "video/mp4", contentType)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "some video bytes", string(data))
}

func TestFetchMapsNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	_, _, err := NewHTTPFetcher().Fetch(context.Background(), ts.URL+"/missing.mp4")
	require.Error(t, err)
	require.True(t, xerrors.IsObjectNotFound(err))
}

func TestFetchMapsAccessDenied(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	_, _, err := NewHTTPFetcher().Fetch(context.Background(), ts.URL+"/locked.mp4")
	require.Error(t, err)
	require.Contains(t, err.Error(), "access denied")
	require.False(t, xerrors.IsUnretriable(err))
}

func TestRefererFor(t *testing.T) {
	require.Equal(t, "https://videos.example.com/", refererFor("https://videos.example.com/clips/a.mp4"))
	require.Empty(t, refererFor("not a url"))
}
