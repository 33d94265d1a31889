package config

import (
	"flag"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestURLVarFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	var u *url.URL
	URLVarFlag(fs, &u, "object-store-base-url", "https://cdn.example.com/mp3", "base url")
	require.NoError(t, fs.Parse([]string{"-object-store-base-url", "https://media.example.com/audio"}))
	require.Equal(t, "https://media.example.com/audio", u.String())
}

func TestCommaSliceFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	var types []string
	CommaSliceFlag(fs, &types, "allowed-file-types", []string{"video/mp4"}, "whitelist")
	require.Equal(t, []string{"video/mp4"}, types)

	require.NoError(t, fs.Parse([]string{"-allowed-file-types", "video/mp4, video/webm,audio/mpeg"}))
	require.Equal(t, []string{"video/mp4", "video/webm", "audio/mpeg"}, types)
}

func TestCommaSliceFlagEmpty(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	var types []string
	CommaSliceFlag(fs, &types, "allowed-file-types", []string{"video/mp4"}, "whitelist")
	require.NoError(t, fs.Parse([]string{"-allowed-file-types", ""}))
	require.Empty(t, types)
}

func TestFixedTimestampGenerator(t *testing.T) {
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := FixedTimestampGenerator{Timestamp: fixed}
	require.Equal(t, fixed, clock.Now())
}
