package config

import (
	"flag"
	"net/url"
	"strings"
	"time"
)

// Cli is the fully enumerated runtime configuration. Every knob is a flag in
// main.go; none of the hot paths do dynamic key lookups.
type Cli struct {
	HTTPAddress         string
	HTTPInternalAddress string
	APIToken            string

	DBConnectionString string

	ObjectStoreBucket    string
	ObjectStoreRegion    string
	ObjectStoreEndpoint  string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStoreBaseURL   *url.URL

	// Worker pool sizes.
	MaxConcurrentDownloads        int
	MaxConcurrentYoutubeDownloads int
	MaxConcurrentConversions      int
	MaxConcurrentUploads          int

	// Stage queue depths.
	DownloadQueueCapacity int
	YoutubeQueueCapacity  int
	ConvertQueueCapacity  int
	UploadQueueCapacity   int

	// Recovery loop.
	StaleJobThreshold time.Duration
	RecoveryInterval  time.Duration
	JobRetryLimit     int

	// Graceful shutdown.
	ShutdownDrainGrace time.Duration

	// Temp file arena.
	TempDirectory    string
	MaxTempSizeBytes int64
	MaxFileSizeBytes int64
	AllowedFileTypes []string

	// Youtube stage.
	YoutubeMaxRetryAttempts int
	YoutubeRetryDelay       time.Duration
	YoutubeTimeout          time.Duration
	YtdlpPath               string

	// Janitor.
	ArtifactTTL     time.Duration
	LogEventMaxAge  time.Duration
	CompletedJobTTL time.Duration
}

func parseURL(s string, dest **url.URL) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if _, err = url.ParseQuery(u.RawQuery); err != nil {
		return err
	}
	*dest = u
	return nil
}

func URLVarFlag(fs *flag.FlagSet, dest **url.URL, name, value, usage string) {
	if err := parseURL(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return parseURL(s, dest)
	})
}

// CommaSliceFlag registers a comma-separated string list flag.
func CommaSliceFlag(fs *flag.FlagSet, dest *[]string, name string, value []string, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			*dest = []string{}
			return nil
		}
		split := strings.Split(s, ",")
		out := make([]string, 0, len(split))
		for _, v := range split {
			out = append(out, strings.TrimSpace(v))
		}
		*dest = out
		return nil
	})
}
