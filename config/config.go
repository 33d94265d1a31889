package config

import (
	"os"
	"time"

	"github.com/go-kit/log"
)

var Version string

// Clock stamps job rows and artifacts; tests swap in a fixed generator to pin
// created_at and completed_at.
var Clock TimestampGenerator = RealTimestampGenerator{}

// Logger for code paths that run before the per-job loggers are wired up.
var Logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

func init() {
	Logger = log.With(Logger, "ts", log.DefaultTimestampUTC)
}

type TimestampGenerator interface {
	Now() time.Time
}

type RealTimestampGenerator struct{}

func (t RealTimestampGenerator) Now() time.Time {
	return time.Now().UTC()
}

type FixedTimestampGenerator struct {
	Timestamp time.Time
}

func (t FixedTimestampGenerator) Now() time.Time {
	return t.Timestamp
}
