package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff/v3"
	"github.com/soundmill/soundmill-api/api"
	"github.com/soundmill/soundmill-api/clients"
	"github.com/soundmill/soundmill-api/config"
	"github.com/soundmill/soundmill-api/joblog"
	"github.com/soundmill/soundmill-api/pipeline"
	"github.com/soundmill/soundmill-api/store"
	"github.com/soundmill/soundmill-api/tempfile"
	"golang.org/x/sync/errgroup"
)

func main() {
	err := flag.Set("logtostderr", "true")
	if err != nil {
		glog.Fatal(err)
	}
	vFlag := flag.Lookup("v")
	fs := flag.NewFlagSet("soundmill-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	// listen addresses
	fs.StringVar(&cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind for external-facing Soundmill HTTP handling")
	fs.StringVar(&cli.HTTPInternalAddress, "http-internal-addr", "127.0.0.1:7979", "Address to bind for internal metrics and pprof endpoints")

	// soundmill-api parameters
	fs.StringVar(&cli.APIToken, "api-token", "IAmAuthorized", "Auth header value for API access")
	fs.StringVar(&cli.DBConnectionString, "db-connection-string", "", "Connection string for the jobs Postgres DB. Takes the form: host=X port=X user=X password=X dbname=X")

	// object store
	fs.StringVar(&cli.ObjectStoreBucket, "object-store-bucket", "", "Bucket holding published MP3 and video artifacts")
	fs.StringVar(&cli.ObjectStoreRegion, "object-store-region", "us-east-1", "Region of the artifact bucket")
	fs.StringVar(&cli.ObjectStoreEndpoint, "object-store-endpoint", "", "Custom S3-compatible endpoint, for minio and the like")
	fs.StringVar(&cli.ObjectStoreAccessKey, "object-store-access-key", "", "Access key for the artifact bucket")
	fs.StringVar(&cli.ObjectStoreSecretKey, "object-store-secret-key", "", "Secret key for the artifact bucket")
	config.URLVarFlag(fs, &cli.ObjectStoreBaseURL, "object-store-base-url", "", "Public base URL artifacts are served from, e.g. https://media.example.com/artifacts")

	// worker pools and queues
	fs.IntVar(&cli.MaxConcurrentDownloads, "max-concurrent-downloads", 5, "Number of parallel download workers")
	fs.IntVar(&cli.MaxConcurrentYoutubeDownloads, "max-concurrent-youtube-downloads", 3, "Number of parallel yt-dlp workers")
	fs.IntVar(&cli.MaxConcurrentConversions, "max-concurrent-conversions", 0, "Number of parallel ffmpeg conversion workers, 0 means one per spare core")
	fs.IntVar(&cli.MaxConcurrentUploads, "max-concurrent-uploads", 5, "Number of parallel upload workers")
	fs.IntVar(&cli.DownloadQueueCapacity, "download-queue-capacity", 100, "Maximum queued download payloads before submissions are rejected")
	fs.IntVar(&cli.YoutubeQueueCapacity, "youtube-queue-capacity", 100, "Maximum queued youtube payloads before submissions are rejected")
	fs.IntVar(&cli.ConvertQueueCapacity, "convert-queue-capacity", 0, "Maximum queued conversion payloads, 0 means one per spare core")
	fs.IntVar(&cli.UploadQueueCapacity, "upload-queue-capacity", 10, "Maximum queued upload payloads")

	// recovery
	fs.DurationVar(&cli.StaleJobThreshold, "stale-job-threshold", 30*time.Minute, "How long a job can sit in a non-terminal status before recovery re-queues it")
	fs.DurationVar(&cli.RecoveryInterval, "recovery-interval", 10*time.Minute, "How often the recovery loop scans for stale jobs")
	fs.IntVar(&cli.JobRetryLimit, "job-retry-limit", 3, "Processing attempts before a job is failed for good")
	fs.DurationVar(&cli.ShutdownDrainGrace, "shutdown-drain-grace", 2*time.Minute, "How long shutdown waits for in-flight jobs before cancelling them")

	// temp storage and input limits
	fs.StringVar(&cli.TempDirectory, "temp-directory", "", "Directory for in-flight media files, defaults to the system temp dir")
	fs.Int64Var(&cli.MaxTempSizeBytes, "max-temp-size-bytes", 50<<30, "Soft cap on the temp directory size before aggressive cleanup kicks in")
	fs.Int64Var(&cli.MaxFileSizeBytes, "max-file-size-bytes", 2<<30, "Maximum size of a single source download")
	config.CommaSliceFlag(fs, &cli.AllowedFileTypes, "allowed-file-types", []string{}, "Comma separated list of allowed source file extensions, empty allows everything")

	// youtube stage
	fs.StringVar(&cli.YtdlpPath, "ytdlp-path", "yt-dlp", "Path to the yt-dlp binary")
	fs.IntVar(&cli.YoutubeMaxRetryAttempts, "youtube-max-retry-attempts", 3, "yt-dlp attempts per job before giving up")
	fs.DurationVar(&cli.YoutubeRetryDelay, "youtube-retry-delay", 2*time.Second, "Base delay between yt-dlp attempts, grows linearly")
	fs.DurationVar(&cli.YoutubeTimeout, "youtube-timeout", 5*time.Minute, "Hard timeout for a single yt-dlp run")

	// janitor
	fs.DurationVar(&cli.ArtifactTTL, "artifact-ttl", 7*24*time.Hour, "How long published artifacts stay in the object store")
	fs.DurationVar(&cli.LogEventMaxAge, "log-event-max-age", 30*24*time.Hour, "How long job log events are kept in the database")
	fs.DurationVar(&cli.CompletedJobTTL, "completed-job-ttl", 7*24*time.Hour, "How long completed jobs stay in the database")

	// special parameters
	verbosity := fs.String("v", "", "Log verbosity.  {4|5|6}")
	_ = fs.String("config", "", "config file (optional)")

	err = ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("SOUNDMILL_API"),
	)
	if err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		glog.Fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}
	err = flag.CommandLine.Parse(nil)
	if err != nil {
		glog.Fatal(err)
	}

	if *version {
		fmt.Printf("soundmill-api version: %s", config.Version)
		return
	}

	if *verbosity != "" {
		err = vFlag.Value.Set(*verbosity)
		if err != nil {
			glog.Fatal(err)
		}
	}

	if cli.DBConnectionString == "" {
		glog.Fatal("a jobs database is required, set -db-connection-string")
	}
	db, err := sql.Open("postgres", cli.DBConnectionString)
	if err != nil {
		glog.Fatalf("Error creating postgres connection: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	jobStore := store.NewPostgres(db)
	if err := jobStore.EnsureSchema(context.Background()); err != nil {
		glog.Fatalf("Error ensuring database schema: %v", err)
	}

	objectStore, err := clients.NewS3Store(clients.S3Config{
		Bucket:    cli.ObjectStoreBucket,
		Region:    cli.ObjectStoreRegion,
		Endpoint:  cli.ObjectStoreEndpoint,
		AccessKey: cli.ObjectStoreAccessKey,
		SecretKey: cli.ObjectStoreSecretKey,
		BaseURL:   cli.ObjectStoreBaseURL,
	})
	if err != nil {
		glog.Fatalf("Error creating object store client: %v", err)
	}

	arena, err := tempfile.NewArena(cli.TempDirectory, cli.MaxTempSizeBytes)
	if err != nil {
		glog.Fatalf("Error creating temp arena: %v", err)
	}

	events := joblog.NewLogger(jobStore)

	coordinator, err := pipeline.NewCoordinator(pipeline.Config{
		Store:       jobStore,
		Events:      events,
		ObjectStore: objectStore,
		Fetcher:     clients.NewHTTPFetcher(),
		Youtube:     clients.NewYtdlpResolver(cli.YtdlpPath, cli.YoutubeMaxRetryAttempts, cli.YoutubeRetryDelay, cli.YoutubeTimeout),
		Arena:       arena,

		MaxConcurrentDownloads:        cli.MaxConcurrentDownloads,
		MaxConcurrentYoutubeDownloads: cli.MaxConcurrentYoutubeDownloads,
		MaxConcurrentConversions:      cli.MaxConcurrentConversions,
		MaxConcurrentUploads:          cli.MaxConcurrentUploads,

		DownloadQueueCapacity: cli.DownloadQueueCapacity,
		YoutubeQueueCapacity:  cli.YoutubeQueueCapacity,
		ConvertQueueCapacity:  cli.ConvertQueueCapacity,
		UploadQueueCapacity:   cli.UploadQueueCapacity,

		MaxFileSizeBytes: cli.MaxFileSizeBytes,
		AllowedFileTypes: cli.AllowedFileTypes,

		JobRetryLimit:      cli.JobRetryLimit,
		StaleJobThreshold:  cli.StaleJobThreshold,
		RecoveryInterval:   cli.RecoveryInterval,
		ShutdownDrainGrace: cli.ShutdownDrainGrace,

		ArtifactTTL:     cli.ArtifactTTL,
		LogEventMaxAge:  cli.LogEventMaxAge,
		CompletedJobTTL: cli.CompletedJobTTL,
	})
	if err != nil {
		glog.Fatalf("Error creating pipeline coordinator: %v", err)
	}

	coordinator.Start()

	// Clear leftovers from the previous process and reclaim any jobs it
	// stranded mid-pipeline.
	coordinator.SweepTempFiles()
	coordinator.RecoverStaleJobs(context.Background())

	// Initialize root context; cancelling this prompts all components to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, cli.HTTPAddress, cli.APIToken, coordinator, jobStore)
	})

	group.Go(func() error {
		return api.ListenAndServeInternal(ctx, cli.HTTPInternalAddress)
	})

	err = group.Wait()
	glog.Infof("Shutting down. Reason: %s", err)

	coordinator.Stop()
	events.Stop()
	glog.Info("Shutdown complete.")
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			glog.Errorf("caught signal=%v, attempting clean shutdown", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
