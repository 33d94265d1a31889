package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/soundmill/soundmill-api/config"
	"github.com/soundmill/soundmill-api/handlers"
	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/middleware"
	"github.com/soundmill/soundmill-api/pipeline"
)

func ListenAndServe(ctx context.Context, addr, apiToken string, coordinator *pipeline.Coordinator, jobStore pipeline.JobStore) error {
	router := NewSoundmillAPIRouter(coordinator, jobStore, apiToken)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting Soundmill API!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewSoundmillAPIRouter(coordinator *pipeline.Coordinator, jobStore pipeline.JobStore, apiToken string) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest()
	withAuth := middleware.IsAuthorized

	apiHandlers := &handlers.SoundmillAPIHandlersCollection{Pipeline: coordinator, Store: jobStore}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(apiHandlers.Ok()))

	// Public Soundmill API
	router.POST("/api/mp3",
		withLogging(
			withAuth(
				apiToken,
				apiHandlers.SubmitMP3(),
			),
		),
	)

	router.GET("/api/mp3/:id/status",
		withLogging(
			withAuth(
				apiToken,
				apiHandlers.JobStatus(),
			),
		),
	)

	return router
}
