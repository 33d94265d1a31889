package api

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soundmill/soundmill-api/config"
	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/middleware"
)

// ListenAndServeInternal serves the operator-only endpoints: prometheus
// metrics and pprof. It never carries the API token and must not be exposed
// publicly.
func ListenAndServeInternal(ctx context.Context, addr string) error {
	router := NewSoundmillAPIRouterInternal()
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting Soundmill internal API!",
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

func NewSoundmillAPIRouterInternal() *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest()

	router.Handler("GET", "/metrics", promhttp.Handler())

	router.GET("/debug/pprof/:profile", withLogging(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		switch ps.ByName("profile") {
		case "profile":
			pprof.Profile(w, r)
		case "trace":
			pprof.Trace(w, r)
		case "cmdline":
			pprof.Cmdline(w, r)
		default:
			pprof.Index(w, r)
		}
	}))

	return router
}
