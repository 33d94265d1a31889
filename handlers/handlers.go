package handlers

import (
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/pipeline"
)

// SoundmillAPIHandlersCollection bundles the public API handlers with their
// collaborators.
type SoundmillAPIHandlersCollection struct {
	Pipeline *pipeline.Coordinator
	Store    pipeline.JobStore
}

func (d *SoundmillAPIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if _, err := io.WriteString(w, "OK"); err != nil {
			log.LogNoJobID("Failed to write HTTP response for " + req.URL.RawPath)
		}
	}
}
