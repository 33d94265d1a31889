package handlers

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/soundmill/soundmill-api/errors"
	"github.com/soundmill/soundmill-api/store"
)

type JobStatusResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	VideoURL    string `json:"video_url"`
	MP3URL      string `json:"mp3_url,omitempty"`
	NewVideoURL string `json:"new_video_url,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// JobStatus reports where a job currently is. Progress is derived from the
// status, not tracked separately.
func (d *SoundmillAPIHandlersCollection) JobStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		id := params.ByName("id")
		job, err := d.Store.GetJob(req.Context(), id)
		if err == store.ErrJobNotFound {
			errors.WriteHTTPNotFound(w, "Job not found", err)
			return
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot load job", err)
			return
		}

		resp := JobStatusResponse{
			JobID:       job.ID,
			Status:      string(job.Status),
			Progress:    job.Status.Progress(),
			VideoURL:    job.VideoURL,
			MP3URL:      job.MP3URL,
			NewVideoURL: job.NewVideoURL,
			Error:       job.ErrorMessage,
			CreatedAt:   job.CreatedAt.UTC().Format(time.RFC3339),
		}
		if job.CompletedAt != nil {
			resp.CompletedAt = job.CompletedAt.UTC().Format(time.RFC3339)
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(job.ID, w, resp)
	}
}
