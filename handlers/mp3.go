package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/soundmill/soundmill-api/errors"
	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/metrics"
	"github.com/soundmill/soundmill-api/store"
	"github.com/xeipuuv/gojsonschema"
)

type SubmitMP3Request struct {
	Url  string   `json:"url"`
	Urls []string `json:"urls"`
}

type SubmitMP3Response struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type SubmitMP3BatchResponse struct {
	BatchID string               `json:"batch_id"`
	Jobs    []SubmitMP3JobResult `json:"jobs"`
}

type SubmitMP3JobResult struct {
	JobID  string `json:"job_id,omitempty"`
	Url    string `json:"url"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}

	return false
}

// SubmitMP3 accepts one URL or a batch of URLs and creates a conversion job
// for each. The request returns as soon as the jobs are queued.
func (d *SoundmillAPIHandlersCollection) SubmitMP3() httprouter.Handle {
	schema := inputSchemasCompiled["SubmitMP3"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		start := time.Now()
		success, statusCode := false, http.StatusOK
		metrics.Metrics.SubmitRequestCount.Inc()
		defer func() {
			metrics.Metrics.SubmitRequestDurationSec.
				WithLabelValues(strconv.FormatBool(success), strconv.Itoa(statusCode)).
				Observe(time.Since(start).Seconds())
		}()

		var submitRequest SubmitMP3Request

		if !HasContentType(req, "application/json") {
			statusCode = http.StatusUnsupportedMediaType
			errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
			return
		} else if payload, err := io.ReadAll(req.Body); err != nil {
			statusCode = http.StatusInternalServerError
			errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
			return
		} else if result, err := schema.Validate(gojsonschema.NewBytesLoader(payload)); err != nil {
			statusCode = http.StatusInternalServerError
			errors.WriteHTTPInternalServerError(w, "Cannot validate payload", err)
			return
		} else if !result.Valid() {
			statusCode = http.StatusBadRequest
			errors.WriteHTTPBadBodySchema("SubmitMP3", w, result.Errors())
			return
		} else if err := json.Unmarshal(payload, &submitRequest); err != nil {
			statusCode = http.StatusBadRequest
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}

		if submitRequest.Url != "" {
			statusCode, success = d.submitSingle(w, req, submitRequest.Url)
			return
		}
		statusCode, success = d.submitBatch(w, req, submitRequest.Urls)
	}
}

func (d *SoundmillAPIHandlersCollection) submitSingle(w http.ResponseWriter, req *http.Request, url string) (int, bool) {
	job, err := d.Pipeline.SubmitJob(req.Context(), url, "")
	if err != nil {
		if errors.IsInvalidInput(err) {
			errors.WriteHTTPBadRequest(w, "Invalid video url", err)
			return http.StatusBadRequest, false
		}
		if errors.IsOverloaded(err) {
			errors.WriteHTTPTooManyRequests(w, "System overloaded, try again later", err)
			return http.StatusTooManyRequests, false
		}
		errors.WriteHTTPInternalServerError(w, "Cannot create job", err)
		return http.StatusInternalServerError, false
	}

	log.Log(job.ID, "Accepted conversion job")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(job.ID, w, SubmitMP3Response{JobID: job.ID, Status: string(job.Status)})
	return http.StatusAccepted, true
}

func (d *SoundmillAPIHandlersCollection) submitBatch(w http.ResponseWriter, req *http.Request, urls []string) (int, bool) {
	batch, jobs, errs, err := d.Pipeline.SubmitBatch(req.Context(), urls)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot create batch", err)
		return http.StatusInternalServerError, false
	}

	resp := SubmitMP3BatchResponse{BatchID: batch.ID}
	for i, job := range jobs {
		result := SubmitMP3JobResult{Url: urls[i]}
		if job != nil {
			result.JobID = job.ID
			result.Status = string(job.Status)
		}
		if errs[i] != nil {
			result.Status = string(store.StatusFailed)
			result.Error = errs[i].Error()
		}
		resp.Jobs = append(resp.Jobs, result)
	}

	log.LogNoJobID("Accepted conversion batch", "batch_id", batch.ID, "jobs", len(jobs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(store.SystemJobID, w, resp)
	return http.StatusAccepted, true
}

func writeJSON(jobID string, w http.ResponseWriter, v interface{}) {
	respBytes, err := json.Marshal(v)
	if err != nil {
		log.LogError(jobID, "Failed to build HTTP API response", err)
		return
	}
	if _, err := w.Write(respBytes); err != nil {
		log.LogError(jobID, "Failed to write HTTP API response", err)
	}
}
