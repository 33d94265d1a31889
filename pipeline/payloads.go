package pipeline

import "time"

// DownloadPayload asks the download (or youtube) stage to fetch the source
// media for a job.
type DownloadPayload struct {
	JobID      string
	VideoURL   string
	EnqueuedAt time.Time
}

// ConvertPayload asks the convert stage to extract the audio track of a
// downloaded video into an MP3.
type ConvertPayload struct {
	JobID      string
	VideoPath  string
	VideoHash  string
	EnqueuedAt time.Time
}

// UploadPayload asks the upload stage to publish the finished MP3 (and, for
// plain video sources, the original video) to the object store. VideoPath is
// empty for youtube jobs, which never hold the source video on disk.
type UploadPayload struct {
	JobID      string
	MP3Path    string
	VideoPath  string
	VideoHash  string
	EnqueuedAt time.Time
}
