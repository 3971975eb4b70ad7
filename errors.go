package lecnotes

import (
	"lecnotes/credentials"
	"lecnotes/inference"
	"lecnotes/internal/retry"
	"lecnotes/internal/storage"
	"lecnotes/internal/ytdlp"
	"lecnotes/jobs"
	"lecnotes/media"
	"lecnotes/pipeline"
)

// Error types re-exported from sub-packages.
type (
	// StageError reports the pipeline step a job failed in.
	StageError = pipeline.StageError
	// DegradedError reports an audio optimization that fell back to its input.
	DegradedError = media.DegradedError
	// QuotaError reports a 429 from the remote service.
	QuotaError = inference.QuotaError
	// RequestError wraps a request that failed on every credential tried.
	RequestError = inference.RequestError
	// DownloadError carries yt-dlp's failure output.
	DownloadError = ytdlp.DownloadError
	// RetryableError wraps errors that occurred after retries were exhausted.
	RetryableError = retry.RetryableError
	// StorageError wraps errors during storage operations.
	StorageError = storage.StorageError
)

// Sentinel errors exported from sub-packages.
var (
	// ErrDownloadFailed indicates yt-dlp could not fetch the audio.
	ErrDownloadFailed = ytdlp.ErrDownloadFailed
	// ErrNoLinkFound indicates the URL holds nothing downloadable.
	ErrNoLinkFound = ytdlp.ErrNoLinkFound
	// ErrNoCredentialAvailable indicates every credential is invalid or
	// exhausted for the requested model.
	ErrNoCredentialAvailable = credentials.ErrNoCredentialAvailable
	// ErrTransientRequestFailure indicates local retries were exhausted on
	// every credential tried.
	ErrTransientRequestFailure = inference.ErrTransientRequestFailure
	// ErrMediaUploadFailure indicates uploaded audio never became usable.
	ErrMediaUploadFailure = inference.ErrMediaUploadFailure
	// ErrResumptionInconsistency indicates a job's recorded state needs an
	// artifact that is gone.
	ErrResumptionInconsistency = pipeline.ErrResumptionInconsistency
	// ErrCancelled indicates a job was cancelled while it ran.
	ErrCancelled = pipeline.ErrCancelled
	// ErrInvalidTransition indicates a status change that would move a job
	// backwards.
	ErrInvalidTransition = jobs.ErrInvalidTransition

	// Storage errors
	ErrNotFound       = storage.ErrNotFound
	ErrAlreadyExists  = storage.ErrAlreadyExists
	ErrStorageCorrupt = storage.ErrStorageCorrupt
	ErrLockTimeout    = storage.ErrLockTimeout
)

// IsDegraded reports whether err only signals a degraded audio step.
func IsDegraded(err error) bool {
	return media.IsDegraded(err)
}
