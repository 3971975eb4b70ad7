// Package lecnotes turns recorded lectures into study notes.
//
// A job names a lecture URL. The pipeline downloads its audio, shrinks it
// (silence removal, re-encoding, splitting into chunks that fit the remote
// size limit), transcribes the chunks one at a time, summarizes the
// transcript into notes and publishes them.
//
// # Overview
//
// Every step is persisted before it starts, so a run that dies or fails
// picks up where it stopped:
//
//	queued → downloading → downloaded → silence_removed → bitrate_modified
//	       → chunked → transcribing_chunk_<i> → notes_generated → completed
//
// Chunk transcriptions are stored as they arrive; resuming never sends a
// chunk twice.
//
// Remote requests rotate across a pool of API keys and OAuth accounts.
// Quota denial moves on to the next credential, transient failures are
// retried locally, and usage is tracked per model within a quota window.
//
// # Packages
//
//   - jobs: job table, status model, JSON and SQLite backends
//   - pipeline: the driver and its collaborator interfaces
//   - media: ffmpeg/ffprobe based audio sizing
//   - credentials: credential pool and OAuth refresh
//   - inference: streaming request client for Gemini endpoints
//   - publish: notes delivery
//   - config: configuration loading
//
// # Configuration
//
// Settings load from defaults, then lecnotes.json (working directory, then
// ~/.config/lecnotes/lecnotes.json), then LECNOTES_* environment variables.
// A .env file in the working directory is read first. Commonly set:
//
//   - LECNOTES_DATA_DIR: base for jobs, credentials, temp and output
//   - LECNOTES_STORE_BACKEND: json (default) or sqlite
//   - LECNOTES_TRANSCRIPTION_MODEL, LECNOTES_NOTES_MODEL
//   - LECNOTES_QUOTA_LIMITS: per-key daily limits, "model=n,model=n"
//   - LECNOTES_SEGMENT_MODE: duration (default) or size
//
// # Error Handling
//
// Failures carry sentinels for errors.Is and context structs for errors.As:
//
//	var se *lecnotes.StageError
//	if errors.As(err, &se) {
//		fmt.Printf("job %s failed in %s\n", se.JobID, se.Stage)
//	}
//	if errors.Is(err, lecnotes.ErrNoCredentialAvailable) {
//		fmt.Println("every credential is exhausted for today")
//	}
//
// # Dependencies
//
// yt-dlp, ffmpeg and ffprobe must be installed and in PATH, or configured
// with LECNOTES_YTDLP_PATH, LECNOTES_FFMPEG_PATH and LECNOTES_FFPROBE_PATH.
package lecnotes
