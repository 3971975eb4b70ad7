package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"lecnotes/jobs"
	"lecnotes/media"
)

// Artifacts names every intermediate file of one job.
type Artifacts struct {
	Audio       string
	NoSilence   string
	Prepared    string
	ChunkDir    string
	ChunkPrefix string
	Transcript  string
	Notes       string
	ext         string
}

// ArtifactsFor derives the artifact paths of job. audio is the downloader's
// expected output path.
func ArtifactsFor(job *jobs.Job, tempDir, audio string) Artifacts {
	ext := filepath.Ext(audio)
	if ext == "" {
		ext = ".mp3"
	}
	base := filepath.Join(tempDir, job.ID)
	return Artifacts{
		Audio:       audio,
		NoSilence:   base + "_nosilence" + ext,
		Prepared:    base + "_prepared" + ext,
		ChunkDir:    tempDir,
		ChunkPrefix: "job_" + job.ID + "_chunk_",
		Transcript:  base + "_transcript.txt",
		Notes:       base + "_notes.md",
		ext:         ext,
	}
}

// Chunk is the path of chunk i.
func (a Artifacts) Chunk(i int) string {
	return media.ChunkPath(a.ChunkDir, a.ChunkPrefix, i, a.ext)
}

// stageFile is the single file a job at st needs to resume, if any.
func (a Artifacts) stageFile(st jobs.Status) string {
	switch st.Stage {
	case jobs.StageDownloaded:
		return a.Audio
	case jobs.StageSilenceRemoved:
		return a.NoSilence
	case jobs.StageBitrateModified:
		return a.Prepared
	case jobs.StageNotesGenerated:
		return a.Notes
	}
	return ""
}

// chunkCount is the number of chunks a job has, falling back to what is on
// disk and in the transcription map for jobs recorded without a count.
func chunkCount(job *jobs.Job, a Artifacts) (int, error) {
	n := job.ChunkCount
	if idx := job.TranscribedIndexes(); len(idx) > 0 && idx[len(idx)-1] > n {
		n = idx[len(idx)-1]
	}
	found, err := media.DiscoverChunks(a.ChunkDir, a.ChunkPrefix)
	if err != nil {
		return 0, err
	}
	if len(found) > 0 && found[len(found)-1].Index > n {
		n = found[len(found)-1].Index
	}
	return n, nil
}

// checkResumable verifies the artifacts required to continue from st exist.
func checkResumable(job *jobs.Job, st jobs.Status, a Artifacts) error {
	if !st.AtLeast(jobs.Downloaded) {
		return nil
	}
	if f := a.stageFile(st); f != "" {
		if !exists(f) {
			return fmt.Errorf("%w: %s needs %s", ErrResumptionInconsistency, st, f)
		}
		return nil
	}
	if st.Stage != jobs.StageChunked && st.Stage != jobs.StageTranscribing {
		return nil
	}

	n, err := chunkCount(job, a)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s with no chunks", ErrResumptionInconsistency, st)
	}
	var missing []string
	for i := 1; i <= n; i++ {
		if _, ok := job.Transcription(i); ok {
			continue
		}
		if !exists(a.Chunk(i)) {
			missing = append(missing, filepath.Base(a.Chunk(i)))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s needs %s", ErrResumptionInconsistency, st, strings.Join(missing, ", "))
	}
	return nil
}

// removeAll deletes every intermediate of the job.
func removeAll(a Artifacts, logger *slog.Logger) {
	removeFiles(logger, a.Audio, a.NoSilence, a.Prepared, a.Transcript, a.Notes)
	if err := media.RemoveChunks(a.ChunkDir, a.ChunkPrefix); err != nil {
		logger.Warn("cleanup failed", slog.String("error", err.Error()))
	}
}

// removeStale deletes the stage files a job resuming from st no longer
// needs. Chunks, transcript and notes are kept.
func removeStale(a Artifacts, st jobs.Status, logger *slog.Logger) {
	keep := a.stageFile(st)
	var stale []string
	for _, f := range []string{a.Audio, a.NoSilence, a.Prepared} {
		if f != keep {
			stale = append(stale, f)
		}
	}
	removeFiles(logger, stale...)
}

func removeFiles(logger *slog.Logger, paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		err := os.Remove(p)
		switch {
		case err == nil:
			logger.Debug("removed", slog.String("path", p))
		case !errors.Is(err, os.ErrNotExist):
			logger.Warn("cleanup failed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CleanAll removes every intermediate file from tempDir and the audio and
// partial downloads from downloadDir. It returns the number of entries
// removed.
func CleanAll(tempDir, downloadDir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	removed := 0
	var errs []error
	clear := func(dir string, match func(name string) bool) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			return
		}
		for _, e := range entries {
			if e.Name() == ".gitkeep" || !match(e.Name()) {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if err := os.RemoveAll(p); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
			logger.Info("removed", slog.String("path", p))
		}
	}

	clear(tempDir, func(string) bool { return true })
	clear(downloadDir, func(name string) bool {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".mp3", ".m4a", ".webm", ".part", ".ytdl":
			return true
		}
		return false
	})
	clear(filepath.Join(downloadDir, "temp"), func(string) bool { return true })
	return removed, errors.Join(errs...)
}
