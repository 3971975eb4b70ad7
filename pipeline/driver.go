// Package pipeline drives a lecture job from download to published notes.
// Every stage is persisted on entry so an interrupted or failed job resumes
// from the last state whose artifacts are still on disk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"lecnotes/inference"
	"lecnotes/internal/storage"
	"lecnotes/internal/ytdlp"
	"lecnotes/jobs"
	"lecnotes/media"
	"lecnotes/publish"
)

// Downloader fetches a job's audio.
type Downloader interface {
	DownloadAudio(ctx context.Context, job *jobs.Job) (string, error)
	// ExpectedAudioPath is where DownloadAudio leaves its output. It must
	// not depend on anything but the job.
	ExpectedAudioPath(job *jobs.Job) string
}

// Sizer prepares audio for transcription. Errors satisfying
// media.IsDegraded are logged and otherwise ignored.
type Sizer interface {
	Trim(ctx context.Context, in, out string) error
	Normalize(ctx context.Context, in, out string) error
	Split(ctx context.Context, in, dir, prefix string) ([]media.Chunk, error)
}

// Asker sends one request to a model.
type Asker interface {
	Ask(ctx context.Context, req inference.Request) (string, error)
}

// Publisher delivers finished notes.
type Publisher interface {
	Publish(ctx context.Context, job *jobs.Job, notesPath string) (publish.Delivery, error)
}

// Options configures a Driver.
type Options struct {
	TempDir            string
	TranscriptionModel string
	NotesModel         string
	// ChunkCooldown is waited before a transcription request that follows
	// another one in the same run.
	ChunkCooldown time.Duration
	// JobPause is waited between jobs in RunPending.
	JobPause time.Duration
}

// Summary counts the outcomes of RunPending.
type Summary struct {
	Processed int
	Completed int
	Failed    int
	NoLink    int
	Cancelled int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d processed: %d completed, %d failed, %d no link, %d cancelled",
		s.Processed, s.Completed, s.Failed, s.NoLink, s.Cancelled)
}

// Driver runs jobs through the pipeline, one at a time.
type Driver struct {
	store  *jobs.Store
	dl     Downloader
	sizer  Sizer
	ai     Asker
	pub    Publisher
	opts   Options
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New returns a driver. A nil logger means slog.Default().
func New(store *jobs.Store, dl Downloader, sizer Sizer, ai Asker, pub Publisher, opts Options, logger *slog.Logger) *Driver {
	if opts.TempDir == "" {
		opts.TempDir = "temp"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		store:  store,
		dl:     dl,
		sizer:  sizer,
		ai:     ai,
		pub:    pub,
		opts:   opts,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// RunPending processes every pending job in table order. Job failures are
// recorded and counted; only context cancellation stops the batch.
func (d *Driver) RunPending(ctx context.Context) (Summary, error) {
	var sum Summary
	pending, err := d.store.Pending(ctx)
	if err != nil {
		return sum, err
	}
	d.logger.Info("processing pending jobs", slog.Int("count", len(pending)))

	for i, job := range pending {
		if i > 0 && d.opts.JobPause > 0 {
			if err := d.sleep(ctx, d.opts.JobPause); err != nil {
				return sum, err
			}
		}
		err := d.Run(ctx, job.ID)
		sum.Processed++
		switch {
		case err == nil:
			sum.Completed++
		case errors.Is(err, ErrCancelled):
			sum.Cancelled++
		case errors.Is(err, ytdlp.ErrNoLinkFound):
			sum.NoLink++
		default:
			sum.Failed++
		}
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
	}
	d.logger.Info("batch finished", slog.String("summary", sum.String()))
	return sum, nil
}

// Run processes one job from wherever it stopped. A job already in a
// terminal state is left alone.
func (d *Driver) Run(ctx context.Context, id string) error {
	job, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	log := d.logger.With(slog.String("job_id", job.ID))
	if job.Status.IsTerminal() {
		log.Info("job already finished", slog.String("status", job.Status.String()))
		return nil
	}

	a := ArtifactsFor(job, d.opts.TempDir, d.dl.ExpectedAudioPath(job))
	log.Info("processing job",
		slog.String("name", job.Name),
		slog.String("status", job.Status.String()),
		slog.String("resume_from", job.ResumeStatus().String()))

	err = d.process(ctx, job, a, log)
	// Record the outcome even when ctx was cancelled mid-stage.
	rctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		removeAll(a, log)
		return nil
	case errors.Is(err, ErrCancelled):
		log.Info("job cancelled, removing intermediates")
		removeAll(a, log)
		return err
	case errors.Is(err, ytdlp.ErrNoLinkFound):
		if nerr := d.store.NoLink(rctx, job.ID, err); nerr != nil {
			return errors.Join(err, nerr)
		}
		removeAll(a, log)
		return err
	}

	if ferr := d.store.Fail(rctx, job.ID, err); ferr != nil {
		return errors.Join(err, ferr)
	}
	if failed, gerr := d.store.Get(rctx, job.ID); gerr == nil {
		removeStale(a, failed.ResumeStatus(), log)
	}
	return err
}

func (d *Driver) process(ctx context.Context, job *jobs.Job, a Artifacts, log *slog.Logger) error {
	st := job.ResumeStatus()
	if err := checkResumable(job, st, a); err != nil {
		return err
	}

	if !st.AtLeast(jobs.Downloaded) {
		if err := d.advance(ctx, job.ID, jobs.Downloading); err != nil {
			return err
		}
		path, err := d.dl.DownloadAudio(ctx, job)
		if err != nil {
			return &StageError{JobID: job.ID, Stage: "download", Err: err}
		}
		if path != a.Audio {
			if err := os.Rename(path, a.Audio); err != nil {
				return &StageError{JobID: job.ID, Stage: "download", Err: err}
			}
		}
		if err := d.advance(ctx, job.ID, jobs.Downloaded); err != nil {
			return err
		}
	}

	if !st.AtLeast(jobs.SilenceRemoved) {
		if err := d.optimize(ctx, job.ID, "silence_removal", d.sizer.Trim, a.Audio, a.NoSilence, log); err != nil {
			return err
		}
		if err := d.advance(ctx, job.ID, jobs.SilenceRemoved); err != nil {
			return err
		}
	}

	if !st.AtLeast(jobs.BitrateModified) {
		if err := d.optimize(ctx, job.ID, "bitrate_normalization", d.sizer.Normalize, a.NoSilence, a.Prepared, log); err != nil {
			return err
		}
		if err := d.advance(ctx, job.ID, jobs.BitrateModified); err != nil {
			return err
		}
	}

	if !st.AtLeast(jobs.Chunked) {
		chunks, err := d.sizer.Split(ctx, a.Prepared, a.ChunkDir, a.ChunkPrefix)
		if err != nil && !media.IsDegraded(err) {
			return &StageError{JobID: job.ID, Stage: "split", Err: err}
		}
		if err != nil {
			log.Warn("split degraded", slog.String("error", err.Error()))
		}
		if len(chunks) == 0 {
			return &StageError{JobID: job.ID, Stage: "split", Err: errors.New("no chunks produced")}
		}
		if err := d.store.SetChunkCount(ctx, job.ID, len(chunks)); err != nil {
			return err
		}
		if err := d.advance(ctx, job.ID, jobs.Chunked); err != nil {
			return err
		}
		log.Info("audio chunked", slog.Int("chunks", len(chunks)))
	}

	if !st.AtLeast(jobs.NotesGenerated) {
		if err := d.transcribe(ctx, job.ID, a, log); err != nil {
			return err
		}
		if err := d.generateNotes(ctx, job.ID, a, log); err != nil {
			return err
		}
	}

	return d.publish(ctx, job.ID, a, log)
}

// advance re-reads the job, stops if it was cancelled, and persists next.
// A job already past next is left where it is.
func (d *Driver) advance(ctx context.Context, id string, next jobs.Status) error {
	job, err := d.current(ctx, id)
	if err != nil {
		return err
	}
	if job.ResumeStatus().Compare(next) > 0 {
		return nil
	}
	return d.store.Transition(ctx, id, next)
}

// current returns the stored job, or ErrCancelled once it was cancelled.
func (d *Driver) current(ctx context.Context, id string) (*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	job, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Stage == jobs.StageCancelled {
		return nil, ErrCancelled
	}
	return job, nil
}

func (d *Driver) optimize(ctx context.Context, id, stage string, step func(context.Context, string, string) error, in, out string, log *slog.Logger) error {
	err := step(ctx, in, out)
	if err == nil {
		return nil
	}
	if media.IsDegraded(err) {
		log.Warn("media step degraded", slog.String("stage", stage), slog.String("error", err.Error()))
		return nil
	}
	return &StageError{JobID: id, Stage: stage, Err: err}
}

func (d *Driver) transcribe(ctx context.Context, id string, a Artifacts, log *slog.Logger) error {
	job, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	n, err := chunkCount(job, a)
	if err != nil {
		return err
	}
	if _, err := buildTranscript(job, a.Transcript); err != nil {
		return err
	}

	called := false
	for i := 1; i <= n; i++ {
		if _, ok := job.Transcription(i); ok {
			log.Debug("chunk already transcribed", slog.Int("chunk", i))
			continue
		}
		if err := d.advance(ctx, id, jobs.TranscribingChunk(i)); err != nil {
			return err
		}
		if called && d.opts.ChunkCooldown > 0 {
			log.Info("cooling down before next chunk", slog.Duration("wait", d.opts.ChunkCooldown))
			if err := d.sleep(ctx, d.opts.ChunkCooldown); err != nil {
				return err
			}
		}

		path := a.Chunk(i)
		log.Info("transcribing chunk", slog.Int("chunk", i), slog.Int("of", n))
		called = true
		text, err := d.ai.Ask(ctx, inference.Request{
			Model:  d.opts.TranscriptionModel,
			Prompt: TranscriptionPrompt,
			Media:  &inference.Media{Path: path},
		})
		if err != nil {
			return &StageError{JobID: id, Stage: "transcription", Chunk: i, Err: err}
		}
		if err := d.store.AppendChunk(ctx, id, i, text); err != nil {
			return err
		}
		if job, err = d.store.Get(ctx, id); err != nil {
			return err
		}
		if _, err := buildTranscript(job, a.Transcript); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("could not remove transcribed chunk", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return nil
}

// buildTranscript rewrites the transcript file from the recorded chunk texts
// in index order.
func buildTranscript(job *jobs.Job, path string) (string, error) {
	var b strings.Builder
	for _, i := range job.TranscribedIndexes() {
		text, _ := job.Transcription(i)
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	if err := storage.WriteFile(path, []byte(b.String())); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	return b.String(), nil
}

func (d *Driver) generateNotes(ctx context.Context, id string, a Artifacts, log *slog.Logger) error {
	job, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	transcript, err := buildTranscript(job, a.Transcript)
	if err != nil {
		return err
	}
	if strings.TrimSpace(transcript) == "" {
		return &StageError{JobID: id, Stage: "notes", Err: errors.New("empty transcript")}
	}
	if _, err := d.current(ctx, id); err != nil {
		return err
	}

	log.Info("generating notes", slog.Int("transcript_bytes", len(transcript)))
	notes, err := d.ai.Ask(ctx, inference.Request{
		Model:  d.opts.NotesModel,
		System: NotesPrompt,
		Prompt: transcript,
	})
	if err != nil {
		return &StageError{JobID: id, Stage: "notes", Err: err}
	}
	if err := storage.WriteFile(a.Notes, []byte(notes)); err != nil {
		return fmt.Errorf("write notes: %w", err)
	}
	return d.advance(ctx, id, jobs.NotesGenerated)
}

func (d *Driver) publish(ctx context.Context, id string, a Artifacts, log *slog.Logger) error {
	job, err := d.current(ctx, id)
	if err != nil {
		return err
	}
	delivery, err := d.pub.Publish(ctx, job, a.Notes)
	if err != nil {
		return &StageError{JobID: id, Stage: "publish", Err: err}
	}

	final, artifact := jobs.Completed, delivery.Path
	if delivery.URL != "" {
		final, artifact = jobs.Published, delivery.URL
	}
	if err := d.store.Finish(ctx, id, final, artifact); err != nil {
		return err
	}
	log.Info("job finished", slog.String("status", final.String()), slog.String("artifact", artifact))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
