package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lecnotes/inference"
	"lecnotes/internal/ytdlp"
	"lecnotes/jobs"
	"lecnotes/media"
	"lecnotes/publish"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeDownloader struct {
	dir   string
	calls int
	err   error
	// during runs inside DownloadAudio, before the file is written.
	during func(job *jobs.Job)
}

func (f *fakeDownloader) ExpectedAudioPath(job *jobs.Job) string {
	return filepath.Join(f.dir, job.ID+".mp3")
}

func (f *fakeDownloader) DownloadAudio(ctx context.Context, job *jobs.Job) (string, error) {
	f.calls++
	if f.during != nil {
		f.during(job)
	}
	if f.err != nil {
		return "", f.err
	}
	p := f.ExpectedAudioPath(job)
	return p, os.WriteFile(p, []byte("audio"), 0o644)
}

type fakeSizer struct {
	chunks int
	calls  int
}

func (f *fakeSizer) Trim(ctx context.Context, in, out string) error {
	f.calls++
	return copyBytes(in, out)
}

func (f *fakeSizer) Normalize(ctx context.Context, in, out string) error {
	f.calls++
	return &media.DegradedError{Stage: "bitrate_normalization", Path: in, Err: copyBytes(in, out)}
}

func (f *fakeSizer) Split(ctx context.Context, in, dir, prefix string) ([]media.Chunk, error) {
	f.calls++
	var out []media.Chunk
	for i := 1; i <= f.chunks; i++ {
		p := media.ChunkPath(dir, prefix, i, ".mp3")
		if err := os.WriteFile(p, []byte(fmt.Sprintf("chunk %d", i)), 0o644); err != nil {
			return nil, err
		}
		out = append(out, media.Chunk{Index: i, Path: p})
	}
	return out, nil
}

func copyBytes(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

// fakeAsker answers transcription requests with the chunk file's content and
// note requests with fixed notes.
type fakeAsker struct {
	transcribed []string
	notesPrompt string
	failChunk   int
	// onMedia runs before each transcription request.
	onMedia func(path string)
}

func (f *fakeAsker) Ask(ctx context.Context, req inference.Request) (string, error) {
	if req.Media == nil {
		f.notesPrompt = req.Prompt
		return "## Notes", nil
	}
	if f.onMedia != nil {
		f.onMedia(req.Media.Path)
	}
	data, err := os.ReadFile(req.Media.Path)
	if err != nil {
		return "", err
	}
	if f.failChunk > 0 && strings.HasSuffix(req.Media.Path, fmt.Sprintf("%03d.mp3", f.failChunk)) {
		return "", inference.ErrTransientRequestFailure
	}
	f.transcribed = append(f.transcribed, filepath.Base(req.Media.Path))
	return "text of " + string(data), nil
}

type harness struct {
	store  *jobs.Store
	dl     *fakeDownloader
	sizer  *fakeSizer
	ai     *fakeAsker
	driver *Driver
	temp   string
	out    string
	slept  []time.Duration
}

func newHarness(t *testing.T, chunks int) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		dl:    &fakeDownloader{dir: filepath.Join(root, "downloads")},
		sizer: &fakeSizer{chunks: chunks},
		ai:    &fakeAsker{},
		temp:  filepath.Join(root, "temp"),
		out:   filepath.Join(root, "notes"),
	}
	for _, d := range []string{h.dl.dir, h.temp} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
	}
	store, err := jobs.OpenJSON(context.Background(), filepath.Join(root, "jobs.json"), jobs.WithLogger(quiet))
	if err != nil {
		t.Fatalf("OpenJSON() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	h.store = store

	pub := publish.NewFilePublisher(h.out, "", quiet)
	h.driver = New(store, h.dl, h.sizer, h.ai, pub, Options{
		TempDir:            h.temp,
		TranscriptionModel: "gemini-2.5-flash",
		NotesModel:         "gemini-3-pro-preview",
		ChunkCooldown:      30 * time.Second,
	}, quiet)
	h.driver.sleep = func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	return h
}

func (h *harness) add(t *testing.T, id string) *jobs.Job {
	t.Helper()
	j := &jobs.Job{ID: id, Name: "Lecture " + id, URL: "https://youtu.be/" + id}
	if err := h.store.Add(context.Background(), j); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return j
}

// moveTo walks a queued job forward to st.
func (h *harness) moveTo(t *testing.T, id string, st jobs.Status) {
	t.Helper()
	for _, s := range []jobs.Status{jobs.Downloading, jobs.Downloaded, jobs.SilenceRemoved, jobs.BitrateModified, jobs.Chunked} {
		if s.Compare(st) > 0 {
			break
		}
		if err := h.store.Transition(context.Background(), id, s); err != nil {
			t.Fatalf("Transition(%s) error = %v", s, err)
		}
	}
	if st.Stage == jobs.StageTranscribing {
		if err := h.store.Transition(context.Background(), id, st); err != nil {
			t.Fatalf("Transition(%s) error = %v", st, err)
		}
	}
}

func (h *harness) artifacts(t *testing.T, id string) Artifacts {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return ArtifactsFor(job, h.temp, h.dl.ExpectedAudioPath(job))
}

func (h *harness) writeChunks(t *testing.T, a Artifacts, idx ...int) {
	t.Helper()
	for _, i := range idx {
		if err := os.WriteFile(a.Chunk(i), []byte(fmt.Sprintf("chunk %d", i)), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRun_EndToEnd(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.add(t, "j1")

	if err := h.driver.Run(ctx, "j1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	job, _ := h.store.Get(ctx, "j1")
	if job.Status != jobs.Completed {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if got := fmt.Sprint(job.TranscribedIndexes()); got != "[1 2 3]" {
		t.Errorf("transcribed indexes = %s, want [1 2 3]", got)
	}
	if len(h.ai.transcribed) != 3 {
		t.Errorf("sent %d chunks, want 3", len(h.ai.transcribed))
	}
	if left := listDir(t, h.temp); len(left) != 0 {
		t.Errorf("temp dir not empty: %v", left)
	}
	if left := listDir(t, h.dl.dir); len(left) != 0 {
		t.Errorf("download dir not empty: %v", left)
	}
	if _, err := os.Stat(job.Artifact); err != nil {
		t.Errorf("published notes missing: %v", err)
	}
	// Cool-down only between remote calls: before chunks 2 and 3.
	if len(h.slept) != 2 {
		t.Errorf("cooled down %d times, want 2", len(h.slept))
	}
	want := "text of chunk 1\n\ntext of chunk 2\n\ntext of chunk 3\n\n"
	if h.ai.notesPrompt != want {
		t.Errorf("transcript = %q, want %q", h.ai.notesPrompt, want)
	}
}

func TestRun_IdempotentFromChunked(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.add(t, "j1")
	h.moveTo(t, "j1", jobs.Chunked)
	h.store.SetChunkCount(ctx, "j1", 2)
	h.writeChunks(t, h.artifacts(t, "j1"), 1, 2)

	if err := h.driver.Run(ctx, "j1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.dl.calls != 0 || h.sizer.calls != 0 {
		t.Errorf("downloader calls = %d, sizer calls = %d, want 0 and 0", h.dl.calls, h.sizer.calls)
	}
	job, _ := h.store.Get(ctx, "j1")
	if job.Status != jobs.Completed {
		t.Errorf("status = %s, want completed", job.Status)
	}
}

func TestRun_ResumesPartialTranscription(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.add(t, "j1")
	h.moveTo(t, "j1", jobs.TranscribingChunk(2))
	h.store.SetChunkCount(ctx, "j1", 2)
	if err := h.store.AppendChunk(ctx, "j1", 1, "X"); err != nil {
		t.Fatalf("AppendChunk() error = %v", err)
	}
	h.writeChunks(t, h.artifacts(t, "j1"), 1, 2)

	if err := h.driver.Run(ctx, "j1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fmt.Sprint(h.ai.transcribed) != "[job_j1_chunk_002.mp3]" {
		t.Errorf("transcribed %v, want only chunk 2", h.ai.transcribed)
	}
	if want := "X\n\ntext of chunk 2\n\n"; h.ai.notesPrompt != want {
		t.Errorf("transcript = %q, want %q", h.ai.notesPrompt, want)
	}
	if len(h.slept) != 0 {
		t.Errorf("cooled down before the first remote call")
	}
}

func TestRun_TranscriptGrowsPerChunk(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.add(t, "j1")
	h.moveTo(t, "j1", jobs.TranscribingChunk(2))
	h.store.SetChunkCount(ctx, "j1", 3)
	if err := h.store.AppendChunk(ctx, "j1", 1, "X"); err != nil {
		t.Fatalf("AppendChunk() error = %v", err)
	}
	a := h.artifacts(t, "j1")
	h.writeChunks(t, a, 2, 3)

	var seen []string
	h.ai.onMedia = func(string) {
		data, err := os.ReadFile(a.Transcript)
		if err != nil {
			t.Errorf("transcript missing during transcription: %v", err)
		}
		seen = append(seen, string(data))
	}

	if err := h.driver.Run(ctx, "j1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"X\n\n", "X\n\ntext of chunk 2\n\n"}
	if fmt.Sprintf("%q", seen) != fmt.Sprintf("%q", want) {
		t.Errorf("transcript before each request = %q, want %q", seen, want)
	}
}

func TestRun_MissingArtifact(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.add(t, "j1")
	h.moveTo(t, "j1", jobs.SilenceRemoved)

	err := h.driver.Run(ctx, "j1")
	if !errors.Is(err, ErrResumptionInconsistency) {
		t.Fatalf("Run() error = %v, want ErrResumptionInconsistency", err)
	}
	job, _ := h.store.Get(ctx, "j1")
	if job.Status != jobs.Failed || job.LastGranularState == nil || *job.LastGranularState != jobs.SilenceRemoved {
		t.Errorf("job = %s / %v, want failed from silence_removed", job.Status, job.LastGranularState)
	}
	if h.dl.calls != 0 || h.sizer.calls != 0 {
		t.Errorf("earlier stages re-run")
	}
}

func TestRun_Cancelled(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.add(t, "j1")
	h.dl.during = func(job *jobs.Job) {
		if err := h.store.Cancel(ctx, job.ID); err != nil {
			t.Errorf("Cancel() error = %v", err)
		}
	}

	err := h.driver.Run(ctx, "j1")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	job, _ := h.store.Get(ctx, "j1")
	if job.Status != jobs.Cancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if h.sizer.calls != 0 {
		t.Errorf("sizer ran after cancellation")
	}
	if left := listDir(t, h.dl.dir); len(left) != 0 {
		t.Errorf("download dir not empty: %v", left)
	}
}

func TestRun_FailureThenResume(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.add(t, "j1")
	h.ai.failChunk = 2

	err := h.driver.Run(ctx, "j1")
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "transcription" || se.Chunk != 2 {
		t.Fatalf("Run() error = %v, want transcription failure on chunk 2", err)
	}
	job, _ := h.store.Get(ctx, "j1")
	if job.Status != jobs.Failed || job.LastGranularState == nil || *job.LastGranularState != jobs.TranscribingChunk(2) {
		t.Fatalf("job = %s / %v, want failed from transcribing_chunk_2", job.Status, job.LastGranularState)
	}
	a := h.artifacts(t, "j1")
	for path, want := range map[string]bool{
		a.Chunk(1):  false,
		a.Chunk(2):  true,
		a.Chunk(3):  true,
		a.Audio:     false,
		a.Prepared:  false,
		a.NoSilence: false,
	} {
		if exists(path) != want {
			t.Errorf("%s exists = %v, want %v", filepath.Base(path), !want, want)
		}
	}

	h.ai.failChunk = 0
	h.ai.transcribed = nil
	if err := h.driver.Run(ctx, "j1"); err != nil {
		t.Fatalf("Run() resume error = %v", err)
	}
	if fmt.Sprint(h.ai.transcribed) != "[job_j1_chunk_002.mp3 job_j1_chunk_003.mp3]" {
		t.Errorf("resume transcribed %v", h.ai.transcribed)
	}
	if h.dl.calls != 1 {
		t.Errorf("download ran %d times, want 1", h.dl.calls)
	}
}

func TestRun_NoLink(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.add(t, "j1")
	h.dl.err = &ytdlp.DownloadError{JobID: "j1", Err: ytdlp.ErrNoLinkFound}

	if err := h.driver.Run(ctx, "j1"); !errors.Is(err, ytdlp.ErrNoLinkFound) {
		t.Fatalf("Run() error = %v, want ErrNoLinkFound", err)
	}
	job, _ := h.store.Get(ctx, "j1")
	if job.Status != jobs.NoLinkFound {
		t.Errorf("status = %s, want no_link_found", job.Status)
	}

	pending, _ := h.store.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("no-link job still pending")
	}
}

func TestRunPending(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.add(t, "a")
	h.add(t, "b")
	h.add(t, "c")
	h.store.Cancel(ctx, "c")
	h.driver.opts.JobPause = time.Second
	h.dl.during = func(job *jobs.Job) {
		if job.ID == "b" {
			h.dl.err = errors.New("HTTP Error 403")
		}
	}

	sum, err := h.driver.RunPending(ctx)
	if err != nil {
		t.Fatalf("RunPending() error = %v", err)
	}
	if sum.Processed != 2 || sum.Completed != 1 || sum.Failed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	b, _ := h.store.Get(ctx, "b")
	if b.Status != jobs.Failed || !strings.Contains(b.Error, "download") {
		t.Errorf("job b = %s (%q)", b.Status, b.Error)
	}
}

func TestCleanAll(t *testing.T) {
	root := t.TempDir()
	temp := filepath.Join(root, "temp")
	dl := filepath.Join(root, "downloads")
	for _, p := range []string{
		filepath.Join(temp, "x_notes.md"),
		filepath.Join(temp, ".gitkeep"),
		filepath.Join(dl, "a.mp3"),
		filepath.Join(dl, "b.webm.part"),
		filepath.Join(dl, "keep.txt"),
		filepath.Join(dl, "temp", "frag"),
	} {
		os.MkdirAll(filepath.Dir(p), 0o755)
		os.WriteFile(p, nil, 0o644)
	}

	n, err := CleanAll(temp, dl, quiet)
	if err != nil {
		t.Fatalf("CleanAll() error = %v", err)
	}
	if n != 4 {
		t.Errorf("CleanAll() removed %d, want 4", n)
	}
	if got := fmt.Sprint(listDir(t, dl)); got != "[keep.txt temp]" {
		t.Errorf("downloads left %s", got)
	}
	if got := fmt.Sprint(listDir(t, temp)); got != "[.gitkeep]" {
		t.Errorf("temp left %s", got)
	}
}
