package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"lecnotes/internal/storage"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type backendFactory struct {
	name string
	open func(t *testing.T, dir string) *Store
}

func factories() []backendFactory {
	return []backendFactory{
		{"json", func(t *testing.T, dir string) *Store {
			s, err := OpenJSON(context.Background(), filepath.Join(dir, "jobs.json"), WithLogger(quiet))
			if err != nil {
				t.Fatalf("OpenJSON() error = %v", err)
			}
			return s
		}},
		{"sqlite", func(t *testing.T, dir string) *Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(dir, "jobs.db"), WithLogger(quiet))
			if err != nil {
				t.Fatalf("OpenSQLite() error = %v", err)
			}
			return s
		}},
	}
}

func addJob(t *testing.T, s *Store, name string) *Job {
	t.Helper()
	j := NewJob(name, "https://example.com/"+name)
	if err := s.Add(context.Background(), j); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return j
}

func TestStore_ForwardOnly(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := f.open(t, t.TempDir())
			defer s.Close()
			j := addJob(t, s, "j")

			for _, st := range []Status{Downloading, Downloaded, SilenceRemoved, BitrateModified, Chunked, TranscribingChunk(1), TranscribingChunk(2)} {
				if err := s.Transition(ctx, j.ID, st); err != nil {
					t.Fatalf("Transition(%s) error = %v", st, err)
				}
			}

			for _, back := range []Status{Queued, Downloaded, Chunked, TranscribingChunk(1)} {
				err := s.Transition(ctx, j.ID, back)
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("Transition(%s) error = %v, want ErrInvalidTransition", back, err)
				}
			}

			got, err := s.Get(ctx, j.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Status != TranscribingChunk(2) {
				t.Errorf("Status = %s, want transcribing_chunk_2", got.Status)
			}
		})
	}
}

func TestStore_FailPreservesGranularState(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			s := f.open(t, dir)
			j := addJob(t, s, "j")

			s.Transition(ctx, j.ID, Downloading)
			s.Transition(ctx, j.ID, Downloaded)
			s.Transition(ctx, j.ID, Chunked)
			if err := s.Fail(ctx, j.ID, errors.New("boom")); err != nil {
				t.Fatalf("Fail() error = %v", err)
			}
			// Failing again keeps the first granular state.
			if err := s.Fail(ctx, j.ID, errors.New("again")); err != nil {
				t.Fatalf("Fail() error = %v", err)
			}
			s.Close()

			s = f.open(t, dir)
			defer s.Close()
			got, err := s.Get(ctx, j.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Status != Failed || got.LastGranularState == nil || *got.LastGranularState != Chunked {
				t.Fatalf("job = %s last=%v, want failed with last chunked", got.Status, got.LastGranularState)
			}
			if got.ResumeStatus() != Chunked {
				t.Errorf("ResumeStatus() = %s, want chunked", got.ResumeStatus())
			}

			if err := s.Transition(ctx, j.ID, Downloaded); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Transition(downloaded) from failed@chunked error = %v, want ErrInvalidTransition", err)
			}
			if err := s.Transition(ctx, j.ID, TranscribingChunk(1)); err != nil {
				t.Fatalf("Transition(transcribing_chunk_1) error = %v", err)
			}
			got, _ = s.Get(ctx, j.ID)
			if got.LastGranularState != nil || got.Error != "" {
				t.Errorf("resumed job kept failure fields: %+v", got)
			}
		})
	}
}

func TestStore_AppendChunk(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			s := f.open(t, dir)
			j := addJob(t, s, "j")

			if err := s.AppendChunk(ctx, j.ID, 2, "two"); err != nil {
				t.Fatalf("AppendChunk(2) error = %v", err)
			}
			if err := s.AppendChunk(ctx, j.ID, 1, "one"); err != nil {
				t.Fatalf("AppendChunk(1) error = %v", err)
			}
			if err := s.AppendChunk(ctx, j.ID, 1, "dup"); !errors.Is(err, storage.ErrAlreadyExists) {
				t.Errorf("AppendChunk(1) twice error = %v, want ErrAlreadyExists", err)
			}
			if err := s.AppendChunk(ctx, j.ID, 0, "zero"); err == nil {
				t.Error("AppendChunk(0) error = nil, want error")
			}
			s.Close()

			s = f.open(t, dir)
			defer s.Close()
			got, _ := s.Get(ctx, j.ID)
			if idx := got.TranscribedIndexes(); len(idx) != 2 || idx[0] != 1 || idx[1] != 2 {
				t.Errorf("TranscribedIndexes() = %v, want [1 2]", idx)
			}
			if text, ok := got.Transcription(1); !ok || text != "one" {
				t.Errorf("Transcription(1) = %q, %v", text, ok)
			}
		})
	}
}

func TestStore_PendingAndCancel(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := f.open(t, t.TempDir())
			defer s.Close()

			queued := addJob(t, s, "queued")
			running := addJob(t, s, "running")
			failed := addJob(t, s, "failed")
			done := addJob(t, s, "done")
			nolink := addJob(t, s, "nolink")

			s.Transition(ctx, running.ID, Downloading)
			s.Fail(ctx, failed.ID, errors.New("x"))
			s.Finish(ctx, done.ID, Completed, "/notes/done.md")
			s.NoLink(ctx, nolink.ID, errors.New("no media"))

			pending, err := s.Pending(ctx)
			if err != nil {
				t.Fatalf("Pending() error = %v", err)
			}
			want := []string{queued.ID, running.ID, failed.ID}
			if len(pending) != len(want) {
				t.Fatalf("Pending() returned %d jobs, want %d", len(pending), len(want))
			}
			for i, j := range pending {
				if j.ID != want[i] {
					t.Errorf("Pending()[%d] = %s, want %s", i, j.Name, want[i])
				}
			}

			if err := s.Cancel(ctx, done.ID); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Cancel(completed) error = %v, want ErrInvalidTransition", err)
			}

			n, err := s.CancelPending(ctx)
			if err != nil || n != 3 {
				t.Fatalf("CancelPending() = %d, %v; want 3, nil", n, err)
			}
			pending, _ = s.Pending(ctx)
			if len(pending) != 0 {
				t.Errorf("Pending() after CancelPending returned %d jobs", len(pending))
			}
			got, _ := s.Get(ctx, done.ID)
			if got.Status != Completed || got.Artifact != "/notes/done.md" {
				t.Errorf("completed job changed: %s %q", got.Status, got.Artifact)
			}
		})
	}
}

func TestStore_FailPending(t *testing.T) {
	ctx := context.Background()
	s := factories()[0].open(t, t.TempDir())
	defer s.Close()

	queued := addJob(t, s, "queued")
	stuck := addJob(t, s, "stuck")
	s.Transition(ctx, stuck.ID, TranscribingChunk(3))

	n, err := s.FailPending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("FailPending() = %d, %v; want 1, nil", n, err)
	}
	got, _ := s.Get(ctx, stuck.ID)
	if got.Status != Failed || got.ResumeStatus() != TranscribingChunk(3) {
		t.Errorf("stuck job = %s resume %s, want failed resuming transcribing_chunk_3", got.Status, got.ResumeStatus())
	}
	got, _ = s.Get(ctx, queued.ID)
	if got.Status != Queued {
		t.Errorf("queued job = %s, want queued", got.Status)
	}
}

func TestStore_NotFoundAndDuplicate(t *testing.T) {
	ctx := context.Background()
	s := factories()[0].open(t, t.TempDir())
	defer s.Close()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.Transition(ctx, "missing", Downloading); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Transition(missing) error = %v, want ErrNotFound", err)
	}

	j := addJob(t, s, "a")
	dup := &Job{ID: j.ID, Name: "b"}
	if err := s.Add(ctx, dup); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("Add(duplicate) error = %v, want ErrAlreadyExists", err)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := factories()[0].open(t, t.TempDir())
	defer s.Close()

	j := addJob(t, s, "a")
	s.AppendChunk(ctx, j.ID, 1, "text")

	got, _ := s.Get(ctx, j.ID)
	got.Transcriptions["1"] = "mutated"
	got.Status = Completed

	again, _ := s.Get(ctx, j.ID)
	if again.Transcriptions["1"] != "text" || again.Status != Queued {
		t.Errorf("store state leaked through Get(): %+v", again)
	}
}
