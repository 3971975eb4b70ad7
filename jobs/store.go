package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"lecnotes/internal/storage"
)

// ErrInvalidTransition is returned when a status change would move a job
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("jobs: invalid status transition")

// Backend persists the whole job table.
type Backend interface {
	Load(ctx context.Context) ([]*Job, error)
	// Save replaces the stored table with jobs.
	Save(ctx context.Context, jobs []*Job) error
	Close() error
}

// Store owns the job table. It is safe for concurrent use, though the
// pipeline only ever drives one job at a time.
type Store struct {
	mu      sync.Mutex
	backend Backend
	jobs    []*Job
	byID    map[string]*Job
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for state changes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore loads the table from b.
func NewStore(ctx context.Context, b Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: b,
		byID:    make(map[string]*Job),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	loaded, err := b.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range loaded {
		if j == nil || j.ID == "" {
			continue
		}
		if _, dup := s.byID[j.ID]; dup {
			return nil, &storage.StorageError{Op: "read", Entity: "job", ID: j.ID, Err: storage.ErrStorageCorrupt}
		}
		s.jobs = append(s.jobs, j)
		s.byID[j.ID] = j
	}
	return s, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

// Add appends jobs in the given order. Empty ids are generated; every job
// starts queued.
func (s *Store) Add(ctx context.Context, jobs ...*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	added := make([]*Job, 0, len(jobs))
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		c := j.Clone()
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if _, exists := s.byID[c.ID]; exists || seen[c.ID] {
			return &storage.StorageError{Op: "create", Entity: "job", ID: c.ID, Err: storage.ErrAlreadyExists}
		}
		seen[c.ID] = true
		c.Status = Queued
		c.AddedAt = now
		c.UpdatedAt = now
		added = append(added, c)
	}

	next := append(append([]*Job(nil), s.jobs...), added...)
	if err := s.backend.Save(ctx, next); err != nil {
		return err
	}
	s.jobs = next
	for i, c := range added {
		s.byID[c.ID] = c
		jobs[i].ID = c.ID
		jobs[i].Status = c.Status
		jobs[i].AddedAt = c.AddedAt
		jobs[i].UpdatedAt = c.UpdatedAt
	}
	return nil
}

// Get returns a copy of the job.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.byID[id]
	if !ok {
		return nil, &storage.StorageError{Op: "read", Entity: "job", ID: id, Err: storage.ErrNotFound}
	}
	return j.Clone(), nil
}

// List returns copies of every job in insertion order.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	return s.filter(func(*Job) bool { return true }), nil
}

// Pending returns jobs a run should process, in insertion order.
func (s *Store) Pending(ctx context.Context) ([]*Job, error) {
	return s.filter(func(j *Job) bool { return j.Status.IsPending() }), nil
}

func (s *Store) filter(keep func(*Job) bool) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	return out
}

// Transition moves a job forward to next. Moving to an earlier progress
// state, or out of a terminal one, fails with ErrInvalidTransition. A failed
// job may move to any state at or after its preserved granular state.
func (s *Store) Transition(ctx context.Context, id string, next Status) error {
	if !next.IsProgress() {
		return fmt.Errorf("%w: use Fail or Cancel for %s", ErrInvalidTransition, next)
	}
	return s.update(ctx, id, func(j *Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, j.Status)
		}
		from := j.ResumeStatus()
		if next.Compare(from) < 0 {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
		}
		if j.Status.Stage == StageFailed {
			j.LastGranularState = nil
			j.Error = ""
		}
		s.logger.Info("job status changed",
			slog.String("job_id", j.ID),
			slog.String("from", j.Status.String()),
			slog.String("to", next.String()))
		j.Status = next
		return nil
	})
}

// Finish moves a job to a terminal progress state and records the delivered
// artifact.
func (s *Store) Finish(ctx context.Context, id string, final Status, artifact string) error {
	if final.Stage != StagePublished && final.Stage != StageCompleted {
		return fmt.Errorf("%w: %s is not a finishing state", ErrInvalidTransition, final)
	}
	if err := s.Transition(ctx, id, final); err != nil {
		return err
	}
	return s.update(ctx, id, func(j *Job) error {
		j.Artifact = artifact
		return nil
	})
}

// SetChunkCount records how many chunks the job's audio was split into.
func (s *Store) SetChunkCount(ctx context.Context, id string, n int) error {
	return s.update(ctx, id, func(j *Job) error {
		j.ChunkCount = n
		return nil
	})
}

// AppendChunk records the transcription of chunk i. Recording an index twice
// fails with storage.ErrAlreadyExists.
func (s *Store) AppendChunk(ctx context.Context, id string, i int, text string) error {
	if i < 1 {
		return fmt.Errorf("jobs: chunk index %d out of range", i)
	}
	return s.update(ctx, id, func(j *Job) error {
		key := strconv.Itoa(i)
		if _, ok := j.Transcriptions[key]; ok {
			return &storage.StorageError{Op: "update", Entity: "chunk", ID: j.ID + "/" + key, Err: storage.ErrAlreadyExists}
		}
		if j.Transcriptions == nil {
			j.Transcriptions = make(map[string]string)
		}
		j.Transcriptions[key] = text
		return nil
	})
}

// Fail marks a job failed. A granular state is kept in LastGranularState so a
// later run resumes from it; failing an already failed job keeps the original.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	return s.update(ctx, id, func(j *Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, j.Status)
		}
		s.markFailed(j, cause)
		return nil
	})
}

// NoLink marks a job whose URL yielded nothing downloadable. Such jobs are
// never retried.
func (s *Store) NoLink(ctx context.Context, id string, cause error) error {
	return s.update(ctx, id, func(j *Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, j.Status)
		}
		j.Status = NoLinkFound
		j.LastGranularState = nil
		if cause != nil {
			j.Error = cause.Error()
		}
		return nil
	})
}

// Cancel marks a pending job cancelled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.update(ctx, id, func(j *Job) error {
		if j.Status.Stage == StageCancelled {
			return nil
		}
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, j.Status)
		}
		s.logger.Info("job cancelled", slog.String("job_id", j.ID), slog.String("from", j.Status.String()))
		j.Status = Cancelled
		return nil
	})
}

// CancelPending cancels every pending job and returns how many changed.
func (s *Store) CancelPending(ctx context.Context) (int, error) {
	return s.updateAll(ctx, func(j *Job) bool {
		if !j.Status.IsPending() {
			return false
		}
		j.Status = Cancelled
		return true
	})
}

// FailPending fails every job left in an in-progress state, typically by a
// process that died mid-run, preserving each granular state.
func (s *Store) FailPending(ctx context.Context) (int, error) {
	return s.updateAll(ctx, func(j *Job) bool {
		if !j.Status.IsGranular() {
			return false
		}
		s.markFailed(j, errors.New("interrupted"))
		return true
	})
}

func (s *Store) markFailed(j *Job, cause error) {
	if j.Status.IsGranular() {
		st := j.Status
		j.LastGranularState = &st
	}
	j.Status = Failed
	if cause != nil {
		j.Error = cause.Error()
	}
	attrs := []any{slog.String("job_id", j.ID), slog.String("error", j.Error)}
	if j.LastGranularState != nil {
		attrs = append(attrs, slog.String("last_granular_state", j.LastGranularState.String()))
	}
	s.logger.Warn("job failed", attrs...)
}

// update applies fn to a copy of the job and swaps it in once the table has
// been saved. A failed save leaves the in-memory table untouched.
func (s *Store) update(ctx context.Context, id string, fn func(*Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[id]
	if !ok {
		return &storage.StorageError{Op: "update", Entity: "job", ID: id, Err: storage.ErrNotFound}
	}
	c := cur.Clone()
	if err := fn(c); err != nil {
		return err
	}
	c.UpdatedAt = s.now()

	next := make([]*Job, len(s.jobs))
	for i, j := range s.jobs {
		if j.ID == id {
			next[i] = c
		} else {
			next[i] = j
		}
	}
	if err := s.backend.Save(ctx, next); err != nil {
		return err
	}
	s.jobs = next
	s.byID[id] = c
	return nil
}

func (s *Store) updateAll(ctx context.Context, fn func(*Job) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := make([]*Job, len(s.jobs))
	changed := 0
	for i, j := range s.jobs {
		c := j.Clone()
		if fn(c) {
			c.UpdatedAt = now
			changed++
		}
		next[i] = c
	}
	if changed == 0 {
		return 0, nil
	}
	if err := s.backend.Save(ctx, next); err != nil {
		return 0, err
	}
	s.jobs = next
	for _, j := range next {
		s.byID[j.ID] = j
	}
	return changed, nil
}
