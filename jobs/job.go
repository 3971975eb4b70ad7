// Package jobs is the persistent job table. Every mutation goes through Store
// and rewrites the whole table before returning.
package jobs

import (
	"maps"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Job is one lecture to process.
type Job struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Status Status `json:"status"`
	// LastGranularState is the progress state a failed job was in.
	LastGranularState *Status `json:"last_granular_state,omitempty"`
	// Transcriptions maps 1-based chunk indexes ("1", "2", ...) to text.
	Transcriptions map[string]string `json:"transcriptions,omitempty"`
	// ChunkCount is the number of chunks produced when the job was chunked.
	ChunkCount int       `json:"chunk_count,omitempty"`
	Artifact   string    `json:"artifact,omitempty"`
	Error      string    `json:"error,omitempty"`
	AddedAt    time.Time `json:"added_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewJob returns a queued job with a fresh id.
func NewJob(name, url string) *Job {
	return &Job{ID: uuid.NewString(), Name: name, URL: url, Status: Queued}
}

// ResumeStatus is the state processing continues from: the preserved granular
// state of a failed job, otherwise the current status.
func (j *Job) ResumeStatus() Status {
	if j.Status.Stage == StageFailed {
		if j.LastGranularState != nil {
			return *j.LastGranularState
		}
		return Queued
	}
	return j.Status
}

// Transcription returns the text recorded for chunk i.
func (j *Job) Transcription(i int) (string, bool) {
	t, ok := j.Transcriptions[strconv.Itoa(i)]
	return t, ok
}

// TranscribedIndexes returns the recorded chunk indexes in ascending order.
// Keys that are not positive integers are ignored.
func (j *Job) TranscribedIndexes() []int {
	idx := make([]int, 0, len(j.Transcriptions))
	for k := range j.Transcriptions {
		i, err := strconv.Atoi(k)
		if err != nil || i < 1 {
			continue
		}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	if j.LastGranularState != nil {
		st := *j.LastGranularState
		c.LastGranularState = &st
	}
	if j.Transcriptions != nil {
		c.Transcriptions = maps.Clone(j.Transcriptions)
	}
	return &c
}
