package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Stage is one step of a job's life. Progress stages are ordered; Failed,
// Cancelled and NoLinkFound sit outside that order.
type Stage int

const (
	StageQueued Stage = iota
	StageDownloading
	StageDownloaded
	StageSilenceRemoved
	StageBitrateModified
	StageChunked
	StageTranscribing
	StageNotesGenerated
	StagePublished
	StageCompleted
	StageFailed
	StageCancelled
	StageNoLinkFound
)

var stageNames = map[Stage]string{
	StageQueued:          "queued",
	StageDownloading:     "downloading",
	StageDownloaded:      "downloaded",
	StageSilenceRemoved:  "silence_removed",
	StageBitrateModified: "bitrate_modified",
	StageChunked:         "chunked",
	StageTranscribing:    "transcribing_chunk",
	StageNotesGenerated:  "notes_generated",
	StagePublished:       "published",
	StageCompleted:       "completed",
	StageFailed:          "failed",
	StageCancelled:       "cancelled",
	StageNoLinkFound:     "no_link_found",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Status is a job state. Chunk is set only for StageTranscribing and holds the
// 1-based index of the chunk being transcribed.
type Status struct {
	Stage Stage
	Chunk int
}

// Convenience constructors for the fixed states.
var (
	Queued          = Status{Stage: StageQueued}
	Downloading     = Status{Stage: StageDownloading}
	Downloaded      = Status{Stage: StageDownloaded}
	SilenceRemoved  = Status{Stage: StageSilenceRemoved}
	BitrateModified = Status{Stage: StageBitrateModified}
	Chunked         = Status{Stage: StageChunked}
	NotesGenerated  = Status{Stage: StageNotesGenerated}
	Published       = Status{Stage: StagePublished}
	Completed       = Status{Stage: StageCompleted}
	Failed          = Status{Stage: StageFailed}
	Cancelled       = Status{Stage: StageCancelled}
	NoLinkFound     = Status{Stage: StageNoLinkFound}
)

// TranscribingChunk returns the status for transcribing chunk i (1-based).
func TranscribingChunk(i int) Status {
	return Status{Stage: StageTranscribing, Chunk: i}
}

func (s Status) String() string {
	if s.Stage == StageTranscribing {
		return "transcribing_chunk_" + strconv.Itoa(s.Chunk)
	}
	return s.Stage.String()
}

// ParseStatus parses the persisted form produced by String.
func ParseStatus(v string) (Status, error) {
	if rest, ok := strings.CutPrefix(v, "transcribing_chunk_"); ok {
		i, err := strconv.Atoi(rest)
		if err != nil || i < 1 {
			return Status{}, fmt.Errorf("jobs: invalid status %q", v)
		}
		return TranscribingChunk(i), nil
	}
	if v == "queue" {
		return Queued, nil
	}
	for st, name := range stageNames {
		if st != StageTranscribing && name == v {
			return Status{Stage: st}, nil
		}
	}
	return Status{}, fmt.Errorf("jobs: invalid status %q", v)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsProgress reports whether s is on the forward path queued..completed.
func (s Status) IsProgress() bool {
	return s.Stage <= StageCompleted
}

// IsGranular reports whether s marks work that has started but not finished.
func (s Status) IsGranular() bool {
	return s.Stage > StageQueued && s.Stage < StagePublished
}

// IsTerminal reports whether no further processing will happen.
func (s Status) IsTerminal() bool {
	switch s.Stage {
	case StagePublished, StageCompleted, StageCancelled, StageNoLinkFound:
		return true
	}
	return false
}

// IsPending reports whether a run should pick the job up: queued, failed, or
// interrupted somewhere in between.
func (s Status) IsPending() bool {
	return s.Stage == StageQueued || s.Stage == StageFailed || s.IsGranular()
}

// AtLeast reports whether progress status s is at or past o.
func (s Status) AtLeast(o Status) bool {
	return s.Compare(o) >= 0
}

// Compare orders progress statuses: by stage, then by chunk index.
func (s Status) Compare(o Status) int {
	switch {
	case s.Stage < o.Stage:
		return -1
	case s.Stage > o.Stage:
		return 1
	case s.Chunk < o.Chunk:
		return -1
	case s.Chunk > o.Chunk:
		return 1
	}
	return 0
}
