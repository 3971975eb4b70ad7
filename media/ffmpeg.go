package media

import (
	"context"
	"fmt"
	"strconv"
)

// Encoder performs the audio transformations the sizer relies on.
type Encoder interface {
	// RemoveSilence drops pauses quieter than thresholdDB.
	RemoveSilence(ctx context.Context, in, out string, thresholdDB int) error
	// Reencode writes mono 16 kHz audio at bitrateKbps.
	Reencode(ctx context.Context, in, out string, bitrateKbps int) error
	// Segment splits in into pieces of at most seconds, named by pattern
	// (a printf pattern with one integer verb), numbered from 1.
	Segment(ctx context.Context, in, pattern string, seconds float64) error
}

// FFmpeg implements Encoder with the ffmpeg binary.
type FFmpeg struct {
	Path    string
	Threads int
	Runner  CommandRunner
}

// NewFFmpeg returns an encoder for the binary at path ("ffmpeg" if empty).
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path, Runner: ExecRunner{}}
}

func (f *FFmpeg) base(in string) []string {
	return []string{"-hide_banner", "-nostdin", "-y", "-threads", strconv.Itoa(f.Threads), "-i", in}
}

func (f *FFmpeg) RemoveSilence(ctx context.Context, in, out string, thresholdDB int) error {
	args := append(f.base(in),
		"-af", fmt.Sprintf("silenceremove=stop_periods=-1:stop_duration=1:stop_threshold=%ddB", thresholdDB),
		out)
	_, err := run(ctx, f.Runner, f.Path, args...)
	return err
}

func (f *FFmpeg) Reencode(ctx context.Context, in, out string, bitrateKbps int) error {
	args := append(f.base(in),
		"-b:a", strconv.Itoa(bitrateKbps)+"k",
		"-ac", "1",
		"-ar", "16000",
		out)
	_, err := run(ctx, f.Runner, f.Path, args...)
	return err
}

func (f *FFmpeg) Segment(ctx context.Context, in, pattern string, seconds float64) error {
	args := append(f.base(in),
		"-f", "segment",
		"-segment_time", strconv.FormatFloat(seconds, 'f', -1, 64),
		"-segment_start_number", "1",
		"-reset_timestamps", "1",
		"-c", "copy",
		pattern)
	_, err := run(ctx, f.Runner, f.Path, args...)
	return err
}
