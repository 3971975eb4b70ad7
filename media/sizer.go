// Package media shrinks lecture audio so every piece sent for transcription
// fits the remote size limit: silence trimming, re-encoding, splitting and a
// per-chunk bitrate step-down. Optimization steps never fail a job; a step
// that cannot run falls back to its input and reports a *DegradedError.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"lecnotes/internal/storage"
)

// SplitMode selects how segment length is chosen.
type SplitMode string

const (
	// SplitByDuration cuts fixed-length segments.
	SplitByDuration SplitMode = "duration"
	// SplitBySize estimates a segment length that lands under the size limit.
	SplitBySize SplitMode = "size"
)

// MinSegmentSeconds is the shortest segment size-based splitting will ask for.
const MinSegmentSeconds = 10

// Options tunes the sizer.
type Options struct {
	Mode               SplitMode
	SegmentSeconds     float64
	ChunkSizeLimit     int64
	TargetBitrateKbps  int
	MinBitrateKbps     int
	BitrateStepKbps    int
	SilenceThresholdDB int
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		Mode:               SplitByDuration,
		SegmentSeconds:     1800,
		ChunkSizeLimit:     20 << 20,
		TargetBitrateKbps:  48,
		MinBitrateKbps:     16,
		BitrateStepKbps:    8,
		SilenceThresholdDB: -50,
	}
}

// DegradedError reports an optimization step that was skipped or fell short.
// The output it refers to is still usable.
type DegradedError struct {
	Stage string
	Path  string
	Err   error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("media: %s degraded for %s: %v", e.Stage, filepath.Base(e.Path), e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// IsDegraded reports whether err only signals a degraded optimization.
func IsDegraded(err error) bool {
	var d *DegradedError
	return err != nil && errors.As(err, &d)
}

// Sizer runs the size-reduction stages.
type Sizer struct {
	probe  Prober
	enc    Encoder
	opts   Options
	logger *slog.Logger
}

// NewSizer returns a sizer. Zero option fields take DefaultOptions values.
func NewSizer(p Prober, e Encoder, opts Options, logger *slog.Logger) *Sizer {
	def := DefaultOptions()
	if opts.Mode == "" {
		opts.Mode = def.Mode
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = def.SegmentSeconds
	}
	if opts.ChunkSizeLimit <= 0 {
		opts.ChunkSizeLimit = def.ChunkSizeLimit
	}
	if opts.TargetBitrateKbps <= 0 {
		opts.TargetBitrateKbps = def.TargetBitrateKbps
	}
	if opts.MinBitrateKbps <= 0 {
		opts.MinBitrateKbps = def.MinBitrateKbps
	}
	if opts.BitrateStepKbps <= 0 {
		opts.BitrateStepKbps = def.BitrateStepKbps
	}
	if opts.SilenceThresholdDB == 0 {
		opts.SilenceThresholdDB = def.SilenceThresholdDB
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sizer{probe: p, enc: e, opts: opts, logger: logger}
}

// Options returns the effective options.
func (s *Sizer) Options() Options { return s.opts }

// Trim writes in with long silences removed to out. On failure out is a copy
// of in and the error is a *DegradedError.
func (s *Sizer) Trim(ctx context.Context, in, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	err := s.enc.RemoveSilence(ctx, in, out, s.opts.SilenceThresholdDB)
	return s.fallback(ctx, "silence_removal", in, out, err)
}

// Normalize writes in re-encoded to mono 16 kHz at the target bitrate to out.
// On failure out is a copy of in and the error is a *DegradedError.
func (s *Sizer) Normalize(ctx context.Context, in, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	err := s.enc.Reencode(ctx, in, out, s.opts.TargetBitrateKbps)
	return s.fallback(ctx, "bitrate_normalization", in, out, err)
}

func (s *Sizer) fallback(ctx context.Context, stage, in, out string, err error) error {
	if err == nil {
		if _, serr := os.Stat(out); serr == nil {
			return nil
		}
		err = errors.New("no output produced")
	}
	if ctx.Err() != nil {
		os.Remove(out)
		return ctx.Err()
	}
	if cerr := copyFile(in, out); cerr != nil {
		return fmt.Errorf("media: %s fallback: %w", stage, cerr)
	}
	d := &DegradedError{Stage: stage, Path: in, Err: err}
	s.logger.Warn("media step degraded, using previous output",
		slog.String("stage", stage), slog.String("path", in), slog.String("error", err.Error()))
	return d
}

// EstimateSegmentSeconds picks a segment length expected to keep each piece
// under limit bytes: 90% of the proportional share, never below
// MinSegmentSeconds.
func EstimateSegmentSeconds(size, limit int64, duration float64) float64 {
	if size <= 0 || limit <= 0 || duration <= 0 {
		return MinSegmentSeconds
	}
	return math.Max(MinSegmentSeconds, 0.9*duration*float64(limit)/float64(size))
}

// Split cuts in into chunks named prefix001.ext, prefix002.ext, ... in dir
// and fits each one under the size limit. Input already within bounds
// becomes a single chunk. Stale chunks with the same prefix are removed
// first. A *DegradedError comes back with a usable chunk list.
func (s *Sizer) Split(ctx context.Context, in, dir, prefix string) ([]Chunk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := RemoveChunks(dir, prefix); err != nil {
		return nil, fmt.Errorf("media: clear stale chunks: %w", err)
	}
	ext := filepath.Ext(in)
	if ext == "" {
		ext = ".mp3"
	}

	st, err := os.Stat(in)
	if err != nil {
		return nil, fmt.Errorf("media: split: %w", err)
	}
	size := st.Size()

	var degraded []error
	info, err := s.probe.Probe(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("probe failed, splitting blind", slog.String("path", in), slog.String("error", err.Error()))
		degraded = append(degraded, &DegradedError{Stage: "probe", Path: in, Err: err})
	}

	segment := s.opts.SegmentSeconds
	single := false
	switch s.opts.Mode {
	case SplitBySize:
		single = size <= s.opts.ChunkSizeLimit
		if info.Duration > 0 {
			segment = EstimateSegmentSeconds(size, s.opts.ChunkSizeLimit, info.Duration)
		}
	default:
		if info.Duration > 0 {
			single = info.Duration <= s.opts.SegmentSeconds
		} else {
			single = size <= s.opts.ChunkSizeLimit
		}
	}

	var chunks []Chunk
	if single {
		chunks, err = s.singleChunk(in, dir, prefix, ext)
		if err != nil {
			return nil, err
		}
	} else {
		s.logger.Info("splitting audio",
			slog.String("path", in),
			slog.Float64("duration", info.Duration),
			slog.Int64("bytes", size),
			slog.Float64("segment_seconds", segment))
		serr := s.enc.Segment(ctx, in, ChunkPattern(dir, prefix, ext), segment)
		if serr == nil {
			chunks, serr = DiscoverChunks(dir, prefix)
			if serr == nil && len(chunks) == 0 {
				serr = errors.New("no segments produced")
			}
		}
		if serr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			RemoveChunks(dir, prefix)
			s.logger.Warn("split failed, sending whole file as one chunk",
				slog.String("path", in), slog.String("error", serr.Error()))
			degraded = append(degraded, &DegradedError{Stage: "split", Path: in, Err: serr})
			if chunks, err = s.singleChunk(in, dir, prefix, ext); err != nil {
				return nil, err
			}
		}
	}

	for _, c := range chunks {
		if err := s.Fit(ctx, c.Path); err != nil {
			if !IsDegraded(err) {
				return nil, err
			}
			degraded = append(degraded, err)
		}
	}
	return chunks, errors.Join(degraded...)
}

func (s *Sizer) singleChunk(in, dir, prefix, ext string) ([]Chunk, error) {
	out := ChunkPath(dir, prefix, 1, ext)
	if err := copyFile(in, out); err != nil {
		return nil, fmt.Errorf("media: write chunk: %w", err)
	}
	return []Chunk{{Index: 1, Path: out}}, nil
}

// Fit steps the chunk's bitrate down until it fits the size limit. It stops
// when the next step would go below the minimum bitrate, leaving the chunk
// oversized and returning a *DegradedError.
func (s *Sizer) Fit(ctx context.Context, path string) error {
	size, err := fileSize(path)
	if err != nil {
		return err
	}
	if size <= s.opts.ChunkSizeLimit {
		return nil
	}

	current := s.opts.TargetBitrateKbps
	if info, err := s.probe.Probe(ctx, path); err == nil && info.BitRate > 0 {
		if kbps := int(info.BitRate / 1000); kbps < current {
			current = kbps
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	}

	ext := filepath.Ext(path)
	tmp := strings.TrimSuffix(path, ext) + ".fit" + ext
	for {
		next := current - s.opts.BitrateStepKbps
		if next < s.opts.MinBitrateKbps {
			d := &DegradedError{Stage: "fit", Path: path,
				Err: fmt.Errorf("%d bytes exceeds limit %d at floor %dk", size, s.opts.ChunkSizeLimit, s.opts.MinBitrateKbps)}
			s.logger.Warn("chunk still over size limit at minimum bitrate",
				slog.String("path", path), slog.Int64("bytes", size), slog.Int("kbps", current))
			return d
		}

		if err := s.enc.Reencode(ctx, path, tmp, next); err != nil {
			os.Remove(tmp)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &DegradedError{Stage: "fit", Path: path, Err: err}
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("media: replace chunk: %w", err)
		}
		current = next
		if size, err = fileSize(path); err != nil {
			return err
		}
		s.logger.Info("chunk re-encoded", slog.String("path", path), slog.Int("kbps", current), slog.Int64("bytes", size))
		if size <= s.opts.ChunkSizeLimit {
			return nil
		}
	}
}

func fileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	w, err := storage.NewAtomicWriter(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}
