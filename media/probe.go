package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Info is what the sizer needs to know about an audio file.
type Info struct {
	// Duration in seconds; zero when unknown.
	Duration float64
	// BitRate of the first audio stream, falling back to the container
	// rate, in bits per second; zero when unknown.
	BitRate int64
}

// Prober inspects audio files.
type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// FFprobe probes with a single ffprobe JSON call.
type FFprobe struct {
	Path   string
	Runner CommandRunner
}

// NewFFprobe returns a prober for the binary at path ("ffprobe" if empty).
func NewFFprobe(path string) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobe{Path: path, Runner: ExecRunner{}}
}

func (p *FFprobe) Probe(ctx context.Context, path string) (Info, error) {
	res, err := run(ctx, p.Runner, p.Path,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams", "-select_streams", "a:0",
		path,
	)
	if err != nil {
		return Info{}, fmt.Errorf("probe %q: %w", path, err)
	}
	return ParseProbe([]byte(res.Stdout))
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		BitRate   string `json:"bit_rate"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// ParseProbe converts ffprobe JSON output into Info. "N/A" and missing values
// become zero.
func ParseProbe(data []byte) (Info, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe JSON: %w", err)
	}

	var info Info
	info.Duration = parseFloat(raw.Format.Duration)
	for _, s := range raw.Streams {
		if s.CodecType != "" && s.CodecType != "audio" {
			continue
		}
		info.BitRate = parseInt(s.BitRate)
		if info.Duration == 0 {
			info.Duration = parseFloat(s.Duration)
		}
		break
	}
	if info.BitRate == 0 {
		info.BitRate = parseInt(raw.Format.BitRate)
	}
	return info, nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
