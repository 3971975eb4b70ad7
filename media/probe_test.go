package media

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRunner struct {
	name string
	args []string
	res  Result
	err  error
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	r.name = name
	r.args = args
	return r.res, r.err
}

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Info
	}{
		{
			name: "stream bitrate",
			in:   `{"format":{"duration":"3600.5","bit_rate":"130000"},"streams":[{"codec_type":"audio","bit_rate":"128000"}]}`,
			want: Info{Duration: 3600.5, BitRate: 128000},
		},
		{
			name: "format fallback",
			in:   `{"format":{"duration":"12","bit_rate":"64000"},"streams":[{"codec_type":"audio","bit_rate":"N/A"}]}`,
			want: Info{Duration: 12, BitRate: 64000},
		},
		{
			name: "unknown",
			in:   `{"format":{"duration":"N/A"},"streams":[]}`,
			want: Info{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProbe([]byte(tt.in))
			if err != nil {
				t.Fatalf("ParseProbe() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseProbe() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFFprobe_ToolError(t *testing.T) {
	r := &fakeRunner{
		res: Result{ExitCode: 1, Stderr: "header\nin.mp3: Invalid data found when processing input\n"},
		err: errors.New("exit status 1"),
	}
	p := &FFprobe{Path: "ffprobe", Runner: r}
	_, err := p.Probe(context.Background(), "in.mp3")
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("Probe() error = %v, want *ToolError", err)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Errorf("error %q does not carry the last stderr line", err)
	}
}

func TestFFmpeg_Args(t *testing.T) {
	r := &fakeRunner{}
	f := &FFmpeg{Path: "ffmpeg", Threads: 2, Runner: r}
	ctx := context.Background()

	if err := f.RemoveSilence(ctx, "a.mp3", "b.mp3", -50); err != nil {
		t.Fatalf("RemoveSilence() error = %v", err)
	}
	got := strings.Join(r.args, " ")
	want := "-hide_banner -nostdin -y -threads 2 -i a.mp3 -af silenceremove=stop_periods=-1:stop_duration=1:stop_threshold=-50dB b.mp3"
	if got != want {
		t.Errorf("RemoveSilence args = %q, want %q", got, want)
	}

	if err := f.Reencode(ctx, "a.mp3", "b.mp3", 48); err != nil {
		t.Fatalf("Reencode() error = %v", err)
	}
	if got := strings.Join(r.args[7:], " "); got != "-b:a 48k -ac 1 -ar 16000 b.mp3" {
		t.Errorf("Reencode args = %q", got)
	}

	if err := f.Segment(ctx, "a.mp3", "c_%03d.mp3", 1800); err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if got := strings.Join(r.args[7:], " "); got != "-f segment -segment_time 1800 -segment_start_number 1 -reset_timestamps 1 -c copy c_%03d.mp3" {
		t.Errorf("Segment args = %q", got)
	}
}
