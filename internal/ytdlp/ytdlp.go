// Package ytdlp downloads lecture audio with yt-dlp as a subprocess.
package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lecnotes/internal/retry"
	"lecnotes/jobs"
	"lecnotes/media"
)

const (
	defaultPath    = "yt-dlp"
	defaultTimeout = 30 * time.Minute

	// DefaultUserAgent is sent when no user agent is configured.
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	// smartFormat prefers small video renditions, whose audio track is
	// enough for transcription, before falling back to audio-only.
	smartFormat = "best[height=240]/best[height=360]/best[height=480]/best[height=540]/bestaudio/best"
)

var (
	// ErrDownloadFailed is returned when yt-dlp could not fetch the audio.
	ErrDownloadFailed = errors.New("ytdlp: download failed")
	// ErrNoLinkFound is returned when the URL holds no downloadable media.
	ErrNoLinkFound = errors.New("ytdlp: no media link found")
	// ErrNotInstalled is returned when the yt-dlp binary cannot be run.
	ErrNotInstalled = errors.New("ytdlp: yt-dlp is not installed")
)

// DownloadError carries the yt-dlp failure for one job.
type DownloadError struct {
	JobID  string
	URL    string
	Stderr string
	Err    error
}

func (e *DownloadError) Error() string {
	msg := lastLine(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("ytdlp: job %s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("ytdlp: job %s: %v: %s", e.JobID, e.Err, msg)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Downloader fetches a job's URL and extracts mp3 audio into Dir.
type Downloader struct {
	// Path is the yt-dlp executable. Defaults to "yt-dlp".
	Path string
	// Dir receives the final audio files.
	Dir string
	// TempDir holds yt-dlp fragments while downloading.
	TempDir string
	// CookiesFile is passed with --cookies when it exists.
	CookiesFile string
	UserAgent   string
	// Timeout bounds a single yt-dlp run. Defaults to 30 minutes.
	Timeout time.Duration
	Retry   retry.Config
	Runner  media.CommandRunner
	Logger  *slog.Logger
}

// New returns a downloader writing into dir.
func New(dir, tempDir string) *Downloader {
	return &Downloader{
		Path:      defaultPath,
		Dir:       dir,
		TempDir:   tempDir,
		UserAgent: DefaultUserAgent,
		Timeout:   defaultTimeout,
		Retry:     retry.Fixed(2, 15*time.Second),
		Runner:    media.ExecRunner{},
		Logger:    slog.Default(),
	}
}

// SafeName turns a job name into a file-name stem.
func SafeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "/", "-")
	if name == "" {
		name = "lecture"
	}
	return name
}

func (d *Downloader) stem(job *jobs.Job) string {
	id := job.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return SafeName(job.Name) + "_" + id
}

// ExpectedAudioPath is where DownloadAudio leaves the audio for job.
func (d *Downloader) ExpectedAudioPath(job *jobs.Job) string {
	return filepath.Join(d.Dir, d.stem(job)+".mp3")
}

// DownloadAudio runs yt-dlp for job and returns the audio path.
func (d *Downloader) DownloadAudio(ctx context.Context, job *jobs.Job) (string, error) {
	if err := d.checkInstalled(ctx); err != nil {
		return "", err
	}
	for _, dir := range []string{d.Dir, d.TempDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create directory: %w", err)
		}
	}

	p := profileFor(job.URL)
	args := d.args(job, p)
	log := d.logger().With(slog.String("job_id", job.ID), slog.String("profile", p.name))
	log.Info("starting download", slog.String("url", job.URL))

	cfg := d.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("download failed, retrying",
			slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.String("error", err.Error()))
	}

	err := retry.Do(ctx, cfg, classify, func(ctx context.Context) error {
		return d.runOnce(ctx, job, args)
	})
	if err != nil {
		var re *retry.RetryableError
		if errors.As(err, &re) {
			err = re.Err
		}
		return "", err
	}

	out := d.ExpectedAudioPath(job)
	if _, err := os.Stat(out); err != nil {
		return "", &DownloadError{JobID: job.ID, URL: job.URL, Err: fmt.Errorf("%w: audio not found at %s", ErrDownloadFailed, out)}
	}
	log.Info("download complete", slog.String("path", out))
	return out, nil
}

func (d *Downloader) runOnce(ctx context.Context, job *jobs.Job, args []string) error {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := d.runner().Run(cmdCtx, d.path(), args...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if cmdCtx.Err() == context.DeadlineExceeded {
		return &DownloadError{JobID: job.ID, URL: job.URL, Err: fmt.Errorf("%w: timed out after %s", ErrDownloadFailed, timeout)}
	}
	if noMedia(res.Stderr) {
		return &DownloadError{JobID: job.ID, URL: job.URL, Stderr: res.Stderr, Err: ErrNoLinkFound}
	}
	return &DownloadError{JobID: job.ID, URL: job.URL, Stderr: res.Stderr, Err: ErrDownloadFailed}
}

func (d *Downloader) args(job *jobs.Job, p profile) []string {
	args := []string{"-N", p.connections}
	args = append(args, p.pre...)
	args = append(args,
		"--no-cache-dir",
		"--no-mtime",
		"--no-playlist",
		"--paths", "home:"+d.Dir,
	)
	if d.TempDir != "" {
		args = append(args, "--paths", "temp:"+d.TempDir)
	}
	args = append(args, "-f", smartFormat, "-o", d.stem(job)+".%(ext)s")
	if d.CookiesFile != "" {
		if _, err := os.Stat(d.CookiesFile); err == nil {
			args = append(args, "--cookies", d.CookiesFile)
		}
	}
	args = append(args, "-x", "--audio-format", "mp3")
	args = append(args, p.post...)
	for _, h := range p.headers {
		args = append(args, "--add-header", h)
	}
	if p.sendUA {
		ua := d.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}
		args = append(args, "--add-header", "User-Agent: "+ua)
	}
	return append(args, job.URL)
}

func (d *Downloader) checkInstalled(ctx context.Context) error {
	if _, err := d.runner().Run(ctx, d.path(), "--version"); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	return nil
}

func (d *Downloader) path() string {
	if d.Path != "" {
		return d.Path
	}
	return defaultPath
}

func (d *Downloader) runner() media.CommandRunner {
	if d.Runner != nil {
		return d.Runner
	}
	return media.ExecRunner{}
}

func (d *Downloader) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// classify reports whether a failed yt-dlp run is worth repeating.
func classify(err error) bool {
	if !retry.IsRetryable(err) || errors.Is(err, ErrNoLinkFound) {
		return false
	}
	var de *DownloadError
	if !errors.As(err, &de) {
		return false
	}
	s := strings.ToLower(de.Stderr)
	for _, hint := range []string{"timed out", "connection reset", "http error 429", "http error 5", "temporary failure", "incomplete"} {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}

func noMedia(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "unsupported url") ||
		strings.Contains(s, "no video formats found") ||
		strings.Contains(s, "no media found")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
