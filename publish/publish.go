// Package publish delivers generated notes.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lecnotes/internal/storage"
	"lecnotes/internal/ytdlp"
	"lecnotes/jobs"
)

// Delivery describes where the notes ended up. URL is set when the notes are
// reachable as a hosted page.
type Delivery struct {
	Path string
	URL  string
}

// FilePublisher writes notes as Markdown files into Dir. When BaseURL is set
// the directory is assumed to be served there and each delivery gets a URL.
type FilePublisher struct {
	Dir     string
	BaseURL string
	Logger  *slog.Logger
	now     func() time.Time
}

// NewFilePublisher returns a publisher writing into dir.
func NewFilePublisher(dir, baseURL string, logger *slog.Logger) *FilePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilePublisher{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/"), Logger: logger, now: time.Now}
}

// Publish copies the notes at notesPath to <Dir>/<name>.md under a title
// header.
func (p *FilePublisher) Publish(ctx context.Context, job *jobs.Job, notesPath string) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	body, err := os.ReadFile(notesPath)
	if err != nil {
		return Delivery{}, fmt.Errorf("read notes: %w", err)
	}

	name := ytdlp.SafeName(job.Name) + ".md"
	out := filepath.Join(p.Dir, name)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(job.Name))
	fmt.Fprintf(&b, "> Source: %s  \n> Generated: %s\n\n", job.URL, p.now().Format("2006-01-02 15:04"))
	b.Write(body)
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}

	if err := storage.WriteFile(out, []byte(b.String())); err != nil {
		return Delivery{}, fmt.Errorf("write notes: %w", err)
	}

	d := Delivery{Path: out}
	if p.BaseURL != "" {
		d.URL = p.BaseURL + "/" + url.PathEscape(name)
	}
	p.Logger.Info("notes published",
		slog.String("job_id", job.ID),
		slog.String("path", out),
		slog.String("url", d.URL))
	return d, nil
}
