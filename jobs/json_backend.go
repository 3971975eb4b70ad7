package jobs

import (
	"context"
	"time"

	"lecnotes/internal/storage"
)

const schemaVersion = "1.0"

// jsonTable is the on-disk shape of jobs.json.
type jsonTable struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Jobs      []*Job    `json:"jobs"`
}

// JSONBackend keeps the table in a single JSON document.
type JSONBackend struct {
	file *storage.JSONFile
}

// NewJSONBackend locks and opens the document at path.
func NewJSONBackend(path string) (*JSONBackend, error) {
	f, err := storage.OpenJSONFile(path, "jobs")
	if err != nil {
		return nil, err
	}
	return &JSONBackend{file: f}, nil
}

func (b *JSONBackend) Load(ctx context.Context) ([]*Job, error) {
	var t jsonTable
	ok, err := b.file.Load(&t)
	if err != nil || !ok {
		return nil, err
	}
	return t.Jobs, nil
}

func (b *JSONBackend) Save(ctx context.Context, jobs []*Job) error {
	if jobs == nil {
		jobs = []*Job{}
	}
	return b.file.Save(jsonTable{Version: schemaVersion, UpdatedAt: time.Now(), Jobs: jobs})
}

func (b *JSONBackend) Close() error {
	return b.file.Close()
}

// OpenJSON opens a Store backed by the JSON document at path.
func OpenJSON(ctx context.Context, path string, opts ...Option) (*Store, error) {
	b, err := NewJSONBackend(path)
	if err != nil {
		return nil, err
	}
	s, err := NewStore(ctx, b, opts...)
	if err != nil {
		b.Close()
		return nil, err
	}
	return s, nil
}
