package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Chunk is one numbered piece of a split audio file.
type Chunk struct {
	Index int
	Path  string
}

// ChunkPath returns the file name of chunk i (1-based) under dir.
func ChunkPath(dir, prefix string, i int, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s%03d%s", prefix, i, ext))
}

// ChunkPattern is the printf pattern matching ChunkPath.
func ChunkPattern(dir, prefix, ext string) string {
	return filepath.Join(dir, prefix+"%03d"+ext)
}

// DiscoverChunks lists the chunks with prefix in dir, ordered by index. A
// missing dir yields no chunks.
func DiscoverChunks(dir, prefix string) ([]Chunk, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	re := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(\d+)(\.[A-Za-z0-9]+)?$`)
	var out []Chunk
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		i, err := strconv.Atoi(m[1])
		if err != nil || i < 1 {
			continue
		}
		out = append(out, Chunk{Index: i, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out, nil
}

// RemoveChunks deletes every chunk with prefix in dir.
func RemoveChunks(dir, prefix string) error {
	chunks, err := DiscoverChunks(dir, prefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range chunks {
		if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
