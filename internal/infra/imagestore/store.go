// Package imagestore downloads submitted photos from the platform and keeps
// them on local disk as <user>_<task>_<date>.jpeg. A second photo for the same
// user, task and day gets a short unique suffix instead of replacing the first.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snapngo/snapbot/internal/domain"
	"github.com/snapngo/snapbot/internal/infra/metrics"
)

var _ domain.ImageStore = (*Store)(nil)

// Store writes downloaded images into a single directory.
type Store struct {
	dir      string
	dl       domain.Downloader
	timeout  time.Duration
	maxBytes int64
	now      func() time.Time
}

// New creates a store rooted at dir. timeout bounds one download and maxBytes
// caps its size; zero disables either bound.
func New(dir string, dl domain.Downloader, timeout time.Duration, maxBytes int64) *Store {
	return &Store{dir: dir, dl: dl, timeout: timeout, maxBytes: maxBytes, now: time.Now}
}

// SetClock overrides the time source used for the date in file names.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

// FileName returns the stored name for a user's task photo taken on day.
func FileName(userID string, taskID domain.TaskID, day time.Time) string {
	return fmt.Sprintf("%s_%s_%s.jpeg", sanitize(userID), taskID, day.Format("2006-01-02"))
}

// Fetch downloads url and returns the final path. A partial download never
// appears under the final name, and an existing image is never overwritten.
func (s *Store) Fetch(ctx context.Context, url, userID string, taskID domain.TaskID) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	id := uuid.New().String()
	tmpPath := filepath.Join(s.dir, "."+id+".part")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(tmpPath)
	}

	start := time.Now()
	w := &limitWriter{w: f, remaining: s.maxBytes, unlimited: s.maxBytes <= 0}
	if err := s.dl.Download(ctx, url, w); err != nil {
		cleanup()
		return "", fmt.Errorf("download image: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("sync image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close image: %w", err)
	}

	final, err := s.place(tmpPath, FileName(userID, taskID, s.now()), id[:8])
	os.Remove(tmpPath)
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}

	metrics.ImageDownloadSeconds.Observe(time.Since(start).Seconds())
	metrics.ImageBytes.Observe(float64(w.written))
	return final, nil
}

// place hard-links tmpPath under name, or under name plus tag when name is
// already taken. Linking fails instead of replacing, so two concurrent
// fetches for the same name each keep their own file.
func (s *Store) place(tmpPath, name, tag string) (string, error) {
	final := filepath.Join(s.dir, name)
	err := os.Link(tmpPath, final)
	if errors.Is(err, fs.ErrExist) {
		final = filepath.Join(s.dir, strings.TrimSuffix(name, ".jpeg")+"_"+tag+".jpeg")
		err = os.Link(tmpPath, final)
	}
	if err != nil {
		return "", err
	}
	return final, nil
}

// Remove deletes a stored image. Missing files are not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}

// limitWriter fails with domain.ErrImageTooLarge once more than remaining
// bytes are written.
type limitWriter struct {
	w         io.Writer
	remaining int64
	unlimited bool
	written   int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if !l.unlimited && int64(len(p)) > l.remaining {
		return 0, domain.ErrImageTooLarge
	}
	n, err := l.w.Write(p)
	l.written += int64(n)
	l.remaining -= int64(n)
	return n, err
}

// sanitize keeps platform ids safe to use as a path element.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, id)
}
