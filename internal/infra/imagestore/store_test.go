package imagestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snapngo/snapbot/internal/domain"
)

// fakeDownloader writes body into w, or fails with err.
type fakeDownloader struct {
	body  string
	err   error
	delay time.Duration
	urls  []string
}

func (f *fakeDownloader) Download(ctx context.Context, url string, w io.Writer) error {
	f.urls = append(f.urls, url)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	_, err := io.Copy(w, strings.NewReader(f.body))
	return err
}

var testDay = time.Date(2025, 3, 9, 15, 4, 0, 0, time.UTC)

func newTestStore(t *testing.T, dl domain.Downloader, maxBytes int64) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "pics"), dl, time.Second, maxBytes)
	s.SetClock(func() time.Time { return testDay })
	return s
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileName(t *testing.T) {
	if got := FileName("U123", 42, testDay); got != "U123_42_2025-03-09.jpeg" {
		t.Errorf("FileName() = %q", got)
	}
	if got := FileName("../etc", 1, testDay); strings.Contains(got, "/") {
		t.Errorf("FileName() = %q, should not contain a path separator", got)
	}
}

func TestFetch(t *testing.T) {
	dl := &fakeDownloader{body: "JPEGDATA"}
	s := newTestStore(t, dl, 1024)

	path, err := s.Fetch(context.Background(), "https://files/x.jpg", "U1", 42)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if filepath.Base(path) != "U1_42_2025-03-09.jpeg" {
		t.Errorf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "JPEGDATA" {
		t.Errorf("stored = %q, %v", data, err)
	}
	if len(dl.urls) != 1 || dl.urls[0] != "https://files/x.jpg" {
		t.Errorf("downloaded urls = %v", dl.urls)
	}
	assertNoTempFiles(t, s.Dir())
}

func TestFetch_SameDayKeepsBoth(t *testing.T) {
	s := newTestStore(t, &fakeDownloader{body: "FIRST"}, 0)
	ctx := context.Background()

	first, err := s.Fetch(ctx, "https://files/a.jpg", "U1", 42)
	if err != nil {
		t.Fatal(err)
	}
	s.dl = &fakeDownloader{body: "SECOND"}
	second, err := s.Fetch(ctx, "https://files/b.jpg", "U1", 42)
	if err != nil {
		t.Fatalf("second Fetch() error: %v", err)
	}

	if first == second {
		t.Fatalf("both fetches stored at %s", first)
	}
	if filepath.Base(first) != "U1_42_2025-03-09.jpeg" {
		t.Errorf("first path = %q, want the plain name", first)
	}
	if !strings.HasPrefix(filepath.Base(second), "U1_42_2025-03-09_") {
		t.Errorf("second path = %q, want a suffixed name", second)
	}
	for path, want := range map[string]string{first: "FIRST", second: "SECOND"} {
		if data, err := os.ReadFile(path); err != nil || string(data) != want {
			t.Errorf("%s = %q, %v; want %q", path, data, err, want)
		}
	}

	if err := s.Remove(second); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(first); err != nil {
		t.Errorf("removing the second image touched the first: %v", err)
	}
	assertNoTempFiles(t, s.Dir())
}

func TestFetch_TooLarge(t *testing.T) {
	s := newTestStore(t, &fakeDownloader{body: strings.Repeat("x", 100)}, 10)

	_, err := s.Fetch(context.Background(), "https://files/x.jpg", "U1", 42)
	if !errors.Is(err, domain.ErrImageTooLarge) {
		t.Fatalf("Fetch() error = %v, want ErrImageTooLarge", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), FileName("U1", 42, testDay))); !os.IsNotExist(err) {
		t.Error("oversized image should not be stored")
	}
	assertNoTempFiles(t, s.Dir())
}

func TestFetch_DownloadError(t *testing.T) {
	s := newTestStore(t, &fakeDownloader{err: domain.ErrPlatformCallFailed}, 0)

	_, err := s.Fetch(context.Background(), "https://files/x.jpg", "U1", 42)
	if !errors.Is(err, domain.ErrPlatformCallFailed) {
		t.Fatalf("Fetch() error = %v, want ErrPlatformCallFailed", err)
	}
	assertNoTempFiles(t, s.Dir())
}

func TestFetch_Timeout(t *testing.T) {
	dl := &fakeDownloader{body: "x", delay: time.Minute}
	s := New(t.TempDir(), dl, 20*time.Millisecond, 0)

	_, err := s.Fetch(context.Background(), "https://files/x.jpg", "U1", 42)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch() error = %v, want deadline exceeded", err)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t, &fakeDownloader{body: "x"}, 0)
	path, err := s.Fetch(context.Background(), "https://files/x.jpg", "U1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(path); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should be gone")
	}
	if err := s.Remove(path); err != nil {
		t.Errorf("second Remove() error: %v", err)
	}
}
