package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

type recordingMirror struct {
	mu   sync.Mutex
	refs []Ref
	err  error
}

func (m *recordingMirror) Upload(ctx context.Context, ref Ref, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs = append(m.refs, ref)
	return m.err
}

func readAll(t *testing.T, store Store, ref Ref) string {
	t.Helper()
	rc, err := store.Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("Fetch(%s) error = %v", ref, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %s: %v", ref, err)
	}
	return string(data)
}

func TestFileStorePublishAndFetch(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	ctx := context.Background()

	ref, err := store.Publish(ctx, "source", "tool-abc.tar.gz", strings.NewReader("archive"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ref.Size != int64(len("archive")) {
		t.Errorf("Size = %d, want %d", ref.Size, len("archive"))
	}
	if !strings.HasPrefix(ref.Digest, "blake3:") {
		t.Errorf("Digest = %q, want blake3: prefix", ref.Digest)
	}
	if got := readAll(t, store, ref); got != "archive" {
		t.Errorf("Fetch() = %q, want %q", got, "archive")
	}

	looked, err := store.Lookup("source", "tool-abc.tar.gz")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if looked != ref {
		t.Errorf("Lookup() = %+v, want %+v", looked, ref)
	}
}

func TestFileStoreConflictKeepsOriginal(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	ctx := context.Background()

	original, err := store.Publish(ctx, "build", "log.txt", strings.NewReader("first"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	_, err = store.Publish(ctx, "build", "log.txt", strings.NewReader("second"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second Publish() error = %v, want ErrConflict", err)
	}
	if got := readAll(t, store, original); got != "first" {
		t.Errorf("content after conflict = %q, want %q", got, "first")
	}

	// Same name under another producer is a different artifact.
	if _, err := store.Publish(ctx, "test", "log.txt", strings.NewReader("other")); err != nil {
		t.Errorf("Publish() for other producer error = %v", err)
	}
}

func TestFileStoreConcurrentPublishOneWinner(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Publish(context.Background(), "job", "out", bytes.NewReader(bytes.Repeat([]byte{byte('a' + i)}, 1024)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	successes, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != writers-1 {
		t.Errorf("successes = %d, conflicts = %d; want 1 and %d", successes, conflicts, writers-1)
	}
}

func TestFileStoreNotFound(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	_, err = store.Fetch(context.Background(), Ref{Producer: "build", Name: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
	_, err = store.Lookup("build", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup() error = %v, want ErrNotFound", err)
	}
}

func TestFileStoreRejectsBadNames(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	for _, name := range []string{"", "..", "a/b", ".hidden"} {
		if _, err := store.Publish(context.Background(), "job", name, strings.NewReader("x")); err == nil {
			t.Errorf("Publish(name=%q) succeeded, want error", name)
		}
	}
}

func TestFileStoreMirrorFailureDoesNotFailPublish(t *testing.T) {
	t.Parallel()

	mirror := &recordingMirror{err: errors.New("bucket offline")}
	store, err := NewFileStore(t.TempDir(), mirror, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if _, err := store.Publish(context.Background(), "report", "report.json", strings.NewReader("{}")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(mirror.refs) != 1 || mirror.refs[0].Name != "report.json" {
		t.Errorf("mirror saw %+v, want one report.json upload", mirror.refs)
	}
}

func TestFileStoreList(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	ctx := context.Background()
	for _, pair := range [][2]string{{"b", "y"}, {"a", "z"}, {"b", "x"}} {
		if _, err := store.Publish(ctx, pair[0], pair[1], strings.NewReader("x")); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	var got []string
	for _, ref := range store.List() {
		got = append(got, ref.String())
	}
	want := []string{"a/z", "b/x", "b/y"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("List() = %v, want %v", got, want)
	}
}
