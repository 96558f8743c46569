// Package artifacts holds pipeline outputs (archives, reports) published by
// one JobRun and read by its dependents.
package artifacts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

var (
	// ErrConflict is returned when a producer publishes the same name twice.
	ErrConflict = errors.New("artifact already published")
	// ErrNotFound is returned when the producer never published the name.
	ErrNotFound = errors.New("artifact not found")
)

// Ref identifies one published artifact.
type Ref struct {
	Producer string `json:"producer"`
	Name     string `json:"name"`
	Digest   string `json:"digest"`
	Size     int64  `json:"size"`
}

func (r Ref) String() string {
	return r.Producer + "/" + r.Name
}

// Store is a write-once blob store keyed by (producer, name).
type Store interface {
	Publish(ctx context.Context, producer, name string, r io.Reader) (Ref, error)
	Fetch(ctx context.Context, ref Ref) (io.ReadCloser, error)
	Lookup(producer, name string) (Ref, error)
	List() []Ref
}

// Mirror receives a copy of every published artifact.
type Mirror interface {
	Upload(ctx context.Context, ref Ref, path string) error
}

// FileStore keeps artifacts under root/<producer>/<name>. Content is
// staged in a temporary file and renamed into place, so readers only
// ever open complete files.
type FileStore struct {
	root   string
	mirror Mirror
	logger *slog.Logger

	mu      sync.Mutex
	writers map[string]*sync.Mutex
	refs    map[string]Ref
}

// NewFileStore creates the store directory if needed.
func NewFileStore(root string, mirror Mirror, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileStore{
		root:    root,
		mirror:  mirror,
		logger:  logger,
		writers: make(map[string]*sync.Mutex),
		refs:    make(map[string]Ref),
	}, nil
}

// Root returns the directory artifacts are stored under.
func (s *FileStore) Root() string {
	return s.root
}

// Publish stores the content of r as (producer, name). A second publish
// of the same pair fails with ErrConflict and leaves the original intact.
func (s *FileStore) Publish(ctx context.Context, producer, name string, r io.Reader) (Ref, error) {
	if err := validateComponent(producer); err != nil {
		return Ref{}, fmt.Errorf("producer: %w", err)
	}
	if err := validateComponent(name); err != nil {
		return Ref{}, fmt.Errorf("name: %w", err)
	}

	key := producer + "/" + name
	lock := s.writerLock(key)
	lock.Lock()
	defer lock.Unlock()

	finalPath := s.path(producer, name)
	if _, err := os.Stat(finalPath); err == nil {
		return Ref{}, fmt.Errorf("%s: %w", key, ErrConflict)
	}

	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Ref{}, fmt.Errorf("failed to create producer directory: %w", err)
	}
	staging, err := os.CreateTemp(dir, "."+name+".partial-*")
	if err != nil {
		return Ref{}, fmt.Errorf("failed to stage artifact: %w", err)
	}
	stagingPath := staging.Name()
	defer os.Remove(stagingPath)

	hasher := blake3.New()
	size, err := io.Copy(io.MultiWriter(staging, hasher), readerWithContext(ctx, r))
	if err != nil {
		staging.Close()
		return Ref{}, fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	if err := staging.Sync(); err != nil {
		staging.Close()
		return Ref{}, fmt.Errorf("failed to sync artifact %s: %w", key, err)
	}
	if err := staging.Close(); err != nil {
		return Ref{}, fmt.Errorf("failed to close artifact %s: %w", key, err)
	}
	if err := os.Chmod(stagingPath, 0444); err != nil {
		return Ref{}, fmt.Errorf("failed to seal artifact %s: %w", key, err)
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		return Ref{}, fmt.Errorf("failed to publish artifact %s: %w", key, err)
	}

	ref := Ref{
		Producer: producer,
		Name:     name,
		Digest:   "blake3:" + hex.EncodeToString(hasher.Sum(nil)),
		Size:     size,
	}
	s.mu.Lock()
	s.refs[key] = ref
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.Upload(ctx, ref, finalPath); err != nil {
			s.logger.Warn("artifact mirror upload failed", "artifact", key, "error", err)
		}
	}
	s.logger.Debug("artifact published", "artifact", key, "size", size, "digest", ref.Digest)
	return ref, nil
}

// Fetch opens a published artifact for reading.
func (s *FileStore) Fetch(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	if _, err := s.Lookup(ref.Producer, ref.Name); err != nil {
		return nil, err
	}
	file, err := os.Open(s.path(ref.Producer, ref.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", ref, err)
	}
	return file, nil
}

// Lookup returns the Ref for a published artifact.
func (s *FileStore) Lookup(producer, name string) (Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.refs[producer+"/"+name]
	if !ok {
		return Ref{}, fmt.Errorf("%s/%s: %w", producer, name, ErrNotFound)
	}
	return ref, nil
}

// List returns every published artifact sorted by producer and name.
func (s *FileStore) List() []Ref {
	s.mu.Lock()
	refs := make([]Ref, 0, len(s.refs))
	for _, ref := range s.refs {
		refs = append(refs, ref)
	}
	s.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Producer != refs[j].Producer {
			return refs[i].Producer < refs[j].Producer
		}
		return refs[i].Name < refs[j].Name
	})
	return refs
}

// Path returns the on-disk location of a published artifact.
func (s *FileStore) Path(ref Ref) string {
	return s.path(ref.Producer, ref.Name)
}

func (s *FileStore) path(producer, name string) string {
	return filepath.Join(s.root, producer, name)
}

func (s *FileStore) writerLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.writers[key]
	if !ok {
		lock = &sync.Mutex{}
		s.writers[key] = lock
	}
	return lock
}

func validateComponent(value string) error {
	switch {
	case value == "":
		return errors.New("must not be empty")
	case value == "." || value == "..":
		return fmt.Errorf("invalid value %q", value)
	case strings.ContainsAny(value, `/\`):
		return fmt.Errorf("%q must not contain path separators", value)
	case strings.HasPrefix(value, "."):
		return fmt.Errorf("%q must not start with a dot", value)
	}
	return nil
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
