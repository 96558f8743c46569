package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultCommandTimeout applies when neither the command nor the Serial
// wrapper specifies one.
const DefaultCommandTimeout = 30 * time.Minute

// Serial serializes access to a Channel so that commands run strictly in
// submission order, one at a time, each under its own deadline.
type Serial struct {
	mu      sync.Mutex
	inner   Channel
	timeout time.Duration
}

// NewSerial wraps inner. A zero timeout selects DefaultCommandTimeout.
func NewSerial(inner Channel, timeout time.Duration) *Serial {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Serial{inner: inner, timeout: timeout}
}

// Run executes cmd after every previously submitted command has finished.
func (s *Serial) Run(ctx context.Context, cmd Command) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	commandContext, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := s.inner.Run(commandContext, cmd)
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	if err != nil && errors.Is(commandContext.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return result, fmt.Errorf("%s after %s: %w", cmd.Name, timeout, ErrCommandTimeout)
	}
	return result, err
}

// Upload transfers r to path, ordered with respect to Run.
func (s *Serial) Upload(ctx context.Context, path string, r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uploadContext, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.Upload(uploadContext, path, r)
}

// Download copies path into w, ordered with respect to Run.
func (s *Serial) Download(ctx context.Context, path string, w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	downloadContext, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.Download(downloadContext, path, w)
}

// Close closes the wrapped channel.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}
