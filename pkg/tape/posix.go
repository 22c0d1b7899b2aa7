package tape

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PosixTape emulates a tape endpoint on a local directory, including the
// asynchronous staging model: a freshly written aggregate is "on tape" but
// not staged, and a prepare request becomes complete only after StageDelay.
// Used for development deployments and tests; production points at a real
// tape endpoint.
type PosixTape struct {
	dir string
	// StageDelay is how long a prepare takes to complete.
	StageDelay time.Duration

	mu       sync.Mutex
	staged   map[string]bool
	prepares map[string]prepareRequest
}

type prepareRequest struct {
	aggregates []string
	readyAt    time.Time
}

var _ Tape = (*PosixTape)(nil)

// NewPosixTape creates a tape rooted at dir.
func NewPosixTape(dir string, stageDelay time.Duration) (*PosixTape, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tape directory: %w", err)
	}
	return &PosixTape{
		dir:        dir,
		StageDelay: stageDelay,
		staged:     make(map[string]bool),
		prepares:   make(map[string]prepareRequest),
	}, nil
}

func (t *PosixTape) path(aggregate string) string {
	return filepath.Join(t.dir, filepath.FromSlash(aggregate))
}

// Stat implements Tape.
func (t *PosixTape) Stat(_ context.Context, aggregate string) (AggregateStatus, error) {
	if _, err := os.Stat(t.path(aggregate)); err != nil {
		if os.IsNotExist(err) {
			return AggregateStatus{}, nil
		}
		return AggregateStatus{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return AggregateStatus{OnTape: true, Staged: t.staged[aggregate]}, nil
}

// Prepare implements Tape: the request completes StageDelay from now.
func (t *PosixTape) Prepare(_ context.Context, aggregates []string) (string, error) {
	for _, a := range aggregates {
		if _, err := os.Stat(t.path(a)); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, a)
		}
	}
	id := uuid.NewString()
	t.mu.Lock()
	t.prepares[id] = prepareRequest{
		aggregates: append([]string(nil), aggregates...),
		readyAt:    time.Now().Add(t.StageDelay),
	}
	t.mu.Unlock()
	return id, nil
}

// PollPrepare implements Tape. A poll may be redelivered after the request
// already completed and was forgotten; if every requested aggregate is
// staged the poll answers done rather than erroring.
func (t *PosixTape) PollPrepare(_ context.Context, prepareID string, aggregates []string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.prepares[prepareID]
	if !ok {
		if len(aggregates) == 0 {
			return false, fmt.Errorf("unknown prepare id %q", prepareID)
		}
		for _, a := range aggregates {
			if !t.staged[a] {
				return false, fmt.Errorf("unknown prepare id %q", prepareID)
			}
		}
		return true, nil
	}
	if time.Now().Before(req.readyAt) {
		return false, nil
	}
	for _, a := range req.aggregates {
		t.staged[a] = true
	}
	delete(t.prepares, prepareID)
	return true, nil
}

// Create implements Tape. The new aggregate is on tape but not staged.
func (t *PosixTape) Create(_ context.Context, aggregate string) (io.WriteCloser, error) {
	p := t.path(aggregate)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, fmt.Errorf("failed to create aggregate directory: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregate %s: %w", aggregate, err)
	}
	return f, nil
}

// Open implements Tape; the aggregate must be staged first.
func (t *PosixTape) Open(_ context.Context, aggregate string) (io.ReadCloser, error) {
	t.mu.Lock()
	staged := t.staged[aggregate]
	t.mu.Unlock()
	if !staged {
		return nil, fmt.Errorf("%w: %s", ErrNotStaged, aggregate)
	}
	f, err := os.Open(t.path(aggregate))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, aggregate)
		}
		return nil, err
	}
	return f, nil
}

// Remove implements Tape.
func (t *PosixTape) Remove(_ context.Context, aggregate string) error {
	t.mu.Lock()
	delete(t.staged, aggregate)
	t.mu.Unlock()
	if err := os.Remove(t.path(aggregate)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MarkStaged stages an aggregate directly, bypassing prepare. Tests use it
// to model aggregates already resident in the tape cache.
func (t *PosixTape) MarkStaged(aggregate string) {
	t.mu.Lock()
	t.staged[aggregate] = true
	t.mu.Unlock()
}
