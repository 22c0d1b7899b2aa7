// Package tape abstracts the cold tier. Tape systems expose an xrootd-style
// URL (scheme://netloc/rootdir) and an asynchronous staging model: an
// aggregate must be "prepared" (mounted and staged into the tape system's
// own cache) before reads are cheap. The interface carries exactly the
// prepare/poll contract the archive workers need; the posix implementation
// backs development and tests.
package tape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotStaged is returned by Open when the aggregate has not been prepared.
var ErrNotStaged = errors.New("aggregate not staged")

// ErrNotFound is returned when an aggregate does not exist on tape.
var ErrNotFound = errors.New("aggregate not on tape")

// AggregateStatus reports the staging position of one aggregate.
type AggregateStatus struct {
	OnTape bool
	Staged bool
}

// Tape is a connected tape endpoint.
type Tape interface {
	// Stat reports whether an aggregate exists and whether it is staged.
	Stat(ctx context.Context, aggregate string) (AggregateStatus, error)

	// Prepare requests staging of a set of aggregates and returns the
	// tape-issued prepare id used for polling.
	Prepare(ctx context.Context, aggregates []string) (string, error)

	// PollPrepare reports whether a prepare request has completed.
	PollPrepare(ctx context.Context, prepareID string, aggregates []string) (done bool, err error)

	// Create opens an aggregate for writing. The write is aggregate-scoped
	// and must not overlap with any other writer.
	Create(ctx context.Context, aggregate string) (io.WriteCloser, error)

	// Open opens a staged aggregate for reading.
	Open(ctx context.Context, aggregate string) (io.ReadCloser, error)

	// Remove deletes an aggregate, for rollback of failed archive-puts.
	Remove(ctx context.Context, aggregate string) error
}

// SplitURL parses scheme://netloc/rootdir into its parts.
func SplitURL(tapeURL string) (scheme, netloc, root string, err error) {
	parts := strings.SplitN(tapeURL, "://", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", "", fmt.Errorf("tape url %q malformed: want scheme://netloc/root", tapeURL)
	}
	scheme = parts[0]
	rest := parts[1]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return scheme, rest, "", nil
	}
	return scheme, rest[:slash], strings.Trim(rest[slash:], "/"), nil
}
