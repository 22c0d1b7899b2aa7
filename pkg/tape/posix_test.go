package tape

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitURL(t *testing.T) {
	scheme, netloc, root, err := SplitURL("root://tape.example.org//archive/nlds")
	require.NoError(t, err)
	assert.Equal(t, "root", scheme)
	assert.Equal(t, "tape.example.org", netloc)
	assert.Equal(t, "archive/nlds", root)

	_, _, _, err = SplitURL("tape.example.org/archive")
	assert.Error(t, err)

	scheme, netloc, root, err = SplitURL("root://tape.example.org")
	require.NoError(t, err)
	assert.Equal(t, "root", scheme)
	assert.Equal(t, "tape.example.org", netloc)
	assert.Equal(t, "", root)
}

func TestPosixTapeWriteStageRead(t *testing.T) {
	ctx := context.Background()
	tp, err := NewPosixTape(t.TempDir(), 0)
	require.NoError(t, err)

	w, err := tp.Create(ctx, "nlds.abc/agg_0001.tar")
	require.NoError(t, err)
	_, err = w.Write([]byte("tar payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	st, err := tp.Stat(ctx, "nlds.abc/agg_0001.tar")
	require.NoError(t, err)
	assert.True(t, st.OnTape)
	assert.False(t, st.Staged)

	// Unstaged aggregates cannot be opened.
	_, err = tp.Open(ctx, "nlds.abc/agg_0001.tar")
	assert.ErrorIs(t, err, ErrNotStaged)

	id, err := tp.Prepare(ctx, []string{"nlds.abc/agg_0001.tar"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	done, err := tp.PollPrepare(ctx, id, []string{"nlds.abc/agg_0001.tar"})
	require.NoError(t, err)
	assert.True(t, done)

	r, err := tp.Open(ctx, "nlds.abc/agg_0001.tar")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "tar payload", string(data))
}

func TestPosixTapePrepareDelay(t *testing.T) {
	ctx := context.Background()
	tp, err := NewPosixTape(t.TempDir(), time.Hour)
	require.NoError(t, err)

	w, err := tp.Create(ctx, "agg.tar")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	id, err := tp.Prepare(ctx, []string{"agg.tar"})
	require.NoError(t, err)

	done, err := tp.PollPrepare(ctx, id, []string{"agg.tar"})
	require.NoError(t, err)
	assert.False(t, done)

	_, err = tp.PollPrepare(ctx, "no-such-id", nil)
	assert.Error(t, err)
}

func TestPosixTapePrepareMissingAggregate(t *testing.T) {
	ctx := context.Background()
	tp, err := NewPosixTape(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = tp.Prepare(ctx, []string{"missing.tar"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPosixTapeRemove(t *testing.T) {
	ctx := context.Background()
	tp, err := NewPosixTape(t.TempDir(), 0)
	require.NoError(t, err)

	w, err := tp.Create(ctx, "agg.tar")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	tp.MarkStaged("agg.tar")

	require.NoError(t, tp.Remove(ctx, "agg.tar"))
	st, err := tp.Stat(ctx, "agg.tar")
	require.NoError(t, err)
	assert.False(t, st.OnTape)

	// Removing twice is fine.
	require.NoError(t, tp.Remove(ctx, "agg.tar"))
}

func TestPosixTapePollAfterCompletionStillDone(t *testing.T) {
	ctx := context.Background()
	tp, err := NewPosixTape(t.TempDir(), 0)
	require.NoError(t, err)

	w, err := tp.Create(ctx, "agg.tar")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	id, err := tp.Prepare(ctx, []string{"agg.tar"})
	require.NoError(t, err)
	done, err := tp.PollPrepare(ctx, id, []string{"agg.tar"})
	require.NoError(t, err)
	require.True(t, done)

	// The completed request is forgotten, but a redelivered poll for the
	// same staged aggregates still answers done.
	done, err = tp.PollPrepare(ctx, id, []string{"agg.tar"})
	require.NoError(t, err)
	assert.True(t, done)

	// Unstaged aggregates under a forgotten id are still an error.
	w2, err := tp.Create(ctx, "other.tar")
	require.NoError(t, err)
	require.NoError(t, w2.Close())
	_, err = tp.PollPrepare(ctx, id, []string{"other.tar"})
	assert.Error(t, err)
}
