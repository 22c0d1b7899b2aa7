// Package index implements the first processing stage of a put: splitting
// the user's raw path list into sub-transactions and walking each sub-list
// into fully stat'ed batches.
package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// DefaultQueueName is the index work queue.
const DefaultQueueName = "index_q"

// Defaults for batch partitioning.
const (
	DefaultFilelistMaxLength = 1000
	DefaultFilelistMaxSize   = int64(500) * 1024 * 1024 * 1024
	// DefaultMaxFileSize is the per-file ceiling, set by the tape cache
	// size: a file that cannot be staged cannot be archived.
	DefaultMaxFileSize = int64(500) * 1024 * 1024 * 1024
)

// Config tunes the indexer.
type Config struct {
	QueueName string `mapstructure:"queue_name"`
	// FilelistMaxLength caps a batch at L paths.
	FilelistMaxLength int `mapstructure:"filelist_max_length"`
	// FilelistMaxSize caps a batch at B cumulative bytes.
	FilelistMaxSize int64 `mapstructure:"filelist_max_size"`
	MaxFileSize     int64 `mapstructure:"max_filesize"`
	MaxRetries      int   `mapstructure:"max_retries"`
	// CheckPermissions verifies readability against the caller's uid and
	// gid set; disabled for single-user deployments running as the owner.
	CheckPermissions bool `mapstructure:"check_permissions_fl"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = DefaultQueueName
	}
	if c.FilelistMaxLength == 0 {
		c.FilelistMaxLength = DefaultFilelistMaxLength
	}
	if c.FilelistMaxSize == 0 {
		c.FilelistMaxSize = DefaultFilelistMaxSize
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = worker.DefaultMaxRetries
	}
}

// Identity is the caller's resolved uid and gid set, used for permission
// checks while walking.
type Identity struct {
	UID  uint32
	GIDs map[uint32]bool
}

// LookupIdentity resolves a user name through the host's name service.
func LookupIdentity(username string) (*Identity, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user %s: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to parse uid for %s: %w", username, err)
	}
	id := &Identity{UID: uint32(uid), GIDs: make(map[uint32]bool)}
	gids, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve groups for %s: %w", username, err)
	}
	for _, g := range gids {
		gid, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		id.GIDs[uint32(gid)] = true
	}
	return id, nil
}

// CanRead applies the POSIX mode bits for the identity.
func (id *Identity) CanRead(uid, gid uint32, perms uint32) bool {
	switch {
	case id.UID == uid:
		return perms&0400 != 0
	case id.GIDs[gid]:
		return perms&0040 != 0
	default:
		return perms&0004 != 0
	}
}

// Worker is the index stage.
type Worker struct {
	cfg Config
	// lookup is swappable so tests can inject identities without touching
	// the host's name service.
	lookup func(username string) (*Identity, error)
}

// NewWorker builds the index stage.
func NewWorker(cfg Config) *Worker {
	cfg.ApplyDefaults()
	return &Worker{cfg: cfg, lookup: LookupIdentity}
}

// Queue implements worker.Processor.
func (w *Worker) Queue() fabric.QueueSpec {
	return fabric.QueueSpec{
		Name:     w.cfg.QueueName,
		Prefetch: fabric.DefaultPrefetch,
		Bindings: []fabric.Binding{
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerIndex, fabric.StateInit)},
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerIndex, fabric.StateStart)},
		},
	}
}

// Callback implements worker.Processor.
func (w *Worker) Callback(ctx context.Context, key fabric.RoutingKey,
	m *message.Message, pub *worker.Publisher) error {

	switch key.State {
	case fabric.StateInit:
		return w.split(ctx, m, pub)
	case fabric.StateStart:
		return w.walk(ctx, m, pub)
	}
	return fmt.Errorf("unexpected state segment %q on index queue", key.State)
}

// split partitions the raw list into sub-transactions of at most L paths.
// Each emission after the first gets a fresh sub id from the publisher.
func (w *Worker) split(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	list := m.Data.FileList
	l := w.cfg.FilelistMaxLength
	logger.InfoCtx(ctx, "splitting file list", logger.Count(len(list)), "batch_limit", l)
	for start := 0; start < len(list); start += l {
		end := start + l
		if end > len(list) {
			end = len(list)
		}
		if err := pub.SendPathList(m, fabric.WorkerIndex, fabric.StateStart,
			list[start:end], worker.ModeProcessed, message.StateSplitting); err != nil {
			return err
		}
	}
	return nil
}

// batcher accumulates walked paths, flushing whenever the batch reaches the
// length or byte limit so no downstream message outgrows the transfer
// stages.
type batcher struct {
	pub     *worker.Publisher
	msg     *message.Message
	maxLen  int
	maxSize int64

	batch []message.PathDetails
	size  int64
	err   error
}

func (b *batcher) add(pd message.PathDetails) {
	if b.err != nil {
		return
	}
	b.batch = append(b.batch, pd)
	b.size += pd.Size
	if len(b.batch) >= b.maxLen || b.size >= b.maxSize {
		b.flush()
	}
}

func (b *batcher) flush() {
	if b.err != nil || len(b.batch) == 0 {
		return
	}
	b.err = b.pub.SendPathList(b.msg, fabric.WorkerIndex, fabric.StateComplete,
		b.batch, worker.ModeProcessed, message.StateIndexing)
	b.batch = nil
	b.size = 0
}

// walk stats every path in the sub-list, recursing into directories
// depth-first, and emits index.complete batches as the limits fill.
func (w *Worker) walk(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	var id *Identity
	if w.cfg.CheckPermissions {
		var err error
		id, err = w.lookup(m.Details.User)
		if err != nil {
			// Without an identity nothing can be checked: the whole list
			// fails as a user error.
			failed := append([]message.PathDetails(nil), m.Data.FileList...)
			for i := range failed {
				failed[i].Fail(err.Error(), w.cfg.MaxRetries)
			}
			return pub.SendPathList(m, fabric.WorkerIndex, fabric.StateFailed,
				failed, worker.ModeFailed, message.StateIndexing)
		}
	}

	root := commonRoot(m.Data.FileList)
	b := &batcher{
		pub: pub, msg: m,
		maxLen:  w.cfg.FilelistMaxLength,
		maxSize: w.cfg.FilelistMaxSize,
	}
	var retry, failed []message.PathDetails

	for _, pd := range m.Data.FileList {
		w.walkPath(ctx, pd, root, id, b, &retry, &failed)
		if b.err != nil {
			return b.err
		}
	}
	b.flush()
	if b.err != nil {
		return b.err
	}

	logger.InfoCtx(ctx, "indexed sub-list",
		logger.Count(len(m.Data.FileList)), "retry", len(retry), "failed", len(failed))
	if err := pub.SendPathList(m, fabric.WorkerIndex, fabric.StateStart,
		retry, worker.ModeRetry, message.StateIndexing); err != nil {
		return err
	}
	return pub.SendPathList(m, fabric.WorkerIndex, fabric.StateFailed,
		failed, worker.ModeFailed, message.StateIndexing)
}

// classifyErr partitions a walk error: paths the user got wrong fail at
// once, filesystem hiccups retry with back-off until exhausted.
func (w *Worker) classifyErr(pd message.PathDetails, err error,
	retry, failed *[]message.PathDetails) {

	switch {
	case errors.Is(err, fs.ErrNotExist):
		pd.Fail(fmt.Sprintf("file %s not found", pd.OriginalPath), w.cfg.MaxRetries)
		*failed = append(*failed, pd)
	case errors.Is(err, fs.ErrPermission):
		pd.Fail(fmt.Sprintf("permission denied on %s", pd.OriginalPath), w.cfg.MaxRetries)
		*failed = append(*failed, pd)
	default:
		reason := fmt.Sprintf("failed to read %s: %s", pd.OriginalPath, err)
		pd.Retries.Increment(reason)
		if pd.Retries.Count >= w.cfg.MaxRetries {
			pd.FailureReason = reason
			*failed = append(*failed, pd)
			return
		}
		*retry = append(*retry, pd)
	}
}

func (w *Worker) walkPath(ctx context.Context, pd message.PathDetails, root string,
	id *Identity, b *batcher, retry, failed *[]message.PathDetails) {

	info, err := os.Lstat(pd.OriginalPath)
	if err != nil {
		w.classifyErr(pd, err, retry, failed)
		return
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(pd.OriginalPath)
		if err != nil {
			w.classifyErr(pd, err, retry, failed)
			return
		}
		pd.FromStat(info)
		resolved := target
		if !filepath.IsAbs(target) {
			resolved = filepath.Join(filepath.Dir(pd.OriginalPath), target)
		}
		if root != "" && strings.HasPrefix(resolved, root+string(os.PathSeparator)) {
			pd.PathType = message.PathTypeLinkCommon
			rel, err := filepath.Rel(root, resolved)
			if err == nil {
				pd.LinkPath = rel
			} else {
				pd.LinkPath = resolved
			}
		} else {
			pd.PathType = message.PathTypeLinkAbsolute
			pd.LinkPath = resolved
		}
		b.add(pd)

	case info.IsDir():
		entries, err := os.ReadDir(pd.OriginalPath)
		if err != nil {
			w.classifyErr(pd, err, retry, failed)
			return
		}
		for _, e := range entries {
			child := message.PathDetails{
				OriginalPath: filepath.Join(pd.OriginalPath, e.Name()),
			}
			w.walkPath(ctx, child, root, id, b, retry, failed)
			if b.err != nil {
				return
			}
		}

	default:
		pd.PathType = message.PathTypeFile
		pd.FromStat(info)
		if id != nil && !id.CanRead(pd.User, pd.Group, pd.Permissions) {
			pd.Fail(fmt.Sprintf("permission denied on %s", pd.OriginalPath), w.cfg.MaxRetries)
			*failed = append(*failed, pd)
			return
		}
		if pd.Size > w.cfg.MaxFileSize {
			pd.Fail(fmt.Sprintf("file %s too large: %d bytes", pd.OriginalPath, pd.Size),
				w.cfg.MaxRetries)
			*failed = append(*failed, pd)
			return
		}
		b.add(pd)
	}
}

// commonRoot is the longest shared directory prefix of the batch, used to
// classify symlink targets as inside or outside the batch.
func commonRoot(list []message.PathDetails) string {
	if len(list) == 0 {
		return ""
	}
	root := filepath.Dir(list[0].OriginalPath)
	for _, pd := range list[1:] {
		dir := filepath.Dir(pd.OriginalPath)
		for root != "" && root != "/" && !strings.HasPrefix(dir+"/", root+"/") {
			root = filepath.Dir(root)
		}
	}
	return root
}
