package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/metrics"
	"github.com/nearlinedata/nlds/pkg/objectstore"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// Chowner restores file ownership. Direct chown needs privilege, so
// deployments without it inject a helper executable instead.
type Chowner interface {
	Chown(path string, uid, gid uint32) error
}

type directChown struct{}

func (directChown) Chown(path string, uid, gid uint32) error {
	return os.Chown(path, int(uid), int(gid))
}

type cmdChown struct{ cmd string }

func (c cmdChown) Chown(path string, uid, gid uint32) error {
	out, err := exec.Command(c.cmd,
		strconv.FormatUint(uint64(uid), 10),
		strconv.FormatUint(uint64(gid), 10), path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("chown helper failed for %s: %s: %w", path, out, err)
	}
	return nil
}

// GetWorker streams objects back to the POSIX tier.
type GetWorker struct {
	cfg       Config
	connector objectstore.Connector
	chowner   Chowner
}

// NewGetWorker builds the transfer-get stage.
func NewGetWorker(connector objectstore.Connector, cfg Config) *GetWorker {
	cfg.ApplyDefaults(DefaultGetQueueName)
	w := &GetWorker{cfg: cfg, connector: connector}
	if cfg.ChownFl {
		if cfg.ChownCmd != "" {
			w.chowner = cmdChown{cmd: cfg.ChownCmd}
		} else {
			w.chowner = directChown{}
		}
	}
	return w
}

// Queue implements worker.Processor.
func (w *GetWorker) Queue() fabric.QueueSpec {
	return fabric.QueueSpec{
		Name:     w.cfg.QueueName,
		Prefetch: fabric.DefaultPrefetch,
		Bindings: []fabric.Binding{
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerTransferGet, fabric.StateInit)},
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerTransferGet, fabric.StateStart)},
		},
	}
}

// Callback implements worker.Processor.
func (w *GetWorker) Callback(ctx context.Context, key fabric.RoutingKey,
	m *message.Message, pub *worker.Publisher) error {

	switch key.State {
	case fabric.StateInit:
		return chunk(pub, m, fabric.WorkerTransferGet,
			w.cfg.FilelistMaxLength, message.StateTransferInit)
	case fabric.StateStart:
		return w.get(ctx, m, pub)
	}
	return fmt.Errorf("unexpected state segment %q on transfer-get queue", key.State)
}

func (w *GetWorker) get(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	store, err := w.connector.Connect(ctx, credentials(m))
	if err != nil {
		failed := append([]message.PathDetails(nil), m.Data.FileList...)
		for i := range failed {
			failed[i].Fail(err.Error(), w.cfg.MaxRetries)
		}
		return pub.SendPathList(m, fabric.WorkerTransferGet, fabric.StateFailed,
			failed, worker.ModeFailed, message.StateTransferGetting)
	}

	var out lists
	for _, pd := range m.Data.FileList {
		if err := w.getOne(ctx, store, m, &pd); err != nil {
			out.fail(pd, err, w.cfg.MaxRetries)
			metrics.File("transfer-get", "failed")
			continue
		}
		out.completed = append(out.completed, pd)
		metrics.File("transfer-get", "completed")
	}

	logger.InfoCtx(ctx, "transfer-get batch done",
		logger.Count(len(out.completed)),
		"retry", len(out.retry), "failed", len(out.failed))
	return out.emit(pub, m, fabric.WorkerTransferGet, message.StateTransferGetting)
}

// getOne restores one path: links are re-created from their recorded
// target, regular files are streamed down and get their mode and ownership
// back.
func (w *GetWorker) getOne(ctx context.Context, store objectstore.Store,
	m *message.Message, pd *message.PathDetails) error {

	dest := targetPath(m.Details.Target, pd.OriginalPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create target directory for %s: %w", dest, err)
	}

	if isLink(pd) {
		return w.restoreLink(dest, pd)
	}

	bucket, key := objectFor(m, pd)
	body, info, err := store.Get(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("failed to fetch %s:%s: %w", bucket, key, err)
	}
	defer body.Close()

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(pd.Permissions))
	if err != nil {
		return fmt.Errorf("failed to create target %s: %w", dest, err)
	}
	// The writer is wrapped so the file's ReadFrom cannot bypass the
	// configured chunk size.
	n, err := io.CopyBuffer(struct{ io.Writer }{f}, body, make([]byte, w.cfg.ChunkSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write target %s: %w", dest, err)
	}
	if info.Size >= 0 && n != info.Size {
		return fmt.Errorf("short read for %s: wrote %d of %d bytes", dest, n, info.Size)
	}
	metrics.Streamed("get", n)

	// Mode first, then ownership; chown may strip setuid-like bits
	// otherwise.
	if err := os.Chmod(dest, os.FileMode(pd.Permissions)); err != nil {
		return fmt.Errorf("failed to restore mode on %s: %w", dest, err)
	}
	if w.chowner != nil {
		if err := w.chowner.Chown(dest, pd.User, pd.Group); err != nil {
			return fmt.Errorf("failed to restore ownership on %s: %w", dest, err)
		}
	}
	logger.DebugCtx(ctx, "restored file", logger.Path(dest), logger.Size(n))
	return nil
}

func (w *GetWorker) restoreLink(dest string, pd *message.PathDetails) error {
	if pd.LinkPath == "" {
		return fmt.Errorf("link %s has no recorded target", pd.OriginalPath)
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink(pd.LinkPath, dest); err != nil {
		return fmt.Errorf("failed to restore link %s: %w", dest, err)
	}
	return nil
}
