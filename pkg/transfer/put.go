package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/metrics"
	"github.com/nearlinedata/nlds/pkg/objectstore"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// PutWorker streams indexed files to the object store.
type PutWorker struct {
	cfg       Config
	connector objectstore.Connector
}

// NewPutWorker builds the transfer-put stage.
func NewPutWorker(connector objectstore.Connector, cfg Config) *PutWorker {
	cfg.ApplyDefaults(DefaultPutQueueName)
	return &PutWorker{cfg: cfg, connector: connector}
}

// Queue implements worker.Processor.
func (w *PutWorker) Queue() fabric.QueueSpec {
	return fabric.QueueSpec{
		Name:     w.cfg.QueueName,
		Prefetch: fabric.DefaultPrefetch,
		Bindings: []fabric.Binding{
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerTransferPut, fabric.StateInit)},
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerTransferPut, fabric.StateStart)},
		},
	}
}

// Callback implements worker.Processor.
func (w *PutWorker) Callback(ctx context.Context, key fabric.RoutingKey,
	m *message.Message, pub *worker.Publisher) error {

	switch key.State {
	case fabric.StateInit:
		return chunk(pub, m, fabric.WorkerTransferPut,
			w.cfg.FilelistMaxLength, message.StateTransferPutting)
	case fabric.StateStart:
		return w.put(ctx, m, pub)
	}
	return fmt.Errorf("unexpected state segment %q on transfer-put queue", key.State)
}

func (w *PutWorker) put(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	store, err := w.connector.Connect(ctx, credentials(m))
	if err != nil {
		// Bad credentials fail the whole list as a user error.
		failed := append([]message.PathDetails(nil), m.Data.FileList...)
		for i := range failed {
			failed[i].Fail(err.Error(), w.cfg.MaxRetries)
		}
		return pub.SendPathList(m, fabric.WorkerTransferPut, fabric.StateFailed,
			failed, worker.ModeFailed, message.StateTransferPutting)
	}

	bucket := message.ObjectBucket(m.Details.TransactionID)
	if err := store.EnsureBucket(ctx, bucket); err != nil {
		return err
	}

	var out lists
	for _, pd := range m.Data.FileList {
		if err := w.putOne(ctx, store, bucket, m, &pd); err != nil {
			out.fail(pd, err, w.cfg.MaxRetries)
			metrics.File("transfer-put", "failed")
			continue
		}
		out.completed = append(out.completed, pd)
		metrics.File("transfer-put", "completed")
	}

	logger.InfoCtx(ctx, "transfer-put batch done",
		logger.KeyBucket, bucket, logger.Count(len(out.completed)),
		"retry", len(out.retry), "failed", len(out.failed))
	return out.emit(pub, m, fabric.WorkerTransferPut, message.StateTransferPutting)
}

// putOne uploads one path, assigning the deterministic object name. Links
// carry no content; their object name is recorded for the catalog and the
// link is rebuilt from link_path on get.
func (w *PutWorker) putOne(ctx context.Context, store objectstore.Store,
	bucket string, m *message.Message, pd *message.PathDetails) error {

	key := message.ObjectKey(pd.OriginalPath)
	pd.ObjectName = bucket + ":" + key

	if isLink(pd) || pd.PathType == message.PathTypeDirectory {
		return nil
	}

	// At-least-once replay: the object may already be there.
	if info, err := store.Stat(ctx, bucket, key); err == nil && info.Size == pd.Size {
		logger.DebugCtx(ctx, "object already present, skipping upload",
			logger.KeyObjectName, pd.ObjectName)
		return nil
	} else if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}

	f, err := os.Open(pd.OriginalPath)
	if err != nil {
		return fmt.Errorf("failed to open source %s: %w", pd.OriginalPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := store.Put(ctx, bucket, key, f, info.Size()); err != nil {
		return err
	}
	metrics.Streamed("put", info.Size())
	logger.DebugCtx(ctx, "uploaded object",
		logger.Path(pd.OriginalPath), logger.KeyObjectName, pd.ObjectName,
		logger.Size(info.Size()))
	return nil
}
