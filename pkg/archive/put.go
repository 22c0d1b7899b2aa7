package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"hash/adler32"
	"io"

	"github.com/google/uuid"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/metrics"
	"github.com/nearlinedata/nlds/pkg/objectstore"
	"github.com/nearlinedata/nlds/pkg/tape"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// PutWorker bundles catalog candidates into tar aggregates on tape.
type PutWorker struct {
	cfg       Config
	connector objectstore.Connector
	tape      tape.Tape
}

// NewPutWorker builds the archive-put stage.
func NewPutWorker(connector objectstore.Connector, t tape.Tape, cfg Config) *PutWorker {
	cfg.ApplyDefaults(DefaultPutQueueName)
	return &PutWorker{cfg: cfg, connector: connector, tape: t}
}

// Queue implements worker.Processor.
func (w *PutWorker) Queue() fabric.QueueSpec {
	return fabric.QueueSpec{
		Name:     w.cfg.QueueName,
		Prefetch: fabric.DefaultPrefetch,
		Bindings: []fabric.Binding{
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerArchivePut, fabric.StateInit)},
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerArchivePut, fabric.StateStart)},
		},
	}
}

// Callback implements worker.Processor.
func (w *PutWorker) Callback(ctx context.Context, key fabric.RoutingKey,
	m *message.Message, pub *worker.Publisher) error {

	switch key.State {
	case fabric.StateInit:
		return w.binPack(ctx, m, pub)
	case fabric.StateStart:
		return w.writeAggregate(ctx, m, pub)
	}
	return fmt.Errorf("unexpected state segment %q on archive-put queue", key.State)
}

// binPack partitions the candidate list into aggregates bounded by the
// configured size, one archive-put.start per aggregate. Packing is
// first-fit in arrival order; a single oversized file still gets its own
// aggregate.
func (w *PutWorker) binPack(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	var (
		batch []message.PathDetails
		size  int64
		emits int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		emits++
		err := pub.SendPathList(m, fabric.WorkerArchivePut, fabric.StateStart,
			batch, worker.ModeProcessed, message.StateArchivePutting)
		batch, size = nil, 0
		return err
	}
	for _, pd := range m.Data.FileList {
		if len(batch) > 0 && size+pd.Size > w.cfg.MaxAggregateSize {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, pd)
		size += pd.Size
	}
	if err := flush(); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "bin-packed archive candidates",
		logger.Count(len(m.Data.FileList)), "aggregates", emits)
	return nil
}

// writeAggregate streams every member from the object store into one tar
// bundle on tape, computing a running ADLER32 over the aggregate. Member
// read failures skip the member; a tape write failure fails the whole
// aggregate.
func (w *PutWorker) writeAggregate(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	store, err := w.connector.Connect(ctx, objectstore.Credentials{
		AccessKey: m.Details.AccessKey, SecretKey: m.Details.SecretKey,
	})
	if err != nil {
		return err
	}

	tarname := fmt.Sprintf("nlds_agg_%s.tar", uuid.NewString()[:8])
	out, err := w.tape.Create(ctx, tarname)
	if err != nil {
		// Tape unavailable: the whole aggregate retries with back-off.
		return w.retryAggregate(m, pub, err)
	}

	sum := adler32.New()
	tw := tar.NewWriter(io.MultiWriter(out, sum))

	var written, failed []message.PathDetails
	tapeErr := func() error {
		for _, pd := range m.Data.FileList {
			bucket, key, err := memberObject(&pd)
			if err != nil {
				pd.Fail(err.Error(), w.cfg.MaxRetries)
				failed = append(failed, pd)
				continue
			}
			body, info, err := store.Get(ctx, bucket, key)
			if err != nil {
				pd.Fail(fmt.Sprintf("failed to read %s:%s: %s", bucket, key, err),
					w.cfg.MaxRetries)
				failed = append(failed, pd)
				continue
			}
			hdr := &tar.Header{
				Name: memberName(bucket, key),
				Mode: int64(pd.Permissions),
				Size: info.Size,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				body.Close()
				return err
			}
			if _, err := io.Copy(tw, body); err != nil {
				body.Close()
				return err
			}
			body.Close()
			setTapePath(&pd, tarname, m.Data.AggregationID)
			written = append(written, pd)
			metrics.File("archive-put", "completed")
		}
		return tw.Close()
	}()

	if cerr := out.Close(); tapeErr == nil {
		tapeErr = cerr
	}
	if tapeErr != nil {
		// Partial aggregate on tape is garbage; remove it and retry all.
		if rerr := w.tape.Remove(ctx, tarname); rerr != nil {
			logger.WarnCtx(ctx, "failed to remove partial aggregate",
				logger.KeyTarname, tarname, logger.Err(rerr))
		}
		return w.retryAggregate(m, pub, tapeErr)
	}

	m.Data.Tarname = tarname
	m.Data.Checksum = fmt.Sprintf("%08x", sum.Sum32())
	m.Data.Algorithm = ChecksumAlgorithm

	logger.InfoCtx(ctx, "wrote aggregate to tape",
		logger.KeyTarname, tarname, "checksum", m.Data.Checksum,
		logger.Count(len(written)), "failed", len(failed))

	if err := pub.SendPathList(m, fabric.WorkerArchivePut, fabric.StateComplete,
		written, worker.ModeProcessed, message.StateArchivePutting); err != nil {
		return err
	}
	return pub.SendPathList(m, fabric.WorkerArchivePut, fabric.StateFailed,
		failed, worker.ModeFailed, message.StateArchivePutting)
}

// retryAggregate requeues the whole member list with back-off, failing
// permanently once retries exhaust.
func (w *PutWorker) retryAggregate(m *message.Message, pub *worker.Publisher, cause error) error {
	list := append([]message.PathDetails(nil), m.Data.FileList...)
	exhausted := false
	for i := range list {
		list[i].Retries.Increment(cause.Error())
		if list[i].Retries.Count >= w.cfg.MaxRetries {
			exhausted = true
			list[i].FailureReason = cause.Error()
		}
	}
	if exhausted {
		return pub.SendPathList(m, fabric.WorkerArchivePut, fabric.StateFailed,
			list, worker.ModeFailed, message.StateArchivePutting)
	}
	metrics.Failed(w.cfg.QueueName)
	return pub.SendPathList(m, fabric.WorkerArchivePut, fabric.StateStart,
		list, worker.ModeRetry, message.StateArchivePutting)
}
