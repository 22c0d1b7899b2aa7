package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"hash/adler32"
	"io"
	"time"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/metrics"
	"github.com/nearlinedata/nlds/pkg/objectstore"
	"github.com/nearlinedata/nlds/pkg/tape"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// GetWorker runs the three-state recall machine: prepare, prepare-check,
// then streaming an aggregate back to the object store.
type GetWorker struct {
	cfg       Config
	connector objectstore.Connector
	tape      tape.Tape
}

// NewGetWorker builds the archive-get stage.
func NewGetWorker(connector objectstore.Connector, t tape.Tape, cfg Config) *GetWorker {
	cfg.ApplyDefaults(DefaultGetQueueName)
	return &GetWorker{cfg: cfg, connector: connector, tape: t}
}

// Queue implements worker.Processor.
func (w *GetWorker) Queue() fabric.QueueSpec {
	return fabric.QueueSpec{
		Name:     w.cfg.QueueName,
		Prefetch: fabric.DefaultPrefetch,
		Bindings: []fabric.Binding{
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerArchiveGet, fabric.StatePrepare)},
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerArchiveGet, fabric.StatePrepareCheck)},
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerArchiveGet, fabric.StateStart)},
		},
	}
}

// Callback implements worker.Processor.
func (w *GetWorker) Callback(ctx context.Context, key fabric.RoutingKey,
	m *message.Message, pub *worker.Publisher) error {

	switch key.State {
	case fabric.StatePrepare:
		return w.prepare(ctx, m, pub)
	case fabric.StatePrepareCheck:
		return w.prepareCheck(ctx, m, pub)
	case fabric.StateStart:
		return w.readAggregate(ctx, m, pub)
	}
	return fmt.Errorf("unexpected state segment %q on archive-get queue", key.State)
}

// groupByAggregate buckets the member list by owning tarname. Members
// without a filled tape location cannot be recalled.
func (w *GetWorker) groupByAggregate(list []message.PathDetails) (map[string][]message.PathDetails, []message.PathDetails) {
	groups := make(map[string][]message.PathDetails)
	var failed []message.PathDetails
	for _, pd := range list {
		tarname := tarnameOf(&pd)
		if tarname == "" {
			pd.Fail(fmt.Sprintf("path %s has no tape location", pd.OriginalPath), w.cfg.MaxRetries)
			failed = append(failed, pd)
			continue
		}
		groups[tarname] = append(groups[tarname], pd)
	}
	return groups, failed
}

// prepare stats each needed aggregate: staged ones go straight to start,
// the rest are batched into one prepare request polled via a delayed
// prepare-check.
func (w *GetWorker) prepare(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	groups, failed := w.groupByAggregate(m.Data.FileList)

	var pendingAggs []string
	var pendingMembers []message.PathDetails
	for tarname, members := range groups {
		st, err := w.tape.Stat(ctx, tarname)
		if err != nil {
			return err
		}
		switch {
		case !st.OnTape:
			for _, pd := range members {
				pd.Fail(fmt.Sprintf("aggregate %s not on tape", tarname), w.cfg.MaxRetries)
				failed = append(failed, pd)
			}
		case st.Staged:
			if err := w.emitStart(m, pub, tarname, members); err != nil {
				return err
			}
		default:
			pendingAggs = append(pendingAggs, tarname)
			pendingMembers = append(pendingMembers, members...)
		}
	}

	if len(pendingAggs) > 0 {
		prepareID, err := w.tape.Prepare(ctx, pendingAggs)
		if err != nil {
			return err
		}
		logger.InfoCtx(ctx, "requested tape staging",
			logger.KeyPrepareID, prepareID, "aggregates", len(pendingAggs))
		if err := w.emitPrepareCheck(m, pub, prepareID, pendingAggs, pendingMembers); err != nil {
			return err
		}
	}
	return pub.SendPathList(m, fabric.WorkerArchiveGet, fabric.StateFailed,
		failed, worker.ModeFailed, message.StateArchivePreparing)
}

// prepareCheck polls the outstanding prepare. Still pending re-emits
// itself with the same delay; completion fans the aggregates out to start.
func (w *GetWorker) prepareCheck(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	done, err := w.tape.PollPrepare(ctx, m.Data.PrepareID, m.Data.Tarfiles)
	if err != nil {
		return err
	}
	if !done {
		logger.DebugCtx(ctx, "tape staging still pending", logger.KeyPrepareID, m.Data.PrepareID)
		return w.emitPrepareCheck(m, pub, m.Data.PrepareID, m.Data.Tarfiles, m.Data.FileList)
	}

	groups, failed := w.groupByAggregate(m.Data.FileList)
	for tarname, members := range groups {
		if err := w.emitStart(m, pub, tarname, members); err != nil {
			return err
		}
	}
	return pub.SendPathList(m, fabric.WorkerArchiveGet, fabric.StateFailed,
		failed, worker.ModeFailed, message.StateArchivePreparing)
}

// emitStart fans one aggregate out to the extract state. The warm
// retrieval list rides on the first onward message only, so the join
// merges it exactly once however many aggregates the recall spans.
func (w *GetWorker) emitStart(m *message.Message, pub *worker.Publisher,
	tarname string, members []message.PathDetails) error {

	m.Data.Tarname = tarname
	err := pub.SendPathList(m, fabric.WorkerArchiveGet, fabric.StateStart,
		members, worker.ModeProcessed, message.StateArchivePreparing)
	m.Data.RetrievalList = nil
	return err
}

func (w *GetWorker) emitPrepareCheck(m *message.Message, pub *worker.Publisher,
	prepareID string, tarfiles []string, members []message.PathDetails) error {

	out := m.Copy()
	out.Data.PrepareID = prepareID
	out.Data.Tarfiles = tarfiles
	out.Data.FileList = members
	delay := time.Duration(w.cfg.PrepareRequeueMS) * time.Millisecond
	err := pub.Publish(out, fabric.WorkerArchiveGet, fabric.StatePrepareCheck,
		fabric.WithDelay(delay))
	m.Data.RetrievalList = nil
	return err
}

// readAggregate streams one staged aggregate from tape, extracting each
// requested member and uploading it under its empty object-store location.
func (w *GetWorker) readAggregate(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	store, err := w.connector.Connect(ctx, objectstore.Credentials{
		AccessKey: m.Details.AccessKey, SecretKey: m.Details.SecretKey,
	})
	if err != nil {
		return err
	}

	tarname := m.Data.Tarname
	raw, err := w.tape.Open(ctx, tarname)
	if err != nil {
		if errors.Is(err, tape.ErrNotStaged) {
			// The stage cache can evict between poll and read; go back
			// through prepare with back-off.
			return w.retryMembers(m, pub, err)
		}
		return w.retryMembers(m, pub, err)
	}
	defer raw.Close()

	// Want-list keyed by tar entry name.
	want := make(map[string]message.PathDetails)
	for _, pd := range m.Data.FileList {
		bucket, key, err := memberObject(&pd)
		if err != nil {
			continue
		}
		want[memberName(bucket, key)] = pd
	}

	sum := adler32.New()
	var src io.Reader = raw
	if w.cfg.QueryChecksum && m.Data.Checksum != "" {
		src = io.TeeReader(raw, sum)
	}

	var transferred, failed []message.PathDetails
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return w.retryMembers(m, pub, fmt.Errorf("aggregate %s corrupt: %w", tarname, err))
		}
		pd, ok := want[hdr.Name]
		if !ok {
			// Full-unpack recalls whole aggregates; unrequested members
			// are simply skipped.
			continue
		}
		delete(want, hdr.Name)

		bucket, key, _ := memberObject(&pd)
		if err := store.EnsureBucket(ctx, bucket); err != nil {
			return err
		}
		// Members stream straight from the tar reader; the entry size is
		// known from the header so the upload never buffers a member.
		if err := store.Put(ctx, bucket, key, tr, hdr.Size); err != nil {
			pd.Fail(fmt.Sprintf("failed to restore %s:%s: %s", bucket, key, err), w.cfg.MaxRetries)
			failed = append(failed, pd)
			continue
		}
		pd.ObjectName = bucket + ":" + key
		transferred = append(transferred, pd)
		metrics.File("archive-get", "completed")
	}

	// Members never seen in the stream.
	for _, pd := range want {
		pd.Fail(fmt.Sprintf("member %s missing from aggregate %s", pd.OriginalPath, tarname),
			w.cfg.MaxRetries)
		failed = append(failed, pd)
	}

	if w.cfg.QueryChecksum && m.Data.Checksum != "" {
		// Drain any tar padding past the last entry before comparing.
		if _, err := io.Copy(io.Discard, src); err == nil {
			got := fmt.Sprintf("%08x", sum.Sum32())
			if got != m.Data.Checksum {
				return w.retryMembers(m, pub,
					fmt.Errorf("aggregate %s checksum mismatch: got %s want %s",
						tarname, got, m.Data.Checksum))
			}
		}
	}

	logger.InfoCtx(ctx, "restored aggregate",
		logger.KeyTarname, tarname, logger.Count(len(transferred)), "failed", len(failed))
	if err := pub.SendPathList(m, fabric.WorkerArchiveGet, fabric.StateComplete,
		transferred, worker.ModeProcessed, message.StateArchiveGetting); err != nil {
		return err
	}
	if len(transferred) > 0 {
		// The complete message took the warm list to the join; the failed
		// message must not deliver it a second time.
		m.Data.RetrievalList = nil
	}
	return pub.SendPathList(m, fabric.WorkerArchiveGet, fabric.StateFailed,
		failed, worker.ModeFailed, message.StateArchiveGetting)
}

// retryMembers requeues the whole member list through prepare with
// back-off, failing permanently once retries exhaust.
func (w *GetWorker) retryMembers(m *message.Message, pub *worker.Publisher, cause error) error {
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
		return pub.SendPathList(m, fabric.WorkerArchiveGet, fabric.StateFailed,
			list, worker.ModeFailed, message.StateArchiveGetting)
	}
	metrics.Failed(w.cfg.QueueName)
	return pub.SendPathList(m, fabric.WorkerArchiveGet, fabric.StatePrepare,
		list, worker.ModeRetry, message.StateArchiveGetting)
}
