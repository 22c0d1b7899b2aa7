// Package router implements the marshaller that drives a transaction
// through its workflow. It is stateless: each inbound message is mapped to
// the next stage publication purely from the routing key and the envelope,
// so any number of replicas can run concurrently.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// DefaultQueueName is the marshaller's consuming queue.
const DefaultQueueName = "nlds_q"

// DefaultArchiveInterval is how often an archive-next cycle is started when
// the scheduler is enabled.
const DefaultArchiveInterval = time.Hour

// Config tunes the marshaller.
type Config struct {
	QueueName string `mapstructure:"queue_name"`
	// ArchiveInterval is the period between catalog-archive-next cycles;
	// zero disables the scheduler.
	ArchiveInterval time.Duration `mapstructure:"archive_interval"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = DefaultQueueName
	}
}

// Router is the marshaller stage.
type Router struct {
	cfg Config
}

// New builds a marshaller.
func New(cfg Config) *Router {
	cfg.ApplyDefaults()
	return &Router{cfg: cfg}
}

// Queue implements worker.Processor. The marshaller owns the api-rooted
// keyspace: entry points from the API plus every stage outcome.
func (r *Router) Queue() fabric.QueueSpec {
	return fabric.QueueSpec{
		Name:     r.cfg.QueueName,
		Prefetch: fabric.DefaultPrefetch,
		Bindings: []fabric.Binding{
			{RoutingKey: fabric.Key(fabric.Root, fabric.WorkerRoute, fabric.Wild)},
			{RoutingKey: fabric.Key(fabric.Root, fabric.Wild, fabric.StateComplete)},
			{RoutingKey: fabric.Key(fabric.Root, fabric.Wild, fabric.StateFailed)},
			{RoutingKey: fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateArchiveRestore)},
		},
	}
}

// Callback implements worker.Processor.
func (r *Router) Callback(ctx context.Context, key fabric.RoutingKey,
	m *message.Message, pub *worker.Publisher) error {

	if key.Worker == fabric.WorkerRoute {
		return r.route(ctx, key.State, m, pub)
	}
	switch key.State {
	case fabric.StateComplete:
		return r.complete(ctx, key.Worker, m, pub)
	case fabric.StateFailed:
		return r.failed(ctx, key.Worker, m, pub)
	case fabric.StateArchiveRestore:
		if key.Worker == fabric.WorkerCatalogGet {
			return r.archiveRestore(ctx, m, pub)
		}
	}
	return fmt.Errorf("no transition for routing key %s", key)
}

// route dispatches a fresh API request. The state segment of a route key
// carries the api action.
func (r *Router) route(ctx context.Context, action string, m *message.Message, pub *worker.Publisher) error {
	logger.InfoCtx(ctx, "routing new request", logger.KeyAPIAction, action,
		logger.Count(len(m.Data.FileList)))
	switch action {
	case fabric.ActionPut, fabric.ActionPutList:
		return r.enter(m, pub, fabric.WorkerIndex, fabric.StateInit)
	case fabric.ActionGet, fabric.ActionGetList:
		return r.enter(m, pub, fabric.WorkerCatalogGet, fabric.StateStart)
	case fabric.ActionDel, fabric.ActionDelList:
		return r.enter(m, pub, fabric.WorkerCatalogDel, fabric.StateStart)
	}
	return fmt.Errorf("unroutable api action %q", action)
}

// enter admits a request into its workflow. Requests addressing a holding
// by label or id carry no filelist; they are forwarded whole.
func (r *Router) enter(m *message.Message, pub *worker.Publisher, wk, state string) error {
	if len(m.Data.FileList) == 0 {
		out := m.Copy()
		out.Details.State = message.StateRouting
		return pub.Publish(out, wk, state)
	}
	return pub.SendPathList(m, wk, state,
		m.Data.FileList, worker.ModeProcessed, message.StateRouting)
}

// complete advances a sub-transaction past a finished stage.
func (r *Router) complete(ctx context.Context, wk string, m *message.Message, pub *worker.Publisher) error {
	switch wk {
	case fabric.WorkerIndex:
		return pub.SendPathList(m, fabric.WorkerCatalogPut, fabric.StateStart,
			m.Data.FileList, worker.ModeProcessed, message.StateCatalogPutting)
	case fabric.WorkerCatalogPut:
		return pub.SendPathList(m, fabric.WorkerTransferPut, fabric.StateInit,
			m.Data.FileList, worker.ModeProcessed, message.StateTransferPutting)
	case fabric.WorkerTransferPut:
		return pub.SendPathList(m, fabric.WorkerCatalogUpdate, fabric.StateStart,
			m.Data.FileList, worker.ModeProcessed, message.StateCatalogUpdating)
	case fabric.WorkerCatalogGet:
		// Every requested file was warm; no recall to wait for.
		return pub.SendPathList(m, fabric.WorkerTransferGet, fabric.StateInit,
			m.Data.FileList, worker.ModeProcessed, message.StateTransferInit)
	case fabric.WorkerArchiveGet:
		return r.archiveGetComplete(ctx, m, pub)
	case fabric.WorkerCatalogArchiveNext:
		return pub.SendPathList(m, fabric.WorkerArchivePut, fabric.StateInit,
			m.Data.FileList, worker.ModeProcessed, message.StateArchiveInit)
	case fabric.WorkerArchivePut:
		return pub.SendPathList(m, fabric.WorkerCatalogArchiveUpdate, fabric.StateStart,
			m.Data.FileList, worker.ModeProcessed, message.StateCatalogArchiveUpdating)
	case fabric.WorkerTransferGet, fabric.WorkerCatalogUpdate, fabric.WorkerCatalogDel,
		fabric.WorkerCatalogRemove, fabric.WorkerCatalogArchiveUpdate, fabric.WorkerCatalogArchiveDel:
		return r.finish(ctx, m, pub)
	}
	return fmt.Errorf("no transition for %s.complete", wk)
}

// failed handles the stage failures that need compensation; everything else
// was already recorded by the failing stage's monitor mirror.
func (r *Router) failed(ctx context.Context, wk string, m *message.Message, pub *worker.Publisher) error {
	switch wk {
	case fabric.WorkerTransferPut:
		// The upload never happened; remove the provisional catalog entry.
		return pub.SendPathList(m, fabric.WorkerCatalogDel, fabric.StateStart,
			m.Data.FileList, worker.ModeProcessed, message.StateCatalogDeleting)
	case fabric.WorkerArchiveGet:
		// The recall failed; strip the empty object-store markers so the
		// next get can schedule a fresh one. Warm files riding on the
		// message are still retrievable and go to transfer on their own.
		warm := m.Data.RetrievalList
		m.Data.RetrievalList = nil
		if err := pub.SendPathList(m, fabric.WorkerCatalogRemove, fabric.StateStart,
			m.Data.FileList, worker.ModeProcessed, message.StateCatalogRemoving); err != nil {
			return err
		}
		return pub.SendPathList(m, fabric.WorkerTransferGet, fabric.StateInit,
			warm, worker.ModeProcessed, message.StateTransferInit)
	case fabric.WorkerArchivePut:
		return pub.SendPathList(m, fabric.WorkerCatalogArchiveDel, fabric.StateStart,
			m.Data.FileList, worker.ModeProcessed, message.StateCatalogRemoving)
	}
	logger.DebugCtx(ctx, "terminal stage failure, no compensation", "worker", wk)
	return nil
}

// archiveRestore forwards the cold portion of a get to the recall machine.
// The warm portion rides along in the retrieval filelist until the recall
// completes.
func (r *Router) archiveRestore(_ context.Context, m *message.Message, pub *worker.Publisher) error {
	return pub.SendPathList(m, fabric.WorkerArchiveGet, fabric.StatePrepare,
		m.Data.FileList, worker.ModeProcessed, message.StateArchivePreparing)
}

// archiveGetComplete is the join point of a mixed warm/cold get: the
// recalled files need their empty object-store locations filled, then both
// halves move to transfer-get together.
func (r *Router) archiveGetComplete(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	recalled := m.Data.FileList
	warm := m.Data.RetrievalList
	m.Data.RetrievalList = nil

	if err := pub.SendPathList(m, fabric.WorkerCatalogUpdate, fabric.StateStart,
		recalled, worker.ModeProcessed, message.StateCatalogUpdating); err != nil {
		return err
	}
	merged := append(append([]message.PathDetails(nil), recalled...), warm...)
	logger.InfoCtx(ctx, "recall complete, resuming retrieval",
		"recalled", len(recalled), "warm", len(warm))
	return pub.SendPathList(m, fabric.WorkerTransferGet, fabric.StateInit,
		merged, worker.ModeProcessed, message.StateTransferInit)
}

// finish records workflow completion with the monitor.
func (r *Router) finish(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	logger.InfoCtx(ctx, "workflow complete")
	out := m.Copy()
	out.Details.State = message.StateComplete
	return pub.Publish(out, fabric.WorkerMonitorPut, fabric.StateStart)
}

// ArchiveScheduler periodically starts a catalog-archive-next cycle, which
// walks unarchived holdings onto tape one per message.
type ArchiveScheduler struct {
	Broker   *fabric.Broker
	Interval time.Duration
}

// Run ticks until ctx is cancelled.
func (s *ArchiveScheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval == 0 {
		interval = DefaultArchiveInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.Kick(); err != nil {
				logger.Warn("failed to start archive cycle", logger.Err(err))
			}
		}
	}
}

// Kick publishes one archive-next trigger.
func (s *ArchiveScheduler) Kick() error {
	m := &message.Message{}
	m.Details.TransactionID = uuid.NewString()
	m.Details.User = "nlds"
	m.Details.Group = "nlds"
	m.Details.APIAction = "archive-next"
	m.Details.State = message.StateArchiveInit
	body, err := m.Marshal()
	if err != nil {
		return err
	}
	return s.Broker.Publish(fabric.Key(fabric.Root, fabric.WorkerCatalogArchiveNext, fabric.StateStart), body)
}
