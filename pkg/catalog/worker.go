package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/auth"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/tape"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// DefaultQueueName is the catalog work queue.
const DefaultQueueName = "catalog_q"

// Config tunes the catalog worker.
type Config struct {
	QueueName      string `mapstructure:"queue_name"`
	DefaultTenancy string `mapstructure:"default_tenancy"`
	DefaultTapeURL string `mapstructure:"default_tape_url"`
	// FullUnpack recalls every member of an aggregation when any one member
	// is requested, amortising the tape mount.
	FullUnpack bool `mapstructure:"full_unpack"`
	MaxRetries int  `mapstructure:"max_retries"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = DefaultQueueName
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = worker.DefaultMaxRetries
	}
}

// Worker serialises every catalog mutation through a single prefetch=1
// queue, so operations on one holding never race.
type Worker struct {
	cat  *Catalog
	auth auth.Authenticator
	cfg  Config
}

// NewWorker builds the catalog stage.
func NewWorker(cat *Catalog, authn auth.Authenticator, cfg Config) *Worker {
	cfg.ApplyDefaults()
	if authn == nil {
		authn = auth.Permissive{}
	}
	return &Worker{cat: cat, auth: authn, cfg: cfg}
}

// Queue implements worker.Processor.
func (w *Worker) Queue() fabric.QueueSpec {
	workers := []string{
		fabric.WorkerCatalogPut, fabric.WorkerCatalogGet,
		fabric.WorkerCatalogDel, fabric.WorkerCatalogUpdate,
		fabric.WorkerCatalogRemove, fabric.WorkerCatalogArchiveNext,
		fabric.WorkerCatalogArchiveUpdate, fabric.WorkerCatalogArchiveDel,
	}
	spec := fabric.QueueSpec{Name: w.cfg.QueueName, Prefetch: fabric.DefaultPrefetch}
	for _, wk := range workers {
		spec.Bindings = append(spec.Bindings, fabric.Binding{
			RoutingKey: fabric.Key(fabric.Wild, wk, fabric.StateStart),
		})
	}
	return spec
}

// Callback implements worker.Processor.
func (w *Worker) Callback(ctx context.Context, key fabric.RoutingKey,
	m *message.Message, pub *worker.Publisher) error {

	switch key.Worker {
	case fabric.WorkerCatalogPut:
		return w.catalogPut(ctx, m, pub)
	case fabric.WorkerCatalogGet:
		return w.catalogGet(ctx, m, pub)
	case fabric.WorkerCatalogDel:
		return w.catalogDel(ctx, m, pub)
	case fabric.WorkerCatalogUpdate:
		return w.catalogUpdate(ctx, m, pub)
	case fabric.WorkerCatalogRemove:
		return w.catalogRemove(ctx, m, pub)
	case fabric.WorkerCatalogArchiveNext:
		return w.catalogArchiveNext(ctx, m, pub)
	case fabric.WorkerCatalogArchiveUpdate:
		return w.catalogArchiveUpdate(ctx, m, pub)
	case fabric.WorkerCatalogArchiveDel:
		return w.catalogArchiveDel(ctx, m, pub)
	}
	return fmt.Errorf("unexpected worker segment %q on catalog queue", key.Worker)
}

// holdingQuery scopes catalog resolution to the caller.
func (w *Worker) holdingQuery(m *message.Message) HoldingQuery {
	return HoldingQuery{
		User:     m.Details.User,
		Group:    m.Details.Group,
		GroupAll: m.Details.GroupAll,
		Label:    m.Meta.Label,
		ID:       m.Meta.HoldingID,
		Tags:     m.Meta.Tags,
	}
}

func (w *Worker) tenancy(m *message.Message) string {
	if m.Details.Tenancy != "" {
		return m.Details.Tenancy
	}
	return w.cfg.DefaultTenancy
}

// defaultLabel is the holding label used when the caller supplies none.
func defaultLabel(transactionID string) string {
	if len(transactionID) > 8 {
		return transactionID[:8]
	}
	return transactionID
}

// catalogPut records each path provisionally, creating the holding and
// transaction on first sight. Duplicate paths within a holding fail without
// retry.
func (w *Worker) catalogPut(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	label := m.Meta.Label
	if label == "" {
		label = defaultLabel(m.Details.TransactionID)
	}

	holding, err := w.cat.GetHolding(m.Details.User, label)
	if errors.Is(err, ErrHoldingNotFound) {
		holding, err = w.cat.CreateHolding(m.Details.User, m.Details.Group, label, m.Meta.Tags)
	}
	if err != nil {
		return err
	}

	var total int64
	for i := range m.Data.FileList {
		total += m.Data.FileList[i].Size
	}
	if err := w.cat.CheckQuota(m.Details.Group, total); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			failed := append([]message.PathDetails(nil), m.Data.FileList...)
			for i := range failed {
				failed[i].Fail(err.Error(), w.cfg.MaxRetries)
			}
			return pub.SendPathList(m, fabric.WorkerCatalogPut, fabric.StateFailed,
				failed, worker.ModeFailed, message.StateCatalogPutting)
		}
		return err
	}

	txn, err := w.cat.GetTransaction(holding.ID, m.Details.TransactionID)
	if err != nil {
		txn, err = w.cat.CreateTransaction(holding.ID, m.Details.TransactionID)
		if err != nil {
			return err
		}
	}

	var completed, failed []message.PathDetails
	for _, pd := range m.Data.FileList {
		exists, err := w.cat.FileExistsInHolding(holding.ID, pd.OriginalPath)
		if err != nil {
			return err
		}
		if exists {
			pd.Fail(fmt.Sprintf("file %s already exists in holding %s",
				pd.OriginalPath, holding.Label), w.cfg.MaxRetries)
			failed = append(failed, pd)
			continue
		}
		if _, err := w.cat.CreateFile(txn.ID, &pd); err != nil {
			return err
		}
		if err := w.cat.AddUsage(m.Details.Group, pd.Size); err != nil {
			return err
		}
		completed = append(completed, pd)
	}

	logger.InfoCtx(ctx, "catalogued put batch",
		logger.KeyHoldingID, holding.ID, logger.KeyLabel, holding.Label,
		logger.Count(len(completed)), "failed", len(failed))

	if err := pub.SendPathList(m, fabric.WorkerCatalogPut, fabric.StateComplete,
		completed, worker.ModeProcessed, message.StateCatalogPutting); err != nil {
		return err
	}
	return pub.SendPathList(m, fabric.WorkerCatalogPut, fabric.StateFailed,
		failed, worker.ModeFailed, message.StateCatalogPutting)
}

// catalogGet resolves each requested file to a tier. Warm hits go straight
// to transfer; tape-only files get an empty object-store location as a
// recall marker and go to archive-get via the reroute.
func (w *Worker) catalogGet(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	files, failed, err := w.resolveRequest(m)
	if err != nil {
		return err
	}

	var transferList, archiveList, waiting []message.PathDetails
	recalled := make(map[uint]bool)
	for _, f := range files {
		holding, err := w.cat.HoldingOfFile(&f)
		if err != nil {
			return err
		}
		if holding.Group != m.Details.Group {
			pd := w.fileToPathDetails(&f)
			pd.Fail("permission denied: group mismatch", w.cfg.MaxRetries)
			failed = append(failed, pd)
			continue
		}

		switch w.classify(&f) {
		case tierObject:
			transferList = append(transferList, w.fileToPathDetails(&f))
		case tierTape:
			pds, err := w.scheduleRecall(ctx, &f, m, recalled)
			if err != nil {
				return err
			}
			archiveList = append(archiveList, pds...)
		case tierRecallPending:
			// A recall is already in flight for this file. Re-attempt the
			// get after a back-off instead of scheduling a second restore.
			pd := w.fileToPathDetails(&f)
			pd.Retries.Increment(fmt.Sprintf(
				"recall of %s already in flight", f.OriginalPath))
			if pd.Retries.Count >= w.cfg.MaxRetries {
				pd.FailureReason = pd.Retries.Reasons[len(pd.Retries.Reasons)-1]
				failed = append(failed, pd)
			} else {
				waiting = append(waiting, pd)
			}
		default:
			pd := w.fileToPathDetails(&f)
			pd.Fail("file has no location on any storage tier", w.cfg.MaxRetries)
			failed = append(failed, pd)
		}
	}

	if len(archiveList) > 0 {
		// Warm hits ride along on the restore message; the router merges
		// them back once the recall completes.
		m.Data.RetrievalList = transferList
		if err := pub.SendPathList(m, fabric.WorkerCatalogGet, fabric.StateArchiveRestore,
			archiveList, worker.ModeProcessed, message.StateCatalogGetting); err != nil {
			return err
		}
	} else if err := pub.SendPathList(m, fabric.WorkerCatalogGet, fabric.StateComplete,
		transferList, worker.ModeProcessed, message.StateCatalogGetting); err != nil {
		return err
	}
	if err := pub.SendPathList(m, fabric.WorkerCatalogGet, fabric.StateStart,
		waiting, worker.ModeRetry, message.StateCatalogGetting); err != nil {
		return err
	}
	return pub.SendPathList(m, fabric.WorkerCatalogGet, fabric.StateFailed,
		failed, worker.ModeFailed, message.StateCatalogGetting)
}

// tier is the retrieval route classify assigns a file.
type tier int

const (
	tierNone tier = iota
	tierObject
	tierTape
	// tierRecallPending marks a file whose object-store location is the
	// empty marker: another get already scheduled its recall.
	tierRecallPending
)

// classify reports which tier serves the file: object store if a filled
// location exists, tape if only a tape copy exists, none if unretrievable.
func (w *Worker) classify(f *File) tier {
	var pending, hasTape bool
	for _, loc := range f.Locations {
		switch loc.StorageType {
		case message.StorageObject:
			if loc.Path != "" {
				return tierObject
			}
			pending = true
		case message.StorageTape:
			hasTape = true
		}
	}
	switch {
	case pending:
		return tierRecallPending
	case hasTape:
		return tierTape
	}
	return tierNone
}

// scheduleRecall creates the empty object-store marker for a tape-only file
// (and, in full-unpack mode, every sibling in its aggregation) before the
// reroute is published, so a concurrent get cannot schedule a second recall.
func (w *Worker) scheduleRecall(ctx context.Context, f *File, m *message.Message,
	recalled map[uint]bool) ([]message.PathDetails, error) {

	members := []File{*f}
	if w.cfg.FullUnpack {
		if aggID := w.aggregationOf(f); aggID != 0 {
			all, err := w.cat.AggregationFiles(aggID)
			if err != nil {
				return nil, err
			}
			members = all
			logger.DebugCtx(ctx, "full unpack widened recall",
				logger.KeyAggregation, aggID, logger.Count(len(all)))
		}
	}

	var out []message.PathDetails
	for i := range members {
		mem := &members[i]
		// Members with any object-store location are skipped: a filled one
		// is warm already, an empty one is a recall another get owns.
		if recalled[mem.ID] || hasLocation(mem, message.StorageObject) {
			continue
		}
		recalled[mem.ID] = true
		bucket, err := w.bucketOf(mem)
		if err != nil {
			return nil, err
		}
		_, err = w.cat.CreateLocation(mem.ID, Location{
			StorageType: message.StorageObject,
			URLScheme:   "http",
			URLNetloc:   w.tenancy(m),
			Root:        bucket,
		})
		if err != nil && !errors.Is(err, ErrLocationExists) {
			return nil, err
		}
		out = append(out, w.fileToPathDetails(mem))
	}
	return out, nil
}

func (w *Worker) aggregationOf(f *File) uint {
	for _, loc := range f.Locations {
		if loc.StorageType == message.StorageTape && loc.AggregationID != nil {
			return *loc.AggregationID
		}
	}
	return 0
}

func hasLocation(f *File, storageType string) bool {
	for _, loc := range f.Locations {
		if loc.StorageType == storageType {
			return true
		}
	}
	return false
}

// bucketOf derives the per-transaction bucket a file's objects live in.
func (w *Worker) bucketOf(f *File) (string, error) {
	var t Transaction
	if err := w.cat.DB().First(&t, f.TransactionID).Error; err != nil {
		return "", fmt.Errorf("failed to resolve transaction of file %d: %w", f.ID, err)
	}
	return message.ObjectBucket(t.TransactionID), nil
}

// resolveRequest turns the inbound filelist (or holding-level request) into
// catalogued files. Unresolvable paths land on the failed list. Put
// workflows narrow to the rows their own ingest created, so failure
// compensation cannot reach a same-named file in another holding; get and
// del workflows resolve across the caller's holdings, their uuid names the
// retrieval request.
func (w *Worker) resolveRequest(m *message.Message) ([]File, []message.PathDetails, error) {
	base := w.fileQueryFor(m)
	if len(m.Data.FileList) == 0 {
		files, err := w.cat.FindFiles(base)
		if errors.Is(err, ErrHoldingNotFound) || errors.Is(err, ErrFileNotFound) {
			return nil, nil, fmt.Errorf("no files resolved for holding query: %w", err)
		}
		return files, nil, err
	}

	var (
		files  []File
		failed []message.PathDetails
	)
	for _, pd := range m.Data.FileList {
		q := base
		q.OriginalPath = pd.OriginalPath
		matches, err := w.cat.FindFiles(q)
		if errors.Is(err, ErrFileNotFound) || errors.Is(err, ErrHoldingNotFound) {
			pd.Fail(fmt.Sprintf("file %s not found in catalog", pd.OriginalPath), w.cfg.MaxRetries)
			failed = append(failed, pd)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		files = append(files, matches...)
	}
	return files, failed, nil
}

// fileToPathDetails rebuilds the in-flight representation from the stored
// row, locations included.
func (w *Worker) fileToPathDetails(f *File) message.PathDetails {
	pd := message.PathDetails{
		OriginalPath: f.OriginalPath,
		PathType:     message.ParsePathType(f.PathType),
		LinkPath:     f.LinkPath,
		Size:         f.Size,
		User:         f.User,
		Group:        f.Group,
		Permissions:  f.FilePermissions,
	}
	for _, loc := range f.Locations {
		pl := message.PathLocation{
			StorageType: loc.StorageType,
			URLScheme:   loc.URLScheme,
			URLNetloc:   loc.URLNetloc,
			Root:        loc.Root,
			Path:        loc.Path,
			AccessTime:  loc.AccessTime,
		}
		if loc.AggregationID != nil {
			pl.AggregationID = *loc.AggregationID
		}
		_ = pd.Locations.Add(pl)
		if loc.StorageType == message.StorageObject {
			pd.ObjectName = loc.Root + ":" + loc.Path
			pd.AccessTime = loc.AccessTime
		}
	}
	return pd
}

// catalogUpdate attaches (or fills) the object-store location after a
// successful transfer or recall.
func (w *Worker) catalogUpdate(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	var completed, retry, failed []message.PathDetails
	now := float64(time.Now().Unix())

	for _, pd := range m.Data.FileList {
		f, err := w.findOne(m, pd.OriginalPath)
		if err != nil {
			if errors.Is(err, ErrFileNotFound) || errors.Is(err, ErrHoldingNotFound) {
				pd.Retries.Increment(fmt.Sprintf("file %s not yet catalogued", pd.OriginalPath))
				if pd.Retries.Count >= w.cfg.MaxRetries {
					pd.FailureReason = pd.Retries.Reasons[len(pd.Retries.Reasons)-1]
					failed = append(failed, pd)
				} else {
					retry = append(retry, pd)
				}
				continue
			}
			return err
		}

		bucket, key := splitObjectName(pd.ObjectName)
		loc, err := w.cat.GetLocation(f.ID, message.StorageObject)
		switch {
		case errors.Is(err, ErrLocationNotFound):
			_, err = w.cat.CreateLocation(f.ID, Location{
				StorageType: message.StorageObject,
				URLScheme:   "http",
				URLNetloc:   w.tenancy(m),
				Root:        bucket,
				Path:        key,
				AccessTime:  now,
			})
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			// Fill the recall marker, or re-stamp access time on replay.
			loc.Path = key
			if loc.Root == "" {
				loc.Root = bucket
			}
			loc.AccessTime = now
			if err := w.cat.UpdateLocation(loc); err != nil {
				return err
			}
		}
		completed = append(completed, pd)
	}

	if err := pub.SendPathList(m, fabric.WorkerCatalogUpdate, fabric.StateComplete,
		completed, worker.ModeProcessed, message.StateCatalogUpdating); err != nil {
		return err
	}
	if err := pub.SendPathList(m, fabric.WorkerCatalogUpdate, fabric.StateStart,
		retry, worker.ModeRetry, message.StateCatalogUpdating); err != nil {
		return err
	}
	return pub.SendPathList(m, fabric.WorkerCatalogUpdate, fabric.StateFailed,
		failed, worker.ModeFailed, message.StateCatalogUpdating)
}

// catalogDel removes file rows, compensating a failed transfer-put or
// serving a user delete. Deleting another user's files needs a deputy or
// manager role within the holding's group.
func (w *Worker) catalogDel(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	files, failed, err := w.resolveRequest(m)
	if err != nil {
		return err
	}

	var completed []message.PathDetails
	for _, f := range files {
		holding, err := w.cat.HoldingOfFile(&f)
		if err != nil {
			return err
		}
		if err := w.mayDelete(ctx, holding, m.Details); err != nil {
			pd := w.fileToPathDetails(&f)
			pd.Fail(err.Error(), w.cfg.MaxRetries)
			failed = append(failed, pd)
			continue
		}
		pd := w.fileToPathDetails(&f)
		if err := w.cat.DeleteFile(f.ID); err != nil {
			return err
		}
		if err := w.cat.AddUsage(holding.Group, -f.Size); err != nil {
			return err
		}
		completed = append(completed, pd)
	}

	logger.InfoCtx(ctx, "deleted catalogue entries", logger.Count(len(completed)))
	if err := pub.SendPathList(m, fabric.WorkerCatalogDel, fabric.StateComplete,
		completed, worker.ModeProcessed, message.StateCatalogDeleting); err != nil {
		return err
	}
	return pub.SendPathList(m, fabric.WorkerCatalogDel, fabric.StateFailed,
		failed, worker.ModeFailed, message.StateCatalogDeleting)
}

func (w *Worker) mayDelete(ctx context.Context, h *Holding, d message.Details) error {
	if h.Group != d.Group {
		return fmt.Errorf("%w: group mismatch", ErrPermission)
	}
	if h.User == d.User {
		return nil
	}
	role, err := w.auth.UserRole(ctx, d.User, d.Group)
	if err != nil {
		return err
	}
	if role != auth.RoleDeputy && role != auth.RoleManager {
		return fmt.Errorf("%w: deleting another user's files requires deputy or manager role",
			ErrPermission)
	}
	return nil
}

// catalogRemove strips the empty object-store markers after a failed
// recall, so the next get can schedule a fresh one.
func (w *Worker) catalogRemove(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	return w.stripLocations(ctx, m, pub, fabric.WorkerCatalogRemove,
		message.StorageObject, message.StateCatalogRemoving)
}

// catalogArchiveDel strips the empty tape markers after a failed
// archive-put, so the next aggregation cycle retries those files.
func (w *Worker) catalogArchiveDel(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	return w.stripLocations(ctx, m, pub, fabric.WorkerCatalogArchiveDel,
		message.StorageTape, message.StateCatalogRemoving)
}

func (w *Worker) stripLocations(ctx context.Context, m *message.Message,
	pub *worker.Publisher, wk, storageType string, st message.State) error {

	var completed, failed []message.PathDetails
	for _, pd := range m.Data.FileList {
		f, err := w.findOne(m, pd.OriginalPath)
		if err != nil {
			if errors.Is(err, ErrFileNotFound) || errors.Is(err, ErrHoldingNotFound) {
				failed = append(failed, pd)
				continue
			}
			return err
		}
		if err := w.cat.DeleteLocation(f.ID, storageType); err != nil {
			return err
		}
		completed = append(completed, pd)
	}

	logger.InfoCtx(ctx, "stripped locations",
		"storage_type", storageType, logger.Count(len(completed)))
	if err := pub.SendPathList(m, wk, fabric.StateComplete,
		completed, worker.ModeProcessed, st); err != nil {
		return err
	}
	return pub.SendPathList(m, wk, fabric.StateFailed,
		failed, worker.ModeFailed, st)
}

// catalogArchiveNext picks the oldest holding with unarchived files and
// emits them as the next aggregation candidate set, marking each with an
// empty tape location so a second pass cannot double-archive.
func (w *Worker) catalogArchiveNext(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	holding, files, err := w.cat.NextUnarchivedHolding()
	if errors.Is(err, ErrNothingToArchive) {
		logger.InfoCtx(ctx, "archive scan found nothing to aggregate")
		return nil
	}
	if err != nil {
		return err
	}

	tapeURL := m.Details.TapeURL
	if tapeURL == "" {
		tapeURL = w.cfg.DefaultTapeURL
	}
	scheme, netloc, root, err := tape.SplitURL(tapeURL)
	if err != nil {
		return err
	}

	var candidates []message.PathDetails
	for i := range files {
		f := &files[i]
		_, err := w.cat.CreateLocation(f.ID, Location{
			StorageType: message.StorageTape,
			URLScheme:   scheme,
			URLNetloc:   netloc,
			Root:        root,
		})
		if err != nil && !errors.Is(err, ErrLocationExists) {
			return err
		}
		candidates = append(candidates, w.fileToPathDetails(f))
	}

	// The candidate set flows onward as the holding owner's workflow.
	m.Details.User = holding.User
	m.Details.Group = holding.Group
	m.Details.TapeURL = tapeURL
	if m.Details.Tenancy == "" {
		m.Details.Tenancy = w.cfg.DefaultTenancy
	}
	m.Meta.HoldingID = holding.ID
	m.Meta.Label = holding.Label

	logger.InfoCtx(ctx, "selected holding for archival",
		logger.KeyHoldingID, holding.ID, logger.KeyLabel, holding.Label,
		logger.Count(len(candidates)))
	return pub.SendPathList(m, fabric.WorkerCatalogArchiveNext, fabric.StateComplete,
		candidates, worker.ModeProcessed, message.StateArchiveInit)
}

// catalogArchiveUpdate records a written aggregation: the tarname and
// checksum on an Aggregation row, and the tape path on each member's
// location. A redelivered message reuses the row its first delivery
// created.
func (w *Worker) catalogArchiveUpdate(ctx context.Context, m *message.Message, pub *worker.Publisher) error {
	agg, err := w.cat.GetAggregationByTarname(m.Data.Tarname)
	if errors.Is(err, ErrAggregationNotFound) {
		agg, err = w.cat.CreateAggregation(m.Data.Tarname, m.Data.Checksum, m.Data.Algorithm)
	}
	if err != nil {
		return err
	}

	var completed, failed []message.PathDetails
	for _, pd := range m.Data.FileList {
		f, err := w.findOne(m, pd.OriginalPath)
		if err != nil {
			if errors.Is(err, ErrFileNotFound) || errors.Is(err, ErrHoldingNotFound) {
				pd.Fail(fmt.Sprintf("file %s not found in catalog", pd.OriginalPath), w.cfg.MaxRetries)
				failed = append(failed, pd)
				continue
			}
			return err
		}
		loc, err := w.cat.GetLocation(f.ID, message.StorageTape)
		if err != nil {
			return err
		}
		if tl, ok := pd.Locations.Get(message.StorageTape); ok {
			loc.URLScheme = tl.URLScheme
			loc.URLNetloc = tl.URLNetloc
			loc.Root = tl.Root
			loc.Path = tl.Path
		} else {
			loc.Path = m.Data.Tarname
		}
		loc.AggregationID = &agg.ID
		if err := w.cat.UpdateLocation(loc); err != nil {
			return err
		}
		completed = append(completed, pd)
	}

	logger.InfoCtx(ctx, "recorded aggregation",
		logger.KeyAggregation, agg.ID, logger.KeyTarname, m.Data.Tarname,
		logger.Count(len(completed)))
	if err := pub.SendPathList(m, fabric.WorkerCatalogArchiveUpdate, fabric.StateComplete,
		completed, worker.ModeProcessed, message.StateCatalogArchiveUpdating); err != nil {
		return err
	}
	return pub.SendPathList(m, fabric.WorkerCatalogArchiveUpdate, fabric.StateFailed,
		failed, worker.ModeFailed, message.StateCatalogArchiveUpdating)
}

// fileQueryFor scopes file resolution to the caller. Put workflows narrow
// by the ingest transaction uuid; get workflows cannot, their uuid belongs
// to the retrieval request.
func (w *Worker) fileQueryFor(m *message.Message) FileQuery {
	q := FileQuery{Holding: w.holdingQuery(m)}
	switch m.Details.APIAction {
	case fabric.ActionPut, fabric.ActionPutList:
		q.TransactionID = m.Details.TransactionID
	}
	return q
}

// findOne resolves one catalogued file for a path.
func (w *Worker) findOne(m *message.Message, originalPath string) (*File, error) {
	q := w.fileQueryFor(m)
	q.OriginalPath = originalPath
	files, err := w.cat.FindFiles(q)
	if err != nil {
		return nil, err
	}
	return &files[0], nil
}

func splitObjectName(objectName string) (bucket, key string) {
	if i := strings.IndexByte(objectName, ':'); i >= 0 {
		return objectName[:i], objectName[i+1:]
	}
	return "", objectName
}

// HoldingRecord is the RPC list response item.
type HoldingRecord struct {
	ID           uint              `json:"id"`
	Label        string            `json:"label"`
	User         string            `json:"user"`
	Group        string            `json:"group"`
	Tags         map[string]string `json:"tags,omitempty"`
	Transactions []string          `json:"transactions,omitempty"`
}

// FileRecord is the RPC find response item.
type FileRecord struct {
	OriginalPath string     `json:"original_path"`
	PathType     string     `json:"path_type"`
	Size         int64      `json:"size"`
	User         uint32     `json:"user"`
	Group        uint32     `json:"group"`
	Permissions  uint32     `json:"permissions"`
	Locations    []Location `json:"locations,omitempty"`
}

// HandleRPC implements worker.RPCHandler for the synchronous query surface:
// list holdings, find files and amend holding metadata.
func (w *Worker) HandleRPC(ctx context.Context, _ fabric.RoutingKey,
	m *message.Message) ([]byte, error) {

	switch m.Details.APIAction {
	case fabric.ActionList:
		return w.rpcList(m)
	case fabric.ActionFind:
		return w.rpcFind(m)
	case fabric.ActionMeta:
		return w.rpcMeta(m)
	case fabric.ActionQuota:
		return w.rpcQuota(m)
	}
	return nil, fmt.Errorf("unsupported rpc action %q on catalog queue", m.Details.APIAction)
}

// rpcQuota reports the caller's group allowance and usage.
func (w *Worker) rpcQuota(m *message.Message) ([]byte, error) {
	q, err := w.cat.GetQuota(m.Details.Group)
	if err != nil {
		return nil, err
	}
	resp := map[string]any{
		"user":  m.Details.User,
		"group": m.Details.Group,
	}
	if q == nil {
		resp["quota"] = nil
	} else {
		resp["quota"] = map[string]int64{"size": q.Size, "used": q.Used}
	}
	return json.Marshal(resp)
}

func (w *Worker) rpcList(m *message.Message) ([]byte, error) {
	holdings, err := w.cat.GetHoldings(w.holdingQuery(m))
	if err != nil && !errors.Is(err, ErrHoldingNotFound) {
		return nil, err
	}
	records := make([]HoldingRecord, 0, len(holdings))
	for i := range holdings {
		records = append(records, w.holdingRecord(&holdings[i]))
	}
	return json.Marshal(map[string]any{
		"user":     m.Details.User,
		"group":    m.Details.Group,
		"holdings": records,
	})
}

func (w *Worker) holdingRecord(h *Holding) HoldingRecord {
	rec := HoldingRecord{
		ID: h.ID, Label: h.Label, User: h.User, Group: h.Group, Tags: h.TagMap(),
	}
	var txns []Transaction
	if err := w.cat.DB().Where(map[string]any{"holding_id": h.ID}).Find(&txns).Error; err == nil {
		for _, t := range txns {
			rec.Transactions = append(rec.Transactions, t.TransactionID)
		}
	}
	return rec
}

func (w *Worker) rpcFind(m *message.Message) ([]byte, error) {
	q := FileQuery{Holding: w.holdingQuery(m)}
	if len(m.Data.FileList) > 0 {
		q.OriginalPath = m.Data.FileList[0].OriginalPath
	}
	files, err := w.cat.FindFiles(q)
	if err != nil && !errors.Is(err, ErrFileNotFound) && !errors.Is(err, ErrHoldingNotFound) {
		return nil, err
	}
	records := make([]FileRecord, 0, len(files))
	for _, f := range files {
		records = append(records, FileRecord{
			OriginalPath: f.OriginalPath,
			PathType:     f.PathType,
			Size:         f.Size,
			User:         f.User,
			Group:        f.Group,
			Permissions:  f.FilePermissions,
			Locations:    f.Locations,
		})
	}
	return json.Marshal(map[string]any{
		"user":  m.Details.User,
		"group": m.Details.Group,
		"files": records,
	})
}

// rpcMeta amends a holding's label and tags in place.
func (w *Worker) rpcMeta(m *message.Message) ([]byte, error) {
	holdings, err := w.cat.GetHoldings(w.holdingQuery(m))
	if err != nil {
		return nil, err
	}
	updated := make([]HoldingRecord, 0, len(holdings))
	for i := range holdings {
		h := &holdings[i]
		if m.Meta.NewLabel != "" {
			if err := w.cat.RelabelHolding(h.ID, m.Meta.NewLabel); err != nil {
				return nil, err
			}
			h.Label = m.Meta.NewLabel
		}
		for k, v := range m.Meta.NewTags {
			if err := w.cat.SetTag(h.ID, k, v); err != nil {
				return nil, err
			}
		}
		for k := range m.Meta.DelTags {
			if err := w.cat.DeleteTag(h.ID, k); err != nil {
				return nil, err
			}
		}
		fresh, err := w.cat.GetHoldingByID(h.ID)
		if err != nil {
			return nil, err
		}
		updated = append(updated, w.holdingRecord(fresh))
	}
	return json.Marshal(map[string]any{
		"user":     m.Details.User,
		"group":    m.Details.Group,
		"holdings": updated,
	})
}
