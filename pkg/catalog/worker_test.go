package catalog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearlinedata/nlds/pkg/auth"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/worker"
)

type workerHarness struct {
	cat    *Catalog
	w      *Worker
	broker *fabric.Broker
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	cat := openTestCatalog(t)
	b := fabric.NewBroker()
	t.Cleanup(b.Close)
	require.NoError(t, b.DeclareQueue(fabric.QueueSpec{
		Name: "capture",
		Bindings: []fabric.Binding{
			{RoutingKey: fabric.Root + ".#"},
		},
	}))
	w := NewWorker(cat, auth.Permissive{}, Config{
		DefaultTenancy: "tenancy.example",
		DefaultTapeURL: "root://tape.example//archive/nlds",
		FullUnpack:     true,
	})
	return &workerHarness{cat: cat, w: w, broker: b}
}

func (h *workerHarness) publisher() *worker.Publisher {
	return &worker.Publisher{
		Broker: h.broker,
		App:    fabric.Root,
		Retry:  worker.DefaultRetryConfig(),
		Queue:  DefaultQueueName,
	}
}

// drain collects everything routed since the last call, keyed by routing key.
func (h *workerHarness) drain(t *testing.T) map[string][]*message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ch, err := h.broker.Consume(ctx, "capture")
	require.NoError(t, err)
	out := make(map[string][]*message.Message)
	for d := range ch {
		m, err := message.Unmarshal(d.Body)
		require.NoError(t, err)
		out[d.RoutingKey] = append(out[d.RoutingKey], m)
		d.Ack()
	}
	return out
}

func putMessage(paths ...string) *message.Message {
	m := &message.Message{}
	m.Details.TransactionID = uuid.NewString()
	m.Details.User = "alice"
	m.Details.Group = "climate"
	m.Details.APIAction = fabric.ActionPut
	m.Details.Tenancy = "tenancy.example"
	for _, p := range paths {
		m.Data.FileList = append(m.Data.FileList, message.PathDetails{
			OriginalPath: p, PathType: message.PathTypeFile,
			Size: 100, User: 1000, Group: 1000, Permissions: 0644,
		})
	}
	return m
}

func callbackKey(w string) fabric.RoutingKey {
	return fabric.RoutingKey{Application: fabric.Root, Worker: w, State: fabric.StateStart}
}

func TestCatalogPutCreatesHoldingAndFiles(t *testing.T) {
	h := newWorkerHarness(t)
	m := putMessage("/data/a.nc", "/data/b.nc")

	err := h.w.Callback(context.Background(), callbackKey(fabric.WorkerCatalogPut), m, h.publisher())
	require.NoError(t, err)

	// Label defaults to the transaction id prefix.
	holding, err := h.cat.GetHolding("alice", m.Details.TransactionID[:8])
	require.NoError(t, err)
	assert.Equal(t, "climate", holding.Group)

	files, err := h.cat.FindFiles(FileQuery{Holding: HoldingQuery{User: "alice"}})
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Empty(t, files[0].Locations)

	routed := h.drain(t)
	complete := routed[fabric.Key(fabric.Root, fabric.WorkerCatalogPut, fabric.StateComplete)]
	require.Len(t, complete, 1)
	assert.Len(t, complete[0].Data.FileList, 2)
	assert.Equal(t, message.StateCatalogPutting, complete[0].Details.State)
	// Monitor mirror rides along.
	assert.NotEmpty(t, routed[fabric.Key(fabric.Root, fabric.WorkerMonitorPut, fabric.StateStart)])
}

func TestCatalogPutDuplicateFails(t *testing.T) {
	h := newWorkerHarness(t)
	m := putMessage("/data/a.nc")
	m.Meta.Label = "exp1"

	require.NoError(t, h.w.Callback(context.Background(),
		callbackKey(fabric.WorkerCatalogPut), m, h.publisher()))
	h.drain(t)

	// Second put of the same path into the same holding fails it.
	m2 := putMessage("/data/a.nc")
	m2.Meta.Label = "exp1"
	require.NoError(t, h.w.Callback(context.Background(),
		callbackKey(fabric.WorkerCatalogPut), m2, h.publisher()))

	routed := h.drain(t)
	failed := routed[fabric.Key(fabric.Root, fabric.WorkerCatalogPut, fabric.StateFailed)]
	require.Len(t, failed, 1)
	require.Len(t, failed[0].Data.FileList, 1)
	assert.Contains(t, failed[0].Data.FileList[0].FailureReason, "already exists")
	assert.Equal(t, message.StateFailed, failed[0].Details.State)
	assert.Empty(t, routed[fabric.Key(fabric.Root, fabric.WorkerCatalogPut, fabric.StateComplete)])
}

func TestCatalogGetWarmHit(t *testing.T) {
	h := newWorkerHarness(t)
	m := putMessage("/data/a.nc")
	m.Meta.Label = "exp1"
	require.NoError(t, h.w.Callback(context.Background(),
		callbackKey(fabric.WorkerCatalogPut), m, h.publisher()))
	h.drain(t)

	// Simulate the transfer completing.
	up := m.Copy()
	up.Data.FileList[0].ObjectName = message.ObjectName(m.Details.TransactionID, "/data/a.nc")
	require.NoError(t, h.w.Callback(context.Background(),
		callbackKey(fabric.WorkerCatalogUpdate), up, h.publisher()))
	h.drain(t)

	get := &message.Message{}
	get.Details.TransactionID = uuid.NewString()
	get.Details.User = "alice"
	get.Details.Group = "climate"
	get.Details.APIAction = fabric.ActionGetList
	get.Meta.Label = "exp1"
	get.Data.FileList = []message.PathDetails{{OriginalPath: "/data/a.nc"}}
	require.NoError(t, h.w.Callback(context.Background(),
		callbackKey(fabric.WorkerCatalogGet), get, h.publisher()))

	routed := h.drain(t)
	complete := routed[fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateComplete)]
	require.Len(t, complete, 1)
	require.Len(t, complete[0].Data.FileList, 1)
	pd := complete[0].Data.FileList[0]
	assert.Equal(t, message.ObjectName(m.Details.TransactionID, "/data/a.nc"), pd.ObjectName)
	assert.True(t, pd.Locations.Has(message.StorageObject))
}

func TestCatalogGetTapeOnlyCreatesRecallMarker(t *testing.T) {
	h := newWorkerHarness(t)
	m := putMessage("/data/a.nc")
	m.Meta.Label = "exp1"
	require.NoError(t, h.w.Callback(context.Background(),
		callbackKey(fabric.WorkerCatalogPut), m, h.publisher()))
	h.drain(t)

	files, err := h.cat.FindFiles(FileQuery{Holding: HoldingQuery{User: "alice"}})
	require.NoError(t, err)
	_, err = h.cat.CreateLocation(files[0].ID, Location{
		StorageType: message.StorageTape,
		URLScheme:   "root", URLNetloc: "tape.example",
		Root: "archive/nlds", Path: "agg_0001.tar",
	})
	require.NoError(t, err)

	get := &message.Message{}
	get.Details.TransactionID = uuid.NewString()
	get.Details.User = "alice"
	get.Details.Group = "climate"
	get.Details.APIAction = fabric.ActionGetList
	get.Meta.Label = "exp1"
	get.Data.FileList = []message.PathDetails{{OriginalPath: "/data/a.nc"}}
	require.NoError(t, h.w.Callback(context.Background(),
		callbackKey(fabric.WorkerCatalogGet), get, h.publisher()))

	routed := h.drain(t)
	restore := routed[fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateArchiveRestore)]
	require.Len(t, restore, 1)
	assert.Len(t, restore[0].Data.FileList, 1)

	// Recall marker: an empty object-store location now exists, so a second
	// get routes to the archive list again rather than double-recalling.
	loc, err := h.cat.GetLocation(files[0].ID, message.StorageObject)
	require.NoError(t, err)
	assert.Empty(t, loc.Path)
	assert.Equal(t, "nlds."+m.Details.TransactionID, loc.Root)
}

func TestCatalogGetNoLocationFails(t *testing.T) {
	h := newWorkerHarness(t)
	m := putMessage("/data/a.nc")
	m.Meta.Label = "exp1"
	require.NoError(t, h.w.Callback(context.Background(),
		callbackKey(fabric.WorkerCatalogPut), m, h.publisher()))
	h.drain(t)

	get := &message.Message{}
	get.Details.TransactionID = uuid.NewString()
	get.Details.User = "alice"
	get.Details.Group = "climate"
	get.Details.APIAction = fabric.ActionGetList
	get.Meta.Label = "exp1"
	get.Data.FileList = []message.PathDetails{{OriginalPath: "/data/a.nc"}}
	require.NoError(t, h.w.Callback(context.Background(),
		callbackKey(fabric.WorkerCatalogGet), get, h.publisher()))

	routed := h.drain(t)
	failed := routed[fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateFailed)]
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Data.FileList[0].FailureReason, "no location")
}

func TestCatalogArchiveCycle(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	m := putMessage("/data/a.nc", "/data/b.nc")
	m.Meta.Label = "exp1"
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogPut), m, h.publisher()))
	up := m.Copy()
	for i := range up.Data.FileList {
		up.Data.FileList[i].ObjectName = message.ObjectName(
			m.Details.TransactionID, up.Data.FileList[i].OriginalPath)
	}
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogUpdate), up, h.publisher()))
	h.drain(t)

	// Archive scan selects the holding and marks every candidate.
	next := &message.Message{}
	next.Details.TransactionID = uuid.NewString()
	next.Details.User = "admin"
	next.Details.Group = "admin"
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogArchiveNext), next, h.publisher()))

	routed := h.drain(t)
	complete := routed[fabric.Key(fabric.Root, fabric.WorkerCatalogArchiveNext, fabric.StateComplete)]
	require.Len(t, complete, 1)
	out := complete[0]
	assert.Len(t, out.Data.FileList, 2)
	assert.Equal(t, "alice", out.Details.User)
	assert.Equal(t, message.StateArchiveInit, out.Details.State)

	files, err := h.cat.FindFiles(FileQuery{Holding: HoldingQuery{User: "alice"}})
	require.NoError(t, err)
	for _, f := range files {
		loc, err := h.cat.GetLocation(f.ID, message.StorageTape)
		require.NoError(t, err)
		assert.Empty(t, loc.Path, "empty tape location marks archive in progress")
	}

	// A second scan finds nothing: the empty markers block re-selection.
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogArchiveNext),
		next.Copy(), h.publisher()))
	routed = h.drain(t)
	assert.Empty(t, routed[fabric.Key(fabric.Root, fabric.WorkerCatalogArchiveNext, fabric.StateComplete)])

	// Archive-put reports the written aggregate.
	upd := out.Copy()
	upd.Data.Tarname = "agg_0001.tar"
	upd.Data.Checksum = "deadbeef"
	upd.Data.Algorithm = "ADLER32"
	for i := range upd.Data.FileList {
		pd := &upd.Data.FileList[i]
		if tl, ok := pd.Locations.Get(message.StorageTape); ok {
			tl.Path = "agg_0001.tar"
			pd.Locations.Reset()
			require.NoError(t, pd.Locations.Add(tl))
		}
	}
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogArchiveUpdate), upd, h.publisher()))
	h.drain(t)

	for _, f := range files {
		loc, err := h.cat.GetLocation(f.ID, message.StorageTape)
		require.NoError(t, err)
		assert.Equal(t, "agg_0001.tar", loc.Path)
		require.NotNil(t, loc.AggregationID)
	}
}

func TestCatalogArchiveDelStripsMarkers(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	m := putMessage("/data/a.nc")
	m.Meta.Label = "exp1"
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogPut), m, h.publisher()))
	files, err := h.cat.FindFiles(FileQuery{Holding: HoldingQuery{User: "alice"}})
	require.NoError(t, err)
	_, err = h.cat.CreateLocation(files[0].ID, Location{StorageType: message.StorageTape})
	require.NoError(t, err)
	h.drain(t)

	del := m.Copy()
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogArchiveDel), del, h.publisher()))

	_, err = h.cat.GetLocation(files[0].ID, message.StorageTape)
	assert.ErrorIs(t, err, ErrLocationNotFound)
}

func TestCatalogDelPermissions(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	m := putMessage("/data/a.nc")
	m.Meta.Label = "exp1"
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogPut), m, h.publisher()))
	h.drain(t)

	// Another plain user in the same group may not delete alice's files.
	del := m.Copy()
	del.Details.User = "bob"
	del.Details.GroupAll = true
	del.Meta.Label = "exp1"
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogDel), del, h.publisher()))
	routed := h.drain(t)
	failed := routed[fabric.Key(fabric.Root, fabric.WorkerCatalogDel, fabric.StateFailed)]
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Data.FileList[0].FailureReason, "deputy or manager")

	// The owner may.
	del2 := m.Copy()
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogDel), del2, h.publisher()))
	routed = h.drain(t)
	complete := routed[fabric.Key(fabric.Root, fabric.WorkerCatalogDel, fabric.StateComplete)]
	require.Len(t, complete, 1)
	_, err := h.cat.FindFiles(FileQuery{Holding: HoldingQuery{User: "alice"}})
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestCatalogRPCListAndMeta(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	m := putMessage("/data/a.nc")
	m.Meta.Label = "exp1"
	m.Meta.Tags = map[string]string{"project": "cmip6"}
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogPut), m, h.publisher()))
	h.drain(t)

	list := &message.Message{}
	list.Details.TransactionID = uuid.NewString()
	list.Details.User = "alice"
	list.Details.Group = "climate"
	list.Details.APIAction = fabric.ActionList
	body, err := h.w.HandleRPC(ctx, callbackKey(fabric.WorkerCatalogGet), list)
	require.NoError(t, err)
	var listResp struct {
		Holdings []HoldingRecord `json:"holdings"`
	}
	require.NoError(t, json.Unmarshal(body, &listResp))
	require.Len(t, listResp.Holdings, 1)
	assert.Equal(t, "exp1", listResp.Holdings[0].Label)
	assert.Equal(t, "cmip6", listResp.Holdings[0].Tags["project"])

	meta := list.Copy()
	meta.Details.APIAction = fabric.ActionMeta
	meta.Meta.Label = "exp1"
	meta.Meta.NewLabel = "exp1-final"
	meta.Meta.NewTags = map[string]string{"status": "done"}
	meta.Meta.DelTags = map[string]string{"project": ""}
	body, err = h.w.HandleRPC(ctx, callbackKey(fabric.WorkerCatalogGet), meta)
	require.NoError(t, err)
	listResp = struct {
		Holdings []HoldingRecord `json:"holdings"`
	}{}
	require.NoError(t, json.Unmarshal(body, &listResp))
	require.Len(t, listResp.Holdings, 1)
	assert.Equal(t, "exp1-final", listResp.Holdings[0].Label)
	assert.Equal(t, "done", listResp.Holdings[0].Tags["status"])
	assert.NotContains(t, listResp.Holdings[0].Tags, "project")

	find := list.Copy()
	find.Details.APIAction = fabric.ActionFind
	body, err = h.w.HandleRPC(ctx, callbackKey(fabric.WorkerCatalogGet), find)
	require.NoError(t, err)
	var findResp struct {
		Files []FileRecord `json:"files"`
	}
	require.NoError(t, json.Unmarshal(body, &findResp))
	require.Len(t, findResp.Files, 1)
	assert.Equal(t, "/data/a.nc", findResp.Files[0].OriginalPath)
}

func TestCatalogDelPutCompensationScopedToTransaction(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	first := putMessage("/data/a.nc")
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogPut), first, h.publisher()))
	second := putMessage("/data/a.nc")
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogPut), second, h.publisher()))
	h.drain(t)

	// A failed transfer compensates with a label-less delete carrying only
	// its own transaction id. The first holding's same-named row survives.
	del := second.Copy()
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogDel), del, h.publisher()))

	routed := h.drain(t)
	complete := routed[fabric.Key(fabric.Root, fabric.WorkerCatalogDel, fabric.StateComplete)]
	require.Len(t, complete, 1)
	require.Len(t, complete[0].Data.FileList, 1)

	survivors, err := h.cat.FindFiles(FileQuery{Holding: HoldingQuery{User: "alice"}})
	require.NoError(t, err)
	require.Len(t, survivors, 1)
	_, err = h.cat.FindFiles(FileQuery{
		Holding:       HoldingQuery{User: "alice"},
		TransactionID: first.Details.TransactionID,
	})
	assert.NoError(t, err)
	_, err = h.cat.FindFiles(FileQuery{
		Holding:       HoldingQuery{User: "alice"},
		TransactionID: second.Details.TransactionID,
	})
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestCatalogGetPendingRecallNotRescheduled(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	m := putMessage("/data/a.nc")
	m.Meta.Label = "exp1"
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogPut), m, h.publisher()))
	files, err := h.cat.FindFiles(FileQuery{Holding: HoldingQuery{User: "alice"}})
	require.NoError(t, err)
	_, err = h.cat.CreateLocation(files[0].ID, Location{
		StorageType: message.StorageTape,
		URLScheme:   "root", URLNetloc: "tape.example",
		Root: "archive/nlds", Path: "agg_0001.tar",
	})
	require.NoError(t, err)
	h.drain(t)

	get := func() *message.Message {
		g := &message.Message{}
		g.Details.TransactionID = uuid.NewString()
		g.Details.User = "alice"
		g.Details.Group = "climate"
		g.Details.APIAction = fabric.ActionGetList
		g.Meta.Label = "exp1"
		g.Data.FileList = []message.PathDetails{{OriginalPath: "/data/a.nc"}}
		return g
	}

	pub := h.publisher()
	pub.Retry.Delays = []time.Duration{0}

	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogGet), get(), pub))
	routed := h.drain(t)
	require.Len(t,
		routed[fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateArchiveRestore)], 1)

	// While the recall is in flight a second get backs off instead of
	// scheduling another restore.
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogGet), get(), pub))
	routed = h.drain(t)
	assert.Empty(t, routed[fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateArchiveRestore)])
	assert.Empty(t, routed[fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateFailed)])
	retried := routed[fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateStart)]
	require.Len(t, retried, 1)
	require.Len(t, retried[0].Data.FileList, 1)
	assert.Equal(t, 1, retried[0].Data.FileList[0].Retries.Count)
	assert.True(t, retried[0].Details.Retry)
}

func TestCatalogArchiveUpdateRedeliveryReusesAggregation(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	m := putMessage("/data/a.nc")
	m.Meta.Label = "exp1"
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogPut), m, h.publisher()))
	up := m.Copy()
	up.Data.FileList[0].ObjectName = message.ObjectName(m.Details.TransactionID, "/data/a.nc")
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogUpdate), up, h.publisher()))

	next := &message.Message{}
	next.Details.TransactionID = uuid.NewString()
	next.Details.User = "admin"
	next.Details.Group = "admin"
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogArchiveNext), next, h.publisher()))
	routed := h.drain(t)
	out := routed[fabric.Key(fabric.Root, fabric.WorkerCatalogArchiveNext, fabric.StateComplete)]
	require.Len(t, out, 1)

	upd := out[0].Copy()
	upd.Data.Tarname = "agg_0001.tar"
	upd.Data.Checksum = "deadbeef"
	upd.Data.Algorithm = "ADLER32"
	for i := range upd.Data.FileList {
		pd := &upd.Data.FileList[i]
		if tl, ok := pd.Locations.Get(message.StorageTape); ok {
			tl.Path = "agg_0001.tar"
			pd.Locations.Reset()
			require.NoError(t, pd.Locations.Add(tl))
		}
	}

	// The archive-put confirmation is delivered twice; one aggregation row
	// must record the tarname.
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogArchiveUpdate), upd, h.publisher()))
	require.NoError(t, h.w.Callback(ctx, callbackKey(fabric.WorkerCatalogArchiveUpdate), upd.Copy(), h.publisher()))
	h.drain(t)

	var aggs int64
	require.NoError(t, h.cat.DB().Model(&Aggregation{}).
		Where(map[string]any{"tarname": "agg_0001.tar"}).Count(&aggs).Error)
	assert.EqualValues(t, 1, aggs)

	files, err := h.cat.FindFiles(FileQuery{Holding: HoldingQuery{User: "alice"}})
	require.NoError(t, err)
	loc, err := h.cat.GetLocation(files[0].ID, message.StorageTape)
	require.NoError(t, err)
	assert.Equal(t, "agg_0001.tar", loc.Path)
	require.NotNil(t, loc.AggregationID)
}
