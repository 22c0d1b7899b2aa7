package monitor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearlinedata/nlds/internal/db"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
)

func openTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	gdb, err := db.Open(db.Config{
		Engine: db.EngineSQLite,
		SQLite: db.SQLiteConfig{Path: ":memory:"},
	}, Models()...)
	require.NoError(t, err)
	return New(gdb)
}

func details(txid, subID string, st message.State) message.Details {
	return message.Details{
		TransactionID: txid,
		SubID:         subID,
		User:          "alice",
		Group:         "climate",
		APIAction:     fabric.ActionPut,
		State:         st,
	}
}

func TestRatchetOnlyAdvances(t *testing.T) {
	mon := openTestMonitor(t)
	txid, subID := uuid.NewString(), uuid.NewString()

	tr, err := mon.GetOrCreateTransaction(details(txid, subID, message.StateIndexing))
	require.NoError(t, err)

	sr, advanced, err := mon.UpdateSubRecord(tr, subID, message.StateIndexing, 0)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, message.StateIndexing, sr.State)

	// Forward transition advances.
	sr, advanced, err = mon.UpdateSubRecord(tr, subID, message.StateTransferPutting, 0)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, message.StateTransferPutting, sr.State)

	// An older state replaying is ignored.
	sr, advanced, err = mon.UpdateSubRecord(tr, subID, message.StateCatalogPutting, 0)
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, message.StateTransferPutting, sr.State)

	// Equal state is idempotent but still records a higher retry count.
	sr, advanced, err = mon.UpdateSubRecord(tr, subID, message.StateTransferPutting, 2)
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, 2, sr.RetryCount)
}

func TestRollup(t *testing.T) {
	sub := func(st message.State) SubRecord { return SubRecord{State: st} }

	// Least advanced sub wins while work is in flight.
	assert.Equal(t, message.StateIndexing, Rollup([]SubRecord{
		sub(message.StateIndexing), sub(message.StateTransferPutting),
	}))

	// One failed sub does not fail the rollup until everything is terminal.
	assert.Equal(t, message.StateTransferPutting, Rollup([]SubRecord{
		sub(message.StateTransferPutting), sub(message.StateFailed),
	}))

	// All terminal with mixed outcomes: complete with errors.
	assert.Equal(t, message.StateCompleteWithErrors, Rollup([]SubRecord{
		sub(message.StateComplete), sub(message.StateFailed),
	}))

	// All failed: failed.
	assert.Equal(t, message.StateFailed, Rollup([]SubRecord{
		sub(message.StateFailed), sub(message.StateFailed),
	}))

	// All complete: complete.
	assert.Equal(t, message.StateComplete, Rollup([]SubRecord{
		sub(message.StateComplete), sub(message.StateComplete),
	}))

	assert.Equal(t, message.StateInitialising, Rollup(nil))
}

func TestWorkerCallbackRecordsFailures(t *testing.T) {
	mon := openTestMonitor(t)
	w := NewWorker(mon, Config{})
	txid := uuid.NewString()

	key := fabric.RoutingKey{
		Application: fabric.Root, Worker: fabric.WorkerMonitorPut, State: fabric.StateStart,
	}

	m := &message.Message{Details: details(txid, "", message.StateFailed)}
	m.Details.Warnings = []string{"symlink skipped"}
	pd := message.PathDetails{OriginalPath: "/data/c.txt"}
	pd.Fail("file too large", 5)
	m.Data.FileList = []message.PathDetails{pd}

	require.NoError(t, w.Callback(context.Background(), key, m, nil))
	// Replay is idempotent for warnings.
	require.NoError(t, w.Callback(context.Background(), key, m, nil))

	records, err := mon.Stat(StatQuery{User: "alice"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, records[0].SubRecords, 1)
	// Empty sub id tracks under the transaction id.
	assert.Equal(t, txid, records[0].SubRecords[0].SubID)
	require.Len(t, records[0].SubRecords[0].FailedFiles, 1)
	assert.Equal(t, "file too large", records[0].SubRecords[0].FailedFiles[0].Reason)
	require.Len(t, records[0].Warnings, 1)
}

func TestStatRPC(t *testing.T) {
	mon := openTestMonitor(t)
	w := NewWorker(mon, Config{})
	ctx := context.Background()
	key := fabric.RoutingKey{
		Application: fabric.Root, Worker: fabric.WorkerMonitorPut, State: fabric.StateStart,
	}

	txid := uuid.NewString()
	subA, subB := uuid.NewString(), uuid.NewString()
	require.NoError(t, w.Callback(ctx, key,
		&message.Message{Details: details(txid, subA, message.StateComplete)}, nil))
	require.NoError(t, w.Callback(ctx, key,
		&message.Message{Details: details(txid, subB, message.StateTransferPutting)}, nil))

	req := &message.Message{Details: details(uuid.NewString(), "", message.StateSearching)}
	req.Details.APIAction = fabric.ActionStat
	req.Meta.TransactionID = txid

	body, err := w.HandleRPC(ctx, key, req)
	require.NoError(t, err)
	var resp struct {
		Records []TransactionStatus `json:"records"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "TRANSFER_PUTTING", resp.Records[0].State)
	assert.Len(t, resp.Records[0].SubRecords, 2)

	// Unknown transaction returns an empty record set, not an error.
	req.Meta.TransactionID = uuid.NewString()
	body, err = w.HandleRPC(ctx, key, req)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Empty(t, resp.Records)
}

func TestStatRPCFiltersByJobLabel(t *testing.T) {
	mon := openTestMonitor(t)
	w := NewWorker(mon, Config{})
	ctx := context.Background()
	key := fabric.RoutingKey{
		Application: fabric.Root, Worker: fabric.WorkerMonitorPut, State: fabric.StateStart,
	}

	nightly := &message.Message{Details: details(uuid.NewString(), "", message.StateComplete)}
	nightly.Details.JobLabel = "nightly"
	require.NoError(t, w.Callback(ctx, key, nightly, nil))
	adhoc := &message.Message{Details: details(uuid.NewString(), "", message.StateComplete)}
	adhoc.Details.JobLabel = "adhoc"
	require.NoError(t, w.Callback(ctx, key, adhoc, nil))

	req := &message.Message{Details: details(uuid.NewString(), "", message.StateSearching)}
	req.Details.APIAction = fabric.ActionStat
	req.Details.JobLabel = "nightly"

	body, err := w.HandleRPC(ctx, key, req)
	require.NoError(t, err)
	var resp struct {
		Records []TransactionStatus `json:"records"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, nightly.Details.TransactionID, resp.Records[0].TransactionID)
	assert.Equal(t, "nightly", resp.Records[0].JobLabel)
}
