// Package e2e exercises whole workflows through the real stage consumers:
// HTTP request in, fabric messages between stages, files on disk and
// objects in the store at the end.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearlinedata/nlds/internal/db"
	"github.com/nearlinedata/nlds/pkg/api"
	"github.com/nearlinedata/nlds/pkg/archive"
	"github.com/nearlinedata/nlds/pkg/auth"
	"github.com/nearlinedata/nlds/pkg/catalog"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/index"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/monitor"
	"github.com/nearlinedata/nlds/pkg/objectstore/memory"
	"github.com/nearlinedata/nlds/pkg/router"
	"github.com/nearlinedata/nlds/pkg/tape"
	"github.com/nearlinedata/nlds/pkg/transfer"
	"github.com/nearlinedata/nlds/pkg/worker"
)

const (
	testUser    = "alice"
	testGroup   = "climate"
	testTenancy = "tenancy.test"
	testTapeURL = "root://tape.test/archive"
)

// env is a full single-process deployment: every stage consumer running
// against one broker, with an in-process object store and a posix-emulated
// tape.
type env struct {
	t       *testing.T
	broker  *fabric.Broker
	store   *memory.Store
	tp      *tape.PosixTape
	cat     *catalog.Catalog
	handler http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()

	b := fabric.NewBroker()
	t.Cleanup(b.Close)

	catDB, err := db.Open(db.Config{
		Engine: db.EngineSQLite,
		SQLite: db.SQLiteConfig{Path: filepath.Join(t.TempDir(), "catalog.db")},
	}, catalog.Models()...)
	require.NoError(t, err)
	monDB, err := db.Open(db.Config{
		Engine: db.EngineSQLite,
		SQLite: db.SQLiteConfig{Path: filepath.Join(t.TempDir(), "monitor.db")},
	}, monitor.Models()...)
	require.NoError(t, err)

	store := memory.New(testTenancy)
	tp, err := tape.NewPosixTape(t.TempDir(), 0)
	require.NoError(t, err)

	e := &env{t: t, broker: b, store: store, tp: tp, cat: catalog.New(catDB)}

	// Tests wait on real completion, so back-off can be immediate.
	retry := worker.RetryConfig{Delays: []time.Duration{0, 0, 0}, MaxRetries: 3}
	procs := []worker.Processor{
		router.New(router.Config{}),
		index.NewWorker(index.Config{CheckPermissions: false}),
		catalog.NewWorker(e.cat, auth.Permissive{}, catalog.Config{
			DefaultTenancy: testTenancy,
			DefaultTapeURL: testTapeURL,
		}),
		monitor.NewWorker(monitor.New(monDB), monitor.Config{}),
		transfer.NewPutWorker(store, transfer.Config{}),
		transfer.NewGetWorker(store, transfer.Config{}),
		archive.NewPutWorker(store, tp, archive.Config{TapeURL: testTapeURL}),
		archive.NewGetWorker(store, tp, archive.Config{
			TapeURL:          testTapeURL,
			PrepareRequeueMS: 1,
		}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, p := range procs {
		c := worker.NewConsumer(b, p, retry)
		require.NoError(t, b.DeclareQueue(p.Queue()))
		go c.Run(ctx)
	}

	srv := api.NewServer(b, auth.Permissive{}, api.Config{
		DefaultTenancy: testTenancy,
		RPC:            fabric.RPCConfig{TimeLimit: 5 * time.Second},
	})
	e.handler = srv.Routes()
	return e
}

func (e *env) do(method, url string, body string) *httptest.ResponseRecorder {
	e.t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, rdr)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// submit issues a workflow request and returns its transaction id.
func (e *env) submit(method, url, body string) string {
	e.t.Helper()
	rr := e.do(method, url, body)
	require.Equal(e.t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp map[string]any
	require.NoError(e.t, json.Unmarshal(rr.Body.Bytes(), &resp))
	txid, _ := resp["transaction_id"].(string)
	require.NotEmpty(e.t, txid)
	return txid
}

// waitComplete polls the monitor until the transaction rolls up COMPLETE.
func (e *env) waitComplete(txid string) {
	e.t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		rr := e.do(http.MethodGet, fmt.Sprintf(
			"/status?user=%s&group=%s&transaction_id=%s", testUser, testGroup, txid), "")
		require.Equal(e.t, http.StatusOK, rr.Code, rr.Body.String())

		var resp struct {
			Records []struct {
				State string `json:"state"`
			} `json:"records"`
		}
		require.NoError(e.t, json.Unmarshal(rr.Body.Bytes(), &resp))
		if len(resp.Records) == 1 {
			last = resp.Records[0].State
			switch last {
			case message.StateComplete.String():
				return
			case message.StateFailed.String(), message.StateCompleteWithErrors.String():
				e.t.Fatalf("transaction %s ended %s: %s", txid, last, rr.Body.String())
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.t.Fatalf("transaction %s never completed, last state %q", txid, last)
}

func writeSourceTree(t *testing.T) (dir string, contents map[string]string) {
	t.Helper()
	dir = t.TempDir()
	contents = map[string]string{
		filepath.Join(dir, "a.nc"):          "temperature anomalies 1850-2020",
		filepath.Join(dir, "sub", "b.nc"):   "precipitation ensemble members",
		filepath.Join(dir, "sub", "c.json"): `{"model": "hadgem3"}`,
	}
	for path, body := range contents {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	}
	return dir, contents
}

func listBody(label string, paths ...string) string {
	b, _ := json.Marshal(map[string]any{"filelist": paths, "label": label})
	return string(b)
}

func TestPutThenGetRoundTrip(t *testing.T) {
	e := newEnv(t)
	src, contents := writeSourceTree(t)
	require.NoError(t, os.Symlink("a.nc", filepath.Join(src, "latest.nc")))

	// Ingest: one explicit file, one directory to walk, one symlink.
	putURL := fmt.Sprintf("/files?user=%s&group=%s&job_label=ingest1", testUser, testGroup)
	txid := e.submit(http.MethodPut, putURL, listBody("exp-1",
		filepath.Join(src, "a.nc"),
		filepath.Join(src, "sub"),
		filepath.Join(src, "latest.nc")))
	e.waitComplete(txid)

	// Every regular file is an object in the per-transaction bucket.
	bucket := message.ObjectBucket(txid)
	for path, body := range contents {
		info, err := e.store.Stat(context.Background(), bucket, message.ObjectKey(path))
		require.NoError(t, err, path)
		assert.Equal(t, int64(len(body)), info.Size, path)
	}

	// The catalog resolves the holding by label.
	rr := e.do(http.MethodGet, fmt.Sprintf(
		"/catalog/list?user=%s&group=%s&label=exp-1", testUser, testGroup), "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "exp-1")

	// Retrieve everything to a fresh target directory.
	target := t.TempDir()
	getURL := fmt.Sprintf("/files/getlist?user=%s&group=%s&target=%s", testUser, testGroup, target)
	getTx := e.submit(http.MethodPut, getURL, listBody("exp-1",
		filepath.Join(src, "a.nc"),
		filepath.Join(src, "sub", "b.nc"),
		filepath.Join(src, "sub", "c.json"),
		filepath.Join(src, "latest.nc")))
	e.waitComplete(getTx)

	for path, want := range contents {
		restored := filepath.Join(target, strings.TrimPrefix(path, "/"))
		got, err := os.ReadFile(restored)
		require.NoError(t, err, restored)
		assert.Equal(t, want, string(got), restored)
	}
	link, err := os.Readlink(filepath.Join(target, strings.TrimPrefix(src, "/"), "latest.nc"))
	require.NoError(t, err)
	assert.Equal(t, "a.nc", link)
}

func TestDuplicatePutIntoHoldingFails(t *testing.T) {
	e := newEnv(t)
	src, _ := writeSourceTree(t)
	path := filepath.Join(src, "a.nc")

	putURL := fmt.Sprintf("/files?user=%s&group=%s", testUser, testGroup)
	e.waitComplete(e.submit(http.MethodPut, putURL, listBody("exp-dup", path)))

	// The same path into the same holding is rejected by the catalog; the
	// transaction ends failed with the reason recorded.
	tx2 := e.submit(http.MethodPut, putURL, listBody("exp-dup", path))
	deadline := time.Now().Add(15 * time.Second)
	for {
		require.Less(t, time.Now().Unix(), deadline.Unix(), "duplicate put never settled")
		rr := e.do(http.MethodGet, fmt.Sprintf(
			"/status?user=%s&group=%s&transaction_id=%s", testUser, testGroup, tx2), "")
		if strings.Contains(rr.Body.String(), message.StateFailed.String()) {
			assert.Contains(t, rr.Body.String(), "already exists")
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestArchiveCycleAndTapeRecall(t *testing.T) {
	e := newEnv(t)
	src, contents := writeSourceTree(t)
	paths := []string{
		filepath.Join(src, "a.nc"),
		filepath.Join(src, "sub", "b.nc"),
		filepath.Join(src, "sub", "c.json"),
	}

	putURL := fmt.Sprintf("/files?user=%s&group=%s", testUser, testGroup)
	txid := e.submit(http.MethodPut, putURL, listBody("exp-cold", paths...))
	e.waitComplete(txid)

	// One scheduler tick walks the unarchived holding onto tape.
	sched := &router.ArchiveScheduler{Broker: e.broker}
	require.NoError(t, sched.Kick())

	files := e.waitArchived(len(paths))
	tarname := ""
	for _, f := range files {
		for _, loc := range f.Locations {
			if loc.StorageType == message.StorageTape {
				tarname = loc.Path
			}
		}
	}
	require.NotEmpty(t, tarname)
	st, err := e.tp.Stat(context.Background(), tarname)
	require.NoError(t, err)
	assert.True(t, st.OnTape)

	// Purge the warm tier completely: objects gone, locations gone. The
	// only remaining copy is the tape aggregate.
	bucket := message.ObjectBucket(txid)
	for _, f := range files {
		require.NoError(t, e.store.Delete(context.Background(), bucket, message.ObjectKey(f.OriginalPath)))
		require.NoError(t, e.cat.DeleteLocation(f.ID, message.StorageObject))
	}

	target := t.TempDir()
	getURL := fmt.Sprintf("/files/getlist?user=%s&group=%s&target=%s", testUser, testGroup, target)
	getTx := e.submit(http.MethodPut, getURL, listBody("exp-cold", paths...))
	e.waitComplete(getTx)

	for path, want := range contents {
		restored := filepath.Join(target, strings.TrimPrefix(path, "/"))
		got, err := os.ReadFile(restored)
		require.NoError(t, err, restored)
		assert.Equal(t, want, string(got), restored)
	}

	// The recall refilled the warm tier, so the next get is warm again.
	for _, f := range files {
		loc, err := e.cat.GetLocation(f.ID, message.StorageObject)
		require.NoError(t, err)
		assert.NotEmpty(t, loc.Path, f.OriginalPath)
	}
}

// waitArchived polls the catalog until every file carries a filled tape
// location with its aggregation recorded.
func (e *env) waitArchived(n int) []catalog.File {
	e.t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		files, err := e.cat.FindFiles(catalog.FileQuery{
			Holding: catalog.HoldingQuery{User: testUser, Group: testGroup},
		})
		require.NoError(e.t, err)
		archived := 0
		for _, f := range files {
			for _, loc := range f.Locations {
				if loc.StorageType == message.StorageTape && loc.Path != "" && loc.AggregationID != nil {
					archived++
				}
			}
		}
		if archived == n {
			return files
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.t.Fatalf("archive cycle never recorded %d tape locations", n)
	return nil
}
