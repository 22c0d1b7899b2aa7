package commands

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/nearlinedata/nlds/internal/db"
	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/archive"
	"github.com/nearlinedata/nlds/pkg/auth"
	"github.com/nearlinedata/nlds/pkg/catalog"
	"github.com/nearlinedata/nlds/pkg/config"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/index"
	"github.com/nearlinedata/nlds/pkg/logq"
	"github.com/nearlinedata/nlds/pkg/monitor"
	"github.com/nearlinedata/nlds/pkg/objectstore"
	"github.com/nearlinedata/nlds/pkg/objectstore/memory"
	"github.com/nearlinedata/nlds/pkg/objectstore/s3"
	"github.com/nearlinedata/nlds/pkg/router"
	"github.com/nearlinedata/nlds/pkg/tape"
	"github.com/nearlinedata/nlds/pkg/transfer"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// stageNames lists the stage consumers in start order.
var stageNames = []string{
	"router",
	"index",
	"catalog",
	"monitor",
	"transfer-put",
	"transfer-get",
	"archive-put",
	"archive-get",
	"logging",
}

// serviceRuntime lazily wires the shared infrastructure the stages need:
// the message fabric, the two databases, the object store connector and the
// tape backend. Lazy construction means a single-stage process only opens
// what its stage actually uses.
type serviceRuntime struct {
	cfg    *config.Config
	broker *fabric.Broker

	catalogDB *gorm.DB
	monitorDB *gorm.DB
	connector objectstore.Connector
	tp        tape.Tape
}

func newServiceRuntime(cfg *config.Config) *serviceRuntime {
	return &serviceRuntime{cfg: cfg, broker: fabric.NewBroker()}
}

func (r *serviceRuntime) Close() {
	r.broker.Close()
}

// objectStore returns the warm tier connector. Without a configured tenancy
// the service falls back to an in-process store, which is only useful for
// development deployments.
func (r *serviceRuntime) objectStore() objectstore.Connector {
	if r.connector == nil {
		if r.cfg.ObjectStore.Tenancy == "" {
			logger.Warn("no object store tenancy configured, using in-process store")
			r.connector = memory.New("")
		} else {
			r.connector = s3.NewConnector(s3.Config{
				Tenancy:       r.cfg.ObjectStore.Tenancy,
				RequireSecure: r.cfg.ObjectStore.RequireSecure,
				Region:        r.cfg.ObjectStore.Region,
			})
		}
	}
	return r.connector
}

func (r *serviceRuntime) tape() (tape.Tape, error) {
	if r.tp == nil {
		if r.cfg.Tape.PosixDir == "" {
			return nil, fmt.Errorf("tape.posix_dir is not configured")
		}
		t, err := tape.NewPosixTape(r.cfg.Tape.PosixDir, r.cfg.Tape.StageDelay)
		if err != nil {
			return nil, fmt.Errorf("failed to open tape backend: %w", err)
		}
		r.tp = t
	}
	return r.tp, nil
}

func (r *serviceRuntime) openCatalogDB() (*gorm.DB, error) {
	if r.catalogDB == nil {
		gdb, err := db.Open(r.cfg.Catalog.Database, catalog.Models()...)
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog database: %w", err)
		}
		r.catalogDB = gdb
	}
	return r.catalogDB, nil
}

func (r *serviceRuntime) openMonitorDB() (*gorm.DB, error) {
	if r.monitorDB == nil {
		gdb, err := db.Open(r.cfg.Monitor.Database, monitor.Models()...)
		if err != nil {
			return nil, fmt.Errorf("failed to open monitor database: %w", err)
		}
		r.monitorDB = gdb
	}
	return r.monitorDB, nil
}

func (r *serviceRuntime) processor(name string) (worker.Processor, error) {
	switch name {
	case "router":
		return router.New(r.cfg.Router), nil
	case "index":
		return index.NewWorker(r.cfg.Index), nil
	case "catalog":
		gdb, err := r.openCatalogDB()
		if err != nil {
			return nil, err
		}
		return catalog.NewWorker(catalog.New(gdb), auth.Permissive{}, r.cfg.Catalog.Config), nil
	case "monitor":
		gdb, err := r.openMonitorDB()
		if err != nil {
			return nil, err
		}
		return monitor.NewWorker(monitor.New(gdb), r.cfg.Monitor.Config), nil
	case "transfer-put":
		return transfer.NewPutWorker(r.objectStore(), r.cfg.TransferPut), nil
	case "transfer-get":
		return transfer.NewGetWorker(r.objectStore(), r.cfg.TransferGet), nil
	case "archive-put":
		t, err := r.tape()
		if err != nil {
			return nil, err
		}
		return archive.NewPutWorker(r.objectStore(), t, r.cfg.ArchivePut), nil
	case "archive-get":
		t, err := r.tape()
		if err != nil {
			return nil, err
		}
		return archive.NewGetWorker(r.objectStore(), t, r.cfg.ArchiveGet), nil
	default:
		return nil, fmt.Errorf("unknown stage %q", name)
	}
}

// stage returns the blocking run function for one named stage.
func (r *serviceRuntime) stage(name string) (func(context.Context) error, error) {
	// The logging consumer reads raw log records rather than workflow
	// envelopes, so it runs outside the shared consumer loop.
	if name == "logging" {
		return logq.New(r.broker, r.cfg.Logq).Run, nil
	}
	proc, err := r.processor(name)
	if err != nil {
		return nil, err
	}
	return worker.NewConsumer(r.broker, proc, r.cfg.General.Retry()).Run, nil
}
