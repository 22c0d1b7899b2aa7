package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// DefaultQueueName is the monitor work queue.
const DefaultQueueName = "monitor_q"

// Config tunes the monitor worker.
type Config struct {
	QueueName string `mapstructure:"queue_name"`
}

// Worker consumes the monitor-put mirror of every stage transition and
// serves the stat RPC.
type Worker struct {
	mon *Monitor
	cfg Config
}

// NewWorker builds the monitor stage.
func NewWorker(mon *Monitor, cfg Config) *Worker {
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	return &Worker{mon: mon, cfg: cfg}
}

// Queue implements worker.Processor.
func (w *Worker) Queue() fabric.QueueSpec {
	return fabric.QueueSpec{
		Name:     w.cfg.QueueName,
		Prefetch: fabric.DefaultPrefetch,
		Bindings: []fabric.Binding{
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerMonitorPut, fabric.StateStart)},
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerMonitorGet, fabric.StateStart)},
		},
	}
}

// Callback implements worker.Processor: apply the state ratchet for the
// message's sub-transaction.
func (w *Worker) Callback(ctx context.Context, key fabric.RoutingKey,
	m *message.Message, _ *worker.Publisher) error {

	if key.Worker != fabric.WorkerMonitorPut {
		return fmt.Errorf("unexpected worker segment %q on monitor queue", key.Worker)
	}

	tr, err := w.mon.GetOrCreateTransaction(m.Details)
	if err != nil {
		return err
	}

	subID := m.Details.SubID
	if subID == "" {
		// Unsplit transactions track under their own id.
		subID = m.Details.TransactionID
	}
	retries := 0
	for _, pd := range m.Data.FileList {
		if pd.Retries.Count > retries {
			retries = pd.Retries.Count
		}
	}

	sr, advanced, err := w.mon.UpdateSubRecord(tr, subID, m.Details.State, retries)
	if err != nil {
		return err
	}
	if advanced {
		logger.DebugCtx(ctx, "sub-transaction advanced",
			logger.KeyState, m.Details.State.String(), logger.KeyRetries, retries)
	}

	if m.Details.State == message.StateFailed {
		var failed []message.PathDetails
		for _, pd := range m.Data.FileList {
			if pd.FailureReason != "" {
				failed = append(failed, pd)
			}
		}
		if err := w.mon.AddFailedFiles(sr, failed); err != nil {
			return err
		}
	}
	for _, warning := range m.Details.Warnings {
		if err := w.mon.AddWarning(tr, warning); err != nil {
			return err
		}
	}
	return nil
}

// TransactionStatus is the stat RPC response item.
type TransactionStatus struct {
	TransactionID string            `json:"transaction_id"`
	JobLabel      string            `json:"job_label,omitempty"`
	User          string            `json:"user"`
	Group         string            `json:"group"`
	APIAction     string            `json:"api_action"`
	CreationTime  string            `json:"creation_time"`
	State         string            `json:"state"`
	Warnings      []string          `json:"warnings,omitempty"`
	SubRecords    []SubRecordStatus `json:"sub_records"`
}

// SubRecordStatus is one split within a TransactionStatus.
type SubRecordStatus struct {
	SubID       string           `json:"sub_id"`
	State       string           `json:"state"`
	RetryCount  int              `json:"retry_count"`
	LastUpdated string           `json:"last_updated"`
	FailedFiles []FailedFileInfo `json:"failed_files,omitempty"`
}

// FailedFileInfo is one permanently failed path.
type FailedFileInfo struct {
	Filepath string `json:"filepath"`
	Reason   string `json:"reason"`
}

// HandleRPC implements worker.RPCHandler for the stat query.
func (w *Worker) HandleRPC(_ context.Context, _ fabric.RoutingKey,
	m *message.Message) ([]byte, error) {

	if m.Details.APIAction != fabric.ActionStat {
		return nil, fmt.Errorf("unsupported rpc action %q on monitor queue", m.Details.APIAction)
	}

	records, err := w.mon.Stat(StatQuery{
		User:          m.Details.User,
		Group:         m.Details.Group,
		GroupAll:      m.Details.GroupAll,
		TransactionID: m.Meta.TransactionID,
		JobLabel:      m.Details.JobLabel,
		APIAction:     m.Meta.APIAction,
		State:         m.Meta.State,
		SubID:         m.Meta.SubID,
	})
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	statuses := make([]TransactionStatus, 0, len(records))
	for _, tr := range records {
		statuses = append(statuses, transactionStatus(tr))
	}
	return json.Marshal(map[string]any{
		"user":    m.Details.User,
		"group":   m.Details.Group,
		"records": statuses,
	})
}

func transactionStatus(tr TransactionRecord) TransactionStatus {
	st := TransactionStatus{
		TransactionID: tr.TransactionID,
		JobLabel:      tr.JobLabel,
		User:          tr.User,
		Group:         tr.Group,
		APIAction:     tr.APIAction,
		CreationTime:  tr.CreationTime.UTC().Format("2006-01-02T15:04:05Z"),
		State:         Rollup(tr.SubRecords).String(),
	}
	for _, wn := range tr.Warnings {
		st.Warnings = append(st.Warnings, wn.Warning)
	}
	for _, sr := range tr.SubRecords {
		srs := SubRecordStatus{
			SubID:       sr.SubID,
			State:       sr.State.String(),
			RetryCount:  sr.RetryCount,
			LastUpdated: sr.LastUpdated.UTC().Format("2006-01-02T15:04:05Z"),
		}
		for _, ff := range sr.FailedFiles {
			srs.FailedFiles = append(srs.FailedFiles, FailedFileInfo{
				Filepath: ff.Filepath, Reason: ff.Reason,
			})
		}
		st.SubRecords = append(st.SubRecords, srs)
	}
	return st
}
