// Package monitor is the progress store: one record per transaction, one
// sub-record per split, advanced by a forward-only state ratchet so
// replayed and out-of-order messages cannot roll progress back.
package monitor

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/nearlinedata/nlds/pkg/message"
)

// ErrRecordNotFound is returned when no transaction matches a stat query.
var ErrRecordNotFound = errors.New("transaction record not found")

// Monitor wraps the relational store.
type Monitor struct {
	db *gorm.DB
}

// New wraps an opened database.
func New(db *gorm.DB) *Monitor {
	return &Monitor{db: db}
}

// DB exposes the underlying handle.
func (m *Monitor) DB() *gorm.DB { return m.db }

// GetOrCreateTransaction resolves the record for a transaction id, creating
// it on first sight.
func (m *Monitor) GetOrCreateTransaction(d message.Details) (*TransactionRecord, error) {
	var tr TransactionRecord
	err := m.db.Where(map[string]any{"transaction_id": d.TransactionID}).First(&tr).Error
	if err == nil {
		return &tr, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to query transaction record: %w", err)
	}
	tr = TransactionRecord{
		TransactionID: d.TransactionID,
		JobLabel:      d.JobLabel,
		User:          d.User,
		Group:         d.Group,
		APIAction:     d.APIAction,
		CreationTime:  time.Now(),
	}
	if err := m.db.Create(&tr).Error; err != nil {
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}
	return &tr, nil
}

// UpdateSubRecord applies the ratchet for one sub-transaction: the state
// advances only if the incoming state supersedes the stored one. Returns
// the sub-record and whether it advanced.
func (m *Monitor) UpdateSubRecord(tr *TransactionRecord, subID string,
	state message.State, retryCount int) (*SubRecord, bool, error) {

	var sr SubRecord
	err := m.db.Where(map[string]any{"sub_id": subID}).First(&sr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sr = SubRecord{
			SubID:               subID,
			TransactionRecordID: tr.ID,
			State:               state,
			RetryCount:          retryCount,
			LastUpdated:         time.Now(),
		}
		if err := m.db.Create(&sr).Error; err != nil {
			return nil, false, fmt.Errorf("failed to create sub record: %w", err)
		}
		return &sr, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query sub record: %w", err)
	}

	if !state.Supersedes(sr.State) {
		// Equal or older state: idempotent replay, but a growing retry
		// count is still worth recording.
		if retryCount > sr.RetryCount {
			sr.RetryCount = retryCount
			if err := m.db.Model(&sr).Update("retry_count", retryCount).Error; err != nil {
				return nil, false, err
			}
		}
		return &sr, false, nil
	}

	sr.State = state
	sr.RetryCount = retryCount
	sr.LastUpdated = time.Now()
	if err := m.db.Save(&sr).Error; err != nil {
		return nil, false, fmt.Errorf("failed to update sub record: %w", err)
	}
	return &sr, true, nil
}

// AddFailedFiles records permanently failed paths against a sub-record.
func (m *Monitor) AddFailedFiles(sr *SubRecord, files []message.PathDetails) error {
	for _, pd := range files {
		ff := FailedFile{
			Filepath:    pd.OriginalPath,
			Reason:      pd.FailureReason,
			SubRecordID: sr.ID,
		}
		if err := m.db.Create(&ff).Error; err != nil {
			return fmt.Errorf("failed to record failed file: %w", err)
		}
	}
	return nil
}

// AddWarning attaches a warning to the transaction, deduplicated on replay.
func (m *Monitor) AddWarning(tr *TransactionRecord, warning string) error {
	var count int64
	err := m.db.Model(&Warning{}).
		Where(map[string]any{"transaction_record_id": tr.ID, "warning": warning}).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return m.db.Create(&Warning{Warning: warning, TransactionRecordID: tr.ID}).Error
}

// StatQuery selects transaction records for the stat RPC.
type StatQuery struct {
	User          string
	Group         string
	GroupAll      bool
	TransactionID string
	JobLabel      string
	APIAction     string
	// State filters to transactions whose rollup matches.
	State *message.State
	SubID string
}

// Stat returns matching transaction records with sub-records, failed files
// and warnings preloaded.
func (m *Monitor) Stat(q StatQuery) ([]TransactionRecord, error) {
	tx := m.db.Model(&TransactionRecord{}).
		Preload("SubRecords").
		Preload("SubRecords.FailedFiles").
		Preload("Warnings")
	if q.GroupAll {
		tx = tx.Where(map[string]any{"group": q.Group})
	} else {
		tx = tx.Where(map[string]any{"user": q.User})
	}
	if q.TransactionID != "" {
		tx = tx.Where(map[string]any{"transaction_id": q.TransactionID})
	}
	if q.JobLabel != "" {
		tx = tx.Where(map[string]any{"job_label": q.JobLabel})
	}
	if q.APIAction != "" {
		tx = tx.Where(map[string]any{"api_action": q.APIAction})
	}
	var records []TransactionRecord
	if err := tx.Order("creation_time DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query transaction records: %w", err)
	}
	if q.SubID != "" {
		records = filterBySubID(records, q.SubID)
	}
	if q.State != nil {
		var kept []TransactionRecord
		for _, r := range records {
			if Rollup(r.SubRecords) == *q.State {
				kept = append(kept, r)
			}
		}
		records = kept
	}
	if len(records) == 0 {
		return nil, ErrRecordNotFound
	}
	return records, nil
}

func filterBySubID(records []TransactionRecord, subID string) []TransactionRecord {
	var kept []TransactionRecord
	for _, r := range records {
		for _, sr := range r.SubRecords {
			if sr.SubID == subID {
				kept = append(kept, r)
				break
			}
		}
	}
	return kept
}

// Rollup computes the transaction's displayed state: the least advanced
// sub-record, except that once every sub is terminal any failure promotes
// the whole transaction to failed (or complete-with-errors when some subs
// succeeded).
func Rollup(subs []SubRecord) message.State {
	if len(subs) == 0 {
		return message.StateInitialising
	}
	min := subs[0].State
	allTerminal := true
	anyFailed := false
	anyComplete := false
	for _, sr := range subs {
		if sr.State < min {
			min = sr.State
		}
		if !sr.State.Terminal() {
			allTerminal = false
		}
		switch sr.State {
		case message.StateFailed:
			anyFailed = true
		case message.StateComplete, message.StateCompleteWithErrors,
			message.StateCompleteWithWarnings:
			anyComplete = true
		}
	}
	if allTerminal && anyFailed {
		if anyComplete {
			return message.StateCompleteWithErrors
		}
		return message.StateFailed
	}
	return min
}
