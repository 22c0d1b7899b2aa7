package monitor

import (
	"time"

	"github.com/nearlinedata/nlds/pkg/message"
)

// TransactionRecord tracks one user request across all its splits.
type TransactionRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TransactionID string    `gorm:"not null;size:36;uniqueIndex" json:"transaction_id"`
	JobLabel      string    `gorm:"size:255" json:"job_label"`
	User          string    `gorm:"not null;size:255;index" json:"user"`
	Group         string    `gorm:"not null;size:255;index" json:"group"`
	APIAction     string    `gorm:"not null;size:32" json:"api_action"`
	CreationTime  time.Time `gorm:"autoCreateTime" json:"creation_time"`

	SubRecords []SubRecord `gorm:"foreignKey:TransactionRecordID" json:"sub_records,omitempty"`
	Warnings   []Warning   `gorm:"foreignKey:TransactionRecordID" json:"warnings,omitempty"`
}

// TableName returns the table name for TransactionRecord.
func (TransactionRecord) TableName() string {
	return "transaction_records"
}

// SubRecord tracks one sub-transaction produced by splitting. State only
// moves forward (the ratchet); LastUpdated stamps each advance.
type SubRecord struct {
	ID                  uint          `gorm:"primaryKey" json:"id"`
	SubID               string        `gorm:"not null;size:36;uniqueIndex" json:"sub_id"`
	TransactionRecordID uint          `gorm:"not null;index" json:"transaction_record_id"`
	State               message.State `gorm:"not null" json:"state"`
	RetryCount          int           `gorm:"default:0" json:"retry_count"`
	LastUpdated         time.Time     `gorm:"autoUpdateTime" json:"last_updated"`

	FailedFiles []FailedFile `gorm:"foreignKey:SubRecordID" json:"failed_files,omitempty"`
}

// TableName returns the table name for SubRecord.
func (SubRecord) TableName() string {
	return "sub_records"
}

// FailedFile records one permanently failed path and why.
type FailedFile struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Filepath    string `gorm:"not null;size:1024" json:"filepath"`
	Reason      string `gorm:"size:1024" json:"reason"`
	SubRecordID uint   `gorm:"not null;index" json:"sub_record_id"`
}

// TableName returns the table name for FailedFile.
func (FailedFile) TableName() string {
	return "failed_files"
}

// Warning is a non-fatal condition surfaced to the user with the
// transaction status.
type Warning struct {
	ID                  uint   `gorm:"primaryKey" json:"id"`
	Warning             string `gorm:"not null;size:1024" json:"warning"`
	TransactionRecordID uint   `gorm:"not null;index" json:"transaction_record_id"`
}

// TableName returns the table name for Warning.
func (Warning) TableName() string {
	return "warnings"
}

// Models lists every monitor table for migration.
func Models() []any {
	return []any{&TransactionRecord{}, &SubRecord{}, &FailedFile{}, &Warning{}}
}
