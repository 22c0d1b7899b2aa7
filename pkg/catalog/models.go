package catalog

import (
	"time"
)

// Holding is a collection of transactions under a human label, unique per
// user.
type Holding struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Label string `gorm:"not null;size:255;uniqueIndex:idx_holding_user_label" json:"label"`
	User  string `gorm:"not null;size:255;uniqueIndex:idx_holding_user_label" json:"user"`
	Group string `gorm:"not null;size:255" json:"group"`

	Transactions []Transaction `gorm:"foreignKey:HoldingID" json:"transactions,omitempty"`
	Tags         []Tag         `gorm:"foreignKey:HoldingID" json:"tags,omitempty"`
}

// TableName returns the table name for Holding.
func (Holding) TableName() string {
	return "holdings"
}

// TagMap flattens the holding's tags.
func (h *Holding) TagMap() map[string]string {
	tags := make(map[string]string, len(h.Tags))
	for _, t := range h.Tags {
		tags[t.Key] = t.Value
	}
	return tags
}

// Transaction records one user put-batch. A batch may be split downstream
// but keeps a single uuid.
type Transaction struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TransactionID string    `gorm:"not null;size:36;index" json:"transaction_id"`
	IngestTime    time.Time `gorm:"autoCreateTime" json:"ingest_time"`
	HoldingID     uint      `gorm:"not null;index" json:"holding_id"`

	Files []File `gorm:"foreignKey:TransactionID" json:"files,omitempty"`
}

// TableName returns the table name for Transaction.
func (Transaction) TableName() string {
	return "transactions"
}

// Tag is one key/value annotation on a holding.
type Tag struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Key       string `gorm:"not null;size:255;index" json:"key"`
	Value     string `gorm:"size:255" json:"value"`
	HoldingID uint   `gorm:"not null;index" json:"holding_id"`
}

// TableName returns the table name for Tag.
func (Tag) TableName() string {
	return "tags"
}

// File is one catalogued path. Created provisionally by catalog-put with no
// Location; a Location is attached when the transfer or archive completes.
type File struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	TransactionID uint   `gorm:"not null;index;column:transaction_id" json:"transaction_id"`
	OriginalPath  string `gorm:"not null;index" json:"original_path"`
	PathType      string `gorm:"not null;size:32" json:"path_type"`
	LinkPath      string `gorm:"size:1024" json:"link_path,omitempty"`
	Size          int64  `json:"size"`
	User          uint32 `json:"user"`
	Group         uint32 `json:"group"`
	FilePermissions uint32 `gorm:"column:file_permissions" json:"permissions"`

	Locations []Location `gorm:"foreignKey:FileID" json:"locations,omitempty"`
	Checksums []Checksum `gorm:"foreignKey:FileID" json:"checksums,omitempty"`
}

// TableName returns the table name for File.
func (File) TableName() string {
	return "files"
}

// Location places one copy of a file on a storage tier. An empty
// OBJECT_STORAGE path marks a recall in progress; an empty TAPE path marks
// an archive in progress.
type Location struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	StorageType string  `gorm:"not null;size:32;index" json:"storage_type"`
	URLScheme   string  `gorm:"size:32" json:"url_scheme"`
	URLNetloc   string  `gorm:"size:255" json:"url_netloc"`
	Root        string  `gorm:"size:1024" json:"root"`
	Path        string  `gorm:"size:1024" json:"path"`
	AccessTime  float64 `json:"access_time"`
	FileID      uint    `gorm:"not null;index" json:"file_id"`
	// AggregationID links a TAPE location to the bundle holding the copy.
	AggregationID *uint `gorm:"index" json:"aggregation_id,omitempty"`
}

// TableName returns the table name for Location.
func (Location) TableName() string {
	return "locations"
}

// Aggregation is one tar bundle written to tape; member files link in
// through their TAPE locations.
type Aggregation struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Tarname   string `gorm:"not null;size:1024" json:"tarname"`
	Checksum  string `gorm:"size:64" json:"checksum"`
	Algorithm string `gorm:"size:32" json:"algorithm"`
	FailedFl  bool   `gorm:"default:false;column:failed_fl" json:"failed"`

	Locations []Location `gorm:"foreignKey:AggregationID" json:"locations,omitempty"`
}

// TableName returns the table name for Aggregation.
func (Aggregation) TableName() string {
	return "aggregations"
}

// Checksum is a stored digest for one file.
type Checksum struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Value     string `gorm:"not null;size:64;index" json:"value"`
	Algorithm string `gorm:"not null;size:32" json:"algorithm"`
	FileID    uint   `gorm:"not null;index" json:"file_id"`
}

// TableName returns the table name for Checksum.
func (Checksum) TableName() string {
	return "checksums"
}

// Quota caps how much a group may hold across all its holdings.
type Quota struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Group string `gorm:"not null;size:255;uniqueIndex" json:"group"`
	Size  int64  `json:"size"`
	Used  int64  `json:"used"`
}

// TableName returns the table name for Quota.
func (Quota) TableName() string {
	return "quotas"
}

// Models lists every catalog table for migration.
func Models() []any {
	return []any{
		&Holding{}, &Transaction{}, &Tag{}, &File{},
		&Location{}, &Aggregation{}, &Checksum{}, &Quota{},
	}
}
