// Package catalog implements the authoritative record of what NLDS holds
// and where each copy lives. It is organised as holdings of transactions of
// files, with per-tier locations and tape aggregations, persisted through
// gorm so the same code runs against sqlite and postgres.
package catalog

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/nearlinedata/nlds/pkg/message"
)

// Catalog wraps the relational store with the fixed operation set the
// catalog worker exposes.
type Catalog struct {
	db *gorm.DB
}

// New wraps an opened database.
func New(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// DB exposes the underlying handle for transactional composition.
func (c *Catalog) DB() *gorm.DB { return c.db }

// HoldingQuery selects holdings. User is mandatory unless GroupAll widens
// the search to everything the group owns.
type HoldingQuery struct {
	User     string
	Group    string
	GroupAll bool
	Label    string
	ID       uint
	Tags     map[string]string
}

// GetHoldings returns the holdings matching the query, tags preloaded.
func (c *Catalog) GetHoldings(q HoldingQuery) ([]Holding, error) {
	tx := c.db.Model(&Holding{}).Preload("Tags")
	if q.GroupAll {
		tx = tx.Where(map[string]any{"group": q.Group})
	} else {
		tx = tx.Where(map[string]any{"user": q.User})
	}
	if q.Label != "" {
		tx = tx.Where(map[string]any{"label": q.Label})
	}
	if q.ID != 0 {
		tx = tx.Where(map[string]any{"id": q.ID})
	}
	var holdings []Holding
	if err := tx.Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	if len(q.Tags) > 0 {
		holdings = filterByTags(holdings, q.Tags)
	}
	if len(holdings) == 0 {
		return nil, ErrHoldingNotFound
	}
	return holdings, nil
}

func filterByTags(holdings []Holding, want map[string]string) []Holding {
	var out []Holding
	for _, h := range holdings {
		tags := h.TagMap()
		match := true
		for k, v := range want {
			if tags[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, h)
		}
	}
	return out
}

// GetHolding returns exactly one holding for (user, label).
func (c *Catalog) GetHolding(user, label string) (*Holding, error) {
	var h Holding
	err := c.db.Preload("Tags").
		Where(map[string]any{"user": user, "label": label}).
		First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHoldingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query holding: %w", err)
	}
	return &h, nil
}

// GetHoldingByID returns one holding by primary key.
func (c *Catalog) GetHoldingByID(id uint) (*Holding, error) {
	var h Holding
	err := c.db.Preload("Tags").First(&h, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHoldingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query holding: %w", err)
	}
	return &h, nil
}

// CreateHolding creates a holding with optional tags.
func (c *Catalog) CreateHolding(user, group, label string, tags map[string]string) (*Holding, error) {
	h := &Holding{User: user, Group: group, Label: label}
	for k, v := range tags {
		h.Tags = append(h.Tags, Tag{Key: k, Value: v})
	}
	if err := c.db.Create(h).Error; err != nil {
		return nil, fmt.Errorf("failed to create holding %q: %w", label, err)
	}
	return h, nil
}

// SetTag upserts one tag on a holding.
func (c *Catalog) SetTag(holdingID uint, key, value string) error {
	var t Tag
	err := c.db.Where(map[string]any{"holding_id": holdingID, "key": key}).First(&t).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.db.Create(&Tag{HoldingID: holdingID, Key: key, Value: value}).Error
	case err != nil:
		return fmt.Errorf("failed to query tag %q: %w", key, err)
	}
	return c.db.Model(&t).Update("value", value).Error
}

// DeleteTag removes one tag from a holding; missing tags are ignored.
func (c *Catalog) DeleteTag(holdingID uint, key string) error {
	return c.db.Where(map[string]any{"holding_id": holdingID, "key": key}).
		Delete(&Tag{}).Error
}

// RelabelHolding renames a holding, keeping (user, label) uniqueness via the
// schema constraint.
func (c *Catalog) RelabelHolding(holdingID uint, newLabel string) error {
	return c.db.Model(&Holding{}).Where(map[string]any{"id": holdingID}).
		Update("label", newLabel).Error
}

// GetTransaction finds the transaction with the given uuid inside a holding.
func (c *Catalog) GetTransaction(holdingID uint, transactionID string) (*Transaction, error) {
	var t Transaction
	err := c.db.Where(map[string]any{
		"holding_id":     holdingID,
		"transaction_id": transactionID,
	}).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gorm.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	return &t, nil
}

// CreateTransaction appends a transaction to a holding.
func (c *Catalog) CreateTransaction(holdingID uint, transactionID string) (*Transaction, error) {
	t := &Transaction{HoldingID: holdingID, TransactionID: transactionID, IngestTime: time.Now()}
	if err := c.db.Create(t).Error; err != nil {
		return nil, fmt.Errorf("failed to create transaction %s: %w", transactionID, err)
	}
	return t, nil
}

// FileExistsInHolding reports whether original_path is already catalogued in
// any transaction of the holding.
func (c *Catalog) FileExistsInHolding(holdingID uint, originalPath string) (bool, error) {
	var count int64
	err := c.db.Model(&File{}).
		Joins("JOIN transactions ON transactions.id = files.transaction_id").
		Where("transactions.holding_id = ? AND files.original_path = ?", holdingID, originalPath).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate file: %w", err)
	}
	return count > 0, nil
}

// CreateFile catalogues one path under a transaction, provisionally with no
// location.
func (c *Catalog) CreateFile(transactionID uint, pd *message.PathDetails) (*File, error) {
	f := &File{
		TransactionID:   transactionID,
		OriginalPath:    pd.OriginalPath,
		PathType:        pd.PathType.String(),
		LinkPath:        pd.LinkPath,
		Size:            pd.Size,
		User:            pd.User,
		Group:           pd.Group,
		FilePermissions: pd.Permissions,
	}
	if err := c.db.Create(f).Error; err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", pd.OriginalPath, err)
	}
	return f, nil
}

// FileQuery resolves files by any combination of path, transaction, holding
// or tags, scoped to the caller.
type FileQuery struct {
	Holding      HoldingQuery
	OriginalPath string
	// TransactionID narrows to one ingest batch by uuid.
	TransactionID string
}

// FindFiles resolves files with locations preloaded. Holdings are resolved
// first so group scoping applies before any path match.
func (c *Catalog) FindFiles(q FileQuery) ([]File, error) {
	holdings, err := c.GetHoldings(q.Holding)
	if err != nil {
		return nil, err
	}
	holdingIDs := make([]uint, len(holdings))
	for i, h := range holdings {
		holdingIDs[i] = h.ID
	}

	tx := c.db.Model(&Transaction{}).Where("holding_id IN ?", holdingIDs)
	if q.TransactionID != "" {
		tx = tx.Where(map[string]any{"transaction_id": q.TransactionID})
	}
	var txns []Transaction
	if err := tx.Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	if len(txns) == 0 {
		return nil, ErrFileNotFound
	}
	txnIDs := make([]uint, len(txns))
	for i, t := range txns {
		txnIDs[i] = t.ID
	}

	ftx := c.db.Model(&File{}).Preload("Locations").Where("transaction_id IN ?", txnIDs)
	if q.OriginalPath != "" {
		ftx = ftx.Where(map[string]any{"original_path": q.OriginalPath})
	}
	var files []File
	if err := ftx.Find(&files).Error; err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrFileNotFound
	}
	return files, nil
}

// HoldingOfFile walks back up the foreign keys.
func (c *Catalog) HoldingOfFile(f *File) (*Holding, error) {
	var t Transaction
	if err := c.db.First(&t, f.TransactionID).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve transaction of file %d: %w", f.ID, err)
	}
	return c.GetHoldingByID(t.HoldingID)
}

// DeleteFile removes a file row with its locations and checksums.
func (c *Catalog) DeleteFile(fileID uint) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(map[string]any{"file_id": fileID}).Delete(&Location{}).Error; err != nil {
			return err
		}
		if err := tx.Where(map[string]any{"file_id": fileID}).Delete(&Checksum{}).Error; err != nil {
			return err
		}
		return tx.Delete(&File{}, fileID).Error
	})
}

// CreateLocation attaches a location to a file; one per storage type.
func (c *Catalog) CreateLocation(fileID uint, loc Location) (*Location, error) {
	var count int64
	err := c.db.Model(&Location{}).
		Where(map[string]any{"file_id": fileID, "storage_type": loc.StorageType}).
		Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check existing locations: %w", err)
	}
	if count > 0 {
		return nil, ErrLocationExists
	}
	loc.FileID = fileID
	if err := c.db.Create(&loc).Error; err != nil {
		return nil, fmt.Errorf("failed to create %s location: %w", loc.StorageType, err)
	}
	return &loc, nil
}

// GetLocation returns a file's location of one storage type.
func (c *Catalog) GetLocation(fileID uint, storageType string) (*Location, error) {
	var loc Location
	err := c.db.Where(map[string]any{"file_id": fileID, "storage_type": storageType}).
		First(&loc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLocationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s location: %w", storageType, err)
	}
	return &loc, nil
}

// UpdateLocation saves a mutated location row.
func (c *Catalog) UpdateLocation(loc *Location) error {
	if err := c.db.Save(loc).Error; err != nil {
		return fmt.Errorf("failed to update location %d: %w", loc.ID, err)
	}
	return nil
}

// DeleteLocation strips a file's location of one storage type; missing
// locations are ignored so failure compensation is idempotent.
func (c *Catalog) DeleteLocation(fileID uint, storageType string) error {
	return c.db.Where(map[string]any{"file_id": fileID, "storage_type": storageType}).
		Delete(&Location{}).Error
}

// NextUnarchivedHolding selects the oldest holding that still has a file
// with an object copy but no tape location, returning those files.
func (c *Catalog) NextUnarchivedHolding() (*Holding, []File, error) {
	// Candidate files: filled OBJECT_STORAGE location, no TAPE location.
	sub := c.db.Model(&Location{}).Select("file_id").
		Where(map[string]any{"storage_type": message.StorageTape})
	var candidates []File
	err := c.db.Model(&File{}).Preload("Locations").
		Joins("JOIN locations ON locations.file_id = files.id").
		Where("locations.storage_type = ? AND locations.path <> ''", message.StorageObject).
		Where("files.id NOT IN (?)", sub).
		Find(&candidates).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan for unarchived files: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNothingToArchive
	}

	// Resolve each candidate's holding and keep the oldest by ingest time.
	var (
		oldest     *Holding
		oldestTime time.Time
	)
	byHolding := make(map[uint][]File)
	for i := range candidates {
		var t Transaction
		if err := c.db.First(&t, candidates[i].TransactionID).Error; err != nil {
			return nil, nil, fmt.Errorf("failed to resolve transaction: %w", err)
		}
		byHolding[t.HoldingID] = append(byHolding[t.HoldingID], candidates[i])
		if oldest == nil || t.IngestTime.Before(oldestTime) {
			h, err := c.GetHoldingByID(t.HoldingID)
			if err != nil {
				return nil, nil, err
			}
			oldest = h
			oldestTime = t.IngestTime
		}
	}
	return oldest, byHolding[oldest.ID], nil
}

// CreateAggregation records one tape bundle.
func (c *Catalog) CreateAggregation(tarname, checksum, algorithm string) (*Aggregation, error) {
	agg := &Aggregation{Tarname: tarname, Checksum: checksum, Algorithm: algorithm}
	if err := c.db.Create(agg).Error; err != nil {
		return nil, fmt.Errorf("failed to create aggregation %s: %w", tarname, err)
	}
	return agg, nil
}

// GetAggregationByTarname returns the aggregation recorded under a tarname.
func (c *Catalog) GetAggregationByTarname(tarname string) (*Aggregation, error) {
	var agg Aggregation
	err := c.db.Where(map[string]any{"tarname": tarname}).First(&agg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAggregationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregation %s: %w", tarname, err)
	}
	return &agg, nil
}

// GetAggregation returns one aggregation by id.
func (c *Catalog) GetAggregation(id uint) (*Aggregation, error) {
	var agg Aggregation
	if err := c.db.First(&agg, id).Error; err != nil {
		return nil, fmt.Errorf("failed to query aggregation %d: %w", id, err)
	}
	return &agg, nil
}

// AggregationFiles returns every member file of an aggregation, locations
// preloaded.
func (c *Catalog) AggregationFiles(aggregationID uint) ([]File, error) {
	var files []File
	err := c.db.Model(&File{}).Preload("Locations").
		Joins("JOIN locations ON locations.file_id = files.id").
		Where("locations.aggregation_id = ?", aggregationID).
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregation members: %w", err)
	}
	return files, nil
}

// FailAggregation flags an aggregation whose checksum did not verify, so a
// later maintenance pass can rewrite it.
func (c *Catalog) FailAggregation(id uint) error {
	return c.db.Model(&Aggregation{}).Where(map[string]any{"id": id}).
		Update("failed_fl", true).Error
}

// GetQuota returns the group's quota row, or nil when none is configured.
func (c *Catalog) GetQuota(group string) (*Quota, error) {
	var q Quota
	err := c.db.Where(map[string]any{"group": group}).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query quota for %s: %w", group, err)
	}
	return &q, nil
}

// CheckQuota verifies that adding size bytes keeps the group under quota.
// Groups without a quota row are unlimited.
func (c *Catalog) CheckQuota(group string, size int64) error {
	q, err := c.GetQuota(group)
	if err != nil {
		return err
	}
	if q == nil {
		return nil
	}
	if q.Used+size > q.Size {
		return fmt.Errorf("%w: %d of %d bytes used, %d requested",
			ErrQuotaExceeded, q.Used, q.Size, size)
	}
	return nil
}

// AddUsage adjusts the group's recorded usage by delta bytes. Groups
// without a quota row are ignored.
func (c *Catalog) AddUsage(group string, delta int64) error {
	q, err := c.GetQuota(group)
	if err != nil || q == nil {
		return err
	}
	return c.db.Model(q).Update("used", gorm.Expr("used + ?", delta)).Error
}
