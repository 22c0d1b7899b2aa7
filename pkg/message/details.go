package message

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"syscall"
	"time"
)

// PathType classifies an indexed path. Stored in the catalog; values are
// part of the persisted schema.
type PathType int

const (
	PathTypeFile PathType = iota
	PathTypeDirectory
	// PathTypeLinkCommon is a symlink whose target resolves inside the
	// common root of its batch; recorded with a relative link path.
	PathTypeLinkCommon
	// PathTypeLinkAbsolute is a symlink pointing outside the batch root;
	// recorded with an absolute link path.
	PathTypeLinkAbsolute
	PathTypeNotRecognised
	PathTypeUnindexed
)

var pathTypeNames = [...]string{
	"FILE", "DIRECTORY", "LINK_COMMON", "LINK_ABSOLUTE", "NOT_RECOGNISED", "UNINDEXED",
}

func (p PathType) String() string {
	if p >= 0 && int(p) < len(pathTypeNames) {
		return pathTypeNames[p]
	}
	return "NOT_RECOGNISED"
}

// ParsePathType maps a stored path type name back to its enum value.
func ParsePathType(s string) PathType {
	for i, name := range pathTypeNames {
		if name == s {
			return PathType(i)
		}
	}
	return PathTypeNotRecognised
}

// Storage types for path locations.
const (
	StorageObject = "OBJECT_STORAGE"
	StorageTape   = "TAPE"
)

// PathLocation mirrors one catalog Location in flight: where a copy of the
// file lives (or will live) on a storage tier.
type PathLocation struct {
	StorageType   string  `json:"storage_type"`
	URLScheme     string  `json:"url_scheme"`
	URLNetloc     string  `json:"url_netloc"`
	Root          string  `json:"root"`
	Path          string  `json:"path"`
	AccessTime    float64 `json:"access_time"`
	AggregationID uint    `json:"aggregation_id,omitempty"`
}

// URL renders the location as scheme://netloc/root/path.
func (l PathLocation) URL() string {
	return fmt.Sprintf("%s://%s/%s/%s", l.URLScheme, l.URLNetloc, l.Root, l.Path)
}

// PathLocations carries at most one location per storage type.
type PathLocations struct {
	Locations []PathLocation `json:"storage_locations"`
}

// Add appends a location; adding a second location of the same storage type
// is an error.
func (pl *PathLocations) Add(loc PathLocation) error {
	if pl.Has(loc.StorageType) {
		return fmt.Errorf("path already has a %s location", loc.StorageType)
	}
	pl.Locations = append(pl.Locations, loc)
	return nil
}

// Get returns the location of the given storage type, if present.
func (pl *PathLocations) Get(storageType string) (PathLocation, bool) {
	for _, l := range pl.Locations {
		if l.StorageType == storageType {
			return l, true
		}
	}
	return PathLocation{}, false
}

// Has reports whether a location of the given storage type is present.
func (pl *PathLocations) Has(storageType string) bool {
	_, ok := pl.Get(storageType)
	return ok
}

// Reset drops all locations.
func (pl *PathLocations) Reset() { pl.Locations = nil }

// Retries tracks how many times work on a path has been retried and why.
type Retries struct {
	Count   int      `json:"count"`
	Reasons []string `json:"reasons,omitempty"`
}

// Increment advances the counter, recording the reason for this attempt.
func (r *Retries) Increment(reason string) {
	r.Count++
	r.Reasons = append(r.Reasons, reason)
}

// Reset clears the counter after a successful stage.
func (r *Retries) Reset() {
	r.Count = 0
	r.Reasons = nil
}

// PathDetails is the per-file unit of work flowing through every stage.
type PathDetails struct {
	OriginalPath string `json:"original_path"`
	// ObjectName is assigned after a successful transfer-put; derived
	// deterministically from the transaction id and a path hash so replays
	// and concurrent puts agree on the target object.
	ObjectName    string        `json:"object_name,omitempty"`
	PathType      PathType      `json:"path_type"`
	LinkPath      string        `json:"link_path,omitempty"`
	Size          int64         `json:"size"`
	User          uint32        `json:"user"`
	Group         uint32        `json:"group"`
	Permissions   uint32        `json:"permissions"`
	AccessTime    float64       `json:"access_time"`
	Retries       Retries       `json:"retries"`
	Locations     PathLocations `json:"locations"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// FromStat fills size, ownership, permissions and access time from a stat
// result.
func (pd *PathDetails) FromStat(info os.FileInfo) {
	pd.Size = info.Size()
	pd.Permissions = uint32(info.Mode().Perm())
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		pd.User = st.Uid
		pd.Group = st.Gid
		pd.AccessTime = float64(st.Atim.Sec) + float64(st.Atim.Nsec)/1e9
	} else {
		pd.AccessTime = float64(info.ModTime().UnixNano()) / float64(time.Second)
	}
}

// Fail marks the path permanently failed: the retry counter is pushed to the
// limit so no further attempt is scheduled.
func (pd *PathDetails) Fail(reason string, maxRetries int) {
	pd.FailureReason = reason
	pd.Retries.Count = maxRetries
	pd.Retries.Reasons = append(pd.Retries.Reasons, reason)
}

// ObjectBucket is the per-transaction bucket on the object store.
func ObjectBucket(transactionID string) string {
	return "nlds." + transactionID
}

// ObjectKey derives the deterministic object name for a path within its
// transaction. Uniqueness follows from the transaction id scoping the bucket
// and the hash scoping the key.
func ObjectKey(originalPath string) string {
	sum := sha256.Sum256([]byte(originalPath))
	return hex.EncodeToString(sum[:])
}

// ObjectName is the displayable bucket:key pair.
func ObjectName(transactionID, originalPath string) string {
	return ObjectBucket(transactionID) + ":" + ObjectKey(originalPath)
}
