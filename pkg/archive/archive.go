// Package archive moves aggregated file content between the object store
// and tape. Writes bundle many objects into one tar so tape mounts amortise
// across large records; reads run the asynchronous prepare/poll staging
// protocol before streaming an aggregate back.
package archive

import (
	"fmt"
	"strings"

	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/objectstore"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// Default queue names.
const (
	DefaultPutQueueName = "archive_put_q"
	DefaultGetQueueName = "archive_get_q"
)

// DefaultMaxAggregateSize bounds one tar bundle. Tape economics want
// multi-GB records; the ceiling keeps a bundle inside the tape cache.
const DefaultMaxAggregateSize = int64(5) * 1024 * 1024 * 1024

// DefaultPrepareRequeueMS is how long a prepare-check waits before
// re-polling the tape system.
const DefaultPrepareRequeueMS = 30000

// ChecksumAlgorithm names the running digest computed over each aggregate.
const ChecksumAlgorithm = "ADLER32"

// Config tunes both archive directions.
type Config struct {
	QueueName        string `mapstructure:"queue_name"`
	TapeURL          string `mapstructure:"tape_url"`
	MaxAggregateSize int64  `mapstructure:"max_aggregate_size"`
	ChunkSize        int64  `mapstructure:"chunk_size"`
	MaxRetries       int    `mapstructure:"max_retries"`
	PrepareRequeueMS int    `mapstructure:"prepare_requeue_delay"`
	// QueryChecksum verifies the aggregate digest on read-back.
	QueryChecksum bool `mapstructure:"query_checksum_fl"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults(queueName string) {
	if c.QueueName == "" {
		c.QueueName = queueName
	}
	if c.MaxAggregateSize == 0 {
		c.MaxAggregateSize = DefaultMaxAggregateSize
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = objectstore.DefaultChunkSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = worker.DefaultMaxRetries
	}
	if c.PrepareRequeueMS == 0 {
		c.PrepareRequeueMS = DefaultPrepareRequeueMS
	}
}

// memberObject resolves the bucket and key a member's content lives under
// on the object store.
func memberObject(pd *message.PathDetails) (bucket, key string, err error) {
	if loc, ok := pd.Locations.Get(message.StorageObject); ok && loc.Root != "" {
		key = loc.Path
		if key == "" {
			key = message.ObjectKey(pd.OriginalPath)
		}
		return loc.Root, key, nil
	}
	if pd.ObjectName != "" {
		if i := strings.IndexByte(pd.ObjectName, ':'); i >= 0 {
			return pd.ObjectName[:i], pd.ObjectName[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("path %s has no object store location", pd.OriginalPath)
}

// memberName is the tar entry name for one member: bucket/key, so
// extraction maps straight back to the object store.
func memberName(bucket, key string) string {
	return bucket + "/" + key
}

// setTapePath fills the tape location of an in-flight path with the
// aggregate it was written into.
func setTapePath(pd *message.PathDetails, tarname string, aggregationID uint) {
	for i := range pd.Locations.Locations {
		loc := &pd.Locations.Locations[i]
		if loc.StorageType == message.StorageTape {
			loc.Path = tarname
			loc.AggregationID = aggregationID
			return
		}
	}
	pd.Locations.Locations = append(pd.Locations.Locations, message.PathLocation{
		StorageType:   message.StorageTape,
		Path:          tarname,
		AggregationID: aggregationID,
	})
}

// tarnameOf returns the aggregate a member belongs to, from its filled
// tape location.
func tarnameOf(pd *message.PathDetails) string {
	if loc, ok := pd.Locations.Get(message.StorageTape); ok {
		return loc.Path
	}
	return ""
}
