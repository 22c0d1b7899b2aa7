// Package transfer moves file content between the POSIX tier and the
// object store: transfer-put streams indexed files up, transfer-get
// streams objects back down and restores ownership and links.
package transfer

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/objectstore"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// Default queue names.
const (
	DefaultPutQueueName = "transfer_put_q"
	DefaultGetQueueName = "transfer_get_q"
)

// Config tunes both transfer directions.
type Config struct {
	QueueName string `mapstructure:"queue_name"`
	// Tenancy is the default object store endpoint when the message does
	// not carry one.
	Tenancy string `mapstructure:"tenancy"`
	// FilelistMaxLength chunks an init list into start sublists.
	FilelistMaxLength int   `mapstructure:"filelist_max_length"`
	ChunkSize         int64 `mapstructure:"chunk_size"`
	MaxRetries        int   `mapstructure:"max_retries"`
	// ChownFl enables ownership restoration on get.
	ChownFl bool `mapstructure:"chown_fl"`
	// ChownCmd names a privileged helper executable for deployments where
	// the worker itself cannot chown. Empty means chown directly.
	ChownCmd string `mapstructure:"chown_cmd"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults(queueName string) {
	if c.QueueName == "" {
		c.QueueName = queueName
	}
	if c.FilelistMaxLength == 0 {
		c.FilelistMaxLength = 1000
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = objectstore.DefaultChunkSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = worker.DefaultMaxRetries
	}
}

// credentials extracts the caller's object store keys from the envelope.
func credentials(m *message.Message) objectstore.Credentials {
	return objectstore.Credentials{
		AccessKey: m.Details.AccessKey,
		SecretKey: m.Details.SecretKey,
	}
}

// userError reports whether a transfer failure is the caller's problem
// (no retry will fix it) rather than a transient system fault.
func userError(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, objectstore.ErrNotFound)
}

// lists partitions one stage's outcomes.
type lists struct {
	completed []message.PathDetails
	retry     []message.PathDetails
	failed    []message.PathDetails
}

// fail classifies one path failure: user errors are terminal, system
// errors retry with back-off until the counter exhausts.
func (l *lists) fail(pd message.PathDetails, err error, maxRetries int) {
	if userError(err) {
		pd.Fail(err.Error(), maxRetries)
		l.failed = append(l.failed, pd)
		return
	}
	pd.Retries.Increment(err.Error())
	if pd.Retries.Count >= maxRetries {
		pd.FailureReason = err.Error()
		l.failed = append(l.failed, pd)
		return
	}
	l.retry = append(l.retry, pd)
}

// emit publishes the three partitions under one worker segment: completed
// to .complete, retries back to .start with delay, failures to .failed.
func (l *lists) emit(pub *worker.Publisher, m *message.Message, wk string, st message.State) error {
	if err := pub.SendPathList(m, wk, fabric.StateComplete,
		l.completed, worker.ModeProcessed, st); err != nil {
		return err
	}
	if err := pub.SendPathList(m, wk, fabric.StateStart,
		l.retry, worker.ModeRetry, st); err != nil {
		return err
	}
	return pub.SendPathList(m, wk, fabric.StateFailed,
		l.failed, worker.ModeFailed, st)
}

// chunk re-emits an init list as start sublists of at most maxLen paths.
func chunk(pub *worker.Publisher, m *message.Message, wk string,
	maxLen int, st message.State) error {

	list := m.Data.FileList
	for start := 0; start < len(list); start += maxLen {
		end := start + maxLen
		if end > len(list) {
			end = len(list)
		}
		if err := pub.SendPathList(m, wk, fabric.StateStart,
			list[start:end], worker.ModeProcessed, st); err != nil {
			return err
		}
	}
	return nil
}

// objectFor resolves the bucket and key a path's content lives under,
// preferring the catalogued location over the derived name.
func objectFor(m *message.Message, pd *message.PathDetails) (bucket, key string) {
	if loc, ok := pd.Locations.Get(message.StorageObject); ok && loc.Path != "" {
		return loc.Root, loc.Path
	}
	if pd.ObjectName != "" {
		if i := strings.IndexByte(pd.ObjectName, ':'); i >= 0 {
			return pd.ObjectName[:i], pd.ObjectName[i+1:]
		}
	}
	return message.ObjectBucket(m.Details.TransactionID), message.ObjectKey(pd.OriginalPath)
}

// targetPath resolves where a get lands: under the requested target
// directory when one is given, else back at the original path.
func targetPath(target, originalPath string) string {
	if target == "" {
		return originalPath
	}
	return filepath.Join(target, strings.TrimPrefix(originalPath, string(os.PathSeparator)))
}

func isLink(pd *message.PathDetails) bool {
	return pd.PathType == message.PathTypeLinkCommon ||
		pd.PathType == message.PathTypeLinkAbsolute
}
