package logger

import "log/slog"

// Standard field keys for structured logging. Use these keys consistently
// across all stages so log aggregation can correlate a transaction end to
// end regardless of which worker emitted the record.
const (
	// Correlation
	KeyTransactionID = "transaction_id" // transaction uuid
	KeySubID         = "sub_id"         // sub-transaction uuid
	KeyRoutingKey    = "routing_key"    // application.worker.state
	KeyQueue         = "queue"          // consuming queue
	KeyWorker        = "worker"         // worker segment of the key
	KeyState         = "state"          // workflow state name
	KeyAPIAction     = "api_action"     // put, get, del, ...

	// Principals
	KeyUser  = "user"
	KeyGroup = "group"
	KeyUID   = "uid"
	KeyGID   = "gid"

	// Files and storage
	KeyPath        = "path"        // original POSIX path
	KeyObjectName  = "object_name" // bucket:key on the object store
	KeyTenancy     = "tenancy"     // object store namespace
	KeyBucket      = "bucket"
	KeyTapeURL     = "tape_url"
	KeyTarname     = "tarname"     // aggregate container name
	KeyPrepareID   = "prepare_id"  // tape prepare handle
	KeySize        = "size"        // bytes
	KeyCount       = "count"       // list lengths
	KeyHoldingID   = "holding_id"
	KeyLabel       = "label"
	KeyAggregation = "aggregation_id"

	// Outcomes
	KeyError   = "error"
	KeyReason  = "reason"  // failure reason attached to a path
	KeyRetries = "retries" // retry counter value
	KeyDelayMS = "delay_ms"

	// Timing
	KeyDurationMS = "duration_ms"
)

// Err returns a slog.Attr for an error value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Transaction returns a slog.Attr for a transaction id.
func Transaction(id string) slog.Attr { return slog.String(KeyTransactionID, id) }

// Sub returns a slog.Attr for a sub-transaction id.
func Sub(id string) slog.Attr { return slog.String(KeySubID, id) }

// Path returns a slog.Attr for an original file path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// Count returns a slog.Attr for a list length.
func Count(n int) slog.Attr { return slog.Int(KeyCount, n) }

// Size returns a slog.Attr for a byte count.
func Size(n int64) slog.Attr { return slog.Int64(KeySize, n) }

// Reason returns a slog.Attr for a per-path failure reason.
func Reason(r string) slog.Attr { return slog.String(KeyReason, r) }

// Key returns a slog.Attr for a routing key.
func Key(k string) slog.Attr { return slog.String(KeyRoutingKey, k) }
