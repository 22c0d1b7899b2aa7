// Package fabric implements the topic-routed message fabric that connects
// the NLDS processing stages: a topic exchange with single- and multi-segment
// wildcard bindings, per-queue prefetch limits, explicit ack/nack with
// requeue-on-delay, delayed delivery, and a request/reply RPC channel.
//
// Every routing key has exactly three dot-separated segments,
// application.worker.state. Workers must echo the inbound application
// segment on every outbound key so replies route back to the queue of the
// originating application rather than being cross-consumed.
package fabric

import (
	"fmt"
	"strings"
)

// Root is the application segment used by the NLDS API server.
const Root = "nlds-api"

// Wild matches exactly one routing key segment in a binding.
const Wild = "*"

// Hash matches zero or more trailing segments in a binding.
const Hash = "#"

// Worker segments.
const (
	WorkerRoute                = "route"
	WorkerIndex                = "index"
	WorkerCatalogPut           = "catalog-put"
	WorkerCatalogGet           = "catalog-get"
	WorkerCatalogDel           = "catalog-del"
	WorkerCatalogUpdate        = "catalog-update"
	WorkerCatalogRemove        = "catalog-remove"
	WorkerCatalogArchiveNext   = "catalog-archive-next"
	WorkerCatalogArchiveUpdate = "catalog-archive-update"
	WorkerCatalogArchiveDel    = "catalog-archive-del"
	WorkerTransferPut          = "transfer-put"
	WorkerTransferGet          = "transfer-get"
	WorkerArchivePut           = "archive-put"
	WorkerArchiveGet           = "archive-get"
	WorkerMonitorPut           = "monitor-put"
	WorkerMonitorGet           = "monitor-get"
	WorkerLog                  = "log"
)

// State segments.
const (
	StateInit           = "init"
	StateStart          = "start"
	StateComplete       = "complete"
	StateFailed         = "failed"
	StateReroute        = "reroute"
	StateNext           = "next"
	StatePrepare        = "prepare"
	StatePrepareCheck   = "prepare-check"
	StateArchiveRestore = "archive-restore"
)

// API actions carried in the message details.
const (
	ActionPut        = "put"
	ActionGet        = "get"
	ActionDel        = "del"
	ActionPutList    = "putlist"
	ActionGetList    = "getlist"
	ActionDelList    = "dellist"
	ActionList       = "list"
	ActionStat       = "stat"
	ActionFind       = "find"
	ActionMeta       = "meta"
	ActionQuota      = "quota"
	ActionSystemStat = "system_stat"
)

// Log level segments for the logging queue (*.log.<level>).
const (
	LogDebug    = "debug"
	LogInfo     = "info"
	LogWarning  = "warning"
	LogError    = "error"
	LogCritical = "critical"
)

// RoutingKey is a parsed three-segment routing key.
type RoutingKey struct {
	Application string
	Worker      string
	State       string
}

// Key joins three segments into a routing key string.
func Key(application, worker, state string) string {
	return application + "." + worker + "." + state
}

func (k RoutingKey) String() string {
	return Key(k.Application, k.Worker, k.State)
}

// SplitKey parses a routing key, requiring exactly three segments.
func SplitKey(key string) (RoutingKey, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 {
		return RoutingKey{}, fmt.Errorf("routing key %q malformed: want 3 segments, got %d",
			key, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return RoutingKey{}, fmt.Errorf("routing key %q malformed: empty segment", key)
		}
	}
	return RoutingKey{Application: parts[0], Worker: parts[1], State: parts[2]}, nil
}
