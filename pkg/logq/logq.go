// Package logq ships log records over the fabric and persists them to
// rotated files. Workers publish onto <app>.log.<level>; a single shipper
// consumer aggregates every process's records into one file per level, so
// operators tail a handful of files instead of one stream per replica.
package logq

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/fabric"
)

// DefaultQueueName is the shipper's consuming queue.
const DefaultQueueName = "logging_q"

// DefaultMaxSizeMB is the rollover threshold per level file.
const DefaultMaxSizeMB = 32

// Record is one shipped log line. Fields beyond the fixed set ride in
// Fields and are appended as key=value pairs.
type Record struct {
	Time          string         `json:"time"`
	Level         string         `json:"level"`
	Message       string         `json:"message"`
	TransactionID string         `json:"transaction_id,omitempty"`
	SubID         string         `json:"sub_id,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Config tunes the shipper.
type Config struct {
	QueueName string `mapstructure:"queue_name"`
	// Directory receives one nlds_<level>.log per level segment.
	Directory string `mapstructure:"directory"`
	// MaxSizeMB triggers size-based rollover of a level file.
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = DefaultQueueName
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = DefaultMaxSizeMB
	}
}

// Shipper publishes records onto the fabric for the log worker to persist.
type Shipper struct {
	Broker *fabric.Broker
	// App is the application segment stamped on the routing key.
	App string
}

// Ship publishes one record to <app>.log.<level>.
func (s *Shipper) Ship(rec Record) error {
	level := normaliseLevel(rec.Level)
	rec.Level = level
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Broker.Publish(fabric.Key(s.App, fabric.WorkerLog, level), body)
}

// Worker consumes *.log.* and appends each record to the rotated file for
// its level. Log records are plain JSON lines, not workflow envelopes, so
// the worker reads the broker directly instead of going through the shared
// consumer runtime.
type Worker struct {
	cfg    Config
	broker *fabric.Broker

	mu    sync.Mutex
	sinks map[string]*lumberjack.Logger

	// warnOnce bounds failure logging: a persist-failure warning is itself
	// shipped back to this queue, so warning per record would feed on
	// itself whenever the sink stays broken.
	warnOnce sync.Once
}

// New builds a log shipper worker writing under cfg.Directory.
func New(b *fabric.Broker, cfg Config) *Worker {
	cfg.ApplyDefaults()
	return &Worker{
		cfg:    cfg,
		broker: b,
		sinks:  make(map[string]*lumberjack.Logger),
	}
}

// Queue declares the shipper's queue, bound to every application's log keys.
func (w *Worker) Queue() fabric.QueueSpec {
	return fabric.QueueSpec{
		Name:     w.cfg.QueueName,
		Prefetch: fabric.DefaultPrefetch,
		Bindings: []fabric.Binding{
			{RoutingKey: fabric.Key(fabric.Wild, fabric.WorkerLog, fabric.Wild)},
		},
	}
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	spec := w.Queue()
	if err := w.broker.DeclareQueue(spec); err != nil {
		return err
	}
	deliveries, err := w.broker.Consume(ctx, spec.Name)
	if err != nil {
		return err
	}
	logger.Info("log shipper ready",
		logger.KeyQueue, spec.Name, "directory", w.cfg.Directory)

	defer w.Close()
	for d := range deliveries {
		key, err := fabric.SplitKey(d.RoutingKey)
		if err != nil {
			d.Nack(false)
			continue
		}
		if err := w.append(key.State, d.Body); err != nil {
			w.warnOnce.Do(func() {
				logger.Warn("failed to persist log record", logger.Err(err))
			})
		}
		d.Ack()
	}
	return ctx.Err()
}

// append writes one record line to the level's sink. Bodies that are not
// record JSON are written verbatim so nothing shipped is ever dropped.
func (w *Worker) append(level string, body []byte) error {
	level = normaliseLevel(level)
	line := string(body)
	var rec Record
	if err := json.Unmarshal(body, &rec); err == nil && rec.Message != "" {
		line = formatRecord(&rec)
	}
	sink := w.sink(level)
	_, err := fmt.Fprintln(sink, line)
	return err
}

func (w *Worker) sink(level string) *lumberjack.Logger {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.sinks[level]; ok {
		return s
	}
	s := &lumberjack.Logger{
		Filename:   filepath.Join(w.cfg.Directory, "nlds_"+level+".log"),
		MaxSize:    w.cfg.MaxSizeMB,
		MaxBackups: w.cfg.MaxBackups,
		MaxAge:     w.cfg.MaxAgeDays,
		Compress:   w.cfg.Compress,
	}
	w.sinks[level] = s
	return s
}

// Close flushes and closes every open level file.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.sinks {
		s.Close()
	}
	w.sinks = make(map[string]*lumberjack.Logger)
}

// formatRecord renders a record as a single grep-friendly line.
func formatRecord(rec *Record) string {
	var b strings.Builder
	b.WriteString(rec.Time)
	b.WriteString(" ")
	b.WriteString(strings.ToUpper(rec.Level))
	if rec.TransactionID != "" {
		b.WriteString(" [")
		b.WriteString(rec.TransactionID)
		if rec.SubID != "" {
			b.WriteString(":")
			b.WriteString(rec.SubID)
		}
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(rec.Message)

	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, rec.Fields[k])
	}
	return b.String()
}

// normaliseLevel maps arbitrary level segments onto the known set.
func normaliseLevel(level string) string {
	switch strings.ToLower(level) {
	case fabric.LogDebug:
		return fabric.LogDebug
	case fabric.LogWarning, "warn":
		return fabric.LogWarning
	case fabric.LogError:
		return fabric.LogError
	case fabric.LogCritical:
		return fabric.LogCritical
	default:
		return fabric.LogInfo
	}
}
