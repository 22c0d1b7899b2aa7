// Package worker is the shared consumer runtime for every NLDS stage: a
// blocking receive loop that decodes the envelope, dispatches to the stage
// callback, settles the delivery and reports state to the monitor. Stages
// are internally single-threaded; parallelism comes from running replicas,
// so correctness never depends on in-process concurrency.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/metrics"
)

// Processor is one stage's message handler. Callback runs synchronously;
// returning an error marks the sub-transaction failed in the monitor but
// still acks the delivery (poison messages must not loop forever).
type Processor interface {
	// Queue declares the stage's queue and bindings.
	Queue() fabric.QueueSpec
	// Callback processes one delivery.
	Callback(ctx context.Context, key fabric.RoutingKey, msg *message.Message, pub *Publisher) error
}

// RPCHandler is implemented by processors that answer synchronous queries
// (list, find, stat). The returned body is published to the caller's reply
// queue with the request's correlation id.
type RPCHandler interface {
	HandleRPC(ctx context.Context, key fabric.RoutingKey, msg *message.Message) ([]byte, error)
}

// ErrHalt signals a fatal system error (misconfiguration, corrupt schema).
// The consumer stops instead of acking, leaving the message for another
// replica.
var ErrHalt = errors.New("fatal consumer error")

// SystemStat is the short-circuit reply every consumer gives to an
// api_action=system_stat probe; it powers the status dashboard.
type SystemStat struct {
	Hostname    string `json:"hostname"`
	PID         int    `json:"pid"`
	ConsumerTag string `json:"consumer_tag"`
	Timestamp   string `json:"timestamp"`
}

// Consumer runs one Processor against the fabric.
type Consumer struct {
	Broker *fabric.Broker
	Proc   Processor
	Retry  RetryConfig

	tag string
}

// NewConsumer wires a processor to a broker with a unique consumer tag.
func NewConsumer(b *fabric.Broker, proc Processor, retry RetryConfig) *Consumer {
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}
	return &Consumer{
		Broker: b,
		Proc:   proc,
		Retry:  retry,
		tag:    uuid.NewString()[:8],
	}
}

// Run declares the queue and consumes until ctx is cancelled or a fatal
// error occurs.
func (c *Consumer) Run(ctx context.Context) error {
	spec := c.Proc.Queue()
	if err := c.Broker.DeclareQueue(spec); err != nil {
		return err
	}
	deliveries, err := c.Broker.Consume(ctx, spec.Name)
	if err != nil {
		return err
	}
	logger.Info("consumer ready", logger.KeyQueue, spec.Name, "consumer_tag", c.tag)

	for d := range deliveries {
		if err := c.handle(ctx, spec.Name, d); err != nil {
			if errors.Is(err, ErrHalt) {
				logger.Error("halting consumer on fatal error",
					logger.KeyQueue, spec.Name, logger.Err(err))
				d.Nack(true)
				return err
			}
		}
	}
	return ctx.Err()
}

func (c *Consumer) handle(ctx context.Context, queue string, d *fabric.Delivery) error {
	start := time.Now()
	metrics.Consumed(queue)
	defer metrics.ObserveCallback(queue, start)

	key, err := fabric.SplitKey(d.RoutingKey)
	if err != nil {
		// Protocol error: drop with a critical log, never retry.
		logger.Error("dropping message with malformed routing key",
			logger.Key(d.RoutingKey), logger.Err(err))
		d.Nack(false)
		return nil
	}

	msg, err := message.Unmarshal(d.Body)
	if err != nil {
		logger.Error("dropping malformed message envelope",
			logger.Key(d.RoutingKey), logger.Err(err))
		d.Nack(false)
		return nil
	}

	// System status probes short-circuit before any real work.
	if msg.Details.APIAction == fabric.ActionSystemStat && d.ReplyTo != "" {
		c.replySystemStat(d)
		d.Ack()
		return nil
	}

	lctx := logger.WithContext(ctx, &logger.LogContext{
		TransactionID: msg.Details.TransactionID,
		SubID:         msg.Details.SubID,
		RoutingKey:    d.RoutingKey,
		Queue:         queue,
		User:          msg.Details.User,
		Group:         msg.Details.Group,
	})

	// Synchronous queries reply on the caller's exclusive queue instead of
	// flowing through the workflow.
	if d.ReplyTo != "" {
		if rpc, ok := c.Proc.(RPCHandler); ok {
			body, err := rpc.HandleRPC(lctx, key, msg)
			if err != nil {
				logger.ErrorCtx(lctx, "rpc query failed", logger.Err(err))
				body, _ = json.Marshal(map[string]string{"error": err.Error()})
			}
			if err := c.Broker.Reply(d, body); err != nil {
				logger.WarnCtx(lctx, "failed to publish rpc reply", logger.Err(err))
			}
			d.Ack()
			return nil
		}
	}

	pub := &Publisher{Broker: c.Broker, App: key.Application, Retry: c.Retry, Queue: queue}

	if err := c.dispatch(lctx, key, msg, pub, d); err != nil {
		if errors.Is(err, ErrHalt) {
			return err
		}
		metrics.Failed(queue)
		logger.ErrorCtx(lctx, "callback failed, marking sub-transaction failed",
			logger.Err(err))
		if nerr := pub.NotifyFailed(msg); nerr != nil {
			logger.WarnCtx(lctx, "failed to mark job as failed in monitoring",
				logger.Err(nerr))
		}
	}
	d.Ack()
	return nil
}

// dispatch isolates callback panics so one poisoned message cannot take the
// consumer down.
func (c *Consumer) dispatch(ctx context.Context, key fabric.RoutingKey,
	msg *message.Message, pub *Publisher, d *fabric.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return c.Proc.Callback(ctx, key, msg, pub)
}

func (c *Consumer) replySystemStat(d *fabric.Delivery) {
	host, _ := os.Hostname()
	stat := SystemStat{
		Hostname:    host,
		PID:         os.Getpid(),
		ConsumerTag: c.tag,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(stat)
	if err != nil {
		return
	}
	if err := c.Broker.Reply(d, body); err != nil {
		logger.Warn("failed to reply to system stat probe", logger.Err(err))
	}
}

// Tag returns the consumer tag reported in system stat replies.
func (c *Consumer) Tag() string { return c.tag }
