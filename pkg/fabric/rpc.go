package fabric

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrRPCTimeout is returned when a synchronous call receives no reply within
// its time limit. The HTTP layer surfaces it as 504.
var ErrRPCTimeout = errors.New("rpc call timed out waiting for reply")

// DefaultRPCTimeLimit bounds a synchronous request/reply round-trip.
const DefaultRPCTimeLimit = 30 * time.Second

// RPCConfig configures the publisher side of the RPC channel.
type RPCConfig struct {
	TimeLimit time.Duration `mapstructure:"time_limit"`
	// Exclusive reply queues are torn down as soon as the call returns.
	QueueExclusivity bool `mapstructure:"queue_exclusivity"`
}

// ApplyDefaults fills unset options.
func (c *RPCConfig) ApplyDefaults() {
	if c.TimeLimit <= 0 {
		c.TimeLimit = DefaultRPCTimeLimit
	}
}

// Call publishes a request and blocks for the correlated reply. A private
// reply queue is declared per call; the receiver must publish its response
// to the delivery's ReplyTo with the same correlation id. On timeout the
// reply queue is abandoned and ErrRPCTimeout returned.
func (b *Broker) Call(ctx context.Context, key string, body []byte, cfg RPCConfig) ([]byte, error) {
	cfg.ApplyDefaults()

	replyQueue := "reply." + uuid.NewString()
	if err := b.DeclareQueue(QueueSpec{Name: replyQueue, Exclusive: true}); err != nil {
		return nil, err
	}
	defer b.DeleteQueue(replyQueue)

	cctx, cancel := context.WithTimeout(ctx, cfg.TimeLimit)
	defer cancel()

	deliveries, err := b.Consume(cctx, replyQueue)
	if err != nil {
		return nil, err
	}

	corrID := uuid.NewString()
	if err := b.Publish(key, body, WithReply(corrID, replyQueue)); err != nil {
		return nil, err
	}

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil, ErrRPCTimeout
			}
			d.Ack()
			// A stale reply from an earlier abandoned call shares no
			// correlation id with us; skip it.
			if d.CorrelationID != corrID {
				continue
			}
			return d.Body, nil
		case <-cctx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrRPCTimeout
		}
	}
}

// Reply sends an RPC response for the given request delivery, echoing its
// correlation id back to the caller's reply queue.
func (b *Broker) Reply(req *Delivery, body []byte) error {
	if req.ReplyTo == "" {
		return errors.New("delivery has no reply-to queue")
	}
	return b.PublishToQueue(req.ReplyTo, body, WithReply(req.CorrelationID, ""))
}
