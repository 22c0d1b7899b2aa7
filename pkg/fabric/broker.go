package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Default prefetch bounds in-flight work per queue to a single message, which
// is what serialises the catalog and monitor stores (§ concurrency model).
const DefaultPrefetch = 1

// Binding attaches a queue to the exchange with a topic pattern.
type Binding struct {
	Exchange   string `mapstructure:"exchange"    json:"exchange"`
	RoutingKey string `mapstructure:"routing_key" json:"routing_key"`
}

// QueueSpec declares a work queue and its bindings.
type QueueSpec struct {
	Name     string    `mapstructure:"name"     json:"name"`
	Bindings []Binding `mapstructure:"bindings" json:"bindings"`
	Prefetch int       `mapstructure:"prefetch" json:"prefetch"`
	// Exclusive queues are deleted when their single consumer goes away.
	// Used for RPC reply queues.
	Exclusive bool `mapstructure:"exclusive" json:"exclusive"`
}

// Delivery is a message handed to a consumer. The consumer must settle it
// with exactly one of Ack, Nack or NackDelay.
type Delivery struct {
	RoutingKey    string
	Body          []byte
	CorrelationID string
	ReplyTo       string
	Redelivered   bool

	tag      uint64
	consumer int
	queue    *queue
	settled  bool
}

// Ack settles the delivery, releasing prefetch credit.
func (d *Delivery) Ack() { d.queue.settle(d, false, 0) }

// Nack settles the delivery; with requeue it is pushed back to the head of
// the queue and marked redelivered, otherwise it is dropped.
func (d *Delivery) Nack(requeue bool) { d.queue.settle(d, requeue, 0) }

// NackDelay settles the delivery and requeues it after at least the given
// delay. This is the broker side of exponential back-off.
func (d *Delivery) NackDelay(delay time.Duration) { d.queue.settle(d, true, delay) }

// PublishOptions carries optional per-message attributes.
type PublishOptions struct {
	// Delay holds the message server-side; it is routed no earlier than
	// Delay after publication.
	Delay time.Duration
	// CorrelationID and ReplyTo implement the RPC request/reply contract.
	CorrelationID string
	ReplyTo       string
}

// PublishOption mutates PublishOptions.
type PublishOption func(*PublishOptions)

// WithDelay requests delayed delivery.
func WithDelay(d time.Duration) PublishOption {
	return func(o *PublishOptions) { o.Delay = d }
}

// WithReply attaches RPC correlation attributes.
func WithReply(correlationID, replyTo string) PublishOption {
	return func(o *PublishOptions) {
		o.CorrelationID = correlationID
		o.ReplyTo = replyTo
	}
}

// Broker is an in-process topic exchange plus its bound queues. One broker
// instance backs a whole deployment of stage consumers; correctness must not
// depend on how many consumers share a queue.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	sched  *scheduler
	closed bool
}

// NewBroker creates an empty broker with a running delay scheduler.
func NewBroker() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		sched:  newScheduler(),
	}
}

// DeclareQueue creates a queue if it does not already exist. Redeclaring an
// existing queue is a no-op, matching broker semantics under reconnection.
func (b *Broker) DeclareQueue(spec QueueSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	if spec.Name == "" {
		return fmt.Errorf("queue name required")
	}
	if _, ok := b.queues[spec.Name]; ok {
		return nil
	}
	for _, bd := range spec.Bindings {
		if _, err := validatePattern(bd.RoutingKey); err != nil {
			return fmt.Errorf("queue %s: %w", spec.Name, err)
		}
	}
	prefetch := spec.Prefetch
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}
	q := &queue{
		name:     spec.Name,
		bindings: spec.Bindings,
		prefetch: prefetch,
		unacked:  make(map[uint64]*Delivery),
	}
	q.cond = sync.NewCond(&q.mu)
	b.queues[spec.Name] = q
	return nil
}

// DeleteQueue drops a queue and any pending messages on it.
func (b *Broker) DeleteQueue(name string) {
	b.mu.Lock()
	q := b.queues[name]
	delete(b.queues, name)
	b.mu.Unlock()
	if q != nil {
		q.close()
	}
}

// validatePattern accepts 3-segment keys where segments may be wildcards, or
// a bare "#".
func validatePattern(pattern string) (string, error) {
	if pattern == Hash {
		return pattern, nil
	}
	if _, err := SplitKey(pattern); err != nil {
		// Patterns like "#.index.init" have a hash that swallows one or
		// more segments; allow any dot pattern whose segments are
		// non-empty.
		for _, seg := range splitDots(pattern) {
			if seg == "" {
				return "", fmt.Errorf("binding pattern %q malformed", pattern)
			}
		}
	}
	return pattern, nil
}

func splitDots(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// Publish routes a message through the topic exchange to every queue with a
// matching binding. With WithDelay the message is held by the scheduler and
// routed when due; routing happens at delivery time so queues declared in
// the interim still receive it.
func (b *Broker) Publish(key string, body []byte, opts ...PublishOption) error {
	if _, err := SplitKey(key); err != nil {
		return err
	}
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Delay > 0 {
		b.sched.schedule(time.Now().Add(o.Delay), func() { b.route(key, body, o) })
		return nil
	}
	b.route(key, body, o)
	return nil
}

// PublishToQueue bypasses the exchange and appends directly to a named
// queue. This is the default-exchange path used for RPC replies.
func (b *Broker) PublishToQueue(name string, body []byte, opts ...PublishOption) error {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		// The caller abandoned its reply queue (RPC timeout). Late
		// replies are dropped, never redirected.
		return nil
	}
	q.enqueue(&Delivery{RoutingKey: name, Body: body,
		CorrelationID: o.CorrelationID, ReplyTo: o.ReplyTo}, false)
	return nil
}

func (b *Broker) route(key string, body []byte, o PublishOptions) {
	b.mu.Lock()
	var matched []*queue
	for _, q := range b.queues {
		for _, bd := range q.bindings {
			if topicMatch(bd.RoutingKey, key) {
				matched = append(matched, q)
				break
			}
		}
	}
	b.mu.Unlock()
	for _, q := range matched {
		// Each queue gets its own delivery so settlement is independent.
		q.enqueue(&Delivery{RoutingKey: key, Body: body,
			CorrelationID: o.CorrelationID, ReplyTo: o.ReplyTo}, false)
	}
}

// Consume registers a consumer on the queue and returns its delivery
// channel. The channel closes when ctx is cancelled or the queue is
// deleted; any deliveries left unacked by this consumer are requeued and
// redelivered, which is the crash-redelivery contract.
func (b *Broker) Consume(ctx context.Context, queueName string) (<-chan *Delivery, error) {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("queue %s not declared", queueName)
	}
	return q.consume(ctx), nil
}

// Close shuts the scheduler down and closes every queue.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.queues = make(map[string]*queue)
	b.mu.Unlock()
	b.sched.stop()
	for _, q := range queues {
		q.close()
	}
}

// queue is a FIFO with prefetch-bounded dispatch and explicit settlement.
type queue struct {
	name     string
	bindings []Binding
	prefetch int

	mu       sync.Mutex
	cond     *sync.Cond
	ready    []*Delivery
	unacked  map[uint64]*Delivery
	nextTag  uint64
	nextCons int
	closed   bool
}

func (q *queue) enqueue(d *Delivery, front bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	d.queue = q
	if front {
		q.ready = append([]*Delivery{d}, q.ready...)
	} else {
		q.ready = append(q.ready, d)
	}
	q.cond.Broadcast()
}

func (q *queue) consume(ctx context.Context) <-chan *Delivery {
	q.mu.Lock()
	q.nextCons++
	id := q.nextCons
	q.mu.Unlock()

	ch := make(chan *Delivery)
	stop := ctx.Done()
	go func() {
		<-stop
		q.cond.Broadcast()
	}()
	go func() {
		defer close(ch)
		defer q.requeueUnacked(id)
		for {
			q.mu.Lock()
			for !q.closed && ctx.Err() == nil &&
				(len(q.ready) == 0 || len(q.unacked) >= q.prefetch) {
				q.cond.Wait()
			}
			if q.closed || ctx.Err() != nil {
				q.mu.Unlock()
				return
			}
			d := q.ready[0]
			q.ready = q.ready[1:]
			q.nextTag++
			d.tag = q.nextTag
			d.consumer = id
			d.settled = false
			q.unacked[d.tag] = d
			q.mu.Unlock()

			select {
			case ch <- d:
			case <-stop:
				q.mu.Lock()
				delete(q.unacked, d.tag)
				d.Redelivered = true
				q.ready = append([]*Delivery{d}, q.ready...)
				q.cond.Broadcast()
				q.mu.Unlock()
				return
			}
		}
	}()
	return ch
}

// requeueUnacked returns a dead consumer's in-flight deliveries to the head
// of the queue, marked redelivered.
func (q *queue) requeueUnacked(consumer int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var back []*Delivery
	for tag, d := range q.unacked {
		if d.consumer == consumer {
			delete(q.unacked, tag)
			d.Redelivered = true
			back = append(back, d)
		}
	}
	q.ready = append(back, q.ready...)
	if len(back) > 0 {
		q.cond.Broadcast()
	}
}

func (q *queue) settle(d *Delivery, requeue bool, delay time.Duration) {
	q.mu.Lock()
	if d.settled {
		q.mu.Unlock()
		return
	}
	d.settled = true
	delete(q.unacked, d.tag)
	if requeue && delay == 0 {
		d.Redelivered = true
		q.ready = append([]*Delivery{d}, q.ready...)
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	if requeue && delay > 0 {
		redelivery := &Delivery{RoutingKey: d.RoutingKey, Body: d.Body,
			CorrelationID: d.CorrelationID, ReplyTo: d.ReplyTo, Redelivered: true}
		time.AfterFunc(delay, func() { q.enqueue(redelivery, false) })
	}
}

// Depth returns the number of ready (undelivered) messages, for admin/stat.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// QueueDepth reports the ready depth of a named queue, or -1 if unknown.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return -1
	}
	return q.depth()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.ready = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}
