package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	t.Cleanup(b.Close)
	return b
}

func declare(t *testing.T, b *Broker, name string, patterns ...string) {
	t.Helper()
	spec := QueueSpec{Name: name}
	for _, p := range patterns {
		spec.Bindings = append(spec.Bindings, Binding{RoutingKey: p})
	}
	require.NoError(t, b.DeclareQueue(spec))
}

func recv(t *testing.T, ch <-chan *Delivery) *Delivery {
	t.Helper()
	select {
	case d := <-ch:
		require.NotNil(t, d)
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan *Delivery, within time.Duration) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery on %s", d.RoutingKey)
	case <-time.After(within):
	}
}

func TestPublishRoutesToMatchingQueues(t *testing.T) {
	b := newTestBroker(t)
	declare(t, b, "index_q", "nlds-api.index.*")
	declare(t, b, "audit_q", "nlds-api.#")
	declare(t, b, "other_q", "nlds-api.catalog-put.*")

	require.NoError(t, b.Publish("nlds-api.index.init", []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, q := range []string{"index_q", "audit_q"} {
		ch, err := b.Consume(ctx, q)
		require.NoError(t, err)
		d := recv(t, ch)
		assert.Equal(t, "nlds-api.index.init", d.RoutingKey)
		d.Ack()
	}
	assert.Equal(t, 0, b.QueueDepth("other_q"))
}

func TestPublishRejectsMalformedKey(t *testing.T) {
	b := newTestBroker(t)
	assert.Error(t, b.Publish("only.two", []byte("x")))
}

func TestPrefetchBoundsInFlightWork(t *testing.T) {
	b := newTestBroker(t)
	declare(t, b, "q", "nlds-api.index.*")
	require.NoError(t, b.Publish("nlds-api.index.init", []byte("1")))
	require.NoError(t, b.Publish("nlds-api.index.init", []byte("2")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	first := recv(t, ch)
	// Default prefetch is 1: the second message waits for settlement.
	expectNone(t, ch, 50*time.Millisecond)
	first.Ack()
	second := recv(t, ch)
	assert.Equal(t, []byte("2"), second.Body)
	second.Ack()
}

func TestNackRequeueRedeliversAtHead(t *testing.T) {
	b := newTestBroker(t)
	declare(t, b, "q", "nlds-api.index.*")
	require.NoError(t, b.Publish("nlds-api.index.init", []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	d := recv(t, ch)
	assert.False(t, d.Redelivered)
	d.Nack(true)

	d = recv(t, ch)
	assert.True(t, d.Redelivered)
	assert.Equal(t, []byte("x"), d.Body)
	d.Ack()
}

func TestNackDropDiscards(t *testing.T) {
	b := newTestBroker(t)
	declare(t, b, "q", "nlds-api.index.*")
	require.NoError(t, b.Publish("nlds-api.index.init", []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	recv(t, ch).Nack(false)
	expectNone(t, ch, 50*time.Millisecond)
	assert.Equal(t, 0, b.QueueDepth("q"))
}

func TestNackDelayRedeliversAfterDelay(t *testing.T) {
	b := newTestBroker(t)
	declare(t, b, "q", "nlds-api.index.*")
	require.NoError(t, b.Publish("nlds-api.index.init", []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	start := time.Now()
	recv(t, ch).NackDelay(60 * time.Millisecond)
	d := recv(t, ch)
	assert.True(t, d.Redelivered)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	d.Ack()
}

func TestDelayedPublishHeldUntilDue(t *testing.T) {
	b := newTestBroker(t)
	declare(t, b, "q", "nlds-api.index.*")

	start := time.Now()
	require.NoError(t, b.Publish("nlds-api.index.init", []byte("x"), WithDelay(60*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	d := recv(t, ch)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	d.Ack()
}

func TestDelayedPublishReachesQueueDeclaredLater(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Publish("nlds-api.index.init", []byte("x"), WithDelay(40*time.Millisecond)))

	// Routing happens at delivery time, so a binding added while the
	// message is held still receives it.
	declare(t, b, "q", "nlds-api.index.*")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, "q")
	require.NoError(t, err)
	recv(t, ch).Ack()
}

func TestConsumerCancelRequeuesUnacked(t *testing.T) {
	b := newTestBroker(t)
	declare(t, b, "q", "nlds-api.index.*")
	require.NoError(t, b.Publish("nlds-api.index.init", []byte("x")))

	ctx1, cancel1 := context.WithCancel(context.Background())
	ch1, err := b.Consume(ctx1, "q")
	require.NoError(t, err)
	recv(t, ch1)
	// Die without settling.
	cancel1()
	for range ch1 {
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	ch2, err := b.Consume(ctx2, "q")
	require.NoError(t, err)
	d := recv(t, ch2)
	assert.True(t, d.Redelivered)
	assert.Equal(t, []byte("x"), d.Body)
	d.Ack()
}

func TestRedeclareExistingQueueIsNoop(t *testing.T) {
	b := newTestBroker(t)
	declare(t, b, "q", "nlds-api.index.*")
	require.NoError(t, b.Publish("nlds-api.index.init", []byte("x")))
	declare(t, b, "q", "nlds-api.index.*")
	assert.Equal(t, 1, b.QueueDepth("q"))
}

func TestPublishToQueueWithoutQueueDropsQuietly(t *testing.T) {
	b := newTestBroker(t)
	// Reply published after the caller abandoned its reply queue.
	assert.NoError(t, b.PublishToQueue("reply.gone", []byte("late")))
}

func TestDeclareRejectsBadBinding(t *testing.T) {
	b := newTestBroker(t)
	err := b.DeclareQueue(QueueSpec{Name: "q", Bindings: []Binding{{RoutingKey: "a..c"}}})
	assert.Error(t, err)
}
