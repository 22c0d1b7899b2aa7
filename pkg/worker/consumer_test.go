package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
)

type stubProcessor struct {
	spec fabric.QueueSpec
	cb   func(ctx context.Context, key fabric.RoutingKey, m *message.Message, pub *Publisher) error
}

func (s *stubProcessor) Queue() fabric.QueueSpec { return s.spec }

func (s *stubProcessor) Callback(ctx context.Context, key fabric.RoutingKey,
	m *message.Message, pub *Publisher) error {
	return s.cb(ctx, key, m, pub)
}

type stubRPCProcessor struct {
	stubProcessor
	rpc func(ctx context.Context, key fabric.RoutingKey, m *message.Message) ([]byte, error)
}

func (s *stubRPCProcessor) HandleRPC(ctx context.Context, key fabric.RoutingKey,
	m *message.Message) ([]byte, error) {
	return s.rpc(ctx, key, m)
}

func startConsumer(t *testing.T, b *fabric.Broker, proc Processor) *Consumer {
	t.Helper()
	c := NewConsumer(b, proc, DefaultRetryConfig())
	require.NoError(t, b.DeclareQueue(proc.Queue()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c
}

func stageQueue(name, pattern string) fabric.QueueSpec {
	return fabric.QueueSpec{Name: name, Bindings: []fabric.Binding{{RoutingKey: pattern}}}
}

func publishWork(t *testing.T, b *fabric.Broker, key string, m *message.Message) {
	t.Helper()
	body, err := m.Marshal()
	require.NoError(t, err)
	require.NoError(t, b.Publish(key, body))
}

func TestConsumerDispatchesAndEchoesApplication(t *testing.T) {
	b := fabric.NewBroker()
	t.Cleanup(b.Close)
	require.NoError(t, b.DeclareQueue(fabric.QueueSpec{
		Name:     "capture",
		Bindings: []fabric.Binding{{RoutingKey: "proj-app.catalog-put.start"}},
	}))

	got := make(chan *message.Message, 1)
	startConsumer(t, b, &stubProcessor{
		spec: stageQueue("index_q", "*.index.init"),
		cb: func(_ context.Context, key fabric.RoutingKey, m *message.Message, pub *Publisher) error {
			got <- m
			return pub.SendPathList(m, fabric.WorkerCatalogPut, fabric.StateStart,
				m.Data.FileList, ModeProcessed, message.StateCatalogPutting)
		},
	})

	m := workMessage()
	m.Data.FileList = []message.PathDetails{{OriginalPath: "/a"}}
	publishWork(t, b, fabric.Key("proj-app", fabric.WorkerIndex, fabric.StateInit), m)

	select {
	case in := <-got:
		assert.Equal(t, "tx-1", in.Details.TransactionID)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}

	// The outbound key carries the inbound application segment, not the
	// consumer's default.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ch, err := b.Consume(ctx, "capture")
	require.NoError(t, err)
	d := <-ch
	require.NotNil(t, d)
	assert.Equal(t, "proj-app.catalog-put.start", d.RoutingKey)
	d.Ack()
}

func TestCallbackErrorMarksSubTransactionFailed(t *testing.T) {
	b := fabric.NewBroker()
	t.Cleanup(b.Close)
	require.NoError(t, b.DeclareQueue(fabric.QueueSpec{
		Name:     "monitor_capture",
		Bindings: []fabric.Binding{{RoutingKey: "*.monitor-put.start"}},
	}))

	startConsumer(t, b, &stubProcessor{
		spec: stageQueue("index_q", "*.index.init"),
		cb: func(context.Context, fabric.RoutingKey, *message.Message, *Publisher) error {
			return errors.New("disk on fire")
		},
	})
	publishWork(t, b, fabric.Key(fabric.Root, fabric.WorkerIndex, fabric.StateInit), workMessage())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := b.Consume(ctx, "monitor_capture")
	require.NoError(t, err)
	d := <-ch
	require.NotNil(t, d)
	m, err := message.Unmarshal(d.Body)
	require.NoError(t, err)
	assert.Equal(t, message.StateFailed, m.Details.State)
	d.Ack()

	// The poison message was acked, not requeued.
	assert.Equal(t, 0, b.QueueDepth("index_q"))
}

func TestCallbackPanicIsContained(t *testing.T) {
	b := fabric.NewBroker()
	t.Cleanup(b.Close)

	calls := make(chan string, 2)
	startConsumer(t, b, &stubProcessor{
		spec: stageQueue("index_q", "*.index.init"),
		cb: func(_ context.Context, _ fabric.RoutingKey, m *message.Message, _ *Publisher) error {
			calls <- m.Details.TransactionID
			if m.Details.TransactionID == "tx-1" {
				panic("boom")
			}
			return nil
		},
	})

	publishWork(t, b, fabric.Key(fabric.Root, fabric.WorkerIndex, fabric.StateInit), workMessage())
	second := workMessage()
	second.Details.TransactionID = "tx-2"
	publishWork(t, b, fabric.Key(fabric.Root, fabric.WorkerIndex, fabric.StateInit), second)

	// The consumer survives the panic and processes the next message.
	for _, want := range []string{"tx-1", "tx-2"} {
		select {
		case got := <-calls:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("never saw %s", want)
		}
	}
}

func TestMalformedBodiesAreDropped(t *testing.T) {
	b := fabric.NewBroker()
	t.Cleanup(b.Close)

	calls := make(chan string, 1)
	startConsumer(t, b, &stubProcessor{
		spec: stageQueue("index_q", "*.index.init"),
		cb: func(_ context.Context, _ fabric.RoutingKey, m *message.Message, _ *Publisher) error {
			calls <- m.Details.TransactionID
			return nil
		},
	})

	key := fabric.Key(fabric.Root, fabric.WorkerIndex, fabric.StateInit)
	require.NoError(t, b.Publish(key, []byte("not an envelope")))
	require.NoError(t, b.Publish(key, []byte(`{"details": {}}`)))
	publishWork(t, b, key, workMessage())

	select {
	case got := <-calls:
		assert.Equal(t, "tx-1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message never dispatched")
	}
	assert.Equal(t, 0, b.QueueDepth("index_q"))
}

func TestSystemStatProbeShortCircuits(t *testing.T) {
	b := fabric.NewBroker()
	t.Cleanup(b.Close)

	c := startConsumer(t, b, &stubProcessor{
		spec: stageQueue("index_q", "*.index.init"),
		cb: func(context.Context, fabric.RoutingKey, *message.Message, *Publisher) error {
			t.Error("probe must not reach the callback")
			return nil
		},
	})

	probe := workMessage()
	probe.Details.APIAction = fabric.ActionSystemStat
	body, err := probe.Marshal()
	require.NoError(t, err)

	reply, err := b.Call(context.Background(),
		fabric.Key(fabric.Root, fabric.WorkerIndex, fabric.StateInit), body,
		fabric.RPCConfig{TimeLimit: 2 * time.Second})
	require.NoError(t, err)

	var stat SystemStat
	require.NoError(t, json.Unmarshal(reply, &stat))
	assert.Equal(t, c.Tag(), stat.ConsumerTag)
	assert.NotZero(t, stat.PID)
}

func TestRPCHandlerAnswersQueries(t *testing.T) {
	b := fabric.NewBroker()
	t.Cleanup(b.Close)

	proc := &stubRPCProcessor{
		stubProcessor: stubProcessor{
			spec: stageQueue("catalog_q", "*.catalog-get.start"),
			cb: func(context.Context, fabric.RoutingKey, *message.Message, *Publisher) error {
				t.Error("rpc request must not reach the workflow callback")
				return nil
			},
		},
		rpc: func(_ context.Context, _ fabric.RoutingKey, m *message.Message) ([]byte, error) {
			return []byte(`{"holdings": []}`), nil
		},
	}
	startConsumer(t, b, proc)

	body, err := workMessage().Marshal()
	require.NoError(t, err)
	reply, err := b.Call(context.Background(),
		fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateStart), body,
		fabric.RPCConfig{TimeLimit: 2 * time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `{"holdings": []}`, string(reply))
}

func TestRPCHandlerErrorBecomesErrorBody(t *testing.T) {
	b := fabric.NewBroker()
	t.Cleanup(b.Close)

	proc := &stubRPCProcessor{
		stubProcessor: stubProcessor{
			spec: stageQueue("catalog_q", "*.catalog-get.start"),
			cb: func(context.Context, fabric.RoutingKey, *message.Message, *Publisher) error {
				return nil
			},
		},
		rpc: func(context.Context, fabric.RoutingKey, *message.Message) ([]byte, error) {
			return nil, errors.New("no such holding")
		},
	}
	startConsumer(t, b, proc)

	body, err := workMessage().Marshal()
	require.NoError(t, err)
	reply, err := b.Call(context.Background(),
		fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateStart), body,
		fabric.RPCConfig{TimeLimit: 2 * time.Second})
	require.NoError(t, err)

	var errBody map[string]string
	require.NoError(t, json.Unmarshal(reply, &errBody))
	assert.Contains(t, errBody["error"], "no such holding")
}
