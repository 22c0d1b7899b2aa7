package worker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/metrics"
)

// Mode states what a path list being sent represents, which drives retry
// resetting, delay selection and the monitor state.
type Mode int

const (
	// ModeProcessed is a successfully processed list: retry counters are
	// reset and the message is sent immediately.
	ModeProcessed Mode = iota
	// ModeRetry is a list being re-attempted: the message is delayed by
	// the back-off table entry for the list's retry count.
	ModeRetry
	// ModeFailed is a permanently failed list: the monitor records the
	// sub-transaction as failed.
	ModeFailed
)

// Publisher is the message-scoped sending surface handed to a stage
// callback. It echoes the inbound application segment on every outbound key
// and mirrors each send to the monitor so cross-process correlation
// survives splitting.
type Publisher struct {
	Broker *fabric.Broker
	// App is the application segment of the inbound routing key, echoed
	// verbatim on every outbound key.
	App   string
	Retry RetryConfig
	// Queue is the consuming queue name, used for instrumentation.
	Queue string

	sent int
}

// SendPathList publishes a path list to <app>.<worker>.<state> and mirrors
// the transaction state to the monitor. Each additional list sent from the
// same callback becomes a new sub-transaction with a fresh sub id, so the
// monitor can track splits.
func (p *Publisher) SendPathList(m *message.Message, worker, state string,
	list []message.PathDetails, mode Mode, st message.State) error {

	if len(list) == 0 {
		return nil
	}
	out := m.Copy()
	out.Data.FileList = list
	out.Details.Retry = false

	var delay fabric.PublishOption
	switch mode {
	case ModeProcessed:
		for i := range out.Data.FileList {
			out.Data.FileList[i].Retries.Reset()
		}
	case ModeRetry:
		// All paths in a retry list share a count; base the delay on the
		// first.
		d := p.Retry.Delay(list[0].Retries.Count)
		delay = fabric.WithDelay(d)
		out.Details.Retry = true
		metrics.Retried(p.Queue)
		logger.Debug("delaying retry publication",
			logger.KeyDelayMS, d.Milliseconds(), logger.KeyRoutingKey, worker+"."+state)
	case ModeFailed:
		st = message.StateFailed
	}
	out.Details.State = st

	// Splitting: every extra message from one callback is a new
	// sub-transaction.
	if p.sent >= 1 {
		out.Details.SubID = uuid.NewString()
	}

	body, err := out.Marshal()
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	key := fabric.Key(p.App, worker, state)
	if delay != nil {
		if err := p.Broker.Publish(key, body, delay); err != nil {
			return err
		}
	} else {
		if err := p.Broker.Publish(key, body); err != nil {
			return err
		}
	}
	metrics.Published(worker, state)

	if err := p.mirrorMonitor(out); err != nil {
		return err
	}
	p.sent++
	return nil
}

// Publish forwards a message to <app>.<worker>.<state> without touching the
// filelist or the monitor. Used for control messages (init fan-out,
// prepare-check requeues).
func (p *Publisher) Publish(m *message.Message, worker, state string, opts ...fabric.PublishOption) error {
	body, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	if err := p.Broker.Publish(fabric.Key(p.App, worker, state), body, opts...); err != nil {
		return err
	}
	metrics.Published(worker, state)
	return nil
}

// mirrorMonitor forwards transaction state to <app>.monitor-put.start.
func (p *Publisher) mirrorMonitor(m *message.Message) error {
	body, err := m.Marshal()
	if err != nil {
		return err
	}
	return p.Broker.Publish(fabric.Key(p.App, fabric.WorkerMonitorPut, fabric.StateStart), body)
}

// NotifyFailed records a whole-message failure with the monitor.
func (p *Publisher) NotifyFailed(m *message.Message) error {
	out := m.Copy()
	out.Details.State = message.StateFailed
	return p.mirrorMonitor(out)
}

// Sent reports how many path lists this publisher has emitted.
func (p *Publisher) Sent() int { return p.sent }
