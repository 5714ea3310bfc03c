// Package broker hands commands submitted by callers to a polling consumer
// and routes the consumer's results back to the caller that is waiting.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fogfish/opts"
	"github.com/google/uuid"
)

const (
	DefaultPickupTimeout    = 5 * time.Second
	DefaultExecutionTimeout = 10 * time.Second
)

// Broker manages pending commands and coordinates results.
type Broker struct {
	// pending maps request ID to the submitter's response channel
	pending *correlationTable
	// queue holds commands waiting to be polled, oldest first
	queue *pickupQueue

	pickupTimeout    time.Duration
	executionTimeout time.Duration
	pollParams       bool

	closed atomic.Bool
}

// Option configures a Broker.
type Option = opts.Option[Broker]

// WithPickupTimeout bounds how long Submit waits for a consumer to poll.
func WithPickupTimeout(d time.Duration) Option {
	return opts.Type[Broker](func(b *Broker) error {
		if d <= 0 {
			return fmt.Errorf("pickup timeout must be positive, got %s", d)
		}
		b.pickupTimeout = d
		return nil
	})
}

// WithExecutionTimeout bounds how long Submit waits for a result once the
// command was picked up.
func WithExecutionTimeout(d time.Duration) Option {
	return opts.Type[Broker](func(b *Broker) error {
		if d <= 0 {
			return fmt.Errorf("execution timeout must be positive, got %s", d)
		}
		b.executionTimeout = d
		return nil
	})
}

// WithPollParams makes Poll hand the submitted params to the consumer.
func WithPollParams(enabled bool) Option {
	return opts.Type[Broker](func(b *Broker) error {
		b.pollParams = enabled
		return nil
	})
}

// New creates a broker. Without options it uses the default deadlines.
func New(options ...Option) (*Broker, error) {
	b := &Broker{
		pending:          newCorrelationTable(),
		queue:            newPickupQueue(),
		pickupTimeout:    DefaultPickupTimeout,
		executionTimeout: DefaultExecutionTimeout,
	}
	if err := opts.Apply(b, options); err != nil {
		return nil, err
	}
	return b, nil
}

// Submit queues a command and blocks until a consumer picks it up and
// reports a result, or one of the two deadlines expires.
//
// Timeouts and disconnects are reported in the Response. The returned error
// is non-nil only for invalid commands and for ctx cancellation; in both
// cases nothing is left registered.
func (b *Broker) Submit(ctx context.Context, cmd Command) (Response, error) {
	if cmd.Command == "" {
		return Response{}, ErrEmptyCommand
	}

	id := uuid.New().String()
	log := slog.With("request_id", id, "command", cmd.Command)

	responseChan := make(chan json.RawMessage, 1)
	pickedUp := make(chan struct{}, 1)

	b.pending.insert(id, responseChan)
	b.queue.push(&pickupEntry{
		cmd:    PendingCommand{ID: id, Command: cmd.Command, Params: cmd.Params},
		notify: pickedUp,
	})

	// Close may have drained the tables before we registered.
	if b.closed.Load() {
		b.forget(id)
		return failure(ErrDisconnected), nil
	}

	log.Info("command queued, waiting for consumer to poll")

	pickupTimer := time.NewTimer(b.pickupTimeout)
	defer pickupTimer.Stop()

	select {
	case _, ok := <-pickedUp:
		if !ok {
			b.pending.take(id)
			log.Warn("broker closed before pickup")
			return failure(ErrDisconnected), nil
		}
	case <-pickupTimer.C:
		if b.queue.remove(id) {
			b.pending.take(id)
			log.Warn("no consumer polled for command", "timeout", b.pickupTimeout)
			return failure(ErrPickupTimeout), nil
		}
		// Poll dequeued it just before the deadline; the consumer owns it now.
	case <-ctx.Done():
		b.forget(id)
		log.Info("caller went away before pickup", "error", ctx.Err())
		return Response{}, ctx.Err()
	}

	log.Info("consumer picked up command, waiting for result")

	execTimer := time.NewTimer(b.executionTimeout)
	defer execTimer.Stop()

	select {
	case result, ok := <-responseChan:
		return b.received(log, result, ok), nil
	case <-execTimer.C:
		if _, ok := b.pending.take(id); ok {
			log.Warn("consumer did not report a result", "timeout", b.executionTimeout)
			return failure(ErrExecutionTimeout), nil
		}
		// Resolve took the waiter first, so its value is already buffered.
		result, ok := <-responseChan
		return b.received(log, result, ok), nil
	case <-ctx.Done():
		b.pending.take(id)
		log.Info("caller went away before result", "error", ctx.Err())
		return Response{}, ctx.Err()
	}
}

func (b *Broker) received(log *slog.Logger, result json.RawMessage, ok bool) Response {
	if !ok {
		log.Warn("consumer disconnected before responding")
		return failure(ErrDisconnected)
	}
	log.Info("got result")
	return success(result)
}

// forget removes id from both tables. Safe to call when either entry is gone.
func (b *Broker) forget(id string) {
	b.queue.remove(id)
	b.pending.take(id)
}

// Poll hands the oldest queued command to the caller and wakes its submitter.
// It returns false when nothing is queued.
func (b *Broker) Poll() (PendingCommand, bool) {
	entry, ok := b.queue.popOldest()
	if !ok {
		return PendingCommand{}, false
	}
	entry.notify <- struct{}{}

	cmd := entry.cmd
	if !b.pollParams {
		cmd.Params = nil
	}
	slog.Info("consumer polled, sending command", "request_id", cmd.ID, "command", cmd.Command)
	return cmd, true
}

// Resolve delivers a result to the submitter waiting on id. Each id can be
// resolved once; later calls, and calls for expired ids, return
// ErrUnknownCorrelation.
func (b *Broker) Resolve(id string, result json.RawMessage) error {
	responseChan, ok := b.pending.take(id)
	if !ok {
		slog.Warn("no pending request for result", "request_id", id)
		return fmt.Errorf("request ID %s: %w", id, ErrUnknownCorrelation)
	}
	// Buffered and exclusively owned after take, so this never blocks.
	responseChan <- result
	close(responseChan)
	return nil
}

// Stats reports how many commands are queued and how many submitters are
// still waiting for a result.
func (b *Broker) Stats() Stats {
	return Stats{Queued: b.queue.len(), Pending: b.pending.len()}
}

// Close abandons every registered command. Waiting submitters observe a
// disconnect and any later Submit fails the same way.
func (b *Broker) Close() {
	if b.closed.Swap(true) {
		return
	}
	entries := b.queue.drain()
	for _, e := range entries {
		close(e.notify)
	}
	waiters := b.pending.drain()
	for _, ch := range waiters {
		close(ch)
	}
	slog.Info("broker closed", "abandoned_pickups", len(entries), "abandoned_waiters", len(waiters))
}
