package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fogfish/opts"

	"github.com/withmartian/ares/controlbus/internal/broker"
)

// DefaultInterval is the pause between polls.
const DefaultInterval = 100 * time.Millisecond

// Handler executes one command. params is the object parsed from the command
// string, or the forwarded params verbatim when the bus sent any.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Consumer polls the control bus, runs each command through a Handler and
// posts the result back.
type Consumer struct {
	client   *Client
	handler  Handler
	interval time.Duration
}

// WithInterval sets the pause between polls.
var WithInterval = opts.ForName[Consumer, time.Duration]("interval")

// New creates a consumer.
func New(client *Client, handler Handler, options ...opts.Option[Consumer]) (*Consumer, error) {
	c := &Consumer{client: client, handler: handler, interval: DefaultInterval}
	if err := opts.Apply(c, options); err != nil {
		return nil, err
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	return c, nil
}

// Run polls until ctx is done or the server rejects the token. Other poll
// failures are logged and retried after the interval.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("consumer started polling", "url", c.client.BaseURL)
	defer slog.Info("consumer stopped polling")

	for {
		cmd, err := c.client.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrUnauthorized):
			slog.Error("consumer stopping", "error", err)
			return err
		case err != nil:
			slog.Warn("poll failed", "error", err)
		case cmd != nil:
			c.handle(ctx, *cmd)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.interval):
		}
	}
}

func (c *Consumer) handle(ctx context.Context, cmd broker.PendingCommand) {
	log := slog.With("request_id", cmd.ID, "command", cmd.Command)

	var result any
	method, params, err := ParseCommand(cmd.Command)
	if err == nil {
		if len(cmd.Params) > 0 && string(cmd.Params) != "null" {
			params = cmd.Params
		}
		log.Debug("executing command", "method", method, "params", string(params))
		result, err = c.handler(ctx, method, params)
	}
	if err != nil {
		log.Warn("command failed", "error", err)
		result = map[string]any{"error": err.Error(), "success": false}
	}

	if err := c.client.PostResult(ctx, cmd.ID, result); err != nil {
		log.Warn("failed to post result", "error", err)
	}
}
