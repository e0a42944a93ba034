package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Handler executes one command and returns the success payload.
type Handler func(ctx context.Context, cmd Command) (any, error)

// Consumer drains one named queue sequentially: pop, execute, reply,
// repeat. Sequential processing is what serializes all mutation through
// one logical thread of control per queue.
type Consumer struct {
	broker  Broker
	queue   string
	poll    time.Duration
	handler Handler
	log     *zap.SugaredLogger
}

// NewConsumer creates a consumer for the named queue.
func NewConsumer(broker Broker, queueName string, poll time.Duration, handler Handler, log *zap.SugaredLogger) *Consumer {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &Consumer{
		broker:  broker,
		queue:   queueName,
		poll:    poll,
		handler: handler,
		log:     log,
	}
}

// Run drains the queue until the context is done. The pop is polling, not
// blocking, so idle latency is bounded by the poll interval. A failing item
// becomes an error reply and never stops the loop; a failing pop is retried
// with backoff, since a transient broker error must not kill command
// processing for good.
func (c *Consumer) Run(ctx context.Context) {
	backoff := c.poll
	for {
		if ctx.Err() != nil {
			return
		}

		payload, ok, err := c.broker.Pop(c.queue)
		if err != nil {
			c.log.Errorw("queue_pop_failed", "queue", c.queue, "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = c.poll

		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.poll):
			}
			continue
		}

		c.process(ctx, payload)
	}
}

func (c *Consumer) process(ctx context.Context, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.ID == "" {
		// No correlation id recoverable: nowhere to deliver the error.
		c.log.Warnw("malformed_queue_item", "queue", c.queue, "err", err)
		return
	}

	reply := c.execute(ctx, env)

	out, err := json.Marshal(reply)
	if err != nil {
		out, _ = json.Marshal(errorReply(fmt.Errorf("marshal reply: %w", err)))
	}
	if err := c.broker.Publish(env.ID, out); err != nil {
		c.log.Errorw("reply_publish_failed", "queue", c.queue, "id", env.ID, "err", err)
	}
}

// execute runs the handler and converts every failure mode, including a
// panic, into an error reply.
func (c *Consumer) execute(ctx context.Context, env Envelope) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("command_panicked", "queue", c.queue, "id", env.ID, "panic", r)
			reply = errorReply(fmt.Errorf("internal error"))
		}
	}()

	var cmd Command
	if err := json.Unmarshal([]byte(env.Message), &cmd); err != nil {
		return errorReply(fmt.Errorf("malformed command: %w", err))
	}

	data, err := c.handler(ctx, cmd)
	if err != nil {
		return errorReply(err)
	}
	return successReply(data)
}
