package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrEngineTimeout means the engine did not reply within the window. It is
// purely a caller-side condition: the engine never learns the caller gave up.
var ErrEngineTimeout = errors.New("engine did not reply in time")

// Requester is the caller side of the command channel. It is stateless per
// request; a fresh correlation id ties each push to its reply.
type Requester struct {
	broker  Broker
	timeout time.Duration
}

// NewRequester creates a requester with the given reply timeout.
func NewRequester(broker Broker, timeout time.Duration) *Requester {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Requester{broker: broker, timeout: timeout}
}

// Request pushes the command onto the queue that carries its action and
// waits for one correlated reply. The reply subscription is established
// before the push, so a reply can never arrive unobserved.
func (r *Requester) Request(ctx context.Context, cmd Command) (Reply, error) {
	message, err := json.Marshal(cmd)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal command: %w", err)
	}

	id := uuid.NewString()
	replies, cancel, err := r.broker.Subscribe(id)
	if err != nil {
		return Reply{}, fmt.Errorf("subscribe %s: %w", id, err)
	}
	defer cancel()

	env, err := json.Marshal(Envelope{ID: id, Message: string(message)})
	if err != nil {
		return Reply{}, fmt.Errorf("marshal envelope: %w", err)
	}
	queueName := QueueFor(cmd.Action)
	if err := r.broker.Push(queueName, env); err != nil {
		return Reply{}, fmt.Errorf("push %s: %w", queueName, err)
	}

	select {
	case payload := <-replies:
		var reply Reply
		if err := json.Unmarshal(payload, &reply); err != nil {
			return Reply{}, fmt.Errorf("unmarshal reply: %w", err)
		}
		return reply, nil
	case <-time.After(r.timeout):
		return Reply{}, ErrEngineTimeout
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}
