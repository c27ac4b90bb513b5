// Package delivery defines the outbound message channel contract. The core
// only enqueues messages and reads pending counts; transport and its retry
// logic live behind this interface.
package delivery

import (
	"context"
	"fmt"

	"twinloop/internal/logging"
	"twinloop/internal/store"
)

// Result reports the outcome of one send attempt.
type Result struct {
	Success           bool
	ProviderMessageID string
	Error             string
}

// Channel sends queued messages to the user's external channel.
type Channel interface {
	Send(ctx context.Context, msg store.Message) (Result, error)
}

// NoopChannel accepts every message without transporting it. Used when no
// external channel is configured; messages stay queued until marked delivered
// by an external caller.
type NoopChannel struct{}

// Send reports the message as not sent, without error.
func (NoopChannel) Send(ctx context.Context, msg store.Message) (Result, error) {
	return Result{Success: false, Error: "no delivery channel configured"}, nil
}

// DispatchResult summarizes one drain of a user's message queue.
type DispatchResult struct {
	UserID    string `json:"user_id"`
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

// Dispatcher drains queued messages through a Channel. Messages whose send
// fails stay queued for the next dispatch.
type Dispatcher struct {
	store   *store.Store
	channel Channel
}

func NewDispatcher(st *store.Store, ch Channel) *Dispatcher {
	return &Dispatcher{store: st, channel: ch}
}

// Dispatch sends up to limit pending messages for one user, oldest first.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, limit int) (*DispatchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	pending, err := d.store.PendingMessages(userID, limit)
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{UserID: userID}
	for _, msg := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++

		sent, err := d.channel.Send(ctx, msg)
		if err != nil || !sent.Success {
			result.Failed++
			if err != nil {
				logging.Cycle("delivery failed for message %s: %v", msg.ID, err)
			}
			continue
		}
		if err := d.store.MarkMessageDelivered(msg.ID); err != nil {
			return result, err
		}
		result.Delivered++
		logging.AuditSuccess(logging.AuditMessageDelivered, userID,
			fmt.Sprintf("message %s delivered via %s", msg.ID, sent.ProviderMessageID))
	}
	return result, nil
}
