package server

import (
	"context"
	"sync"
	"time"

	"github.com/mbocsi/deviceio/proto"
)

type CommandStatus string

const (
	CommandQueued    CommandStatus = "queued"
	CommandDelivered CommandStatus = "delivered"
	CommandAcked     CommandStatus = "acked"
	CommandSucceeded CommandStatus = "succeeded"
	CommandFailed    CommandStatus = "failed"
)

// CommandRecord tracks one command from the admin API to its final result.
type CommandRecord struct {
	Command     proto.Command     `json:"command"`
	Status      CommandStatus     `json:"status"`
	Result      *proto.ResultCode `json:"result,omitempty"`
	QueuedAt    time.Time         `json:"queuedAt"`
	DeliveredAt time.Time         `json:"deliveredAt,omitzero"`
	AckedAt     time.Time         `json:"ackedAt,omitzero"`
	CompletedAt time.Time         `json:"completedAt,omitzero"`
}

func (c *CommandRecord) apply(result proto.ResultCode, now time.Time) {
	if result == proto.ResultPending {
		if c.AckedAt.IsZero() {
			c.AckedAt = now
		}
		if c.Status == CommandQueued || c.Status == CommandDelivered {
			c.Status = CommandAcked
		}
		return
	}
	c.Result = &result
	c.CompletedAt = now
	if result == proto.ResultSuccess {
		c.Status = CommandSucceeded
	} else {
		c.Status = CommandFailed
	}
}

func (c *CommandRecord) snapshot() CommandRecord {
	cp := *c
	if c.Result != nil {
		r := *c.Result
		cp.Result = &r
	}
	return cp
}

// CommandQueue holds the commands waiting for a proxy's long-poll.
type CommandQueue struct {
	mu      sync.Mutex
	pending []proto.Command
	notify  chan struct{} // closed and replaced on every push
}

func NewCommandQueue() *CommandQueue {
	return &CommandQueue{notify: make(chan struct{})}
}

func (q *CommandQueue) Push(cmds ...proto.Command) {
	if len(cmds) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, cmds...)
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Take waits up to timeout for pending commands and removes all of them. It
// returns nil when the wait ends without commands.
func (q *CommandQueue) Take(ctx context.Context, timeout time.Duration) []proto.Command {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			cmds := q.pending
			q.pending = nil
			q.mu.Unlock()
			return cmds
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
