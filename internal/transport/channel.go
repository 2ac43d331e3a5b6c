// Package transport owns the realtime delivery channels and the connection
// lifecycle around them. Exactly one channel is live at a time; consumers
// only ever see normalized envelopes through the dispatcher.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/mehedi37/tasksync/internal/tasks"
)

var ErrSendClosed = errors.New("channel is not open")

// Channel abstracts one concrete realtime delivery mechanism. Implementations
// normalize their native message format into tasks.Envelope before handing
// anything to the caller.
type Channel interface {
	Open(ctx context.Context) error
	Events() <-chan tasks.Envelope
	Errors() <-chan error
	Close() error
}

// Sender is the optional outbound capability of a bidirectional channel.
type Sender interface {
	Send(env tasks.Envelope) error
}

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

func (s State) gaugeValue() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateOpen:
		return 2
	case StateReconnecting:
		return 3
	case StateClosed:
		return 4
	default:
		return 0
	}
}

// reconnectDelay computes the wait before reconnect attempt n (1-based):
// exponential from base, capped at max. Retries are not capped; the delay
// cap is the safety net rather than giving up.
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 3 * time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
