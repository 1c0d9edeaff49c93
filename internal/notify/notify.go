// Package notify is the fire-and-forget notification side-channel. Sink
// failures are logged and swallowed; they never fail the task outcome they
// are attached to.
package notify

import (
	"context"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindTaskCompleted Kind = "task_completed"
	KindTaskFailed    Kind = "task_failed"
	KindTaskStuck     Kind = "task_stuck"
	KindConfirmation  Kind = "confirmation_pending"
)

// Notification is one message to a task owner.
type Notification struct {
	OwnerID string         `json:"owner_id"`
	TaskID  string         `json:"task_id,omitempty"`
	Kind    Kind           `json:"kind"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink delivers notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
