package cluster

import (
	"context"
	"encoding/json"
	"time"
)

// Invoker delivers a call to an entity wherever it is placed
type Invoker interface {
	InvokeEntity(ctx context.Context, id EntityID, method string, args json.RawMessage) (json.RawMessage, error)
}

// ReminderService fires durable periodic reminders at entities
type ReminderService interface {
	Start(ctx context.Context, invoker Invoker, owns func(EntityID) bool) error
	Stop(ctx context.Context) error
	Register(ctx context.Context, id EntityID, name string, due, period time.Duration) error
	Unregister(ctx context.Context, id EntityID, name string) error
	Count() int
}

// StreamID names a stream inside a namespace
type StreamID struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

func (s StreamID) String() string {
	return s.Namespace + "/" + s.Key
}

// StreamEvent is the argument of a MethodStream call
type StreamEvent struct {
	Stream  StreamID        `json:"stream"`
	Payload json.RawMessage `json:"payload"`
	Time    time.Time       `json:"time"`
}

// ReminderTick is the argument of a MethodReminder call
type ReminderTick struct {
	Name   string        `json:"name"`
	Period time.Duration `json:"period"`
	Time   time.Time     `json:"time"`
}

// StreamProvider moves stream events to subscribed entities
type StreamProvider interface {
	Start(ctx context.Context, invoker Invoker) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, stream StreamID, payload interface{}) error
	Subscribe(ctx context.Context, stream StreamID, subscriber EntityID) error
	Unsubscribe(ctx context.Context, stream StreamID, subscriber EntityID) error
}
