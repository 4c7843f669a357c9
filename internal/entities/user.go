// Package entities holds the entity kinds a silo hosts.
package entities

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/cluster"
	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/history"
)

const (
	// KindUser is the entity kind of users
	KindUser = "user"
	// MessageCapacity bounds the messages a user or room retains
	MessageCapacity = 100
)

// userState is what a user persists
type userState struct {
	Info     *UserInfo `json:"info,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Rooms    []string  `json:"rooms,omitempty"`
}

// User keeps a profile and the latest messages told to it
type User struct {
	host     *cluster.Host
	info     *UserInfo
	messages *history.BoundedHistory[Message]
	rooms    []string
}

// NewUser is the factory of KindUser
func NewUser(host *cluster.Host) cluster.Entity {
	return &User{host: host, messages: history.New[Message]()}
}

// OnActivate loads the persisted profile and messages
func (u *User) OnActivate(ctx context.Context) error {
	var state userState
	found, err := u.host.LoadState(ctx, &state)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	u.info = state.Info
	u.rooms = state.Rooms
	return u.messages.Restore(state.Messages, MessageCapacity)
}

func (u *User) save(ctx context.Context) error {
	return u.host.SaveState(ctx, userState{
		Info:     u.info,
		Messages: u.messages.Items(),
		Rooms:    u.rooms,
	})
}

func (u *User) Invoke(ctx context.Context, method string, args json.RawMessage) (interface{}, error) {
	switch method {
	case "SetInfo":
		var info UserInfo
		if err := cluster.DecodeArgs(args, &info); err != nil {
			return nil, err
		}
		u.info = &info
		return nil, u.save(ctx)

	case "GetInfo":
		return u.info, nil

	case "Tell":
		var msg Message
		if err := cluster.DecodeArgs(args, &msg); err != nil {
			return nil, err
		}
		return nil, u.tell(ctx, msg)

	case "GetLatestMessages":
		return u.messages.Items(), nil

	case "JoinRoom":
		var room string
		if err := cluster.DecodeArgs(args, &room); err != nil {
			return nil, err
		}
		return nil, u.joinRoom(ctx, room)

	case "LeaveRoom":
		var room string
		if err := cluster.DecodeArgs(args, &room); err != nil {
			return nil, err
		}
		return nil, u.leaveRoom(ctx, room)

	case cluster.MethodStream:
		var ev cluster.StreamEvent
		if err := cluster.DecodeArgs(args, &ev); err != nil {
			return nil, err
		}
		var msg Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			return nil, sierrors.InvalidArgument("cannot decode room message", err)
		}
		return nil, u.tell(ctx, msg)

	default:
		return nil, sierrors.MethodNotFound(KindUser, method)
	}
}

func (u *User) tell(ctx context.Context, msg Message) error {
	if err := u.messages.Append(msg, MessageCapacity); err != nil {
		return err
	}
	u.host.Logger.Debug("Message received",
		zap.String("message_id", msg.ID),
		zap.String("from_id", msg.FromID))
	return u.save(ctx)
}

func (u *User) joinRoom(ctx context.Context, room string) error {
	if room == "" {
		return sierrors.ArgumentNull("room")
	}
	for _, r := range u.rooms {
		if r == room {
			return nil
		}
	}
	if err := u.host.Subscribe(ctx, RoomStream(room)); err != nil {
		return err
	}
	u.rooms = append(u.rooms, room)
	return u.save(ctx)
}

func (u *User) leaveRoom(ctx context.Context, room string) error {
	kept := u.rooms[:0]
	for _, r := range u.rooms {
		if r != room {
			kept = append(kept, r)
		}
	}
	u.rooms = kept
	if err := u.host.Unsubscribe(ctx, RoomStream(room)); err != nil {
		return err
	}
	return u.save(ctx)
}
