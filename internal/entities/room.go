package entities

import (
	"context"
	"encoding/json"

	"github.com/devrev/silohost/internal/cluster"
	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/history"
)

const (
	// KindRoom is the entity kind of chat rooms
	KindRoom = "room"
	// RoomNamespace is the stream namespace room messages are published on
	RoomNamespace = "room"
)

// RoomStream returns the stream a room publishes its messages on
func RoomStream(room string) cluster.StreamID {
	return cluster.StreamID{Namespace: RoomNamespace, Key: room}
}

// Room fans posted messages out to the users that joined it
type Room struct {
	host     *cluster.Host
	messages *history.BoundedHistory[Message]
}

// NewRoom is the factory of KindRoom
func NewRoom(host *cluster.Host) cluster.Entity {
	return &Room{host: host, messages: history.New[Message]()}
}

// OnActivate loads the persisted messages
func (r *Room) OnActivate(ctx context.Context) error {
	var messages []Message
	found, err := r.host.LoadState(ctx, &messages)
	if err != nil || !found {
		return err
	}
	return r.messages.Restore(messages, MessageCapacity)
}

func (r *Room) Invoke(ctx context.Context, method string, args json.RawMessage) (interface{}, error) {
	switch method {
	case "Post":
		var msg Message
		if err := cluster.DecodeArgs(args, &msg); err != nil {
			return nil, err
		}
		if err := r.messages.Append(msg, MessageCapacity); err != nil {
			return nil, err
		}
		if err := r.host.SaveState(ctx, r.messages.Items()); err != nil {
			return nil, err
		}
		return nil, r.host.Publish(ctx, RoomStream(r.host.ID.Key), msg)

	case "GetLatestMessages":
		return r.messages.Items(), nil

	default:
		return nil, sierrors.MethodNotFound(KindRoom, method)
	}
}
