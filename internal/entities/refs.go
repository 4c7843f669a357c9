package entities

import (
	"context"

	"github.com/devrev/silohost/internal/cluster"
)

// UserRef calls a user entity
type UserRef struct {
	ref *cluster.EntityRef
}

// UserOf returns a reference to the user with key
func UserOf(c *cluster.Client, key string) *UserRef {
	return &UserRef{ref: c.Entity(KindUser, key)}
}

func (u *UserRef) SetInfo(ctx context.Context, info UserInfo) error {
	return u.ref.Call(ctx, "SetInfo", info, nil)
}

// GetInfo returns nil when no profile was set
func (u *UserRef) GetInfo(ctx context.Context) (*UserInfo, error) {
	var info *UserInfo
	err := u.ref.Call(ctx, "GetInfo", nil, &info)
	return info, err
}

func (u *UserRef) Tell(ctx context.Context, msg Message) error {
	return u.ref.Call(ctx, "Tell", msg, nil)
}

// GetLatestMessages returns up to MessageCapacity messages, oldest first
func (u *UserRef) GetLatestMessages(ctx context.Context) ([]Message, error) {
	var messages []Message
	err := u.ref.Call(ctx, "GetLatestMessages", nil, &messages)
	return messages, err
}

func (u *UserRef) JoinRoom(ctx context.Context, room string) error {
	return u.ref.Call(ctx, "JoinRoom", room, nil)
}

func (u *UserRef) LeaveRoom(ctx context.Context, room string) error {
	return u.ref.Call(ctx, "LeaveRoom", room, nil)
}

// RoomRef calls a room entity
type RoomRef struct {
	ref *cluster.EntityRef
}

// RoomOf returns a reference to the room with key
func RoomOf(c *cluster.Client, key string) *RoomRef {
	return &RoomRef{ref: c.Entity(KindRoom, key)}
}

// Post stores msg and delivers it to every user in the room
func (r *RoomRef) Post(ctx context.Context, msg Message) error {
	return r.ref.Call(ctx, "Post", msg, nil)
}

func (r *RoomRef) GetLatestMessages(ctx context.Context) ([]Message, error) {
	var messages []Message
	err := r.ref.Call(ctx, "GetLatestMessages", nil, &messages)
	return messages, err
}
