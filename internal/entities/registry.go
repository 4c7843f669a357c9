package entities

import (
	"context"
	"encoding/json"

	"github.com/devrev/silohost/internal/cluster"
	sierrors "github.com/devrev/silohost/internal/errors"
)

// KindTest answers GetKey; clients use it to check a round trip
const KindTest = "test"

type testEntity struct {
	host *cluster.Host
}

func (e *testEntity) Invoke(ctx context.Context, method string, args json.RawMessage) (interface{}, error) {
	if method != "GetKey" {
		return nil, sierrors.MethodNotFound(KindTest, method)
	}
	return e.host.ID.Key, nil
}

// NewRegistry returns a registry with every entity kind of this package
func NewRegistry() *cluster.Registry {
	r := cluster.NewRegistry()
	r.Register(KindUser, NewUser)
	r.Register(KindRoom, NewRoom)
	r.Register(KindTest, func(h *cluster.Host) cluster.Entity { return &testEntity{host: h} })
	return r
}
