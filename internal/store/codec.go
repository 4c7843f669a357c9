package store

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/devrev/silohost/internal/config"
	sierrors "github.com/devrev/silohost/internal/errors"
)

// Codec turns state values into bytes and back
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	// Format names the encoding, stored next to the payload
	Format() string
}

// NewCodec returns the codec for a storage section: JSON when useJSON is set,
// CBOR otherwise, with type names embedded per handling.
func NewCodec(useJSON bool, handling config.TypeNameHandling) Codec {
	if useJSON {
		return &jsonCodec{handling: handling}
	}
	return &cborCodec{handling: handling}
}

// typed wraps a value with its type name
type typed[R any] struct {
	Type  string `json:"$type" cbor:"$type"`
	Value R      `json:"$value" cbor:"$value"`
}

type jsonCodec struct {
	handling config.TypeNameHandling
}

func (c *jsonCodec) Format() string { return "json" }

func (c *jsonCodec) Marshal(v interface{}) ([]byte, error) {
	if name, ok := typeName(c.handling, v); ok {
		return json.Marshal(typed[interface{}]{Type: name, Value: v})
	}
	return json.Marshal(v)
}

func (c *jsonCodec) Unmarshal(data []byte, v interface{}) error {
	name, ok := typeName(c.handling, v)
	if !ok {
		return json.Unmarshal(data, v)
	}
	var env typed[json.RawMessage]
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if err := checkType(env.Type, name); err != nil {
		return err
	}
	return json.Unmarshal(env.Value, v)
}

type cborCodec struct {
	handling config.TypeNameHandling
}

func (c *cborCodec) Format() string { return "cbor" }

func (c *cborCodec) Marshal(v interface{}) ([]byte, error) {
	if name, ok := typeName(c.handling, v); ok {
		return cbor.Marshal(typed[interface{}]{Type: name, Value: v})
	}
	return cbor.Marshal(v)
}

func (c *cborCodec) Unmarshal(data []byte, v interface{}) error {
	name, ok := typeName(c.handling, v)
	if !ok {
		return cbor.Unmarshal(data, v)
	}
	var env typed[cbor.RawMessage]
	if err := cbor.Unmarshal(data, &env); err != nil {
		return err
	}
	if err := checkType(env.Type, name); err != nil {
		return err
	}
	return cbor.Unmarshal(env.Value, v)
}

func checkType(stored, want string) error {
	if stored != want {
		return sierrors.InvalidArgument(fmt.Sprintf("stored state has type '%s', expected '%s'", stored, want), nil)
	}
	return nil
}

// typeName reports whether v carries a type name under handling, and which.
// Objects and Auto cover structs and maps, Arrays covers slices, All covers
// every value.
func typeName(handling config.TypeNameHandling, v interface{}) (string, bool) {
	if handling == config.TypeNameHandlingNone || v == nil {
		return "", false
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	var covered bool
	switch handling {
	case config.TypeNameHandlingAll:
		covered = true
	case config.TypeNameHandlingArrays:
		covered = t.Kind() == reflect.Slice || t.Kind() == reflect.Array
	case config.TypeNameHandlingObjects, config.TypeNameHandlingAuto:
		covered = t.Kind() == reflect.Struct || t.Kind() == reflect.Map
	}
	if !covered {
		return "", false
	}
	return t.String(), true
}
