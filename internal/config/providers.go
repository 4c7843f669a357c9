package config

import (
	"fmt"
	"strings"

	sierrors "github.com/devrev/silohost/internal/errors"
)

// ProviderKind is the closed set of backends a provider section can select.
type ProviderKind int

const (
	// ProviderNone leaves the concern unconfigured. Unset and unrecognised
	// discriminators both resolve to it.
	ProviderNone ProviderKind = iota
	ProviderLocalhost
	ProviderInMemory
	ProviderAdoNet
	ProviderRedis
	ProviderGossip
	ProviderSimpleMessage
)

func (k ProviderKind) String() string {
	switch k {
	case ProviderLocalhost:
		return "Localhost"
	case ProviderInMemory:
		return "InMemory"
	case ProviderAdoNet:
		return "AdoNet"
	case ProviderRedis:
		return "Redis"
	case ProviderGossip:
		return "Gossip"
	case ProviderSimpleMessage:
		return "SimpleMessage"
	default:
		return "None"
	}
}

// Kind resolves the clustering discriminator.
func (c ClusteringConfig) Kind() ProviderKind {
	switch c.Provider {
	case "Localhost":
		return ProviderLocalhost
	case "AdoNet":
		return ProviderAdoNet
	case "Redis":
		return ProviderRedis
	case "Gossip":
		return ProviderGossip
	default:
		return ProviderNone
	}
}

// Kind resolves a reminders or storage discriminator.
func (c BackendConfig) Kind() ProviderKind {
	switch c.Provider {
	case "InMemory":
		return ProviderInMemory
	case "AdoNet":
		return ProviderAdoNet
	case "Redis":
		return ProviderRedis
	default:
		return ProviderNone
	}
}

// Kind resolves the stream transport discriminator.
func (c StreamsConfig) Kind() ProviderKind {
	switch c.Provider {
	case "SimpleMessage":
		return ProviderSimpleMessage
	default:
		return ProviderNone
	}
}

// TypeNameHandling controls whether persisted state carries its type name.
type TypeNameHandling int

const (
	TypeNameHandlingNone TypeNameHandling = iota
	TypeNameHandlingObjects
	TypeNameHandlingArrays
	TypeNameHandlingAll
	TypeNameHandlingAuto
)

func (t TypeNameHandling) String() string {
	switch t {
	case TypeNameHandlingObjects:
		return "Objects"
	case TypeNameHandlingArrays:
		return "Arrays"
	case TypeNameHandlingAll:
		return "All"
	case TypeNameHandlingAuto:
		return "Auto"
	default:
		return "None"
	}
}

// ParseTypeNameHandling parses the enum name; empty means None.
func ParseTypeNameHandling(s string) (TypeNameHandling, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return TypeNameHandlingNone, nil
	case "objects":
		return TypeNameHandlingObjects, nil
	case "arrays":
		return TypeNameHandlingArrays, nil
	case "all":
		return TypeNameHandlingAll, nil
	case "auto":
		return TypeNameHandlingAuto, nil
	default:
		return TypeNameHandlingNone, sierrors.Configuration(fmt.Sprintf("unknown TypeNameHandling '%s'", s), nil)
	}
}
