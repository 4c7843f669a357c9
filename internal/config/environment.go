package config

import "strings"

// Well-known environment names
const (
	EnvironmentDevelopment = "Development"
	EnvironmentStaging     = "Staging"
	EnvironmentProduction  = "Production"
)

// Environment describes the hosting environment a silo runs in.
type Environment struct {
	Name string
}

// NewEnvironment returns an environment with the given name.
func NewEnvironment(name string) *Environment {
	return &Environment{Name: name}
}

// IsProduction reports whether the environment is production. An unnamed
// environment counts as production.
func (e *Environment) IsProduction() bool {
	return e.Name == "" || strings.EqualFold(e.Name, EnvironmentProduction)
}

// IsDevelopment reports whether the environment is development.
func (e *Environment) IsDevelopment() bool {
	return strings.EqualFold(e.Name, EnvironmentDevelopment)
}

func (e *Environment) String() string {
	if e.Name == "" {
		return EnvironmentProduction
	}
	return e.Name
}
