package model

import (
	"github.com/google/uuid"
)

const (
	AppName = "bootsmith"

	LogLevelInfo  = 0
	LogLevelDebug = 1
	LogLevelTrace = 2
)

// ComponentKind identifies the external system a component instance is bound to.
type ComponentKind string

const (
	ComponentKindAppliance   ComponentKind = "storage-appliance"
	ComponentKindBMC         ComponentKind = "bmc"
	ComponentKindObjectStore ComponentKind = "object-store"
	ComponentKindSecrets     ComponentKind = "secrets"
	ComponentKindBootConfig  ComponentKind = "boot-config"
)

// Phase is one of the three lifecycle phases every component implements.
type Phase string

const (
	PhaseDiscover  Phase = "discover"
	PhaseProcess   Phase = "process"
	PhaseHousekeep Phase = "housekeep"
)

// IDSource returns identifiers for component instances and artifacts,
// it is injected so tests can supply deterministic IDs.
type IDSource func() uuid.UUID

// NewIDSource returns the default, random ID source.
func NewIDSource() IDSource {
	return uuid.New
}
