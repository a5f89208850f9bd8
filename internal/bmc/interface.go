package bmc

import (
	"context"

	"github.com/bmc-toolbox/common"
	"github.com/metal-toolbox/bootsmith/internal/model"
)

// Client defines the BMC query and configuration methods the core depends on.
//
// The pending-job semantics are enforced by the remote system, the client only
// reads and reports them - the core never emulates this lock locally.
type Client interface {
	// Open logs into the BMC
	Open(ctx context.Context) error
	// Close logs out of the BMC, note no context is passed to this method
	// to allow it to continue to log out when the parent context has been cancelled.
	Close() error

	// SessionActive determines if the connection has an active session.
	SessionActive(ctx context.Context) bool

	// Inventory queries the BMC for the device inventory.
	Inventory(ctx context.Context) (*common.Device, error)

	// PowerStatus returns the device power status.
	PowerStatus(ctx context.Context) (string, error)

	// PowerCycle reboots the host so a pending attribute group commits.
	PowerCycle(ctx context.Context) error

	// PendingAttempt returns the attribute write the remote holds uncommitted,
	// nil when no configuration job is pending.
	PendingAttempt(ctx context.Context) (*model.Attempt, error)

	// WriteAttributeGroup stages one attribute group change. The remote
	// rejects a write while a prior attempt is pending and rejects dependent
	// fields written before their prerequisite group committed.
	WriteAttributeGroup(ctx context.Context, group model.AttributeGroup, values map[string]string) (*model.Attempt, error)

	// ReadAttributeGroup reads back the currently applied values for a group.
	ReadAttributeGroup(ctx context.Context, group model.AttributeGroup) (map[string]string, error)

	// BootDevices returns the current boot device list, used for explicit
	// target detection and for fallback network-boot detection.
	BootDevices(ctx context.Context) ([]model.BootDevice, error)
}
