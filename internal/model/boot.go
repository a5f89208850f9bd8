package model

import (
	"time"

	"github.com/pkg/errors"
)

// AttributeGroup identifies a group of BMC attributes that must be written together,
// the remote accepts a single group change per reboot cycle.
type AttributeGroup string

const (
	AttributeGroupNetwork AttributeGroup = "network-params"
	AttributeGroupTarget  AttributeGroup = "target-params"
	AttributeGroupAuth    AttributeGroup = "auth-params"
)

// AppliedState is the remote disposition of an attribute group write.
type AppliedState string

const (
	AppliedStatePending   AppliedState = "pending"
	AppliedStateCommitted AppliedState = "committed"
	AppliedStateRejected  AppliedState = "rejected"
)

// Attempt is one attribute-group write against the BMC.
type Attempt struct {
	ID             string            `json:"id"`
	Group          AttributeGroup    `json:"attribute_group"`
	Requested      map[string]string `json:"requested_values"`
	AppliedState   AppliedState      `json:"applied_state"`
	RequiresReboot bool              `json:"requires_reboot"`
	CreatedAt      time.Time         `json:"created_at"`
}

// BootDeviceKind classifies entries in the BMC boot device list.
type BootDeviceKind string

const (
	BootDeviceKindISCSI   BootDeviceKind = "iscsi"
	BootDeviceKindNetwork BootDeviceKind = "network"
	BootDeviceKindDisk    BootDeviceKind = "disk"
	BootDeviceKindOther   BootDeviceKind = "other"
)

// BootDevice is one entry in the BMC boot device list.
type BootDevice struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	Kind        BootDeviceKind `json:"kind"`
}

var (
	ErrBootTargetDescriptor = errors.New("boot target descriptor error")
)

// BootTargetDescriptor identifies a remote iSCSI boot resource.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type BootTargetDescriptor struct {
	IQN           string `json:"iqn" yaml:"iqn"`
	PortalAddress string `json:"portal_address" yaml:"portal_address"`
	Port          int    `json:"port" yaml:"port"`
	LUN           int    `json:"lun" yaml:"lun"`

	// multipath pair, when set it must resolve to the same logical volume
	// as the primary portal.
	SecondaryIQN    string `json:"secondary_iqn,omitempty" yaml:"secondary_iqn,omitempty"`
	SecondaryPortal string `json:"secondary_portal,omitempty" yaml:"secondary_portal,omitempty"`

	CHAPUsername string `json:"chap_username,omitempty" yaml:"chap_username,omitempty"`
	CHAPSecret   string `json:"-" yaml:"chap_secret,omitempty"`

	// VolumeName is the backing store identity on the appliance.
	VolumeName string `json:"volume_name,omitempty" yaml:"volume_name,omitempty"`
}

// Validate checks descriptor invariants before any remote write is attempted.
//
// A multipath pair that does not resolve to the same target identity is a
// configuration error, not a warning.
func (d *BootTargetDescriptor) Validate() error {
	if d.IQN == "" {
		return errors.Wrap(ErrBootTargetDescriptor, "iqn not set")
	}

	if d.PortalAddress == "" {
		return errors.Wrap(ErrBootTargetDescriptor, "portal address not set")
	}

	if d.SecondaryPortal != "" && d.SecondaryIQN != d.IQN {
		return errors.Wrap(ErrBootTargetDescriptor,
			"multipath pair mismatch: secondary iqn '"+d.SecondaryIQN+"' does not match primary '"+d.IQN+"'")
	}

	if (d.CHAPUsername == "") != (d.CHAPSecret == "") {
		return errors.Wrap(ErrBootTargetDescriptor, "CHAP requires both username and secret")
	}

	return nil
}

// CHAPEnabled indicates the descriptor carries CHAP session credentials.
func (d *BootTargetDescriptor) CHAPEnabled() bool {
	return d.CHAPUsername != "" && d.CHAPSecret != ""
}

// ValidationWarning is a soft post-configuration read-back mismatch.
//
// The remote may report values that appear blank or mismatched even when the
// applied configuration is functionally correct, so these never fail a phase
// on their own.
type ValidationWarning struct {
	Field     string `json:"field"`
	Requested string `json:"requested"`
	ReadBack  string `json:"read_back"`
}

func (w ValidationWarning) String() string {
	return "attribute '" + w.Field + "' read back as '" + w.ReadBack + "', requested '" + w.Requested + "'"
}
