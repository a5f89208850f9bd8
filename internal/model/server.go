package model

import "github.com/pkg/errors"

var (
	ErrServer = errors.New("server attributes error")
)

// Server holds attributes of one physical server in the fleet.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Server struct {
	// ID is the short fleet identifier, e.g. "02".
	ID       string `json:"id" yaml:"id"`
	Hostname string `json:"hostname" yaml:"hostname"`

	BMCAddress  string `json:"bmc_address" yaml:"bmc_address"`
	BMCUsername string `json:"bmc_username,omitempty" yaml:"bmc_username,omitempty"`
	BMCPassword string `json:"-" yaml:"bmc_password,omitempty"`

	Vendor string `json:"vendor,omitempty" yaml:"vendor,omitempty"`

	// NicID is the FQDD of the NIC port carrying the iSCSI boot configuration.
	NicID string `json:"nic_id,omitempty" yaml:"nic_id,omitempty"`

	// Target names the target record this server boots from.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// Validate checks the attributes required to reach the server BMC.
func (s *Server) Validate() error {
	if s.ID == "" {
		return errors.Wrap(ErrServer, "server id not set")
	}

	if s.BMCAddress == "" {
		return errors.Wrap(ErrServer, "BMC address not set for server "+s.ID)
	}

	return nil
}
