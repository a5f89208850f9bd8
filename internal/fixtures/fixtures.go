// Package fixtures holds shared test data for the component and
// orchestrator tests.
package fixtures

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/metal-toolbox/bootsmith/internal/model"
)

var (
	Server1 = &model.Server{
		ID:          "02",
		Hostname:    "r630-02",
		BMCAddress:  "127.0.0.1",
		BMCUsername: "root",
		BMCPassword: "hunter2",
		Vendor:      "dell",
		Target:      "r630-02-openshift4_18",
	}

	Server2 = &model.Server{
		ID:          "03",
		Hostname:    "r630-03",
		BMCAddress:  "127.0.0.2",
		BMCUsername: "root",
		BMCPassword: "hunter2",
		Vendor:      "dell",
		Target:      "r630-03-openshift4_18",
	}

	Descriptor = &model.BootTargetDescriptor{
		IQN:           "iqn.2005-10.org.freenas.ctl:iscsi.r630-02.openshift4_18",
		PortalAddress: "10.0.0.10",
		Port:          3260,
		LUN:           0,
		VolumeName:    "r630-02-openshift4_18",
	}

	InventoryYAML = []byte(`
targets:
  - name: r630-02-openshift4_18
    iqn: iqn.2005-10.org.freenas.ctl:iscsi.r630-02.openshift4_18
    ip: 10.0.0.10
    port: 3260
    lun: 0
    description: openshift 4.18 boot volume for r630-02
    auth_method: None
servers:
  - id: "02"
    hostname: r630-02
    bmc_address: 127.0.0.1
    bmc_username: root
    bmc_password: hunter2
    vendor: dell
    target: r630-02-openshift4_18
`)
)

// NewIDSource returns a deterministic ID source for tests, IDs increment from
// 00000000-0000-0000-0000-000000000001.
func NewIDSource() model.IDSource {
	counter := 0

	return func() uuid.UUID {
		counter++

		return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", counter))
	}
}
