package bmc

import (
	"context"
	"encoding/json"

	"github.com/metal-toolbox/bootsmith/internal/component"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Component wraps a BMC client in the lifecycle contract.
//
// The discover phase opens a session, inventories the device and reads the
// pending job state. Attribute writes are not performed here - they are driven
// by the boot configuration state machine - so the process phase only confirms
// the device is in a writable state. Housekeeping closes the session and
// stages a device facts artifact.
type Component struct {
	component.Base

	server *model.Server
	client Client
}

func NewComponent(server *model.Server, client Client, config map[string]interface{}, ids model.IDSource, logger *logrus.Entry) *Component {
	defaults := map[string]interface{}{
		"power_on_if_off": "true",
	}

	return &Component{
		Base:   component.NewBase(model.ComponentKindBMC, config, defaults, ids, logger),
		server: server,
		client: client,
	}
}

// Discover opens a BMC session and inventories the device. Read-only.
func (c *Component) Discover(ctx context.Context) error {
	record := c.Record()

	if err := c.client.Open(ctx); err != nil {
		return errors.Wrap(model.ErrConnectivity, err.Error())
	}

	facts := map[string]string{}

	power, err := c.client.PowerStatus(ctx)
	if err != nil {
		return errors.Wrap(model.ErrConnectivity, err.Error())
	}

	facts["power_status"] = power

	if inventory, err := c.client.Inventory(ctx); err == nil {
		facts["vendor"] = inventory.Vendor
		facts["model"] = inventory.Model
		facts["serial"] = inventory.Serial
	} else {
		c.Logger().WithError(err).Warn("device inventory unavailable")
	}

	existing := map[string]bool{}

	pending, err := c.client.PendingAttempt(ctx)
	if err != nil {
		return err
	}

	existing["pending-configuration-job"] = pending != nil
	if pending != nil {
		facts["pending_group"] = string(pending.Group)
	}

	record.Discovery = &model.DiscoveryResult{
		Reachable: true,
		Existing:  existing,
		Facts:     facts,
	}

	return nil
}

// Process confirms the device accepts configuration writes. The attribute
// writes themselves are sequenced by the boot configuration state machine.
func (c *Component) Process(ctx context.Context) error {
	record := c.Record()

	pending, err := c.client.PendingAttempt(ctx)
	if err != nil {
		return err
	}

	if pending != nil {
		return &model.CommitConflictError{ServerID: c.server.ID, PendingGroup: pending.Group}
	}

	record.Processing = &model.ProcessingResult{}

	return nil
}

// Housekeep closes the session and stages a device facts artifact.
func (c *Component) Housekeep(_ context.Context) error {
	record := c.Record()

	result := &model.HousekeepingResult{}

	if record.Discovery != nil {
		content, err := json.Marshal(record.Discovery)
		if err == nil {
			artifact := model.NewArtifact("bmc-facts", c.server.ID, content, model.VisibilityPrivateVersioned)

			if record.Processing == nil {
				record.Processing = &model.ProcessingResult{}
			}

			record.Processing.Artifacts = append(record.Processing.Artifacts, artifact)
		}
	}

	if err := c.client.Close(); err != nil {
		c.Logger().WithError(err).Warn("bmc logout failed")
	} else {
		result.Verified = append(result.Verified, "bmc-session-closed")
	}

	record.Housekeeping = result

	return nil
}

// Client returns the underlying BMC client for the state machine.
func (c *Component) Client() Client {
	return c.client
}
