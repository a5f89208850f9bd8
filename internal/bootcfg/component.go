package bootcfg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jpillora/backoff"
	"github.com/metal-toolbox/bootsmith/internal/bmc"
	"github.com/metal-toolbox/bootsmith/internal/component"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	errNoDescriptor = errors.New("no boot target descriptor available")

	// rebootSettleTimeout bounds the wait for a pending job to commit after a
	// host reboot was triggered.
	rebootSettleTimeout = 10 * time.Minute
)

// DescriptorSource resolves the boot target descriptor for the server, it is
// typically bound to the storage component's processing result so the
// orchestrator can pass outputs between components by reference.
type DescriptorSource func() *model.BootTargetDescriptor

// Component wraps the boot configuration state machine in the lifecycle contract.
type Component struct {
	component.Base

	server  *model.Server
	client  bmc.Client
	source  DescriptorSource
	machine *Machine

	confirmReboots bool

	task *Task
}

func NewComponent(server *model.Server, client bmc.Client, source DescriptorSource, config map[string]interface{}, ids model.IDSource, logger *logrus.Entry) *Component {
	return &Component{
		Base:    component.NewBase(model.ComponentKindBootConfig, config, nil, ids, logger),
		server:  server,
		client:  client,
		source:  source,
		machine: NewMachine(logger),
	}
}

// ConfirmReboots approves the host power cycles that commit staged attribute
// groups. Without the approval Process stops at the first reboot gate with
// ErrRebootNotConfirmed instead of power cycling implicitly.
func (c *Component) ConfirmReboots() *Component {
	c.confirmReboots = true
	return c
}

// Discover reads the current attribute state, boot device list and pending job
// state. Read-only.
func (c *Component) Discover(ctx context.Context) error {
	record := c.Record()

	pending, err := c.client.PendingAttempt(ctx)
	if err != nil {
		return err
	}

	devices, err := c.client.BootDevices(ctx)
	if err != nil {
		return err
	}

	facts := map[string]string{}

	if applied, err := c.client.ReadAttributeGroup(ctx, model.AttributeGroupTarget); err == nil {
		facts["current_target"] = applied["PrimaryTargetName"]
	}

	existing := map[string]bool{
		"pending-configuration-job": pending != nil,
	}

	for _, device := range devices {
		existing["boot-device/"+device.ID] = true

		if device.Kind == model.BootDeviceKindISCSI {
			existing["iscsi-boot-device"] = true
		}

		if device.Kind == model.BootDeviceKindNetwork {
			existing["network-boot-device"] = true
		}
	}

	record.Discovery = &model.DiscoveryResult{
		Reachable: true,
		Existing:  existing,
		Facts:     facts,
	}

	return nil
}

// Process drives the state machine through the attribute group sequence.
//
// After every staged write the machine flags requires_reboot, the component
// triggers the host reboot through the BMC adapter and waits for the pending
// job to clear before driving the confirm transition. The reboots only happen
// once approved through ConfirmReboots, an unapproved run stops at the first
// reboot gate.
func (c *Component) Process(ctx context.Context) error {
	record := c.Record()

	descriptor := c.source()
	if descriptor == nil {
		return errors.Wrap(errNoDescriptor, "server "+c.server.ID)
	}

	task, err := NewTask(c.server.ID, descriptor)
	if err != nil {
		return err
	}

	c.task = task

	hctx := &HandlerContext{
		Ctx:    ctx,
		Bmc:    c.client,
		Logger: c.Logger(),
	}

	for !task.Done() {
		transition, ok := c.machine.NextTransition(task)
		if !ok {
			break
		}

		if err := c.machine.Step(ctx, transition, task, hctx); err != nil {
			return err
		}

		if task.RequiresReboot {
			if !c.confirmReboots {
				return errors.Wrap(ErrRebootNotConfirmed,
					"server "+c.server.ID+": reboot not approved, rerun with reboots confirmed")
			}

			if err := c.rebootAndSettle(ctx); err != nil {
				return err
			}
		}
	}

	record.Processing = &model.ProcessingResult{Descriptor: descriptor}

	return nil
}

// rebootAndSettle triggers the host reboot that commits the pending attribute
// group and polls until the remote job queue drains.
func (c *Component) rebootAndSettle(ctx context.Context) error {
	if err := c.client.PowerCycle(ctx); err != nil {
		return errors.Wrap(err, "triggering reboot")
	}

	delay := &backoff.Backoff{
		Min:    10 * time.Second,
		Max:    60 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	deadline := time.Now().Add(rebootSettleTimeout)

	for {
		if time.Now().After(deadline) {
			return errors.Wrap(ErrRebootNotConfirmed, "server "+c.server.ID+": settle timeout")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay.Duration()):
		}

		pending, err := c.client.PendingAttempt(ctx)
		if err != nil {
			// the BMC restarts during a power cycle, keep polling
			c.Logger().WithError(err).Debug("pending job query failed while settling")
			continue
		}

		if pending == nil {
			return nil
		}
	}
}

// Housekeep verifies the boot device outcome and stages the boot
// configuration artifact. Safe to call after a partial Process failure.
func (c *Component) Housekeep(ctx context.Context) error {
	record := c.Record()

	result := &model.HousekeepingResult{}

	devices, err := c.client.BootDevices(ctx)
	if err != nil {
		c.Logger().WithError(err).Warn("boot device verification unavailable")
	} else {
		for _, device := range devices {
			if device.Kind == model.BootDeviceKindISCSI || device.Kind == model.BootDeviceKindNetwork {
				result.Verified = append(result.Verified, "boot-device/"+device.ID)
			}
		}
	}

	if c.task != nil {
		content, err := json.Marshal(c.task)
		if err == nil {
			artifact := model.NewArtifact("boot-config", c.server.ID, content, model.VisibilityPrivateVersioned)

			if record.Processing == nil {
				record.Processing = &model.ProcessingResult{}
			}

			record.Processing.Artifacts = append(record.Processing.Artifacts, artifact)
		}
	}

	record.Housekeeping = result

	return nil
}

// Task returns the boot configuration task state, nil before Process ran.
func (c *Component) Task() *Task {
	return c.task
}
