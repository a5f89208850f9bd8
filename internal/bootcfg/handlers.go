package bootcfg

import (
	"strconv"
	"strings"

	sw "github.com/filanov/stateswitch"
	"github.com/metal-toolbox/bootsmith/internal/model"
)

// transitionHandler implements the state machine transition methods.
type transitionHandler struct{}

func asTaskHandlerContext(s sw.StateSwitch, args sw.TransitionArgs) (*Task, *HandlerContext, error) {
	task, ok := s.(*Task)
	if !ok {
		return nil, nil, ErrInvalidTransitionHandler
	}

	hctx, ok := args.(*HandlerContext)
	if !ok {
		return nil, nil, ErrInvalidHandlerContext
	}

	return task, hctx, nil
}

func (h *transitionHandler) writeNetworkParams(s sw.StateSwitch, args sw.TransitionArgs) error {
	return h.write(model.AttributeGroupNetwork, networkParamValues, s, args)
}

func (h *transitionHandler) writeTargetParams(s sw.StateSwitch, args sw.TransitionArgs) error {
	return h.write(model.AttributeGroupTarget, targetParamValues, s, args)
}

func (h *transitionHandler) writeAuthParams(s sw.StateSwitch, args sw.TransitionArgs) error {
	return h.write(model.AttributeGroupAuth, authParamValues, s, args)
}

// write stages a single attribute group on the BMC.
//
// The pending job state is read from the remote before every write - the
// remote's pending-job semantics are the lock, it is respected, not emulated.
func (h *transitionHandler) write(group model.AttributeGroup, values func(*model.BootTargetDescriptor) map[string]string, s sw.StateSwitch, args sw.TransitionArgs) error {
	task, hctx, err := asTaskHandlerContext(s, args)
	if err != nil {
		return err
	}

	pending, err := hctx.Bmc.PendingAttempt(hctx.Ctx)
	if err != nil {
		return err
	}

	if pending != nil {
		return &model.CommitConflictError{ServerID: task.ServerID, PendingGroup: pending.Group}
	}

	attempt, err := hctx.Bmc.WriteAttributeGroup(hctx.Ctx, group, values(task.Descriptor))
	if attempt != nil {
		task.Attempts = append(task.Attempts, attempt)
	}

	if err != nil {
		return err
	}

	task.RequiresReboot = attempt.RequiresReboot

	hctx.Logger.WithField("group", string(group)).
		WithField("requiresReboot", attempt.RequiresReboot).
		Info("attribute group staged")

	return nil
}

// pendingCleared passes once the remote no longer reports a pending
// configuration job, which is only the case after the host rebooted.
func (h *transitionHandler) pendingCleared(s sw.StateSwitch, args sw.TransitionArgs) (bool, error) {
	_, hctx, err := asTaskHandlerContext(s, args)
	if err != nil {
		return false, err
	}

	pending, err := hctx.Bmc.PendingAttempt(hctx.Ctx)
	if err != nil {
		return false, err
	}

	return pending == nil, nil
}

func (h *transitionHandler) confirmCommitted(s sw.StateSwitch, args sw.TransitionArgs) error {
	task, _, err := asTaskHandlerContext(s, args)
	if err != nil {
		return err
	}

	task.RequiresReboot = false

	if last := task.LastAttempt(); last != nil {
		last.AppliedState = model.AppliedStateCommitted
	}

	return nil
}

// explicitBootDevicePresent passes when the boot device list carries a device
// matching the configured target.
func (h *transitionHandler) explicitBootDevicePresent(s sw.StateSwitch, args sw.TransitionArgs) (bool, error) {
	task, hctx, err := asTaskHandlerContext(s, args)
	if err != nil {
		return false, err
	}

	devices, err := hctx.Bmc.BootDevices(hctx.Ctx)
	if err != nil {
		return false, err
	}

	for _, device := range devices {
		if device.Kind != model.BootDeviceKindISCSI {
			continue
		}

		// the device list does not reliably embed the IQN, an iSCSI boot
		// option that omits it still counts as the explicit device.
		name := strings.ToLower(device.DisplayName)
		if name == "" || !strings.Contains(name, "iqn.") || strings.Contains(name, strings.ToLower(task.Descriptor.IQN)) {
			return true, nil
		}
	}

	return false, nil
}

// networkBootDevicePresent passes when a generic network boot device exists,
// the alternative success signal when no explicit device matched.
func (h *transitionHandler) networkBootDevicePresent(s sw.StateSwitch, args sw.TransitionArgs) (bool, error) {
	_, hctx, err := asTaskHandlerContext(s, args)
	if err != nil {
		return false, err
	}

	devices, err := hctx.Bmc.BootDevices(hctx.Ctx)
	if err != nil {
		return false, err
	}

	for _, device := range devices {
		if device.Kind == model.BootDeviceKindNetwork {
			return true, nil
		}
	}

	return false, nil
}

// validateReadBack compares the applied attribute values with what was
// requested. The remote may report blank or mismatched values even when the
// configuration is functionally correct, so mismatches are recorded as soft
// warnings, never as a phase failure.
func (h *transitionHandler) validateReadBack(s sw.StateSwitch, args sw.TransitionArgs) error {
	task, hctx, err := asTaskHandlerContext(s, args)
	if err != nil {
		return err
	}

	for _, attempt := range task.Attempts {
		applied, err := hctx.Bmc.ReadAttributeGroup(hctx.Ctx, attempt.Group)
		if err != nil {
			hctx.Logger.WithError(err).WithField("group", string(attempt.Group)).
				Warn("attribute read back unavailable")
			continue
		}

		for field, requested := range attempt.Requested {
			readBack, ok := applied[field]
			if ok && strings.EqualFold(readBack, requested) {
				continue
			}

			warning := model.ValidationWarning{Field: field, Requested: requested, ReadBack: readBack}
			task.Warnings = append(task.Warnings, warning)

			hctx.Logger.WithField("group", string(attempt.Group)).Warn(warning.String())
		}
	}

	return nil
}

func (h *transitionHandler) acceptFallback(s sw.StateSwitch, args sw.TransitionArgs) error {
	task, hctx, err := asTaskHandlerContext(s, args)
	if err != nil {
		return err
	}

	task.Fallback = true

	hctx.Logger.WithField("serverID", task.ServerID).
		Info("no explicit boot device matched the target, generic network boot device accepted")

	return nil
}

func (h *transitionHandler) recordTransition(s sw.StateSwitch, args sw.TransitionArgs) error {
	task, hctx, err := asTaskHandlerContext(s, args)
	if err != nil {
		return err
	}

	hctx.Logger.WithField("state", task.CurrentState).Debug("transition complete")

	return nil
}

// networkParamValues are the prerequisite attributes, dependent target and
// auth fields are read-only until these committed.
func networkParamValues(_ *model.BootTargetDescriptor) map[string]string {
	return map[string]string{
		"IPAddressType":     "IPv4",
		"IPMaskDNSViaDHCP":  "true",
		"TargetInfoViaDHCP": "false",
	}
}

func targetParamValues(d *model.BootTargetDescriptor) map[string]string {
	values := map[string]string{
		"PrimaryTargetName":      d.IQN,
		"PrimaryTargetIPAddress": d.PortalAddress,
		"PrimaryTargetTCPPort":   strconv.Itoa(d.Port),
		"PrimaryLUN":             strconv.Itoa(d.LUN),
	}

	if d.SecondaryPortal != "" {
		values["SecondaryTargetName"] = d.SecondaryIQN
		values["SecondaryTargetIPAddress"] = d.SecondaryPortal
		values["SecondaryLUN"] = strconv.Itoa(d.LUN)
	}

	return values
}

func authParamValues(d *model.BootTargetDescriptor) map[string]string {
	return map[string]string{
		"AuthenticationMethod": "CHAP",
		"CHAPUsername":         d.CHAPUsername,
		"CHAPSecret":           d.CHAPSecret,
	}
}
