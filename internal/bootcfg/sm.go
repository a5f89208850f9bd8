// Package bootcfg sequences the BMC attribute group writes required to
// configure iSCSI boot on a server.
//
// The remote accepts one attribute group change at a time, requires a host
// reboot to commit it, and enforces a write order - network parameters before
// target parameters before auth parameters. The sequence is encoded as an
// explicit state machine so illegal orderings are rejected before any remote
// call is made.
package bootcfg

import (
	"context"

	sw "github.com/filanov/stateswitch"
	"github.com/metal-toolbox/bootsmith/internal/bmc"
	"github.com/metal-toolbox/bootsmith/internal/metrics"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	StateUnconfigured           sw.State = "unconfigured"
	StateNetworkParamsPending   sw.State = "networkParamsPending"
	StateNetworkParamsCommitted sw.State = "networkParamsCommitted"
	StateTargetParamsPending    sw.State = "targetParamsPending"
	StateTargetParamsCommitted  sw.State = "targetParamsCommitted"
	StateAuthParamsPending      sw.State = "authParamsPending"
	StateAuthParamsCommitted    sw.State = "authParamsCommitted"
	StateValidated              sw.State = "validated"
	StateFallbackNetworkBoot    sw.State = "fallbackNetworkBoot"

	TransitionWriteNetworkParams   sw.TransitionType = "writeNetworkParams"
	TransitionConfirmNetworkParams sw.TransitionType = "confirmNetworkParams"
	TransitionWriteTargetParams    sw.TransitionType = "writeTargetParams"
	TransitionConfirmTargetParams  sw.TransitionType = "confirmTargetParams"
	TransitionWriteAuthParams      sw.TransitionType = "writeAuthParams"
	TransitionConfirmAuthParams    sw.TransitionType = "confirmAuthParams"
	TransitionValidate             sw.TransitionType = "validate"
	TransitionFallbackNetworkBoot  sw.TransitionType = "fallbackNetworkBoot"
)

var (
	ErrInvalidTransitionHandler = errors.New("expected a valid transitionHandler{} type")
	ErrInvalidHandlerContext    = errors.New("expected a HandlerContext{} type")
	ErrTaskTransition           = errors.New("error in boot configuration transition")

	// ErrValidationFailed is returned when neither an explicit boot device
	// matching the target nor a generic network boot device was found.
	ErrValidationFailed = errors.New("no explicit boot device matched the target and no network boot fallback device exists")

	// ErrRebootNotConfirmed is returned by a confirm transition while the
	// remote still reports the configuration job pending.
	ErrRebootNotConfirmed = errors.New("pending configuration job not yet committed, reboot the host and retry")
)

// HandlerContext holds the working attributes of a boot configuration run.
//
// This struct is passed to transition handlers which depend on the values
// provided in this struct.
type HandlerContext struct {
	// Ctx is the parent context
	Ctx context.Context

	// Bmc is the BMC client for the server under configuration.
	Bmc bmc.Client

	Logger *logrus.Entry
}

// Machine drives a boot configuration task through its transitions.
type Machine struct {
	sm     sw.StateMachine
	logger *logrus.Entry
}

// NewMachine builds the boot configuration state machine.
//
// The SM has transition rules define the transitionHandler methods
// each transitionHandler method is passed as values to the transition rule.
func NewMachine(logger *logrus.Entry) *Machine {
	m := &Machine{sm: sw.NewStateMachine(), logger: logger}

	handler := &transitionHandler{}

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionWriteNetworkParams,
		SourceStates:     sw.States{StateUnconfigured},
		DestinationState: StateNetworkParamsPending,
		Condition:        nil,
		Transition:       handler.writeNetworkParams,
		PostTransition:   handler.recordTransition,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionConfirmNetworkParams,
		SourceStates:     sw.States{StateNetworkParamsPending},
		DestinationState: StateNetworkParamsCommitted,
		Condition:        handler.pendingCleared,
		Transition:       handler.confirmCommitted,
		PostTransition:   handler.recordTransition,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionWriteTargetParams,
		SourceStates:     sw.States{StateNetworkParamsCommitted},
		DestinationState: StateTargetParamsPending,
		Condition:        nil,
		Transition:       handler.writeTargetParams,
		PostTransition:   handler.recordTransition,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionConfirmTargetParams,
		SourceStates:     sw.States{StateTargetParamsPending},
		DestinationState: StateTargetParamsCommitted,
		Condition:        handler.pendingCleared,
		Transition:       handler.confirmCommitted,
		PostTransition:   handler.recordTransition,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionWriteAuthParams,
		SourceStates:     sw.States{StateTargetParamsCommitted},
		DestinationState: StateAuthParamsPending,
		Condition:        nil,
		Transition:       handler.writeAuthParams,
		PostTransition:   handler.recordTransition,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionConfirmAuthParams,
		SourceStates:     sw.States{StateAuthParamsPending},
		DestinationState: StateAuthParamsCommitted,
		Condition:        handler.pendingCleared,
		Transition:       handler.confirmCommitted,
		PostTransition:   handler.recordTransition,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionValidate,
		SourceStates:     sw.States{StateTargetParamsCommitted, StateAuthParamsCommitted},
		DestinationState: StateValidated,
		Condition:        handler.explicitBootDevicePresent,
		Transition:       handler.validateReadBack,
		PostTransition:   handler.recordTransition,
	})

	// Reached, not as an error, when no explicit boot device is detected but a
	// generic network boot device exists.
	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionFallbackNetworkBoot,
		SourceStates:     sw.States{StateTargetParamsCommitted, StateAuthParamsCommitted},
		DestinationState: StateFallbackNetworkBoot,
		Condition:        handler.networkBootDevicePresent,
		Transition:       handler.acceptFallback,
		PostTransition:   handler.recordTransition,
	})

	return m
}

// TransitionOrder returns the write/confirm sequence for the descriptor, the
// auth leg is only present when the descriptor carries CHAP credentials.
func TransitionOrder(descriptor *model.BootTargetDescriptor) []sw.TransitionType {
	order := []sw.TransitionType{
		TransitionWriteNetworkParams,
		TransitionConfirmNetworkParams,
		TransitionWriteTargetParams,
		TransitionConfirmTargetParams,
	}

	if descriptor.CHAPEnabled() {
		order = append(order, TransitionWriteAuthParams, TransitionConfirmAuthParams)
	}

	return append(order, TransitionValidate)
}

// NextTransition returns the transition to run for the task's current state.
func (m *Machine) NextTransition(task *Task) (sw.TransitionType, bool) {
	switch sw.State(task.CurrentState) {
	case StateUnconfigured:
		return TransitionWriteNetworkParams, true
	case StateNetworkParamsPending:
		return TransitionConfirmNetworkParams, true
	case StateNetworkParamsCommitted:
		return TransitionWriteTargetParams, true
	case StateTargetParamsPending:
		return TransitionConfirmTargetParams, true
	case StateTargetParamsCommitted:
		if task.Descriptor.CHAPEnabled() {
			return TransitionWriteAuthParams, true
		}

		return TransitionValidate, true
	case StateAuthParamsPending:
		return TransitionConfirmAuthParams, true
	case StateAuthParamsCommitted:
		return TransitionValidate, true
	default:
		return "", false
	}
}

// Step runs a single transition on the task.
//
// An attempted transition with no rule for the current state never reaches the
// remote - it surfaces as an attribute dependency violation for writes, and as
// an unconfirmed reboot for confirms.
func (m *Machine) Step(ctx context.Context, transition sw.TransitionType, task *Task, hctx *HandlerContext) error {
	if hctx.Ctx == nil {
		hctx.Ctx = ctx
	}

	err := m.sm.Run(transition, task, hctx)
	if err == nil {
		metrics.BootTransitionCounter.WithLabelValues(string(transition), task.CurrentState).Inc()
		return nil
	}

	if errors.Is(err, sw.NoConditionPassedToRunTransaction) {
		err = m.resolveConditionFailure(ctx, transition, task, hctx)
	}

	metrics.BootTransitionCounter.WithLabelValues(string(transition), "failed").Inc()

	return err
}

// resolveConditionFailure maps the stateswitch condition sentinel to the
// distinct error kinds callers branch on.
func (m *Machine) resolveConditionFailure(ctx context.Context, transition sw.TransitionType, task *Task, hctx *HandlerContext) error {
	switch transition {
	case TransitionValidate:
		// no explicit boot device matched, check for the generic network boot
		// device as the alternative success signal.
		fberr := m.sm.Run(TransitionFallbackNetworkBoot, task, hctx)
		if fberr == nil {
			metrics.BootTransitionCounter.WithLabelValues(string(TransitionFallbackNetworkBoot), task.CurrentState).Inc()
			return nil
		}

		if errors.Is(fberr, sw.NoConditionPassedToRunTransaction) {
			return errors.Wrap(ErrValidationFailed, "server "+task.ServerID)
		}

		return fberr

	case TransitionConfirmNetworkParams, TransitionConfirmTargetParams, TransitionConfirmAuthParams:
		return errors.Wrap(ErrRebootNotConfirmed, "server "+task.ServerID)

	case TransitionWriteNetworkParams, TransitionWriteTargetParams, TransitionWriteAuthParams:
		return &model.AttributeDependencyError{
			Group:    transitionGroup(transition),
			Requires: prerequisiteGroup(transition),
		}
	}

	return errors.Wrap(ErrTaskTransition,
		"no transition rule found for transition type '"+string(transition)+"' and state '"+task.CurrentState+"'")
}

// DescribeAsJSON returns a JSON output describing the boot configuration statemachine.
func (m *Machine) DescribeAsJSON() ([]byte, error) {
	return m.sm.AsJSON()
}

func transitionGroup(transition sw.TransitionType) model.AttributeGroup {
	switch transition {
	case TransitionWriteNetworkParams:
		return model.AttributeGroupNetwork
	case TransitionWriteTargetParams:
		return model.AttributeGroupTarget
	default:
		return model.AttributeGroupAuth
	}
}

func prerequisiteGroup(transition sw.TransitionType) model.AttributeGroup {
	switch transition {
	case TransitionWriteNetworkParams:
		return model.AttributeGroupNetwork
	case TransitionWriteTargetParams:
		return model.AttributeGroupNetwork
	default:
		return model.AttributeGroupTarget
	}
}
