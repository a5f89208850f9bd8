package bootcfg

import (
	sw "github.com/filanov/stateswitch"
	"github.com/metal-toolbox/bootsmith/internal/model"
)

// Task tracks the boot configuration of one server through the attribute
// group write sequence. It implements the stateswitch StateSwitch interface.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Task struct {
	ServerID   string                      `json:"server_id"`
	Descriptor *model.BootTargetDescriptor `json:"descriptor"`

	CurrentState string `json:"state"`

	// RequiresReboot is set after every staged write, the state machine never
	// triggers the reboot itself - the caller does, then drives the confirm
	// transition.
	RequiresReboot bool `json:"requires_reboot"`

	Attempts []*model.Attempt          `json:"attempts,omitempty"`
	Warnings []model.ValidationWarning `json:"warnings,omitempty"`

	// Fallback is set when no explicit boot device matched the target but a
	// generic network boot device exists. An acceptable, logged outcome.
	Fallback bool `json:"fallback,omitempty"`
}

func NewTask(serverID string, descriptor *model.BootTargetDescriptor) (*Task, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}

	return &Task{
		ServerID:     serverID,
		Descriptor:   descriptor,
		CurrentState: string(StateUnconfigured),
	}, nil
}

// State implements the stateswitch StateSwitch interface.
func (t *Task) State() sw.State {
	return sw.State(t.CurrentState)
}

// SetState implements the stateswitch StateSwitch interface.
func (t *Task) SetState(state sw.State) error {
	t.CurrentState = string(state)
	return nil
}

// Done indicates the task reached a terminal state.
func (t *Task) Done() bool {
	return t.CurrentState == string(StateValidated) || t.CurrentState == string(StateFallbackNetworkBoot)
}

// LastAttempt returns the most recent attribute write attempt, nil if none.
func (t *Task) LastAttempt() *model.Attempt {
	if len(t.Attempts) == 0 {
		return nil
	}

	return t.Attempts[len(t.Attempts)-1]
}
