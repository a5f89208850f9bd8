package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
)

// Status holds the last reported outcome for a component instance,
// it is last-write-wins and updated whenever a phase fails or completes.
type Status struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// PhaseState flags are monotonic, once a phase has run its flag is never reset
// for the lifetime of the component instance.
type PhaseState struct {
	Discovered bool `json:"discovered"`
	Processed  bool `json:"processed"`
	Housekept  bool `json:"housekept"`
}

// DiscoveryResult is the read-only inventory a component collects in its discover phase.
type DiscoveryResult struct {
	// Reachable indicates connectivity and authentication succeeded.
	Reachable bool `json:"reachable"`

	// Existing maps remote resource names relevant to this instance to their presence.
	Existing map[string]bool `json:"existing,omitempty"`

	// Facts holds free-form attributes read from the remote system.
	Facts map[string]string `json:"facts,omitempty"`
}

// ProcessingResult records the create-or-reuse work performed in the process phase.
type ProcessingResult struct {
	Created []string `json:"created,omitempty"`
	Reused  []string `json:"reused,omitempty"`

	// Descriptor is set by components that resolve a boot target.
	Descriptor *BootTargetDescriptor `json:"descriptor,omitempty"`

	// Artifacts staged during processing, persisted during housekeeping.
	Artifacts []*Artifact `json:"artifacts,omitempty"`
}

// HousekeepingResult records verification and cleanup performed in the housekeep phase.
type HousekeepingResult struct {
	Verified     []string `json:"verified,omitempty"`
	Missing      []string `json:"missing,omitempty"`
	ArtifactRefs []string `json:"artifact_refs,omitempty"`
	Expired      []string `json:"expired,omitempty"`
}

// ComponentRecord is the shared execution bookkeeping for one component instance.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type ComponentRecord struct {
	ID     uuid.UUID              `json:"id"`
	Kind   ComponentKind          `json:"kind"`
	Config map[string]interface{} `json:"config,omitempty"`

	PhaseState PhaseState `json:"phase_state"`

	Discovery    *DiscoveryResult    `json:"discovery_result,omitempty"`
	Processing   *ProcessingResult   `json:"processing_result,omitempty"`
	Housekeeping *HousekeepingResult `json:"housekeeping_result,omitempty"`

	Status Status `json:"status"`

	CreatedAt time.Time `json:"created_at"`
}

// NewComponentRecord returns a record with the caller supplied configuration
// merged over the component defaults. The merged config is snapshotted so later
// mutation of the caller's map does not leak into the instance.
func NewComponentRecord(kind ComponentKind, config, defaults map[string]interface{}, ids IDSource) *ComponentRecord {
	if ids == nil {
		ids = NewIDSource()
	}

	merged := map[string]interface{}{}
	// errors from copier on map[string]interface{} sources are not possible here
	_ = copier.Copy(&merged, &defaults)

	for k, v := range config {
		merged[k] = v
	}

	return &ComponentRecord{
		ID:        ids(),
		Kind:      kind,
		Config:    merged,
		Status:    Status{Success: true},
		CreatedAt: time.Now(),
	}
}

// MarkPhase flags the given phase as run. Flags only ever transition to true.
func (r *ComponentRecord) MarkPhase(phase Phase) {
	switch phase {
	case PhaseDiscover:
		r.PhaseState.Discovered = true
	case PhaseProcess:
		r.PhaseState.Processed = true
	case PhaseHousekeep:
		r.PhaseState.Housekept = true
	}
}

// SetFailed records a phase failure on the instance status.
func (r *ComponentRecord) SetFailed(err error) {
	r.Status = Status{Success: false, Error: err.Error()}
}

// SetSucceeded records a successful phase on the instance status.
func (r *ComponentRecord) SetSucceeded(msg string) {
	r.Status = Status{Success: true, Message: msg}
}

// ConfigString returns the string value for a config key, or the given default.
func (r *ComponentRecord) ConfigString(key, fallback string) string {
	v, ok := r.Config[key]
	if !ok {
		return fallback
	}

	s, ok := v.(string)
	if !ok {
		return fallback
	}

	return s
}

// PhaseResult is the outcome of one executed phase.
type PhaseResult struct {
	Phase   Phase  `json:"phase"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// AggregateMetadata carries the component bookkeeping attached to an aggregate result.
type AggregateMetadata struct {
	PhaseState PhaseState `json:"phase_state"`
	Status     Status     `json:"status"`

	// Traceback is the stack-annotated rendering of the first phase error.
	Traceback string `json:"traceback,omitempty"`
}

// AggregateResult is returned by the executor, it is always returned,
// a phase failure is captured here rather than propagated.
type AggregateResult struct {
	ComponentID string            `json:"component_id"`
	Kind        ComponentKind     `json:"kind"`
	Success     bool              `json:"success"`
	Phases      []PhaseResult     `json:"phases"`
	Metadata    AggregateMetadata `json:"metadata"`
}

// FirstError returns the error message of the first failed phase, if any.
func (a *AggregateResult) FirstError() string {
	for _, p := range a.Phases {
		if !p.Success && !p.Skipped {
			return p.Error
		}
	}

	return ""
}
