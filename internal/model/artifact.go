package model

import (
	"time"

	"github.com/pkg/errors"
)

// Visibility places an artifact in one of the two ledger tiers.
type Visibility string

const (
	// VisibilityPrivateVersioned artifacts are append-only, each record gets a new path.
	VisibilityPrivateVersioned Visibility = "private-versioned"

	// VisibilityPublicLatest artifacts live at a fixed path and are overwritten on republish.
	VisibilityPublicLatest Visibility = "public-latest"
)

// Artifact metadata keys the ledger requires on every record.
const (
	ArtifactMetaOwner     = "owner"
	ArtifactMetaTimestamp = "timestamp"
)

var (
	ErrArtifact = errors.New("artifact error")
)

// Artifact is an immutable output record - a log, generated configuration or
// credential reference. Created during a component's processing phase and
// persisted during housekeeping.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Artifact struct {
	Kind string `json:"kind"`

	// ContentRef is the object storage location once recorded, empty until then.
	ContentRef string `json:"content_ref,omitempty"`

	// Content is the inline payload to be persisted.
	Content []byte `json:"-"`

	Metadata   map[string]string `json:"metadata"`
	Visibility Visibility        `json:"visibility"`
}

// NewArtifact returns an artifact stamped with the required owner and timestamp metadata.
func NewArtifact(kind, owner string, content []byte, visibility Visibility) *Artifact {
	return &Artifact{
		Kind:    kind,
		Content: content,
		Metadata: map[string]string{
			ArtifactMetaOwner:     owner,
			ArtifactMetaTimestamp: time.Now().UTC().Format(time.RFC3339),
		},
		Visibility: visibility,
	}
}

// Validate checks the ledger requirements on the artifact.
func (a *Artifact) Validate() error {
	if a.Kind == "" {
		return errors.Wrap(ErrArtifact, "artifact kind not set")
	}

	if a.Metadata[ArtifactMetaOwner] == "" {
		return errors.Wrap(ErrArtifact, "artifact owner metadata not set")
	}

	if a.Metadata[ArtifactMetaTimestamp] == "" {
		return errors.Wrap(ErrArtifact, "artifact timestamp metadata not set")
	}

	switch a.Visibility {
	case VisibilityPrivateVersioned, VisibilityPublicLatest:
	default:
		return errors.Wrap(ErrArtifact, "invalid artifact visibility: "+string(a.Visibility))
	}

	return nil
}

// Owner returns the logical owner identifier, a server+deployment identifier.
func (a *Artifact) Owner() string {
	return a.Metadata[ArtifactMetaOwner]
}
