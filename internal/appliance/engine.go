package appliance

import (
	"context"
	"fmt"

	"github.com/metal-toolbox/bootsmith/internal/metrics"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	StepVolume      = "volume"
	StepExtent      = "extent"
	StepTarget      = "target"
	StepAssociation = "association"
)

// Naming derives remote resource names deterministically from the server and
// version identifiers, repeated runs with the same inputs always compute the
// same names.
type Naming struct {
	// BaseIQN prefixes every target IQN, e.g. iqn.2005-10.org.freenas.ctl
	BaseIQN string

	// Chassis and Product compose the resource names,
	// e.g. chassis r630, product openshift, server 02, version 4_18
	// yields target name iscsi.r630-02.openshift4_18
	Chassis string
	Product string

	// PortalAddress and PortalPort identify the appliance iSCSI portal.
	PortalAddress string
	PortalPort    int
}

// DefaultNaming returns the fleet naming convention.
func DefaultNaming(portalAddress string) Naming {
	return Naming{
		BaseIQN:       "iqn.2005-10.org.freenas.ctl",
		Chassis:       "r630",
		Product:       "openshift",
		PortalAddress: portalAddress,
		PortalPort:    3260,
	}
}

// TargetName returns the appliance target name for the server and version.
func (n Naming) TargetName(serverID, version string) string {
	return fmt.Sprintf("iscsi.%s-%s.%s%s", n.Chassis, serverID, n.Product, version)
}

// VolumeName returns the backing volume name for the server and version.
func (n Naming) VolumeName(serverID, version string) string {
	return fmt.Sprintf("%s-%s-%s%s", n.Chassis, serverID, n.Product, version)
}

// IQN returns the full target IQN.
func (n Naming) IQN(serverID, version string) string {
	return n.BaseIQN + ":" + n.TargetName(serverID, version)
}

// Params describes one provisioning run.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Params struct {
	ServerID string
	Hostname string
	Version  string

	// Size is the volume size, e.g. 500G.
	Size string
	LUN  int

	// Force destroys and recreates existing resources. The default is reuse,
	// destructive recreation risks data loss.
	Force bool

	CHAPUsername string
	// CHAPSecret is never serialized into logs or artifacts.
	CHAPSecret string `json:"-"`
}

// Outcome reports what the engine created versus reused.
type Outcome struct {
	Created []string `json:"created,omitempty"`
	Reused  []string `json:"reused,omitempty"`
}

// Engine performs idempotent create-or-reuse provisioning of the volume,
// extent, target and association backing one server's boot disk.
//
// Each step is attempted independently - a partially provisioned prior run is
// detected through the existence queries and only the missing steps are
// performed.
type Engine struct {
	client Client
	naming Naming
	logger *logrus.Entry
}

func NewEngine(client Client, naming Naming, logger *logrus.Entry) *Engine {
	return &Engine{client: client, naming: naming, logger: logger}
}

// Provision ensures all four resources exist and returns the boot target descriptor.
func (e *Engine) Provision(ctx context.Context, p Params) (*model.BootTargetDescriptor, *Outcome, error) {
	volumeName := e.naming.VolumeName(p.ServerID, p.Version)
	targetName := e.naming.TargetName(p.ServerID, p.Version)

	outcome := &Outcome{}

	if p.Force {
		if err := e.teardown(ctx, volumeName, targetName); err != nil {
			return nil, outcome, err
		}
	}

	steps := []struct {
		step   string
		kind   ResourceKind
		name   string
		create func(context.Context) (*Resource, error)
	}{
		{
			step: StepVolume,
			kind: KindVolume,
			name: volumeName,
			create: func(ctx context.Context) (*Resource, error) {
				return e.client.CreateVolume(ctx, volumeName, p.Size)
			},
		},
		{
			step: StepExtent,
			kind: KindExtent,
			name: volumeName,
			create: func(ctx context.Context) (*Resource, error) {
				return e.client.CreateExtent(ctx, volumeName, volumeName)
			},
		},
		{
			step: StepTarget,
			kind: KindTarget,
			name: targetName,
			create: func(ctx context.Context) (*Resource, error) {
				return e.client.CreateTarget(ctx, targetName, p.Hostname)
			},
		},
		{
			step: StepAssociation,
			kind: KindAssociation,
			name: targetName,
			create: func(ctx context.Context) (*Resource, error) {
				return e.client.Associate(ctx, targetName, volumeName, p.LUN)
			},
		},
	}

	for _, s := range steps {
		existing, err := e.client.QueryByName(ctx, s.kind, s.name)
		if err != nil {
			return nil, outcome, model.NewStepError(s.step, err)
		}

		if existing != nil {
			e.logger.WithFields(logrus.Fields{"step": s.step, "name": s.name}).Debug("resource exists, reused")
			outcome.Reused = append(outcome.Reused, s.step)
			metrics.ProvisionStepCounter.WithLabelValues(s.step, "reused").Inc()

			continue
		}

		if _, err := s.create(ctx); err != nil {
			metrics.ProvisionStepCounter.WithLabelValues(s.step, "failed").Inc()
			return nil, outcome, model.NewStepError(s.step, err)
		}

		e.logger.WithFields(logrus.Fields{"step": s.step, "name": s.name}).Info("resource created")
		outcome.Created = append(outcome.Created, s.step)
		metrics.ProvisionStepCounter.WithLabelValues(s.step, "created").Inc()
	}

	descriptor := &model.BootTargetDescriptor{
		IQN:           e.naming.IQN(p.ServerID, p.Version),
		PortalAddress: e.naming.PortalAddress,
		Port:          e.naming.PortalPort,
		LUN:           p.LUN,
		VolumeName:    volumeName,
		CHAPUsername:  p.CHAPUsername,
		CHAPSecret:    p.CHAPSecret,
	}

	if err := descriptor.Validate(); err != nil {
		return nil, outcome, err
	}

	return descriptor, outcome, nil
}

// teardown removes existing resources in reverse dependency order, the
// association releases the target and extent, the extent releases the volume.
func (e *Engine) teardown(ctx context.Context, volumeName, targetName string) error {
	order := []struct {
		step string
		kind ResourceKind
		name string
	}{
		{StepAssociation, KindAssociation, targetName},
		{StepTarget, KindTarget, targetName},
		{StepExtent, KindExtent, volumeName},
		{StepVolume, KindVolume, volumeName},
	}

	for _, s := range order {
		existing, err := e.client.QueryByName(ctx, s.kind, s.name)
		if err != nil {
			return model.NewStepError(s.step, err)
		}

		if existing == nil {
			continue
		}

		if err := e.client.Delete(ctx, s.kind, existing.ID); err != nil {
			return model.NewStepError(s.step, errors.Wrap(model.ErrForceDestroy, err.Error()))
		}

		e.logger.WithFields(logrus.Fields{"step": s.step, "name": s.name}).Warn("existing resource destroyed")
	}

	return nil
}

// Inventory returns the existence of each provisioning step's resource,
// used by the discover phase and by housekeeping verification.
func (e *Engine) Inventory(ctx context.Context, p Params) (map[string]bool, error) {
	volumeName := e.naming.VolumeName(p.ServerID, p.Version)
	targetName := e.naming.TargetName(p.ServerID, p.Version)

	existing := map[string]bool{}

	checks := []struct {
		step string
		kind ResourceKind
		name string
	}{
		{StepVolume, KindVolume, volumeName},
		{StepExtent, KindExtent, volumeName},
		{StepTarget, KindTarget, targetName},
		{StepAssociation, KindAssociation, targetName},
	}

	for _, c := range checks {
		resource, err := e.client.QueryByName(ctx, c.kind, c.name)
		if err != nil {
			return nil, model.NewStepError(c.step, err)
		}

		existing[c.step] = resource != nil
	}

	return existing, nil
}
