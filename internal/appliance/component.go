package appliance

import (
	"context"
	"encoding/json"

	"github.com/metal-toolbox/bootsmith/internal/component"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/sirupsen/logrus"
)

// Component wraps the provisioning engine in the lifecycle contract.
type Component struct {
	component.Base

	client Client
	engine *Engine
	params Params

	credentials func() (username, secret string)
}

func NewComponent(client Client, naming Naming, params Params, config map[string]interface{}, ids model.IDSource, logger *logrus.Entry) *Component {
	return &Component{
		Base:   component.NewBase(model.ComponentKindAppliance, config, nil, ids, logger),
		client: client,
		engine: NewEngine(client, naming, logger),
		params: params,
	}
}

// Discover verifies appliance connectivity and inventories the resources this
// instance would provision. Read-only.
func (c *Component) Discover(ctx context.Context) error {
	record := c.Record()

	if err := c.client.Ping(ctx); err != nil {
		return err
	}

	existing, err := c.engine.Inventory(ctx, c.params)
	if err != nil {
		return err
	}

	record.Discovery = &model.DiscoveryResult{
		Reachable: true,
		Existing:  existing,
		Facts: map[string]string{
			"target_iqn": c.engine.naming.IQN(c.params.ServerID, c.params.Version),
		},
	}

	return nil
}

// BindCredentials binds a CHAP credential source resolved by an earlier
// component, read at process time.
func (c *Component) BindCredentials(source func() (username, secret string)) {
	c.credentials = source
}

// Process runs the idempotent provisioning engine.
func (c *Component) Process(ctx context.Context) error {
	record := c.Record()

	if c.credentials != nil {
		c.params.CHAPUsername, c.params.CHAPSecret = c.credentials()
	}

	descriptor, outcome, err := c.engine.Provision(ctx, c.params)
	if err != nil {
		return err
	}

	record.Processing = &model.ProcessingResult{
		Created:    outcome.Created,
		Reused:     outcome.Reused,
		Descriptor: descriptor,
	}

	return nil
}

// Housekeep verifies all provisioning steps actually exist on the appliance -
// the actual remote state is checked, not the processing result - and stages
// the provisioning log artifact.
func (c *Component) Housekeep(ctx context.Context) error {
	record := c.Record()

	existing, err := c.engine.Inventory(ctx, c.params)
	if err != nil {
		return err
	}

	result := &model.HousekeepingResult{}

	for step, present := range existing {
		if present {
			result.Verified = append(result.Verified, step)
		} else {
			result.Missing = append(result.Missing, step)
		}
	}

	owner := c.params.ServerID + "-" + c.params.Version

	content, err := json.Marshal(map[string]interface{}{
		"params":   c.params,
		"existing": existing,
		"result":   record.Processing,
	})
	if err == nil {
		artifact := model.NewArtifact("provisioning-log", owner, content, model.VisibilityPrivateVersioned)

		if record.Processing == nil {
			record.Processing = &model.ProcessingResult{}
		}

		record.Processing.Artifacts = append(record.Processing.Artifacts, artifact)
	}

	record.Housekeeping = result

	return nil
}

// Descriptor returns the provisioned boot target descriptor, nil before
// Process ran. Bound into the boot configuration component as its
// descriptor source.
func (c *Component) Descriptor() *model.BootTargetDescriptor {
	if c.Record().Processing == nil {
		return nil
	}

	return c.Record().Processing.Descriptor
}
