package cmd

import (
	"context"
	"time"

	"github.com/metal-toolbox/bootsmith/internal/app"
	"github.com/metal-toolbox/bootsmith/internal/appliance"
	"github.com/metal-toolbox/bootsmith/internal/bmc"
	"github.com/metal-toolbox/bootsmith/internal/bootcfg"
	"github.com/metal-toolbox/bootsmith/internal/inventory"
	"github.com/metal-toolbox/bootsmith/internal/ledger"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/metal-toolbox/bootsmith/internal/objstore"
	"github.com/metal-toolbox/bootsmith/internal/orchestrator"
	"github.com/metal-toolbox/bootsmith/internal/secrets"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	entrySecrets   = "secrets"
	entryAppliance = "appliance"
	entryBMC       = "bmc"
	entryBootCfg   = "boot-config"
	entryLedger    = "ledger"

	defaultApplianceTimeout = 30 * time.Second
)

var (
	errServerNotFound = errors.New("server not found in inventory")
)

// planDeps are the shared clients a server plan is assembled from.
type planDeps struct {
	cfg     *app.Configuration
	store   objstore.Store
	secrets secrets.Reader
	ids     model.IDSource
	logger  *logrus.Logger
}

func newPlanDeps(bootsmith *app.App) (*planDeps, error) {
	deps := &planDeps{
		cfg:    bootsmith.Config,
		ids:    model.NewIDSource(),
		logger: bootsmith.Logger,
	}

	logger := bootsmith.Logger.WithField("component", "init")

	if bootsmith.Config.ObjectStoreOptions.Bucket != "" {
		store, err := objstore.NewS3Store(bootsmith.Config.ObjectStoreOptions, logger)
		if err != nil {
			return nil, err
		}

		deps.store = store
	} else {
		deps.store = objstore.NewMemStore()

		logger.Warn("no object store bucket configured, artifacts are not persisted")
	}

	if bootsmith.Config.VaultOptions.Address != "" {
		reader, err := secrets.NewVaultStore(bootsmith.Config.VaultOptions, logger)
		if err != nil {
			return nil, err
		}

		deps.secrets = reader
	} else {
		deps.secrets = secrets.EnvReader{}
	}

	return deps, nil
}

// serverPlan wires the per-server component set into an orchestrator run.
//
// Secrets resolve first, the appliance consumes the CHAP credentials, the
// boot configuration consumes the appliance's target descriptor and the
// ledger persists every artifact the others staged.
func (d *planDeps) serverPlan(ctx context.Context, inv *inventory.Inventory, server *model.Server, useCHAP, confirmReboots bool) (*orchestrator.Orchestrator, error) {
	return d.plan(ctx, inv, server, planOpts{useCHAP: useCHAP, confirmReboots: confirmReboots, storage: true, bootcfg: true})
}

// storagePlan provisions the appliance side only.
func (d *planDeps) storagePlan(ctx context.Context, inv *inventory.Inventory, server *model.Server, useCHAP, force bool) (*orchestrator.Orchestrator, error) {
	return d.plan(ctx, inv, server, planOpts{useCHAP: useCHAP, force: force, storage: true})
}

// bootPlan configures the server boot attributes against an already
// provisioned target, resolved from the inventory record.
func (d *planDeps) bootPlan(ctx context.Context, inv *inventory.Inventory, server *model.Server, useCHAP, confirmReboots bool) (*orchestrator.Orchestrator, error) {
	return d.plan(ctx, inv, server, planOpts{useCHAP: useCHAP, confirmReboots: confirmReboots, bootcfg: true})
}

type planOpts struct {
	useCHAP        bool
	confirmReboots bool
	force          bool
	storage        bool
	bootcfg        bool
}

// executePlan runs the plan, or only its discovery when --dry-run is set.
func executePlan(ctx context.Context, plan *orchestrator.Orchestrator) (*orchestrator.Report, error) {
	if dryRun {
		return plan.DryRun(ctx)
	}

	return plan.Run(ctx)
}

// nolint:gocyclo // plan assembly is a wiring hub, splitting it hides the flow.
func (d *planDeps) plan(ctx context.Context, inv *inventory.Inventory, server *model.Server, opts planOpts) (*orchestrator.Orchestrator, error) {
	logger := d.logger.WithField("serverID", server.ID)

	applianceClient := appliance.NewClient(
		d.cfg.ApplianceOptions.Endpoint,
		d.cfg.ApplianceOptions.APIKey,
		d.cfg.ApplianceOptions.Pool,
		defaultApplianceTimeout,
		logger,
	)

	bmcClient := bmc.NewClient(ctx, server, d.cfg.BMCOptions.ConnectTimeout, logger)

	secretsComponent := secrets.NewComponent(server.ID, d.secrets, nil, d.ids, logger)

	lun := 0
	if record := inv.TargetByName(server.Target); record != nil {
		lun = record.LUN
	}

	params := appliance.Params{
		ServerID: server.ID,
		Hostname: server.Hostname,
		Version:  d.cfg.ApplianceOptions.Version,
		Size:     d.cfg.ApplianceOptions.VolumeSize,
		LUN:      lun,
		Force:    opts.force,
	}

	applianceComponent := appliance.NewComponent(
		applianceClient,
		appliance.DefaultNaming(d.cfg.ApplianceOptions.PortalAddress),
		params,
		map[string]interface{}{"pool": d.cfg.ApplianceOptions.Pool},
		d.ids,
		logger,
	)

	if opts.useCHAP {
		applianceComponent.BindCredentials(func() (string, string) {
			credentials := secretsComponent.Credentials()
			if credentials == nil {
				return "", ""
			}

			return credentials.Username, credentials.Secret
		})
	}

	bmcComponent := bmc.NewComponent(server, bmcClient, nil, d.ids, logger)

	descriptorSource := bootcfg.DescriptorSource(applianceComponent.Descriptor)
	if !opts.storage {
		descriptorSource = d.inventoryDescriptorSource(inv, server, secretsComponent, opts.useCHAP)
	}

	bootcfgComponent := bootcfg.NewComponent(
		server,
		bmcClient,
		descriptorSource,
		nil,
		d.ids,
		logger,
	)

	if opts.confirmReboots {
		bootcfgComponent.ConfirmReboots()
	}

	components := []interface{ Record() *model.ComponentRecord }{
		secretsComponent, applianceComponent, bmcComponent, bootcfgComponent,
	}

	ledgerComponent := ledger.NewComponent(
		d.store,
		func() []*model.Artifact {
			artifacts := []*model.Artifact{}

			for _, c := range components {
				if processing := c.Record().Processing; processing != nil {
					artifacts = append(artifacts, processing.Artifacts...)
				}
			}

			return artifacts
		},
		map[string]interface{}{"bucket": d.cfg.ObjectStoreOptions.Bucket},
		d.ids,
		logger,
	)

	entries := []orchestrator.Entry{
		{Name: entrySecrets, Component: secretsComponent, Optional: !opts.useCHAP},
	}

	ledgerDep := entrySecrets

	if opts.storage {
		entries = append(entries, orchestrator.Entry{
			Name: entryAppliance, Component: applianceComponent, DependsOn: dependsOnSecrets(opts.useCHAP),
		})
		ledgerDep = entryAppliance
	}

	if opts.bootcfg {
		bootcfgDeps := []string{entryBMC}
		if opts.storage {
			bootcfgDeps = append(bootcfgDeps, entryAppliance)
		}

		entries = append(entries,
			orchestrator.Entry{Name: entryBMC, Component: bmcComponent},
			orchestrator.Entry{Name: entryBootCfg, Component: bootcfgComponent, DependsOn: bootcfgDeps},
		)
		ledgerDep = entryBootCfg
	}

	entries = append(entries, orchestrator.Entry{
		Name: entryLedger, Component: ledgerComponent, Optional: true, DependsOn: []string{ledgerDep},
	})

	return orchestrator.New(entries, logger), nil
}

// inventoryDescriptorSource resolves the boot target descriptor from the
// server's inventory record, used when no appliance provisioning ran.
func (d *planDeps) inventoryDescriptorSource(inv *inventory.Inventory, server *model.Server, secretsComponent *secrets.Component, useCHAP bool) bootcfg.DescriptorSource {
	return func() *model.BootTargetDescriptor {
		record := inv.TargetByName(server.Target)
		if record == nil {
			return nil
		}

		descriptor, err := inv.ToDescriptor(record)
		if err != nil {
			return nil
		}

		// a CHAP record carries its own credentials, the secrets store only
		// fills in when the record has none
		if useCHAP && !descriptor.CHAPEnabled() {
			if credentials := secretsComponent.Credentials(); credentials != nil {
				descriptor.CHAPUsername = credentials.Username
				descriptor.CHAPSecret = credentials.Secret
			}
		}

		return descriptor
	}
}

func dependsOnSecrets(useCHAP bool) []string {
	if useCHAP {
		return []string{entrySecrets}
	}

	return nil
}

func loadServer(inv *inventory.Inventory, serverID string) (*model.Server, error) {
	server := inv.ServerByID(serverID)
	if server == nil {
		return nil, errors.Wrap(errServerNotFound, serverID)
	}

	return server, nil
}
