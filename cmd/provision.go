package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/metal-toolbox/bootsmith/internal/app"
	"github.com/spf13/cobra"
)

var cmdProvision = &cobra.Command{
	Use:   "provision",
	Short: "Provision the iSCSI boot volume and target for one server",
	Run: func(cmd *cobra.Command, _ []string) {
		runProvision(cmd.Context())
	},
}

// provision command flags
var (
	provisionServerID string
	provisionHostname string
	provisionForce    bool
)

func runProvision(ctx context.Context) {
	bootsmith, err := app.New(cfgFile, logLevel)
	if err != nil {
		log.Fatal(err)
	}

	inv, err := loadInventory(bootsmith)
	if err != nil {
		bootsmith.Logger.Fatal(err)
	}

	server, err := loadServer(inv, provisionServerID)
	if err != nil {
		bootsmith.Logger.Fatal(err)
	}

	if provisionHostname != "" {
		server.Hostname = provisionHostname
	}

	deps, err := newPlanDeps(bootsmith)
	if err != nil {
		bootsmith.Logger.Fatal(err)
	}

	logger := bootsmith.Logger.WithField("serverID", server.ID)

	plan, err := deps.storagePlan(ctx, inv, server, useCHAP, provisionForce)
	if err != nil {
		bootsmith.Logger.Fatal(err)
	}

	report, err := executePlan(ctx, plan)

	out, merr := json.MarshalIndent(report, "", "  ")
	if merr == nil {
		fmt.Println(string(out))
	}

	if err != nil {
		logger.WithError(err).Error("provisioning failed")
		bootsmith.Logger.Exit(1)
	}
}

func init() {
	cmdProvision.PersistentFlags().StringVar(&provisionServerID, "server-id", "", "The inventory ID of the server to provision")
	cmdProvision.PersistentFlags().StringVar(&provisionHostname, "hostname", "", "Override the server hostname from the inventory")
	cmdProvision.PersistentFlags().BoolVarP(&provisionForce, "force", "", false, "Destroy and recreate existing volume, extent, target and association - destructive, risks data loss")
	cmdProvision.PersistentFlags().BoolVarP(&useCHAP, "chap", "", false, "Provision CHAP authentication on the target")
	cmdProvision.PersistentFlags().BoolVarP(&dryRun, "dry-run", "", false, "Discover and report only, nothing is provisioned")
	cmdProvision.PersistentFlags().StringVar(&inventoryFile, "inventory", "", "YAML file with target and server records")

	if err := cmdProvision.MarkPersistentFlagRequired("server-id"); err != nil {
		log.Fatal(err)
	}

	rootCmd.AddCommand(cmdProvision)
}
