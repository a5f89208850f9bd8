package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/metal-toolbox/bootsmith/internal/app"
	"github.com/spf13/cobra"
)

var cmdBootConfig = &cobra.Command{
	Use:   "bootconfig",
	Short: "Configure one server to boot from its provisioned iSCSI target",
	Run: func(cmd *cobra.Command, _ []string) {
		runBootConfig(cmd.Context())
	},
}

// bootconfig command flags
var (
	bootConfigServerID string
)

func runBootConfig(ctx context.Context) {
	bootsmith, err := app.New(cfgFile, logLevel)
	if err != nil {
		log.Fatal(err)
	}

	inv, err := loadInventory(bootsmith)
	if err != nil {
		bootsmith.Logger.Fatal(err)
	}

	server, err := loadServer(inv, bootConfigServerID)
	if err != nil {
		bootsmith.Logger.Fatal(err)
	}

	deps, err := newPlanDeps(bootsmith)
	if err != nil {
		bootsmith.Logger.Fatal(err)
	}

	plan, err := deps.bootPlan(ctx, inv, server, useCHAP, confirmReboots)
	if err != nil {
		bootsmith.Logger.Fatal(err)
	}

	report, err := executePlan(ctx, plan)

	out, merr := json.MarshalIndent(report, "", "  ")
	if merr == nil {
		fmt.Println(string(out))
	}

	if err != nil {
		bootsmith.Logger.WithError(err).Error("boot configuration failed")
		bootsmith.Logger.Exit(1)
	}
}

func init() {
	cmdBootConfig.PersistentFlags().StringVar(&bootConfigServerID, "server-id", "", "The inventory ID of the server to configure")
	cmdBootConfig.PersistentFlags().BoolVarP(&useCHAP, "chap", "", false, "Configure CHAP authentication attributes")
	cmdBootConfig.PersistentFlags().BoolVarP(&dryRun, "dry-run", "", false, "Discover and report only, no attributes are written")
	cmdBootConfig.PersistentFlags().BoolVarP(&confirmReboots, "confirm-reboots", "", true, "Approve the host reboots that commit staged boot attribute changes, =false stops before the first power cycle")
	cmdBootConfig.PersistentFlags().StringVar(&inventoryFile, "inventory", "", "YAML file with target and server records")

	if err := cmdBootConfig.MarkPersistentFlagRequired("server-id"); err != nil {
		log.Fatal(err)
	}

	rootCmd.AddCommand(cmdBootConfig)
}
