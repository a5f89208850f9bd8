package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/metal-toolbox/bootsmith/internal/app"
	"github.com/metal-toolbox/bootsmith/internal/inventory"
	"github.com/metal-toolbox/bootsmith/internal/metrics"
	"github.com/metal-toolbox/bootsmith/internal/orchestrator"
	"github.com/metal-toolbox/bootsmith/internal/version"
	"github.com/spf13/cobra"

	// nolint:gosec // profiling endpoint listens on localhost.
	_ "net/http/pprof"
)

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Run bootsmith over every server in the inventory",
	Run: func(cmd *cobra.Command, _ []string) {
		runFleet(cmd.Context())
	},
}

// flags shared by the workflow commands
var (
	inventoryFile  string
	useCHAP        bool
	concurrency    int
	dryRun         bool
	confirmReboots bool
)

func runFleet(ctx context.Context) {
	bootsmith, err := app.New(cfgFile, logLevel)
	if err != nil {
		log.Fatal(err)
	}

	// serve metrics endpoint
	metrics.ListenAndServe()
	version.ExportBuildInfoMetric()

	// Setup cancel context with cancel func.
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	// routine listens for termination signal and cancels the context
	go func() {
		<-bootsmith.TermCh
		bootsmith.Logger.Info("got TERM signal, exiting...")
		cancelFunc()
	}()

	inv, err := loadInventory(bootsmith)
	if err != nil {
		bootsmith.Logger.Fatal(err)
	}

	deps, err := newPlanDeps(bootsmith)
	if err != nil {
		bootsmith.Logger.Fatal(err)
	}

	runs := []orchestrator.ServerRun{}

	for _, server := range inv.Servers {
		plan, err := deps.serverPlan(ctx, inv, server, useCHAP, confirmReboots)
		if err != nil {
			bootsmith.Logger.Fatal(err)
		}

		runs = append(runs, orchestrator.ServerRun{ServerID: server.ID, Plan: plan, DryRun: dryRun})
	}

	if concurrency == 0 {
		concurrency = bootsmith.Config.Concurrency
	}

	reports, err := orchestrator.FanOut(ctx, runs, concurrency, bootsmith.Logger.WithField("cmd", "run"))
	if err != nil {
		bootsmith.Logger.WithError(err).Error("fleet run completed with errors")
	}

	out, merr := json.MarshalIndent(reports, "", "  ")
	if merr == nil {
		fmt.Println(string(out))
	}

	if err != nil {
		bootsmith.Logger.Exit(1)
	}
}

func loadInventory(bootsmith *app.App) (*inventory.Inventory, error) {
	file := inventoryFile
	if file == "" {
		file = bootsmith.Config.InventoryFile
	}

	return inventory.Load(file)
}

func init() {
	cmdRun.PersistentFlags().StringVar(&inventoryFile, "inventory", "", "YAML file with target and server records, overrides the configured inventory_file")
	cmdRun.PersistentFlags().BoolVarP(&useCHAP, "chap", "", false, "Provision and configure CHAP authentication on targets")
	cmdRun.PersistentFlags().IntVarP(&concurrency, "concurrency", "", 0, "The number of servers provisioned concurrently")
	cmdRun.PersistentFlags().BoolVarP(&dryRun, "dry-run", "", false, "Discover and report only, nothing is provisioned or configured")
	cmdRun.PersistentFlags().BoolVarP(&confirmReboots, "confirm-reboots", "", true, "Approve the host reboots that commit staged boot attribute changes, =false stops before the first power cycle")

	rootCmd.AddCommand(cmdRun)
}
