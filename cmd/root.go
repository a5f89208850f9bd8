package cmd

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel int
)

var rootCmd = &cobra.Command{
	Use:   "bootsmith",
	Short: "bootsmith provisions iSCSI boot volumes and configures servers to boot from them",
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "bootsmith configuration file")
	rootCmd.PersistentFlags().IntVar(&logLevel, "log-level", 0, "app log level - 0 info, 1 debug, 2 trace")
}
