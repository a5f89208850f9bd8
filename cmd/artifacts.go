package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/metal-toolbox/bootsmith/internal/app"
	"github.com/metal-toolbox/bootsmith/internal/ledger"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/spf13/cobra"
)

var cmdArtifacts = &cobra.Command{
	Use:   "artifacts",
	Short: "Manage recorded artifacts in the object store",
}

// artifacts command flags
var (
	artifactOwner     string
	artifactKind      string
	artifactFile      string
	artifactKeep      int
	artifactOlderThan time.Duration
)

var cmdArtifactsPublish = &cobra.Command{
	Use:   "publish",
	Short: "Record an artifact version and publish it at the stable latest key",
	Run: func(cmd *cobra.Command, _ []string) {
		withLedger(cmd.Context(), func(ctx context.Context, l *ledger.Ledger) error {
			content, err := os.ReadFile(artifactFile)
			if err != nil {
				return err
			}

			artifact := model.NewArtifact(artifactKind, artifactOwner, content, model.VisibilityPublicLatest)

			key, err := l.Publish(ctx, artifact)
			if err != nil {
				return err
			}

			fmt.Println(key)

			return nil
		})
	},
}

var cmdArtifactsRetract = &cobra.Command{
	Use:   "retract",
	Short: "Remove the public latest copy of an artifact, version history is kept",
	Run: func(cmd *cobra.Command, _ []string) {
		withLedger(cmd.Context(), func(ctx context.Context, l *ledger.Ledger) error {
			return l.Retract(ctx, artifactOwner, artifactKind)
		})
	},
}

var cmdArtifactsExpire = &cobra.Command{
	Use:   "expire",
	Short: "Trim the version history of an artifact, the public latest copy is never expired",
	Run: func(cmd *cobra.Command, _ []string) {
		withLedger(cmd.Context(), func(ctx context.Context, l *ledger.Ledger) error {
			var (
				expired []string
				err     error
			)

			if artifactOlderThan > 0 {
				expired, err = l.ExpireOlderThan(ctx, artifactOwner, artifactKind, time.Now().Add(-artifactOlderThan))
			} else {
				expired, err = l.Expire(ctx, artifactOwner, artifactKind, artifactKeep)
			}

			if err != nil {
				return err
			}

			for _, key := range expired {
				fmt.Println(key)
			}

			return nil
		})
	},
}

var cmdArtifactsVersions = &cobra.Command{
	Use:   "versions",
	Short: "List the recorded versions of an artifact, oldest first",
	Run: func(cmd *cobra.Command, _ []string) {
		withLedger(cmd.Context(), func(ctx context.Context, l *ledger.Ledger) error {
			versions, err := l.Versions(ctx, artifactOwner, artifactKind)
			if err != nil {
				return err
			}

			for _, key := range versions {
				fmt.Println(key)
			}

			return nil
		})
	},
}

func withLedger(ctx context.Context, fn func(context.Context, *ledger.Ledger) error) {
	bootsmith, err := app.New(cfgFile, logLevel)
	if err != nil {
		log.Fatal(err)
	}

	deps, err := newPlanDeps(bootsmith)
	if err != nil {
		bootsmith.Logger.Fatal(err)
	}

	l := ledger.New(deps.store, deps.ids, bootsmith.Logger.WithField("cmd", "artifacts"))

	if err := fn(ctx, l); err != nil {
		bootsmith.Logger.Fatal(err)
	}
}

func init() {
	cmdArtifacts.PersistentFlags().StringVar(&artifactOwner, "owner", "", "The artifact owner, e.g. a server ID")
	cmdArtifacts.PersistentFlags().StringVar(&artifactKind, "kind", "", "The artifact kind, e.g. boot-config")

	cmdArtifactsPublish.PersistentFlags().StringVar(&artifactFile, "file", "", "File with the artifact content to publish")
	cmdArtifactsExpire.PersistentFlags().IntVar(&artifactKeep, "keep", 10, "The number of versions to keep")
	cmdArtifactsExpire.PersistentFlags().DurationVar(&artifactOlderThan, "older-than", 0, "Expire versions recorded longer ago than this duration, overrides --keep")

	if err := cmdArtifacts.MarkPersistentFlagRequired("owner"); err != nil {
		log.Fatal(err)
	}

	if err := cmdArtifacts.MarkPersistentFlagRequired("kind"); err != nil {
		log.Fatal(err)
	}

	if err := cmdArtifactsPublish.MarkPersistentFlagRequired("file"); err != nil {
		log.Fatal(err)
	}

	cmdArtifacts.AddCommand(cmdArtifactsPublish)
	cmdArtifacts.AddCommand(cmdArtifactsRetract)
	cmdArtifacts.AddCommand(cmdArtifactsExpire)
	cmdArtifacts.AddCommand(cmdArtifactsVersions)

	rootCmd.AddCommand(cmdArtifacts)
}
