package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/ocistash/internal/builder"
)

var (
	buildFile       string
	buildContext    string
	buildRepository string
	buildTag        string
)

// newBuilderRunner is replaced in tests to avoid running podman.
var newBuilderRunner func() builder.Runner

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an image from a Containerfile and add it to a repository",
		Long: `Build an image with podman from a Containerfile and a build context, then
import the result into a local repository under the given tag. The build
runs with the binary and isolation mode from the config file's build section.`,
		Example: `  ocistash build --file Containerfile --context . --repository team/app --tag dev
  ocistash build -f images/base.Containerfile -c images --repository base --tag 2024.1`,
		RunE: buildRun,
	}

	cmd.Flags().StringVarP(&buildFile, "file", "f", "Containerfile", "path to the Containerfile")
	cmd.Flags().StringVarP(&buildContext, "context", "c", ".", "build context directory")
	cmd.Flags().StringVar(&buildRepository, "repository", "", "local repository to add the image to")
	cmd.Flags().StringVar(&buildTag, "tag", "latest", "tag for the built image")
	_ = cmd.MarkFlagRequired("repository")

	return cmd
}

func buildRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if globalEngine == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	var runner builder.Runner
	if newBuilderRunner != nil {
		runner = newBuilderRunner()
	}
	b := builder.New(globalEngine.Ingester(), builder.Options{
		Binary:    globalCfg.Build.Binary,
		Isolation: globalCfg.Build.Isolation,
	}, runner, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := b.Build(ctx, builder.Request{
		Containerfile: buildFile,
		ContextDir:    buildContext,
		Repository:    buildRepository,
		Tag:           buildTag,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Built %s:%s (repository version %d)\n", buildRepository, buildTag, v.Number)
	return nil
}
