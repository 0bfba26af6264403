package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/ocistash/internal/config"
)

const redacted = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect the ocistash configuration. Subcommands print the effective
configuration or check it for errors without touching the data directory.`,
		Example: `  ocistash config show
  ocistash config validate --config /etc/ocistash/ocistash.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format, with command-line
overrides applied and credentials masked.`,
		Example: `  ocistash config show
  ocistash config show --config /etc/ocistash/ocistash.yaml`,
		RunE: configShowRun,
	}
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := yaml.Marshal(redactConfig(globalCfg))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

// redactConfig returns a copy of cfg with secrets masked.
func redactConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Remotes = make(map[string]config.RemoteConfig, len(cfg.Remotes))
	for name, rc := range cfg.Remotes {
		if rc.Password != "" {
			rc.Password = redacted
		}
		if rc.ProxyPassword != "" {
			rc.ProxyPassword = redacted
		}
		out.Remotes[name] = rc
	}
	out.Targets = make(map[string]config.TargetConfig, len(cfg.Targets))
	for name, tc := range cfg.Targets {
		if tc.Password != "" {
			tc.Password = redacted
		}
		out.Targets[name] = tc
	}
	return &out
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		Example: `  ocistash config validate
  ocistash config validate --config ./ocistash.yaml`,
		RunE: configValidateRun,
	}
}

func configValidateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	slog.Default().Info("configuration is valid", "remotes", len(globalCfg.Remotes))
	fmt.Printf("Configuration OK (%d remotes)\n", len(globalCfg.Remotes))
	return nil
}
