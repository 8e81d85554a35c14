package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/pkg/cli"
)

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Interactively write a tetherd config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			return runInit(cmd, path, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tetherd.json"
	}
	return filepath.Join(home, ".tether", "config.json")
}

func runInit(cmd *cobra.Command, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, pass --force to overwrite", path)
		}
	}

	p := cli.DefaultPrompter()
	cfg := config.Default()

	cfg.Server.Listen = p.Ask("Listen address", cfg.Server.Listen)
	cfg.Broker.DataDir = p.Ask("Data directory", cfg.Broker.DataDir)
	cfg.Broker.LogLevel = p.Choose("Log level", []string{"debug", "info", "warn", "error"}, 1)

	if p.Confirm("Require bearer tokens on the API?", true) {
		cfg.Server.AuthSecret = p.AskSecret("Token signing secret")
	}

	for _, tool := range []string{"claude", "cursor-agent", "gemini"} {
		exe := p.Ask(fmt.Sprintf("Executable for %s (blank for PATH lookup)", tool), "")
		if exe == "" {
			continue
		}
		if cfg.Tools == nil {
			cfg.Tools = make(map[string]config.ToolConfig)
		}
		cfg.Tools[tool] = config.ToolConfig{Executable: exe}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	// The file can hold the auth secret, keep it owner-only.
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
