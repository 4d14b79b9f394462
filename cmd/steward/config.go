package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/steward/internal/config"
)

const defaultConfigFile = "steward.yaml"

// resolveConfigPath returns the config file to load, or "" when none was
// requested and the default file does not exist.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if env := strings.TrimSpace(os.Getenv("STEWARD_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// loadConfig loads path, or the built-in defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return nil, err
	}
	return cfg, nil
}

func buildConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Check a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if len(args) == 1 {
				path = args[0]
			}
			path = resolveConfigPath(path)
			if path == "" {
				return fmt.Errorf("no config file given and %s does not exist", defaultConfigFile)
			}
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			provider, _ := cfg.LLM.Provider()
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (provider %s, storage %s)\n", path, provider, storageDriver(cfg))
			return nil
		},
	})

	return cmd
}

func storageDriver(cfg *config.Config) string {
	if cfg.Storage.Driver == "" {
		return "memory"
	}
	return cfg.Storage.Driver
}
