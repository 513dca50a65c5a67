package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "print the config file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration chatsync will use: the config file with CHATSYNC_*\n" +
		"environment overrides applied and the token masked. Use --raw for the file itself.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync init <base-url>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}
		return showEffectiveConfig(cmd.OutOrStdout())
	},
}

// showEffectiveConfig writes the merged configuration as TOML, followed by
// the keys that came from the environment.
func showEffectiveConfig(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	overridden := applyEnv(cfg)
	if cfg.Auth.Token != "" {
		cfg.Auth.Token = maskKey(cfg.Auth.Token)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if len(overridden) > 0 {
		fmt.Fprintf(w, "\n# from environment: %s\n", strings.Join(overridden, ", "))
	}
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.socket_url wss://api.kirayedar24.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if strings.HasSuffix(key, "_url") {
			if _, err := parseEndpoint(value); err != nil {
				return err
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
