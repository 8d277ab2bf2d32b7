package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/brianly1003/rtmux/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configInitLocal bool
	configInitForce bool
)

const configHeader = `# rtmux configuration
# Durations use Go syntax (500ms, 30s, 2m). Every key can be overridden with
# an RTMUX_ environment variable, e.g. RTMUX_SERVER_PORT=9000.

`

// configCmd displays or manages configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display and manage configuration",
	Long: `Display and manage rtmux configuration.

Without subcommands, shows the effective configuration.

Examples:
  rtmux config              # Show current config
  rtmux config init         # Create config file with defaults
  rtmux config path         # Show config file location
  rtmux config get <key>    # Get a config value`,
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := config.NewManager(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return printSettings(cmd.OutOrStdout(), manager)
	},
}

// configInitCmd creates a config file with defaults.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file with default settings",
	Long: `Create a config file with default settings.

By default, creates ~/.rtmux/config.yaml.
Use --local to create ./config.yaml in the current directory.`,
	RunE: runConfigInit,
}

// configPathCmd shows config file location.
var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file search paths",
	RunE:  runConfigPath,
}

// configGetCmd gets a config value.
var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long: `Get a configuration value by key.

Keys use dot notation to access nested values.

Examples:
  rtmux config get server.port
  rtmux config get realtime.max_idle_time`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configGetCmd)

	configInitCmd.Flags().BoolVar(&configInitLocal, "local", false, "create config in current directory instead of ~/.rtmux/")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite existing config file")
}

func printSettings(w io.Writer, manager *config.Manager) error {
	if file := manager.ConfigFile(); file != "" {
		fmt.Fprintf(w, "# loaded from %s\n", file)
	} else {
		fmt.Fprintln(w, "# no config file found, showing defaults and environment")
	}
	out, err := yaml.Marshal(manager.Settings())
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = w.Write(out)
	return err
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var configPath string

	if configInitLocal {
		configPath = "config.yaml"
	} else {
		configDir, err := config.EnsureConfigDir()
		if err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}

	if err := writeDefaultConfig(configPath, configInitForce); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", configPath)
	return nil
}

func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", path)
	}

	body, err := config.DefaultYAML()
	if err != nil {
		return fmt.Errorf("failed to render defaults: %w", err)
	}
	content := append([]byte(configHeader), body...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configDir, err := config.GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config dir: %w", err)
	}

	locations := []string{
		"./config.yaml",
		filepath.Join(configDir, "config.yaml"),
		"/etc/rtmux/config.yaml",
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "Config search paths (in order):")
	for i, loc := range locations {
		exists := "not found"
		if _, err := os.Stat(loc); err == nil {
			exists = "exists"
		}
		fmt.Fprintf(w, "  %d. %s (%s)\n", i+1, loc, exists)
	}
	fmt.Fprintf(w, "\nConfig directory: %s\n", configDir)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	manager, err := config.NewManager(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	value, ok := manager.Get(args[0])
	if !ok {
		return fmt.Errorf("unknown config key: %s", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}
