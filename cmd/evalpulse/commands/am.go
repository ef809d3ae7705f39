package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jobgate/evalpulse/am"
	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage evalpulse configuration",
	Long: sym.AM + ` am - manage evalpulse configuration

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/evalpulse/am.toml)
3. User config (~/.evalpulse/am.toml)
4. Project config (./am.toml, searched up from the working directory)
5. Environment variables (EVALPULSE_* prefix)

Examples:
  evalpulse am show                      # Show current configuration
  evalpulse am show --format json        # Show configuration as JSON
  evalpulse am get poll.interval_ms      # Get one value
  evalpulse am set poll.max_attempts 30  # Persist a value to the user config
  evalpulse am validate                  # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value using dot notation",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a configuration value to the user config",
	Long: `Write a configuration value to ~/.evalpulse/am.toml.
The previous file is kept as a rotating backup. Lists take comma separated values.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files were loaded",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

// redactedSettings returns all effective settings with secrets masked
func redactedSettings() map[string]interface{} {
	settings := am.GetViper().AllSettings()
	if backend, ok := settings["backend"].(map[string]interface{}); ok {
		if token, _ := backend["token"].(string); token != "" {
			backend["token"] = "********"
		}
	}
	return settings
}

// marshalSettings encodes settings as toml, json or yaml
func marshalSettings(settings map[string]interface{}, format string) ([]byte, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to JSON")
		}
		return append(data, '\n'), nil
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to YAML")
		}
		return append([]byte("# evalpulse configuration\n"), data...), nil
	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to TOML")
		}
		return append([]byte("# evalpulse configuration\n"), data...), nil
	default:
		return nil, errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	data, err := marshalSettings(redactedSettings(), configFormat)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	v := am.GetViper()
	if !v.IsSet(key) {
		return errors.NewNotFoundError("configuration key %q not found", key)
	}
	value := v.Get(key)
	if key == "backend.token" && value != "" {
		value = "********"
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if err := am.SetValue(key, value); err != nil {
		if errors.IsInvalidRequestError(err) {
			return errors.WithHint(err, "settable keys: "+strings.Join(am.SettableKeys(), ", "))
		}
		return err
	}
	pterm.Success.Printfln("%s = %s written to %s", key, value, am.GetUserConfigPath())
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	w := cmd.OutOrStdout()

	fmt.Fprintln(w, "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(w, "  1. [DEFAULT]  Built-in defaults")
	fmt.Fprintln(w, "  2. [SYSTEM]   "+am.SystemConfigPath)
	fmt.Fprintln(w, "  3. [USER]     "+am.GetUserConfigPath())
	fmt.Fprintln(w, "  4. [PROJECT]  ./am.toml (searches up directories)")
	fmt.Fprintln(w, "  5. [ENV]      EVALPULSE_* environment variables")
	fmt.Fprintln(w)

	loaded := am.LoadedFiles()
	if len(loaded) == 0 {
		fmt.Fprintln(w, "No configuration files found, using defaults")
	} else {
		fmt.Fprintln(w, "Loaded files:")
		for _, path := range loaded {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		}
	}

	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "EVALPULSE_") {
			name, _, _ := strings.Cut(kv, "=")
			env = append(env, name)
		}
	}
	if len(env) > 0 {
		sort.Strings(env)
		fmt.Fprintln(w, "\nEnvironment overrides:")
		for _, name := range env {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
	return nil
}
