package am

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/logger"
)

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindFloat
	kindBool
	kindList
)

// settableKeys are the keys `am set` may write, with the TOML type each expects
var settableKeys = map[string]valueKind{
	"backend.base_url":              kindString,
	"backend.token":                 kindString,
	"backend.start_path":            kindString,
	"backend.status_path":           kindString,
	"backend.version_path":          kindString,
	"backend.version_constraint":    kindString,
	"backend.timeout_seconds":       kindInt,
	"backend.requests_per_second":   kindFloat,
	"backend.burst":                 kindInt,
	"backend.allow_private_network": kindBool,
	"poll.interval_ms":              kindInt,
	"poll.max_attempts":             kindInt,
	"journal.enabled":               kindBool,
	"journal.path":                  kindString,
	"server.port":                   kindInt,
	"server.allowed_origins":        kindList,
}

// SettableKeys returns the keys accepted by SetValue
func SettableKeys() []string {
	keys := make([]string, 0, len(settableKeys))
	for k := range settableKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	// .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.ComponentLogger("am").Warnw("Failed to delete old config backup", "path", back3, logger.FieldError, err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// SetValue persists key=value into ~/.evalpulse/am.toml and drops the cached config
func SetValue(key, value string) error {
	configPath := GetUserConfigPath()
	if configPath == "" {
		return errors.New("could not determine home directory")
	}
	if err := SetValueIn(configPath, key, value); err != nil {
		return err
	}
	Reset()
	return nil
}

// SetValueIn persists key=value into the TOML file at configPath, creating it if needed
func SetValueIn(configPath, key, value string) error {
	kind, ok := settableKeys[key]
	if !ok {
		return errors.WithHint(
			errors.NewInvalidRequestError("unknown config key %q", key),
			"run 'evalpulse am show' to list the available keys",
		)
	}

	config, err := loadTOMLMap(configPath)
	if err != nil {
		return err
	}

	parts := strings.Split(key, ".")
	section := config
	for _, part := range parts[:len(parts)-1] {
		next, ok := section[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			section[part] = next
		}
		section = next
	}
	parsed, err := parseValue(kind, value)
	if err != nil {
		return errors.Wrapf(err, "invalid value for %s", key)
	}
	section[parts[len(parts)-1]] = parsed

	return saveTOMLMap(config, configPath)
}

func loadTOMLMap(configPath string) (map[string]interface{}, error) {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return nil, errors.Wrap(err, "failed to create config directory")
	}

	config := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return config, nil
}

func saveTOMLMap(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Prevent the watcher from reloading our own write
	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}
	return nil
}

// parseValue turns a CLI string into the TOML type the key expects
func parseValue(kind valueKind, value string) (interface{}, error) {
	switch kind {
	case kindInt:
		i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, errors.NewInvalidRequestError("expected an integer, got %q", value)
		}
		return i, nil
	case kindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, errors.NewInvalidRequestError("expected a number, got %q", value)
		}
		return f, nil
	case kindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return nil, errors.NewInvalidRequestError("expected true or false, got %q", value)
		}
		return b, nil
	case kindList:
		origins := []string{}
		for _, o := range strings.Split(value, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		return origins, nil
	default:
		return value, nil
	}
}
