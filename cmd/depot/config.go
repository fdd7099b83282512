package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/depot/internal/paths"
	"github.com/mesh-intelligence/depot/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	envPrefix      = "DEPOT"
	cfgKeyDataDir  = "data_dir"
)

const configHeader = `# depot configuration
#
# Every key can be overridden by an environment variable named DEPOT_ plus
# the upper-cased key path, e.g. DEPOT_REMOTE_DSN or DEPOT_SYNC_PAGE_SIZE.

# Cache directory (optional; overridable by --data-dir)
# data_dir: /var/lib/depot

`

// defaultSettings is types.DefaultConfig in the shape of config.yaml, with
// durations written as strings.
func defaultSettings() map[string]any {
	d := types.DefaultConfig()
	return map[string]any{
		"backend": d.Backend,
		"remote": map[string]any{
			"driver": d.Remote.Driver,
			"dsn":    d.Remote.DSN,
		},
		"realtime": map[string]any{
			"driver":                     d.Realtime.Driver,
			"url":                        d.Realtime.URL,
			"dsn":                        d.Realtime.DSN,
			"channel":                    d.Realtime.Channel,
			"freshness_threshold":        d.Realtime.FreshnessThreshold.String(),
			"initial_reconnect_interval": d.Realtime.InitialReconnectInterval.String(),
			"max_reconnect_interval":     d.Realtime.MaxReconnectInterval.String(),
			"heartbeat_timeout":          d.Realtime.HeartbeatTimeout.String(),
		},
		"sync": map[string]any{
			"page_size":        d.Sync.PageSize,
			"parallelism":      d.Sync.Parallelism,
			"max_page_retries": d.Sync.MaxPageRetries,
			"page_timeout":     d.Sync.PageTimeout.String(),
			"initial_backoff":  d.Sync.InitialBackoff.String(),
			"max_backoff":      d.Sync.MaxBackoff.String(),
			"prune_missing":    d.Sync.PruneMissing,
		},
		"http": map[string]any{
			"addr": d.HTTP.Addr,
		},
		"log": map[string]any{
			"level":  d.Log.Level,
			"format": d.Log.Format,
		},
		"snapshot": map[string]any{
			"s3": map[string]any{
				"bucket":     "",
				"region":     "",
				"endpoint":   "",
				"prefix":     "",
				"path_style": false,
			},
		},
	}
}

// setDefaults registers every leaf of settings under its dotted key so the
// environment can override it.
func setDefaults(v *viper.Viper, prefix string, settings map[string]any) {
	for k, val := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

// defaultConfigYAML renders the file written on first run.
func defaultConfigYAML() ([]byte, error) {
	body, err := yaml.Marshal(defaultSettings())
	if err != nil {
		return nil, err
	}
	return append([]byte(configHeader), body...), nil
}

// loadConfig reads config.yaml from configDir, creating the directory and a
// default file on first run, and applies DEPOT_* overrides. data_dir is
// taken from the file only; the data directory chain resolves the rest.
func loadConfig(configDir string) (types.Config, error) {
	if err := ensureDefaultConfigFile(configDir, false); err != nil {
		return types.Config{}, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	setDefaults(v, "", defaultSettings())
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	fileDataDir := v.GetString(cfgKeyDataDir)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c types.Config
	if err := v.Unmarshal(&c); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.DataDir = fileDataDir
	return c, nil
}

// ensureDefaultConfigFile writes the default config.yaml when it is missing,
// or always when overwrite is set.
func ensureDefaultConfigFile(configDir string, overwrite bool) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	path := paths.ConfigFile(configDir)
	if !overwrite {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat config file: %w", err)
		}
	}
	body, err := defaultConfigYAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o644)
}
