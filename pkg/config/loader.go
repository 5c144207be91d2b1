package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader reads device configurations. JSON is the primary format; YAML is
// accepted when the file extension says so. Environment variables prefixed
// with IOTSIM_ override file values.
type Loader struct {
	viper *viper.Viper
}

// NewLoader builds a configuration loader.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("IOTSIM")
	v.AutomaticEnv()
	return &Loader{viper: v}
}

// LoadDeviceConfig reads, defaults and validates a device configuration
// file. A missing uuid is filled in with a generated one.
func (l *Loader) LoadDeviceConfig(configPath string) (*DeviceConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	l.viper.SetConfigFile(configPath)
	if t := configTypeForPath(configPath); t != "" {
		l.viper.SetConfigType(t)
	}

	if err := l.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config DeviceConfig
	if err := l.viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.ApplyDefaults()
	if config.UUID == "" {
		config.UUID = uuid.New().String()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Watch re-reads the config file on change and hands valid snapshots to the
// callback. A running device never swaps its live profile; watchers are for
// inspection and logging only.
func (l *Loader) Watch(configPath string, callback func(*DeviceConfig)) error {
	l.viper.SetConfigFile(configPath)
	if t := configTypeForPath(configPath); t != "" {
		l.viper.SetConfigType(t)
	}

	l.viper.WatchConfig()
	l.viper.OnConfigChange(func(e fsnotify.Event) {
		var config DeviceConfig
		if err := l.viper.Unmarshal(&config); err != nil {
			return
		}
		config.ApplyDefaults()
		if err := config.Validate(); err != nil {
			return
		}
		callback(&config)
	})

	return nil
}

// SaveDeviceConfig writes a config to disk, JSON or YAML by extension. Used
// by the generate command for starter templates.
func SaveDeviceConfig(config *DeviceConfig, filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if configTypeForPath(filePath) == "yaml" {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadSchedule reads a coordinator schedule: a JSON array of device events.
// One invalid entry fails the whole load.
func LoadSchedule(path string) ([]DeviceEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule file: %w", err)
	}

	var schedule []DeviceEvent
	if err := json.Unmarshal(data, &schedule); err != nil {
		return nil, fmt.Errorf("failed to parse schedule JSON: %w", err)
	}

	for i := range schedule {
		if err := schedule[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid schedule entry %d: %w", i, err)
		}
	}
	return schedule, nil
}

// LoadDeviceList reads the gateway device-list file. An empty list is an
// error.
func LoadDeviceList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}

	var list DeviceList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse devices JSON: %w", err)
	}
	if len(list.Devices) == 0 {
		return nil, fmt.Errorf("device list is empty")
	}
	for i, uri := range list.Devices {
		if strings.TrimSpace(uri) == "" {
			return nil, fmt.Errorf("device %d: empty URI", i)
		}
	}
	return list.Devices, nil
}

// DefaultDeviceConfig returns the template emitted by the generate command.
func DefaultDeviceConfig() *DeviceConfig {
	cfg := &DeviceConfig{
		UUID:                     uuid.New().String(),
		TemperatureRange:         [2]float64{20, 22},
		BatteryCharge:            1000,
		BatteryTransmitDischarge: 1,
		BatteryIdleDischarge:     0.5,
		DropPercentage:           5,
		DelayProfiles: []DelayProfile{
			{Probability: 80, Min: 0, Max: 0.2},
			{Probability: 15, Min: 0.2, Max: 1},
			{Probability: 5, Min: 1, Max: 3},
		},
		Coordinate: Coordinate{Latitude: 38.7369, Longitude: -9.1427},
	}
	cfg.ApplyDefaults()
	return cfg
}

func configTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}
