package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const deviceJSON = `{
  "uuid": "11111111-2222-3333-4444-555555555555",
  "temperature_range": [20, 22],
  "battery_charge": 1000,
  "battery_transmit_discharge": 1,
  "battery_idle_discharge": 0.5,
  "drop_percentage": 5,
  "delay_profiles": [
    {"probability": 80, "min": 0, "max": 0.2},
    {"probability": 20, "min": 0.2, "max": 1}
  ],
  "coordinate": {"latitude": 38.7369, "longitude": -9.1427}
}`

func TestLoadDeviceConfig(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		path := writeFile(t, "device.json", deviceJSON)

		cfg, err := NewLoader().LoadDeviceConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "11111111-2222-3333-4444-555555555555", cfg.UUID)
		assert.Equal(t, [2]float64{20, 22}, cfg.TemperatureRange)
		assert.Equal(t, "0.0.0.0", cfg.ServerHost)
		assert.Equal(t, 5683, cfg.ServerPort)
		assert.Equal(t, []string{"device", "data"}, cfg.ResourcePath)
	})

	t.Run("YAML", func(t *testing.T) {
		path := writeFile(t, "device.yaml", `
uuid: dev-yaml
temperature_range: [18, 24]
battery_charge: 500
battery_transmit_discharge: 1
battery_idle_discharge: 0
drop_percentage: 0
delay_profiles:
  - probability: 100
    min: 0
    max: 0
coordinate:
  latitude: 1.5
  longitude: 2.5
`)

		cfg, err := NewLoader().LoadDeviceConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "dev-yaml", cfg.UUID)
		assert.Equal(t, 500.0, cfg.BatteryCharge)
	})

	t.Run("GeneratesUUIDWhenAbsent", func(t *testing.T) {
		path := writeFile(t, "device.json", `{
  "temperature_range": [20, 22],
  "battery_charge": 10,
  "battery_transmit_discharge": 1,
  "battery_idle_discharge": 0,
  "drop_percentage": 0,
  "delay_profiles": [{"probability": 100, "min": 0, "max": 0}],
  "coordinate": {"latitude": 0, "longitude": 0}
}`)

		cfg, err := NewLoader().LoadDeviceConfig(path)
		require.NoError(t, err)
		assert.NotEmpty(t, cfg.UUID)
	})

	t.Run("BadProbabilitySumFails", func(t *testing.T) {
		path := writeFile(t, "device.json", `{
  "uuid": "x",
  "temperature_range": [20, 22],
  "battery_charge": 10,
  "battery_transmit_discharge": 1,
  "battery_idle_discharge": 0,
  "drop_percentage": 0,
  "delay_profiles": [{"probability": 99, "min": 0, "max": 0}],
  "coordinate": {"latitude": 0, "longitude": 0}
}`)

		_, err := NewLoader().LoadDeviceConfig(path)
		assert.Error(t, err)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := NewLoader().LoadDeviceConfig(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
}

func TestLoadSchedule(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		path := writeFile(t, "schedule.json", `[
  {"time_ms": 500, "device": "coap://localhost:5683/device/data",
   "event": {"event_name": "Hot", "event_type": "permanent",
             "temperature_range": [80, 82], "transition_duration_s": 10}},
  {"time_ms": 100, "device": "coap://localhost:5684/device/data",
   "event": {"event_name": "Cold"}}
]`)

		schedule, err := LoadSchedule(path)
		require.NoError(t, err)
		require.Len(t, schedule, 2)
		assert.Equal(t, uint64(500), schedule[0].TimeMs)
		require.NotNil(t, schedule[0].Event.TemperatureRange)
		assert.Equal(t, [2]float64{80, 82}, *schedule[0].Event.TemperatureRange)
		assert.Nil(t, schedule[1].Event.TemperatureRange)
	})

	t.Run("OneInvalidEntryFailsLoad", func(t *testing.T) {
		path := writeFile(t, "schedule.json", `[
  {"time_ms": 100, "device": "coap://localhost/device/data", "event": {"event_name": "A"}},
  {"time_ms": 200, "device": "", "event": {"event_name": "B"}}
]`)

		_, err := LoadSchedule(path)
		assert.Error(t, err)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		path := writeFile(t, "schedule.json", `{"not": "an array"}`)
		_, err := LoadSchedule(path)
		assert.Error(t, err)
	})
}

func TestLoadDeviceList(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		path := writeFile(t, "devices.json", `{"devices": ["coap://a:5683/device/data", "coap://b:5683/device/data"]}`)
		devices, err := LoadDeviceList(path)
		require.NoError(t, err)
		assert.Len(t, devices, 2)
	})

	t.Run("EmptyListFails", func(t *testing.T) {
		path := writeFile(t, "devices.json", `{"devices": []}`)
		_, err := LoadDeviceList(path)
		assert.Error(t, err)
	})

	t.Run("BlankURIFails", func(t *testing.T) {
		path := writeFile(t, "devices.json", `{"devices": [" "]}`)
		_, err := LoadDeviceList(path)
		assert.Error(t, err)
	})
}

func TestSaveDeviceConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultDeviceConfig()

	path := filepath.Join(dir, "out.json")
	require.NoError(t, SaveDeviceConfig(cfg, path))

	loaded, err := NewLoader().LoadDeviceConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.UUID, loaded.UUID)
	assert.Equal(t, cfg.DelayProfiles, loaded.DelayProfiles)
}
