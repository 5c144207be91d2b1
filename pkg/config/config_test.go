package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProfiles() []DelayProfile {
	return []DelayProfile{
		{Probability: 70, Min: 0, Max: 0.1},
		{Probability: 30, Min: 0.1, Max: 0.5},
	}
}

func validDeviceConfig() *DeviceConfig {
	cfg := &DeviceConfig{
		UUID:                     "dev-1",
		TemperatureRange:         [2]float64{20, 22},
		BatteryCharge:            1000,
		BatteryTransmitDischarge: 1,
		BatteryIdleDischarge:     0.5,
		DropPercentage:           5,
		DelayProfiles:            validProfiles(),
		Coordinate:               Coordinate{Latitude: 38.7, Longitude: -9.1},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestDelayProfileValidation(t *testing.T) {
	t.Run("SumEquals100", func(t *testing.T) {
		assert.NoError(t, ValidateDelayProfiles(validProfiles()))
	})

	t.Run("SumBelow100", func(t *testing.T) {
		profiles := []DelayProfile{{Probability: 60, Min: 0, Max: 1}}
		assert.Error(t, ValidateDelayProfiles(profiles))
	})

	t.Run("SumAbove100", func(t *testing.T) {
		profiles := []DelayProfile{
			{Probability: 60, Min: 0, Max: 1},
			{Probability: 60, Min: 0, Max: 1},
		}
		assert.Error(t, ValidateDelayProfiles(profiles))
	})

	t.Run("EmptyList", func(t *testing.T) {
		assert.Error(t, ValidateDelayProfiles(nil))
	})

	t.Run("NegativeRange", func(t *testing.T) {
		profiles := []DelayProfile{{Probability: 100, Min: 0.5, Max: 0.1}}
		assert.Error(t, ValidateDelayProfiles(profiles))
	})
}

func TestDeviceConfigValidation(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, validDeviceConfig().Validate())
	})

	t.Run("Defaults", func(t *testing.T) {
		cfg := &DeviceConfig{}
		cfg.ApplyDefaults()
		assert.Equal(t, "0.0.0.0", cfg.ServerHost)
		assert.Equal(t, 5683, cfg.ServerPort)
		assert.Equal(t, []string{"device", "data"}, cfg.ResourcePath)
	})

	t.Run("InvertedTemperatureRange", func(t *testing.T) {
		cfg := validDeviceConfig()
		cfg.TemperatureRange = [2]float64{30, 20}
		assert.Error(t, cfg.Validate())
	})

	t.Run("DropPercentageOutOfRange", func(t *testing.T) {
		cfg := validDeviceConfig()
		cfg.DropPercentage = 101
		assert.Error(t, cfg.Validate())
	})

	t.Run("MissingUUID", func(t *testing.T) {
		cfg := validDeviceConfig()
		cfg.UUID = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestEventFromDeviceConfig(t *testing.T) {
	cfg := validDeviceConfig()
	ev := EventFromDeviceConfig(cfg)

	assert.Equal(t, "Normal", ev.EventName)
	assert.Equal(t, EventTypePermanent, ev.EventType)
	assert.Equal(t, cfg.TemperatureRange, ev.TemperatureRange)
	assert.Equal(t, cfg.DropPercentage, ev.DropPercentage)
	assert.Equal(t, cfg.Coordinate, ev.Coordinate)
	assert.Zero(t, ev.TransitionDurationS)
	require.NoError(t, ev.Validate())
}

func TestEventPatchApply(t *testing.T) {
	base := EventFromDeviceConfig(validDeviceConfig())

	t.Run("AbsentFieldsInherit", func(t *testing.T) {
		name := "Hot"
		patch := EventPatch{EventName: &name}
		out := patch.Apply(base)

		assert.Equal(t, "Hot", out.EventName)
		assert.Equal(t, base.EventType, out.EventType)
		assert.Equal(t, base.TemperatureRange, out.TemperatureRange)
		assert.Equal(t, base.BatteryTransmitDischarge, out.BatteryTransmitDischarge)
		assert.Equal(t, base.BatteryIdleDischarge, out.BatteryIdleDischarge)
		assert.Equal(t, base.DropPercentage, out.DropPercentage)
		assert.Equal(t, base.DelayProfiles, out.DelayProfiles)
		assert.Equal(t, base.Coordinate, out.Coordinate)
	})

	t.Run("PresentFieldsOverride", func(t *testing.T) {
		name := "Storm"
		drop := 42.0
		tr := [2]float64{80, 82}
		dur := 10.0
		patch := EventPatch{
			EventName:           &name,
			DropPercentage:      &drop,
			TemperatureRange:    &tr,
			TransitionDurationS: &dur,
		}
		out := patch.Apply(base)

		assert.Equal(t, "Storm", out.EventName)
		assert.Equal(t, 42.0, out.DropPercentage)
		assert.Equal(t, tr, out.TemperatureRange)
		assert.Equal(t, 10.0, out.TransitionDurationS)
	})

	t.Run("ProfileListReplacesWholesale", func(t *testing.T) {
		patch := EventPatch{
			DelayProfiles: []DelayProfile{{Probability: 100, Min: 1, Max: 2}},
		}
		out := patch.Apply(base)
		require.Len(t, out.DelayProfiles, 1)
		assert.Equal(t, 100.0, out.DelayProfiles[0].Probability)
	})

	t.Run("ApplyDoesNotAliasBaseProfiles", func(t *testing.T) {
		out := EventPatch{}.Apply(base)
		out.DelayProfiles[0].Probability = 1
		assert.Equal(t, 70.0, base.DelayProfiles[0].Probability)
	})

	t.Run("ResolvedEventValidates", func(t *testing.T) {
		badType := "sometimes"
		out := EventPatch{EventType: &badType}.Apply(base)
		assert.Error(t, out.Validate())
	})
}

func TestDeviceEventValidation(t *testing.T) {
	name := "Quake"
	t.Run("Valid", func(t *testing.T) {
		ev := DeviceEvent{
			TimeMs: 100,
			Device: "coap://localhost:5683/device/data",
			Event:  EventPatch{EventName: &name},
		}
		assert.NoError(t, ev.Validate())
	})

	t.Run("MissingDevice", func(t *testing.T) {
		ev := DeviceEvent{Event: EventPatch{EventName: &name}}
		assert.Error(t, ev.Validate())
	})

	t.Run("MissingEventName", func(t *testing.T) {
		ev := DeviceEvent{Device: "coap://localhost/device/data"}
		assert.Error(t, ev.Validate())
	})

	t.Run("BadProfileSum", func(t *testing.T) {
		ev := DeviceEvent{
			Device: "coap://localhost/device/data",
			Event: EventPatch{
				EventName:     &name,
				DelayProfiles: []DelayProfile{{Probability: 10, Min: 0, Max: 1}},
			},
		}
		assert.Error(t, ev.Validate())
	})
}
