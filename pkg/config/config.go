package config

import (
	"fmt"
	"math"
)

// Coordinate is a device's geographic position in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude" yaml:"latitude" mapstructure:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude" mapstructure:"longitude"`
}

// DelayProfile is one weighted response-delay band. A device draws its
// per-request delay from the union of all active profiles, weighted by
// Probability.
type DelayProfile struct {
	Probability float64 `json:"probability" yaml:"probability" mapstructure:"probability"`
	Min         float64 `json:"min" yaml:"min" mapstructure:"min"`
	Max         float64 `json:"max" yaml:"max" mapstructure:"max"`
}

// DeviceConfig is the static per-device configuration, loaded once at startup
// and immutable afterwards.
type DeviceConfig struct {
	UUID                     string         `json:"uuid" yaml:"uuid" mapstructure:"uuid"`
	TemperatureRange         [2]float64     `json:"temperature_range" yaml:"temperature_range" mapstructure:"temperature_range"`
	BatteryCharge            float64        `json:"battery_charge" yaml:"battery_charge" mapstructure:"battery_charge"`
	BatteryTransmitDischarge float64        `json:"battery_transmit_discharge" yaml:"battery_transmit_discharge" mapstructure:"battery_transmit_discharge"`
	BatteryIdleDischarge     float64        `json:"battery_idle_discharge" yaml:"battery_idle_discharge" mapstructure:"battery_idle_discharge"`
	DropPercentage           float64        `json:"drop_percentage" yaml:"drop_percentage" mapstructure:"drop_percentage"`
	DelayProfiles            []DelayProfile `json:"delay_profiles" yaml:"delay_profiles" mapstructure:"delay_profiles"`
	Coordinate               Coordinate     `json:"coordinate" yaml:"coordinate" mapstructure:"coordinate"`
	ServerHost               string         `json:"server_host" yaml:"server_host" mapstructure:"server_host"`
	ServerPort               int            `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	ResourcePath             []string       `json:"resource_path" yaml:"resource_path" mapstructure:"resource_path"`
}

// Event types accepted on the wire.
const (
	EventTypePermanent = "permanent"
	EventTypeTransient = "transient"
)

// Event is a fully resolved behavioral overlay: every field concrete. The
// device's current event is always an Event; patches arriving over CoAP are
// EventPatch values coalesced onto it.
type Event struct {
	EventName                string         `json:"event_name"`
	EventType                string         `json:"event_type"`
	TemperatureRange         [2]float64     `json:"temperature_range"`
	BatteryTransmitDischarge float64        `json:"battery_transmit_discharge"`
	BatteryIdleDischarge     float64        `json:"battery_idle_discharge"`
	DropPercentage           float64        `json:"drop_percentage"`
	DelayProfiles            []DelayProfile `json:"delay_profiles"`
	Coordinate               Coordinate     `json:"coordinate"`
	TransitionDurationS      float64        `json:"transition_duration_s"`
	TransientEventDurationS  float64        `json:"transient_event_duration_s"`
	TransientEventReturnS    float64        `json:"transient_event_return_s"`
}

// EventPatch is the wire form of an event trigger. Every field is optional;
// absent fields inherit from the device's current event, so a POST body is a
// patch, not a replacement.
type EventPatch struct {
	EventName                *string        `json:"event_name,omitempty" yaml:"event_name,omitempty" mapstructure:"event_name"`
	EventType                *string        `json:"event_type,omitempty" yaml:"event_type,omitempty" mapstructure:"event_type"`
	TemperatureRange         *[2]float64    `json:"temperature_range,omitempty" yaml:"temperature_range,omitempty" mapstructure:"temperature_range"`
	BatteryTransmitDischarge *float64       `json:"battery_transmit_discharge,omitempty" yaml:"battery_transmit_discharge,omitempty" mapstructure:"battery_transmit_discharge"`
	BatteryIdleDischarge     *float64       `json:"battery_idle_discharge,omitempty" yaml:"battery_idle_discharge,omitempty" mapstructure:"battery_idle_discharge"`
	DropPercentage           *float64       `json:"drop_percentage,omitempty" yaml:"drop_percentage,omitempty" mapstructure:"drop_percentage"`
	DelayProfiles            []DelayProfile `json:"delay_profiles,omitempty" yaml:"delay_profiles,omitempty" mapstructure:"delay_profiles"`
	Coordinate               *Coordinate    `json:"coordinate,omitempty" yaml:"coordinate,omitempty" mapstructure:"coordinate"`
	TransitionDurationS      *float64       `json:"transition_duration_s,omitempty" yaml:"transition_duration_s,omitempty" mapstructure:"transition_duration_s"`
	TransientEventDurationS  *float64       `json:"transient_event_duration_s,omitempty" yaml:"transient_event_duration_s,omitempty" mapstructure:"transient_event_duration_s"`
	TransientEventReturnS    *float64       `json:"transient_event_return_s,omitempty" yaml:"transient_event_return_s,omitempty" mapstructure:"transient_event_return_s"`
}

// DeviceEvent is one schedule entry: at TimeMs after coordinator start, POST
// Event to the Device URI.
type DeviceEvent struct {
	TimeMs uint64     `json:"time_ms" yaml:"time_ms" mapstructure:"time_ms"`
	Device string     `json:"device" yaml:"device" mapstructure:"device"`
	Event  EventPatch `json:"event" yaml:"event" mapstructure:"event"`
}

// DeviceList is the gateway's polling target list.
type DeviceList struct {
	Devices []string `json:"devices" yaml:"devices" mapstructure:"devices"`
}

const probabilityEpsilon = 1e-9

// ValidateDelayProfiles checks that the probabilities of a profile list sum
// to exactly 100.
func ValidateDelayProfiles(profiles []DelayProfile) error {
	if len(profiles) == 0 {
		return fmt.Errorf("delay_profiles must not be empty")
	}
	total := 0.0
	for i, p := range profiles {
		if p.Probability < 0 {
			return fmt.Errorf("delay profile %d: probability must be non-negative, got %v", i, p.Probability)
		}
		if p.Min < 0 || p.Max < p.Min {
			return fmt.Errorf("delay profile %d: invalid delay range [%v, %v]", i, p.Min, p.Max)
		}
		total += p.Probability
	}
	if math.Abs(total-100) > probabilityEpsilon {
		return fmt.Errorf("total probability of delay profiles must equal 100, found: %v", total)
	}
	return nil
}

// ApplyDefaults fills in the server defaults for fields the config file may
// omit.
func (c *DeviceConfig) ApplyDefaults() {
	if c.ServerHost == "" {
		c.ServerHost = "0.0.0.0"
	}
	if c.ServerPort == 0 {
		c.ServerPort = 5683
	}
	if len(c.ResourcePath) == 0 {
		c.ResourcePath = []string{"device", "data"}
	}
}

// Validate checks the invariants a device config must hold at load time.
func (c *DeviceConfig) Validate() error {
	if c.UUID == "" {
		return fmt.Errorf("uuid is required")
	}
	if c.TemperatureRange[0] > c.TemperatureRange[1] {
		return fmt.Errorf("temperature_range: min %v exceeds max %v", c.TemperatureRange[0], c.TemperatureRange[1])
	}
	if c.BatteryCharge < 0 {
		return fmt.Errorf("battery_charge must be non-negative, got %v", c.BatteryCharge)
	}
	if c.BatteryTransmitDischarge < 0 || c.BatteryIdleDischarge < 0 {
		return fmt.Errorf("battery discharge rates must be non-negative")
	}
	if c.DropPercentage < 0 || c.DropPercentage > 100 {
		return fmt.Errorf("drop_percentage must be within [0, 100], got %v", c.DropPercentage)
	}
	if err := ValidateDelayProfiles(c.DelayProfiles); err != nil {
		return err
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port out of range: %d", c.ServerPort)
	}
	return nil
}

// EventFromDeviceConfig builds the initial "Normal" event a device starts in.
func EventFromDeviceConfig(c *DeviceConfig) Event {
	return Event{
		EventName:                "Normal",
		EventType:                EventTypePermanent,
		TemperatureRange:         c.TemperatureRange,
		BatteryTransmitDischarge: c.BatteryTransmitDischarge,
		BatteryIdleDischarge:     c.BatteryIdleDischarge,
		DropPercentage:           c.DropPercentage,
		DelayProfiles:            cloneProfiles(c.DelayProfiles),
		Coordinate:               c.Coordinate,
	}
}

// Apply coalesces the patch onto base field-wise and returns the resolved
// event. The result must still be validated as a whole.
func (p EventPatch) Apply(base Event) Event {
	out := base
	out.DelayProfiles = cloneProfiles(base.DelayProfiles)
	if p.EventName != nil {
		out.EventName = *p.EventName
	}
	if p.EventType != nil {
		out.EventType = *p.EventType
	}
	if p.TemperatureRange != nil {
		out.TemperatureRange = *p.TemperatureRange
	}
	if p.BatteryTransmitDischarge != nil {
		out.BatteryTransmitDischarge = *p.BatteryTransmitDischarge
	}
	if p.BatteryIdleDischarge != nil {
		out.BatteryIdleDischarge = *p.BatteryIdleDischarge
	}
	if p.DropPercentage != nil {
		out.DropPercentage = *p.DropPercentage
	}
	if len(p.DelayProfiles) > 0 {
		out.DelayProfiles = cloneProfiles(p.DelayProfiles)
	}
	if p.Coordinate != nil {
		out.Coordinate = *p.Coordinate
	}
	if p.TransitionDurationS != nil {
		out.TransitionDurationS = *p.TransitionDurationS
	}
	if p.TransientEventDurationS != nil {
		out.TransientEventDurationS = *p.TransientEventDurationS
	}
	if p.TransientEventReturnS != nil {
		out.TransientEventReturnS = *p.TransientEventReturnS
	}
	return out
}

// Validate checks a resolved event. Validation always runs on the overlay
// result, never on the incoming patch alone.
func (e *Event) Validate() error {
	if e.EventName == "" {
		return fmt.Errorf("event_name is required")
	}
	if e.EventType != EventTypePermanent && e.EventType != EventTypeTransient {
		return fmt.Errorf("event_type must be %q or %q, got %q", EventTypePermanent, EventTypeTransient, e.EventType)
	}
	if e.TemperatureRange[0] > e.TemperatureRange[1] {
		return fmt.Errorf("temperature_range: min %v exceeds max %v", e.TemperatureRange[0], e.TemperatureRange[1])
	}
	if e.BatteryTransmitDischarge < 0 || e.BatteryIdleDischarge < 0 {
		return fmt.Errorf("battery discharge rates must be non-negative")
	}
	if e.DropPercentage < 0 || e.DropPercentage > 100 {
		return fmt.Errorf("drop_percentage must be within [0, 100], got %v", e.DropPercentage)
	}
	if err := ValidateDelayProfiles(e.DelayProfiles); err != nil {
		return err
	}
	if e.TransitionDurationS < 0 || e.TransientEventDurationS < 0 || e.TransientEventReturnS < 0 {
		return fmt.Errorf("event durations must be non-negative")
	}
	return nil
}

// Validate checks one schedule entry.
func (d *DeviceEvent) Validate() error {
	if d.Device == "" {
		return fmt.Errorf("device URI is required")
	}
	if d.Event.EventName == nil || *d.Event.EventName == "" {
		return fmt.Errorf("event.event_name is required")
	}
	if d.Event.EventType != nil {
		if t := *d.Event.EventType; t != EventTypePermanent && t != EventTypeTransient {
			return fmt.Errorf("event.event_type must be %q or %q, got %q", EventTypePermanent, EventTypeTransient, t)
		}
	}
	if len(d.Event.DelayProfiles) > 0 {
		if err := ValidateDelayProfiles(d.Event.DelayProfiles); err != nil {
			return fmt.Errorf("event.delay_profiles: %w", err)
		}
	}
	return nil
}

func cloneProfiles(profiles []DelayProfile) []DelayProfile {
	if profiles == nil {
		return nil
	}
	out := make([]DelayProfile, len(profiles))
	copy(out, profiles)
	return out
}
