package device

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paulo-coelho/iot-sim/pkg/config"
)

// Reply is the body of a successful GET, JSON-encoded on the wire.
type Reply struct {
	UUID        string            `json:"uuid"`
	Timestamp   float64           `json:"timestamp"`
	Status      string            `json:"status"`
	Temperature float64           `json:"temperature"`
	Battery     float64           `json:"battery"`
	Coordinate  config.Coordinate `json:"coordinate"`
}

// Device is one simulated sensor: the live behavioral profile, the battery
// accounting and the transition machinery behind a single CoAP resource.
//
// All live values sit behind one mutex. Handlers re-read them after every
// sleep; a transition installed mid-request is reflected in the values the
// request samples afterwards.
type Device struct {
	cfg    *config.DeviceConfig
	logger *logrus.Entry

	mu sync.Mutex

	// Flattened live profile, mutated by the transition task.
	tempMin                  float64
	tempMax                  float64
	dropPercentage           float64
	batteryTransmitDischarge float64
	batteryIdleDischarge     float64
	coordinate               config.Coordinate
	delays                   *delayTable

	batteryCharge float64
	discharged    bool

	currentEvent config.Event
	transition   *transitionHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Intervals, overridable from package tests.
	tickInterval time.Duration
	idleInterval time.Duration
	dropSleep    time.Duration
}

// New builds a device from its static config. Start must be called before
// serving requests.
func New(cfg *config.DeviceConfig) *Device {
	d := &Device{
		cfg: cfg,
		logger: logrus.WithFields(logrus.Fields{
			"component": "device",
			"device_id": cfg.UUID,
		}),
		tempMin:                  cfg.TemperatureRange[0],
		tempMax:                  cfg.TemperatureRange[1],
		dropPercentage:           cfg.DropPercentage,
		batteryTransmitDischarge: cfg.BatteryTransmitDischarge,
		batteryIdleDischarge:     cfg.BatteryIdleDischarge,
		coordinate:               cfg.Coordinate,
		delays:                   newDelayTable(cfg.DelayProfiles),
		batteryCharge:            cfg.BatteryCharge,
		discharged:               cfg.BatteryCharge <= 0,
		currentEvent:             config.EventFromDeviceConfig(cfg),
		tickInterval:             time.Second,
		idleInterval:             time.Minute,
		dropSleep:                20 * time.Second,
	}
	return d
}

// Start launches the background idle-drain loop.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		return fmt.Errorf("device %s is already running", d.cfg.UUID)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.idleDrainLoop()

	d.logger.WithFields(logrus.Fields{
		"battery_charge": d.batteryCharge,
		"drop_pct":       d.dropPercentage,
	}).Info("Device started")
	return nil
}

// Stop cancels the drain loop and any in-flight transition and waits for
// them to exit.
func (d *Device) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// idleDrainLoop drains the battery by the static idle rate once a minute.
// The live interpolated rate never changes the drain cadence.
func (d *Device) idleDrainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.idleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		if d.discharged {
			d.mu.Unlock()
			return
		}
		d.batteryCharge -= d.cfg.BatteryIdleDischarge
		if d.batteryCharge <= 0 {
			d.batteryCharge = 0
			d.discharged = true
			d.mu.Unlock()
			d.logger.Info("Battery fully discharged by idle drain")
			return
		}
		charge := d.batteryCharge
		d.mu.Unlock()

		d.logger.WithField("battery_charge", charge).Debug("Battery idle drain tick")
	}
}

// dischargeBattery subtracts a transmit cost, clamping at zero and latching
// the discharged flag.
func (d *Device) dischargeBattery(cost float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.batteryCharge -= cost
	if d.batteryCharge <= 0 {
		d.batteryCharge = 0
		d.discharged = true
	}
}

// IsDischarged reports whether the battery has reached zero. The flag
// latches for the process lifetime.
func (d *Device) IsDischarged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discharged
}

// BatteryCharge returns the current charge.
func (d *Device) BatteryCharge() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batteryCharge
}

// CurrentEvent returns the event the device is currently in. During a
// transition this is still the pre-transition event.
func (d *Device) CurrentEvent() config.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentEvent
}

// rollDrop samples the drop gate against the live drop percentage.
func (d *Device) rollDrop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return rand.Float64()*100 < d.dropPercentage
}

// transmitCost reads the live per-request battery cost.
func (d *Device) transmitCost() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batteryTransmitDischarge
}

// sampleDelay draws a response delay from the active profile list.
func (d *Device) sampleDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delays.pick()
}

// buildReply samples a temperature from the live range and snapshots the
// rest of the reply fields. Called after all delays so the values reflect
// any transition that ran meanwhile.
func (d *Device) buildReply() Reply {
	d.mu.Lock()
	defer d.mu.Unlock()

	temperature := d.tempMin + rand.Float64()*(d.tempMax-d.tempMin)
	return Reply{
		UUID:        d.cfg.UUID,
		Timestamp:   float64(time.Now().UnixNano()) / float64(time.Second),
		Status:      d.currentEvent.EventName,
		Temperature: temperature,
		Battery:     d.batteryCharge,
		Coordinate:  d.coordinate,
	}
}

// liveProfile snapshots the interpolated values, for tests and logging.
func (d *Device) liveProfile() (tempMin, tempMax, drop, transmit, idle float64, coord config.Coordinate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tempMin, d.tempMax, d.dropPercentage, d.batteryTransmitDischarge, d.batteryIdleDischarge, d.coordinate
}
