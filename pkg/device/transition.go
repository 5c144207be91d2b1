package device

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paulo-coelho/iot-sim/pkg/config"
)

// transitionHandle tracks the single transition task a device may run. A new
// trigger cancels the previous handle; the cancelled task observes its
// context at the next tick and exits without finalizing.
type transitionHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// TriggerEvent overlays the patch onto the current event, validates the
// result, cancels any in-flight transition and starts the new one. It
// returns the resolved target event.
func (d *Device) TriggerEvent(patch config.EventPatch) (config.Event, error) {
	d.mu.Lock()

	target := patch.Apply(d.currentEvent)
	if err := target.Validate(); err != nil {
		d.mu.Unlock()
		return config.Event{}, fmt.Errorf("event config validation error: %w", err)
	}

	if d.transition != nil {
		d.transition.cancel()
		d.logger.Warn("Canceled previous transition task")
	}

	base := d.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	handle := &transitionHandle{cancel: cancel, done: make(chan struct{})}
	d.transition = handle
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"event":      target.EventName,
		"event_type": target.EventType,
		"transition": target.TransitionDurationS,
	}).Info("Received event trigger")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(handle.done)
		defer cancel()

		if target.EventType == config.EventTypeTransient {
			d.runTransientSequence(ctx, target)
		} else {
			d.runGradualTransition(ctx, target, target.TransitionDurationS)
		}

		// Only the task that still owns the handle may clear it; a
		// cancelled task must not clobber its replacement's.
		d.mu.Lock()
		if d.transition == handle {
			d.transition = nil
		}
		d.mu.Unlock()
	}()

	return target, nil
}

// transitionStart is the snapshot the interpolation runs from.
type transitionStart struct {
	tempMin  float64
	tempMax  float64
	drop     float64
	transmit float64
	idle     float64
	coord    config.Coordinate
	delays   *delayTable
}

// runGradualTransition interpolates every live scalar linearly from its
// value at task entry to the target over duration seconds, ticking at
// ~1 Hz. Returns true on uncancelled completion.
//
// Delay profiles are not interpolated: the list swaps to the target's in one
// step once progress crosses 0.5.
func (d *Device) runGradualTransition(ctx context.Context, target config.Event, durationS float64) bool {
	d.mu.Lock()
	start := transitionStart{
		tempMin:  d.tempMin,
		tempMax:  d.tempMax,
		drop:     d.dropPercentage,
		transmit: d.batteryTransmitDischarge,
		idle:     d.batteryIdleDischarge,
		coord:    d.coordinate,
		delays:   d.delays,
	}
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"event":      target.EventName,
		"duration_s": durationS,
	}).Info("Starting gradual transition")

	targetDelays := newDelayTable(target.DelayProfiles)
	duration := time.Duration(durationS * float64(time.Second))
	startTime := time.Now()

	if duration > 0 {
		ticker := time.NewTicker(d.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				d.logger.WithField("event", target.EventName).Debug("Transition cancelled")
				return false
			case <-ticker.C:
			}

			elapsed := time.Since(startTime)
			if elapsed >= duration {
				break
			}
			progress := float64(elapsed) / float64(duration)

			d.mu.Lock()
			if ctx.Err() != nil {
				d.mu.Unlock()
				return false
			}
			d.tempMin = lerp(start.tempMin, target.TemperatureRange[0], progress)
			d.tempMax = lerp(start.tempMax, target.TemperatureRange[1], progress)
			d.dropPercentage = lerp(start.drop, target.DropPercentage, progress)
			d.batteryTransmitDischarge = lerp(start.transmit, target.BatteryTransmitDischarge, progress)
			d.batteryIdleDischarge = lerp(start.idle, target.BatteryIdleDischarge, progress)
			d.coordinate = config.Coordinate{
				Latitude:  lerp(start.coord.Latitude, target.Coordinate.Latitude, progress),
				Longitude: lerp(start.coord.Longitude, target.Coordinate.Longitude, progress),
			}
			if progress >= 0.5 {
				d.delays = targetDelays
			} else {
				d.delays = start.delays
			}
			d.mu.Unlock()
		}
	}

	// Pin the final state to the exact targets so floating-point drift
	// never survives a completed transition. Cancellation is observed
	// under the lock: a task cancelled after its last tick must not
	// finalize over its replacement.
	d.mu.Lock()
	if ctx.Err() != nil {
		d.mu.Unlock()
		return false
	}
	d.tempMin = target.TemperatureRange[0]
	d.tempMax = target.TemperatureRange[1]
	d.dropPercentage = target.DropPercentage
	d.batteryTransmitDischarge = target.BatteryTransmitDischarge
	d.batteryIdleDischarge = target.BatteryIdleDischarge
	d.coordinate = target.Coordinate
	d.delays = targetDelays
	d.currentEvent = target
	d.mu.Unlock()

	d.logger.WithField("event", target.EventName).Info("Transition complete")
	return true
}

// runTransientSequence runs a transient event: transition to the target,
// hold for the target's transient duration, then transition back to the
// event that was active before. Mobility is never reverted: the return
// target carries the coordinate the device holds at return time.
func (d *Device) runTransientSequence(ctx context.Context, target config.Event) {
	d.mu.Lock()
	previous := d.currentEvent
	d.mu.Unlock()

	if !d.runGradualTransition(ctx, target, target.TransitionDurationS) {
		return
	}

	d.logger.WithFields(logrus.Fields{
		"event":  target.EventName,
		"hold_s": target.TransientEventDurationS,
	}).Info("Transient event active")

	hold := time.Duration(target.TransientEventDurationS * float64(time.Second))
	select {
	case <-ctx.Done():
		return
	case <-time.After(hold):
	}

	d.mu.Lock()
	previous.Coordinate = d.coordinate
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"event":    previous.EventName,
		"return_s": target.TransientEventReturnS,
	}).Info("Returning to previous event")

	d.runGradualTransition(ctx, previous, target.TransientEventReturnS)
}

func lerp(start, target, progress float64) float64 {
	return start + (target-start)*progress
}
