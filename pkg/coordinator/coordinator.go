// Package coordinator dispatches a time-ordered schedule of event triggers
// to device endpoints.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paulo-coelho/iot-sim/pkg/config"
	"github.com/paulo-coelho/iot-sim/pkg/transport"
)

// postTimeout is the hard ceiling on each event POST, independent of the
// CoAP layer's own retransmits.
const postTimeout = 5 * time.Second

// Coordinator owns a sorted schedule and fires each entry at its wall-clock
// offset from Run start.
type Coordinator struct {
	schedule    []config.DeviceEvent
	postTimeout time.Duration
	logger      *logrus.Entry
}

// New copies and sorts the schedule by time_ms. Entries are assumed
// validated at load.
func New(schedule []config.DeviceEvent) *Coordinator {
	sorted := make([]config.DeviceEvent, len(schedule))
	copy(sorted, schedule)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimeMs < sorted[j].TimeMs
	})

	return &Coordinator{
		schedule:    sorted,
		postTimeout: postTimeout,
		logger:      logrus.WithField("component", "coordinator"),
	}
}

// Run dispatches every schedule entry and waits for all of them. Dispatch is
// scheduled in sorted order but entries run concurrently; per-target
// failures are logged and never abort the rest.
func (c *Coordinator) Run(ctx context.Context) error {
	start := time.Now()

	var wg sync.WaitGroup
	for _, entry := range c.schedule {
		wg.Add(1)
		go func(ev config.DeviceEvent) {
			defer wg.Done()
			c.dispatch(ctx, start, ev)
		}(entry)
	}
	wg.Wait()

	c.logger.WithField("entries", len(c.schedule)).Info("Schedule complete")
	return ctx.Err()
}

func (c *Coordinator) dispatch(ctx context.Context, start time.Time, ev config.DeviceEvent) {
	delay := time.Duration(ev.TimeMs)*time.Millisecond - time.Since(start)
	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	c.sendEvent(ctx, ev)
}

// sendEvent POSTs the entry's event to its device, nulls omitted, with the
// hard per-request ceiling.
func (c *Coordinator) sendEvent(ctx context.Context, ev config.DeviceEvent) {
	log := c.logger.WithFields(logrus.Fields{
		"device":  ev.Device,
		"time_ms": ev.TimeMs,
	})

	payload, err := json.Marshal(ev.Event)
	if err != nil {
		log.WithError(err).Error("Failed to serialize event")
		return
	}

	client, err := transport.NewClient(ev.Device)
	if err != nil {
		log.WithError(err).Error("Failed to build device client")
		return
	}
	defer client.Close()

	reqCtx, cancel := context.WithTimeout(ctx, c.postTimeout)
	defer cancel()

	code, err := client.Post(reqCtx, payload)
	if err != nil {
		log.WithError(err).Warn("Failed to send event")
		return
	}

	log.WithField("code", code.String()).Info("Sent event")
}

// ValidateSchedule loads and checks a schedule file without dispatching.
func ValidateSchedule(path string) (int, error) {
	schedule, err := config.LoadSchedule(path)
	if err != nil {
		return 0, err
	}
	for i, entry := range schedule {
		if _, _, err := transport.ParseURI(entry.Device); err != nil {
			return 0, fmt.Errorf("schedule entry %d: %w", i, err)
		}
	}
	return len(schedule), nil
}
