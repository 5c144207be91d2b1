package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/paulo-coelho/iot-sim/pkg/config"
)

func TestDelayTable(t *testing.T) {
	t.Run("SingleProfileBounds", func(t *testing.T) {
		table := newDelayTable([]config.DelayProfile{
			{Probability: 100, Min: 0.1, Max: 0.3},
		})
		for i := 0; i < 1000; i++ {
			d := table.pick()
			assert.GreaterOrEqual(t, d, 100*time.Millisecond)
			assert.LessOrEqual(t, d, 300*time.Millisecond)
		}
	})

	t.Run("ZeroWidthProfile", func(t *testing.T) {
		table := newDelayTable([]config.DelayProfile{
			{Probability: 100, Min: 0, Max: 0},
		})
		for i := 0; i < 100; i++ {
			assert.Equal(t, time.Duration(0), table.pick())
		}
	})

	t.Run("ZeroProbabilityBandNeverPicked", func(t *testing.T) {
		table := newDelayTable([]config.DelayProfile{
			{Probability: 100, Min: 0, Max: 0},
			{Probability: 0, Min: 5, Max: 5},
		})
		for i := 0; i < 1000; i++ {
			assert.Equal(t, time.Duration(0), table.pick())
		}
	})

	t.Run("WeightsRoughlyRespected", func(t *testing.T) {
		table := newDelayTable([]config.DelayProfile{
			{Probability: 90, Min: 0, Max: 0},
			{Probability: 10, Min: 1, Max: 1},
		})
		slow := 0
		const n = 5000
		for i := 0; i < n; i++ {
			if table.pick() > 0 {
				slow++
			}
		}
		// 10% band with a generous tolerance.
		assert.Greater(t, slow, n/20)
		assert.Less(t, slow, n/5)
	})

	t.Run("EmptyTableIsSafe", func(t *testing.T) {
		table := newDelayTable(nil)
		assert.Equal(t, time.Duration(0), table.pick())
	})
}
