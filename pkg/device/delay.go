package device

import (
	"math/rand"
	"sort"
	"time"

	"github.com/paulo-coelho/iot-sim/pkg/config"
)

// delayTable is a weighted chooser over delay profiles. The cumulative
// distribution is built once per profile-list swap; picks are a uniform draw
// plus a binary search.
type delayTable struct {
	profiles []config.DelayProfile
	cum      []float64
	total    float64
}

func newDelayTable(profiles []config.DelayProfile) *delayTable {
	t := &delayTable{
		profiles: make([]config.DelayProfile, len(profiles)),
		cum:      make([]float64, len(profiles)),
	}
	copy(t.profiles, profiles)

	acc := 0.0
	for i, p := range t.profiles {
		acc += p.Probability
		t.cum[i] = acc
	}
	t.total = acc
	return t
}

// pick selects a profile by weight and samples a delay uniformly from its
// range.
func (t *delayTable) pick() time.Duration {
	if len(t.profiles) == 0 || t.total <= 0 {
		return 0
	}
	r := rand.Float64() * t.total
	i := sort.SearchFloat64s(t.cum, r)
	if i >= len(t.profiles) {
		i = len(t.profiles) - 1
	}
	p := t.profiles[i]
	d := p.Min + rand.Float64()*(p.Max-p.Min)
	return time.Duration(d * float64(time.Second))
}
