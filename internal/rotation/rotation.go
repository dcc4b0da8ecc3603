package rotation

import (
	"math/rand"
	"sync"
	"time"

	"github.com/newswire/adserve/internal/metrics"
	"github.com/newswire/adserve/internal/models"
)

// DefaultWeight substitutes for variants with a missing or zero weight.
const DefaultWeight = 50

// Selector picks one ad among eligible weighted variants.  Selection is
// re-performed on every call: there is no session-sticky assignment.
type Selector struct {
	defaultWeight int
	metrics       *metrics.Metrics

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector creates a selector.  defaultWeight of zero disables the
// substitute (all-zero siblings then fall back to a uniform pick);
// negative values use DefaultWeight.
func NewSelector(defaultWeight int, m *metrics.Metrics) *Selector {
	if defaultWeight < 0 {
		defaultWeight = DefaultWeight
	}
	return &Selector{
		defaultWeight: defaultWeight,
		metrics:       m,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed re-seeds the random source. Test hook.
func (s *Selector) Seed(seed int64) {
	s.mu.Lock()
	s.rng = rand.New(rand.NewSource(seed))
	s.mu.Unlock()
}

// Pick returns one variant chosen proportionally to configured weights,
// or nil when variants is empty.  Weights need not sum to 100: the draw
// is over the cumulative total.  When every weight is zero the pick is
// uniform.
func (s *Selector) Pick(variants []models.AdVariant) *models.AdVariant {
	if len(variants) == 0 {
		return nil
	}

	total := 0
	weights := make([]int, len(variants))
	for i := range variants {
		w := variants[i].Weight
		if w <= 0 {
			w = s.defaultWeight
		}
		weights[i] = w
		total += w
	}

	var chosen *models.AdVariant
	if total <= 0 {
		chosen = &variants[s.intn(len(variants))]
	} else {
		draw := s.intn(total)
		cumulative := 0
		for i := range variants {
			cumulative += weights[i]
			if draw < cumulative {
				chosen = &variants[i]
				break
			}
		}
	}

	if chosen != nil {
		s.metrics.RecordSelection(chosen.CollectionID, chosen.ID)
	}
	return chosen
}

func (s *Selector) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
