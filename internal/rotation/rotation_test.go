package rotation

import (
	"testing"

	"github.com/newswire/adserve/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func variant(id string, weight int) models.AdVariant {
	return models.AdVariant{
		ID:           id,
		CollectionID: "c1",
		Type:         models.VariantTypeImage,
		Status:       models.VariantStatusActive,
		ImageURL:     "https://cdn.example.com/" + id + ".png",
		Weight:       weight,
	}
}

func TestPickEmptyReturnsNil(t *testing.T) {
	s := NewSelector(DefaultWeight, nil)
	assert.Nil(t, s.Pick(nil))
	assert.Nil(t, s.Pick([]models.AdVariant{}))
}

func TestPickSingleVariant(t *testing.T) {
	s := NewSelector(DefaultWeight, nil)
	v := s.Pick([]models.AdVariant{variant("only", 100)})
	require.NotNil(t, v)
	assert.Equal(t, "only", v.ID)
}

func TestWeightedDistributionConverges(t *testing.T) {
	s := NewSelector(DefaultWeight, nil)
	s.Seed(42)

	variants := []models.AdVariant{
		variant("a", 70),
		variant("b", 30),
	}

	const n = 10000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		v := s.Pick(variants)
		require.NotNil(t, v)
		counts[v.ID]++
	}

	// 70/30 within a 3-point tolerance over 10k draws.
	ratioA := float64(counts["a"]) / n
	assert.InDelta(t, 0.70, ratioA, 0.03, "a drew %d of %d", counts["a"], n)
	assert.InDelta(t, 0.30, float64(counts["b"])/n, 0.03)
}

func TestMissingWeightUsesDefault(t *testing.T) {
	s := NewSelector(DefaultWeight, nil)
	s.Seed(7)

	// 50 (substituted) vs 50: should split roughly evenly.
	variants := []models.AdVariant{
		variant("implicit", 0),
		variant("explicit", 50),
	}

	const n = 10000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		counts[s.Pick(variants).ID]++
	}
	assert.InDelta(t, 0.50, float64(counts["implicit"])/n, 0.03)
}

func TestAllZeroWeightsFallBackToUniform(t *testing.T) {
	// Default weight disabled: zero-weight siblings pick uniformly.
	s := NewSelector(0, nil)
	s.Seed(11)

	variants := []models.AdVariant{
		variant("a", 0),
		variant("b", 0),
		variant("c", 0),
	}

	const n = 9000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		counts[s.Pick(variants).ID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		assert.InDelta(t, 1.0/3.0, float64(counts[id])/n, 0.03, "variant %s", id)
	}
}

func TestWeightsNeedNotSumToHundred(t *testing.T) {
	s := NewSelector(DefaultWeight, nil)
	s.Seed(3)

	// 10 vs 20: a 1:2 ratio even though the total is 30.
	variants := []models.AdVariant{
		variant("a", 10),
		variant("b", 20),
	}

	const n = 9000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		counts[s.Pick(variants).ID]++
	}
	assert.InDelta(t, 1.0/3.0, float64(counts["a"])/n, 0.03)
	assert.InDelta(t, 2.0/3.0, float64(counts["b"])/n, 0.03)
}
