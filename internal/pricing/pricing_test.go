package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSizeCreditsTiers(t *testing.T) {
	cases := []struct {
		name    string
		bytes   int64
		credits int
		label   string
	}{
		{"tiny", 200 * kib, 2, "tiny"},
		{"small", 2 * mib, 5, "small"},
		{"medium", 10 * mib, 10, "medium"},
		{"large", 30 * mib, 20, "large"},
		{"huge", 60 * mib, 35, "huge"},
		{"zero", 0, 2, "tiny"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, l := SizeCredits(tc.bytes)
			assert.Equal(t, tc.credits, c)
			assert.Equal(t, tc.label, l)
		})
	}
}

// Thresholds are strict: a value exactly at a boundary lands in the tier
// above it.
func TestSizeBoundariesAreStrict(t *testing.T) {
	c, _ := SizeCredits(mib/2 - 1)
	assert.Equal(t, 2, c)

	c, l := SizeCredits(mib / 2)
	assert.Equal(t, 5, c)
	assert.Equal(t, "small", l)

	c, _ = SizeCredits(20*mib - 1)
	assert.Equal(t, 10, c)

	c, l = SizeCredits(20 * mib)
	assert.Equal(t, 20, c)
	assert.Equal(t, "large", l)
}

func TestTimeCreditsTiers(t *testing.T) {
	cases := []struct {
		seconds float64
		credits int
		label   string
	}{
		{5, 0, "quick"},
		{15, 3, "normal"},
		{45, 7, "slow"},
		{90, 15, "heavy"},
		{150, 25, "extreme"},
	}

	for _, tc := range cases {
		c, l := TimeCredits(tc.seconds)
		assert.Equal(t, tc.credits, c)
		assert.Equal(t, tc.label, l)
	}
}

func TestTimeBoundaryExactlyTenSeconds(t *testing.T) {
	c, l := TimeCredits(10)
	assert.Equal(t, 3, c)
	assert.Equal(t, "normal", l)
}

func TestPriceSumsComponents(t *testing.T) {
	// 200 KiB in 5s: 2 + 0 = 2.
	b := Price(200*kib, 5)
	assert.Equal(t, 2, b.Total)
	assert.Equal(t, 2, b.SizeCredits)
	assert.Equal(t, 0, b.TimeCredits)
	assert.Equal(t, "tiny", b.SizeTier)
	assert.Equal(t, "quick", b.TimeTier)

	// 60 MiB in 150s: the debt scenario. 35 + 25 = 60.
	b = Price(60*mib, 150)
	assert.Equal(t, 60, b.Total)
	assert.Equal(t, "huge", b.SizeTier)
	assert.Equal(t, "extreme", b.TimeTier)
}
