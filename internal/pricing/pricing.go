// Package pricing computes the credit cost of one analysis from the file
// size and the observed processing time. The two tables below are the
// pricing contract: changing a value changes what users pay.
package pricing

import "math"

const (
	kib = 1024
	mib = 1024 * kib
)

// Breakdown records how a charge was assembled, for the job row and the
// credits endpoint.
type Breakdown struct {
	SizeTier    string `json:"size_tier"`
	TimeTier    string `json:"time_tier"`
	SizeCredits int    `json:"size_credits"`
	TimeCredits int    `json:"time_credits"`
	Total       int    `json:"total"`
}

type sizeStep struct {
	below   int64 // strict upper bound in bytes
	credits int
	label   string
}

type timeStep struct {
	below   float64 // strict upper bound in seconds
	credits int
	label   string
}

// Thresholds are strict: a file of exactly 0.5 MiB lands in the next tier.
var sizeTable = []sizeStep{
	{below: mib / 2, credits: 2, label: "tiny"},
	{below: 5 * mib, credits: 5, label: "small"},
	{below: 20 * mib, credits: 10, label: "medium"},
	{below: 50 * mib, credits: 20, label: "large"},
}

var sizeElse = sizeStep{credits: 35, label: "huge"}

var timeTable = []timeStep{
	{below: 10, credits: 0, label: "quick"},
	{below: 30, credits: 3, label: "normal"},
	{below: 60, credits: 7, label: "slow"},
	{below: 120, credits: 15, label: "heavy"},
}

var timeElse = timeStep{credits: 25, label: "extreme"}

// SizeCredits returns the size component and its tier label.
func SizeCredits(sizeBytes int64) (int, string) {
	for _, s := range sizeTable {
		if sizeBytes < s.below {
			return s.credits, s.label
		}
	}
	return sizeElse.credits, sizeElse.label
}

// TimeCredits returns the time component and its tier label.
func TimeCredits(seconds float64) (int, string) {
	for _, s := range timeTable {
		if seconds < s.below {
			return s.credits, s.label
		}
	}
	return timeElse.credits, timeElse.label
}

// Price returns the total credits for (size, elapsed) with the full
// breakdown. Total is ceil(size + time); both components are integers so the
// ceiling matters only if the tables ever grow fractional entries.
func Price(sizeBytes int64, seconds float64) Breakdown {
	sc, st := SizeCredits(sizeBytes)
	tc, tt := TimeCredits(seconds)
	total := int(math.Ceil(float64(sc) + float64(tc)))
	return Breakdown{
		SizeTier:    st,
		TimeTier:    tt,
		SizeCredits: sc,
		TimeCredits: tc,
		Total:       total,
	}
}
