// Package hltime implements the fixed-point simulated-time
// representation used throughout the runtime, grounded on
// original_source/src/helics/common/timeRepresentation.hpp and
// src/helics/core/helicsTime.hpp: a signed integer count of base ticks
// per second rather than a floating point seconds value, so that grants,
// comparisons, and dependency math never drift from rounding error.
package hltime

import (
	"fmt"
	"math"
)

// TicksPerSecond is the fixed-point resolution. HELICS defaults to
// nanosecond resolution (10^9); a picosecond build (10^12) is supported
// by changing this constant and recompiling, matching the
// HELICS_USE_PICOSECOND_TIME compile-time switch in the original.
const TicksPerSecond int64 = 1_000_000_000

// Time is a count of ticks since simulation start. Negative values are
// valid (used for the initialization-mode sentinel).
type Time int64

// Well-known values.
const (
	Zero       Time = 0
	Epsilon    Time = 1
	NegEpsilon Time = -1

	// MaxTime is the sentinel representing "no limit" / end of time.
	MaxTime Time = math.MaxInt64 - 1

	// MinTime is the smallest representable time (min int64 + 1, so it
	// can still be negated without overflow).
	MinTime Time = math.MinInt64 + 1

	// BigTime marks simulation end in grant/request exchanges, mirroring
	// cBigTime in the original (a large but not maximal time so
	// arithmetic headroom remains).
	BigTime Time = Time(9_223_372_000) * Time(TicksPerSecond) / 1_000_000

	// InitializationTime is the conventional currentTime value while a
	// federate is in the Initializing state.
	InitializationTime = NegEpsilon
)

// FromSeconds converts a floating point seconds value to Time.
func FromSeconds(seconds float64) Time {
	if seconds <= -1e12 {
		return MinTime
	}
	return Time(math.Round(seconds * float64(TicksPerSecond)))
}

// Seconds converts a Time to a floating point seconds value.
func (t Time) Seconds() float64 {
	return float64(t) / float64(TicksPerSecond)
}

// Unit names for (count, unit) conversions.
type Unit int

const (
	Nanoseconds Unit = iota
	Microseconds
	Milliseconds
	Seconds
	Minutes
	Hours
)

var unitTicks = map[Unit]int64{
	Nanoseconds:  1,
	Microseconds: 1_000,
	Milliseconds: 1_000_000,
	Seconds:      1_000_000_000,
	Minutes:      60 * 1_000_000_000,
	Hours:        3600 * 1_000_000_000,
}

// FromCount builds a Time from a count of the given unit.
func FromCount(count int64, unit Unit) Time {
	ticksPerUnit := unitTicks[unit]
	scaled := count * ticksPerUnit * tickScale()
	return Time(scaled)
}

func tickScale() int64 {
	// TicksPerSecond is always a multiple of 1e9 in supported builds
	// (nanosecond or picosecond); this keeps FromCount correct if the
	// resolution constant above is changed to picoseconds.
	if TicksPerSecond < 1_000_000_000 {
		return 1
	}
	return TicksPerSecond / 1_000_000_000
}

// ToCount returns t as a count of the given unit, truncating.
func (t Time) ToCount(unit Unit) int64 {
	ticksPerUnit := unitTicks[unit] * tickScale()
	if ticksPerUnit == 0 {
		return 0
	}
	return int64(t) / ticksPerUnit
}

// Add returns t + d.
func (t Time) Add(d Time) Time { return t + d }

// Sub returns t - d.
func (t Time) Sub(d Time) Time { return t - d }

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater
// than o.
func (t Time) Compare(o Time) int {
	switch {
	case t < o:
		return -1
	case t > o:
		return 1
	default:
		return 0
	}
}

// Min returns the smaller of a and b.
func Min(a, b Time) Time {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Time) Time {
	if a > b {
		return a
	}
	return b
}

func (t Time) String() string {
	switch t {
	case MaxTime:
		return "maxTime"
	case MinTime:
		return "minTime"
	default:
		return fmt.Sprintf("%.9fs", t.Seconds())
	}
}

// IterationResult mirrors the convergence state returned alongside a
// granted time.
type IterationResult int

const (
	NextStep IterationResult = iota
	Iterating
	Halted
	ErrorResult
)

func (r IterationResult) String() string {
	switch r {
	case NextStep:
		return "next_step"
	case Iterating:
		return "iterating"
	case Halted:
		return "halted"
	case ErrorResult:
		return "error"
	default:
		return "unknown"
	}
}

// IterationTime pairs a granted time with its convergence state,
// mirroring the iteration_time struct in helicsTime.hpp.
type IterationTime struct {
	GrantedTime Time
	State       IterationResult
}

// IterationRequest controls how a federate asks to iterate at a time.
type IterationRequest int

const (
	NoIterations IterationRequest = iota
	ForceIteration
	IterateIfNeeded
)
