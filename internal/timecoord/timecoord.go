// Package timecoord implements the Time Coordinator (spec §4.7): a
// conservative, chandy-misra-like distributed grant algorithm with
// iteration support, period/offset alignment, and an optional
// real-time pacing mode. Grounded on the algorithm description in
// spec.md §4.7 and on _examples/original_source/src/helics/core/helicsTime.hpp
// for the underlying time representation (internal/hltime).
package timecoord

import (
	"time"

	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
)

// State is a federate's position in the time-coordination protocol.
type State int

const (
	Initializing State = iota
	TimeGranted
	TimeRequested
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case TimeGranted:
		return "time_granted"
	case TimeRequested:
		return "time_requested"
	default:
		return "unknown"
	}
}

// DependencyInfo tracks what a single upstream dependency has reported:
// its next event time Te, minimum delta to that event Tdemin, whether
// it is presently iterating at its current granted time, and the
// input delay applied to its reports before they count toward this
// federate's grant decision.
type DependencyInfo struct {
	Federate   ids.GlobalId
	Te         hltime.Time
	Tdemin     hltime.Time
	Iterating  bool
	InputDelay hltime.Time
}

// Clock abstracts wall-clock reads so real-time pacing can be tested
// with an injected fake instead of sleeping in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time     { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the default, real wall-clock Clock.
var SystemClock Clock = systemClock{}

// Config holds the per-federate tunables that shape grant decisions.
type Config struct {
	Period       hltime.Time
	Offset       hltime.Time
	TimeBarrier  hltime.Time // hltime.MaxTime when no barrier is set
	Realtime     bool
	RTLag        time.Duration
	RTLead       time.Duration
	IterationReq hltime.IterationRequest
}

// Coordinator runs the grant algorithm for one federate against its
// current set of dependencies.
type Coordinator struct {
	id    ids.GlobalId
	cfg   Config
	clock Clock

	state        State
	currentTime  hltime.Time
	requested    hltime.Time
	iterating    bool
	entered      bool // true once a NEXT_STEP grant has ever been issued
	startWall    time.Time

	deps map[ids.GlobalId]*DependencyInfo
}

// New creates a Coordinator for federate id, using clock for real-time
// pacing (pass nil to use SystemClock).
func New(id ids.GlobalId, cfg Config, clock Clock) *Coordinator {
	if clock == nil {
		clock = SystemClock
	}
	if cfg.TimeBarrier == 0 {
		cfg.TimeBarrier = hltime.MaxTime
	}
	return &Coordinator{
		id:          id,
		cfg:         cfg,
		clock:       clock,
		state:       Initializing,
		currentTime: hltime.InitializationTime,
		deps:        make(map[ids.GlobalId]*DependencyInfo),
	}
}

// AddDependency inserts or replaces the dependency edge for federate,
// used when the dependency graph is built from pub/sub and
// filter/endpoint bindings during initializing, or updated on new
// bindings thereafter (spec §4.7 "Dependency graph maintenance").
// A self-loop (federate == this coordinator's own id) is collapsed,
// per spec, and silently ignored.
func (c *Coordinator) AddDependency(federate ids.GlobalId, inputDelay hltime.Time) {
	if federate == c.id {
		return
	}
	c.deps[federate] = &DependencyInfo{
		Federate:   federate,
		Te:         hltime.MaxTime,
		Tdemin:     hltime.MaxTime,
		InputDelay: inputDelay,
	}
}

// RemoveDependency deletes the dependency edge for federate.
func (c *Coordinator) RemoveDependency(federate ids.GlobalId) {
	delete(c.deps, federate)
}

// UpdateDependency records an upstream report of Te/Tdemin/iterating
// status from federate. Cycles among dependencies are allowed; they
// are resolved by the iteration mechanism rather than rejected.
func (c *Coordinator) UpdateDependency(federate ids.GlobalId, te, tdemin hltime.Time, iterating bool) {
	d, ok := c.deps[federate]
	if !ok {
		return
	}
	d.Te = te
	d.Tdemin = tdemin
	d.Iterating = iterating
}

// RequestTime begins a time_requested cycle for requestedTime.
func (c *Coordinator) RequestTime(requestedTime hltime.Time) {
	c.state = TimeRequested
	c.requested = requestedTime
	if c.startWall.IsZero() {
		c.startWall = c.clock.Now()
	}
}

// CandidateTime computes t_candidate per the grant-decision formula in
// spec §4.7, without consulting real time or mutating state:
//
//	t_candidate = min(requested, min over deps (Te_dep + inputDelay), time_barrier)
func (c *Coordinator) CandidateTime() hltime.Time {
	candidate := hltime.Min(c.requested, c.cfg.TimeBarrier)
	for _, d := range c.deps {
		bounded := d.Te
		if bounded != hltime.MaxTime {
			bounded = bounded.Add(d.InputDelay)
		}
		candidate = hltime.Min(candidate, bounded)
	}
	return c.alignToPeriod(candidate)
}

// alignToPeriod snaps candidate to offset + k*period, the smallest
// such value >= candidate, when a period is configured.
func (c *Coordinator) alignToPeriod(candidate hltime.Time) hltime.Time {
	if c.cfg.Period <= 0 {
		return candidate
	}
	if candidate <= c.cfg.Offset {
		return c.cfg.Offset
	}
	delta := candidate - c.cfg.Offset
	k := int64(delta) / int64(c.cfg.Period)
	aligned := c.cfg.Offset + hltime.Time(k)*c.cfg.Period
	if aligned < candidate {
		aligned += c.cfg.Period
	}
	return aligned
}

// barrierBlocked reports whether granting candidate would violate an
// installed time barrier: no federate may be granted a time at or past
// T_b until the barrier is cleared or raised (spec §4.4).
func (c *Coordinator) barrierBlocked(candidate hltime.Time) bool {
	return c.cfg.TimeBarrier != hltime.MaxTime && candidate >= c.cfg.TimeBarrier
}

// anyDepIterating reports whether any dependency is iterating at or
// before at.
func (c *Coordinator) anyDepIterating(at hltime.Time) bool {
	for _, d := range c.deps {
		if d.Iterating && d.Te <= at {
			return true
		}
	}
	return false
}

// Evaluate runs one pass of the grant decision. It returns ok=false
// when the coordinator must keep waiting for updated dependency
// reports (spec §4.7's "wait for updated Te from deps" branch).
func (c *Coordinator) Evaluate() (grantTime hltime.Time, result hltime.IterationResult, ok bool) {
	if c.state != TimeRequested {
		return 0, 0, false
	}

	candidate := c.CandidateTime()

	if !c.entered {
		// Nothing has left Initializing yet: the coordinator's clock
		// sits at the initialization sentinel (or, across successive
		// ITERATING rounds, at the still-unconfirmed entry time), so
		// "candidate > currentTime" would otherwise hold on every one
		// of these calls and admit NEXT_STEP before the iteration
		// check ever runs. Run the iteration check first instead, so
		// ITERATE_IF_NEEDED/FORCE_ITERATION can still hold the
		// federate at its entry time.
		if c.cfg.IterationReq != hltime.NoIterations || c.anyDepIterating(candidate) {
			return c.grant(candidate, hltime.Iterating)
		}
		if c.barrierBlocked(candidate) {
			return 0, 0, false
		}
		if c.cfg.Realtime {
			if !c.realtimeReady(candidate) {
				return 0, 0, false
			}
		}
		return c.grant(candidate, hltime.NextStep)
	}

	switch {
	case candidate > c.currentTime && !c.barrierBlocked(candidate):
		if c.cfg.Realtime {
			if !c.realtimeReady(candidate) {
				return 0, 0, false
			}
		}
		return c.grant(candidate, hltime.NextStep)
	case c.cfg.IterationReq == hltime.ForceIteration || c.anyDepIterating(c.currentTime):
		// An iterating grant stays at currentTime, which an installed
		// barrier already admitted.
		return c.grant(c.currentTime, hltime.Iterating)
	default:
		return 0, 0, false
	}
}

func (c *Coordinator) grant(t hltime.Time, result hltime.IterationResult) (hltime.Time, hltime.IterationResult, bool) {
	c.currentTime = t
	c.iterating = result == hltime.Iterating
	if result == hltime.NextStep {
		c.state = TimeGranted
		c.entered = true
	}
	return t, result, true
}

// realtimeReady reports whether wall-clock time has reached the
// simulated candidate within the configured lag/lead tolerances (spec
// §4.7 "Real-time mode").
func (c *Coordinator) realtimeReady(candidate hltime.Time) bool {
	elapsedSim := time.Duration(candidate.Seconds() * float64(time.Second))
	elapsedWall := c.clock.Now().Sub(c.startWall)
	due := elapsedSim - c.cfg.RTLead
	if elapsedWall >= due {
		return true
	}
	wait := due - elapsedWall
	if wait > c.cfg.RTLag {
		wait = c.cfg.RTLag
	}
	if wait > 0 {
		c.clock.Sleep(wait)
	}
	return c.clock.Now().Sub(c.startWall) >= due
}

// CurrentTime returns the coordinator's last-granted time.
func (c *Coordinator) CurrentTime() hltime.Time { return c.currentTime }

// State returns the coordinator's current protocol state.
func (c *Coordinator) State() State { return c.state }

// Iterating reports whether the most recent grant was an ITERATING
// result rather than NEXT_STEP.
func (c *Coordinator) Iterating() bool { return c.iterating }

// SetTimeBarrier installs or clears (hltime.MaxTime) the coordinator's
// time barrier, mirroring the broker's SET_TIME_BARRIER/
// CLEAR_TIME_BARRIER actions (spec §4.4).
func (c *Coordinator) SetTimeBarrier(t hltime.Time) { c.cfg.TimeBarrier = t }

// SetIterationRequest installs the iteration request a federate passes
// to its next enter_executing_mode/request_time call (spec §4.6
// "enterExec admits ITERATE_IF_NEEDED, FORCE_ITERATION, NO_ITERATIONS").
func (c *Coordinator) SetIterationRequest(r hltime.IterationRequest) { c.cfg.IterationReq = r }

// SetPeriod/SetOffset/SetRealtime/SetRTLag/SetRTLead apply a
// set_property call (spec §4.6 "set_flag/option/property") to the
// coordinator's grant-decision tunables.
func (c *Coordinator) SetPeriod(p hltime.Time) { c.cfg.Period = p }
func (c *Coordinator) SetOffset(o hltime.Time) { c.cfg.Offset = o }
func (c *Coordinator) SetRealtime(enabled bool) { c.cfg.Realtime = enabled }
func (c *Coordinator) SetRTLag(d time.Duration) { c.cfg.RTLag = d }
func (c *Coordinator) SetRTLead(d time.Duration) { c.cfg.RTLead = d }
