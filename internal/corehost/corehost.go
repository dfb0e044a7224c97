// Package corehost implements the Core Logic of spec §4.5: federate
// hosting, the handle table, value distribution with aggregation
// modes, the destination-endpoint filter pipeline, per-endpoint
// message queues, and the subtree time aggregation that rolls every
// hosted federate's Te/Tdemin into one upstream report.
//
// Grounded on the teacher's broker/load_balancer.go for the
// "aggregate many local workers into one upstream signal" shape
// (renamed here from worker load metrics to federate time reports),
// and on spec §4.5 directly for aggregation-mode and filter semantics,
// which have no teacher analogue.
package corehost

import (
	"encoding/binary"
	"math"
	"math/rand"
	"sync"

	"github.com/GMLC-TDC/HELICS-sub006/internal/action"
	"github.com/GMLC-TDC/HELICS-sub006/internal/herrors"
	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
	"github.com/GMLC-TDC/HELICS-sub006/internal/timecoord"
)

// AggregationMode selects how a multi-connection input combines the
// values of everything publishing to it, applied at read time.
type AggregationMode int

const (
	AggNoOp AggregationMode = iota
	AggVectorize
	AggAnd
	AggOr
	AggSum
	AggDiff
	AggMax
	AggMin
	AggAverage
)

// InputRecord is a core's handle-table entry for one Input: the
// latest value(s) it has received per source, and its aggregation
// mode.
type InputRecord struct {
	Handle       ids.HandleId
	Federate     ids.GlobalId
	Mode         AggregationMode
	Strategy     SelectionStrategy
	OnlyOnChange bool
	Required     bool
	sources      map[ids.GlobalHandle][]byte // latest raw value per connected publication
	order        []ids.GlobalHandle          // insertion order, for vectorize/deterministic fold
	updateCount  map[ids.GlobalHandle]int    // updates delivered per source, for SelectLeastLoaded
	lastSource   ids.GlobalHandle            // most recently updated source, for SelectMostRecent
	lastUpdate   hltime.Time
}

// FilterFunc transforms, delays, drops, or clones a message en route
// to its destination endpoint. It returns the (possibly mutated)
// primary message, whether delivery should continue, and any
// additional copies to deliver alongside it (populated only by clone
// filters). Delay filters set ActionTime forward and return
// continue=true; the pipeline runner re-enqueues accordingly.
type FilterFunc func(msg *action.Message) (out *action.Message, cont bool, clones []*action.Message)

// Delay returns a filter that shifts ActionTime by d (spec §4.5
// "delay(t)").
func Delay(d hltime.Time) FilterFunc {
	return func(msg *action.Message) (*action.Message, bool, []*action.Message) {
		out := msg.Clone()
		out.ActionTime = out.ActionTime.Add(d)
		return out, true, nil
	}
}

// RandomDelay returns a filter that shifts ActionTime by a duration
// drawn from draw() (spec §4.5 "random_delay(dist)").
func RandomDelay(draw func() hltime.Time) FilterFunc {
	return func(msg *action.Message) (*action.Message, bool, []*action.Message) {
		out := msg.Clone()
		out.ActionTime = out.ActionTime.Add(draw())
		return out, true, nil
	}
}

// RandomDrop returns a filter that drops the message with probability
// p (spec §4.5 "random_drop(p)").
func RandomDrop(p float64, source *rand.Rand) FilterFunc {
	return func(msg *action.Message) (*action.Message, bool, []*action.Message) {
		if source.Float64() < p {
			return nil, false, nil
		}
		return msg, true, nil
	}
}

// Reroute returns a filter that overrides the destination when
// matches(msg) is true (spec §4.5 "reroute(pattern, new_dest)").
func Reroute(matches func(*action.Message) bool, newDest ids.GlobalId, newHandle ids.HandleId) FilterFunc {
	return func(msg *action.Message) (*action.Message, bool, []*action.Message) {
		if !matches(msg) {
			return msg, true, nil
		}
		out := msg.Clone()
		out.DestID = newDest
		out.DestHandle = newHandle
		return out, true, nil
	}
}

// Clone returns a filter that, alongside normal delivery, emits a copy
// of the message to each endpoint in delivery (spec §4.5
// "clone(delivery_list)").
func Clone(delivery []ids.GlobalHandle) FilterFunc {
	return func(msg *action.Message) (*action.Message, bool, []*action.Message) {
		clones := make([]*action.Message, 0, len(delivery))
		for _, dst := range delivery {
			c := msg.Clone()
			c.DestID = dst.Federate
			c.DestHandle = dst.Local
			clones = append(clones, c)
		}
		return msg, true, clones
	}
}

// Firewall returns a filter that drops messages failing predicate
// (spec §4.5 "firewall(rules)").
func Firewall(predicate func(*action.Message) bool) FilterFunc {
	return func(msg *action.Message) (*action.Message, bool, []*action.Message) {
		if !predicate(msg) {
			return nil, false, nil
		}
		return msg, true, nil
	}
}

// Custom wraps an arbitrary user transform as a FilterFunc (spec §4.5
// "custom(fn)").
func Custom(fn func(*action.Message) *action.Message) FilterFunc {
	return func(msg *action.Message) (*action.Message, bool, []*action.Message) {
		out := fn(msg)
		if out == nil {
			return nil, false, nil
		}
		return out, true, nil
	}
}

// EndpointQueue is a single endpoint's message queue, ordered by action
// time; messages with equal times come out in arrival order.
type EndpointQueue struct {
	mu   sync.Mutex
	msgs []*action.Message
}

func (q *EndpointQueue) push(msg *action.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
}

// Pop removes and returns the earliest-by-ActionTime message, or nil
// if the queue is empty.
func (q *EndpointQueue) Pop() *action.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return nil
	}
	earliest := 0
	for i, m := range q.msgs {
		if m.ActionTime < q.msgs[earliest].ActionTime {
			earliest = i
		}
	}
	msg := q.msgs[earliest]
	q.msgs = append(q.msgs[:earliest], q.msgs[earliest+1:]...)
	return msg
}

// Len reports the number of messages presently queued.
func (q *EndpointQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// peekEarliest returns the earliest-by-ActionTime message without
// removing it, or nil if the queue is empty.
func (q *EndpointQueue) peekEarliest() *action.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return nil
	}
	earliest := q.msgs[0]
	for _, m := range q.msgs[1:] {
		if m.ActionTime < earliest.ActionTime {
			earliest = m
		}
	}
	return earliest
}

// EndpointRecord is a core's handle-table entry for one Endpoint: its
// destination filter pipeline and inbound queue.
type EndpointRecord struct {
	Handle   ids.HandleId
	Federate ids.GlobalId
	Filters  []FilterFunc
	Queue    *EndpointQueue
}

// GrantNotifier receives a federate's newly granted (or iterating) time
// report, forwarded to every locally hosted federate that depends on
// it (spec §4.7 "Dependency graph maintenance"). A *federate.Federate
// registers its own NotifyDependencyUpdate method as its notifier; the
// corehost package cannot import federate directly (federate already
// imports corehost), so this indirection is the wiring seam between
// the two.
type GrantNotifier func(srcFed ids.GlobalId, te, tdemin hltime.Time, iterating bool)

// UpstreamReporter carries the core's subtree-aggregate time report to
// whatever owns the wire connection to the parent broker (spec §4.5
// "Local time aggregation": only the aggregate is forwarded, reducing
// broker traffic). The Core stays transport-agnostic; the hosting
// process installs a reporter that puts the aggregate on its fabric.
type UpstreamReporter func(te, tdemin hltime.Time, iterating bool)

// Core hosts zero or more federates on behalf of a process, owning
// their handle table, value cache, filter pipelines, message queues,
// and per-federate time coordinators.
type Core struct {
	mu         sync.Mutex
	inputs     map[ids.GlobalHandle]*InputRecord
	endpoints  map[ids.GlobalHandle]*EndpointRecord
	federateTC map[ids.GlobalId]*timecoord.Coordinator
	subtreeTC  *timecoord.Coordinator
	lb         *loadBalancer

	dependents      map[ids.GlobalId][]ids.GlobalId // publisher federate -> federates bound to it
	notifiers       map[ids.GlobalId]GrantNotifier
	removeNotifiers map[ids.GlobalId]func(ids.GlobalId)

	upstream         UpstreamReporter
	lastAggTe        hltime.Time
	lastAggIterating bool
}

// New creates an empty Core. subtreeCfg configures the subtree-wide
// time coordinator that aggregates every hosted federate's Te/Tdemin
// into a single upstream report (spec §4.5 "Local time aggregation").
func New(subtreeCfg timecoord.Config) *Core {
	return &Core{
		inputs:     make(map[ids.GlobalHandle]*InputRecord),
		endpoints:  make(map[ids.GlobalHandle]*EndpointRecord),
		federateTC: make(map[ids.GlobalId]*timecoord.Coordinator),
		subtreeTC:  timecoord.New(ids.LocalCore, subtreeCfg, nil),
		lb:              newLoadBalancer(),
		dependents:      make(map[ids.GlobalId][]ids.GlobalId),
		notifiers:       make(map[ids.GlobalId]GrantNotifier),
		removeNotifiers: make(map[ids.GlobalId]func(ids.GlobalId)),
		lastAggTe:       hltime.MinTime,
	}
}

// SetUpstreamReporter installs the callback the core's subtree
// aggregate travels through on its way to the parent broker.
func (c *Core) SetUpstreamReporter(fn UpstreamReporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upstream = fn
}

// SetGrantNotifier installs the callback a dependent federate's
// NotifyDependencyUpdate is reached through once ReportGrant fires for
// one of its sources.
func (c *Core) SetGrantNotifier(fed ids.GlobalId, fn GrantNotifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiers[fed] = fn
}

// SetRemoveNotifier installs the callback a dependent federate's
// dependency-removal path is reached through once DropSource fires for
// one of its sources.
func (c *Core) SetRemoveNotifier(fed ids.GlobalId, fn func(ids.GlobalId)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeNotifiers[fed] = fn
}

// DropSource removes src as a dependency of every locally hosted
// federate bound to it, used when src disconnects or finalizes: a
// departed publisher must never again constrain its dependents'
// grants. The notifications run asynchronously for the same deadlock
// reason ReportGrant's do.
func (c *Core) DropSource(src ids.GlobalId) {
	c.mu.Lock()
	targets := c.dependents[src]
	delete(c.dependents, src)
	fns := make([]func(ids.GlobalId), 0, len(targets))
	for _, t := range targets {
		if fn, ok := c.removeNotifiers[t]; ok {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		go fn(src)
	}
}

// ReportGrant forwards fed's latest (te, tdemin, iterating) report to
// every federate whose input is linked to one of fed's publications,
// waking any blocked request_time/enter_executing_mode call of theirs
// (spec §4.7a "unchanged from spec.md §4.7"). When fed is hosted by
// this Core, its grant also refreshes the subtree aggregate, which is
// what travels upstream — individual grants never do.
func (c *Core) ReportGrant(fed ids.GlobalId, te, tdemin hltime.Time, iterating bool) {
	c.mu.Lock()
	targets := append([]ids.GlobalId(nil), c.dependents[fed]...)
	fns := make([]GrantNotifier, 0, len(targets))
	for _, t := range targets {
		if fn, ok := c.notifiers[t]; ok {
			fns = append(fns, fn)
		}
	}
	_, hostedHere := c.federateTC[fed]
	c.mu.Unlock()
	for _, fn := range fns {
		fn(fed, te, tdemin, iterating)
	}
	if hostedHere {
		c.reportUpstream()
	}
}

// reportUpstream recomputes the subtree aggregate after a locally
// hosted federate's grant and hands it to the upstream reporter only
// when it moved, so one aggregate message travels per advance rather
// than one per federate grant (spec §4.5 "Local time aggregation").
func (c *Core) reportUpstream() {
	c.mu.Lock()
	te, tdemin := c.aggregateSubtreeLocked()
	iterating := false
	for _, tc := range c.federateTC {
		if tc.Iterating() {
			iterating = true
		}
	}
	if te <= c.lastAggTe && iterating == c.lastAggIterating {
		c.mu.Unlock()
		return
	}
	c.lastAggTe = te
	c.lastAggIterating = iterating
	rep := c.upstream
	c.mu.Unlock()
	if rep != nil {
		rep(te, tdemin, iterating)
	}
}

// RegisterInput adds handle to the core's input table.
func (c *Core) RegisterInput(handle ids.GlobalHandle, mode AggregationMode, required, onlyOnChange bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs[handle] = &InputRecord{
		Handle:       handle.Local,
		Federate:     handle.Federate,
		Mode:         mode,
		Required:     required,
		OnlyOnChange: onlyOnChange,
		sources:      make(map[ids.GlobalHandle][]byte),
		updateCount:  make(map[ids.GlobalHandle]int),
	}
}

// SetInputStrategy sets the SelectionStrategy a no-op multi-connection
// input uses to pick among several connected publications (spec
// §4.4a). A no-op on an unknown handle.
func (c *Core) SetInputStrategy(handle ids.GlobalHandle, strategy SelectionStrategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.inputs[handle]; ok {
		rec.Strategy = strategy
	}
}

// RegisterEndpoint adds handle to the core's endpoint table with the
// given ordered filter pipeline.
func (c *Core) RegisterEndpoint(handle ids.GlobalHandle, filters []FilterFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[handle] = &EndpointRecord{
		Handle:   handle.Local,
		Federate: handle.Federate,
		Filters:  filters,
		Queue:    &EndpointQueue{},
	}
}

// AttachFilter appends f to the destination filter pipeline already
// installed for handle, for filters registered after their endpoint
// (spec §4.6 "register_filter"/"register_cloning_filter").
func (c *Core) AttachFilter(handle ids.GlobalHandle, f FilterFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.endpoints[handle]; ok {
		rec.Filters = append(rec.Filters, f)
	}
}

// LinkInputToPublication records that an input connects to a
// publication's global handle, so a later PUB_DATA from that handle is
// folded into this input's aggregated value. It also wires the
// dependency edge between the two federates' time coordinators (spec
// §4.7 "Dependency graph maintenance"), so the input's owning federate
// is bounded by its source's reported time whenever that federate is
// hosted locally.
func (c *Core) LinkInputToPublication(input, publication ids.GlobalHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.inputs[input]
	if !ok {
		return
	}
	if _, seen := rec.sources[publication]; !seen {
		rec.order = append(rec.order, publication)
	}
	if rec.sources[publication] == nil {
		rec.sources[publication] = []byte{}
	}
	if tc, ok := c.federateTC[input.Federate]; ok {
		tc.AddDependency(publication.Federate, 0)
		c.dependents[publication.Federate] = appendUniqueID(c.dependents[publication.Federate], input.Federate)
	}
}

func appendUniqueID(list []ids.GlobalId, v ids.GlobalId) []ids.GlobalId {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// DistributeValue implements spec §4.5 "Value distribution" for one
// PUB_DATA action: it updates every input connected to (src, srcHandle),
// skipping an "only update on change" input whose stored value from that
// source equals payload.
func (c *Core) DistributeValue(src ids.GlobalId, srcHandle ids.HandleId, payload []byte, actionTime hltime.Time) {
	source := ids.GlobalHandle{Federate: src, Local: srcHandle}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.inputs {
		if _, connected := rec.sources[source]; !connected {
			continue
		}
		if rec.OnlyOnChange {
			if prev, ok := rec.sources[source]; ok && bytesEqual(prev, payload) {
				continue
			}
		}
		rec.sources[source] = payload
		rec.lastUpdate = actionTime
		rec.lastSource = source
		rec.updateCount[source]++
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ReadInput applies the input's aggregation mode over its connected
// sources' latest raw values and returns the raw value(s) selected
// (the numeric fold modes operate over float64-decoded values supplied
// by decode; callers owning a specific wire type pass their own
// decoder/encoder pair).
func (c *Core) ReadInput(handle ids.GlobalHandle, decode func([]byte) (float64, bool)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.inputs[handle]
	if !ok {
		return nil, herrors.New(herrors.InvalidObject, 50, "unknown input handle")
	}
	if len(rec.order) == 0 {
		if rec.Required {
			return nil, herrors.New(herrors.RegistrationFailure, 51, "required input has no connected publication")
		}
		return nil, nil
	}

	switch rec.Mode {
	case AggNoOp:
		switch rec.Strategy {
		case SelectRoundRobin:
			return rec.sources[c.lb.selectRoundRobin(handle, rec.order)], nil
		case SelectLeastLoaded:
			return rec.sources[selectLeastLoaded(rec.order, rec.updateCount)], nil
		default:
			return rec.sources[rec.lastSource], nil
		}
	case AggVectorize:
		var out []byte
		for _, src := range rec.order {
			out = append(out, rec.sources[src]...)
		}
		return out, nil
	default:
		return aggregateNumeric(rec, decode)
	}
}

func aggregateNumeric(rec *InputRecord, decode func([]byte) (float64, bool)) ([]byte, error) {
	var values []float64
	for _, src := range rec.order {
		raw := rec.sources[src]
		v, ok := decode(raw)
		if !ok {
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, nil
	}

	var result float64
	switch rec.Mode {
	case AggAnd:
		result = 1
		for _, v := range values {
			if v == 0 {
				result = 0
			}
		}
	case AggOr:
		result = 0
		for _, v := range values {
			if v != 0 {
				result = 1
			}
		}
	case AggSum:
		for _, v := range values {
			result += v
		}
	case AggDiff:
		result = values[0]
		for _, v := range values[1:] {
			result -= v
		}
	case AggMax:
		result = values[0]
		for _, v := range values[1:] {
			if v > result {
				result = v
			}
		}
	case AggMin:
		result = values[0]
		for _, v := range values[1:] {
			if v < result {
				result = v
			}
		}
	case AggAverage:
		for _, v := range values {
			result += v
		}
		result /= float64(len(values))
	}
	return encodeFloat64(result), nil
}

// encodeFloat64 encodes v in the runtime's fixed double wire convention
// (big-endian IEEE 754), matching federate.encodeDouble/decodeDouble —
// the same pair the caller-supplied decode func above decodes with —
// so a numeric aggregation mode's result round-trips through
// GetValueDouble like any other double-typed input.
func encodeFloat64(v float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return buf
}

// EnqueueMessage implements spec §4.5 "Message distribution": runs
// msg through the destination endpoint's filter pipeline, honoring
// delay (re-enqueue with a later ActionTime), drop, reroute, and clone
// semantics, then lands it in the destination queue.
func (c *Core) EnqueueMessage(msg *action.Message) {
	dest := ids.GlobalHandle{Federate: msg.DestID, Local: msg.DestHandle}

	c.mu.Lock()
	rec, ok := c.endpoints[dest]
	c.mu.Unlock()
	if !ok {
		return
	}

	current := msg
	var cloned []*action.Message
	for _, f := range rec.Filters {
		out, cont, clones := f(current)
		if !cont {
			return
		}
		current = out
		cloned = append(cloned, clones...)
	}

	newDest := ids.GlobalHandle{Federate: current.DestID, Local: current.DestHandle}
	c.mu.Lock()
	finalRec, ok := c.endpoints[newDest]
	c.mu.Unlock()
	if ok {
		finalRec.Queue.push(current)
	}
	for _, c2 := range cloned {
		cloneDest := ids.GlobalHandle{Federate: c2.DestID, Local: c2.DestHandle}
		c.mu.Lock()
		cloneRec, cok := c.endpoints[cloneDest]
		c.mu.Unlock()
		if cok {
			cloneRec.Queue.push(c2)
		}
	}
}

// GetMessage pops the next message for handle, or — if handle is the
// zero value — the earliest-by-time message across every endpoint
// hosted by this core (spec §4.6 "get_message... time-ordered across
// all endpoints if no handle given").
func (c *Core) GetMessage(handle ids.GlobalHandle) *action.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if handle != (ids.GlobalHandle{}) {
		if rec, ok := c.endpoints[handle]; ok {
			return rec.Queue.Pop()
		}
		return nil
	}

	var best *EndpointRecord
	var bestTime hltime.Time
	for _, rec := range c.endpoints {
		head := rec.Queue.peekEarliest()
		if head == nil {
			continue
		}
		if best == nil || head.ActionTime < bestTime {
			best = rec
			bestTime = head.ActionTime
		}
	}
	if best == nil {
		return nil
	}
	return best.Queue.Pop()
}

// AddFederateCoordinator installs the time coordinator for a newly
// admitted federate and links it as a dependency of the subtree
// aggregate coordinator.
func (c *Core) AddFederateCoordinator(fed ids.GlobalId, tc *timecoord.Coordinator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.federateTC[fed] = tc
	c.subtreeTC.AddDependency(fed, 0)
}

// RemoveFederateCoordinator retires a finalized federate from the
// subtree aggregate, so a finished federate stops holding back the
// core's upstream Te report.
func (c *Core) RemoveFederateCoordinator(fed ids.GlobalId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.federateTC, fed)
	delete(c.notifiers, fed)
	delete(c.removeNotifiers, fed)
	c.subtreeTC.RemoveDependency(fed)
}

// AggregateSubtreeReport rolls every hosted federate's current time
// into one upstream (Te, Tdemin) pair, per spec §4.5 "Local time
// aggregation": only the aggregate is forwarded, reducing broker
// traffic.
func (c *Core) AggregateSubtreeReport() (te, tdemin hltime.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aggregateSubtreeLocked()
}

func (c *Core) aggregateSubtreeLocked() (te, tdemin hltime.Time) {
	te = hltime.MaxTime
	tdemin = hltime.MaxTime
	for fed, tc := range c.federateTC {
		c.subtreeTC.UpdateDependency(fed, tc.CurrentTime(), hltime.MaxTime, tc.Iterating())
		te = hltime.Min(te, tc.CurrentTime())
	}
	return te, tdemin
}
