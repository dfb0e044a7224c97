// Package federate implements the Federate State Machine & API of spec
// §4.6: the Created -> Initializing -> Executing -> Terminating ->
// Finished lifecycle (with an Errored escape from any state), the
// request_time contract, interface registration, and value/message
// exchange.
//
// A Federate is the host application's handle into the runtime; it owns
// no network connection itself. It drives a local corehost.Core (the
// value/message cache and per-federate time coordinator) and, when the
// hosting core type is not INPROC/TEST, an upstream routing.Fabric for
// REG_*/TIME_REQUEST/PUB_DATA/SEND_MESSAGE traffic (spec §5: "each
// federate runs on its host application's thread; its API calls post
// messages... and block... for replies").
//
// Grounded on the teacher's agent lifecycle in
// _examples/sweght-FEM-Protocol/bodies (register/execute/report phases)
// for the state-machine shape, generalized to the richer iteration and
// async-pending states spec §4.6 requires.
package federate

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GMLC-TDC/HELICS-sub006/internal/action"
	"github.com/GMLC-TDC/HELICS-sub006/internal/corehost"
	"github.com/GMLC-TDC/HELICS-sub006/internal/herrors"
	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
	"github.com/GMLC-TDC/HELICS-sub006/internal/routing"
	"github.com/GMLC-TDC/HELICS-sub006/internal/timecoord"
)

// State is a federate's position in the lifecycle spec §4.6 names.
type State int

const (
	Created State = iota
	PendingInit
	Initializing
	PendingExec
	Executing
	PendingTime
	Terminating
	Finished
	Errored
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case PendingInit:
		return "pending_init"
	case Initializing:
		return "initializing"
	case PendingExec:
		return "pending_exec"
	case Executing:
		return "executing"
	case PendingTime:
		return "pending_time"
	case Terminating:
		return "terminating"
	case Finished:
		return "finished"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

type pubRecord struct {
	handle ids.HandleId
	typ    string
	units  string
	global bool
}

type inputRecord struct {
	handle   ids.HandleId
	typ      string
	units    string
	required bool
}

// FilterKind selects which destination-filter behavior register_filter
// installs (spec §4.5 "delay/random_delay/random_drop/reroute/clone/
// firewall/custom").
type FilterKind int

const (
	FilterDelay FilterKind = iota
	FilterRandomDelay
	FilterRandomDrop
	FilterReroute
	FilterFirewall
	FilterCustom
)

// FilterParams carries the constructor arguments for the FilterKind
// selected; only the fields the chosen kind reads are required.
type FilterParams struct {
	Delay       hltime.Time
	RandomDelay func() hltime.Time
	DropProb    float64
	RandSource  *rand.Rand
	Matches     func(*action.Message) bool
	NewDest     ids.GlobalHandle
	Predicate   func(*action.Message) bool
	Custom      func(*action.Message) *action.Message
}

// Federate is one federate's runtime handle: its state, its locally
// registered interfaces, its time coordinator, and its connection to
// the hosting core's value/message cache.
type Federate struct {
	mu   sync.Mutex
	cond *sync.Cond

	id     ids.GlobalId
	name   string
	fabric *routing.Fabric // nil for an INPROC/TEST-type core hosted in this process
	core   *corehost.Core
	tc     *timecoord.Coordinator
	log    *logrus.Entry

	state     State
	lastError *herrors.Error

	nextHandle ids.HandleId
	pubs       map[string]*pubRecord
	inputs     map[string]*inputRecord
	endpoints  map[string]ids.HandleId
	filters    map[string]ids.HandleId

	pendingPub map[ids.HandleId][]byte

	tags    map[string]string
	globals map[string]string
	options map[string]string

	commands chan string
}

// New creates a Federate already admitted to the federation as id
// (obtained via a prior registration handshake — e.g.
// broker.RegisterLocalFederate for an in-process core). fabric may be
// nil when the hosting core type never leaves this process.
func New(id ids.GlobalId, name string, fabric *routing.Fabric, core *corehost.Core, cfg timecoord.Config, clock timecoord.Clock) *Federate {
	f := &Federate{
		id:         id,
		name:       name,
		fabric:     fabric,
		core:       core,
		tc:         timecoord.New(id, cfg, clock),
		log:        logrus.NewEntry(logrus.StandardLogger()),
		state:      Created,
		pubs:       make(map[string]*pubRecord),
		inputs:     make(map[string]*inputRecord),
		endpoints:  make(map[string]ids.HandleId),
		filters:    make(map[string]ids.HandleId),
		pendingPub: make(map[ids.HandleId][]byte),
		tags:       make(map[string]string),
		globals:    make(map[string]string),
		options:    make(map[string]string),
		commands:   make(chan string, 16),
	}
	f.cond = sync.NewCond(&f.mu)
	core.AddFederateCoordinator(id, f.tc)
	core.SetGrantNotifier(id, f.NotifyDependencyUpdate)
	core.SetRemoveNotifier(id, f.NotifyDependencyRemoved)
	return f
}

// ID returns the federate's assigned GlobalId.
func (f *Federate) ID() ids.GlobalId { return f.id }

// Name returns the federate's registered name.
func (f *Federate) Name() string { return f.name }

// State returns the federate's current lifecycle state.
func (f *Federate) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// LastError returns the most recent local_error/global_error recorded,
// or nil.
func (f *Federate) LastError() *herrors.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastError
}

func invalidCall(code int, msg string) error {
	return herrors.New(herrors.InvalidFunctionCall, code, msg)
}

// EnterInitializingMode transitions Created -> Initializing (spec
// §4.6). Handles may still be registered afterward.
func (f *Federate) EnterInitializingMode() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Created {
		return invalidCall(60, fmt.Sprintf("enter_initializing_mode invalid in state %s", f.state))
	}
	f.state = PendingInit
	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{Action: action.CmdEnterInitGranted, SourceID: f.id})
	}
	f.state = Initializing
	return nil
}

// EnterExecutingMode transitions Initializing -> Executing, running one
// grant cycle of the enterExec iteration protocol (spec §4.6 "enterExec
// admits ITERATE_IF_NEEDED, FORCE_ITERATION, NO_ITERATIONS"). A result
// of Iterating leaves the federate in Initializing for the caller to
// call again; NextStep admits Executing at time zero.
func (f *Federate) EnterExecutingMode(ctx context.Context, iterReq hltime.IterationRequest) (hltime.IterationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Initializing {
		return hltime.ErrorResult, invalidCall(61, fmt.Sprintf("enter_executing_mode invalid in state %s", f.state))
	}
	f.state = PendingExec
	f.flushPendingPublicationsLocked(hltime.Zero)
	f.tc.SetIterationRequest(iterReq)
	f.tc.RequestTime(hltime.Zero)
	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{Action: action.CmdExecRequest, SourceID: f.id})
	}

	result, err := f.awaitGrantLocked(ctx)
	if err != nil {
		if f.state != Errored {
			f.state = Initializing
		}
		return hltime.ErrorResult, err
	}
	if result == hltime.Iterating {
		f.state = Initializing
	} else {
		f.state = Executing
	}
	return result, nil
}

// RequestTime implements spec §4.6's time request contract:
// request_time(t_req, iteration_request) -> (t_granted, iteration_result).
func (f *Federate) RequestTime(ctx context.Context, reqTime hltime.Time, iterReq hltime.IterationRequest) (hltime.Time, hltime.IterationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Executing {
		return hltime.Zero, hltime.ErrorResult, invalidCall(62, fmt.Sprintf("request_time invalid in state %s", f.state))
	}

	f.state = PendingTime
	f.flushPendingPublicationsLocked(f.tc.CurrentTime())
	f.tc.SetIterationRequest(iterReq)
	f.tc.RequestTime(reqTime)
	if f.fabric != nil {
		flags := action.Flags(0)
		if iterReq != hltime.NoIterations {
			flags = flags.Set(action.FlagIterationRequested)
		}
		f.fabric.Dispatch(&action.Message{
			Action: action.CmdTimeRequest, SourceID: f.id, ActionTime: reqTime,
			Te: reqTime, Tdemin: reqTime, Flags: flags,
		})
	}

	result, err := f.awaitGrantLocked(ctx)
	if err != nil {
		if f.state != Errored {
			f.state = Executing
		}
		return f.tc.CurrentTime(), hltime.ErrorResult, err
	}
	f.state = Executing
	return f.tc.CurrentTime(), result, nil
}

// awaitGrantLocked runs the grant-decision loop, blocking on f.cond
// until Evaluate succeeds or ctx is done. Must be called with f.mu held;
// it releases the lock while waiting (spec §5 "block on condition
// variables for replies").
func (f *Federate) awaitGrantLocked(ctx context.Context) (hltime.IterationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cancelled := make(chan struct{})
	if ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				f.mu.Lock()
				close(cancelled)
				f.cond.Broadcast()
				f.mu.Unlock()
			case <-stop:
			}
		}()
	}

	for {
		if f.state == Errored {
			return hltime.ErrorResult, herrors.New(herrors.UserAbort, 75, "federate force-terminated")
		}
		granted, result, ok := f.tc.Evaluate()
		if ok {
			// The core notifies local dependents and rolls the grant
			// into its subtree aggregate; only the aggregate travels
			// upstream (spec §4.5 "Local time aggregation").
			go f.core.ReportGrant(f.id, granted, granted, result == hltime.Iterating)
			return result, nil
		}
		select {
		case <-cancelled:
			return hltime.ErrorResult, herrors.New(herrors.Timeout, 63, "request_time timed out")
		default:
		}
		f.cond.Wait()
	}
}

// NotifyDependencyUpdate forwards an upstream TIME_GRANT/aggregate
// report into the federate's coordinator and wakes any blocked
// request_time/enter_executing_mode call (spec §4.7 "Dependency graph
// maintenance").
func (f *Federate) NotifyDependencyUpdate(dep ids.GlobalId, te, tdemin hltime.Time, iterating bool) {
	f.mu.Lock()
	f.tc.UpdateDependency(dep, te, tdemin, iterating)
	f.cond.Broadcast()
	f.mu.Unlock()
}

// AddDependency/RemoveDependency expose the coordinator's dependency
// graph maintenance to the connection-resolution code that wires up
// pub/sub and filter/endpoint bindings as they resolve.
func (f *Federate) AddDependency(dep ids.GlobalId, inputDelay hltime.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tc.AddDependency(dep, inputDelay)
}

func (f *Federate) RemoveDependency(dep ids.GlobalId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tc.RemoveDependency(dep)
	// Removing a constraint may unblock a pending grant.
	f.cond.Broadcast()
}

// NotifyDependencyRemoved drops dep from the federate's coordinator
// when dep disconnects or finalizes, waking any blocked request_time
// call that was waiting on it. Registered as the core's remove
// notifier for this federate.
func (f *Federate) NotifyDependencyRemoved(dep ids.GlobalId) {
	f.RemoveDependency(dep)
}

// SetTimeBarrier installs (or, with hltime.MaxTime, clears) the
// broker-imposed grant ceiling on this federate's coordinator (spec
// §4.4 "Time barriers"), waking any blocked time request so it can
// re-evaluate against the new barrier.
func (f *Federate) SetTimeBarrier(t hltime.Time) {
	f.mu.Lock()
	f.tc.SetTimeBarrier(t)
	f.cond.Broadcast()
	f.mu.Unlock()
}

// RegisterPublication implements spec §4.6
// "register_publication(name, type, units) -> PubHandle".
func (f *Federate) RegisterPublication(name, typ, units string, global bool) (ids.HandleId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Created && f.state != Initializing {
		return ids.InvalidHandle, invalidCall(64, fmt.Sprintf("register_publication invalid in state %s", f.state))
	}
	if _, exists := f.pubs[name]; exists {
		return ids.InvalidHandle, herrors.New(herrors.RegistrationFailure, 10, fmt.Sprintf("duplicate publication name %q", name))
	}
	handle := f.nextHandle
	f.nextHandle++
	f.pubs[name] = &pubRecord{handle: handle, typ: typ, units: units, global: global}
	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{
			Action: action.CmdRegPub, SourceID: f.id, SourceHandle: handle, StringData: []string{name},
		})
	}
	return handle, nil
}

// RegisterInput implements spec §4.6 "register_input(name, type, units)
// -> InputHandle with optional subscribe(target_name)". opts.MultiInputMode
// names an aggregation mode ("sum", "and", "or", "max", "min",
// "average", "diff", "vectorize"); empty or unrecognized selects no-op
// (single-source passthrough).
func (f *Federate) RegisterInput(name, typ, units, target string, opts ids.HandleOptions) (ids.HandleId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Created && f.state != Initializing {
		return ids.InvalidHandle, invalidCall(65, fmt.Sprintf("register_input invalid in state %s", f.state))
	}
	if _, exists := f.inputs[name]; exists {
		return ids.InvalidHandle, herrors.New(herrors.RegistrationFailure, 11, fmt.Sprintf("duplicate input name %q", name))
	}
	handle := f.nextHandle
	f.nextHandle++
	f.inputs[name] = &inputRecord{handle: handle, typ: typ, units: units, required: opts.Required}

	gh := ids.GlobalHandle{Federate: f.id, Local: handle}
	f.core.RegisterInput(gh, aggregationModeFromOption(opts.MultiInputMode), opts.Required, opts.OnlyOnChange)
	if strategy := selectionStrategyFromOption(opts.SourceSelection); strategy != corehost.SelectMostRecent {
		f.core.SetInputStrategy(gh, strategy)
	}

	sd := []string{name}
	if target != "" {
		sd = append(sd, target)
	}
	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{
			Action: action.CmdRegInput, SourceID: f.id, SourceHandle: handle, StringData: sd,
		})
	}
	return handle, nil
}

func aggregationModeFromOption(mode string) corehost.AggregationMode {
	switch mode {
	case "and":
		return corehost.AggAnd
	case "or":
		return corehost.AggOr
	case "sum":
		return corehost.AggSum
	case "diff":
		return corehost.AggDiff
	case "max":
		return corehost.AggMax
	case "min":
		return corehost.AggMin
	case "average":
		return corehost.AggAverage
	case "vectorize":
		return corehost.AggVectorize
	default:
		return corehost.AggNoOp
	}
}

// selectionStrategyFromOption maps a handle option's source-selection
// name to a corehost.SelectionStrategy (spec §4.4a), defaulting to
// SelectMostRecent for an empty or unrecognized name.
func selectionStrategyFromOption(name string) corehost.SelectionStrategy {
	switch name {
	case "round_robin":
		return corehost.SelectRoundRobin
	case "least_loaded":
		return corehost.SelectLeastLoaded
	default:
		return corehost.SelectMostRecent
	}
}

// RegisterEndpoint implements spec §4.6 "register_endpoint(name, type)
// -> EndpointHandle (global/local/targeted variants)". target, when
// non-empty, names the default destination endpoint messages sent
// without an explicit destination should reach.
func (f *Federate) RegisterEndpoint(name, typ, target string) (ids.HandleId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Created && f.state != Initializing {
		return ids.InvalidHandle, invalidCall(66, fmt.Sprintf("register_endpoint invalid in state %s", f.state))
	}
	if _, exists := f.endpoints[name]; exists {
		return ids.InvalidHandle, herrors.New(herrors.RegistrationFailure, 12, fmt.Sprintf("duplicate endpoint name %q", name))
	}
	handle := f.nextHandle
	f.nextHandle++
	f.endpoints[name] = handle
	f.core.RegisterEndpoint(ids.GlobalHandle{Federate: f.id, Local: handle}, nil)

	sd := []string{name}
	if target != "" {
		sd = append(sd, target)
	}
	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{
			Action: action.CmdRegEndpoint, SourceID: f.id, SourceHandle: handle, StringData: sd,
		})
	}
	return handle, nil
}

// RegisterFilter implements spec §4.6 "register_filter(type, name)":
// it builds the chosen FilterKind's pipeline stage and attaches it to
// targetEndpoint if that endpoint is hosted by this federate (the
// common same-core case); REG_FILTER is always dispatched upstream so
// the root registry can resolve cross-core attachments too.
func (f *Federate) RegisterFilter(name, targetEndpoint string, kind FilterKind, params FilterParams) (ids.HandleId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Created && f.state != Initializing {
		return ids.InvalidHandle, invalidCall(67, fmt.Sprintf("register_filter invalid in state %s", f.state))
	}
	if _, exists := f.filters[name]; exists {
		return ids.InvalidHandle, herrors.New(herrors.RegistrationFailure, 13, fmt.Sprintf("duplicate filter name %q", name))
	}
	handle := f.nextHandle
	f.nextHandle++
	f.filters[name] = handle

	if localHandle, ok := f.endpoints[targetEndpoint]; ok {
		f.core.AttachFilter(ids.GlobalHandle{Federate: f.id, Local: localHandle}, buildFilter(kind, params))
	}

	sd := []string{name}
	if targetEndpoint != "" {
		sd = append(sd, targetEndpoint)
	}
	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{
			Action: action.CmdRegFilter, SourceID: f.id, SourceHandle: handle, StringData: sd,
		})
	}
	return handle, nil
}

func buildFilter(kind FilterKind, p FilterParams) corehost.FilterFunc {
	switch kind {
	case FilterDelay:
		return corehost.Delay(p.Delay)
	case FilterRandomDelay:
		return corehost.RandomDelay(p.RandomDelay)
	case FilterRandomDrop:
		source := p.RandSource
		if source == nil {
			source = rand.New(rand.NewSource(1))
		}
		return corehost.RandomDrop(p.DropProb, source)
	case FilterReroute:
		return corehost.Reroute(p.Matches, p.NewDest.Federate, p.NewDest.Local)
	case FilterFirewall:
		return corehost.Firewall(p.Predicate)
	case FilterCustom:
		return corehost.Custom(p.Custom)
	default:
		return corehost.Custom(func(m *action.Message) *action.Message { return m })
	}
}

// RegisterCloningFilter implements spec §4.6
// "register_cloning_filter(name)": it attaches a Clone pipeline stage
// to sourceEndpoint (when locally hosted) that additionally delivers a
// copy of every message to each endpoint in deliveryTargets.
func (f *Federate) RegisterCloningFilter(name, sourceEndpoint string, deliveryTargets []ids.GlobalHandle) (ids.HandleId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Created && f.state != Initializing {
		return ids.InvalidHandle, invalidCall(68, fmt.Sprintf("register_cloning_filter invalid in state %s", f.state))
	}
	if _, exists := f.filters[name]; exists {
		return ids.InvalidHandle, herrors.New(herrors.RegistrationFailure, 13, fmt.Sprintf("duplicate filter name %q", name))
	}
	handle := f.nextHandle
	f.nextHandle++
	f.filters[name] = handle

	if localHandle, ok := f.endpoints[sourceEndpoint]; ok {
		f.core.AttachFilter(ids.GlobalHandle{Federate: f.id, Local: localHandle}, corehost.Clone(deliveryTargets))
	}

	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{
			Action: action.CmdRegFilter, SourceID: f.id, SourceHandle: handle,
			StringData: []string{name, sourceEndpoint}, Flags: action.FlagCloned,
		})
	}
	return handle, nil
}

// Publish implements spec §4.6 "publish(PubHandle, value)": the value
// is buffered and flushed at the next request_time/enter_executing_mode
// call, per §4.6's time request contract ("publishes all pending
// outputs at currentTime + outputDelay").
func (f *Federate) Publish(handle ids.HandleId, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Initializing && f.state != Executing && f.state != PendingTime {
		return invalidCall(69, fmt.Sprintf("publish invalid in state %s", f.state))
	}
	f.pendingPub[handle] = append([]byte(nil), payload...)
	return nil
}

// PublishDouble encodes v by the runtime's fixed double wire
// convention (big-endian IEEE 754) and publishes it.
func (f *Federate) PublishDouble(handle ids.HandleId, v float64) error {
	return f.Publish(handle, encodeDouble(v))
}

func (f *Federate) flushPendingPublicationsLocked(at hltime.Time) {
	for handle, payload := range f.pendingPub {
		f.core.DistributeValue(f.id, handle, payload, at)
		if f.fabric != nil {
			f.fabric.Dispatch(&action.Message{
				Action: action.CmdPubData, SourceID: f.id, SourceHandle: handle,
				Payload: payload, ActionTime: at,
			})
		}
		delete(f.pendingPub, handle)
	}
}

// GetValue implements spec §4.6 "get_value(InputHandle) -> value...
// returns default if never updated": the raw aggregated bytes, or nil
// if the input has no connected publication yet.
func (f *Federate) GetValue(handle ids.HandleId) ([]byte, error) {
	return f.core.ReadInput(ids.GlobalHandle{Federate: f.id, Local: handle}, nil)
}

// GetValueDouble reads and decodes an input under the runtime's double
// wire convention, applying the input's declared aggregation mode.
func (f *Federate) GetValueDouble(handle ids.HandleId) (float64, error) {
	raw, err := f.core.ReadInput(ids.GlobalHandle{Federate: f.id, Local: handle}, decodeDouble)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	v, ok := decodeDouble(raw)
	if !ok {
		return 0, herrors.New(herrors.Discarded, 70, "value is not a double")
	}
	return v, nil
}

// SendMessage implements spec §4.6
// "send_message(EndpointHandle, destination, payload, time?) -> ()".
func (f *Federate) SendMessage(handle ids.HandleId, dest ids.GlobalHandle, payload []byte, at hltime.Time) error {
	f.mu.Lock()
	st := f.state
	f.mu.Unlock()
	if st != Executing && st != PendingTime {
		return invalidCall(71, fmt.Sprintf("send_message invalid in state %s", st))
	}
	msg := &action.Message{
		Action: action.CmdSendMessage, SourceID: f.id, SourceHandle: handle,
		DestID: dest.Federate, DestHandle: dest.Local, Payload: payload, ActionTime: at,
	}
	f.core.EnqueueMessage(msg)
	if f.fabric != nil {
		f.fabric.Dispatch(msg.Clone())
	}
	return nil
}

// GetMessage implements spec §4.6 "get_message(EndpointHandle?) ->
// Option<Message>": time-ordered across every endpoint this federate
// owns when handle is ids.InvalidHandle, per-endpoint otherwise.
func (f *Federate) GetMessage(handle ids.HandleId) *action.Message {
	gh := ids.GlobalHandle{}
	if handle != ids.InvalidHandle {
		gh = ids.GlobalHandle{Federate: f.id, Local: handle}
	}
	return f.core.GetMessage(gh)
}

// SetFlag/SetOption implement spec §4.6 "set_flag/option" for a single
// handle. Neither flag nor option name is interpreted locally; they are
// stored locally for query/introspection and are not sent upstream.
func (f *Federate) SetFlag(handle ids.HandleId, flag string, value bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d.%s", handle, flag)
	if value {
		f.options[key] = "true"
	} else {
		delete(f.options, key)
	}
}

func (f *Federate) SetOption(handle ids.HandleId, option, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.options[fmt.Sprintf("%d.%s", handle, option)] = value
}

// SetProperty implements spec §4.6 "set_property" for the
// federate-level time-coordinator tunables period/offset/rt_lag/rt_lead
// and the realtime toggle.
func (f *Federate) SetProperty(name string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch name {
	case "period":
		f.tc.SetPeriod(hltime.FromSeconds(value))
	case "offset":
		f.tc.SetOffset(hltime.FromSeconds(value))
	case "rt_lag":
		f.tc.SetRTLag(time.Duration(value * float64(time.Second)))
	case "rt_lead":
		f.tc.SetRTLead(time.Duration(value * float64(time.Second)))
	case "realtime":
		f.tc.SetRealtime(value != 0)
	default:
		return herrors.New(herrors.InvalidArgument, 72, fmt.Sprintf("unknown property %q", name))
	}
	return nil
}

// SetTag/GetTag and SetGlobal/GetGlobal implement spec §4.6
// "set_tag"/"set_global": arbitrary string metadata attached to this
// federate (tags) or published federation-wide (globals).
func (f *Federate) SetTag(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[key] = value
}

func (f *Federate) GetTag(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tags[key]
}

func (f *Federate) SetGlobal(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globals[key] = value
	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{
			Action: action.CmdSendCommand, SourceID: f.id, StringData: []string{"global", key, value},
		})
	}
}

func (f *Federate) GetGlobal(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.globals[key]
}

// SendCommand implements spec §4.6 "send_command": dispatches an
// arbitrary command string to target, which a receiving federate
// observes via WaitCommand/DeliverCommand.
func (f *Federate) SendCommand(target, cmd string) {
	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{
			Action: action.CmdSendCommand, SourceID: f.id, StringData: []string{target, cmd},
		})
	}
}

// DeliverCommand enqueues an inbound command for a blocked WaitCommand
// call to observe; when the queue is full the command is dropped. The
// hostHandler in cmd/helics-core does not route inbound CMD_SEND_COMMAND
// actions here, so only direct callers of DeliverCommand feed WaitCommand.
func (f *Federate) DeliverCommand(cmd string) {
	select {
	case f.commands <- cmd:
	default:
		f.log.Warn("federate: command queue full, dropping command")
	}
}

// WaitCommand implements spec §4.6 "wait_command", blocking until a
// command arrives or ctx is done.
func (f *Federate) WaitCommand(ctx context.Context) (string, error) {
	select {
	case cmd := <-f.commands:
		return cmd, nil
	case <-ctx.Done():
		return "", herrors.New(herrors.Timeout, 73, "wait_command timed out")
	}
}

// LocalError implements spec §4.6/§7 "local_error(code, msg)": the
// federate transitions to Errored and reports LOCAL_ERROR upstream, but
// the rest of the federation continues unless terminate_on_error is set
// (that policy is enforced by the broker, not here).
func (f *Federate) LocalError(code int, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = Errored
	f.lastError = herrors.New(herrors.Other, code, msg)
	f.cond.Broadcast()
	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{
			Action: action.CmdLocalError, SourceID: f.id, MessageID: int32(code),
			StringData: []string{msg}, Flags: action.FlagError,
		})
	}
	return f.lastError
}

// GlobalError implements spec §4.6/§7 "global_error(code, msg)":
// additionally triggers a federation-wide forced abort.
func (f *Federate) GlobalError(code int, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = Errored
	f.lastError = herrors.New(herrors.SystemFailure, code, msg)
	f.cond.Broadcast()
	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{
			Action: action.CmdGlobalError, SourceID: f.id, MessageID: int32(code), StringData: []string{msg},
		})
	}
	return f.lastError
}

// Finalize implements the Executing -> Terminating -> Finished
// transition (spec §4.6).
func (f *Federate) Finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Executing {
		return herrors.New(herrors.InvalidStateTransition, 74, fmt.Sprintf("finalize invalid in state %s", f.state))
	}
	f.state = Terminating
	if f.fabric != nil {
		f.fabric.Dispatch(&action.Message{Action: action.CmdDisconnect, SourceID: f.id})
	}
	// A finished federate must not constrain anyone still running:
	// release locally hosted dependents and leave the subtree
	// aggregate. Remote dependents are released by the broker when the
	// DISCONNECT above reaches it.
	f.core.DropSource(f.id)
	f.core.RemoveFederateCoordinator(f.id)
	f.state = Finished
	return nil
}

// ForceTerminate implements spec §5 "force_terminate(): cancels all
// in-flight operations by transitioning to Errored", unblocking any
// pending request_time/enter_executing_mode call immediately.
func (f *Federate) ForceTerminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = Errored
	f.cond.Broadcast()
}

func encodeDouble(v float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return buf
}

func decodeDouble(b []byte) (float64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), true
}
