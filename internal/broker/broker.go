// Package broker implements the Broker Logic of spec §4.4: the
// registration protocol for subordinate brokers/cores, global
// interface-registration forwarding, connection resolution (LINK),
// query routing, time barriers, and disconnection orchestration.
//
// Renamed and restructured from the teacher's agent-orchestration
// vocabulary (_examples/sweght-FEM-Protocol/broker/broker.go and
// federation_manager.go, both registration/handler-map-driven) into
// the federation vocabulary this spec names; the handler-dispatch
// shape (a switch on action kind calling one method per kind, invoked
// from a single goroutine) is kept from the teacher.
package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GMLC-TDC/HELICS-sub006/internal/action"
	"github.com/GMLC-TDC/HELICS-sub006/internal/capability"
	"github.com/GMLC-TDC/HELICS-sub006/internal/herrors"
	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
	"github.com/GMLC-TDC/HELICS-sub006/internal/registry"
	"github.com/GMLC-TDC/HELICS-sub006/internal/routing"
)

// NodeKind distinguishes a subordinate broker, core, or federate in the
// subtree registry.
type NodeKind int

const (
	NodeBroker NodeKind = iota
	NodeCore
	NodeFederate
)

// SubtreeNode is one entry in a broker's subtree_registry.
type SubtreeNode struct {
	ID      ids.GlobalId
	Kind    NodeKind
	Name    string
	Route   ids.RouteId
	Sealed  bool
}

// capabilityTTL is how long a registration capability token remains
// valid before the node holding it must re-register to get a fresh one.
const capabilityTTL = 24 * time.Hour

func scopeForKind(kind NodeKind) string {
	switch kind {
	case NodeBroker:
		return "broker"
	case NodeCore:
		return "core"
	default:
		return "federate"
	}
}

func permissionsForKind(kind NodeKind) []string {
	switch kind {
	case NodeBroker:
		return []string{"register", "query", "route", "disconnect"}
	case NodeCore:
		return []string{"register", "query", "publish", "disconnect"}
	default:
		return []string{"query", "publish", "disconnect"}
	}
}

// FederationPhase tracks whether the federation as a whole still
// admits new registrations.
type FederationPhase int

const (
	PhaseInitializing FederationPhase = iota
	PhaseSealed
	PhaseErrored
)

// QueryResponder resolves a query target name to a JSON-encodable
// answer; callers outside this package (the admin/query surface)
// register handlers here for "federation"/"root" and named targets.
type QueryResponder func(target, query string) (interface{}, error)

// Broker is the broker-logic handler plugged into a routing.Fabric as
// its Handler. It is not itself goroutine-safe from the outside; every
// exported Process* method is expected to be invoked only from the
// owning Fabric's single dispatch goroutine, per spec §5.
type Broker struct {
	id       ids.GlobalId
	isRoot   bool
	name     string
	fabric   *routing.Fabric
	reg      *registry.Registry
	log      *logrus.Entry

	phase FederationPhase

	mu               sync.Mutex
	subtree          map[ids.GlobalId]*SubtreeNode
	nextID           ids.GlobalId
	pendingByName    map[string]ids.RouteId // name -> route awaiting ACK, for non-root forwarding
	knownDeps        map[ids.GlobalId][]ids.GlobalId // publisher federate -> dependent federates
	nodeFeds         map[ids.GlobalId][]ids.GlobalId // hosting core/broker -> federates it registered
	timeBarrier      hltime.Time
	timeBarrierSeq   int32
	pendingQueries   map[int32]chan *action.Message
	nextQuerySeq     int32
	queryResponder   QueryResponder
	capMgr           *capability.Manager

	terminateOnError bool

	disconnected chan struct{}
	discOnce     sync.Once
}

// New creates a Broker. isRoot selects root registration-granting
// behavior vs. forward-upward behavior (spec §4.4 "Registration
// protocol").
func New(id ids.GlobalId, name string, isRoot bool, fabric *routing.Fabric, reg *registry.Registry, log *logrus.Entry) *Broker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Broker{
		id:             id,
		isRoot:         isRoot,
		name:           name,
		fabric:         fabric,
		reg:            reg,
		log:            log,
		phase:          PhaseInitializing,
		subtree:        make(map[ids.GlobalId]*SubtreeNode),
		nextID:         ids.FirstAssignable,
		pendingByName:  make(map[string]ids.RouteId),
		knownDeps:      make(map[ids.GlobalId][]ids.GlobalId),
		nodeFeds:       make(map[ids.GlobalId][]ids.GlobalId),
		timeBarrier:    hltime.MaxTime,
		pendingQueries: make(map[int32]chan *action.Message),
		disconnected:   make(chan struct{}),
	}
}

// SetQueryResponder installs the callback used to answer "federation"/
// "root"/named-target queries (spec §4.4 "Query routing").
func (b *Broker) SetQueryResponder(r QueryResponder) { b.queryResponder = r }

// SetTerminateOnError selects whether a federate's LOCAL_ERROR tears
// the whole federation down (spec §7 "--terminate_on_error") instead
// of only disconnecting the errored federate.
func (b *Broker) SetTerminateOnError(v bool) { b.terminateOnError = v }

// SetCapabilityManager installs a capability.Manager so registration
// ACKs carry a signed token scoping what priority-channel commands the
// newly admitted node may issue. Left nil, ACKs carry no token, as
// before this was wired in.
func (b *Broker) SetCapabilityManager(m *capability.Manager) { b.capMgr = m }

// ProcessCommandPriority implements routing.Handler for every priority
// channel action the broker handles: registration, ack, query,
// disconnect, barrier commands.
func (b *Broker) ProcessCommandPriority(msg *action.Message) {
	switch msg.Action {
	case action.CmdRegBroker:
		b.handleRegistration(msg, NodeBroker)
	case action.CmdRegCore:
		b.handleRegistration(msg, NodeCore)
	case action.CmdRegFed:
		b.handleRegistration(msg, NodeFederate)
	case action.CmdRegPub, action.CmdRegInput, action.CmdRegEndpoint, action.CmdRegFilter:
		b.handleInterfaceRegistration(msg)
	case action.CmdAck:
		b.handleAck(msg)
	case action.CmdQuery:
		b.handleQuery(msg)
	case action.CmdQueryReply:
		b.handleQueryReply(msg)
	case action.CmdSetTimeBarrier:
		b.handleSetTimeBarrier(msg)
	case action.CmdClearTimeBarrier:
		b.handleClearTimeBarrier(msg)
	case action.CmdDisconnect:
		b.handleDisconnect(msg)
	case action.CmdLocalError:
		b.handleLocalError(msg)
	case action.CmdGlobalError:
		b.handleGlobalError(msg)
	case action.CmdTerminate:
		b.handleGlobalError(&action.Message{
			Action:     action.CmdGlobalError,
			SourceID:   msg.SourceID,
			MessageID:  msg.MessageID,
			StringData: []string{"terminate"},
		})
	case action.CmdExecRequest:
		b.handleExecRequest(msg)
	case action.CmdNewRoute:
		_ = b.fabric.HandleNewRoute(msg)
	case action.CmdProtocol, action.CmdProtocolConnectionRequest:
		// First frame of the transport handshake (spec §6): acknowledge
		// the connection so the peer proceeds to REG_BROKER/REG_CORE.
		b.fabric.TransmitDirect(ids.RouteId(msg.SourceHandle), &action.Message{
			Action: action.CmdProtocolConnectionAck, SourceID: b.id,
		})
	case action.CmdProtocolError:
		b.log.WithField("detail", msg.StringData).Warn("broker: transport reported protocol error")
	default:
		b.log.WithField("action", msg.Action).Debug("broker: unhandled priority action")
	}
}

// ProcessCommand implements routing.Handler for ordered channel
// actions. Time-coordination reports and publication values fan out
// to their dependents via the dependency edges recorded at LINK
// resolution; other ordered traffic (addressed messages) routes
// through without broker-local handling.
func (b *Broker) ProcessCommand(msg *action.Message) {
	switch msg.Action {
	case action.CmdTimeRequest, action.CmdTimeGrant, action.CmdTimeCheck:
		b.forwardTimeReport(msg)
	case action.CmdPubData:
		b.forwardPubData(msg)
	case action.CmdQueryOrdered:
		// ORDERED-mode query (spec §4.4): answered only after all prior
		// ordered work, which holds by construction since this runs from
		// the ordered side of the dispatch loop.
		b.handleQuery(msg)
	default:
		if msg.DestID != b.id {
			b.fabric.Dispatch(msg)
		}
	}
}

// forwardTimeReport re-addresses a Te/Tdemin report as a TIME_CHECK to
// every federate depending on its source, so a dependent hosted by a
// different core still sees its source's time advance (spec §4.7
// "Upstream report"). A report from a core is its subtree aggregate
// (spec §4.5 "only the aggregate is forwarded") and speaks for every
// federate that core registered: it is expanded here, one TIME_CHECK
// per (hosted federate, dependent) edge, with the aggregate Te as a
// conservative lower bound on each hosted federate's time. Dependents
// on the reporting core itself are skipped; they were already notified
// in-process. A report already addressed to a concrete destination is
// additionally routed onward.
func (b *Broker) forwardTimeReport(msg *action.Message) {
	type edge struct{ src, dep ids.GlobalId }

	b.mu.Lock()
	hosted := append([]ids.GlobalId(nil), b.nodeFeds[msg.SourceID]...)
	sources := hosted
	if len(sources) == 0 {
		sources = []ids.GlobalId{msg.SourceID}
	}
	var edges []edge
	for _, src := range sources {
		for _, dep := range b.knownDeps[src] {
			if dep == src || containsID(hosted, dep) {
				continue
			}
			edges = append(edges, edge{src, dep})
		}
	}
	b.mu.Unlock()

	for _, e := range edges {
		fwd := msg.Clone()
		fwd.Action = action.CmdTimeCheck
		fwd.SourceID = e.src
		fwd.DestID = e.dep
		b.fabric.Dispatch(fwd)
	}

	if msg.DestID == b.id || msg.DestID == ids.UnknownId {
		if !b.isRoot {
			b.fabric.TransmitDirect(ids.ParentRoute, msg)
		}
		return
	}
	b.fabric.Dispatch(msg)
}

// forwardPubData fans a publication's value out to every subscriber of
// the publishing federate, one correctly addressed copy per dependent.
// PUB_DATA leaves the publisher with no destination of its own — the
// publisher does not know who subscribes — so the fan-out happens
// here, against the same dependency edges LINK resolution recorded.
// Subscribers hosted by the publisher's own core are skipped; that
// core already distributed the value in-process.
func (b *Broker) forwardPubData(msg *action.Message) {
	b.mu.Lock()
	deps := append([]ids.GlobalId(nil), b.knownDeps[msg.SourceID]...)
	var host []ids.GlobalId
	for _, feds := range b.nodeFeds {
		if containsID(feds, msg.SourceID) {
			host = feds
			break
		}
	}
	b.mu.Unlock()

	for _, dep := range deps {
		if dep == msg.SourceID || containsID(host, dep) {
			continue
		}
		fwd := msg.Clone()
		fwd.DestID = dep
		b.fabric.Dispatch(fwd)
	}

	if msg.DestID == b.id || msg.DestID == ids.UnknownId {
		if !b.isRoot {
			b.fabric.TransmitDirect(ids.ParentRoute, msg)
		}
		return
	}
	b.fabric.Dispatch(msg)
}

// handleRegistration implements spec §4.4's registration protocol.
// StringData carries [name] or [name, listen_address]; an address is
// present when the registrant holds its own transport connection (a
// broker or core dialing in directly), absent when the registration is
// relayed by an already-admitted node (a core forwarding REG_FED),
// in which case replies route back through the relaying node.
func (b *Broker) handleRegistration(msg *action.Message, kind NodeKind) {
	name := ""
	if len(msg.StringData) > 0 {
		name = msg.StringData[0]
	}
	address := ""
	if len(msg.StringData) > 1 {
		address = msg.StringData[1]
	}

	requesterRoute := ids.RouteId(msg.SourceHandle)
	if !msg.SourceID.IsReserved() && msg.SourceID != b.id {
		if r, ok := b.fabric.RouteFor(msg.SourceID); ok {
			requesterRoute = r
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase == PhaseSealed {
		b.fabric.TransmitDirect(requesterRoute, &action.Message{Action: action.CmdDisconnect, SourceID: b.id})
		return
	}
	for _, n := range b.subtree {
		if n.Name == name {
			b.fabric.TransmitDirect(requesterRoute, &action.Message{
				Action: action.CmdError, SourceID: b.id, StringData: []string{name, "reg_already_exists"},
			})
			return
		}
	}

	if b.isRoot {
		assigned := b.nextID
		b.nextID++
		route := requesterRoute
		if address != "" {
			// The registrant listens on its own address: give it a
			// dedicated outbound route keyed by its new id.
			route = ids.RouteId(assigned)
		}
		b.subtree[assigned] = &SubtreeNode{ID: assigned, Kind: kind, Name: name, Route: route}
		_ = b.fabric.AddRoute(assigned, route, address)
		if kind == NodeFederate && !msg.SourceID.IsReserved() && msg.SourceID != b.id {
			// Remember which node relayed this federate's registration:
			// that node's aggregate time reports speak for it
			// (forwardTimeReport), and value fan-out skips dependents it
			// hosts (forwardPubData).
			b.nodeFeds[msg.SourceID] = appendUniqueID(b.nodeFeds[msg.SourceID], assigned)
		}
		ack := &action.Message{
			Action: action.CmdAck, SourceID: b.id, DestID: assigned, StringData: []string{name},
		}
		if b.capMgr != nil {
			if token, err := b.capMgr.Issue(scopeForKind(kind), b.name, name, permissionsForKind(kind), capabilityTTL); err == nil {
				ack.StringData = append(ack.StringData, token)
			} else {
				b.log.WithError(err).Warn("broker: failed to issue registration capability token")
			}
		}
		b.fabric.TransmitDirect(route, ack)
		return
	}

	// Non-root: forward upward on the priority channel and remember who
	// to reply to once the parent's ACK arrives.
	b.pendingByName[name] = requesterRoute
	fwd := msg.Clone()
	fwd.SourceID = b.id
	b.fabric.Dispatch(fwd)
}

// RegisterLocalFederate admits a federate hosted in the same process as
// this broker directly, without a transport round trip — the "INPROC"/
// "TEST" core type path spec.md §6 names, where a federate and its
// broker never leave one process.
func (b *Broker) RegisterLocalFederate(name string) (ids.GlobalId, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase == PhaseSealed {
		return ids.UnknownId, herrors.New(herrors.RegistrationFailure, 15, "federation sealed")
	}
	for _, n := range b.subtree {
		if n.Name == name {
			return ids.UnknownId, herrors.New(herrors.RegistrationFailure, 10, "reg_already_exists")
		}
	}
	if !b.isRoot {
		return ids.UnknownId, herrors.New(herrors.RegistrationFailure, 16, "only the root broker admits local federates directly")
	}

	assigned := b.nextID
	b.nextID++
	b.subtree[assigned] = &SubtreeNode{ID: assigned, Kind: NodeFederate, Name: name}
	return assigned, nil
}

func (b *Broker) handleAck(msg *action.Message) {
	if b.isRoot {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	name := ""
	if len(msg.StringData) > 0 {
		name = msg.StringData[0]
	}
	route, ok := b.pendingByName[name]
	if !ok {
		return
	}
	delete(b.pendingByName, name)
	assigned := msg.DestID
	_ = b.fabric.AddRoute(assigned, route, "")
	down := msg.Clone()
	down.DestID = assigned
	b.fabric.Dispatch(down)
}

// handleInterfaceRegistration forwards publication/input/endpoint/
// filter registrations to the root's global handle table, or — if this
// node is root — registers directly and reports duplicate-name errors
// back to the owning federate. StringData carries [name] or, for an
// input subscribing to a known publication or an endpoint targeting
// another endpoint, [name, target].
func (b *Broker) handleInterfaceRegistration(msg *action.Message) {
	if !b.isRoot {
		fwd := msg.Clone()
		b.fabric.Dispatch(fwd)
		return
	}
	if len(msg.StringData) == 0 {
		return
	}
	name := msg.StringData[0]
	kind := interfaceKind(msg.Action)
	entry := &registry.Entry{
		Name:     name,
		Federate: msg.SourceID,
		Handle:   ids.GlobalHandle{Federate: msg.SourceID, Local: msg.SourceHandle},
		Kind:     kind,
	}
	if err := b.reg.Register(entry); err != nil {
		b.replyError(msg, err)
		return
	}

	var target string
	if len(msg.StringData) > 1 {
		target = msg.StringData[1]
	}
	b.resolveConnections(name, target, entry)
}

func interfaceKind(a action.Kind) ids.HandleKind {
	switch a {
	case action.CmdRegPub:
		return ids.HandlePublication
	case action.CmdRegInput:
		return ids.HandleInput
	case action.CmdRegEndpoint:
		return ids.HandleEndpoint
	case action.CmdRegFilter:
		return ids.HandleFilter
	default:
		return ids.HandlePublication
	}
}

// resolveConnections emits LINK actions once a handle's counterparty
// is known, per spec §4.4 "Connection resolution". For an input or a
// filter, target names the publication or endpoint it binds to. For a
// publication or endpoint, any previously registered subscribers or
// targets recorded against its name are linked back.
func (b *Broker) resolveConnections(name, target string, entry *registry.Entry) {
	switch entry.Kind {
	case ids.HandleInput:
		if target == "" {
			return
		}
		if err := b.reg.Subscribe(name, target); err != nil {
			b.replyError(&action.Message{SourceID: entry.Federate, SourceHandle: entry.Handle.Local}, err)
			return
		}
		if pub, ok := b.reg.Lookup(target); ok {
			b.sendLink(pub, entry)
		}
	case ids.HandlePublication:
		for _, subName := range b.reg.SubscribersOf(name) {
			if sub, ok := b.reg.Lookup(subName); ok {
				b.sendLink(entry, sub)
			}
		}
	case ids.HandleEndpoint:
		if target != "" {
			b.reg.LinkEndpoints(name, target)
			if dst, ok := b.reg.Lookup(target); ok {
				b.sendLink(entry, dst)
			}
		}
		for _, target := range b.reg.TargetsOf(name) {
			if dst, ok := b.reg.Lookup(target); ok {
				b.sendLink(entry, dst)
			}
		}
	case ids.HandleFilter:
		if target != "" {
			b.reg.AttachFilter(target, name)
		}
	}
}

// sendLink emits the LINK action to both sides and records the
// dependency edge (dst's federate now depends on src's), so later
// time reports from src fan out to dst (forwardTimeReport) and src's
// disconnection releases dst (handleDisconnect).
func (b *Broker) sendLink(src, dst *registry.Entry) {
	b.mu.Lock()
	b.knownDeps[src.Federate] = appendUniqueID(b.knownDeps[src.Federate], dst.Federate)
	b.mu.Unlock()
	b.fabric.Dispatch(&action.Message{
		Action:       action.CmdLink,
		SourceID:     src.Federate,
		SourceHandle: src.Handle.Local,
		DestID:       dst.Federate,
		DestHandle:   dst.Handle.Local,
	})
}

// handleQuery implements spec §4.4 "Query routing".
func (b *Broker) handleQuery(msg *action.Message) {
	if len(msg.StringData) < 2 {
		return
	}
	target, query := msg.StringData[0], msg.StringData[1]

	if target == "federation" || target == "root" || target == b.name {
		b.answerQueryLocally(msg, target, query)
		return
	}

	b.mu.Lock()
	for _, n := range b.subtree {
		if n.Name == target {
			b.mu.Unlock()
			b.fabric.Dispatch(msg)
			return
		}
	}
	b.mu.Unlock()

	b.reply(msg, action.CmdQueryReply, []string{`{"error":"#invalid"}`})
}

func (b *Broker) answerQueryLocally(msg *action.Message, target, query string) {
	if b.queryResponder == nil {
		b.reply(msg, action.CmdQueryReply, []string{`{"error":"#invalid"}`})
		return
	}
	answer, err := b.queryResponder(target, query)
	if err != nil {
		b.reply(msg, action.CmdQueryReply, []string{`{"error":"#invalid"}`})
		return
	}
	encoded, encErr := json.Marshal(answer)
	if encErr != nil {
		b.reply(msg, action.CmdQueryReply, []string{`{"error":"#invalid"}`})
		return
	}
	b.reply(msg, action.CmdQueryReply, []string{string(encoded)})
}

func (b *Broker) handleQueryReply(msg *action.Message) {
	b.mu.Lock()
	ch, ok := b.pendingQueries[msg.SequenceID]
	if ok {
		delete(b.pendingQueries, msg.SequenceID)
	}
	b.mu.Unlock()
	if ok {
		ch <- msg
		return
	}
	// Not one of ours: route onward. A reply addressed to this broker
	// with no pending entry (the waiter timed out) is dropped rather
	// than redispatched to ourselves.
	if msg.DestID != b.id {
		b.fabric.Dispatch(msg)
	}
}

// queryTimeout bounds how long Query waits for a reply before giving
// up (spec §5: every blocking call accepts a timeout).
const queryTimeout = 30 * time.Second

// Query issues a query for target and blocks for its reply, used by
// the admin/query HTTP surface. mode selects the channel: CmdQuery for
// FAST (priority), CmdQueryOrdered for ORDERED (spec §4.4 "Query
// routing"); anything else is treated as FAST.
func (b *Broker) Query(target, query string, mode action.Kind) (string, error) {
	if mode != action.CmdQueryOrdered {
		mode = action.CmdQuery
	}

	b.mu.Lock()
	seq := b.nextQuerySeq
	b.nextQuerySeq++
	ch := make(chan *action.Message, 1)
	b.pendingQueries[seq] = ch
	b.mu.Unlock()

	b.fabric.Dispatch(&action.Message{
		Action:     mode,
		SourceID:   b.id,
		SequenceID: seq,
		StringData: []string{target, query},
	})

	select {
	case reply := <-ch:
		if len(reply.StringData) == 0 {
			return "", herrors.New(herrors.ExecutionFailure, 40, "empty query reply")
		}
		return reply.StringData[0], nil
	case <-time.After(queryTimeout):
		b.mu.Lock()
		delete(b.pendingQueries, seq)
		b.mu.Unlock()
		return "", herrors.New(herrors.Timeout, 41, "query timed out")
	}
}

// handleSetTimeBarrier installs T_b and broadcasts it on the priority
// channel to every known subtree node (spec §4.4 "Time barriers").
func (b *Broker) handleSetTimeBarrier(msg *action.Message) {
	b.mu.Lock()
	if msg.SequenceID < b.timeBarrierSeq {
		b.mu.Unlock()
		return
	}
	b.timeBarrierSeq = msg.SequenceID
	b.timeBarrier = msg.ActionTime
	b.mu.Unlock()
	b.broadcast(msg)
}

func (b *Broker) handleClearTimeBarrier(msg *action.Message) {
	b.mu.Lock()
	if msg.SequenceID < b.timeBarrierSeq {
		b.mu.Unlock()
		return
	}
	b.timeBarrierSeq = msg.SequenceID
	b.timeBarrier = hltime.MaxTime
	b.mu.Unlock()
	b.broadcast(msg)
}

// TimeBarrier returns the broker's current barrier value, or
// hltime.MaxTime if none is set.
func (b *Broker) TimeBarrier() hltime.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeBarrier
}

// Subtree returns a snapshot of every broker/core/federate registered
// under this node, for the admin/query surface's brokers/cores/
// federates well-known queries (spec §6).
func (b *Broker) Subtree() []SubtreeNode {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SubtreeNode, 0, len(b.subtree))
	for _, n := range b.subtree {
		out = append(out, *n)
	}
	return out
}

func (b *Broker) broadcast(msg *action.Message) {
	b.mu.Lock()
	nodes := make([]*SubtreeNode, 0, len(b.subtree))
	for _, n := range b.subtree {
		nodes = append(nodes, n)
	}
	b.mu.Unlock()
	for _, n := range nodes {
		fwd := msg.Clone()
		fwd.DestID = n.ID
		b.fabric.Dispatch(fwd)
	}
}

// handleDisconnect implements the graceful path of spec §4.4
// "Disconnection": remove the sender from the subtree, retire its
// registered interfaces, tell its dependents it is gone, and propagate.
func (b *Broker) handleDisconnect(msg *action.Message) {
	if b.isRoot && b.reg != nil {
		for _, e := range b.reg.All() {
			if e.Federate == msg.SourceID {
				b.reg.Unregister(e.Name)
			}
		}
	}

	b.mu.Lock()
	deps := b.knownDeps[msg.SourceID]
	delete(b.knownDeps, msg.SourceID)
	delete(b.subtree, msg.SourceID)
	delete(b.nodeFeds, msg.SourceID)
	for node, feds := range b.nodeFeds {
		for i, f := range feds {
			if f == msg.SourceID {
				b.nodeFeds[node] = append(feds[:i], feds[i+1:]...)
				break
			}
		}
	}
	empty := len(b.subtree) == 0
	b.mu.Unlock()

	// A departed publisher must stop constraining its dependents'
	// grants: forward its DISCONNECT to each so their cores drop the
	// dependency edge.
	for _, dep := range deps {
		fwd := msg.Clone()
		fwd.DestID = dep
		b.fabric.Dispatch(fwd)
	}

	if !b.isRoot {
		fwd := msg.Clone()
		b.fabric.Dispatch(fwd)
	}
	if empty {
		b.mu.Lock()
		b.phase = PhaseSealed
		b.mu.Unlock()
		b.discOnce.Do(func() { close(b.disconnected) })
	}
}

// handleLocalError implements spec §7's local-error policy: the
// errored federate is treated as disconnected and the rest of the
// federation continues — unless terminate_on_error is set, in which
// case the error escalates to a federation-wide abort.
func (b *Broker) handleLocalError(msg *action.Message) {
	b.log.WithFields(logrus.Fields{
		"source": msg.SourceID,
		"code":   msg.MessageID,
	}).Warn("broker: federate reported local error")

	if b.terminateOnError {
		b.handleGlobalError(&action.Message{
			Action:     action.CmdGlobalError,
			SourceID:   msg.SourceID,
			MessageID:  msg.MessageID,
			StringData: msg.StringData,
		})
		return
	}
	b.handleDisconnect(&action.Message{Action: action.CmdDisconnect, SourceID: msg.SourceID})
}

// handleExecRequest runs the executing-mode readiness check when a
// federate asks to enter executing: at the root, every filter target
// must name a registered endpoint by now (spec §3 interface-registry
// invariant 3). A violation is reported back to the requesting
// federate as an ERROR.
func (b *Broker) handleExecRequest(msg *action.Message) {
	if !b.isRoot {
		b.fabric.TransmitDirect(ids.ParentRoute, msg.Clone())
		return
	}
	if b.reg == nil {
		return
	}
	if err := b.reg.ValidateExecutingReady(); err != nil {
		b.replyError(msg, err)
	}
}

// handleGlobalError implements the forced path: broadcast GLOBAL_ERROR
// to the whole subtree and transition to Errored.
func (b *Broker) handleGlobalError(msg *action.Message) {
	b.mu.Lock()
	b.phase = PhaseErrored
	b.mu.Unlock()
	b.broadcast(msg)
	b.discOnce.Do(func() { close(b.disconnected) })
}

// WaitForDisconnect blocks until this broker reaches a disconnected
// phase (every subordinate gone, or a federation-wide error) or d
// elapses, reporting which (spec §4.4 "waitForDisconnect"). Repeated
// calls are idempotent.
func (b *Broker) WaitForDisconnect(d time.Duration) bool {
	select {
	case <-b.disconnected:
		return true
	case <-time.After(d):
		return false
	}
}

// GlobalError triggers a federation-wide forced disconnect, per spec
// §4.4.
func (b *Broker) GlobalError(code int, reason string) {
	b.handleGlobalError(&action.Message{
		Action:     action.CmdGlobalError,
		SourceID:   b.id,
		MessageID:  int32(code),
		StringData: []string{reason},
	})
}

// Phase returns the broker's current federation-lifecycle phase.
func (b *Broker) Phase() FederationPhase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

func (b *Broker) reply(msg *action.Message, kind action.Kind, strings []string) {
	b.fabric.Dispatch(&action.Message{
		Action:     kind,
		SourceID:   b.id,
		DestID:     msg.SourceID,
		SequenceID: msg.SequenceID,
		StringData: strings,
	})
}

func appendUniqueID(list []ids.GlobalId, v ids.GlobalId) []ids.GlobalId {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func containsID(list []ids.GlobalId, v ids.GlobalId) bool {
	for _, existing := range list {
		if existing == v {
			return true
		}
	}
	return false
}

func (b *Broker) replyError(msg *action.Message, err error) {
	b.fabric.Dispatch(&action.Message{
		Action:     action.CmdError,
		SourceID:   b.id,
		DestID:     msg.SourceID,
		DestHandle: msg.SourceHandle,
		StringData: []string{err.Error()},
		Flags:      action.FlagError,
	})
}
