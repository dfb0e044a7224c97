// Package routing implements the routing fabric base shared by brokers
// and cores (spec §4.3): the inbound priority/ordered queues, the
// single-threaded dispatch loop, the routing table, and the routing
// decision (local / routed / parent-fallback / drop). Broker- and
// core-specific command handling plug in via the Handler interface,
// mirroring process_command_priority/process_command as the "virtual
// points" the spec calls out.
//
// Grounded on the teacher's goroutine-per-connection dispatch in
// protocol/go/transport.go and broker/broker.go's handler-map
// registration pattern, adapted to a single dispatch goroutine per
// node as spec §5 requires ("sole mutator of routing tables... no
// locks on these structures").
package routing

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/GMLC-TDC/HELICS-sub006/internal/action"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
	"github.com/GMLC-TDC/HELICS-sub006/internal/transport"
)

// Handler implements the two virtual dispatch points a broker or core
// fills in with its own command semantics.
type Handler interface {
	ProcessCommandPriority(msg *action.Message)
	ProcessCommand(msg *action.Message)
}

// Fabric is the routing/dispatch base embedded by broker and core
// implementations.
type Fabric struct {
	id       ids.GlobalId
	isRoot   bool
	tr       transport.Transport
	handler  Handler
	log      *logrus.Entry

	mu     sync.RWMutex
	routes map[ids.GlobalId]ids.RouteId

	priorityQueue chan *action.Message
	orderedQueue  chan *action.Message

	stop chan struct{}
	done chan struct{}
}

// New creates a Fabric for node id, transmitting through tr and
// dispatching decoded messages to handler. isRoot controls whether an
// unroutable destination falls back to the parent route (non-root) or
// is logged and dropped (root), per spec §4.3's routing decision.
func New(id ids.GlobalId, isRoot bool, tr transport.Transport, handler Handler, log *logrus.Entry) *Fabric {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	f := &Fabric{
		id:            id,
		isRoot:        isRoot,
		tr:            tr,
		handler:       handler,
		log:           log,
		routes:        make(map[ids.GlobalId]ids.RouteId),
		priorityQueue: make(chan *action.Message, 1024),
		orderedQueue:  make(chan *action.Message, 1024),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if tr != nil {
		tr.SetCallback(f.enqueue)
	}
	return f
}

// SetHandler installs the dispatch handler. It exists to break the
// construction cycle between a Fabric and the broker/core Handler that
// embeds it: construct the Fabric with a nil handler, construct the
// broker/core with that Fabric, then call SetHandler with the
// broker/core itself.
func (f *Fabric) SetHandler(h Handler) { f.handler = h }

// enqueue is the transport callback: it classifies the message's
// channel and posts it to the matching inbound queue.
func (f *Fabric) enqueue(msg *action.Message) {
	switch msg.Channel() {
	case action.PriorityChannel:
		f.priorityQueue <- msg
	default:
		f.orderedQueue <- msg
	}
}

// Inject posts msg directly to the fabric's inbound queues, used by
// in-process callers (a local federate's core, or tests) that bypass
// the transport layer entirely.
func (f *Fabric) Inject(msg *action.Message) { f.enqueue(msg) }

// Run executes the dispatch loop until Stop is called (spec §4.3
// "Dispatch loop (single-threaded per node)"). It must run on its own
// goroutine; every mutation of the routing table happens from within
// this loop.
func (f *Fabric) Run() {
	defer close(f.done)
	for {
		f.drainPriority()
		select {
		case <-f.stop:
			return
		default:
		}
		select {
		case msg := <-f.orderedQueue:
			f.handler.ProcessCommand(msg)
		case msg := <-f.priorityQueue:
			f.handler.ProcessCommandPriority(msg)
		case <-f.stop:
			return
		}
	}
}

// drainPriority processes every message presently queued on the
// priority channel before returning, per spec §4.3 step 1.
func (f *Fabric) drainPriority() {
	for {
		select {
		case msg := <-f.priorityQueue:
			f.handler.ProcessCommandPriority(msg)
		default:
			return
		}
	}
}

// Stop signals the dispatch loop to exit and blocks until it has.
func (f *Fabric) Stop() {
	close(f.stop)
	<-f.done
}

// AddRoute installs or replaces the binding dest -> route and
// propagates it to the transport layer (spec §4.3 "Add/remove route").
// An empty address binds the routing table only, for destinations
// reached over a connection the transport already owns (a relayed
// registration routed back through its relaying node).
func (f *Fabric) AddRoute(dest ids.GlobalId, route ids.RouteId, address string) error {
	f.mu.Lock()
	f.routes[dest] = route
	f.mu.Unlock()
	if f.tr == nil || address == "" {
		return nil
	}
	return f.tr.AddRoute(route, address)
}

// RemoveRoute uninstalls dest's routing entry. Removals are local
// only, per spec.
func (f *Fabric) RemoveRoute(dest ids.GlobalId) {
	f.mu.Lock()
	route, ok := f.routes[dest]
	delete(f.routes, dest)
	f.mu.Unlock()
	if ok && f.tr != nil {
		f.tr.RemoveRoute(route)
	}
}

// RouteFor returns the route installed for dest, if any.
func (f *Fabric) RouteFor(dest ids.GlobalId) (ids.RouteId, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.routes[dest]
	return r, ok
}

// Dispatch implements the routing decision of spec §4.3: local
// delivery, routed transmission, parent fallback, or drop.
func (f *Fabric) Dispatch(msg *action.Message) {
	if msg.DestID == f.id {
		switch msg.Channel() {
		case action.PriorityChannel:
			f.handler.ProcessCommandPriority(msg)
		default:
			f.handler.ProcessCommand(msg)
		}
		return
	}

	if route, ok := f.RouteFor(msg.DestID); ok {
		f.transmit(route, msg)
		return
	}

	if !f.isRoot {
		f.transmit(ids.ParentRoute, msg)
		return
	}

	f.log.WithFields(logrus.Fields{
		"dest":   msg.DestID,
		"action": msg.Action,
	}).Warn("routing: unknown route, dropping message")
}

// TransmitDirect sends msg over route without consulting the routing
// table, bypassing GlobalId-based addressing. Used for the
// registration handshake, where a requester has no assigned GlobalId
// yet and can only be reached by the connection it registered on.
func (f *Fabric) TransmitDirect(route ids.RouteId, msg *action.Message) {
	f.transmit(route, msg)
}

func (f *Fabric) transmit(route ids.RouteId, msg *action.Message) {
	if f.tr == nil {
		return
	}
	if err := f.tr.Transmit(route, msg); err != nil {
		f.log.WithError(err).WithField("route", route).Warn("routing: transmit failed")
	}
}

// HandleNewRoute applies a NEW_ROUTE action: binds the carried
// (global_id, address) pair into the local table (spec §4.3
// "Add/remove route"). It does not forward the action to any other node.
func (f *Fabric) HandleNewRoute(msg *action.Message) error {
	if len(msg.StringData) < 1 {
		return nil
	}
	address := msg.StringData[0]
	route := ids.RouteId(msg.SourceHandle)
	return f.AddRoute(msg.DestID, route, address)
}
