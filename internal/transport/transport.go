// Package transport defines the abstract transport contract (spec
// §4.2) that every concrete wire transport (TLS/TCP here; ZMQ, UDP,
// IPC, in-process elsewhere) must satisfy, and ships one concrete
// implementation — a TLS stream transport grounded on the teacher's
// protocol/go/transport.go and broker/main.go self-signed certificate
// handling.
package transport

import (
	"github.com/GMLC-TDC/HELICS-sub006/internal/action"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
)

// Callback is invoked once per received Action Message. Delivery is
// serialized: exactly one call is in flight per Transport instance at a
// time (spec §4.2 Concurrency).
type Callback func(msg *action.Message)

// Transport is the abstract contract every concrete transport
// implements. Transmit is safe to call from any goroutine; everything
// else is expected to be driven from a single owning goroutine (the
// routing fabric's dispatch loop).
type Transport interface {
	// Connect establishes both rx and tx sides of the transport at the
	// given local/remote addresses. Idempotent.
	Connect(local, remote string) error

	// Transmit enqueues msg for delivery on routeID's outbound channel.
	// Non-blocking; delivers exactly once, in order, per route. If
	// routeID is unknown and no broker fallback exists, the message is
	// silently dropped (spec §4.2).
	Transmit(routeID ids.RouteId, msg *action.Message) error

	// AddRoute installs (or replaces, if routeID already exists) the
	// outbound channel binding routeID -> address.
	AddRoute(routeID ids.RouteId, address string) error

	// RemoveRoute uninstalls routeID's outbound channel.
	RemoveRoute(routeID ids.RouteId)

	// SetCallback installs the per-message dispatch callback, delivered
	// on a dedicated receive goroutine.
	SetCallback(cb Callback)

	// Listen begins accepting inbound connections at address, handing
	// decoded frames to the installed callback. It blocks until the
	// listener is closed.
	Listen(address string) error

	// Disconnect begins graceful shutdown: close_receiver first flushes
	// in-flight frames, then close_transmitter releases sockets.
	// Idempotent.
	Disconnect() error
}

// ErrorAction is the distinguished action used to report transport-level
// failures (bind failure, resolve failure, peer closed) back through the
// callback, per spec §4.2's failure model. The routing fabric decides
// retry vs escalation upon receiving one.
func ErrorAction(reason string) *action.Message {
	return &action.Message{
		Action:     action.CmdProtocolError,
		StringData: []string{reason},
		Flags:      action.FlagError,
	}
}
