// Package action implements the Action Message: the universal,
// tagged-union command envelope that is the sole wire-level data unit of
// the runtime (spec §4.1). It is grounded on the teacher's envelope
// design (_examples/sweght-FEM-Protocol/protocol/go/envelopes.go) —
// a typed header plus an opaque body — generalized from the teacher's
// seven agent/broker envelope kinds to the ~100 action kinds the
// federation protocol needs, and switched from one-struct-per-type to a
// single fixed-header struct so routing code never has to type-switch
// to read source/dest/time.
package action

import (
	"fmt"

	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
)

// Kind is the action tag. The full HELICS protocol has on the order of
// 100 variants; this enumerates the ones this runtime's components
// actually dispatch on, grouped by the categories spec §3 names.
type Kind int32

const (
	CmdInvalid Kind = iota
	CmdIgnore

	// Protocol / handshake.
	CmdProtocol
	CmdProtocolConnectionRequest
	CmdProtocolConnectionAck
	CmdProtocolPortDefinitions
	CmdProtocolError

	// Registration.
	CmdRegBroker
	CmdRegCore
	CmdRegFed
	CmdRegPub
	CmdRegInput
	CmdRegEndpoint
	CmdRegFilter
	CmdAck
	CmdError
	CmdDisconnect
	CmdNewBrokerInformation

	// Routing table maintenance.
	CmdNewRoute
	CmdRemoveRoute
	CmdLink

	// Value / message transfer.
	CmdPubData
	CmdSendMessage

	// Time coordination.
	CmdTimeRequest
	CmdTimeGrant
	CmdTimeCheck

	// Control / queries / barriers.
	CmdQuery
	CmdQueryOrdered
	CmdQueryReply
	CmdSetTimeBarrier
	CmdClearTimeBarrier
	CmdSetFederateBarrier
	CmdGlobalError
	CmdLocalError
	CmdTerminate
	CmdEnterInitGranted
	CmdExecRequest
	CmdExecGranted

	// Federate command channel (spec §4.6 "send_command/wait_command").
	CmdSendCommand
)

var kindNames = map[Kind]string{
	CmdInvalid:                   "INVALID",
	CmdIgnore:                    "CMD_IGNORE",
	CmdProtocol:                  "CMD_PROTOCOL",
	CmdProtocolConnectionRequest: "CONNECTION_REQUEST",
	CmdProtocolConnectionAck:     "CONNECTION_ACK",
	CmdProtocolPortDefinitions:   "PORT_DEFINITIONS",
	CmdProtocolError:             "PROTOCOL_ERROR",
	CmdRegBroker:                 "REG_BROKER",
	CmdRegCore:                   "REG_CORE",
	CmdRegFed:                    "REG_FED",
	CmdRegPub:                    "REG_PUB",
	CmdRegInput:                  "REG_INPUT",
	CmdRegEndpoint:               "REG_ENDPOINT",
	CmdRegFilter:                 "REG_FILTER",
	CmdAck:                       "ACK",
	CmdError:                     "ERROR",
	CmdDisconnect:                "DISCONNECT",
	CmdNewBrokerInformation:      "NEW_BROKER_INFORMATION",
	CmdNewRoute:                  "NEW_ROUTE",
	CmdRemoveRoute:               "REMOVE_ROUTE",
	CmdLink:                      "LINK",
	CmdPubData:                   "PUB_DATA",
	CmdSendMessage:               "SEND_MESSAGE",
	CmdTimeRequest:               "TIME_REQUEST",
	CmdTimeGrant:                 "TIME_GRANT",
	CmdTimeCheck:                 "TIME_CHECK",
	CmdQuery:                     "QUERY",
	CmdQueryOrdered:              "QUERY_ORDERED",
	CmdQueryReply:                "QUERY_REPLY",
	CmdSetTimeBarrier:            "SET_TIME_BARRIER",
	CmdClearTimeBarrier:          "CLEAR_TIME_BARRIER",
	CmdSetFederateBarrier:        "SET_FEDERATE_BARRIER",
	CmdGlobalError:               "GLOBAL_ERROR",
	CmdLocalError:                "LOCAL_ERROR",
	CmdTerminate:                 "TERMINATE",
	CmdEnterInitGranted:          "ENTER_INIT_GRANTED",
	CmdExecRequest:               "EXEC_REQUEST",
	CmdExecGranted:               "EXEC_GRANTED",
	CmdSendCommand:               "SEND_COMMAND",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("CMD_UNKNOWN(%d)", int32(k))
}

// Channel is the implicit priority/ordered tag every action kind
// carries (spec §4.3 "Channel semantics").
type Channel int

const (
	PriorityChannel Channel = iota
	OrderedChannel
)

// channelOf classifies a Kind as priority or ordered. Registration,
// acks, FAST-mode queries, commands, disconnect, and barrier actions
// are priority; value/message transfer, time coordination, and
// ORDERED-mode queries are ordered.
func channelOf(k Kind) Channel {
	switch k {
	case CmdPubData, CmdSendMessage, CmdTimeRequest, CmdTimeGrant, CmdTimeCheck, CmdQueryOrdered:
		return OrderedChannel
	default:
		return PriorityChannel
	}
}

// Flags is the 16-bit boolean flag bitfield.
type Flags uint16

const (
	FlagIterationRequested Flags = 1 << iota
	FlagRequired
	FlagOptional
	FlagError
	FlagIndicator
	FlagDestinationTarget
	FlagReconnectable
	FlagUseLogging
	FlagDelayed
	FlagCloned
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }
func (f Flags) Set(bit Flags) Flags { return f | bit }
func (f Flags) Clear(bit Flags) Flags { return f &^ bit }

// Message is the Action Message envelope (spec §3 "Action Message").
type Message struct {
	Action       Kind
	MessageID    int32
	SourceID     ids.GlobalId
	DestID       ids.GlobalId
	SourceHandle ids.HandleId
	DestHandle   ids.HandleId
	SequenceID   int32
	ActionTime   hltime.Time
	Te           hltime.Time
	Tdemin       hltime.Time
	Counter      int16
	Flags        Flags
	Payload      []byte
	StringData   []string

	// SignerKey and Signature carry the sending transport's Ed25519
	// identity key and its signature over the rest of the encoded
	// message (spec §4.2a per-message authentication). Populated by
	// the transport on Transmit, checked by the transport on receipt;
	// unset for messages that never cross a transport (in-process
	// delivery, constructed test fixtures).
	SignerKey []byte
	Signature []byte
}

// Channel returns the implicit channel this message travels on.
func (m *Message) Channel() Channel { return channelOf(m.Action) }

// Clone returns a deep copy, used by filter pipelines (clone filters)
// and by retry logic that must not share payload slices.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.StringData != nil {
		c.StringData = append([]string(nil), m.StringData...)
	}
	if m.SignerKey != nil {
		c.SignerKey = append([]byte(nil), m.SignerKey...)
	}
	if m.Signature != nil {
		c.Signature = append([]byte(nil), m.Signature...)
	}
	return &c
}
