package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GMLC-TDC/HELICS-sub006/internal/action"
	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
	"github.com/GMLC-TDC/HELICS-sub006/internal/registry"
	"github.com/GMLC-TDC/HELICS-sub006/internal/routing"
	"github.com/GMLC-TDC/HELICS-sub006/internal/transport"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []*action.Message
}

func (r *recordingTransport) Connect(local, remote string) error { return nil }
func (r *recordingTransport) Transmit(routeID ids.RouteId, msg *action.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}
func (r *recordingTransport) AddRoute(routeID ids.RouteId, address string) error { return nil }
func (r *recordingTransport) RemoveRoute(routeID ids.RouteId)                    {}
func (r *recordingTransport) SetCallback(cb transport.Callback)                  {}
func (r *recordingTransport) Listen(address string) error                       { return nil }
func (r *recordingTransport) Disconnect() error                                  { return nil }

func (r *recordingTransport) messages() []*action.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*action.Message(nil), r.sent...)
}

func newRootBroker() (*Broker, *recordingTransport) {
	tr := &recordingTransport{}
	fab := routing.New(ids.RootId, true, tr, nil, nil)
	b := New(ids.RootId, "root", true, fab, registry.New(), nil)
	fab.SetHandler(b)
	return b, tr
}

func TestRootGrantsRegistrationAndAssignsID(t *testing.T) {
	b, _ := newRootBroker()

	b.ProcessCommandPriority(&action.Message{
		Action:       action.CmdRegCore,
		SourceID:     ids.UnknownId,
		SourceHandle: ids.HandleId(1),
		StringData:   []string{"core-1"},
	})

	b.mu.Lock()
	assert.Len(t, b.subtree, 1)
	b.mu.Unlock()
}

func TestDuplicateRegistrationNameIsRejected(t *testing.T) {
	b, tr := newRootBroker()

	reg := func() {
		b.ProcessCommandPriority(&action.Message{
			Action:       action.CmdRegCore,
			SourceHandle: ids.HandleId(1),
			StringData:   []string{"core-1"},
		})
	}
	reg()
	reg()

	msgs := tr.messages()
	var sawError bool
	for _, m := range msgs {
		if m.Action == action.CmdError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestSealedFederationRejectsNewRegistrationWithDisconnect(t *testing.T) {
	b, tr := newRootBroker()
	b.mu.Lock()
	b.phase = PhaseSealed
	b.mu.Unlock()

	b.ProcessCommandPriority(&action.Message{
		Action:       action.CmdRegCore,
		SourceHandle: ids.HandleId(1),
		StringData:   []string{"core-1"},
	})

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, action.CmdDisconnect, msgs[0].Action)
}

func TestDuplicatePublicationNameReportsError(t *testing.T) {
	b, tr := newRootBroker()
	require.NoError(t, b.fabric.AddRoute(1, ids.RouteId(1), "fed-1-addr"))
	require.NoError(t, b.fabric.AddRoute(2, ids.RouteId(2), "fed-2-addr"))

	reg := func(fed ids.GlobalId) {
		b.ProcessCommandPriority(&action.Message{
			Action:       action.CmdRegPub,
			SourceID:     fed,
			SourceHandle: ids.HandleId(0),
			StringData:   []string{"bus1/voltage"},
		})
	}
	reg(1)
	reg(2)

	msgs := tr.messages()
	var sawError bool
	for _, m := range msgs {
		if m.Action == action.CmdError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestPublicationThenInputRegistrationEmitsLink(t *testing.T) {
	b, tr := newRootBroker()
	require.NoError(t, b.fabric.AddRoute(1, ids.RouteId(1), "fed-1-addr"))
	require.NoError(t, b.fabric.AddRoute(2, ids.RouteId(2), "fed-2-addr"))

	b.ProcessCommandPriority(&action.Message{
		Action:       action.CmdRegPub,
		SourceID:     1,
		SourceHandle: 0,
		StringData:   []string{"bus1/voltage"},
	})

	b.ProcessCommandPriority(&action.Message{
		Action:       action.CmdRegInput,
		SourceID:     2,
		SourceHandle: 0,
		StringData:   []string{"load1/power", "bus1/voltage"},
	})

	var sawLink bool
	for _, m := range tr.messages() {
		if m.Action == action.CmdLink {
			sawLink = true
		}
	}
	assert.True(t, sawLink)
}

func TestUnknownQueryTargetReturnsInvalidJSON(t *testing.T) {
	b, tr := newRootBroker()
	require.NoError(t, b.fabric.AddRoute(1, ids.RouteId(1), "fed-1-addr"))

	b.ProcessCommandPriority(&action.Message{
		Action:     action.CmdQuery,
		SourceID:   1,
		StringData: []string{"ghost", "isinit"},
	})

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, action.CmdQueryReply, msgs[0].Action)
	assert.Contains(t, msgs[0].StringData[0], "#invalid")
}

func TestFederationQueryUsesResponder(t *testing.T) {
	b, tr := newRootBroker()
	require.NoError(t, b.fabric.AddRoute(1, ids.RouteId(1), "fed-1-addr"))
	b.SetQueryResponder(func(target, query string) (interface{}, error) {
		return map[string]bool{"isinit": true}, nil
	})

	b.ProcessCommandPriority(&action.Message{
		Action:     action.CmdQuery,
		SourceID:   1,
		StringData: []string{"federation", "isinit"},
	})

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].StringData[0], "isinit")
}

func TestOrderedModeQueryAnswersFromOrderedChannel(t *testing.T) {
	b, tr := newRootBroker()
	require.NoError(t, b.fabric.AddRoute(1, ids.RouteId(1), "fed-1-addr"))
	b.SetQueryResponder(func(target, query string) (interface{}, error) {
		return "sealed", nil
	})

	b.ProcessCommand(&action.Message{
		Action:     action.CmdQueryOrdered,
		SourceID:   1,
		StringData: []string{"federation", "current_state"},
	})

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, action.CmdQueryReply, msgs[0].Action)
	assert.Contains(t, msgs[0].StringData[0], "sealed")
}

func TestSetTimeBarrierBroadcastsAndRecordsBarrier(t *testing.T) {
	b, tr := newRootBroker()
	b.mu.Lock()
	b.subtree[ids.GlobalId(1)] = &SubtreeNode{ID: 1, Kind: NodeCore, Name: "core-1"}
	b.mu.Unlock()
	require.NoError(t, b.fabric.AddRoute(1, ids.RouteId(1), "core-1-addr"))

	b.ProcessCommandPriority(&action.Message{
		Action:     action.CmdSetTimeBarrier,
		SequenceID: 1,
		ActionTime: hltime.FromSeconds(5.0),
	})

	assert.Equal(t, hltime.FromSeconds(5.0), b.TimeBarrier())
	assert.NotEmpty(t, tr.messages())
}

func TestStaleBarrierSequenceIsIgnored(t *testing.T) {
	b, _ := newRootBroker()
	b.ProcessCommandPriority(&action.Message{Action: action.CmdSetTimeBarrier, SequenceID: 5, ActionTime: hltime.FromSeconds(1.0)})
	b.ProcessCommandPriority(&action.Message{Action: action.CmdSetTimeBarrier, SequenceID: 2, ActionTime: hltime.FromSeconds(9.0)})

	assert.Equal(t, hltime.FromSeconds(1.0), b.TimeBarrier())
}

func TestClearTimeBarrierRemovesCap(t *testing.T) {
	b, _ := newRootBroker()
	b.ProcessCommandPriority(&action.Message{Action: action.CmdSetTimeBarrier, SequenceID: 1, ActionTime: hltime.FromSeconds(1.0)})
	b.ProcessCommandPriority(&action.Message{Action: action.CmdClearTimeBarrier, SequenceID: 2})

	assert.Equal(t, hltime.MaxTime, b.TimeBarrier())
}

func linkPubToInput(t *testing.T, b *Broker) {
	t.Helper()
	require.NoError(t, b.fabric.AddRoute(1, ids.RouteId(1), "fed-1-addr"))
	require.NoError(t, b.fabric.AddRoute(2, ids.RouteId(2), "fed-2-addr"))
	b.ProcessCommandPriority(&action.Message{
		Action: action.CmdRegPub, SourceID: 1, SourceHandle: 0,
		StringData: []string{"bus1/voltage"},
	})
	b.ProcessCommandPriority(&action.Message{
		Action: action.CmdRegInput, SourceID: 2, SourceHandle: 0,
		StringData: []string{"load1/power", "bus1/voltage"},
	})
}

func TestTimeReportFansOutToDependents(t *testing.T) {
	b, tr := newRootBroker()
	linkPubToInput(t, b)

	b.ProcessCommand(&action.Message{
		Action:     action.CmdTimeRequest,
		SourceID:   1,
		ActionTime: hltime.FromSeconds(1.0),
		Te:         hltime.FromSeconds(1.0),
		Tdemin:     hltime.FromSeconds(1.0),
	})

	var check *action.Message
	for _, m := range tr.messages() {
		if m.Action == action.CmdTimeCheck {
			check = m
		}
	}
	require.NotNil(t, check, "publisher's time report must fan out to its dependent")
	assert.Equal(t, ids.GlobalId(2), check.DestID)
	assert.Equal(t, ids.GlobalId(1), check.SourceID)
	assert.Equal(t, hltime.FromSeconds(1.0), check.Te)
}

func TestPubDataFansOutToDependents(t *testing.T) {
	b, tr := newRootBroker()
	linkPubToInput(t, b)

	b.ProcessCommand(&action.Message{
		Action:       action.CmdPubData,
		SourceID:     1,
		SourceHandle: 0,
		Payload:      []byte("v"),
		ActionTime:   hltime.FromSeconds(1.0),
	})

	var fwd *action.Message
	for _, m := range tr.messages() {
		if m.Action == action.CmdPubData {
			fwd = m
		}
	}
	require.NotNil(t, fwd, "a publication's value must be forwarded to its subscriber")
	assert.Equal(t, ids.GlobalId(2), fwd.DestID)
	assert.Equal(t, ids.GlobalId(1), fwd.SourceID)
	assert.Equal(t, []byte("v"), fwd.Payload)
	assert.Equal(t, hltime.FromSeconds(1.0), fwd.ActionTime)
}

func TestAggregateTimeReportExpandsToHostedFederates(t *testing.T) {
	b, tr := newRootBroker()

	// Two cores registering directly, each relaying one federate.
	b.ProcessCommandPriority(&action.Message{
		Action: action.CmdRegCore, SourceID: ids.UnknownId, SourceHandle: 7,
		StringData: []string{"core-1", "127.0.0.1:9101"},
	})
	b.ProcessCommandPriority(&action.Message{
		Action: action.CmdRegFed, SourceID: 1, StringData: []string{"fedA"},
	})
	b.ProcessCommandPriority(&action.Message{
		Action: action.CmdRegCore, SourceID: ids.UnknownId, SourceHandle: 8,
		StringData: []string{"core-2", "127.0.0.1:9102"},
	})
	b.ProcessCommandPriority(&action.Message{
		Action: action.CmdRegFed, SourceID: 3, StringData: []string{"fedB"},
	})

	// fedB (4) subscribes to fedA's (2) publication.
	b.ProcessCommandPriority(&action.Message{
		Action: action.CmdRegPub, SourceID: 2, StringData: []string{"p1"},
	})
	b.ProcessCommandPriority(&action.Message{
		Action: action.CmdRegInput, SourceID: 4, StringData: []string{"in1", "p1"},
	})

	// core-1's subtree aggregate speaks for fedA.
	b.ProcessCommand(&action.Message{
		Action: action.CmdTimeGrant, SourceID: 1,
		ActionTime: hltime.FromSeconds(1.5),
		Te:         hltime.FromSeconds(1.5),
		Tdemin:     hltime.FromSeconds(1.5),
	})

	var check *action.Message
	for _, m := range tr.messages() {
		if m.Action == action.CmdTimeCheck {
			check = m
		}
	}
	require.NotNil(t, check, "the aggregate must expand into a per-federate TIME_CHECK")
	assert.Equal(t, ids.GlobalId(2), check.SourceID, "expanded report carries the hosted federate's id")
	assert.Equal(t, ids.GlobalId(4), check.DestID)
	assert.Equal(t, hltime.FromSeconds(1.5), check.Te)
}

func TestTimeReportWithoutDependentsIsNotEchoed(t *testing.T) {
	b, tr := newRootBroker()

	b.ProcessCommand(&action.Message{
		Action:   action.CmdTimeGrant,
		SourceID: 1,
		Te:       hltime.FromSeconds(2.0),
	})

	assert.Empty(t, tr.messages())
}

func TestDisconnectReleasesDependentsAndUnregistersInterfaces(t *testing.T) {
	b, tr := newRootBroker()
	linkPubToInput(t, b)

	b.ProcessCommandPriority(&action.Message{Action: action.CmdDisconnect, SourceID: 1})

	var released bool
	for _, m := range tr.messages() {
		if m.Action == action.CmdDisconnect && m.DestID == 2 {
			released = true
		}
	}
	assert.True(t, released, "dependent must be told its source disconnected")
	_, found := b.reg.Lookup("bus1/voltage")
	assert.False(t, found, "departed federate's interfaces must be unregistered")
}

func TestWaitForDisconnect(t *testing.T) {
	b, _ := newRootBroker()
	b.ProcessCommandPriority(&action.Message{
		Action:       action.CmdRegCore,
		SourceID:     ids.UnknownId,
		SourceHandle: ids.HandleId(1),
		StringData:   []string{"core-1"},
	})

	assert.False(t, b.WaitForDisconnect(10*time.Millisecond))

	b.ProcessCommandPriority(&action.Message{Action: action.CmdDisconnect, SourceID: ids.FirstAssignable})
	assert.True(t, b.WaitForDisconnect(time.Second))
	// Idempotent on repeated calls.
	assert.True(t, b.WaitForDisconnect(time.Second))
}

func TestRegistrationWithAddressInstallsDedicatedRoute(t *testing.T) {
	b, _ := newRootBroker()

	b.ProcessCommandPriority(&action.Message{
		Action:       action.CmdRegCore,
		SourceID:     ids.UnknownId,
		SourceHandle: ids.HandleId(7),
		StringData:   []string{"core-1", "127.0.0.1:9001"},
	})

	route, ok := b.fabric.RouteFor(ids.FirstAssignable)
	require.True(t, ok)
	assert.Equal(t, ids.RouteId(ids.FirstAssignable), route)
}

func TestLocalErrorDisconnectsOnlyTheErroredFederate(t *testing.T) {
	b, _ := newRootBroker()
	b.mu.Lock()
	b.subtree[ids.GlobalId(1)] = &SubtreeNode{ID: 1, Kind: NodeFederate, Name: "fed-1"}
	b.subtree[ids.GlobalId(2)] = &SubtreeNode{ID: 2, Kind: NodeFederate, Name: "fed-2"}
	b.mu.Unlock()

	b.ProcessCommandPriority(&action.Message{
		Action: action.CmdLocalError, SourceID: 1, MessageID: 42, StringData: []string{"boom"},
	})

	assert.Equal(t, PhaseInitializing, b.Phase(), "a local error must not tear down the federation")
	b.mu.Lock()
	_, gone := b.subtree[ids.GlobalId(1)]
	_, kept := b.subtree[ids.GlobalId(2)]
	b.mu.Unlock()
	assert.False(t, gone)
	assert.True(t, kept)
}

func TestLocalErrorWithTerminateOnErrorEscalates(t *testing.T) {
	b, tr := newRootBroker()
	b.SetTerminateOnError(true)
	b.mu.Lock()
	b.subtree[ids.GlobalId(1)] = &SubtreeNode{ID: 1, Kind: NodeFederate, Name: "fed-1"}
	b.subtree[ids.GlobalId(2)] = &SubtreeNode{ID: 2, Kind: NodeFederate, Name: "fed-2"}
	b.mu.Unlock()
	require.NoError(t, b.fabric.AddRoute(1, ids.RouteId(1), "fed-1-addr"))
	require.NoError(t, b.fabric.AddRoute(2, ids.RouteId(2), "fed-2-addr"))

	b.ProcessCommandPriority(&action.Message{
		Action: action.CmdLocalError, SourceID: 1, MessageID: 42, StringData: []string{"boom"},
	})

	assert.Equal(t, PhaseErrored, b.Phase())
	var sawGlobalError bool
	for _, m := range tr.messages() {
		if m.Action == action.CmdGlobalError {
			sawGlobalError = true
		}
	}
	assert.True(t, sawGlobalError)
}

func TestGlobalErrorBroadcastsAndTransitionsPhase(t *testing.T) {
	b, tr := newRootBroker()
	b.mu.Lock()
	b.subtree[ids.GlobalId(1)] = &SubtreeNode{ID: 1, Kind: NodeCore, Name: "core-1"}
	b.mu.Unlock()
	require.NoError(t, b.fabric.AddRoute(1, ids.RouteId(1), "core-1-addr"))

	b.GlobalError(7, "federate panicked")

	assert.Equal(t, PhaseErrored, b.Phase())
	var sawGlobalError bool
	for _, m := range tr.messages() {
		if m.Action == action.CmdGlobalError {
			sawGlobalError = true
		}
	}
	assert.True(t, sawGlobalError)
}
