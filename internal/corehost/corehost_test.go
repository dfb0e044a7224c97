package corehost

import (
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GMLC-TDC/HELICS-sub006/internal/action"
	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
	"github.com/GMLC-TDC/HELICS-sub006/internal/timecoord"
)

func encodeF64(v float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return buf
}

func decodeF64(b []byte) (float64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), true
}

func TestDistributeValueUpdatesOnlyConnectedInputs(t *testing.T) {
	c := New(timecoord.Config{})
	input := ids.GlobalHandle{Federate: 2, Local: 0}
	pub := ids.GlobalHandle{Federate: 1, Local: 0}
	c.RegisterInput(input, AggNoOp, false, false)
	c.LinkInputToPublication(input, pub)

	c.DistributeValue(1, 0, encodeF64(3.5), hltime.FromSeconds(1.0))

	raw, err := c.ReadInput(input, decodeF64)
	require.NoError(t, err)
	v, ok := decodeF64(raw)
	require.True(t, ok)
	assert.Equal(t, 3.5, v)
}

func TestRequiredInputWithNoSourceErrors(t *testing.T) {
	c := New(timecoord.Config{})
	input := ids.GlobalHandle{Federate: 2, Local: 0}
	c.RegisterInput(input, AggNoOp, true, false)

	_, err := c.ReadInput(input, decodeF64)
	assert.Error(t, err)
}

func TestOptionalInputWithNoSourceReturnsNil(t *testing.T) {
	c := New(timecoord.Config{})
	input := ids.GlobalHandle{Federate: 2, Local: 0}
	c.RegisterInput(input, AggNoOp, false, false)

	raw, err := c.ReadInput(input, decodeF64)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestSumAggregationCombinesMultipleSources(t *testing.T) {
	c := New(timecoord.Config{})
	input := ids.GlobalHandle{Federate: 3, Local: 0}
	pub1 := ids.GlobalHandle{Federate: 1, Local: 0}
	pub2 := ids.GlobalHandle{Federate: 2, Local: 0}
	c.RegisterInput(input, AggSum, false, false)
	c.LinkInputToPublication(input, pub1)
	c.LinkInputToPublication(input, pub2)

	c.DistributeValue(1, 0, encodeF64(2.0), hltime.Zero)
	c.DistributeValue(2, 0, encodeF64(3.0), hltime.Zero)

	raw, err := c.ReadInput(input, decodeF64)
	require.NoError(t, err)
	v, _ := decodeF64(raw)
	assert.Equal(t, 5.0, v)
}

func TestNoOpInputDefaultsToMostRecentSource(t *testing.T) {
	c := New(timecoord.Config{})
	input := ids.GlobalHandle{Federate: 3, Local: 0}
	pub1 := ids.GlobalHandle{Federate: 1, Local: 0}
	pub2 := ids.GlobalHandle{Federate: 2, Local: 0}
	c.RegisterInput(input, AggNoOp, false, false)
	c.LinkInputToPublication(input, pub1)
	c.LinkInputToPublication(input, pub2)

	c.DistributeValue(2, 0, encodeF64(9.0), hltime.Zero)
	c.DistributeValue(1, 0, encodeF64(1.0), hltime.Zero)

	raw, err := c.ReadInput(input, decodeF64)
	require.NoError(t, err)
	v, _ := decodeF64(raw)
	assert.Equal(t, 1.0, v, "most-recent strategy should report pub1's value, updated last")
}

func TestNoOpInputRoundRobinStrategyCyclesSources(t *testing.T) {
	c := New(timecoord.Config{})
	input := ids.GlobalHandle{Federate: 3, Local: 0}
	pub1 := ids.GlobalHandle{Federate: 1, Local: 0}
	pub2 := ids.GlobalHandle{Federate: 2, Local: 0}
	c.RegisterInput(input, AggNoOp, false, false)
	c.SetInputStrategy(input, SelectRoundRobin)
	c.LinkInputToPublication(input, pub1)
	c.LinkInputToPublication(input, pub2)
	c.DistributeValue(1, 0, encodeF64(1.0), hltime.Zero)
	c.DistributeValue(2, 0, encodeF64(2.0), hltime.Zero)

	var seen []float64
	for i := 0; i < 4; i++ {
		raw, err := c.ReadInput(input, decodeF64)
		require.NoError(t, err)
		v, _ := decodeF64(raw)
		seen = append(seen, v)
	}
	assert.Equal(t, []float64{1.0, 2.0, 1.0, 2.0}, seen)
}

func TestNoOpInputLeastLoadedStrategyPrefersFewerUpdates(t *testing.T) {
	c := New(timecoord.Config{})
	input := ids.GlobalHandle{Federate: 3, Local: 0}
	pub1 := ids.GlobalHandle{Federate: 1, Local: 0}
	pub2 := ids.GlobalHandle{Federate: 2, Local: 0}
	c.RegisterInput(input, AggNoOp, false, false)
	c.SetInputStrategy(input, SelectLeastLoaded)
	c.LinkInputToPublication(input, pub1)
	c.LinkInputToPublication(input, pub2)

	c.DistributeValue(1, 0, encodeF64(1.0), hltime.Zero)
	c.DistributeValue(1, 0, encodeF64(1.5), hltime.Zero)
	c.DistributeValue(1, 0, encodeF64(2.0), hltime.Zero)
	c.DistributeValue(2, 0, encodeF64(9.0), hltime.Zero)

	raw, err := c.ReadInput(input, decodeF64)
	require.NoError(t, err)
	v, _ := decodeF64(raw)
	assert.Equal(t, 9.0, v, "pub2 has fewer updates than pub1, so it is preferred")
}

func TestMaxMinAverageAggregation(t *testing.T) {
	for _, tc := range []struct {
		mode AggregationMode
		want float64
	}{
		{AggMax, 9.0},
		{AggMin, 1.0},
		{AggAverage, 5.0},
	} {
		c := New(timecoord.Config{})
		input := ids.GlobalHandle{Federate: 9, Local: 0}
		pub1 := ids.GlobalHandle{Federate: 1, Local: 0}
		pub2 := ids.GlobalHandle{Federate: 2, Local: 0}
		c.RegisterInput(input, tc.mode, false, false)
		c.LinkInputToPublication(input, pub1)
		c.LinkInputToPublication(input, pub2)
		c.DistributeValue(1, 0, encodeF64(1.0), hltime.Zero)
		c.DistributeValue(2, 0, encodeF64(9.0), hltime.Zero)

		raw, err := c.ReadInput(input, decodeF64)
		require.NoError(t, err)
		v, _ := decodeF64(raw)
		assert.Equal(t, tc.want, v)
	}
}

func TestOnlyOnChangeSuppressesRedundantUpdates(t *testing.T) {
	c := New(timecoord.Config{})
	input := ids.GlobalHandle{Federate: 2, Local: 0}
	pub := ids.GlobalHandle{Federate: 1, Local: 0}
	c.RegisterInput(input, AggNoOp, false, true)
	c.LinkInputToPublication(input, pub)

	c.DistributeValue(1, 0, encodeF64(1.0), hltime.FromSeconds(1.0))
	c.DistributeValue(1, 0, encodeF64(1.0), hltime.FromSeconds(2.0))

	c.mu.Lock()
	lastUpdate := c.inputs[input].lastUpdate
	c.mu.Unlock()
	assert.Equal(t, hltime.FromSeconds(1.0), lastUpdate)
}

func TestDelayFilterShiftsActionTime(t *testing.T) {
	c := New(timecoord.Config{})
	dest := ids.GlobalHandle{Federate: 5, Local: 0}
	c.RegisterEndpoint(dest, []FilterFunc{Delay(hltime.FromSeconds(0.5))})

	c.EnqueueMessage(&action.Message{
		Action: action.CmdSendMessage, DestID: 5, DestHandle: 0,
		ActionTime: hltime.FromSeconds(1.0),
	})

	got := c.GetMessage(dest)
	require.NotNil(t, got)
	assert.Equal(t, hltime.FromSeconds(1.5), got.ActionTime)
}

func TestRandomDropAlwaysDropsAtProbabilityOne(t *testing.T) {
	c := New(timecoord.Config{})
	dest := ids.GlobalHandle{Federate: 5, Local: 0}
	c.RegisterEndpoint(dest, []FilterFunc{RandomDrop(1.0, rand.New(rand.NewSource(1)))})

	c.EnqueueMessage(&action.Message{Action: action.CmdSendMessage, DestID: 5, DestHandle: 0})

	assert.Nil(t, c.GetMessage(dest))
}

func TestRerouteOverridesDestinationWhenMatched(t *testing.T) {
	c := New(timecoord.Config{})
	original := ids.GlobalHandle{Federate: 5, Local: 0}
	rerouted := ids.GlobalHandle{Federate: 6, Local: 0}
	c.RegisterEndpoint(original, []FilterFunc{
		Reroute(func(m *action.Message) bool { return true }, 6, 0),
	})
	c.RegisterEndpoint(rerouted, nil)

	c.EnqueueMessage(&action.Message{Action: action.CmdSendMessage, DestID: 5, DestHandle: 0})

	assert.Nil(t, c.GetMessage(original))
	assert.NotNil(t, c.GetMessage(rerouted))
}

func TestCloneFilterDuplicatesToDeliveryList(t *testing.T) {
	c := New(timecoord.Config{})
	primary := ids.GlobalHandle{Federate: 5, Local: 0}
	aux := ids.GlobalHandle{Federate: 7, Local: 0}
	c.RegisterEndpoint(primary, []FilterFunc{Clone([]ids.GlobalHandle{aux})})
	c.RegisterEndpoint(aux, nil)

	c.EnqueueMessage(&action.Message{Action: action.CmdSendMessage, DestID: 5, DestHandle: 0})

	require.NotNil(t, c.GetMessage(primary))
	require.NotNil(t, c.GetMessage(aux))
}

func TestGetMessageWithoutHandlePicksEarliestAcrossEndpoints(t *testing.T) {
	c := New(timecoord.Config{})
	epA := ids.GlobalHandle{Federate: 5, Local: 0}
	epB := ids.GlobalHandle{Federate: 5, Local: 1}
	c.RegisterEndpoint(epA, nil)
	c.RegisterEndpoint(epB, nil)

	c.EnqueueMessage(&action.Message{Action: action.CmdSendMessage, DestID: 5, DestHandle: 0, ActionTime: hltime.FromSeconds(5.0)})
	c.EnqueueMessage(&action.Message{Action: action.CmdSendMessage, DestID: 5, DestHandle: 1, ActionTime: hltime.FromSeconds(1.0)})

	got := c.GetMessage(ids.GlobalHandle{})
	require.NotNil(t, got)
	assert.Equal(t, hltime.FromSeconds(1.0), got.ActionTime)
}

func TestDropSourceNotifiesDependentRemoval(t *testing.T) {
	c := New(timecoord.Config{})
	tc3 := timecoord.New(3, timecoord.Config{}, nil)
	c.AddFederateCoordinator(3, tc3)

	input := ids.GlobalHandle{Federate: 3, Local: 0}
	pub := ids.GlobalHandle{Federate: 1, Local: 0}
	c.RegisterInput(input, AggNoOp, false, false)
	c.LinkInputToPublication(input, pub)

	removed := make(chan ids.GlobalId, 1)
	c.SetRemoveNotifier(3, func(src ids.GlobalId) { removed <- src })

	c.DropSource(1)

	select {
	case src := <-removed:
		assert.Equal(t, ids.GlobalId(1), src)
	case <-time.After(time.Second):
		t.Fatal("dependent was not notified of its source's removal")
	}
}

func TestRemoveFederateCoordinatorRetiresFromAggregate(t *testing.T) {
	c := New(timecoord.Config{})
	tc1 := timecoord.New(1, timecoord.Config{}, nil)
	tc2 := timecoord.New(2, timecoord.Config{}, nil)
	c.AddFederateCoordinator(1, tc1)
	c.AddFederateCoordinator(2, tc2)

	tc1.RequestTime(hltime.FromSeconds(1.0))
	tc1.Evaluate()
	tc2.RequestTime(hltime.FromSeconds(5.0))
	tc2.Evaluate()

	c.RemoveFederateCoordinator(1)

	te, _ := c.AggregateSubtreeReport()
	assert.Equal(t, hltime.FromSeconds(5.0), te, "a retired federate must not hold back the aggregate")
}

func TestReportGrantForwardsAggregateUpstream(t *testing.T) {
	c := New(timecoord.Config{})
	tc1 := timecoord.New(1, timecoord.Config{}, nil)
	tc2 := timecoord.New(2, timecoord.Config{}, nil)
	c.AddFederateCoordinator(1, tc1)
	c.AddFederateCoordinator(2, tc2)

	var mu sync.Mutex
	var reports []hltime.Time
	c.SetUpstreamReporter(func(te, tdemin hltime.Time, iterating bool) {
		mu.Lock()
		reports = append(reports, te)
		mu.Unlock()
	})

	tc1.RequestTime(hltime.FromSeconds(5.0))
	tc1.Evaluate()
	tc2.RequestTime(hltime.FromSeconds(2.0))
	tc2.Evaluate()

	c.ReportGrant(1, hltime.FromSeconds(5.0), hltime.FromSeconds(5.0), false)
	mu.Lock()
	require.Len(t, reports, 1)
	assert.Equal(t, hltime.FromSeconds(2.0), reports[0],
		"the subtree aggregate, not the granting federate's own time, travels upstream")
	mu.Unlock()

	// An unchanged aggregate is not re-reported.
	c.ReportGrant(1, hltime.FromSeconds(5.0), hltime.FromSeconds(5.0), false)
	mu.Lock()
	assert.Len(t, reports, 1)
	mu.Unlock()

	// A remote federate's relayed report never echoes back upstream.
	c.ReportGrant(99, hltime.FromSeconds(9.0), hltime.FromSeconds(9.0), false)
	mu.Lock()
	assert.Len(t, reports, 1)
	mu.Unlock()
}

func TestAggregateSubtreeReportReflectsSlowestFederate(t *testing.T) {
	c := New(timecoord.Config{})
	tc1 := timecoord.New(1, timecoord.Config{}, nil)
	tc2 := timecoord.New(2, timecoord.Config{}, nil)
	c.AddFederateCoordinator(1, tc1)
	c.AddFederateCoordinator(2, tc2)

	tc1.RequestTime(hltime.FromSeconds(5.0))
	tc1.Evaluate()
	tc2.RequestTime(hltime.FromSeconds(2.0))
	tc2.Evaluate()

	te, _ := c.AggregateSubtreeReport()
	assert.Equal(t, hltime.FromSeconds(2.0), te)
}
