package federate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GMLC-TDC/HELICS-sub006/internal/action"
	"github.com/GMLC-TDC/HELICS-sub006/internal/corehost"
	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
	"github.com/GMLC-TDC/HELICS-sub006/internal/routing"
	"github.com/GMLC-TDC/HELICS-sub006/internal/timecoord"
	"github.com/GMLC-TDC/HELICS-sub006/internal/transport"
)

func newLocalFederate(t *testing.T, id ids.GlobalId, core *corehost.Core) *Federate {
	t.Helper()
	return New(id, "fed", nil, core, timecoord.Config{}, nil)
}

func TestTwoFederatePubSubGrantsRequestedTime(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	a := newLocalFederate(t, 1, core)
	b := newLocalFederate(t, 2, core)

	pubHandle, err := a.RegisterPublication("p1", "double", "", true)
	require.NoError(t, err)
	inHandle, err := b.RegisterInput("sub1", "double", "", "p1", ids.HandleOptions{})
	require.NoError(t, err)
	core.LinkInputToPublication(ids.GlobalHandle{Federate: 2, Local: inHandle}, ids.GlobalHandle{Federate: 1, Local: pubHandle})

	require.NoError(t, a.EnterInitializingMode())
	require.NoError(t, b.EnterInitializingMode())
	_, err = a.EnterExecutingMode(context.Background(), hltime.NoIterations)
	require.NoError(t, err)
	_, err = b.EnterExecutingMode(context.Background(), hltime.NoIterations)
	require.NoError(t, err)

	require.NoError(t, a.PublishDouble(pubHandle, 27.5))

	granted, result, err := a.RequestTime(context.Background(), hltime.FromSeconds(1.0), hltime.NoIterations)
	require.NoError(t, err)
	assert.Equal(t, hltime.FromSeconds(1.0), granted)
	assert.Equal(t, hltime.NextStep, result)

	_, _, err = b.RequestTime(context.Background(), hltime.FromSeconds(1.0), hltime.NoIterations)
	require.NoError(t, err)

	v, err := b.GetValueDouble(inHandle)
	require.NoError(t, err)
	assert.Equal(t, 27.5, v)
}

func TestRegisterPublicationRejectsDuplicateName(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	f := newLocalFederate(t, 1, core)

	_, err := f.RegisterPublication("p1", "double", "", true)
	require.NoError(t, err)
	_, err = f.RegisterPublication("p1", "double", "", true)
	assert.Error(t, err)
}

func TestEnterExecutingModeInvalidBeforeInitializing(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	f := newLocalFederate(t, 1, core)

	_, err := f.EnterExecutingMode(context.Background(), hltime.NoIterations)
	assert.Error(t, err)
}

func TestRequestTimeInvalidBeforeExecuting(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	f := newLocalFederate(t, 1, core)
	require.NoError(t, f.EnterInitializingMode())

	_, _, err := f.RequestTime(context.Background(), hltime.FromSeconds(1.0), hltime.NoIterations)
	assert.Error(t, err)
}

func enterExecuting(t *testing.T, f *Federate) {
	t.Helper()
	require.NoError(t, f.EnterInitializingMode())
	_, err := f.EnterExecutingMode(context.Background(), hltime.NoIterations)
	require.NoError(t, err)
}

func TestPublishBuffersUntilRequestTimeFlush(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	a := newLocalFederate(t, 1, core)
	b := newLocalFederate(t, 2, core)

	pubHandle, err := a.RegisterPublication("p1", "double", "", true)
	require.NoError(t, err)
	inHandle, err := b.RegisterInput("sub1", "double", "", "p1", ids.HandleOptions{})
	require.NoError(t, err)
	core.LinkInputToPublication(ids.GlobalHandle{Federate: 2, Local: inHandle}, ids.GlobalHandle{Federate: 1, Local: pubHandle})

	enterExecuting(t, a)
	enterExecuting(t, b)

	require.NoError(t, a.PublishDouble(pubHandle, 5.0))

	raw, err := b.GetValue(inHandle)
	require.NoError(t, err)
	assert.Empty(t, raw, "value must not be visible before the publishing federate flushes at request_time")

	_, _, err = a.RequestTime(context.Background(), hltime.FromSeconds(1.0), hltime.NoIterations)
	require.NoError(t, err)

	v, err := b.GetValueDouble(inHandle)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
}

func TestSendMessageAndGetMessageRoundTrip(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	a := newLocalFederate(t, 1, core)
	b := newLocalFederate(t, 2, core)

	srcHandle, err := a.RegisterEndpoint("a/ep", "message", "")
	require.NoError(t, err)
	dstHandle, err := b.RegisterEndpoint("b/ep", "message", "")
	require.NoError(t, err)

	enterExecuting(t, a)
	enterExecuting(t, b)

	dest := ids.GlobalHandle{Federate: b.ID(), Local: dstHandle}
	require.NoError(t, a.SendMessage(srcHandle, dest, []byte("hello"), hltime.FromSeconds(0.5)))

	got := b.GetMessage(dstHandle)
	require.NotNil(t, got)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestRegisterFilterDelayShiftsActionTime(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	a := newLocalFederate(t, 1, core)
	b := newLocalFederate(t, 2, core)

	srcHandle, err := a.RegisterEndpoint("a/ep", "message", "")
	require.NoError(t, err)
	dstHandle, err := b.RegisterEndpoint("b/ep", "message", "")
	require.NoError(t, err)
	_, err = b.RegisterFilter("delay1", "b/ep", FilterDelay, FilterParams{Delay: hltime.FromSeconds(0.25)})
	require.NoError(t, err)

	enterExecuting(t, a)
	enterExecuting(t, b)

	dest := ids.GlobalHandle{Federate: b.ID(), Local: dstHandle}
	require.NoError(t, a.SendMessage(srcHandle, dest, []byte("x"), hltime.FromSeconds(1.0)))

	got := b.GetMessage(dstHandle)
	require.NotNil(t, got)
	assert.Equal(t, hltime.FromSeconds(1.25), got.ActionTime)
}

func TestLocalErrorTransitionsToErrored(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	f := newLocalFederate(t, 1, core)
	enterExecuting(t, f)

	err := f.LocalError(42, "boom")
	require.Error(t, err)
	assert.Equal(t, Errored, f.State())
	assert.Equal(t, 42, f.LastError().Code)
}

func TestForceTerminateUnblocksPendingRequestTime(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	f := newLocalFederate(t, 1, core)
	f.AddDependency(2, 0)
	f.NotifyDependencyUpdate(2, hltime.FromSeconds(0.5), hltime.MaxTime, false)
	enterExecuting(t, f)

	// First request grants immediately at the dependency's reported time.
	_, _, err := f.RequestTime(context.Background(), hltime.FromSeconds(1.0), hltime.NoIterations)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := f.RequestTime(context.Background(), hltime.FromSeconds(1.0), hltime.NoIterations)
		done <- err
	}()

	// Give the goroutine a chance to block inside awaitGrantLocked.
	time.Sleep(20 * time.Millisecond)
	f.ForceTerminate()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("request_time did not unblock after ForceTerminate")
	}
	assert.Equal(t, Errored, f.State())
}

func TestRequestTimeTimesOutWithExpiredContext(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	f := newLocalFederate(t, 1, core)
	f.AddDependency(2, 0)
	f.NotifyDependencyUpdate(2, hltime.FromSeconds(0.5), hltime.MaxTime, false)
	enterExecuting(t, f)

	_, _, err := f.RequestTime(context.Background(), hltime.FromSeconds(1.0), hltime.NoIterations)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = f.RequestTime(ctx, hltime.FromSeconds(1.0), hltime.NoIterations)
	assert.Error(t, err)
}

func TestSetPropertyAppliesPeriodToCoordinator(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	f := newLocalFederate(t, 1, core)
	require.NoError(t, f.SetProperty("period", 1.0))
	enterExecuting(t, f)

	granted, _, err := f.RequestTime(context.Background(), hltime.FromSeconds(2.3), hltime.NoIterations)
	require.NoError(t, err)
	assert.Equal(t, hltime.FromSeconds(3.0), granted)
}

func TestSetAndGetTagAndGlobal(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	f := newLocalFederate(t, 1, core)

	f.SetTag("role", "generator")
	assert.Equal(t, "generator", f.GetTag("role"))

	f.SetGlobal("scenario", "baseline")
	assert.Equal(t, "baseline", f.GetGlobal("scenario"))
}

func TestEnterExecutingModeIteratesUntilConverged(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	f := newLocalFederate(t, 1, core)
	require.NoError(t, f.EnterInitializingMode())

	// An iterative entry holds the federate in Initializing while the
	// caller re-runs its initialization logic.
	result, err := f.EnterExecutingMode(context.Background(), hltime.IterateIfNeeded)
	require.NoError(t, err)
	assert.Equal(t, hltime.Iterating, result)
	assert.Equal(t, Initializing, f.State())

	// Once the caller's values have stopped changing it re-enters
	// without iteration and is admitted at time zero.
	result, err = f.EnterExecutingMode(context.Background(), hltime.NoIterations)
	require.NoError(t, err)
	assert.Equal(t, hltime.NextStep, result)
	assert.Equal(t, Executing, f.State())

	granted, _, err := f.RequestTime(context.Background(), hltime.FromSeconds(1.0), hltime.NoIterations)
	require.NoError(t, err)
	assert.Equal(t, hltime.FromSeconds(1.0), granted)
}

func TestTimeBarrierBlocksUntilRaised(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	f := newLocalFederate(t, 1, core)
	f.SetTimeBarrier(hltime.FromSeconds(2.0))
	enterExecuting(t, f)

	granted, _, err := f.RequestTime(context.Background(), hltime.FromSeconds(1.75), hltime.NoIterations)
	require.NoError(t, err)
	require.Equal(t, hltime.FromSeconds(1.75), granted)

	done := make(chan hltime.Time, 1)
	go func() {
		g, _, err := f.RequestTime(context.Background(), hltime.FromSeconds(3.0), hltime.NoIterations)
		if err == nil {
			done <- g
		}
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("request at or past the barrier must block until the barrier is raised")
	default:
	}

	f.SetTimeBarrier(hltime.FromSeconds(5.0))
	select {
	case g := <-done:
		assert.Equal(t, hltime.FromSeconds(3.0), g)
	case <-time.After(time.Second):
		t.Fatal("raising the barrier did not unblock the pending request")
	}
}

func TestFinalizeReleasesBlockedDependent(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	a := newLocalFederate(t, 1, core)
	b := newLocalFederate(t, 2, core)

	pubHandle, err := a.RegisterPublication("p1", "double", "", true)
	require.NoError(t, err)
	inHandle, err := b.RegisterInput("sub1", "double", "", "p1", ids.HandleOptions{})
	require.NoError(t, err)
	core.LinkInputToPublication(ids.GlobalHandle{Federate: 2, Local: inHandle}, ids.GlobalHandle{Federate: 1, Local: pubHandle})

	enterExecuting(t, b)
	b.NotifyDependencyUpdate(1, hltime.FromSeconds(0.5), hltime.MaxTime, false)

	granted, _, err := b.RequestTime(context.Background(), hltime.FromSeconds(1.0), hltime.NoIterations)
	require.NoError(t, err)
	require.Equal(t, hltime.FromSeconds(0.5), granted, "dependent is bounded by its source's reported time")

	type grant struct {
		t   hltime.Time
		err error
	}
	done := make(chan grant, 1)
	go func() {
		g, _, err := b.RequestTime(context.Background(), hltime.FromSeconds(1.0), hltime.NoIterations)
		done <- grant{g, err}
	}()

	time.Sleep(20 * time.Millisecond)
	enterExecuting(t, a)
	require.NoError(t, a.Finalize())

	select {
	case g := <-done:
		require.NoError(t, g.err)
		assert.Equal(t, hltime.FromSeconds(1.0), g.t, "a finalized source must stop bounding its dependents")
	case <-time.After(time.Second):
		t.Fatal("dependent did not unblock after its source finalized")
	}
	assert.Equal(t, Finished, a.State())
}

type stubTransport struct {
	mu   sync.Mutex
	sent []*action.Message
}

func (s *stubTransport) Connect(local, remote string) error { return nil }
func (s *stubTransport) Transmit(routeID ids.RouteId, msg *action.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}
func (s *stubTransport) AddRoute(routeID ids.RouteId, address string) error { return nil }
func (s *stubTransport) RemoveRoute(routeID ids.RouteId)                    {}
func (s *stubTransport) SetCallback(cb transport.Callback)                  {}
func (s *stubTransport) Listen(address string) error                       { return nil }
func (s *stubTransport) Disconnect() error                                  { return nil }

func (s *stubTransport) actions() []action.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]action.Kind, 0, len(s.sent))
	for _, m := range s.sent {
		kinds = append(kinds, m.Action)
	}
	return kinds
}

func TestGrantFeedsAggregateReportOntoFabric(t *testing.T) {
	tr := &stubTransport{}
	fab := routing.New(10, false, tr, nil, nil)
	core := corehost.New(timecoord.Config{})
	// The same wiring helics-core installs: the subtree aggregate, not
	// each federate's own grant, is what reaches the fabric.
	core.SetUpstreamReporter(func(te, tdemin hltime.Time, iterating bool) {
		fab.Dispatch(&action.Message{
			Action: action.CmdTimeGrant, SourceID: 10,
			ActionTime: te, Te: te, Tdemin: tdemin,
		})
	})
	f := New(1, "fed", fab, core, timecoord.Config{}, nil)

	require.NoError(t, f.EnterInitializingMode())
	_, err := f.EnterExecutingMode(context.Background(), hltime.NoIterations)
	require.NoError(t, err)
	_, _, err = f.RequestTime(context.Background(), hltime.FromSeconds(1.0), hltime.NoIterations)
	require.NoError(t, err)

	assert.Contains(t, tr.actions(), action.CmdTimeRequest)
	require.Eventually(t, func() bool {
		for _, k := range tr.actions() {
			if k == action.CmdTimeGrant {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "the aggregate report must reach the fabric")
}

func TestWaitCommandReceivesDeliveredCommand(t *testing.T) {
	core := corehost.New(timecoord.Config{})
	f := newLocalFederate(t, 1, core)

	f.DeliverCommand("reset")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cmd, err := f.WaitCommand(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reset", cmd)
}
