package corehost

import (
	"sync"

	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
)

// SelectionStrategy chooses which connected publication's value a
// no-op multi-connection input surfaces when more than one upstream
// feeds it (spec §4.4a "Multi-route load distribution for
// multi-connection inputs"). Grounded on the teacher's
// broker/load_balancer.go strategy set (RoundRobinStrategy,
// LeastLoadedStrategy), renamed from selecting an agent to handle a
// tool call to selecting which publication's value an AggNoOp input
// reports.
type SelectionStrategy int

const (
	// SelectMostRecent always reports the value of whichever
	// connected publication updated most recently. The default.
	SelectMostRecent SelectionStrategy = iota
	// SelectRoundRobin cycles through connected publications in
	// registration order on every read, grounded on
	// load_balancer.go's RoundRobinStrategy.
	SelectRoundRobin
	// SelectLeastLoaded prefers the connected publication that has
	// delivered the fewest updates so far, grounded on
	// load_balancer.go's LeastLoadedStrategy (there "load" was a
	// per-agent metric; here it is update frequency, the nearest
	// analogue a publication has).
	SelectLeastLoaded
)

// loadBalancer holds the round-robin cursor per input; it is owned by
// a Core and shared across all of that core's multi-connection
// inputs.
type loadBalancer struct {
	mu sync.Mutex
	rr map[ids.GlobalHandle]int
}

func newLoadBalancer() *loadBalancer {
	return &loadBalancer{rr: make(map[ids.GlobalHandle]int)}
}

// selectRoundRobin returns the next source in order for handle,
// advancing the cursor each call.
func (lb *loadBalancer) selectRoundRobin(handle ids.GlobalHandle, order []ids.GlobalHandle) ids.GlobalHandle {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	i := lb.rr[handle] % len(order)
	lb.rr[handle]++
	return order[i]
}

// selectLeastLoaded returns the source in order with the smallest
// update count, breaking ties by order (first registered wins).
func selectLeastLoaded(order []ids.GlobalHandle, updateCount map[ids.GlobalHandle]int) ids.GlobalHandle {
	best := order[0]
	for _, h := range order[1:] {
		if updateCount[h] < updateCount[best] {
			best = h
		}
	}
	return best
}
