// Command helics-core runs a core node (spec §4.5): the process that
// hosts one or more federates, holds their handle table, distributes
// published values, runs the destination-endpoint filter pipeline, and
// rolls its hosted federates' time reports into one upstream report.
//
// Grounded on the teacher's flag-parse-then-serve-forever mains
// (_examples/sweght-FEM-Protocol/broker/main.go and
// router/cmd/fem-router/main.go), generalized to register with a
// parent broker before admitting any federates, per spec §4.4's
// registration protocol.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/GMLC-TDC/HELICS-sub006/internal/action"
	"github.com/GMLC-TDC/HELICS-sub006/internal/config"
	"github.com/GMLC-TDC/HELICS-sub006/internal/corehost"
	"github.com/GMLC-TDC/HELICS-sub006/internal/federate"
	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
	"github.com/GMLC-TDC/HELICS-sub006/internal/routing"
	"github.com/GMLC-TDC/HELICS-sub006/internal/timecoord"
	"github.com/GMLC-TDC/HELICS-sub006/internal/transport"
)

func main() {
	var flags *config.CLIFlags

	root := &cobra.Command{
		Use:   "helics-core",
		Short: "run a HELICS-style core hosting one or more federates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}
	flags = config.RegisterFlags(root.Flags())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *config.CLIFlags) error {
	log := newLogger(flags.LogLevel)
	name := flags.Name
	if name == "" {
		name = "core"
	}

	tr, err := transport.NewTLSTransport(ids.LocalCore, log.WithField("component", "transport"))
	if err != nil {
		return fmt.Errorf("helics-core: create transport: %w", err)
	}

	listenAddr := fmt.Sprintf("%s:%d", flags.LocalInterface, flags.Port)
	listenErrors := make(chan error, 1)
	go func() { listenErrors <- tr.Listen(listenAddr) }()

	if flags.Broker == "" {
		return fmt.Errorf("helics-core: --broker is required (use helics-federate-demo for a standalone single-process federation)")
	}
	parentAddr := fmt.Sprintf("%s:%d", flags.Broker, flags.BrokerPort)
	coreID, err := registerWithParent(tr, name, listenAddr, parentAddr, flags.Timeout)
	if err != nil {
		return fmt.Errorf("helics-core: register with parent broker at %s: %w", parentAddr, err)
	}
	log.WithField("id", coreID).Info("helics-core: registered with parent broker")

	fabric := routing.New(coreID, false, tr, nil, log.WithField("component", "routing"))
	if err := fabric.AddRoute(ids.ParentId, ids.ParentRoute, parentAddr); err != nil {
		return fmt.Errorf("helics-core: add parent route: %w", err)
	}

	core := corehost.New(timecoord.Config{
		Period: hltime.FromSeconds(flags.Period),
		Offset: hltime.FromSeconds(flags.Offset),
	})
	// Only the subtree aggregate travels upstream; individual federate
	// grants stay inside this process (Core.ReportGrant). The broker
	// expands the aggregate back into per-federate TIME_CHECKs for
	// dependents hosted elsewhere.
	core.SetUpstreamReporter(func(te, tdemin hltime.Time, iterating bool) {
		msgFlags := action.Flags(0)
		if iterating {
			msgFlags = msgFlags.Set(action.FlagIterationRequested)
		}
		fabric.Dispatch(&action.Message{
			Action:     action.CmdTimeGrant,
			SourceID:   coreID,
			ActionTime: te,
			Te:         te,
			Tdemin:     tdemin,
			Flags:      msgFlags,
		})
	})
	host := &hostHandler{
		id:         coreID,
		fabric:     fabric,
		core:       core,
		federates:  make(map[ids.GlobalId]*federate.Federate),
		pendingFed: make(map[string]chan *action.Message),
		log:        log,
	}
	fabric.SetHandler(host)

	go fabric.Run()
	defer fabric.Stop()

	for i := 0; i < flags.Federates; i++ {
		fedName := name
		if flags.Federates > 1 {
			fedName = fmt.Sprintf("%s_%d", name, i)
		}
		fedID, err := host.registerFederate(fedName, flags.Timeout)
		if err != nil {
			return fmt.Errorf("helics-core: register federate %q: %w", fedName, err)
		}
		f := federate.New(fedID, fedName, fabric, core, timecoord.Config{
			Period: hltime.FromSeconds(flags.Period),
			Offset: hltime.FromSeconds(flags.Offset),
		}, nil)
		host.addFederate(f)
		log.WithFields(logrus.Fields{"name": fedName, "id": fedID}).Info("helics-core: federate hosted")
	}

	log.WithFields(logrus.Fields{"id": coreID, "federates": flags.Federates, "address": listenAddr}).
		Info("helics-core: ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-listenErrors:
		if err != nil {
			return fmt.Errorf("helics-core: listen: %w", err)
		}
	case s := <-sig:
		log.WithField("signal", s).Info("helics-core: shutting down")
	}

	return tr.Disconnect()
}

// registerWithParent runs the REG_CORE handshake over a bare transport
// connection: it installs a temporary callback that captures the first
// ACK or ERROR reply, sends the registration request, and blocks until
// a reply arrives or timeout elapses. The permanent routing.Fabric
// callback is installed afterward by routing.New, once the assigned id
// is known.
func registerWithParent(tr transport.Transport, name, local, parent string, timeout time.Duration) (ids.GlobalId, error) {
	if err := tr.Connect(local, parent); err != nil {
		return ids.UnknownId, err
	}

	reply := make(chan *action.Message, 1)
	var once sync.Once
	tr.SetCallback(func(msg *action.Message) {
		once.Do(func() { reply <- msg })
	})

	if err := tr.Transmit(ids.ParentRoute, &action.Message{
		Action:       action.CmdRegCore,
		SourceID:     ids.UnknownId,
		SourceHandle: ids.HandleId(ids.ParentRoute),
		StringData:   []string{name, local},
	}); err != nil {
		return ids.UnknownId, err
	}

	select {
	case msg := <-reply:
		switch msg.Action {
		case action.CmdAck:
			return msg.DestID, nil
		case action.CmdError:
			return ids.UnknownId, fmt.Errorf("registration rejected: %v", msg.StringData)
		default:
			return ids.UnknownId, fmt.Errorf("unexpected reply action %s", msg.Action)
		}
	case <-time.After(timeout):
		return ids.UnknownId, fmt.Errorf("timed out waiting for broker registration ack")
	}
}

// hostHandler implements routing.Handler for a core node: it bridges
// wire-level value/message/link traffic and time reports to the
// in-process corehost.Core, applies time barriers and peer disconnects,
// and completes pending REG_FED replies; any other action is logged and
// dropped.
type hostHandler struct {
	mu         sync.RWMutex
	id         ids.GlobalId
	fabric     *routing.Fabric
	core       *corehost.Core
	federates  map[ids.GlobalId]*federate.Federate
	pendingFed map[string]chan *action.Message
	log        *logrus.Entry
}

// registerFederate runs the REG_FED handshake through the fabric
// (already wired to the parent broker): it sends the request on the
// priority channel and waits for the matching ACK or ERROR reply,
// delivered back through ProcessCommandPriority.
func (h *hostHandler) registerFederate(name string, timeout time.Duration) (ids.GlobalId, error) {
	reply := make(chan *action.Message, 1)
	h.mu.Lock()
	h.pendingFed[name] = reply
	h.mu.Unlock()

	h.fabric.TransmitDirect(ids.ParentRoute, &action.Message{
		Action:       action.CmdRegFed,
		SourceID:     h.id,
		SourceHandle: ids.HandleId(ids.ParentRoute),
		StringData:   []string{name},
	})

	select {
	case msg := <-reply:
		if msg.Action == action.CmdError {
			return ids.UnknownId, fmt.Errorf("registration rejected: %v", msg.StringData)
		}
		return msg.DestID, nil
	case <-time.After(timeout):
		h.mu.Lock()
		delete(h.pendingFed, name)
		h.mu.Unlock()
		return ids.UnknownId, fmt.Errorf("timed out waiting for federate registration ack")
	}
}

func (h *hostHandler) addFederate(f *federate.Federate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.federates[f.ID()] = f
}

func (h *hostHandler) ProcessCommandPriority(msg *action.Message) {
	switch msg.Action {
	case action.CmdAck, action.CmdError:
		if len(msg.StringData) == 0 {
			return
		}
		h.mu.Lock()
		reply, ok := h.pendingFed[msg.StringData[0]]
		if ok {
			delete(h.pendingFed, msg.StringData[0])
		}
		h.mu.Unlock()
		if ok {
			reply <- msg
		}
	case action.CmdLink:
		h.core.LinkInputToPublication(
			ids.GlobalHandle{Federate: msg.DestID, Local: msg.DestHandle},
			ids.GlobalHandle{Federate: msg.SourceID, Local: msg.SourceHandle},
		)
	case action.CmdSetTimeBarrier:
		h.setBarrier(msg.ActionTime)
	case action.CmdClearTimeBarrier:
		h.setBarrier(hltime.MaxTime)
	case action.CmdDisconnect:
		// A departed federate stops constraining locally hosted
		// dependents.
		h.core.DropSource(msg.SourceID)
		h.log.WithField("source", msg.SourceID).Info("hostHandler: peer disconnected")
	case action.CmdGlobalError:
		h.log.WithField("action", msg.Action).Info("hostHandler: federation teardown signaled")
	default:
		h.log.WithField("action", msg.Action).Debug("hostHandler: unhandled priority action")
	}
}

// setBarrier applies a broker-broadcast time barrier to every hosted
// federate's coordinator.
func (h *hostHandler) setBarrier(t hltime.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, f := range h.federates {
		f.SetTimeBarrier(t)
	}
}

func (h *hostHandler) ProcessCommand(msg *action.Message) {
	switch msg.Action {
	case action.CmdPubData:
		h.core.DistributeValue(msg.SourceID, msg.SourceHandle, msg.Payload, msg.ActionTime)
	case action.CmdSendMessage:
		h.core.EnqueueMessage(msg)
	case action.CmdTimeCheck, action.CmdTimeGrant:
		// A remote federate's Te/Tdemin report, fanned out by the
		// broker to this core because a locally hosted federate
		// depends on it.
		h.core.ReportGrant(msg.SourceID, msg.Te, msg.Tdemin, msg.Flags.Has(action.FlagIterationRequested))
	default:
		h.log.WithField("action", msg.Action).Debug("hostHandler: unhandled ordered action")
	}
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return logrus.NewEntry(log)
}
