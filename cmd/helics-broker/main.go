// Command helics-broker runs a broker node (spec §4.4): the root of a
// federation, or a subordinate broker that forwards registration,
// queries, and routed traffic to a parent.
//
// Grounded on the teacher's flag-parse-then-serve-forever mains
// (_examples/sweght-FEM-Protocol/broker/main.go and
// router/cmd/fem-router/main.go) upgraded from flag to cobra/pflag per
// the richer CLI surface spec.md §6 names.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/GMLC-TDC/HELICS-sub006/internal/action"
	"github.com/GMLC-TDC/HELICS-sub006/internal/broker"
	"github.com/GMLC-TDC/HELICS-sub006/internal/capability"
	"github.com/GMLC-TDC/HELICS-sub006/internal/config"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
	"github.com/GMLC-TDC/HELICS-sub006/internal/registry"
	"github.com/GMLC-TDC/HELICS-sub006/internal/routing"
	"github.com/GMLC-TDC/HELICS-sub006/internal/transport"
)

func main() {
	var flags *config.CLIFlags

	root := &cobra.Command{
		Use:   "helics-broker",
		Short: "run a HELICS-style federation broker",
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

	isRoot := flags.Broker == ""
	name := flags.Name
	if name == "" {
		if isRoot {
			name = "root_broker"
		} else {
			name = "broker"
		}
	}

	// A subordinate broker has no global id until the root's ACK
	// arrives; it runs under the UnknownId sentinel so that upward
	// forwards (dest = root) never match its own id and loop back.
	nodeID := ids.RootId
	if !isRoot {
		nodeID = ids.UnknownId
	}
	tr, err := transport.NewTLSTransport(nodeID, log.WithField("component", "transport"))
	if err != nil {
		return fmt.Errorf("helics-broker: create transport: %w", err)
	}

	fabric := routing.New(nodeID, isRoot, tr, nil, log.WithField("component", "routing"))
	reg := registry.New()
	b := broker.New(nodeID, name, isRoot, fabric, reg, log.WithField("component", "broker"))
	if isRoot && flags.CapabilityKey != "" {
		b.SetCapabilityManager(capability.NewManager([]byte(flags.CapabilityKey)))
	}
	b.SetTerminateOnError(flags.TerminateOnError)
	fabric.SetHandler(b)

	go fabric.Run()
	defer fabric.Stop()

	listenAddr := fmt.Sprintf("%s:%d", flags.LocalInterface, flags.Port)
	listenErrors := make(chan error, 1)
	go func() {
		listenErrors <- tr.Listen(listenAddr)
	}()
	log.WithField("address", listenAddr).Info("helics-broker: listening")

	if !isRoot {
		parentAddr := fmt.Sprintf("%s:%d", flags.Broker, flags.BrokerPort)
		if err := tr.Connect(listenAddr, parentAddr); err != nil {
			return fmt.Errorf("helics-broker: connect to parent broker at %s: %w", parentAddr, err)
		}
		if err := fabric.AddRoute(ids.ParentId, ids.ParentRoute, parentAddr); err != nil {
			return fmt.Errorf("helics-broker: add parent route: %w", err)
		}
		fabric.TransmitDirect(ids.ParentRoute, &action.Message{
			Action:       action.CmdRegBroker,
			SourceID:     ids.UnknownId,
			DestID:       ids.RootId,
			SourceHandle: ids.HandleId(ids.ParentRoute),
			StringData:   []string{name, listenAddr},
		})
		log.WithField("parent", parentAddr).Info("helics-broker: registration request sent")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-listenErrors:
		if err != nil {
			return fmt.Errorf("helics-broker: listen: %w", err)
		}
	case s := <-sig:
		log.WithField("signal", s).Info("helics-broker: shutting down")
	}

	b.GlobalError(0, "broker shutdown")
	if !b.WaitForDisconnect(flags.Timeout) {
		log.Warn("helics-broker: timed out waiting for disconnect")
	}
	return tr.Disconnect()
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
