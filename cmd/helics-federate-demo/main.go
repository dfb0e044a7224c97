// Command helics-federate-demo hosts one or more federates from
// federation config files (spec §6) inside a single process, resolves
// their publication/input connections, and drives them through a
// request_time loop — exercising the federate API spec §4.6 names end
// to end without requiring a separately running broker or core.
//
// Grounded on the teacher's flag-parse-then-run mains
// (_examples/sweght-FEM-Protocol/broker/main.go,
// router/cmd/fem-router/main.go), generalized from "listen forever" to
// "run a bounded simulation loop" since a federate-demo binary
// terminates once its federates finalize.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/GMLC-TDC/HELICS-sub006/internal/config"
	"github.com/GMLC-TDC/HELICS-sub006/internal/corehost"
	"github.com/GMLC-TDC/HELICS-sub006/internal/federate"
	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
	"github.com/GMLC-TDC/HELICS-sub006/internal/timecoord"
)

// hosted bundles one federate with the name -> handle tables it
// registered, so cross-federate connections can be resolved by name
// once every federate in the process has registered its interfaces.
type hosted struct {
	fed       *federate.Federate
	cfg       *config.FederationConfig
	pubs      map[string]ids.HandleId
	inputs    map[string]ids.HandleId
	endpoints map[string]ids.HandleId
}

func main() {
	var flags *config.CLIFlags
	var steps int

	root := &cobra.Command{
		Use:   "helics-federate-demo [config-file ...]",
		Short: "host and drive one or more federates from federation config files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags, steps, args)
		},
	}
	flags = config.RegisterFlags(root.Flags())
	root.Flags().IntVar(&steps, "steps", 5, "number of request_time steps to run before finalizing")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *config.CLIFlags, steps int, configPaths []string) error {
	log := newLogger(flags.LogLevel)
	core := corehost.New(timecoord.Config{})

	var fleet []*hosted
	if len(configPaths) == 0 {
		fleet = buildBuiltinFleet(core)
		log.Info("helics-federate-demo: no config files given, running the built-in generator/consumer demo")
	} else {
		var err error
		fleet, err = buildConfiguredFleet(core, configPaths, log)
		if err != nil {
			return err
		}
	}

	resolveConnections(fleet, core, log)

	for _, h := range fleet {
		if err := h.fed.EnterInitializingMode(); err != nil {
			return fmt.Errorf("helics-federate-demo: %s: enter_initializing_mode: %w", h.fed.Name(), err)
		}
	}
	for _, h := range fleet {
		if _, err := h.fed.EnterExecutingMode(context.Background(), hltime.NoIterations); err != nil {
			return fmt.Errorf("helics-federate-demo: %s: enter_executing_mode: %w", h.fed.Name(), err)
		}
	}

	for step := 1; step <= steps; step++ {
		reqTime := hltime.FromSeconds(float64(step))
		for _, h := range fleet {
			for name, handle := range h.pubs {
				v := float64(step)
				if err := h.fed.PublishDouble(handle, v); err != nil {
					log.WithError(err).WithField("publication", name).Warn("publish failed")
				}
			}
		}
		for _, h := range fleet {
			granted, _, err := h.fed.RequestTime(context.Background(), reqTime, hltime.NoIterations)
			if err != nil {
				return fmt.Errorf("helics-federate-demo: %s: request_time: %w", h.fed.Name(), err)
			}
			for name, handle := range h.inputs {
				v, err := h.fed.GetValueDouble(handle)
				if err == nil {
					log.WithFields(logrus.Fields{
						"federate": h.fed.Name(), "input": name, "value": v, "time": granted.Seconds(),
					}).Info("helics-federate-demo: received value")
				}
			}
		}
	}

	for _, h := range fleet {
		if err := h.fed.Finalize(); err != nil {
			log.WithError(err).WithField("federate", h.fed.Name()).Warn("finalize failed")
		}
	}
	return nil
}

// buildConfiguredFleet loads one federation config file per federate
// and registers its declared interfaces.
func buildConfiguredFleet(core *corehost.Core, paths []string, log *logrus.Entry) ([]*hosted, error) {
	fleet := make([]*hosted, 0, len(paths))
	for i, path := range paths {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("helics-federate-demo: %w", err)
		}
		name := cfg.Helics.Name
		if name == "" {
			name = fmt.Sprintf("federate_%d", i)
		}
		id := ids.FirstAssignable + ids.GlobalId(i)
		f := federate.New(id, name, nil, core, timecoord.Config{
			Period:   cfg.Helics.PeriodTime(),
			Offset:   cfg.Helics.OffsetTime(),
			Realtime: cfg.Helics.Realtime,
		}, nil)

		h := &hosted{fed: f, cfg: cfg, pubs: map[string]ids.HandleId{}, inputs: map[string]ids.HandleId{}, endpoints: map[string]ids.HandleId{}}
		if err := registerInterfaces(h); err != nil {
			return nil, fmt.Errorf("helics-federate-demo: %s: %w", name, err)
		}
		log.WithField("federate", name).Info("helics-federate-demo: federate registered")
		fleet = append(fleet, h)
	}
	return fleet, nil
}

func registerInterfaces(h *hosted) error {
	f, cfg := h.fed, h.cfg
	for _, p := range cfg.Publications {
		handle, err := f.RegisterPublication(p.Name, p.Type, p.Units, p.Global)
		if err != nil {
			return err
		}
		h.pubs[p.Name] = handle
	}
	for _, s := range cfg.Subscriptions {
		handle, err := f.RegisterInput(s.Name, s.Type, s.Units, s.Target, ids.HandleOptions{
			Required:        s.Required,
			MultiInputMode:  s.MultiInputMode,
			SourceSelection: s.SourceSelection,
		})
		if err != nil {
			return err
		}
		h.inputs[s.Name] = handle
	}
	for _, in := range cfg.Inputs {
		handle, err := f.RegisterInput(in.Name, in.Type, in.Units, "", ids.HandleOptions{Required: in.Required})
		if err != nil {
			return err
		}
		h.inputs[in.Name] = handle
	}
	for _, e := range cfg.Endpoints {
		handle, err := f.RegisterEndpoint(e.Name, e.Type, "")
		if err != nil {
			return err
		}
		h.endpoints[e.Name] = handle
	}
	for _, flt := range cfg.Filters {
		kind, params := filterKindFromSpec(flt)
		for _, target := range flt.Endpoints {
			if _, owned := h.endpoints[target]; !owned {
				continue
			}
			if _, err := f.RegisterFilter(flt.Name, target, kind, params); err != nil {
				return err
			}
		}
	}
	return nil
}

func filterKindFromSpec(flt config.FilterSpec) (federate.FilterKind, federate.FilterParams) {
	switch flt.Type {
	case "random_delay":
		return federate.FilterRandomDelay, federate.FilterParams{}
	case "random_drop":
		return federate.FilterRandomDrop, federate.FilterParams{DropProb: flt.DropProbability}
	case "reroute":
		return federate.FilterReroute, federate.FilterParams{}
	case "firewall":
		return federate.FilterFirewall, federate.FilterParams{}
	case "custom":
		return federate.FilterCustom, federate.FilterParams{}
	default:
		return federate.FilterDelay, federate.FilterParams{Delay: hltime.FromSeconds(flt.Delay)}
	}
}

// resolveConnections links every subscription's declared target, and
// every federation config's "connections" entries, to the matching
// publication, by name, across the whole in-process fleet. Cross-core
// name resolution ordinarily runs through the broker's registry (spec
// §4.4); a single-process demo has every federate's handle table
// available directly, so it resolves names itself instead.
func resolveConnections(fleet []*hosted, core *corehost.Core, log *logrus.Entry) {
	pubIndex := make(map[string]struct {
		fed    ids.GlobalId
		handle ids.HandleId
	})
	for _, h := range fleet {
		for name, handle := range h.pubs {
			pubIndex[name] = struct {
				fed    ids.GlobalId
				handle ids.HandleId
			}{h.fed.ID(), handle}
		}
	}

	link := func(core *corehost.Core, inputFed ids.GlobalId, inputHandle ids.HandleId, pubName string) {
		pub, ok := pubIndex[pubName]
		if !ok {
			log.WithField("publication", pubName).Warn("helics-federate-demo: unresolved connection target")
			return
		}
		core.LinkInputToPublication(
			ids.GlobalHandle{Federate: inputFed, Local: inputHandle},
			ids.GlobalHandle{Federate: pub.fed, Local: pub.handle},
		)
	}

	for _, h := range fleet {
		for _, s := range h.cfg.Subscriptions {
			if s.Target == "" {
				continue
			}
			link(core, h.fed.ID(), h.inputs[s.Name], s.Target)
		}
		for _, c := range h.cfg.Connections {
			for _, target := range c.Targets {
				for _, other := range fleet {
					if handle, ok := other.inputs[target]; ok {
						link(core, other.fed.ID(), handle, c.Publication)
					}
				}
			}
		}
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

// buildBuiltinFleet wires a two-federate generator/consumer demo when
// no config file is given: "generator" publishes a counter value every
// step, "consumer" subscribes to it.
func buildBuiltinFleet(core *corehost.Core) []*hosted {
	gen := federate.New(ids.FirstAssignable, "generator", nil, core, timecoord.Config{}, nil)
	con := federate.New(ids.FirstAssignable+1, "consumer", nil, core, timecoord.Config{}, nil)

	genHosted := &hosted{fed: gen, cfg: &config.FederationConfig{}, pubs: map[string]ids.HandleId{}, inputs: map[string]ids.HandleId{}, endpoints: map[string]ids.HandleId{}}
	conHosted := &hosted{fed: con, cfg: &config.FederationConfig{}, pubs: map[string]ids.HandleId{}, inputs: map[string]ids.HandleId{}, endpoints: map[string]ids.HandleId{}}

	pubHandle, _ := gen.RegisterPublication("generator/output", "double", "", true)
	genHosted.pubs["generator/output"] = pubHandle

	inHandle, _ := con.RegisterInput("consumer/input", "double", "", "generator/output", ids.HandleOptions{})
	conHosted.inputs["consumer/input"] = inHandle
	core.LinkInputToPublication(
		ids.GlobalHandle{Federate: con.ID(), Local: inHandle},
		ids.GlobalHandle{Federate: gen.ID(), Local: pubHandle},
	)

	return []*hosted{genHosted, conHosted}
}
