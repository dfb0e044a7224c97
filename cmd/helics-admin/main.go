// Command helics-admin runs a root broker alongside an HTTP/WS admin
// surface over its query routing (spec §6 "Admin/query protocol"):
// current_state, global_time, brokers, cores, federates, config,
// isconnected, status, and tag/<name>. It also exposes a Prometheus
// /metrics endpoint publishing federation-health gauges.
//
// Grounded on the teacher's flag-parse-then-serve mains for the broker
// process itself (_examples/sweght-FEM-Protocol/broker/main.go), with
// the HTTP surface built from go-chi/chi (carried in from
// WAN-Ninjas-AmityVox's REST layer) and coder/websocket (carried in
// from the same example's gateway client, used here server-side), and
// the metrics carried in from Generativebots-ocx-backend-go-svc's
// promauto-registered gauge style.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
	var adminAddr string

	root := &cobra.Command{
		Use:   "helics-admin",
		Short: "run a root broker with an HTTP/WS admin and query surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags, adminAddr)
		},
	}
	flags = config.RegisterFlags(root.Flags())
	root.Flags().StringVar(&adminAddr, "admin_addr", ":8080", "address the admin HTTP/WS surface listens on")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *config.CLIFlags, adminAddr string) error {
	log := newLogger(flags.LogLevel)
	name := flags.Name
	if name == "" {
		name = "root_broker"
	}

	tr, err := transport.NewTLSTransport(ids.RootId, log.WithField("component", "transport"))
	if err != nil {
		return fmt.Errorf("helics-admin: create transport: %w", err)
	}

	fabric := routing.New(ids.RootId, true, tr, nil, log.WithField("component", "routing"))
	reg := registry.New()
	b := broker.New(ids.RootId, name, true, fabric, reg, log.WithField("component", "broker"))
	if flags.CapabilityKey != "" {
		b.SetCapabilityManager(capability.NewManager([]byte(flags.CapabilityKey)))
	}
	b.SetTerminateOnError(flags.TerminateOnError)
	fabric.SetHandler(b)
	b.SetQueryResponder(newQueryResponder(b, reg))

	go fabric.Run()
	defer fabric.Stop()

	listenAddr := fmt.Sprintf("%s:%d", flags.LocalInterface, flags.Port)
	listenErrors := make(chan error, 1)
	go func() { listenErrors <- tr.Listen(listenAddr) }()
	log.WithField("address", listenAddr).Info("helics-admin: broker listening")

	gauges := newHealthGauges()
	go pollHealth(b, gauges)

	srv := &http.Server{Addr: adminAddr, Handler: newRouter(b, gauges, log)}
	serverErrors := make(chan error, 1)
	go func() { serverErrors <- srv.ListenAndServe() }()
	log.WithField("address", adminAddr).Info("helics-admin: admin surface listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-listenErrors:
		if err != nil {
			return fmt.Errorf("helics-admin: broker listen: %w", err)
		}
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("helics-admin: admin listen: %w", err)
		}
	case s := <-sig:
		log.WithField("signal", s).Info("helics-admin: shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	return tr.Disconnect()
}

// newQueryResponder answers the well-known query strings spec §6
// names against the broker's own state and registry.
func newQueryResponder(b *broker.Broker, reg *registry.Registry) broker.QueryResponder {
	return func(target, query string) (interface{}, error) {
		switch {
		case query == "current_state":
			return b.Phase(), nil
		case query == "global_time":
			return b.TimeBarrier().Seconds(), nil
		case query == "brokers", query == "cores", query == "federates":
			want := kindForQuery(query)
			names := make([]string, 0)
			for _, n := range b.Subtree() {
				if n.Kind == want {
					names = append(names, n.Name)
				}
			}
			return names, nil
		case query == "isconnected":
			return b.Phase() != broker.PhaseErrored, nil
		case query == "status":
			return map[string]interface{}{"phase": b.Phase(), "target": target}, nil
		case len(query) > 4 && query[:4] == "tag/":
			for _, e := range reg.All() {
				if e.Name == target {
					return e.Kind, nil
				}
			}
			return nil, fmt.Errorf("unknown target %q", target)
		default:
			return nil, fmt.Errorf("unrecognized query %q", query)
		}
	}
}

func kindForQuery(query string) broker.NodeKind {
	switch query {
	case "brokers":
		return broker.NodeBroker
	case "cores":
		return broker.NodeCore
	default:
		return broker.NodeFederate
	}
}

func newRouter(b *broker.Broker, gauges *healthGauges, log *logrus.Entry) http.Handler {
	r := chi.NewRouter()
	r.Get("/query/{target}/{query}", func(w http.ResponseWriter, req *http.Request) {
		target := chi.URLParam(req, "target")
		query := chi.URLParam(req, "query")
		answer, err := b.Query(target, query, action.CmdQuery)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(answer))
	})
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		serveAdminSocket(w, req, b, log)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// serveAdminSocket streams current_state over a websocket connection
// once per second until the client disconnects, for dashboards that
// want to watch a federation live rather than poll /query.
func serveAdminSocket(w http.ResponseWriter, req *http.Request, b *broker.Broker, log *logrus.Entry) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		log.WithError(err).Warn("helics-admin: websocket accept failed")
		return
	}
	defer conn.CloseNow()

	ctx := req.Context()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := json.Marshal(map[string]interface{}{
				"phase":        b.Phase(),
				"time_barrier": b.TimeBarrier().Seconds(),
			})
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

type healthGauges struct {
	phase    prometheus.Gauge
	brokers  prometheus.Gauge
	cores    prometheus.Gauge
	federate prometheus.Gauge
}

func newHealthGauges() *healthGauges {
	return &healthGauges{
		phase: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "helics_broker_phase",
			Help: "Federation phase: 0=initializing, 1=sealed, 2=errored.",
		}),
		brokers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "helics_broker_subordinate_brokers",
			Help: "Number of subordinate brokers registered under this root.",
		}),
		cores: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "helics_broker_subordinate_cores",
			Help: "Number of cores registered under this root.",
		}),
		federate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "helics_broker_subordinate_federates",
			Help: "Number of federates registered under this root.",
		}),
	}
}

func pollHealth(b *broker.Broker, g *healthGauges) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		g.phase.Set(float64(b.Phase()))
		var brokers, cores, feds float64
		for _, n := range b.Subtree() {
			switch n.Kind {
			case broker.NodeBroker:
				brokers++
			case broker.NodeCore:
				cores++
			default:
				feds++
			}
		}
		g.brokers.Set(brokers)
		g.cores.Set(cores)
		g.federate.Set(feds)
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
