// Package config loads the federation config file (spec.md §6: JSON or
// TOML, top-level keys helics/publications/subscriptions/inputs/
// endpoints/filters/connections/globals/tags) and the CLI flag set every
// broker/core/federate binary accepts, grounded on the teacher's
// defaults+env-override shape in
// _examples/WAN-Ninjas-AmityVox/internal/config/config.go, renamed from
// AmityVox's instance/database/etc. sections to the spec's federation
// vocabulary. JSON uses encoding/json; TOML uses go-toml/v2, carried in
// from the same example.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
)

// CoreType names the transport/hosting style a core binds to (spec §6
// "--coretype=<ZMQ|TCP|UDP|IPC|INPROC|TCPSS|TEST>").
type CoreType int

const (
	CoreZMQ CoreType = iota
	CoreTCP
	CoreUDP
	CoreIPC
	CoreINPROC
	CoreTCPSS
	CoreTEST
)

func (c CoreType) String() string {
	switch c {
	case CoreZMQ:
		return "ZMQ"
	case CoreTCP:
		return "TCP"
	case CoreUDP:
		return "UDP"
	case CoreIPC:
		return "IPC"
	case CoreINPROC:
		return "INPROC"
	case CoreTCPSS:
		return "TCPSS"
	case CoreTEST:
		return "TEST"
	default:
		return "TCP"
	}
}

// LocalOnly reports whether the core type never leaves this process
// (spec §6's INPROC/TEST core types).
func (c CoreType) LocalOnly() bool {
	return c == CoreINPROC || c == CoreTEST
}

// ParseCoreType maps a CLI/config core-type string to a CoreType,
// defaulting to CoreTCP for an unrecognized or empty value.
func ParseCoreType(s string) CoreType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ZMQ":
		return CoreZMQ
	case "TCP":
		return CoreTCP
	case "UDP":
		return CoreUDP
	case "IPC":
		return CoreIPC
	case "INPROC":
		return CoreINPROC
	case "TCPSS":
		return CoreTCPSS
	case "TEST":
		return CoreTEST
	default:
		return CoreTCP
	}
}

// CLIFlags holds the broker/core/federate command-line options spec.md
// §6 enumerates ("--name", "--coretype", "--broker", "--brokerport",
// "--federates"/"-f", "--minbrokers", "--timeout", "--loglevel",
// "--period", "--offset", "--timedelta", "--realtime",
// "--terminate_on_error", "--debugging", …).
type CLIFlags struct {
	Name             string
	CoreTypeName     string
	Broker           string
	BrokerPort       int
	Port             int
	LocalInterface   string
	Federates        int
	MinBrokers       int
	Timeout          time.Duration
	LogLevel         string
	Period           float64
	Offset           float64
	TimeDelta        float64
	Realtime         bool
	TerminateOnError bool
	Debugging        bool
	ConfigFile       string
	CapabilityKey    string
}

// CoreType parses f.CoreTypeName.
func (f *CLIFlags) CoreType() CoreType { return ParseCoreType(f.CoreTypeName) }

// RegisterFlags installs every CLI flag onto fs (a cobra command's
// fs via cmd.Flags()) and returns the struct those flags populate once
// fs.Parse/cmd.Execute runs.
func RegisterFlags(fs *pflag.FlagSet) *CLIFlags {
	f := &CLIFlags{}
	fs.StringVar(&f.Name, "name", "", "federate/core/broker name")
	fs.StringVar(&f.CoreTypeName, "coretype", "TCP", "core type: ZMQ|TCP|UDP|IPC|INPROC|TCPSS|TEST")
	fs.StringVar(&f.Broker, "broker", "", "parent broker address")
	fs.IntVar(&f.BrokerPort, "brokerport", 0, "parent broker port")
	fs.IntVar(&f.Port, "port", 0, "listening port")
	fs.StringVar(&f.LocalInterface, "local_interface", "", "local bind address")
	fs.IntVarP(&f.Federates, "federates", "f", 1, "number of federates this core will host")
	fs.IntVar(&f.MinBrokers, "minbrokers", 1, "minimum broker count before the federation seals")
	fs.DurationVar(&f.Timeout, "timeout", 30*time.Second, "registration/connection timeout")
	fs.StringVar(&f.LogLevel, "loglevel", "info", "log level: trace|debug|info|warn|error")
	fs.Float64Var(&f.Period, "period", 0, "time-step period (seconds)")
	fs.Float64Var(&f.Offset, "offset", 0, "time-step offset (seconds)")
	fs.Float64Var(&f.TimeDelta, "timedelta", 0, "minimum time delta (seconds)")
	fs.BoolVar(&f.Realtime, "realtime", false, "enable real-time pacing")
	fs.BoolVar(&f.TerminateOnError, "terminate_on_error", false, "tear down the federation on any local_error")
	fs.BoolVar(&f.Debugging, "debugging", false, "enable verbose debug output")
	fs.StringVar(&f.ConfigFile, "config", "", "federation config file (JSON or TOML)")
	fs.StringVar(&f.CapabilityKey, "capability_key", os.Getenv("HELICS_CAPABILITY_KEY"),
		"HMAC signing key for registration capability tokens (root broker only); tokens are disabled if empty")
	return f
}

// InterfaceSpec describes one publication/input/endpoint entry (spec §6
// "{name, type, units, global, required, …}").
type InterfaceSpec struct {
	Name     string `json:"name" toml:"name"`
	Type     string `json:"type,omitempty" toml:"type,omitempty"`
	Units    string `json:"units,omitempty" toml:"units,omitempty"`
	Global   bool   `json:"global,omitempty" toml:"global,omitempty"`
	Required bool   `json:"required,omitempty" toml:"required,omitempty"`
}

// SubscriptionSpec is an InterfaceSpec plus the publication it targets.
type SubscriptionSpec struct {
	InterfaceSpec
	Target          string `json:"target,omitempty" toml:"target,omitempty"`
	MultiInputMode  string `json:"multi_input_mode,omitempty" toml:"multi_input_mode,omitempty"`
	SourceSelection string `json:"source_selection,omitempty" toml:"source_selection,omitempty"`
}

// FilterSpec describes one filter registration (spec §6 "filter entries
// include endpoints/source_endpoints/dest_endpoints target lists").
type FilterSpec struct {
	Name            string   `json:"name" toml:"name"`
	Type            string   `json:"type" toml:"type"`
	Endpoints       []string `json:"endpoints,omitempty" toml:"endpoints,omitempty"`
	SourceEndpoints []string `json:"source_endpoints,omitempty" toml:"source_endpoints,omitempty"`
	DestEndpoints   []string `json:"dest_endpoints,omitempty" toml:"dest_endpoints,omitempty"`
	Delay           float64  `json:"delay,omitempty" toml:"delay,omitempty"`
	DropProbability float64  `json:"drop_probability,omitempty" toml:"drop_probability,omitempty"`
}

// ConnectionSpec is a publication -> input binding. JSON configs accept
// both a `[pub_name, input_name]` pair and an object
// `{publication, targets:[...]}`; TOML configs accept only the object form.
type ConnectionSpec struct {
	Publication string   `json:"publication,omitempty" toml:"publication,omitempty"`
	Targets     []string `json:"targets,omitempty" toml:"targets,omitempty"`
}

// UnmarshalJSON accepts either the two-element pair form or the object
// form for one connection entry.
func (c *ConnectionSpec) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err == nil {
		c.Publication = pair[0]
		c.Targets = []string{pair[1]}
		return nil
	}
	type alias ConnectionSpec
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("config: connection entry is neither a [pub, input] pair nor an object: %w", err)
	}
	*c = ConnectionSpec(obj)
	return nil
}

// HelicsDefaults is the config file's "helics" section: federate-level
// defaults a federation config can set without repeating them on every
// CLI invocation.
type HelicsDefaults struct {
	Name             string  `json:"name,omitempty" toml:"name,omitempty"`
	CoreType         string  `json:"coretype,omitempty" toml:"coretype,omitempty"`
	Period           float64 `json:"period,omitempty" toml:"period,omitempty"`
	Offset           float64 `json:"offset,omitempty" toml:"offset,omitempty"`
	TimeDelta        float64 `json:"timedelta,omitempty" toml:"timedelta,omitempty"`
	Realtime         bool    `json:"realtime,omitempty" toml:"realtime,omitempty"`
	TerminateOnError bool    `json:"terminate_on_error,omitempty" toml:"terminate_on_error,omitempty"`
	LogLevel         string  `json:"loglevel,omitempty" toml:"loglevel,omitempty"`
}

// FederationConfig is the full federation config file (spec §6): "Config
// file. JSON or TOML; top-level keys helics (federate defaults),
// publications, subscriptions, inputs, endpoints, filters, connections,
// globals, tags."
type FederationConfig struct {
	Helics        HelicsDefaults     `json:"helics,omitempty" toml:"helics,omitempty"`
	Publications  []InterfaceSpec    `json:"publications,omitempty" toml:"publications,omitempty"`
	Subscriptions []SubscriptionSpec `json:"subscriptions,omitempty" toml:"subscriptions,omitempty"`
	Inputs        []InterfaceSpec    `json:"inputs,omitempty" toml:"inputs,omitempty"`
	Endpoints     []InterfaceSpec    `json:"endpoints,omitempty" toml:"endpoints,omitempty"`
	Filters       []FilterSpec       `json:"filters,omitempty" toml:"filters,omitempty"`
	Connections   []ConnectionSpec   `json:"connections,omitempty" toml:"connections,omitempty"`
	Globals       map[string]string  `json:"globals,omitempty" toml:"globals,omitempty"`
	Tags          map[string]string  `json:"tags,omitempty" toml:"tags,omitempty"`
}

// Load reads a federation config file, selecting the JSON or TOML
// decoder by file extension (.toml vs. anything else defaults to JSON).
func Load(path string) (*FederationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	cfg := &FederationConfig{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing TOML %q: %w", path, err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing JSON %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets HELICS_LOGLEVEL/HELICS_REALTIME override the
// config file without editing it, mirroring the teacher example's
// AMITYVOX_* env-override convention.
func applyEnvOverrides(cfg *FederationConfig) {
	if v := os.Getenv("HELICS_LOGLEVEL"); v != "" {
		cfg.Helics.LogLevel = v
	}
	if v := os.Getenv("HELICS_REALTIME"); v != "" {
		cfg.Helics.Realtime = v == "true" || v == "1"
	}
}

func validate(cfg *FederationConfig) error {
	seen := make(map[string]bool)
	for _, group := range [][]InterfaceSpec{cfg.Publications, cfg.Inputs, cfg.Endpoints} {
		for _, spec := range group {
			if spec.Name == "" {
				return fmt.Errorf("config: interface entry missing required field \"name\"")
			}
			if seen[spec.Name] {
				return fmt.Errorf("config: duplicate interface name %q", spec.Name)
			}
			seen[spec.Name] = true
		}
	}
	for _, sub := range cfg.Subscriptions {
		if sub.Name == "" {
			return fmt.Errorf("config: subscription entry missing required field \"name\"")
		}
	}
	for _, filt := range cfg.Filters {
		if filt.Name == "" || filt.Type == "" {
			return fmt.Errorf("config: filter entry requires both \"name\" and \"type\"")
		}
	}
	if cfg.Helics.LogLevel != "" {
		validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(cfg.Helics.LogLevel)] {
			return fmt.Errorf("config: helics.loglevel must be one of trace|debug|info|warn|error (got %q)", cfg.Helics.LogLevel)
		}
	}
	return nil
}

// PeriodTime/OffsetTime/TimeDeltaTime convert the defaults' float-seconds
// fields to the runtime's fixed-point hltime.Time representation.
func (h HelicsDefaults) PeriodTime() hltime.Time    { return hltime.FromSeconds(h.Period) }
func (h HelicsDefaults) OffsetTime() hltime.Time    { return hltime.FromSeconds(h.Offset) }
func (h HelicsDefaults) TimeDeltaTime() hltime.Time { return hltime.FromSeconds(h.TimeDelta) }
