// Package registry implements the Interface Registry (spec §3
// "Interface Registry (per core)"): the name -> (federate, handle,
// kind, type, units, options) table, its alias map, and the directed
// pub/input, endpoint/endpoint, and filter/endpoint bindings. The root
// broker owns the federation-wide registry; cores own a cache of the
// entries their own federates contributed plus whatever the broker has
// resolved back to them.
package registry

import (
	"fmt"
	"sync"

	"github.com/GMLC-TDC/HELICS-sub006/internal/herrors"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
)

// Entry is one registered interface.
type Entry struct {
	Name     string
	Federate ids.GlobalId
	Handle   ids.GlobalHandle
	Kind     ids.HandleKind
	Type     string
	Units    string
	Options  ids.HandleOptions
}

// Binding is a resolved directed edge between two interfaces: a
// Publication -> Input, an Endpoint -> Endpoint, or a Filter -> Endpoint.
type Binding struct {
	Source string
	Dest   string
}

// Registry is the name -> Entry table plus alias resolution and
// resolved bindings. It is safe for concurrent use; per spec §5, the
// root broker's copy is mutated only from its own dispatch loop, but
// downstream caches may be read from federate-facing API goroutines
// while the dispatch loop updates them, hence the lock.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	aliases   map[string]string // alias -> canonical name
	bindings  []Binding
	pubToIn   map[string][]string // publication name -> input names subscribed
	epToEp    map[string][]string // endpoint -> endpoint targets
	filterSeq map[string][]string // endpoint -> ordered filter names
}

func New() *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		aliases:   make(map[string]string),
		pubToIn:   make(map[string][]string),
		epToEp:    make(map[string][]string),
		filterSeq: make(map[string][]string),
	}
}

// Register inserts e under e.Name. Invariant (1): no two publications
// may share a name within a federation.
func (r *Registry) Register(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[e.Name]; ok {
		if existing.Kind == ids.HandlePublication && e.Kind == ids.HandlePublication {
			return herrors.New(herrors.RegistrationFailure, 10,
				fmt.Sprintf("duplicate publication name %q", e.Name))
		}
		if existing.Federate != e.Federate || existing.Handle != e.Handle {
			return herrors.New(herrors.RegistrationFailure, 11,
				fmt.Sprintf("name %q already registered to a different handle", e.Name))
		}
	}
	r.entries[e.Name] = e
	return nil
}

// Unregister removes name, the aliases that resolve to it, and the
// subscriber, target and filter lists keyed by name, e.g. when its owning
// federate finalizes. Binding records, and lists under other names that
// contain name, are left unchanged.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
	delete(r.pubToIn, name)
	delete(r.epToEp, name)
	delete(r.filterSeq, name)
	for alias, canonical := range r.aliases {
		if canonical == name {
			delete(r.aliases, alias)
		}
	}
}

// Lookup resolves name through the alias table if necessary and
// returns its Entry.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(name)
}

func (r *Registry) lookupLocked(name string) (*Entry, bool) {
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	e, ok := r.entries[name]
	return e, ok
}

// AddAlias makes alias resolve to canonical in the global name table.
func (r *Registry) AddAlias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = canonical
}

// Subscribe records that input subscribes to publication, resolving
// invariant (2): every Input either resolves to exactly one publication
// or (if required) reports a connection error.
func (r *Registry) Subscribe(inputName, publicationName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pub, ok := r.lookupLocked(publicationName)
	if !ok {
		in, inOK := r.lookupLocked(inputName)
		if inOK && in.Options.Required {
			return herrors.New(herrors.RegistrationFailure, 12,
				fmt.Sprintf("required input %q has no matching publication %q", inputName, publicationName))
		}
		return nil
	}
	if pub.Kind != ids.HandlePublication {
		return herrors.New(herrors.InvalidArgument, 13,
			fmt.Sprintf("%q is not a publication", publicationName))
	}
	r.pubToIn[publicationName] = appendUnique(r.pubToIn[publicationName], inputName)
	r.bindings = append(r.bindings, Binding{Source: publicationName, Dest: inputName})
	return nil
}

// SubscribersOf returns every input name subscribed to publication.
func (r *Registry) SubscribersOf(publicationName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.pubToIn[publicationName]...)
}

// LinkEndpoints records a message-flow edge source -> dest.
func (r *Registry) LinkEndpoints(source, dest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epToEp[source] = appendUnique(r.epToEp[source], dest)
	r.bindings = append(r.bindings, Binding{Source: source, Dest: dest})
}

// TargetsOf returns the endpoints source forwards messages to.
func (r *Registry) TargetsOf(source string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.epToEp[source]...)
}

// AttachFilter appends filterName to the ordered filter pipeline for
// endpoint. Invariant (3): filter source/dest targets must name
// existing endpoints by the time the federation reaches executing
// mode; that check is performed by ValidateExecutingReady.
func (r *Registry) AttachFilter(endpoint, filterName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filterSeq[endpoint] = append(r.filterSeq[endpoint], filterName)
}

// FiltersFor returns the ordered filter pipeline attached to endpoint.
func (r *Registry) FiltersFor(endpoint string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.filterSeq[endpoint]...)
}

// ValidateExecutingReady enforces invariant (3): every filter's source
// and dest endpoint targets must resolve to a registered Endpoint entry.
func (r *Registry) ValidateExecutingReady() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for endpoint, filters := range r.filterSeq {
		if e, ok := r.lookupLocked(endpoint); !ok || e.Kind != ids.HandleEndpoint {
			return herrors.New(herrors.RegistrationFailure, 14,
				fmt.Sprintf("filter pipeline %v attached to unknown endpoint %q", filters, endpoint))
		}
	}
	return nil
}

// All returns every registered entry, for query responses.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
