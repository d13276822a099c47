// Package registry holds the two in-memory tables the supervisor mutates:
// the append-only table of PluginDescriptor entries produced by
// registration, and the table of currently RunningInstance entries produced
// by start/stop.
//
// The running-instance record refers to its descriptor by name, never by
// back-pointer, so the two tables stay acyclic.
package registry

import (
	"sync"
	"time"

	"github.com/nullboard/pluginsup/internal/protocol"
)

// Trigger is the tagged variant describing what starts a plugin instance.
// The supervisor itself only ever starts Manual instances; the remaining
// variants are recorded for collaborators (schedulers, entry-change
// listeners) that are out of scope for this package.
type Trigger struct {
	Kind    TriggerKind
	Pattern string // only meaningful when Kind == TriggerOnSchedule
}

type TriggerKind int

const (
	TriggerManual TriggerKind = iota
	TriggerOnEntryCreate
	TriggerOnEntryUpdate
	TriggerOnEntryDelete
	TriggerOnSchedule
)

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerManual:
		return "manual"
	case TriggerOnEntryCreate:
		return "on_entry_create"
	case TriggerOnEntryUpdate:
		return "on_entry_update"
	case TriggerOnEntryDelete:
		return "on_entry_delete"
	case TriggerOnSchedule:
		return "on_schedule:" + t.Pattern
	default:
		return "manual"
	}
}

// Descriptor is the immutable-after-registration description of a
// registered plugin. Enabled and Valid are the only fields mutated after
// Append.
type Descriptor struct {
	Name        string
	Description string
	Trigger     Trigger
	SourcePath  string // canonical absolute path
	Enabled     bool
	Valid       bool
	Warnings    []string
}

// Instance is the lifecycle record of one executing plugin process
// ChildHandle and Messages are owned exclusively by this entry; no other
// component reads them.
type Instance struct {
	ID           uint64
	PluginName   string // key into Descriptors
	State        InstanceState
	ChildHandle  ChildHandle
	Messages     <-chan protocol.Message
	NextSequence uint64 // starts at 1
}

type InstanceState int

const (
	StateRunning InstanceState = iota
	StatePaused
)

// ChildHandle is the subset of childproc.Child the registry and supervisor
// need, kept abstract here so this package has no dependency on
// process-spawning details.
type ChildHandle interface {
	Send(req protocol.Request) error
	CloseStdin() error
	Kill() error
	Wait(doneCh chan<- error)
	WaitTimeout(d time.Duration) (exited bool, err error)
}

// Registry is the supervisor's sole mutator of both tables. Query methods
// may run concurrently with each other; mutation is serialized through mu.
type Registry struct {
	mu            sync.RWMutex
	descriptors   []*Descriptor // registration order, append-only
	byName        map[string]*Descriptor
	byPath        map[string]*Descriptor
	instances     map[uint64]*Instance
	instanceOrder []uint64 // insertion order, for deterministic RunningPairs
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName:    make(map[string]*Descriptor),
		byPath:    make(map[string]*Descriptor),
		instances: make(map[uint64]*Instance),
	}
}

// HasPath reports whether a descriptor is already registered under the
// given canonical source path.
func (r *Registry) HasPath(canonicalPath string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byPath[canonicalPath]
	return ok
}

// Append adds a new descriptor. The caller must already have verified
// uniqueness of Name and SourcePath via HasPath/ByName.
func (r *Registry) Append(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors = append(r.descriptors, d)
	r.byName[d.Name] = d
	r.byPath[d.SourcePath] = d
}

// ByName returns the descriptor registered under name, if any.
func (r *Registry) ByName(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// All returns descriptors in registration order. The returned slice and
// the descriptors it points to are fresh copies; mutating them does not
// affect the registry.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, len(r.descriptors))
	for i, d := range r.descriptors {
		cp := *d
		out[i] = &cp
	}
	return out
}

// SetEnabled flips the Enabled flag on the named descriptor. Reports false
// if no such descriptor exists.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	if !ok {
		return false
	}
	d.Enabled = enabled
	return true
}

// HasInstance reports whether instanceID is currently present in the
// running-instances table, in any state.
func (r *Registry) HasInstance(instanceID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[instanceID]
	return ok
}

// InsertInstance adds inst to the running-instances table. The caller must
// have already confirmed instanceID is unused.
func (r *Registry) InsertInstance(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = inst
	r.instanceOrder = append(r.instanceOrder, inst.ID)
}

// Instance returns the instance for instanceID, if present.
func (r *Registry) Instance(instanceID uint64) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[instanceID]
	return inst, ok
}

// RemoveInstance deletes instanceID from the running-instances table and
// returns the removed entry, if it existed.
func (r *Registry) RemoveInstance(instanceID uint64) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, false
	}
	delete(r.instances, instanceID)
	for i, id := range r.instanceOrder {
		if id == instanceID {
			r.instanceOrder = append(r.instanceOrder[:i], r.instanceOrder[i+1:]...)
			break
		}
	}
	return inst, true
}

// SetInstanceState transitions an already-present instance's state. Returns
// false if the instance is no longer present (e.g. it was stopped
// concurrently).
func (r *Registry) SetInstanceState(instanceID uint64, state InstanceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return false
	}
	inst.State = state
	return true
}

// RunningPairs returns (descriptor, instanceID) for every instance whose
// state is StateRunning, in the order their instances were inserted.
// Paused instances are filtered out.
func (r *Registry) RunningPairs() []RunningPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RunningPair, 0, len(r.instances))
	for _, id := range r.instanceOrder {
		inst, ok := r.instances[id]
		if !ok || inst.State != StateRunning {
			continue
		}
		d, ok := r.byName[inst.PluginName]
		if !ok {
			continue
		}
		out = append(out, RunningPair{Descriptor: d, InstanceID: id})
	}
	return out
}

// RunningPair pairs a descriptor with one running instance id.
type RunningPair struct {
	Descriptor *Descriptor
	InstanceID uint64
}

// NextSequence atomically reads-and-increments the given instance's request
// sequence counter, returning the value to use for this request.
func (r *Registry) NextSequence(instanceID uint64) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return 0, false
	}
	seq := inst.NextSequence
	inst.NextSequence++
	return seq, true
}
