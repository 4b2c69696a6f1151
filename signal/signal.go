/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package signal

import (
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/mprmesh/mapper/idmap"
	"github.com/mprmesh/mapper/mtime"
	"github.com/mprmesh/mapper/props"
	"github.com/mprmesh/mapper/valuebuf"
)

// Instance is one of a signal's parallel sub-streams.
type Instance struct {
	ID       uint64
	Idx      int
	Status   Status
	Created  mtime.Time
	UserData interface{}

	entry *idmap.Entry
}

// OutgoingSink is implemented by a map source slot attached to this
// signal: processMaps drives every attached sink on update and release.
// Defined here (not in mapping) so signal never imports mapping.
type OutgoingSink interface {
	OnInstanceUpdate(instIdx int)
	OnInstanceRelease(instIdx int, originator uint64)
}

// Handler is a user callback invoked synchronously from inside Signal's
// mutating calls ("user callbacks run synchronously").
type Handler func(sig *Signal, instIdx int, event Status)

// Config describes a signal at construction time.
type Config struct {
	Path         string
	Unit         string
	Direction    Direction
	Vlen         int
	Type         valuebuf.Type
	Ephemeral    bool
	UseInstances bool
	StealMode    StealMode
	NumInstances int // initial reserved instance count, minimum 1
	Mlen         int // value-buffer history depth, minimum 1
	Handler      Handler
	EventMask    Status

	// Registry is the owning device's shared id-map registry; the
	// signal only holds entries allocated from it, never its own table.
	Registry *idmap.Registry
	// NextGlobalID mints a fresh globally-unique id for a newly
	// activated instance, normally Device.GenerateUniqueID.
	NextGlobalID func() uint64
}

// Signal is a vector I/O endpoint with N instances.
type Signal struct {
	Path         string
	Unit         string
	Direction    Direction
	Vlen         int
	Type         valuebuf.Type
	Ephemeral    bool
	UseInstances bool
	StealMode    StealMode

	instances []*Instance // sorted by ID for log-N lookup
	buf       *valuebuf.Buffer
	registry  *idmap.Registry
	nextGID   func() uint64

	handler   Handler
	eventMask Status
	outgoing  []OutgoingSink
	table     *props.Table

	locked bool // re-entrancy guard for processMaps
}

// New constructs a Signal per cfg.
func New(cfg Config) *Signal {
	if cfg.NumInstances < 1 {
		cfg.NumInstances = 1
	}
	if cfg.Mlen < 1 {
		cfg.Mlen = 1
	}
	s := &Signal{
		Path: cfg.Path, Unit: cfg.Unit, Direction: cfg.Direction,
		Vlen: cfg.Vlen, Type: cfg.Type, Ephemeral: cfg.Ephemeral,
		UseInstances: cfg.UseInstances, StealMode: cfg.StealMode,
		registry: cfg.Registry, nextGID: cfg.NextGlobalID,
		handler: cfg.Handler, eventMask: cfg.EventMask,
		buf:   valuebuf.New(cfg.Vlen, cfg.Type, cfg.Mlen, 0),
		table: props.New(),
	}
	s.table.SetReadOnly("@name", cfg.Path)
	s.table.SetReadOnly("@length", cfg.Vlen)
	s.table.SetReadOnly("@direction", map[Direction]string{In: "input", Out: "output"}[cfg.Direction])
	s.table.SetReadOnly("@type", typeLetter(cfg.Type))
	s.table.SetReadOnly("@ephemeral", cfg.Ephemeral)
	if cfg.Unit != "" {
		s.table.SetReadOnly("@unit", cfg.Unit)
	}
	if s.nextGID == nil {
		s.nextGID = func() uint64 { return 0 }
	}
	if _, err := s.ReserveInst(cfg.NumInstances, nil, nil); err != nil {
		log.Warningf("signal %s: initial instance reservation: %v", s.Path, err)
	}
	return s
}

// AddOutgoing registers a map source slot to be notified on every
// update/release of this signal's instances.
func (s *Signal) AddOutgoing(sink OutgoingSink) { s.outgoing = append(s.outgoing, sink) }

// NumInstances reports the instance count.
func (s *Signal) NumInstances() int { return len(s.instances) }

// InstanceAt returns the instance whose stable buffer slot is idx, or
// nil. The instances slice is sorted by ID, not by slot, so this is a
// scan; N is at most MaxInstances.
func (s *Signal) InstanceAt(idx int) *Instance {
	for _, inst := range s.instances {
		if inst.Idx == idx {
			return inst
		}
	}
	return nil
}

// Buffer exposes the underlying value buffer for slot/map wiring.
func (s *Signal) Buffer() *valuebuf.Buffer { return s.buf }

// Properties exposes the signal's property table; @-prefixed keys are
// carried in /signal announcements.
func (s *Signal) Properties() *props.Table { return s.table }

// InstanceOriginator returns the global ID paired with the instance at
// slot idx (the top 32 bits name the originating device), or 0 when the
// instance has no pairing yet. Map scope filtering keys off this.
func (s *Signal) InstanceOriginator(idx int) uint64 {
	inst := s.InstanceAt(idx)
	if inst == nil || inst.entry == nil {
		return 0
	}
	return inst.entry.Global
}

func (s *Signal) findByID(id uint64) (int, bool) {
	n := len(s.instances)
	i := sort.Search(n, func(i int) bool { return s.instances[i].ID >= id })
	if i < n && s.instances[i].ID == id {
		return i, true
	}
	return -1, false
}

func (s *Signal) emit(idx int, ev Status) {
	if s.handler != nil && s.eventMask&ev != 0 {
		s.handler(s, idx, ev)
	}
}

// ReserveInst appends up to n instances with given ids (or synthetic
// ones) and optional user data. Returns the number
// actually added: a signal never exceeds MaxInstances, so a request
// that would cross the ceiling partially succeeds.
func (s *Signal) ReserveInst(n int, ids []uint64, data []interface{}) (int, error) {
	added := 0
	for i := 0; i < n; i++ {
		if len(s.instances) >= MaxInstances {
			break
		}
		var id uint64
		if i < len(ids) {
			id = ids[i]
		} else {
			id = syntheticID(s.instances)
		}
		if _, ok := s.findByID(id); ok {
			continue
		}
		idx := s.buf.AddInst()
		inst := &Instance{ID: id, Idx: idx, Status: Staged, Created: mtime.Now()}
		if i < len(data) {
			inst.UserData = data[i]
		}
		s.instances = append(s.instances, inst)
		sort.Slice(s.instances, func(a, b int) bool { return s.instances[a].ID < s.instances[b].ID })
		added++
	}
	return added, nil
}

func typeLetter(t valuebuf.Type) string {
	switch t {
	case valuebuf.Int32:
		return "i"
	case valuebuf.Float32:
		return "f"
	}
	return "d"
}

func syntheticID(existing []*Instance) uint64 {
	var max uint64
	for _, in := range existing {
		if in.ID > max {
			max = in.ID
		}
	}
	return max + 1
}

type activateFlags struct {
	excludeReleased bool
}

// getInst implements the six-step activation algorithm.
func (s *Signal) getInst(localID uint64, hasLocal bool, globalID uint64, hasGlobal bool, flags activateFlags, activate, callHandler bool) (int, error) {
	// Step 1: existing id-map pairing.
	if hasLocal {
		if idx, ok := s.findByID(localID); ok {
			inst := s.instances[idx]
			if inst.entry != nil && (!flags.excludeReleased || inst.Status&RelUpstream == 0) {
				return idx, nil
			}
		}
	}
	if hasGlobal && s.registry != nil {
		if e := s.registry.GetByGlobal(globalID); e != nil {
			for idx, inst := range s.instances {
				if inst.entry == e {
					return idx, nil
				}
			}
		}
	}
	if !activate {
		return -1, fmt.Errorf("signal %s: instance not found", s.Path)
	}
	// Step 3: an unpaired reserved instance, preferring a local-id match.
	var candidate int = -1
	if hasLocal {
		if idx, ok := s.findByID(localID); ok && s.instances[idx].entry == nil {
			candidate = idx
		}
	}
	if candidate < 0 {
		for idx, inst := range s.instances {
			if inst.entry == nil {
				candidate = idx
				break
			}
		}
	}
	// Step 4: an inactive reserved instance (persistent signals may
	// reuse an already-active one; ephemeral signals may not).
	if candidate < 0 {
		for idx, inst := range s.instances {
			if inst.Status&Active == 0 {
				candidate = idx
				break
			}
		}
	}
	if candidate < 0 && !s.Ephemeral {
		for idx := range s.instances {
			candidate = idx
			break
		}
	}
	// Step 5: steal policy. OLDEST/NEWEST implicitly release a victim;
	// NONE emits OVERFLOW and fails, except that the OVERFLOW handler may
	// itself reserve room, so unpaired instances are re-scanned after it
	// returns.
	if candidate < 0 {
		switch s.StealMode {
		case StealOldest, StealNewest:
			if victimIdx := s.pickSteal(); victimIdx >= 0 {
				// the release may run user handlers that mutate the
				// instances slice, so re-locate the victim afterwards.
				victim := s.instances[victimIdx]
				s.releaseLocked(victim)
				for idx, in := range s.instances {
					if in == victim {
						candidate = idx
						break
					}
				}
			}
		default:
			s.emit(-1, Overflow)
			for idx, inst := range s.instances {
				if inst.entry == nil && inst.Status&Active == 0 {
					candidate = idx
					break
				}
			}
		}
	}
	if candidate < 0 {
		return -1, fmt.Errorf("signal %s: instance overflow", s.Path)
	}

	inst := s.instances[candidate]
	if hasLocal {
		inst.ID = localID
		// re-sort: local id changed identity, keep the sorted invariant.
		// inst.Idx (the buffer slot) is untouched by the sort.
		sort.Slice(s.instances, func(a, b int) bool { return s.instances[a].ID < s.instances[b].ID })
		for idx, in := range s.instances {
			if in == inst {
				candidate = idx
				break
			}
		}
	}
	gid := globalID
	if !hasGlobal {
		gid = s.nextGID()
	}
	entry, err := s.registry.Add(inst.ID, gid, false)
	if err != nil {
		return -1, err
	}
	inst.entry = entry
	wasNew := inst.Status&Active == 0
	inst.Status = Active
	inst.Created = mtime.Now()
	if wasNew && callHandler {
		s.emit(inst.Idx, StatusNew)
	}
	return candidate, nil
}

func (s *Signal) pickSteal() int {
	best := -1
	for idx, inst := range s.instances {
		if inst.entry == nil {
			continue
		}
		if best < 0 {
			best = idx
			continue
		}
		if s.StealMode == StealOldest && mtime.Before(inst.Created, s.instances[best].Created) {
			best = idx
		}
		if s.StealMode == StealNewest && mtime.After(inst.Created, s.instances[best].Created) {
			best = idx
		}
	}
	return best
}

// SetValue is the local-update entry point. NaN payloads are dropped
// silently.
func (s *Signal) SetValue(instID uint64, vlen int, typ valuebuf.Type, value []float64) error {
	for _, v := range value {
		if math.IsNaN(v) {
			return nil
		}
	}
	idx, err := s.getInst(instID, true, 0, false, activateFlags{}, true, true)
	if err != nil {
		return err
	}
	inst := s.instances[idx]
	s.buf.SetNextCoerced(inst.Idx, vlen, typ, value, mtime.Now())
	inst.Status |= HasValue | NewValue | UpdateLoc
	s.processMaps(inst)
	return nil
}

// SetValueFromGlobal applies an update that arrived off the wire
// addressed by global instance ID, activating (and pairing) an instance
// for it if needed. NaN payloads are dropped silently, like SetValue.
func (s *Signal) SetValueFromGlobal(globalID uint64, vlen int, typ valuebuf.Type, value []float64) error {
	for _, v := range value {
		if math.IsNaN(v) {
			return nil
		}
	}
	idx, err := s.getInst(0, false, globalID, true, activateFlags{}, true, true)
	if err != nil {
		return err
	}
	inst := s.instances[idx]
	s.buf.SetNextCoerced(inst.Idx, vlen, typ, value, mtime.Now())
	inst.Status |= HasValue | NewValue | UpdateRem
	s.processMaps(inst)
	return nil
}

// ReleaseInstGlobal releases the instance paired with globalID, the
// receiving side of a wire release (all-null vector).
func (s *Signal) ReleaseInstGlobal(globalID uint64) error {
	if s.registry == nil {
		return fmt.Errorf("signal %s: release: no id-map registry", s.Path)
	}
	e := s.registry.GetByGlobal(globalID)
	if e == nil {
		return fmt.Errorf("signal %s: release: unknown global instance %#x", s.Path, globalID)
	}
	for _, inst := range s.instances {
		if inst.entry == e {
			s.releaseLocked(inst)
			return nil
		}
	}
	return fmt.Errorf("signal %s: release: global instance %#x has no local pairing", s.Path, globalID)
}

// ReleaseInst marks an instance released and drives the map runtime's
// release semantics with no new value.
func (s *Signal) ReleaseInst(instID uint64) error {
	idx, ok := s.findByID(instID)
	if !ok {
		return fmt.Errorf("signal %s: release: unknown instance %d", s.Path, instID)
	}
	s.releaseLocked(s.instances[idx])
	return nil
}

func (s *Signal) releaseLocked(inst *Instance) {
	inst.Status |= RelUpstream
	inst.Status &^= Active
	s.emit(inst.Idx, RelUpstream)
	s.processMaps(inst)
	if inst.entry != nil {
		if s.Ephemeral {
			s.registry.DecrefLocal(inst.entry)
			inst.entry = nil
		}
		// persistent signals keep their entry (local refcount stays >0)
		// until RemoveInst is called explicitly.
	}
	s.buf.ResetInst(inst.Idx)
}

// RemoveInst releases (if still active) then deletes instance instID,
// compacting the instances array and its value-buffer row.
func (s *Signal) RemoveInst(instID uint64) error {
	idx, ok := s.findByID(instID)
	if !ok {
		return fmt.Errorf("signal %s: remove: unknown instance %d", s.Path, instID)
	}
	inst := s.instances[idx]
	if inst.Status&Active != 0 {
		s.releaseLocked(inst)
	}
	if inst.entry != nil {
		s.registry.DecrefLocal(inst.entry)
	}
	s.instances = append(s.instances[:idx], s.instances[idx+1:]...)
	s.buf.RemoveInst(inst.Idx)
	for _, in := range s.instances {
		if in.Idx > inst.Idx {
			in.Idx--
		}
	}
	return nil
}

// GetValue returns the latest cached value and timestamp for instID.
func (s *Signal) GetValue(instID uint64) ([]float64, mtime.Time, bool) {
	idx, ok := s.findByID(instID)
	if !ok {
		return nil, mtime.Zero, false
	}
	inst := s.instances[idx]
	v, ok := s.buf.GetValue(inst.Idx, 0)
	if !ok {
		return nil, mtime.Zero, false
	}
	t, _ := s.buf.GetTime(inst.Idx, 0)
	return v, t, true
}

// GetInstStatus returns and latches-clears the status bits accumulated
// since the last read, mirroring the C API's "status since last query"
// convention.
func (s *Signal) GetInstStatus(instID uint64) (Status, bool) {
	idx, ok := s.findByID(instID)
	if !ok {
		return 0, false
	}
	inst := s.instances[idx]
	st := inst.Status
	inst.Status &^= NewValue | UpdateLoc | UpdateRem
	return st, true
}

// RegisterHandler sets the instance-event callback and the mask of
// events it wants to see.
func (s *Signal) RegisterHandler(fn Handler, mask Status) {
	s.handler = fn
	s.eventMask = mask
}

// processMaps fans one instance's update or release out to every
// attached sink so the map runtime can decide whether to evaluate now or
// at flush. A re-entrant call (a handler updating its own signal) is
// dropped with a trace.
func (s *Signal) processMaps(inst *Instance) {
	if s.locked {
		log.Warningf("signal %s: re-entrant update for instance slot %d dropped", s.Path, inst.Idx)
		return
	}
	s.locked = true
	defer func() { s.locked = false }()

	released := inst.Status&Active == 0
	var originator uint64
	if inst.entry != nil {
		originator = inst.entry.Global
	}
	for _, sink := range s.outgoing {
		if released {
			sink.OnInstanceRelease(inst.Idx, originator)
		} else {
			sink.OnInstanceUpdate(inst.Idx)
		}
	}
}
