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

package mapping

import (
	"fmt"
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/mprmesh/mapper/expr"
	"github.com/mprmesh/mapper/mprid"
	"github.com/mprmesh/mapper/mtime"
	"github.com/mprmesh/mapper/props"
	"github.com/mprmesh/mapper/signal"
	"github.com/mprmesh/mapper/valuebuf"
)

// Status is a map's lifecycle state.
type Status int

const (
	Staged Status = iota
	Ready
	Active
	Removed
)

func (s Status) String() string {
	switch s {
	case Staged:
		return "STAGED"
	case Ready:
		return "READY"
	case Active:
		return "ACTIVE"
	case Removed:
		return "REMOVED"
	}
	return "UNKNOWN"
}

// ProcessLoc chooses which end of a map evaluates the expression.
type ProcessLoc int

const (
	Both ProcessLoc = iota
	Src
	Dst
)

// Scope restricts which originating device IDs (the top 32 bits of a
// global instance ID) may cross a map. A nil/empty set admits everyone.
type Scope map[uint32]bool

func (s Scope) admits(originator uint64) bool {
	if len(s) == 0 {
		return true
	}
	return s[uint32(originator>>32)]
}

// Map connects 1..K source signals to one destination signal through a
// compiled expression program. The destination is either a local Signal
// (DestSignal set) or a remote endpoint: then DestSignal is nil and each
// cooked value is serialized with BuildMsg and handed to the send hook.
type Map struct {
	ID         uint64
	Expression string
	Program    *expr.Program

	SourceSignals []*signal.Signal
	Sources       []*Slot
	DestSignal    *signal.Signal
	Dest          *Slot

	// DestName is the network-wide "device/path" destination name used
	// in /mapped announcements; for a local destination the owning
	// device fills it in at announce time.
	DestName string

	ProcessLoc ProcessLoc
	Status     Status
	Scope      Scope
	UseInst    bool

	rng   *rand.Rand
	table *props.Table
	send  func([]byte)

	destNumInst int

	// userVars holds one buffer per compiled user variable, with one row
	// per destination instance so per-instance accumulator state never
	// bleeds across instances.
	userVars []*valuebuf.Buffer

	// updated tracks, per destination instance index, that an
	// evaluation is owed at the next flush. initDone tracks which
	// instances have run the program's history-initializer prefix.
	updated  map[int]bool
	initDone map[int]bool
}

// Properties exposes the map's property table; @-prefixed keys are
// carried in /map announcements.
func (m *Map) Properties() *props.Table { return m.table }

// New compiles expression against sources/dest and wires the map as an
// OutgoingSink of every source signal. The map starts in STAGED and
// advances to READY once every signal taking part has published its
// type/length (checked here, since all shapes are already known at
// construction time in this implementation).
func New(expression string, sources []*signal.Signal, dest *signal.Signal) (*Map, error) {
	shape := expr.IOShape{Vlen: dest.Vlen, Type: dest.Type}
	return newMap(expression, sources, dest, dest.Path, shape, dest.NumInstances(), dest.UseInstances, nil)
}

// NewRemoteDest builds a map whose destination signal lives on another
// device: evaluation happens on this side and every cooked update is
// serialized with BuildMsg and handed to send for transport.
func NewRemoteDest(expression string, sources []*signal.Signal, destPath string, destShape expr.IOShape, useInst bool, send func([]byte)) (*Map, error) {
	numInst := 1
	for _, s := range sources {
		if n := s.NumInstances(); n > numInst {
			numInst = n
		}
	}
	return newMap(expression, sources, nil, destPath, destShape, numInst, useInst, send)
}

func newMap(expression string, sources []*signal.Signal, dest *signal.Signal, destPath string, destShape expr.IOShape, destNumInst int, useInst bool, send func([]byte)) (*Map, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("mapping: at least one source signal is required")
	}
	shapes := make([]expr.IOShape, len(sources))
	for i, s := range sources {
		shapes[i] = expr.IOShape{Vlen: s.Vlen, Type: s.Type}
	}

	prog, err := expr.Parse(expression, shapes, destShape)
	if err != nil {
		// A reference to a non-existent source, a constant-fold failure,
		// or any other compile error leaves the map STAGED rather than
		// erroring the caller out of existence.
		return &Map{Expression: expression, Status: Staged, Scope: Scope{}, updated: map[int]bool{}, initDone: map[int]bool{}, table: props.New()}, err
	}

	m := &Map{
		Expression:    expression,
		Program:       prog,
		SourceSignals: sources,
		DestSignal:    dest,
		DestName:      destPath,
		Scope:         Scope{},
		updated:       map[int]bool{},
		initDone:      map[int]bool{},
		UseInst:       useInst,
		send:          send,
		destNumInst:   destNumInst,
		rng:           rand.New(rand.NewSource(int64(mprid.HashName(expression)))),
	}
	m.ID = mprid.MapID(uint64(mprid.HashName(destPath)), expression)
	m.table = props.New()
	m.table.SetReadOnly("@id", m.ID)
	m.table.SetReadOnly("@expr", expression)
	m.table.SetReadOnly("@num_sources", len(sources))
	m.Sources = make([]*Slot, len(sources))
	for i, s := range sources {
		m.Sources[i] = NewLocalSlot(s.Buffer(), s.Path)
	}
	// The destination slot owns its buffer even for a local destination:
	// the expression's y/y{-k} history is the map's output history, which
	// must stay distinct from the signal's own (SetValue-written) history
	// or every delivery would appear twice.
	m.Dest = NewRemoteSlot(destPath, destShape.Vlen, destShape.Type, prog.OutputHistSize, destNumInst)

	varVlen := destShape.Vlen
	for _, sh := range shapes {
		if sh.Vlen > varVlen {
			varVlen = sh.Vlen
		}
	}
	for range prog.UserVarOrder {
		m.userVars = append(m.userVars, valuebuf.New(varVlen, valuebuf.Float64, 1, destNumInst))
	}

	m.ProcessLoc = m.chooseProcessLoc()
	if m.DestSignal == nil {
		// only this side can evaluate when the destination is remote
		m.ProcessLoc = Src
	}
	m.Status = Ready
	for i, s := range sources {
		idx := i
		s.AddOutgoing(&sourceSink{m: m, idx: idx})
	}
	return m, nil
}

// chooseProcessLoc picks BOTH unless a 1->1 map's
// expression reduces across sources or instances, in which case only the
// destination device has the data needed to evaluate, so DST is forced.
func (m *Map) chooseProcessLoc() ProcessLoc {
	if len(m.Sources) == 1 && (m.Program.UsesSignalReduction || m.Program.UsesInstanceReduction) {
		return Dst
	}
	return Both
}

// Activate marks a READY map ACTIVE once the handshake with the remote
// end (if any) completes; idempotent.
func (m *Map) Activate() {
	if m.Status == Ready {
		m.Status = Active
	}
}

// IsReady reports whether the map has left STAGED.
func (m *Map) IsReady() bool { return m.Status == Ready || m.Status == Active }

// AddScope admits instances originating from the given device ID.
func (m *Map) AddScope(deviceID uint64) { m.Scope[uint32(deviceID>>32)] = true }

// RemoveScope stops admitting instances from the given device ID.
func (m *Map) RemoveScope(deviceID uint64) { delete(m.Scope, uint32(deviceID>>32)) }

// Release retires the map: no further updates cross it. Idempotent.
func (m *Map) Release() {
	if m.Status == Removed {
		return
	}
	m.Status = Removed
	m.updated = map[int]bool{}
	for _, s := range m.Sources {
		if s.Owned {
			for i := 0; i < s.Buf.NumInst(); i++ {
				s.Reset(i)
			}
		}
	}
}

// Refresh re-marks every active destination instance dirty so the next
// flush re-evaluates and re-sends current values.
func (m *Map) Refresh() {
	if m.Status != Active {
		return
	}
	for i := 0; i < m.destInstCount(); i++ {
		if m.DestSignal != nil {
			if inst := m.DestSignal.InstanceAt(i); inst == nil || inst.Status&signal.Active == 0 {
				continue
			}
		}
		m.updated[i] = true
	}
}

// destInstCount is the destination's instance count: the local signal's
// when the destination is local, the slot's own row count otherwise.
func (m *Map) destInstCount() int {
	if m.DestSignal != nil {
		return m.DestSignal.NumInstances()
	}
	return m.destNumInst
}

// sourceSink adapts one source slot of a Map to signal.OutgoingSink so
// Signal never needs to import mapping.
type sourceSink struct {
	m   *Map
	idx int
}

func (sk *sourceSink) OnInstanceUpdate(instIdx int) { sk.m.onSourceUpdate(sk.idx, instIdx) }

func (sk *sourceSink) OnInstanceRelease(instIdx int, originator uint64) {
	sk.m.onSourceRelease(sk.idx, instIdx, originator)
}

// onSourceUpdate is process_maps step 2 for one outgoing map: skip if
// not ACTIVE or scope excludes; DST-processed maps just mark the slot
// dirty for wire serialization (the destination does the math); BOTH/SRC
// maps copy the value in and mark the instance for evaluation at flush.
func (m *Map) onSourceUpdate(srcIdx, instIdx int) {
	if m.Status != Active {
		return
	}
	src := m.SourceSignals[srcIdx]
	srcInst := src.InstanceAt(instIdx)
	if srcInst == nil {
		return
	}
	if !m.Scope.admits(src.InstanceOriginator(instIdx)) {
		return
	}
	v, t, ok := src.GetValue(srcInst.ID)
	if !ok {
		return
	}
	// A borrowed (local-signal) slot already sees the value through the
	// shared buffer; only an owned slot needs the copy.
	if m.ProcessLoc != Dst && m.Sources[srcIdx].Owned {
		m.Sources[srcIdx].SetValue(instIdx, len(v), src.Type, v, t)
	}
	destIdx := m.destInstanceFor(srcIdx, instIdx)
	for _, di := range destIdx {
		m.updated[di] = true
	}
}

// onSourceRelease is process_maps step 1: reset slot memory for the
// releasing instance and, if scope admits the originator, propagate the
// release across the map.
func (m *Map) onSourceRelease(srcIdx, instIdx int, originator uint64) {
	m.Sources[srcIdx].Reset(instIdx)
	if !m.Scope.admits(originator) {
		return
	}
	destIdx := m.destInstanceFor(srcIdx, instIdx)
	for _, di := range destIdx {
		m.Dest.Reset(di)
		if m.DestSignal == nil {
			// the reset slot serializes as an all-null vector, the wire
			// form of a release
			if m.UseInst {
				m.sendRemote(di, originator)
			}
			continue
		}
		if m.UseInst {
			if dinst := m.DestSignal.InstanceAt(di); dinst != nil {
				_ = m.DestSignal.ReleaseInst(dinst.ID)
			}
		}
	}
}

// destInstanceFor implements the convergent-map fan-out rule: a
// singleton source contributing to an instanced destination broadcasts
// to every active destination instance; otherwise the destination
// instance mirrors the source instance index.
func (m *Map) destInstanceFor(srcIdx, instIdx int) []int {
	if !m.UseInst || m.SourceSignals[srcIdx].UseInstances {
		if instIdx < m.destInstCount() {
			return []int{instIdx}
		}
		return nil
	}
	out := make([]int, 0, m.destInstCount())
	for i := 0; i < m.destInstCount(); i++ {
		if m.DestSignal != nil {
			if inst := m.DestSignal.InstanceAt(i); inst == nil || inst.Status&signal.Active == 0 {
				continue
			}
		}
		out = append(out, i)
	}
	return out
}

// Flush evaluates every destination instance marked dirty since the last
// flush, the per-map piece of Device.poll() step 4 / update_maps().
func (m *Map) Flush() {
	if m.Status != Active || len(m.updated) == 0 {
		return
	}
	pending := m.updated
	m.updated = map[int]bool{}
	for instIdx := range pending {
		if err := m.evaluate(instIdx); err != nil {
			log.Warningf("mapping: map %q eval failed at instance %d: %v", m.Expression, instIdx, err)
		}
	}
}

func (m *Map) evaluate(destInst int) error {
	for _, uv := range m.userVars {
		for uv.NumInst() <= destInst {
			uv.AddInst()
		}
	}
	for m.Dest.Buf.NumInst() <= destInst {
		m.Dest.Buf.AddInst()
	}
	call := &expr.Call{
		Output:      expr.Input{Buf: m.Dest.Buf, Inst: destInst},
		UserVars:    m.userVars,
		UserVarInst: destInst,
		Time:        mtime.Now(),
		RNG:         m.rng,
		SkipInit:    m.initDone[destInst],
	}
	for i, s := range m.Sources {
		call.Inputs = append(call.Inputs, expr.Input{Buf: s.Buf, Inst: m.srcInstFor(i, destInst)})
	}
	flags, err := expr.Eval(m.Program, call)
	if err != nil {
		return err
	}
	if m.Program.InitEnd > 0 {
		m.initDone[destInst] = true
	}
	if flags&expr.Mute != 0 {
		return nil
	}
	if flags&expr.ReleaseBeforeUpdate != 0 {
		m.releaseDest(destInst)
	}
	if flags&expr.Update != 0 {
		if m.DestSignal == nil {
			m.sendRemote(destInst, m.originatorFor(destInst))
		} else if inst := m.DestSignal.InstanceAt(destInst); inst != nil {
			v, _ := m.Dest.Buf.GetValue(destInst, 0)
			if err := m.DestSignal.SetValue(inst.ID, len(v), m.DestSignal.Type, v); err != nil {
				return err
			}
		}
	}
	if flags&expr.ReleaseAfterUpdate != 0 {
		m.releaseDest(destInst)
	}
	return nil
}

// srcInstFor maps a destination instance index onto source i's buffer
// row: a singleton source contributes its only row to every destination
// instance; instanced sources mirror the index.
func (m *Map) srcInstFor(i, destInst int) int {
	if m.SourceSignals[i].NumInstances() == 1 {
		return 0
	}
	return destInst
}

// originatorFor is the global instance ID an outgoing instanced update
// is tagged with: the pairing of the first source's matching instance.
func (m *Map) originatorFor(destInst int) uint64 {
	if !m.UseInst || len(m.SourceSignals) == 0 {
		return 0
	}
	return m.SourceSignals[0].InstanceOriginator(m.srcInstFor(0, destInst))
}

// sendRemote serializes the destination slot's state for destInst (a
// value, or all-nulls after a reset, the wire form of a release) and
// hands it to the transport hook.
func (m *Map) sendRemote(destInst int, globalID uint64) {
	if m.send == nil {
		return
	}
	m.send(m.Dest.BuildMsg(destInst, 0, globalID, m.UseInst && globalID != 0))
}

func (m *Map) releaseDest(destInst int) {
	if m.DestSignal == nil {
		m.Dest.Reset(destInst)
		m.sendRemote(destInst, m.originatorFor(destInst))
		return
	}
	if inst := m.DestSignal.InstanceAt(destInst); inst != nil {
		_ = m.DestSignal.ReleaseInst(inst.ID)
	}
}
