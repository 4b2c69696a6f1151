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

// Package valuebuf implements the per-instance history ring buffer that
// backs every signal and every map slot: a fixed-depth circular array of
// typed vectors plus parallel timestamps.
package valuebuf

import (
	"math"

	"github.com/mprmesh/mapper/mtime"
)

// Type is the scalar element type of a vector sample.
type Type uint8

// Supported scalar types, ordered by promotion rank (Int32 < Float32 < Float64).
const (
	Int32 Type = iota
	Float32
	Float64
)

// Promote returns the wider of a and b, per the i < f < d promotion rule.
func Promote(a, b Type) Type {
	if a > b {
		return a
	}
	return b
}

// Coerce rounds/truncates v to what Type t can represent, used when
// writing into a buffer of a narrower type than the source.
func (t Type) Coerce(v float64) float64 {
	switch t {
	case Int32:
		return math.Trunc(v)
	case Float32:
		return float64(float32(v))
	default:
		return v
	}
}

// ring is one instance's circular history.
type ring struct {
	pos     int // write position; -1 before first write
	full    bool
	samples [][]float64
	times   []mtime.Time
}

func newRing(vlen, mlen int) *ring {
	r := &ring{pos: -1, samples: make([][]float64, mlen), times: make([]mtime.Time, mlen)}
	for i := range r.samples {
		r.samples[i] = make([]float64, vlen)
	}
	return r
}

func (r *ring) reset() {
	r.pos = -1
	r.full = false
	for i := range r.samples {
		for j := range r.samples[i] {
			r.samples[i][j] = 0
		}
		r.times[i] = mtime.Zero
	}
}

// idxAt returns the storage index for history offset `offset` (<=0,
// 0 meaning newest), and whether that offset has been written at all.
func (r *ring) idxAt(offset int) (int, bool) {
	if r.pos < 0 {
		return 0, false
	}
	mlen := len(r.samples)
	avail := r.pos + 1
	if r.full {
		avail = mlen
	}
	if offset > 0 {
		offset = 0
	}
	if -offset >= avail {
		// out of range: clamp to the oldest available sample.
		offset = -(avail - 1)
	}
	idx := (r.pos + offset) % mlen
	if idx < 0 {
		idx += mlen
	}
	return idx, true
}

// Buffer holds the circular histories for every active instance of a
// signal (or a map slot), all sharing the same vector length, type, and
// history depth.
type Buffer struct {
	vlen int
	typ  Type
	mlen int
	rows []*ring
}

// New allocates a Buffer for numInst instances.
func New(vlen int, typ Type, mlen, numInst int) *Buffer {
	b := &Buffer{vlen: vlen, typ: typ, mlen: mlen}
	for i := 0; i < numInst; i++ {
		b.rows = append(b.rows, newRing(vlen, mlen))
	}
	return b
}

// Vlen, Type, Mlen, and NumInst report the buffer's current shape.
func (b *Buffer) Vlen() int    { return b.vlen }
func (b *Buffer) Type() Type   { return b.typ }
func (b *Buffer) Mlen() int    { return b.mlen }
func (b *Buffer) NumInst() int { return len(b.rows) }

// Realloc grows or shrinks the buffer. When mlen changes, the newest
// samples are preserved and copied contiguously into the new storage;
// oldest samples are discarded on shrink, new tail slots are zeroed on
// grow. Changing vlen or typ resets all contents, since old samples
// cannot be meaningfully reinterpreted at a different width or type.
func (b *Buffer) Realloc(vlen int, typ Type, mlen, numInst int) {
	shapeChanged := vlen != b.vlen || typ != b.typ
	if mlen == b.mlen && numInst == len(b.rows) && !shapeChanged {
		return
	}
	newRows := make([]*ring, numInst)
	for i := 0; i < numInst; i++ {
		nr := newRing(vlen, mlen)
		if !shapeChanged && i < len(b.rows) {
			old := b.rows[i]
			// copy from newest backward, preserving the most recent samples.
			n := mlen
			if n > len(old.samples) {
				n = len(old.samples)
			}
			oldAvail := old.pos + 1
			if old.full {
				oldAvail = len(old.samples)
			}
			if n > oldAvail {
				n = oldAvail
			}
			for k := 0; k < n; k++ {
				srcOffset := -k
				srcIdx, ok := old.idxAt(srcOffset)
				if !ok {
					break
				}
				dstIdx := n - 1 - k
				copy(nr.samples[dstIdx], old.samples[srcIdx])
				nr.times[dstIdx] = old.times[srcIdx]
			}
			if n > 0 {
				nr.pos = n - 1
				nr.full = n == mlen && oldAvail >= mlen
			}
		}
		newRows[i] = nr
	}
	b.vlen = vlen
	b.typ = typ
	b.mlen = mlen
	b.rows = newRows
}

func (b *Buffer) row(inst int) *ring {
	if inst < 0 || inst >= len(b.rows) {
		return nil
	}
	return b.rows[inst]
}

// SetNext advances the write position (wrapping and setting `full` as
// needed) and writes sample/time at the new position.
func (b *Buffer) SetNext(inst int, sample []float64, t mtime.Time) {
	r := b.row(inst)
	if r == nil {
		return
	}
	b.advance(r)
	n := len(sample)
	if n > b.vlen {
		n = b.vlen
	}
	copy(r.samples[r.pos], sample[:n])
	for i := n; i < b.vlen; i++ {
		r.samples[r.pos][i] = 0
	}
	r.times[r.pos] = t
}

// SetNextCoerced writes a source vector of a possibly different length
// and type, widening/truncating per element and filling any element
// beyond srcVlen with the previous sample's value at that index.
func (b *Buffer) SetNextCoerced(inst, srcVlen int, srcType Type, srcValue []float64, t mtime.Time) {
	r := b.row(inst)
	if r == nil {
		return
	}
	prevIdx := r.pos
	b.advance(r)
	for i := 0; i < b.vlen; i++ {
		switch {
		case i < srcVlen && i < len(srcValue):
			r.samples[r.pos][i] = b.typ.Coerce(srcValue[i])
		case prevIdx >= 0:
			r.samples[r.pos][i] = r.samples[prevIdx][i]
		default:
			r.samples[r.pos][i] = 0
		}
	}
	r.times[r.pos] = t
}

// IncrIdx advances the write position without writing a value: the new
// slot is stamped with t and its stored elements are left as they were,
// so a subsequent partial write can fill individual elements.
func (b *Buffer) IncrIdx(inst int, t mtime.Time) {
	r := b.row(inst)
	if r == nil {
		return
	}
	b.advance(r)
	r.times[r.pos] = t
}

// CpyNext advances the write position and copies the prior sample
// forward verbatim, used by handlers that update a vector across
// multiple calls.
func (b *Buffer) CpyNext(inst int, t mtime.Time) {
	r := b.row(inst)
	if r == nil {
		return
	}
	prevIdx := r.pos
	b.advance(r)
	if prevIdx >= 0 {
		copy(r.samples[r.pos], r.samples[prevIdx])
	}
	r.times[r.pos] = t
}

func (b *Buffer) advance(r *ring) {
	mlen := len(r.samples)
	if mlen == 0 {
		return
	}
	r.pos++
	if r.pos >= mlen {
		r.pos = 0
		r.full = true
	}
}

// GetValue returns the vector at the given history offset (0 = newest,
// negative = older), with linear interpolation for fractional offsets.
// The second return is false only if the instance has never been
// written.
func (b *Buffer) GetValue(inst int, offset float64) ([]float64, bool) {
	r := b.row(inst)
	if r == nil || r.pos < 0 {
		return nil, false
	}
	lo := int(math.Floor(offset))
	frac := offset - float64(lo)
	idxLo, ok := r.idxAt(lo)
	if !ok {
		return nil, false
	}
	if frac == 0 {
		out := make([]float64, b.vlen)
		copy(out, r.samples[idxLo])
		return out, true
	}
	idxHi, _ := r.idxAt(lo + 1)
	out := make([]float64, b.vlen)
	for i := range out {
		out[i] = r.samples[idxLo][i]*(1-frac) + r.samples[idxHi][i]*frac
	}
	return out, true
}

// GetTime returns the timestamp at the given history offset, matching
// GetValue's interpretation of offset.
func (b *Buffer) GetTime(inst int, offset float64) (mtime.Time, bool) {
	r := b.row(inst)
	if r == nil || r.pos < 0 {
		return mtime.Zero, false
	}
	idx, ok := r.idxAt(int(math.Round(offset)))
	if !ok {
		return mtime.Zero, false
	}
	return r.times[idx], true
}

// RemoveInst deletes instance idx, shifting later instances down.
func (b *Buffer) RemoveInst(idx int) {
	if idx < 0 || idx >= len(b.rows) {
		return
	}
	b.rows = append(b.rows[:idx], b.rows[idx+1:]...)
}

// ResetInst zeroes an instance's samples/times and resets its write
// position, without removing its slot.
func (b *Buffer) ResetInst(idx int) {
	r := b.row(idx)
	if r == nil {
		return
	}
	r.reset()
}

// AddInst appends a fresh, empty instance row and returns its index.
func (b *Buffer) AddInst() int {
	b.rows = append(b.rows, newRing(b.vlen, b.mlen))
	return len(b.rows) - 1
}

// HasValue reports whether inst has ever been written.
func (b *Buffer) HasValue(inst int) bool {
	r := b.row(inst)
	return r != nil && r.pos >= 0
}
