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

package expr

import (
	"math/rand"

	"github.com/mprmesh/mapper/mtime"
	"github.com/mprmesh/mapper/valuebuf"
)

// Value is one vec_size-wide typed cell on the evaluation stack,
// carrying the type annotation the compiler stamped onto its producer.
type Value struct {
	V []float64
	T Type
}

func scalar(v float64) Value { return Value{V: []float64{v}, T: Float64} }

// Input binds one map source to its live value-buffer + instance index
// for a single evaluation call.
type Input struct {
	Buf  *valuebuf.Buffer
	Inst int
}

// Call is everything one VM evaluation needs: the source buffers, the
// destination buffer, persistent per-instance user-variable storage, the
// evaluation time, and the map-scoped RNG for uniform().
type Call struct {
	Inputs      []Input
	Output      Input
	UserVars    []*valuebuf.Buffer // indexed by Program.UserVars[name]; one row per destination instance
	UserVarInst int
	Time        mtime.Time
	RNG         *rand.Rand

	// SkipInit starts execution past the history-initializer prefix,
	// set by the map runtime once an instance's history has been seeded.
	SkipInit bool
}

// evalState accumulates the per-call facts the return bitmask is built
// from: whether y was written, and the alive/muted variable latches.
type evalState struct {
	updated       bool
	muted         bool
	aliveWritten  bool
	aliveVal      bool
	releaseBefore bool
}

// Eval runs prog once against call, returning the UPDATE/MUTE/RELEASE_*
// bitmask for the map runtime to act on.
func Eval(prog *Program, call *Call) (UpdateFlags, error) {
	if call.RNG == nil {
		call.RNG = rand.New(rand.NewSource(1))
	}
	st := &evalState{aliveVal: true}
	start := 0
	if call.SkipInit {
		start = prog.InitEnd
	}
	if _, err := exec(prog, prog.Code, call, nil, st, start); err != nil {
		return 0, err
	}

	var flags UpdateFlags
	if st.updated {
		flags |= Update
	}
	if st.muted {
		flags |= Mute
	}
	if st.aliveWritten && !st.aliveVal {
		if st.releaseBefore {
			flags |= ReleaseBeforeUpdate
		} else {
			flags |= ReleaseAfterUpdate
		}
	}
	return flags, nil
}

// exec is the stack machine's inner loop. prog may be nil for
// constant-fold runs; locals binds a generic reduce body's accumulator
// and element names. The final stack is returned for sub-program calls.
func exec(prog *Program, code []instr, call *Call, locals map[string]Value, st *evalState, start int) ([]Value, error) {
	stack := make([]Value, 0, len(code))

	push := func(v Value) error {
		if len(stack) >= StackSize {
			return errf("stack overflow")
		}
		stack = append(stack, v)
		return nil
	}
	pop := func() (Value, error) {
		if len(stack) == 0 {
			return Value{}, errf("stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for ip := start; ip < len(code); ip++ {
		in := code[ip]
		switch in.op {
		case opPush:
			if err := push(scalar(in.val)); err != nil {
				return nil, err
			}
		case opVectorize:
			out := make([]float64, in.arity)
			typ := Int32
			for i := in.arity - 1; i >= 0; i-- {
				v, err := pop()
				if err != nil {
					return nil, err
				}
				if len(v.V) == 0 {
					return nil, errf("empty element in vector literal")
				}
				out[i] = v.V[0]
				typ = valuebuf.Promote(typ, v.T)
			}
			if err := push(Value{V: out, T: typ}); err != nil {
				return nil, err
			}
		case opLoad:
			var hist, lo, hi *Value
			if in.hasHi {
				v, err := pop()
				if err != nil {
					return nil, err
				}
				hi = &v
			}
			if in.hasLo {
				v, err := pop()
				if err != nil {
					return nil, err
				}
				lo = &v
			}
			if in.hasHist {
				v, err := pop()
				if err != nil {
					return nil, err
				}
				hist = &v
			}
			v, err := loadVar(in.ref, prog, call, locals, hist, lo, hi)
			if err != nil {
				return nil, err
			}
			if err := push(v); err != nil {
				return nil, err
			}
		case opLoadTT:
			v, err := loadTimetag(in.ref, call)
			if err != nil {
				return nil, err
			}
			if err := push(v); err != nil {
				return nil, err
			}
		case opUnary:
			x, err := pop()
			if err != nil {
				return nil, err
			}
			v, err := unaryVals(in.sym, x)
			if err != nil {
				return nil, err
			}
			if err := push(v); err != nil {
				return nil, err
			}
		case opBinary:
			r, err := pop()
			if err != nil {
				return nil, err
			}
			l, err := pop()
			if err != nil {
				return nil, err
			}
			v, err := binaryVals(in.sym, l, r)
			if err != nil {
				return nil, err
			}
			if err := push(v); err != nil {
				return nil, err
			}
		case opCall:
			args := make([]Value, in.arity)
			for i := in.arity - 1; i >= 0; i-- {
				v, err := pop()
				if err != nil {
					return nil, err
				}
				args[i] = v
			}
			var v Value
			var err error
			if in.sym == "uniform" {
				v, err = callUniform(call.RNG, args)
			} else {
				v, err = callScalar(in.sym, args)
			}
			if err != nil {
				return nil, err
			}
			if err := push(v); err != nil {
				return nil, err
			}
		case opJump:
			ip = in.off - 1
		case opJumpZ:
			c, err := pop()
			if err != nil {
				return nil, err
			}
			if !truthy(c) {
				ip = in.off - 1
			}
		case opReduce:
			v, err := execReduce(in, prog, call, locals, st, pop)
			if err != nil {
				return nil, err
			}
			if err := push(v); err != nil {
				return nil, err
			}
		case opStoreY:
			v, err := pop()
			if err != nil {
				return nil, err
			}
			call.Output.Buf.SetNextCoerced(call.Output.Inst, len(v.V), v.T, v.V, call.Time)
			if in.histOffset == 0 {
				st.updated = true
			}
		case opStoreTT:
			// t_y = expr sets Call.Time, so a later y store in the same
			// evaluation stamps the output sample with it.
			v, err := pop()
			if err != nil {
				return nil, err
			}
			if len(v.V) > 0 {
				call.Time = mtime.FromDouble(v.V[0])
			}
		case opStoreVar:
			v, err := pop()
			if err != nil {
				return nil, err
			}
			idx, ok := prog.UserVars[in.sym]
			if !ok || idx >= len(call.UserVars) {
				return nil, errf("no storage bound for user variable %q", in.sym)
			}
			call.UserVars[idx].SetNext(call.UserVarInst, v.V, call.Time)
			switch in.sym {
			case "alive":
				st.aliveVal = len(v.V) > 0 && v.V[0] != 0
				st.aliveWritten = true
				if !st.aliveVal && !st.updated {
					st.releaseBefore = true
				}
			case "muted":
				st.muted = len(v.V) > 0 && v.V[0] != 0
			}
		default:
			return nil, errf("unknown opcode %d", in.op)
		}
	}
	return stack, nil
}

func truthy(v Value) bool {
	for _, x := range v.V {
		if x != 0 {
			return true
		}
	}
	return false
}

func loadVar(ref varRef, prog *Program, call *Call, locals map[string]Value, hist, lo, hi *Value) (Value, error) {
	if ref.sd == sideUserVar {
		if locals != nil {
			if v, ok := locals[ref.name]; ok {
				return applyIndexVals(v, lo, hi), nil
			}
		}
		if prog == nil {
			return Value{}, errf("user variable %q in constant context", ref.name)
		}
		idx, ok := prog.UserVars[ref.name]
		if !ok || idx >= len(call.UserVars) {
			return Value{}, errf("no storage bound for user variable %q", ref.name)
		}
		offset := 0.0
		if hist != nil {
			offset = hist.V[0]
		}
		vals, ok := call.UserVars[idx].GetValue(call.UserVarInst, offset)
		if !ok {
			vals = make([]float64, call.UserVars[idx].Vlen())
		}
		return applyIndexVals(Value{V: vals, T: call.UserVars[idx].Type()}, lo, hi), nil
	}
	buf, inst, err := bufForRef(ref, call)
	if err != nil {
		return Value{}, err
	}
	offset := 0.0
	if hist != nil {
		offset = hist.V[0]
	}
	vals, ok := buf.GetValue(inst, offset)
	if !ok {
		vals = make([]float64, buf.Vlen())
	}
	return applyIndexVals(Value{V: vals, T: buf.Type()}, lo, hi), nil
}

func bufForRef(ref varRef, call *Call) (*valuebuf.Buffer, int, error) {
	switch ref.sd {
	case sideSource:
		if ref.sourceIdx < 0 || ref.sourceIdx >= len(call.Inputs) {
			return nil, 0, errf("source index %d out of range", ref.sourceIdx)
		}
		in := call.Inputs[ref.sourceIdx]
		return in.Buf, in.Inst, nil
	case sideDest:
		if call.Output.Buf == nil {
			return nil, 0, errf("no output buffer bound")
		}
		return call.Output.Buf, call.Output.Inst, nil
	}
	return nil, 0, errf("no buffer for this reference")
}

func applyIndexVals(v Value, lo, hi *Value) Value {
	if lo == nil {
		return v
	}
	if hi == nil {
		return Value{V: []float64{interpElem(v.V, lo.V[0])}, T: v.T}
	}
	return Value{V: sliceWrap(v.V, int(lo.V[0]), int(hi.V[0])), T: v.T}
}

// interpElem reads vector element at a possibly-fractional index,
// linearly interpolating between the two surrounding integer indices.
func interpElem(v []float64, idx float64) float64 {
	if len(v) == 0 {
		return 0
	}
	lo := int(idx)
	frac := idx - float64(lo)
	loW := wrapIdx(lo, len(v))
	if frac == 0 {
		return v[loW]
	}
	hiW := wrapIdx(lo+1, len(v))
	return v[loW]*(1-frac) + v[hiW]*frac
}

func wrapIdx(i, n int) int {
	if n == 0 {
		return 0
	}
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// sliceWrap reads v[lo:hi] inclusive, wrapping around when hi < lo.
func sliceWrap(v []float64, lo, hi int) []float64 {
	if len(v) == 0 {
		return nil
	}
	lo = wrapIdx(lo, len(v))
	hi = wrapIdx(hi, len(v))
	if hi >= lo {
		out := make([]float64, hi-lo+1)
		copy(out, v[lo:hi+1])
		return out
	}
	out := make([]float64, 0, len(v)-lo+hi+1)
	out = append(out, v[lo:]...)
	out = append(out, v[:hi+1]...)
	return out
}

func loadTimetag(ref varRef, call *Call) (Value, error) {
	var tm mtime.Time
	switch ref.sd {
	case sideDest:
		tm = call.Time
	case sideSource:
		if ref.sourceIdx < 0 || ref.sourceIdx >= len(call.Inputs) {
			return Value{}, errf("source index %d out of range", ref.sourceIdx)
		}
		in := call.Inputs[ref.sourceIdx]
		var ok bool
		tm, ok = in.Buf.GetTime(in.Inst, 0)
		if !ok {
			tm = mtime.Zero
		}
	}
	return scalar(mtime.ToDouble(tm)), nil
}

func unaryVals(op string, x Value) (Value, error) {
	out := make([]float64, len(x.V))
	for i, v := range x.V {
		switch op {
		case "-":
			out[i] = -v
		case "!":
			out[i] = boolF(v == 0)
		case "~":
			out[i] = float64(^int64(v))
		default:
			return Value{}, errf("unknown unary operator %q", op)
		}
	}
	return Value{V: out, T: x.T}, nil
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func binaryVals(op string, l, r Value) (Value, error) {
	n := len(l.V)
	if len(r.V) > n {
		n = len(r.V)
	}
	if len(l.V) != n && len(l.V) != 1 {
		return Value{}, errf("vector length mismatch: %d vs %d", len(l.V), len(r.V))
	}
	if len(r.V) != n && len(r.V) != 1 {
		return Value{}, errf("vector length mismatch: %d vs %d", len(l.V), len(r.V))
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		lv := l.V[i%len(l.V)]
		rv := r.V[i%len(r.V)]
		v, err := applyBinary(op, lv, rv)
		if err != nil {
			return Value{}, err
		}
		out[i] = v
	}
	return Value{V: out, T: valuebuf.Promote(l.T, r.T)}, nil
}

func applyBinary(op string, l, r float64) (float64, error) {
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, errf("division by zero")
		}
		return l / r, nil
	case "%":
		if r == 0 {
			return 0, errf("modulo by zero")
		}
		return float64(int64(l) % int64(r)), nil
	case "<<":
		return float64(int64(l) << uint(int64(r))), nil
	case ">>":
		return float64(int64(l) >> uint(int64(r))), nil
	case "<":
		return boolF(l < r), nil
	case ">":
		return boolF(l > r), nil
	case "<=":
		return boolF(l <= r), nil
	case ">=":
		return boolF(l >= r), nil
	case "==":
		return boolF(l == r), nil
	case "!=":
		return boolF(l != r), nil
	case "&":
		return float64(int64(l) & int64(r)), nil
	case "^":
		return float64(int64(l) ^ int64(r)), nil
	case "|":
		return float64(int64(l) | int64(r)), nil
	case "&&":
		return boolF(l != 0 && r != 0), nil
	case "||":
		return boolF(l != 0 || r != 0), nil
	}
	return 0, errf("unknown binary operator %q", op)
}
