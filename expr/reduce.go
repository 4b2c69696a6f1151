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
	"math"
	"sort"
)

// execReduce runs one opReduce instruction: it pops the instruction's
// stack operands (count/argument, generic init, stack-computed target,
// in that reverse order), gathers the series for the domain (vector
// iterates a single vector's elements, history the last N samples,
// signal a multi-source map's sources, instance a signal's active
// instances), and applies the reducer.
func execReduce(in instr, prog *Program, call *Call, locals map[string]Value, st *evalState, pop func() (Value, error)) (Value, error) {
	var nVal *Value
	if in.hasN {
		v, err := pop()
		if err != nil {
			return Value{}, err
		}
		nVal = &v
	}
	var initVal Value
	if in.reducer == "reduce" {
		v, err := pop()
		if err != nil {
			return Value{}, err
		}
		initVal = v
	}

	if in.domain == "vector" {
		target, err := pop()
		if err != nil {
			return Value{}, err
		}
		if in.reducer == "reduce" {
			return genericOverElems(in, prog, call, locals, st, initVal, target.V)
		}
		return applyVectorReducer(in.reducer, nVal, target)
	}

	series, err := gatherSeries(in, call, nVal)
	if err != nil {
		return Value{}, err
	}
	if in.reducer == "reduce" {
		return genericOverSeries(in, prog, call, locals, st, initVal, series)
	}
	return applySeriesReducer(in.reducer, nVal, series)
}

func gatherSeries(in instr, call *Call, nVal *Value) ([]Value, error) {
	switch in.domain {
	case "history":
		if nVal == nil {
			return nil, errf("history() requires a sample count")
		}
		buf, inst, err := bufForRef(in.ref, call)
		if err != nil {
			return nil, err
		}
		n := int(nVal.V[0])
		series := make([]Value, 0, n)
		for k := 0; k < n; k++ {
			vals, ok := buf.GetValue(inst, float64(-k))
			if !ok {
				break
			}
			series = append(series, Value{V: vals, T: buf.Type()})
		}
		return series, nil
	case "signal":
		if in.ref.sd != sideSource {
			return nil, errf("signal() requires a source reference")
		}
		series := make([]Value, 0, len(call.Inputs))
		for j := range call.Inputs {
			src := call.Inputs[j]
			vals, ok := src.Buf.GetValue(src.Inst, 0)
			if !ok {
				vals = make([]float64, src.Buf.Vlen())
			}
			series = append(series, Value{V: vals, T: src.Buf.Type()})
		}
		return series, nil
	case "instance":
		buf, _, err := bufForRef(in.ref, call)
		if err != nil {
			return nil, err
		}
		series := make([]Value, 0, buf.NumInst())
		for i := 0; i < buf.NumInst(); i++ {
			if !buf.HasValue(i) {
				continue
			}
			vals, _ := buf.GetValue(i, 0)
			series = append(series, Value{V: vals, T: buf.Type()})
		}
		return series, nil
	}
	return nil, errf("unknown reduction domain %q", in.domain)
}

func applyVectorReducer(reducer string, nVal *Value, v Value) (Value, error) {
	switch reducer {
	case "mean":
		return scalar(mean(v.V)), nil
	case "sum":
		return scalar(sum(v.V)), nil
	case "min":
		return scalar(minOf(v.V)), nil
	case "max":
		return scalar(maxOf(v.V)), nil
	case "count", "size", "length":
		return scalar(float64(len(v.V))), nil
	case "median":
		return scalar(median(v.V)), nil
	case "center":
		return scalar((minOf(v.V) + maxOf(v.V)) / 2), nil
	case "norm":
		return scalar(norm(v.V)), nil
	case "any":
		return scalar(boolF(anyNonzero(v.V))), nil
	case "all":
		return scalar(boolF(allNonzero(v.V))), nil
	case "sort":
		dir := 1.0
		if nVal != nil {
			dir = nVal.V[0]
		}
		out := append([]float64(nil), v.V...)
		if dir >= 0 {
			sort.Float64s(out)
		} else {
			sort.Sort(sort.Reverse(sort.Float64Slice(out)))
		}
		return Value{V: out, T: v.T}, nil
	case "index":
		if nVal == nil {
			return Value{}, errf("index() requires a value")
		}
		return scalar(interpElem(v.V, nVal.V[0])), nil
	case "concat":
		n := len(v.V)
		if nVal != nil {
			n = int(nVal.V[0])
		}
		if n > len(v.V) {
			n = len(v.V)
		}
		out := append([]float64(nil), v.V[:n]...)
		return Value{V: out, T: v.T}, nil
	}
	return Value{}, errf("unknown vector reducer %q", reducer)
}

func applySeriesReducer(reducer string, nVal *Value, series []Value) (Value, error) {
	switch reducer {
	case "mean":
		return elementwise(series, mean), nil
	case "sum":
		return elementwise(series, sum), nil
	case "min":
		return elementwise(series, minOf), nil
	case "max":
		return elementwise(series, maxOf), nil
	case "median":
		return elementwise(series, median), nil
	case "center":
		return elementwise(series, func(xs []float64) float64 { return (minOf(xs) + maxOf(xs)) / 2 }), nil
	case "norm":
		return elementwise(series, norm), nil
	case "any":
		return elementwise(series, func(xs []float64) float64 { return boolF(anyNonzero(xs)) }), nil
	case "all":
		return elementwise(series, func(xs []float64) float64 { return boolF(allNonzero(xs)) }), nil
	case "count", "size", "length":
		return scalar(float64(len(series))), nil
	case "concat":
		n := len(series)
		if nVal != nil {
			n = int(nVal.V[0])
		}
		if n > len(series) {
			n = len(series)
		}
		var out []float64
		for i := 0; i < n; i++ {
			out = append(out, series[i].V...)
		}
		return Value{V: out, T: Float64}, nil
	case "index":
		if nVal == nil {
			return Value{}, errf("index() requires a value")
		}
		return interpSeries(series, nVal.V[0]), nil
	case "sort":
		return Value{}, errf("sort() is only valid in the vector domain")
	}
	return Value{}, errf("unknown reducer %q", reducer)
}

// genericOverElems folds a vector's elements through the compiled body,
// one exec per element with the accumulator and element bound as locals.
func genericOverElems(in instr, prog *Program, call *Call, outer map[string]Value, st *evalState, acc Value, xs []float64) (Value, error) {
	for _, x := range xs {
		next, err := runBody(in, prog, call, outer, st, acc, scalar(x))
		if err != nil {
			return Value{}, err
		}
		acc = next
	}
	return acc, nil
}

func genericOverSeries(in instr, prog *Program, call *Call, outer map[string]Value, st *evalState, acc Value, series []Value) (Value, error) {
	for _, v := range series {
		next, err := runBody(in, prog, call, outer, st, acc, v)
		if err != nil {
			return Value{}, err
		}
		acc = next
	}
	return acc, nil
}

func runBody(in instr, prog *Program, call *Call, outer map[string]Value, st *evalState, acc, elem Value) (Value, error) {
	locals := map[string]Value{in.accName: acc, in.valName: elem}
	for k, v := range outer {
		if _, shadowed := locals[k]; !shadowed {
			locals[k] = v
		}
	}
	stack, err := exec(prog, in.body, call, locals, st, 0)
	if err != nil {
		return Value{}, err
	}
	if len(stack) == 0 {
		return Value{}, errf("reduce body produced no value")
	}
	return stack[len(stack)-1], nil
}

func elementwise(series []Value, combine func([]float64) float64) Value {
	if len(series) == 0 {
		return Value{T: Float64}
	}
	vlen := len(series[0].V)
	out := make([]float64, vlen)
	col := make([]float64, len(series))
	for j := 0; j < vlen; j++ {
		for k, v := range series {
			if j < len(v.V) {
				col[k] = v.V[j]
			} else {
				col[k] = 0
			}
		}
		out[j] = combine(col)
	}
	return Value{V: out, T: series[0].T}
}

func interpSeries(series []Value, idx float64) Value {
	if len(series) == 0 {
		return Value{}
	}
	vlen := len(series[0].V)
	out := make([]float64, vlen)
	col := make([]float64, len(series))
	for j := 0; j < vlen; j++ {
		for k, v := range series {
			if j < len(v.V) {
				col[k] = v.V[j]
			}
		}
		lo := int(idx)
		frac := idx - float64(lo)
		if lo < 0 {
			lo = 0
		}
		if lo >= len(col) {
			lo = len(col) - 1
		}
		hi := lo + 1
		if hi >= len(col) {
			hi = lo
		}
		out[j] = col[lo]*(1-frac) + col[hi]*frac
	}
	return Value{V: out, T: series[0].T}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return sum(xs) / float64(len(xs))
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func minOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func norm(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x * x
	}
	return math.Sqrt(s)
}

func anyNonzero(xs []float64) bool {
	for _, x := range xs {
		if x != 0 {
			return true
		}
	}
	return false
}

func allNonzero(xs []float64) bool {
	for _, x := range xs {
		if x == 0 {
			return false
		}
	}
	return true
}
