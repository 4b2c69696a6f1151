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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mprmesh/mapper/mtime"
	"github.com/mprmesh/mapper/valuebuf"
)

// Simple linear scaling.
func TestLinearScaling(t *testing.T) {
	prog, err := Parse("y = x * 10 + 1", []IOShape{{Vlen: 1, Type: Float32}}, IOShape{Vlen: 1, Type: Float64})
	require.NoError(t, err)

	src := valuebuf.New(1, Float32, 1, 1)
	dst := valuebuf.New(1, Float64, 1, 1)
	src.SetNext(0, []float64{2.0}, mtime.Now())

	call := &Call{Inputs: []Input{{Buf: src, Inst: 0}}, Output: Input{Buf: dst, Inst: 0}, Time: mtime.Now()}
	flags, err := Eval(prog, call)
	require.NoError(t, err)
	require.NotZero(t, flags&Update)

	got, ok := dst.GetValue(0, 0)
	require.True(t, ok)
	require.Equal(t, []float64{21.0}, got)
}

// Vector swizzle and cast.
func TestVectorSwizzle(t *testing.T) {
	prog, err := Parse("y = [x[2], x[0]] * 0 + 13", []IOShape{{Vlen: 3, Type: Int32}}, IOShape{Vlen: 2, Type: Float64})
	require.NoError(t, err)

	src := valuebuf.New(3, Int32, 1, 1)
	dst := valuebuf.New(2, Float64, 1, 1)
	src.SetNext(0, []float64{7, 8, 9}, mtime.Now())

	call := &Call{Inputs: []Input{{Buf: src, Inst: 0}}, Output: Input{Buf: dst, Inst: 0}, Time: mtime.Now()}
	_, err = Eval(prog, call)
	require.NoError(t, err)

	got, ok := dst.GetValue(0, 0)
	require.True(t, ok)
	require.Equal(t, []float64{13.0, 13.0}, got)
}

// History mean, including the sliding-window follow-up feed.
func TestHistoryMean(t *testing.T) {
	prog, err := Parse("y = x.history(5).mean()", []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.NoError(t, err)
	require.GreaterOrEqual(t, prog.InputHistSize[0], 5)

	src := valuebuf.New(1, Float64, 5, 1)
	dst := valuebuf.New(1, Float64, 1, 1)
	call := &Call{Inputs: []Input{{Buf: src, Inst: 0}}, Output: Input{Buf: dst, Inst: 0}, Time: mtime.Now()}

	for _, v := range []float64{10, 20, 30, 40, 50} {
		src.SetNext(0, []float64{v}, mtime.Now())
		_, err := Eval(prog, call)
		require.NoError(t, err)
	}
	got, _ := dst.GetValue(0, 0)
	require.Equal(t, []float64{30.0}, got)

	src.SetNext(0, []float64{60}, mtime.Now())
	_, err = Eval(prog, call)
	require.NoError(t, err)
	got, _ = dst.GetValue(0, 0)
	require.Equal(t, []float64{40.0}, got)
}

func TestTernaryAndUserVar(t *testing.T) {
	prog, err := Parse("acc = acc + x; y = acc > 10 ? 1 : 0", []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.NoError(t, err)

	src := valuebuf.New(1, Float64, 1, 1)
	dst := valuebuf.New(1, Float64, 1, 1)
	accBuf := valuebuf.New(1, Float64, 1, 1)
	call := &Call{
		Inputs:   []Input{{Buf: src, Inst: 0}},
		Output:   Input{Buf: dst, Inst: 0},
		UserVars: []*valuebuf.Buffer{accBuf},
		Time:     mtime.Now(),
	}

	src.SetNext(0, []float64{4}, mtime.Now())
	_, err = Eval(prog, call)
	require.NoError(t, err)
	got, _ := dst.GetValue(0, 0)
	require.Equal(t, []float64{0.0}, got)

	src.SetNext(0, []float64{8}, mtime.Now())
	_, err = Eval(prog, call)
	require.NoError(t, err)
	got, _ = dst.GetValue(0, 0)
	require.Equal(t, []float64{1.0}, got)
}

func TestReleaseViaAliveVariable(t *testing.T) {
	prog, err := Parse("alive = x > 0; y = x", []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.NoError(t, err)

	src := valuebuf.New(1, Float64, 1, 1)
	dst := valuebuf.New(1, Float64, 1, 1)
	aliveBuf := valuebuf.New(1, Float64, 1, 1)
	call := &Call{
		Inputs:   []Input{{Buf: src, Inst: 0}},
		Output:   Input{Buf: dst, Inst: 0},
		UserVars: []*valuebuf.Buffer{aliveBuf},
		Time:     mtime.Now(),
	}

	src.SetNext(0, []float64{-1}, mtime.Now())
	flags, err := Eval(prog, call)
	require.NoError(t, err)
	require.NotZero(t, flags&ReleaseBeforeUpdate)
	require.NotZero(t, flags&Update)
}

func TestGenericVectorReduce(t *testing.T) {
	prog, err := Parse("y = x.vector.reduce(a, v = 0 -> a + v*v)",
		[]IOShape{{Vlen: 3, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.NoError(t, err)

	src := valuebuf.New(3, Float64, 1, 1)
	dst := valuebuf.New(1, Float64, 1, 1)
	src.SetNext(0, []float64{1, 2, 3}, mtime.Now())

	_, err = Eval(prog, &Call{Inputs: []Input{{Buf: src, Inst: 0}}, Output: Input{Buf: dst, Inst: 0}, Time: mtime.Now()})
	require.NoError(t, err)
	got, _ := dst.GetValue(0, 0)
	require.Equal(t, []float64{14.0}, got)
}

func TestUnknownIdentifierIsParseError(t *testing.T) {
	_, err := Parse("y = undeclared + x", []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.Error(t, err)
}

func TestMissingOutputAssignmentIsParseError(t *testing.T) {
	_, err := Parse("z = x * 2", []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.Error(t, err)
}

// A constant zero divisor is caught while folding at parse time, so a
// map built on such an expression never leaves STAGED.
func TestDivisionByZeroConstantIsParseError(t *testing.T) {
	_, err := Parse("y = x / 0", []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.Error(t, err)

	_, err = Parse("y = x % 0", []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.Error(t, err)

	// folding the divisor sub-expression first still finds the zero
	_, err = Parse("y = x / (3 - 3)", []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.Error(t, err)
}

// Constant sub-expressions collapse to one push token at parse time.
func TestConstantFolding(t *testing.T) {
	folded, err := Parse("y = x + (2*3 + 4)", []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.NoError(t, err)
	literal, err := Parse("y = x + 10", []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.NoError(t, err)
	require.Equal(t, literal.NumTokens, folded.NumTokens)
	require.Contains(t, folded.Describe(), "  1: push 10")

	constProg, err := Parse("y = 1 + 2", []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.NoError(t, err)
	require.True(t, constProg.ConstantOutput)
	dst := valuebuf.New(1, Float64, 1, 1)
	_, err = Eval(constProg, &Call{Output: Input{Buf: dst, Inst: 0}, Time: mtime.Now()})
	require.NoError(t, err)
	got, _ := dst.GetValue(0, 0)
	require.Equal(t, []float64{3.0}, got)
}

func TestProgramTokenLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("y = x")
	for i := 0; i < StackSize; i++ {
		b.WriteString(" + x")
	}
	_, err := Parse(b.String(), []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.Error(t, err)
}

func TestTooManyUserVars(t *testing.T) {
	var b strings.Builder
	for i := 0; i <= MaxUserVars; i++ {
		fmt.Fprintf(&b, "v%d = %d; ", i, i)
	}
	b.WriteString("y = x")
	_, err := Parse(b.String(), []IOShape{{Vlen: 1, Type: Float64}}, IOShape{Vlen: 1, Type: Float64})
	require.Error(t, err)
}

// Every program stays within the token budget the VM's stack is sized
// for.
func TestNumTokensWithinStackSize(t *testing.T) {
	for _, src := range []string{
		"y = x * 10 + 1",
		"y = [x[2], x[0]] * 0 + 13",
		"y = x.history(5).mean()",
		"acc = acc + x; y = acc > 10 ? 1 : 0",
		"y = x.vector.reduce(a, v = 0 -> a + v*v)",
	} {
		shapes := []IOShape{{Vlen: 3, Type: Float64}}
		prog, err := Parse(src, shapes, IOShape{Vlen: 1, Type: Float64})
		require.NoError(t, err, src)
		require.LessOrEqual(t, prog.NumTokens, StackSize, src)
		require.NotEmpty(t, prog.Code, src)
	}
}

func TestSignalReductionAcrossSources(t *testing.T) {
	prog, err := Parse("y = x.signal.mean()",
		[]IOShape{{Vlen: 1, Type: Float64}, {Vlen: 1, Type: Float64}},
		IOShape{Vlen: 1, Type: Float64})
	require.NoError(t, err)

	srcA := valuebuf.New(1, Float64, 1, 1)
	srcB := valuebuf.New(1, Float64, 1, 1)
	dst := valuebuf.New(1, Float64, 1, 1)
	srcA.SetNext(0, []float64{10}, mtime.Now())
	srcB.SetNext(0, []float64{20}, mtime.Now())

	call := &Call{Inputs: []Input{{Buf: srcA, Inst: 0}, {Buf: srcB, Inst: 0}}, Output: Input{Buf: dst, Inst: 0}, Time: mtime.Now()}
	_, err = Eval(prog, call)
	require.NoError(t, err)
	got, _ := dst.GetValue(0, 0)
	require.Equal(t, []float64{15.0}, got)
}
