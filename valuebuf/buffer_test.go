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

package valuebuf

import (
	"testing"

	"github.com/mprmesh/mapper/mtime"
	"github.com/stretchr/testify/require"
)

func TestSetNextAndGetValue(t *testing.T) {
	b := New(1, Float64, 5, 1)
	for i := 1; i <= 5; i++ {
		b.SetNext(0, []float64{float64(i) * 10}, mtime.FromDouble(float64(i)))
	}
	v, ok := b.GetValue(0, 0)
	require.True(t, ok)
	require.Equal(t, []float64{50}, v)

	for k := 1; k < 5; k++ {
		v, ok := b.GetValue(0, -float64(k))
		require.True(t, ok)
		require.Equal(t, []float64{float64(5 - k) * 10}, v)
	}
}

func TestGetValueOutOfRangeClampsToOldest(t *testing.T) {
	b := New(1, Float64, 3, 1)
	b.SetNext(0, []float64{1}, mtime.Zero)
	b.SetNext(0, []float64{2}, mtime.Zero)
	v, ok := b.GetValue(0, -10)
	require.True(t, ok)
	require.Equal(t, []float64{1}, v)
}

func TestGetValueBeforeAnyWrite(t *testing.T) {
	b := New(1, Float64, 3, 1)
	_, ok := b.GetValue(0, 0)
	require.False(t, ok)
}

func TestFractionalInterpolation(t *testing.T) {
	b := New(1, Float64, 4, 1)
	b.SetNext(0, []float64{0}, mtime.Zero)
	b.SetNext(0, []float64{10}, mtime.Zero)
	v, ok := b.GetValue(0, -0.25)
	require.True(t, ok)
	require.InDelta(t, 7.5, v[0], 1e-9)
}

func TestWrapWhenFull(t *testing.T) {
	b := New(1, Float64, 3, 1)
	for i := 1; i <= 7; i++ {
		b.SetNext(0, []float64{float64(i)}, mtime.Zero)
	}
	v, _ := b.GetValue(0, 0)
	require.Equal(t, []float64{7}, v)
	v, _ = b.GetValue(0, -1)
	require.Equal(t, []float64{6}, v)
	v, _ = b.GetValue(0, -2)
	require.Equal(t, []float64{5}, v)
}

func TestReallocShrinkKeepsNewest(t *testing.T) {
	b := New(1, Float64, 5, 1)
	for i := 1; i <= 5; i++ {
		b.SetNext(0, []float64{float64(i)}, mtime.Zero)
	}
	b.Realloc(1, Float64, 2, 1)
	v, ok := b.GetValue(0, 0)
	require.True(t, ok)
	require.Equal(t, []float64{5}, v)
	v, ok = b.GetValue(0, -1)
	require.True(t, ok)
	require.Equal(t, []float64{4}, v)
}

func TestReallocShapeChangeResets(t *testing.T) {
	b := New(1, Float64, 5, 1)
	b.SetNext(0, []float64{1}, mtime.Zero)
	b.Realloc(2, Float64, 5, 1)
	_, ok := b.GetValue(0, 0)
	require.False(t, ok)
	require.Equal(t, 2, b.Vlen())
}

func TestSetNextCoercedFillsMissingFromPrevious(t *testing.T) {
	b := New(3, Float64, 2, 1)
	b.SetNext(0, []float64{1, 2, 3}, mtime.Zero)
	b.SetNextCoerced(0, 2, Float64, []float64{9, 8}, mtime.Zero)
	v, _ := b.GetValue(0, 0)
	require.Equal(t, []float64{9, 8, 3}, v)
}

func TestRemoveInstShifts(t *testing.T) {
	b := New(1, Float64, 2, 3)
	b.SetNext(0, []float64{1}, mtime.Zero)
	b.SetNext(1, []float64{2}, mtime.Zero)
	b.SetNext(2, []float64{3}, mtime.Zero)
	b.RemoveInst(1)
	require.Equal(t, 2, b.NumInst())
	v, _ := b.GetValue(1, 0)
	require.Equal(t, []float64{3}, v)
}

func TestResetInst(t *testing.T) {
	b := New(1, Float64, 2, 1)
	b.SetNext(0, []float64{5}, mtime.Zero)
	b.ResetInst(0)
	_, ok := b.GetValue(0, 0)
	require.False(t, ok)
}

func TestCpyNextDuplicatesPriorSample(t *testing.T) {
	b := New(2, Float64, 3, 1)
	b.SetNext(0, []float64{1, 2}, mtime.FromDouble(1))
	b.CpyNext(0, mtime.FromDouble(2))
	v, _ := b.GetValue(0, 0)
	require.Equal(t, []float64{1, 2}, v)
	tm, _ := b.GetTime(0, 0)
	require.InDelta(t, 2.0, mtime.ToDouble(tm), 1e-9)
}

func TestIntCoerceTruncates(t *testing.T) {
	require.Equal(t, 3.0, Int32.Coerce(3.9))
	require.Equal(t, -3.0, Int32.Coerce(-3.9))
}

func TestPromote(t *testing.T) {
	require.Equal(t, Float64, Promote(Int32, Float64))
	require.Equal(t, Float32, Promote(Int32, Float32))
}
