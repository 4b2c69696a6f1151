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

package mtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToDoubleFromDouble(t *testing.T) {
	tt := Time{Sec: 100, Frac: 1 << 31} // .5 seconds
	require.InDelta(t, 100.5, ToDouble(tt), 1e-9)

	back := FromDouble(100.5)
	require.Equal(t, tt, back)
}

func TestAddNormalizesOverflow(t *testing.T) {
	a := Time{Sec: 1, Frac: 1<<32 - 1}
	b := Time{Sec: 0, Frac: 2}
	sum := Add(a, b)
	require.Equal(t, uint32(2), sum.Sec)
	require.Equal(t, uint32(1), sum.Frac)
}

func TestSubSaturatesAtZero(t *testing.T) {
	a := Time{Sec: 5}
	b := Time{Sec: 10}
	require.Equal(t, Zero, Sub(a, b))

	c := Sub(Time{Sec: 10}, Time{Sec: 4})
	require.Equal(t, Time{Sec: 6}, c)
}

func TestCompare(t *testing.T) {
	a := Time{Sec: 1, Frac: 5}
	b := Time{Sec: 1, Frac: 6}
	require.Equal(t, -1, Compare(a, b))
	require.Equal(t, 1, Compare(b, a))
	require.Equal(t, 0, Compare(a, a))
	require.True(t, Before(a, b))
	require.True(t, After(b, a))
}

func TestAddSecondsRoundTrips(t *testing.T) {
	base := FromDouble(1000.25)
	shifted := AddSeconds(base, 10.5)
	require.InDelta(t, 1010.75, ToDouble(shifted), 1e-6)

	negShifted := AddSeconds(shifted, -20.75)
	require.InDelta(t, 990.0, ToDouble(negShifted), 1e-6)
}

func TestAddSecondsNegativeClampsAtZero(t *testing.T) {
	base := FromDouble(1.0)
	result := AddSeconds(base, -100.0)
	require.Equal(t, uint32(0), result.Sec)
}

func TestDiffIsSigned(t *testing.T) {
	a := FromDouble(10)
	b := FromDouble(4)
	require.InDelta(t, 6.0, Diff(a, b), 1e-9)
	require.InDelta(t, -6.0, Diff(b, a), 1e-9)
}

func TestMul(t *testing.T) {
	base := FromDouble(10)
	doubled := Mul(base, 2.0)
	require.InDelta(t, 20.0, ToDouble(doubled), 1e-9)
}

func TestNowIsMonotonicAcrossCalls(t *testing.T) {
	a := Now()
	b := Now()
	require.True(t, Compare(a, b) <= 0)
}
