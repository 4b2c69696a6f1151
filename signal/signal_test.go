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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mprmesh/mapper/idmap"
	"github.com/mprmesh/mapper/valuebuf"
)

func newTestSignal(t *testing.T, numInst int, stealMode StealMode, ephemeral bool) *Signal {
	t.Helper()
	var nextID uint64
	reg := idmap.New(256)
	return New(Config{
		Path: "/test", Direction: Out, Vlen: 1, Type: valuebuf.Float64,
		NumInstances: numInst, Mlen: 4, StealMode: stealMode, Ephemeral: ephemeral,
		Registry: reg,
		NextGlobalID: func() uint64 {
			nextID++
			return nextID
		},
	})
}

func TestSetValueAndGetValue(t *testing.T) {
	s := newTestSignal(t, 1, StealNone, false)
	require.NoError(t, s.SetValue(1, 1, valuebuf.Float64, []float64{42}))
	v, _, ok := s.GetValue(1)
	require.True(t, ok)
	require.Equal(t, []float64{42.0}, v)
}

func TestSetValueDropsNaN(t *testing.T) {
	s := newTestSignal(t, 1, StealNone, false)
	require.NoError(t, s.SetValue(1, 1, valuebuf.Float64, []float64{math64NaN()}))
	_, _, ok := s.GetValue(1)
	require.False(t, ok)
}

// Once every reserved instance slot is exhausted and no steal policy
// is configured, activation of a new instance fails with an overflow.
func TestInstanceOverflowNoSteal(t *testing.T) {
	s := newTestSignal(t, 2, StealNone, true)
	require.NoError(t, s.SetValue(1, 1, valuebuf.Float64, []float64{1}))
	require.NoError(t, s.SetValue(2, 1, valuebuf.Float64, []float64{2}))
	err := s.SetValue(3, 1, valuebuf.Float64, []float64{3})
	require.Error(t, err)
}

// With StealOldest, activating beyond capacity evicts the
// least-recently-activated instance instead of failing.
func TestInstanceOverflowStealsOldest(t *testing.T) {
	s := newTestSignal(t, 2, StealOldest, true)
	require.NoError(t, s.SetValue(1, 1, valuebuf.Float64, []float64{1}))
	require.NoError(t, s.SetValue(2, 1, valuebuf.Float64, []float64{2}))
	err := s.SetValue(3, 1, valuebuf.Float64, []float64{3})
	require.NoError(t, err)

	_, _, ok := s.GetValue(1)
	require.False(t, ok, "oldest instance should have been stolen")
	v, _, ok := s.GetValue(3)
	require.True(t, ok)
	require.Equal(t, []float64{3.0}, v)
}

func TestReleaseAndRemoveInst(t *testing.T) {
	s := newTestSignal(t, 1, StealNone, false)
	require.NoError(t, s.SetValue(1, 1, valuebuf.Float64, []float64{5}))
	require.NoError(t, s.ReleaseInst(1))
	st, ok := s.GetInstStatus(1)
	require.True(t, ok)
	require.NotZero(t, st&RelUpstream)

	require.NoError(t, s.RemoveInst(1))
	require.Equal(t, 0, s.NumInstances())
}

func TestOutgoingSinkNotifiedOnUpdate(t *testing.T) {
	s := newTestSignal(t, 1, StealNone, false)
	updates := 0
	s.AddOutgoing(&stubSink{onUpdate: func(int) { updates++ }})
	require.NoError(t, s.SetValue(1, 1, valuebuf.Float64, []float64{1}))
	require.Equal(t, 1, updates)
}

type stubSink struct {
	onUpdate  func(int)
	onRelease func(int, uint64)
}

func (s *stubSink) OnInstanceUpdate(idx int) {
	if s.onUpdate != nil {
		s.onUpdate(idx)
	}
}
func (s *stubSink) OnInstanceRelease(idx int, originator uint64) {
	if s.onRelease != nil {
		s.onRelease(idx, originator)
	}
}

func math64NaN() float64 {
	var zero float64
	return zero / zero
}
