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

package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mprmesh/mapper/discovery"
)

func TestDeviceLifecycle(t *testing.T) {
	g := New(0)
	var events []Event
	g.OnChange(KindDevice, AnyEvent, func(ev Event, rec interface{}) {
		events = append(events, ev)
	})

	now := time.Now()
	g.apply(discovery.PathDevice, discovery.DeviceMsg{Name: "synth.1", MeshIP: "10.0.0.2", MeshPort: 9000}, now)
	require.Len(t, g.Devices(), 1)
	assert.Equal(t, []Event{Added}, events)

	dev := g.Devices()[0]
	assert.Equal(t, "synth.1", dev.Name)
	assert.Equal(t, 9000, dev.MeshPort)
	name, ok := dev.Properties().Get("@name")
	require.True(t, ok)
	assert.Equal(t, "synth.1", name)

	// re-announcement is a modification, not a second device
	g.apply(discovery.PathDevice, discovery.DeviceMsg{Name: "synth.1", MeshIP: "10.0.0.2", MeshPort: 9001}, now)
	require.Len(t, g.Devices(), 1)
	assert.Equal(t, []Event{Added, Modified}, events)
	assert.Equal(t, 9001, g.Devices()[0].MeshPort)

	g.apply(discovery.PathLogout, discovery.LogoutMsg{Name: "synth.1"}, now)
	assert.Empty(t, g.Devices())
	assert.Equal(t, []Event{Added, Modified, Removed}, events)
}

func TestSignalFollowsDevice(t *testing.T) {
	g := New(0)
	var removed []string
	g.OnChange(KindSignal, Removed, func(ev Event, rec interface{}) {
		removed = append(removed, rec.(*SignalRecord).FullPath())
	})

	now := time.Now()
	g.apply(discovery.PathDevice, discovery.DeviceMsg{Name: "synth.1"}, now)
	g.apply(discovery.PathSignal, discovery.SignalMsg{DeviceName: "synth.1", Path: "/out", Direction: "output", Vlen: 3, Type: "f"}, now)
	g.apply(discovery.PathSignal, discovery.SignalMsg{DeviceName: "synth.1", Path: "/in", Direction: "input", Vlen: 1, Type: "d"}, now)
	require.Len(t, g.Signals(), 2)

	// a device's logout sweeps its signals out of the mirror with it
	g.apply(discovery.PathLogout, discovery.LogoutMsg{Name: "synth.1"}, now)
	assert.Empty(t, g.Signals())
	assert.ElementsMatch(t, []string{"synth.1/out", "synth.1/in"}, removed)
}

func TestSignalRemovedMessage(t *testing.T) {
	g := New(0)
	now := time.Now()
	msg := discovery.SignalMsg{DeviceName: "synth.1", Path: "/out", Direction: "output", Vlen: 1, Type: "f"}
	g.apply(discovery.PathSignal, msg, now)
	require.Len(t, g.Signals(), 1)

	g.apply(discovery.PathSignalRemoved, msg, now)
	assert.Empty(t, g.Signals())
}

func TestMapLifecycle(t *testing.T) {
	g := New(0)
	var events []Event
	g.OnChange(KindMap, AnyEvent, func(ev Event, rec interface{}) {
		events = append(events, ev)
	})

	now := time.Now()
	msg := discovery.MapMsg{ID: 7, Sources: []string{"a.1/x"}, Dest: "b.1/y", Expression: "y = x * 10 + 1"}
	g.apply(discovery.PathMapped, msg, now)
	require.Len(t, g.Maps(), 1)
	assert.Equal(t, "y = x * 10 + 1", g.Maps()[0].Expression)

	msg.Expression = "y = x"
	g.apply(discovery.PathMapped, msg, now)
	require.Len(t, g.Maps(), 1)
	assert.Equal(t, "y = x", g.Maps()[0].Expression)

	g.apply(discovery.PathUnmapped, msg, now)
	assert.Empty(t, g.Maps())
	assert.Equal(t, []Event{Added, Modified, Removed}, events)
}

func TestSyncRefreshesLastSeen(t *testing.T) {
	g := New(0)
	t0 := time.Now()
	g.apply(discovery.PathDevice, discovery.DeviceMsg{Name: "synth.1"}, t0)

	t1 := t0.Add(5 * time.Second)
	g.apply(discovery.PathSync, discovery.SyncMsg{DevName: "synth.1"}, t1)
	assert.Equal(t, t1, g.Devices()[0].LastSeen)
}

func TestWatcherMaskFilters(t *testing.T) {
	g := New(0)
	calls := 0
	g.OnChange(KindDevice, Removed, func(ev Event, rec interface{}) { calls++ })

	now := time.Now()
	g.apply(discovery.PathDevice, discovery.DeviceMsg{Name: "synth.1"}, now)
	g.apply(discovery.PathDevice, discovery.DeviceMsg{Name: "synth.1"}, now)
	assert.Zero(t, calls)

	g.apply(discovery.PathLogout, discovery.LogoutMsg{Name: "synth.1"}, now)
	assert.Equal(t, 1, calls)
}
