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

package device

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mprmesh/mapper/mtime"
	"github.com/mprmesh/mapper/signal"
	"github.com/mprmesh/mapper/valuebuf"
)

var testPort int32 = 27570

func nextTestPort() int {
	return int(atomic.AddInt32(&testPort, 1))
}

func newTestDevice(t *testing.T, name string) *Device {
	return newTestDeviceOnPort(t, name, nextTestPort())
}

func newTestDeviceOnPort(t *testing.T, name string, busPort int) *Device {
	t.Helper()
	cfg := DefaultConfig(name)
	cfg.Iface = "lo"
	cfg.BusPort = busPort
	cfg.MeshPort = 0
	cfg.SyncInterval = time.Hour // keep sync pings out of these tests
	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Logout() })
	return d
}

// pollUntilReady advances Poll until the ordinal locks or the deadline
// passes, matching the 2s lock window of the name-allocation protocol.
func pollUntilReady(t *testing.T, d *Device) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.IsReady() {
			return
		}
		_, err := d.Poll(50)
		require.NoError(t, err)
	}
	t.Fatalf("device %s never locked its ordinal", d.cfg.Name)
}

func TestDeviceLocksOrdinalAndGetsAnID(t *testing.T) {
	d := newTestDevice(t, "unittest")
	require.False(t, d.IsReady())
	require.Zero(t, d.ID())

	pollUntilReady(t, d)

	require.True(t, d.IsReady())
	require.Equal(t, "unittest.0", d.Name())
	require.NotZero(t, d.ID())
}

func TestDeviceGenerateUniqueIDIsMonotonicAndDistinct(t *testing.T) {
	d := newTestDevice(t, "iddev")
	pollUntilReady(t, d)

	a := d.GenerateUniqueID()
	b := d.GenerateUniqueID()
	require.NotEqual(t, a, b)
	require.Less(t, a, b)
	require.Equal(t, d.ID(), a&0xffffffff00000000)
}

func TestDeviceAddSignalAndMapFlush(t *testing.T) {
	d := newTestDevice(t, "mapdev")
	pollUntilReady(t, d)

	in := d.AddSignal(signal.Config{
		Path: "/in", Direction: signal.Out, Vlen: 1, Type: valuebuf.Float64,
		NumInstances: 1, Mlen: 1, StealMode: signal.StealNone,
	})
	out := d.AddSignal(signal.Config{
		Path: "/out", Direction: signal.In, Vlen: 1, Type: valuebuf.Float64,
		NumInstances: 1, Mlen: 1, StealMode: signal.StealNone,
	})

	m, err := d.AddMap("y = x * 2", []*signal.Signal{in}, out)
	require.NoError(t, err)
	require.NotNil(t, m)

	require.NoError(t, in.SetValue(1, 1, valuebuf.Float64, []float64{21}))
	d.UpdateMaps()

	v, _, ok := out.GetValue(1)
	require.True(t, ok)
	require.Equal(t, []float64{42.0}, v)
}

func TestDeviceAddMapRejectsUnknownSource(t *testing.T) {
	d := newTestDevice(t, "badmapdev")
	pollUntilReady(t, d)

	in := d.AddSignal(signal.Config{
		Path: "/in", Direction: signal.Out, Vlen: 1, Type: valuebuf.Float64,
		NumInstances: 1, Mlen: 1,
	})
	out := d.AddSignal(signal.Config{
		Path: "/out", Direction: signal.In, Vlen: 1, Type: valuebuf.Float64,
		NumInstances: 1, Mlen: 1,
	})

	_, err := d.AddMap("y = undeclared * 2", []*signal.Signal{in}, out)
	require.Error(t, err)
}

// Two devices on one bus: A evaluates a map at the source and ships the
// cooked value over the mesh; B's receive path writes it into the
// destination signal.
func TestTwoDeviceRemoteMapDeliversCookedValue(t *testing.T) {
	busPort := nextTestPort()
	a := newTestDeviceOnPort(t, "itga", busPort)
	b := newTestDeviceOnPort(t, "itgb", busPort)
	pollUntilReady(t, a)
	pollUntilReady(t, b)

	x := a.AddSignal(signal.Config{
		Path: "/x", Direction: signal.Out, Vlen: 1, Type: valuebuf.Float32,
		NumInstances: 1, Mlen: 1,
	})
	y := b.AddSignal(signal.Config{
		Path: "/y", Direction: signal.In, Vlen: 1, Type: valuebuf.Float64,
		NumInstances: 1, Mlen: 1,
	})

	// the /device announcement carries the same address this sets up
	// explicitly, so the test doesn't depend on multicast timing
	b.Announce()
	a.mesh.Link(b.Name(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.mesh.LocalAddr().Port})

	m, err := a.AddRemoteMap("y = x * 10 + 1", []*signal.Signal{x}, b.Name(), "/y", 1, valuebuf.Float64)
	require.NoError(t, err)
	require.True(t, m.IsReady())

	require.NoError(t, x.SetValue(1, 1, valuebuf.Float32, []float64{2.0}))
	a.UpdateMaps() // evaluates at the source and sends over the mesh

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, err := b.Poll(50)
		require.NoError(t, err)
		if v, _, ok := y.GetValue(y.InstanceAt(0).ID); ok {
			require.Equal(t, []float64{21.0}, v)
			return
		}
	}
	t.Fatal("cooked value never arrived at the destination device")
}

func TestDeviceSetTimeAndTime(t *testing.T) {
	d := newTestDevice(t, "clockdev")
	want := d.Time()
	d.SetTime(want)
	got := d.Time()
	require.InDelta(t, 0.0, mtime.Diff(got, want), 0.25)
}
