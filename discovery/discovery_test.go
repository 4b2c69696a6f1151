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

package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mprmesh/mapper/mtime"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		enc  []byte
	}{
		{"device", DeviceMsg{Name: "synth.1", MeshIP: "10.0.0.1", MeshPort: 9000, Ordinal: 1}.Encode()},
		{"nameProbe", NameProbeMsg{Name: "synth.0", TempID: 42}.Encode()},
		{"nameRegistered", NameRegisteredMsg{Name: "synth.0", TempID: 42, Suggestion: "synth.1"}.Encode()},
		{"sync", SyncMsg{DevName: "synth.1", Version: 1, MsgID: 3, Confidence: 0.9, RemoteDevID: 7, RemoteMsgID: 2, Delta: 0.01}.Encode()},
	}
	for _, c := range cases {
		path, payload, err := Decode(c.enc)
		require.NoError(t, err, c.name)
		require.NotEmpty(t, path)
		require.NotNil(t, payload)
	}
}

func TestAllocatorCountsCollision(t *testing.T) {
	a := NewAllocator("synth", 0, nil)
	a.roundStart = time.Now().Add(-600 * time.Millisecond)
	a.tempID = 99
	a.HandleRegistered(NameRegisteredMsg{Name: "synth.0", TempID: 5})
	require.Equal(t, 1, a.collisions)
}

func TestAllocatorHandleRegisteredSuggestionPool(t *testing.T) {
	a := NewAllocator("synth", 0, nil)
	a.HandleRegistered(NameRegisteredMsg{Name: "other.3"})
	require.Contains(t, a.suggestions, "other.3")
}

func TestSyncTrackerRoundTrip(t *testing.T) {
	tr := NewSyncTracker()
	t0 := mtime.FromDouble(1000)
	ping := tr.BuildPing("a.0", 1.0, t0)
	require.Equal(t, uint32(0), ping.MsgID)

	// Simulate peer replying, referencing our msg id after some elapsed
	// time with a small processing delta.
	reply := SyncMsg{DevName: "b.0", MsgID: 1, RemoteMsgID: ping.MsgID, Delta: 0.01}
	now := mtime.AddSeconds(t0, 0.2)
	latency, ok := tr.OnSync(reply, now)
	require.True(t, ok)
	require.InDelta(t, 0.095, latency, 1e-6)
}

func TestSyncTrackerNoMatch(t *testing.T) {
	tr := NewSyncTracker()
	_, ok := tr.OnSync(SyncMsg{RemoteMsgID: 12345}, mtime.Now())
	require.False(t, ok)
}

func TestSubscriberTableLeaseLifecycle(t *testing.T) {
	tab := NewSubscriberTable()
	now := time.Now()
	tab.Subscribe("1.2.3.4:9000", Device, 60, now)
	require.Equal(t, 1, tab.Len())
	require.Len(t, tab.Matching(Device), 1)
	require.Empty(t, tab.Matching(MapsIn))
	require.Equal(t, 0, tab.Prune(now))
	require.Equal(t, 1, tab.Prune(now.Add(61*time.Second)))
	require.Equal(t, 0, tab.Len())
}

func TestSubscriberTableUnsubscribe(t *testing.T) {
	tab := NewSubscriberTable()
	now := time.Now()
	tab.Subscribe("peer", Inputs, 60, now)
	tab.Unsubscribe("peer")
	require.Equal(t, 0, tab.Len())
}
