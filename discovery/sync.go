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
	"github.com/mprmesh/mapper/mprid"
	"github.com/mprmesh/mapper/mtime"
)

// ringSize is the "local_ring[10]" of the Clock data model.
const ringSize = 10

type pingRecord struct {
	valid    bool
	msgID    uint32
	sendTime mtime.Time
}

// SyncTracker is the wire-level half of a device clock: the ring
// of our last 10 sent pings plus the bookkeeping of the last peer we
// heard from, kept separate from device.Clock's offset/rate state so
// this package never needs to import device.
type SyncTracker struct {
	ring     [ringSize]pingRecord
	nextSlot int
	nextID   uint32

	remoteDevID uint64
	remoteMsgID uint32
	remoteTime  mtime.Time
}

// NewSyncTracker creates an empty tracker.
func NewSyncTracker() *SyncTracker { return &SyncTracker{} }

// BuildPing constructs the next outgoing /sync message for devName at
// confidence, recording it in the ring so a later reply can be matched
// against its send time.
func (t *SyncTracker) BuildPing(devName string, confidence float64, now mtime.Time) SyncMsg {
	id := t.nextID
	t.nextID++
	t.ring[t.nextSlot] = pingRecord{valid: true, msgID: id, sendTime: now}
	t.nextSlot = (t.nextSlot + 1) % ringSize

	delta := 0.0
	if t.remoteDevID != 0 {
		delta = mtime.Diff(now, t.remoteTime)
	}
	return SyncMsg{
		DevName:     devName,
		Version:     1,
		MsgID:       id,
		Confidence:  confidence,
		RemoteDevID: t.remoteDevID,
		RemoteMsgID: t.remoteMsgID,
		Delta:       delta,
		SenderTime:  now,
	}
}

func (t *SyncTracker) find(msgID uint32) (pingRecord, bool) {
	for _, r := range t.ring {
		if r.valid && r.msgID == msgID {
			return r, true
		}
	}
	return pingRecord{}, false
}

// OnSync processes an inbound /sync: if msg.RemoteMsgID
// matches one of our outstanding pings, the round-trip latency is
// computed and returned; the sender is recorded as "remote" so our next
// outgoing ping carries it forward.
func (t *SyncTracker) OnSync(msg SyncMsg, now mtime.Time) (latency float64, hasLatency bool) {
	if r, ok := t.find(msg.RemoteMsgID); ok {
		latency = (mtime.ToDouble(now) - mtime.ToDouble(r.sendTime) - msg.Delta) / 2
		hasLatency = true
	}
	t.remoteDevID = mprid.DeviceID(msg.DevName)
	t.remoteMsgID = msg.MsgID
	t.remoteTime = now
	return latency, hasLatency
}
