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
	"sync"
	"time"
)

// renewMargin is how far ahead of expiry a well-behaved subscriber
// renews its lease ("auto-renew at lease - 10s").
const renewMargin = 10 * time.Second

// Subscriber is one peer's active subscription lease.
type Subscriber struct {
	Addr   string
	Flags  SubscribeFlags
	Expire time.Time
}

// RenewAt is when this subscriber is expected to renew (10s before
// expiry); used only for diagnostics, since expiry itself is judged by
// Expire.
func (s Subscriber) RenewAt() time.Time { return s.Expire.Add(-renewMargin) }

// SubscriberTable tracks every peer currently subscribed to this
// device's updates, pruning expired leases silently
type SubscriberTable struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// NewSubscriberTable creates an empty table.
func NewSubscriberTable() *SubscriberTable {
	return &SubscriberTable{subs: map[string]*Subscriber{}}
}

// Subscribe adds or renews addr's lease.
func (t *SubscriberTable) Subscribe(addr string, flags SubscribeFlags, leaseSec int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[addr] = &Subscriber{Addr: addr, Flags: flags, Expire: now.Add(time.Duration(leaseSec) * time.Second)}
}

// Unsubscribe removes addr's lease immediately.
func (t *SubscriberTable) Unsubscribe(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, addr)
}

// Prune drops every lease that has expired as of now, returning how many
// were removed.
func (t *SubscriberTable) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for addr, s := range t.subs {
		if now.After(s.Expire) {
			delete(t.subs, addr)
			n++
		}
	}
	return n
}

// Matching returns every active subscriber whose flags intersect mask,
// used to decide who receives a given kind of update.
func (t *SubscriberTable) Matching(mask SubscribeFlags) []Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		if s.Flags&mask != 0 {
			out = append(out, *s)
		}
	}
	return out
}

// Len reports the number of currently tracked (possibly expired-but-not-
// yet-pruned) subscribers.
func (t *SubscriberTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
