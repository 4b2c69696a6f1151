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
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// probeListenWindow and lockWindow are the "listen >= 0.5s"
// and "after 2s with <= 1 collision, lock" timings.
const (
	probeListenWindow = 500 * time.Millisecond
	lockWindow        = 2 * time.Second
	suggestionPoolLen = 8
)

// Allocator runs one device's ordinal probe/claim state machine.
type Allocator struct {
	base    string
	ordinal int
	tempID  uint32
	locked  bool

	roundStart time.Time
	collisions int

	rng         *rand.Rand
	suggestions []string // up to suggestionPoolLen recently seen "name.ordinal" alternatives
}

// NewAllocator starts a claim attempt for base.0 (or base.startOrdinal
// if nonzero).
func NewAllocator(base string, startOrdinal int, rng *rand.Rand) *Allocator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Allocator{base: base, ordinal: startOrdinal, rng: rng}
}

// Name is the candidate (or, once Locked, the claimed) "base.ordinal".
func (a *Allocator) Name() string { return fmt.Sprintf("%s.%d", a.base, a.ordinal) }

// Locked reports whether the ordinal has been successfully claimed.
func (a *Allocator) Locked() bool { return a.locked }

// Start sends the first probe for the current candidate ordinal. The
// temp-id distinguishing our probes from a same-named peer's is minted
// from a random UUID so two processes started in the same tick cannot
// collide on a shared seed.
func (a *Allocator) Start(bus *Bus) error {
	a.tempID = uuid.New().ID()
	a.roundStart = time.Now()
	a.collisions = 0
	return bus.Send(NameProbeMsg{Name: a.Name(), TempID: a.tempID}.Encode())
}

// HandleRegistered processes another peer's /name/registered reply. A
// reply for our candidate name with a different temp-id is a collision
//; replies naming a different candidate are
// remembered in the suggestion pool for step 6.
func (a *Allocator) HandleRegistered(msg NameRegisteredMsg) {
	if a.locked {
		return
	}
	if msg.Name == a.Name() {
		if msg.TempID != a.tempID {
			a.collisions++
		}
		return
	}
	a.rememberSuggestion(msg.Name)
}

func (a *Allocator) rememberSuggestion(name string) {
	for _, s := range a.suggestions {
		if s == name {
			return
		}
	}
	if len(a.suggestions) >= suggestionPoolLen {
		a.suggestions = a.suggestions[1:]
	}
	a.suggestions = append(a.suggestions, name)
}

// HandleProbe answers an incoming /name/probe for our already-locked
// name with a suggested alternative: the lowest ordinal above ours whose
// name is not in the seen pool. Names in the pool are never offered.
func (a *Allocator) HandleProbe(msg NameProbeMsg, bus *Bus) error {
	if !a.locked || msg.Name != a.Name() {
		return nil
	}
	suggestion := a.nextOrdinalSuggestion()
	return bus.Send(NameRegisteredMsg{Name: msg.Name, TempID: msg.TempID, Suggestion: suggestion}.Encode())
}

func (a *Allocator) nextOrdinalSuggestion() string {
	taken := map[string]bool{a.Name(): true}
	for _, s := range a.suggestions {
		taken[s] = true
	}
	for k := a.ordinal + 1; ; k++ {
		cand := fmt.Sprintf("%s.%d", a.base, k)
		if !taken[cand] {
			return cand
		}
	}
}

// Tick advances the state machine and must be called on every poll while
// !Locked: after the 0.5s listen
// window, >=1 collision restarts the round with a jittered ordinal bump;
// after the full 2s window with <=1 collision, the name locks and a
// /name/registered announcement is sent.
func (a *Allocator) Tick(bus *Bus) error {
	if a.locked {
		return nil
	}
	elapsed := time.Since(a.roundStart)
	if elapsed < probeListenWindow {
		return nil
	}
	if a.collisions >= 1 && elapsed < lockWindow {
		a.ordinal += 1 + a.rng.Intn(a.collisions+1)
		log.Debugf("discovery: name %q collided (%d), retrying as %q", a.Name(), a.collisions, fmt.Sprintf("%s.%d", a.base, a.ordinal))
		return a.Start(bus)
	}
	if elapsed >= lockWindow && a.collisions <= 1 {
		a.locked = true
		log.Infof("discovery: locked device name %q", a.Name())
		return bus.Send(NameRegisteredMsg{Name: a.Name(), TempID: a.tempID}.Encode())
	}
	return nil
}
