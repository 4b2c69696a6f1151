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

package mprid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceIDShape(t *testing.T) {
	id := DeviceID("synth.1")
	require.NotZero(t, id)
	assert.Zero(t, id&0xffffffff, "device id keeps its low 32 bits clear")
	assert.Equal(t, uint64(HashName("synth.1"))<<32, id)
}

func TestDeviceIDDistinctPerOrdinal(t *testing.T) {
	assert.NotEqual(t, DeviceID("synth.1"), DeviceID("synth.2"))
}

func TestSignalIDCarriesDevice(t *testing.T) {
	dev := DeviceID("synth.1")
	sig := SignalID(dev, "/out")
	assert.Equal(t, dev, sig&^uint64(0xffffffff), "signal id keeps the device hash in the high bits")
	assert.NotEqual(t, sig, SignalID(dev, "/in"))
}

func TestMapIDDeterministic(t *testing.T) {
	dst := SignalID(DeviceID("synth.1"), "/in")
	a := MapID(dst, "y = x * 10 + 1")
	b := MapID(dst, "y = x * 10 + 1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, MapID(dst, "y = x"))
}
