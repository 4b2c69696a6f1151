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

// Package mprid derives the 64-bit identifiers used for devices, signals,
// and maps: a device identifier is a 32-bit name hash in the high bits
// once its ordinal is locked, signal identifiers are derived from their
// owning device plus their path, and map identifiers from a destination
// signal id plus the expression text.
package mprid

import (
	"fmt"

	"github.com/OneOfOne/xxhash"
)

// HashName returns a 32-bit non-cryptographic hash of name. DeviceID
// places it in the high 32 bits and SignalID in the low 32 bits.
func HashName(name string) uint32 {
	return uint32(xxhash.ChecksumString64(name))
}

// DeviceID derives a device's 64-bit identifier from its locked name
// (base name plus ordinal): hash(name) in the high 32 bits, zero in the
// low 32 bits.
func DeviceID(lockedName string) uint64 {
	return uint64(HashName(lockedName)) << 32
}

// SignalID derives a signal's identifier from its owning device id and
// its path: the device id with the path hash in the low 32 bits.
func SignalID(deviceID uint64, path string) uint64 {
	return deviceID | uint64(HashName(path))
}

// MapID derives a map's identifier from its destination signal id and the
// compiled expression text, so that re-creating the identical map (same
// destination, same expression) yields the same id across restarts.
func MapID(destSignalID uint64, expr string) uint64 {
	h := xxhash.ChecksumString64(fmt.Sprintf("%d:%s", destSignalID, expr))
	return destSignalID ^ h
}
