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

// Package mtime implements the NTP-style fixed point timestamp used
// throughout the graph: 64 bits split into whole seconds and a binary
// fraction of a second, since the NTP epoch.
package mtime

import "math"

const fracMultiplier = 1.0 / float64(uint64(1)<<32)

// Time is a {sec, frac} timestamp, seconds since the NTP epoch plus a
// 32-bit binary fraction of a second. Arithmetic on Time never produces
// NaN: all conversions to double only happen at the edges.
type Time struct {
	Sec  uint32
	Frac uint32
}

// Zero is the zero-value timestamp.
var Zero = Time{}

// Now returns the current wall-clock time as a Time. Callers that need
// monotonic network-synchronized time should go through device.Clock
// instead; this is the raw system-clock reading it is built from.
func Now() Time {
	return FromDouble(nowDouble())
}

// Add returns a + b, normalizing fractional overflow into the seconds
// field.
func Add(a, b Time) Time {
	frac := uint64(a.Frac) + uint64(b.Frac)
	sec := a.Sec + b.Sec
	if frac > math.MaxUint32 {
		frac -= uint64(math.MaxUint32) + 1
		sec++
	}
	return Time{Sec: sec, Frac: uint32(frac)}
}

// Sub returns a - b, saturating at zero rather than wrapping negative.
func Sub(a, b Time) Time {
	if Compare(a, b) <= 0 {
		return Zero
	}
	sec := a.Sec - b.Sec
	var frac int64 = int64(a.Frac) - int64(b.Frac)
	if frac < 0 {
		frac += int64(math.MaxUint32) + 1
		sec--
	}
	return Time{Sec: sec, Frac: uint32(frac)}
}

// AddSeconds adds a (possibly negative, possibly fractional) number of
// seconds to t, mirroring the original mapper_timetag_add_seconds: the
// existing fractional remainder is folded in via the stored frac field
// before re-deriving sec/frac, so repeated small adjustments do not lose
// precision the way a naive ToDouble/FromDouble round-trip would.
func AddSeconds(t Time, seconds float64) Time {
	if seconds == 0 {
		return t
	}
	b := seconds + float64(t.Frac)*fracMultiplier
	whole := math.Floor(b)
	sec := int64(t.Sec) + int64(whole)
	b -= whole
	if b < 0.0 {
		sec--
		b = 1.0 - b
	}
	if sec < 0 {
		sec = 0
	}
	return Time{Sec: uint32(sec), Frac: uint32(b * float64(uint64(1)<<32))}
}

// Mul scales t by a non-negative factor, used for rate-adjusted clocks.
func Mul(t Time, factor float64) Time {
	return FromDouble(ToDouble(t) * factor)
}

// ToDouble converts t to seconds since the NTP epoch as a float64:
// sec + frac * 2^-32.
func ToDouble(t Time) float64 {
	return float64(t.Sec) + float64(t.Frac)*fracMultiplier
}

// FromDouble builds a Time from a (non-negative) number of seconds since
// the NTP epoch.
func FromDouble(seconds float64) Time {
	if seconds < 0 {
		seconds = 0
	}
	whole := math.Floor(seconds)
	frac := seconds - whole
	return Time{Sec: uint32(whole), Frac: uint32(frac * float64(uint64(1)<<32))}
}

// Compare returns -1, 0, or 1 as a is lexicographically before, equal
// to, or after b, comparing (sec, frac) pairs.
func Compare(a, b Time) int {
	switch {
	case a.Sec < b.Sec:
		return -1
	case a.Sec > b.Sec:
		return 1
	case a.Frac < b.Frac:
		return -1
	case a.Frac > b.Frac:
		return 1
	default:
		return 0
	}
}

// Before reports whether a happens strictly before b.
func Before(a, b Time) bool { return Compare(a, b) < 0 }

// After reports whether a happens strictly after b.
func After(a, b Time) bool { return Compare(a, b) > 0 }

// Diff returns a - b as a signed number of seconds, unlike Sub which
// saturates at zero. Used by the clock-sync round-trip latency
// calculation, which needs a signed difference.
func Diff(a, b Time) float64 {
	return ToDouble(a) - ToDouble(b)
}
