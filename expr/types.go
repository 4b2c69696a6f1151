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

// Package expr implements the per-sample map transform language: a
// shunting-yard-precedence parser that compiles an expression string
// into a small program, and a stack-flavored VM that evaluates it
// against source/destination value buffers, with vector, history,
// signal, and instance reductions.
package expr

import (
	"fmt"

	"github.com/mprmesh/mapper/valuebuf"
)

// Type re-exports valuebuf's scalar type so expr's public API doesn't
// force callers to import both packages for one enum.
type Type = valuebuf.Type

const (
	Int32   = valuebuf.Int32
	Float32 = valuebuf.Float32
	Float64 = valuebuf.Float64
)

// UpdateFlags is the bitmask one evaluation call returns to the map
// runtime.
type UpdateFlags uint8

const (
	Update UpdateFlags = 1 << iota
	ReleaseBeforeUpdate
	ReleaseAfterUpdate
	Mute
)

// MaxHistory is the largest magnitude of a history index.
const MaxHistory = 100

// MaxSources is the largest number of map sources.
const MaxSources = 8

// ParseError is returned by Parse for any compile failure: missing
// output assignment, unknown identifier, output history index outside
// [-MaxHistory,-1], and the like. Parse does not check vector lengths;
// a length mismatch between operands is reported by Eval, also as a
// ParseError.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return "expr: parse error: " + e.Msg }

func errf(format string, args ...interface{}) error {
	return &ParseError{Msg: fmt.Sprintf(format, args...)}
}

// IOShape describes one source's or the destination's vector length and
// scalar type, as supplied to Parse.
type IOShape struct {
	Vlen int
	Type Type
}
