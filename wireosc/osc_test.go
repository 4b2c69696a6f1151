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

package wireosc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	in := Message{
		Path: "/synth.1/out",
		Args: []Arg{
			Int32Arg(3),
			Float32Arg(1.5),
			Float64Arg(-2.25),
			Int64Arg(1 << 40),
			StringArg("@in"),
			NullArg(),
		},
	}
	data := Encode(in)
	require.Zero(t, len(data)%4, "OSC messages are 4-byte aligned")

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.Path, out.Path)
	require.Len(t, out.Args, 6)
	assert.Equal(t, int32(3), out.Args[0].I)
	assert.Equal(t, float32(1.5), out.Args[1].F)
	assert.Equal(t, -2.25, out.Args[2].D)
	assert.Equal(t, int64(1<<40), out.Args[3].H)
	assert.Equal(t, "@in", out.Args[4].Str)
	assert.Equal(t, byte('N'), out.Args[5].Tag)
}

func TestDecodeEmptyArgs(t *testing.T) {
	data := Encode(Message{Path: "/who"})
	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "/who", out.Path)
	assert.Empty(t, out.Args)
}

func TestDecodeTruncated(t *testing.T) {
	data := Encode(Message{Path: "/x", Args: []Arg{Float64Arg(1)}})
	_, err := Decode(data[:len(data)-4])
	require.Error(t, err)
}

func TestDecodeMissingTagComma(t *testing.T) {
	// a path followed by a non-typetag string is malformed
	data := Encode(Message{Path: "/x"})
	data[4] = 'x' // overwrite the ',' of the typetag string
	_, err := Decode(data)
	require.Error(t, err)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}
