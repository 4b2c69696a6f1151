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

package props

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Set("@name", "synth.1"))
	require.NoError(t, tbl.Set("unit", "Hz"))

	v, ok := tbl.Get("@name")
	require.True(t, ok)
	assert.Equal(t, "synth.1", v)

	_, ok = tbl.Get("missing")
	assert.False(t, ok)
}

func TestReadOnly(t *testing.T) {
	tbl := New()
	tbl.SetReadOnly("@id", uint64(42))

	err := tbl.Set("@id", uint64(7))
	require.Error(t, err)
	v, _ := tbl.Get("@id")
	assert.Equal(t, uint64(42), v)

	require.Error(t, tbl.Remove("@id"))

	// the owner may refresh a read-only key
	tbl.SetReadOnly("@id", uint64(7))
	v, _ = tbl.Get("@id")
	assert.Equal(t, uint64(7), v)
}

func TestPublishedKeys(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Set("@name", "a"))
	require.NoError(t, tbl.Set("@type", "f"))
	require.NoError(t, tbl.Set("user_data", 1))

	assert.Equal(t, []string{"@name", "@type"}, tbl.PublishedKeys())
	assert.Equal(t, []string{"@name", "@type", "user_data"}, tbl.Keys())
	assert.Equal(t, 3, tbl.Len())
}

func TestPublished(t *testing.T) {
	assert.True(t, Published("@lease"))
	assert.False(t, Published("lease"))
	assert.False(t, Published(""))
}
