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

// Package props is the shared property-table trait carried by every core
// object (device, signal, map, slot). A key with a "@" prefix is
// "published": included in bus announcements. Keys without the prefix
// are local metadata. This replaces the deep obj->{dev,sig,map,slot}
// inheritance of the original design with one table type each concrete
// type embeds.
package props

import (
	"fmt"
	"sort"
)

// PublishedPrefix marks a property as included in announcements.
const PublishedPrefix = "@"

// Published reports whether key is announced on the bus.
func Published(key string) bool {
	return len(key) > 0 && key[0] == PublishedPrefix[0]
}

type entry struct {
	val      interface{}
	readOnly bool
}

// Table is a string-keyed property table. Values are scalars
// (int/int64/float64/string/bool) or slices of those; the table itself
// does not constrain the type beyond what the setter stores.
type Table struct {
	entries map[string]entry
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: map[string]entry{}}
}

// Set stores key=val. Setting a read-only key fails without mutating.
func (t *Table) Set(key string, val interface{}) error {
	if e, ok := t.entries[key]; ok && e.readOnly {
		return fmt.Errorf("props: %q is read-only", key)
	}
	t.entries[key] = entry{val: val}
	return nil
}

// SetReadOnly stores key=val and locks the key against later Set calls.
// The owner of the table may still overwrite it with another
// SetReadOnly, which is how a device refreshes its own locked
// properties (name after ordinal lock, port after bind).
func (t *Table) SetReadOnly(key string, val interface{}) {
	t.entries[key] = entry{val: val, readOnly: true}
}

// Get returns the value stored under key.
func (t *Table) Get(key string) (interface{}, bool) {
	e, ok := t.entries[key]
	return e.val, ok
}

// Remove deletes key. Read-only keys cannot be removed.
func (t *Table) Remove(key string) error {
	if e, ok := t.entries[key]; ok && e.readOnly {
		return fmt.Errorf("props: %q is read-only", key)
	}
	delete(t.entries, key)
	return nil
}

// Keys returns all keys in sorted order.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PublishedKeys returns the sorted subset of keys carried in
// announcements.
func (t *Table) PublishedKeys() []string {
	var keys []string
	for k := range t.entries {
		if Published(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len reports the number of stored properties.
func (t *Table) Len() int { return len(t.entries) }

// Tabled is implemented by every core object that carries a property
// table; shared operations (property printing, announcement assembly)
// take a Tabled instead of a concrete type.
type Tabled interface {
	Properties() *Table
}
