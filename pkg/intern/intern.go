/*
Copyright 2025 The Urpo Authors.

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

// Package intern deduplicates service and operation names, mapping each
// unique string to a 32-bit ID. The table is append-only: IDs are monotonic
// and never recycled, so the hot lookup path needs no writer lock.
package intern

import (
	"sync"
)

// ID is a lightweight 4-byte identifier for an interned string. ID 0 is
// reserved as "empty".
type ID uint32

// Table is a process-wide string interning table. Lookups of already
// interned strings take the lock-free fast path; appends take a short
// critical section.
type Table struct {
	forward sync.Map // string -> ID

	mu      sync.RWMutex
	reverse []string // ID -> string, index 0 reserved
}

// NewTable returns a table with the given initial capacity.
func NewTable(capacity int) *Table {
	t := &Table{reverse: make([]string, 1, capacity+1)}
	return t
}

// Intern returns the ID for s, assigning a new one on first sight.
// The empty string always maps to ID 0.
func (t *Table) Intern(s string) ID {
	if s == "" {
		return 0
	}
	if v, ok := t.forward.Load(s); ok {
		return v.(ID)
	}
	return t.internSlow(s)
}

func (t *Table) internSlow(s string) ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Another writer may have appended s between the fast-path miss and
	// taking the lock.
	if v, ok := t.forward.Load(s); ok {
		return v.(ID)
	}
	id := ID(len(t.reverse))
	t.reverse = append(t.reverse, s)
	t.forward.Store(s, id)
	return id
}

// Lookup returns the string for id. ID 0 and out-of-range IDs return
// the empty string.
func (t *Table) Lookup(id ID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.reverse) {
		return ""
	}
	return t.reverse[id]
}

// Len is the number of interned strings, excluding the reserved empty slot.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.reverse) - 1
}

// MemoryUsage estimates the bytes held by the table.
func (t *Table) MemoryUsage() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := cap(t.reverse) * 16
	for _, s := range t.reverse {
		total += len(s) + 64 // forward map entry overhead
	}
	return total
}

var defaultTable = NewTable(10000)

// Intern interns s in the process-wide table.
func Intern(s string) ID {
	return defaultTable.Intern(s)
}

// Lookup resolves id against the process-wide table.
func Lookup(id ID) string {
	return defaultTable.Lookup(id)
}
