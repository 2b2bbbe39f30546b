package bytecode

// ---------------------------------------------------------------------------
// Table: open-addressed hash table keyed by interned strings
// ---------------------------------------------------------------------------

// tableMaxLoad is the load factor (live entries plus tombstones over
// capacity) that triggers growth.
const tableMaxLoad = 0.75

// minTableCapacity is the smallest non-empty capacity. Capacities are
// always powers of two so probing can mask instead of mod.
const minTableCapacity = 8

// Entry is a single table slot. A nil Key with a true Value is a
// tombstone: it keeps probe sequences intact after deletion but its slot
// can be reused by insertion.
type Entry struct {
	Key   *ObjString
	Value Value
}

// Table is an open-addressed hash table with linear probing, keyed by
// interned strings so key comparison is pointer identity. It backs the
// globals, class method tables, instance fields, and the string intern
// pool. The zero value is an empty table ready for use.
type Table struct {
	count   int // live entries + tombstones
	entries []Entry
}

// Count returns the number of occupied slots, including tombstones.
func (t *Table) Count() int { return t.count }

// Get looks up key and reports whether it was present.
func (t *Table) Get(key *ObjString) (Value, bool) {
	if t.count == 0 {
		return NilValue(), false
	}
	entry := t.findEntry(t.entries, key)
	if entry.Key == nil {
		return NilValue(), false
	}
	return entry.Value, true
}

// Set inserts or updates key. It returns true if the key was not
// already present.
func (t *Table) Set(key *ObjString, value Value) bool {
	if float64(t.count+1) > float64(len(t.entries))*tableMaxLoad {
		t.adjustCapacity(growCapacity(len(t.entries)))
	}

	entry := t.findEntry(t.entries, key)
	isNew := entry.Key == nil
	if isNew && entry.Value.IsNil() {
		// Fresh slot, not a recycled tombstone.
		t.count++
	}

	entry.Key = key
	entry.Value = value
	return isNew
}

// Delete removes key, leaving a tombstone, and reports whether the key
// was present.
func (t *Table) Delete(key *ObjString) bool {
	if t.count == 0 {
		return false
	}

	entry := t.findEntry(t.entries, key)
	if entry.Key == nil {
		return false
	}

	entry.Key = nil
	entry.Value = BoolValue(true)
	return true
}

// AddAll copies every live entry of from into t. Used by OP_INHERIT to
// copy a superclass's method table.
func (t *Table) AddAll(from *Table) {
	for i := range from.entries {
		entry := &from.entries[i]
		if entry.Key != nil {
			t.Set(entry.Key, entry.Value)
		}
	}
}

// findEntry locates the slot for key: the matching entry if present,
// otherwise the first tombstone passed (for insertion reuse), otherwise
// the empty slot that terminated the probe.
func (t *Table) findEntry(entries []Entry, key *ObjString) *Entry {
	index := int(key.Hash) & (len(entries) - 1)
	var tombstone *Entry

	for {
		entry := &entries[index]
		if entry.Key == nil {
			if entry.Value.IsNil() {
				// Empty slot terminates the probe.
				if tombstone != nil {
					return tombstone
				}
				return entry
			}
			if tombstone == nil {
				tombstone = entry
			}
		} else if entry.Key == key {
			return entry
		}

		index = (index + 1) & (len(entries) - 1)
	}
}

// adjustCapacity rehashes into a new slice of the given capacity,
// dropping tombstones.
func (t *Table) adjustCapacity(capacity int) {
	entries := make([]Entry, capacity)

	t.count = 0
	for i := range t.entries {
		entry := &t.entries[i]
		if entry.Key == nil {
			continue
		}
		dest := t.findEntry(entries, entry.Key)
		dest.Key = entry.Key
		dest.Value = entry.Value
		t.count++
	}

	t.entries = entries
}

// FindString performs a content probe: it returns the interned string
// with the given contents and hash if one exists. This is how the heap
// deduplicates strings without first building an ObjString to use as a
// key.
func (t *Table) FindString(chars string, hash uint32) *ObjString {
	if t.count == 0 {
		return nil
	}

	index := int(hash) & (len(t.entries) - 1)
	for {
		entry := &t.entries[index]
		if entry.Key == nil {
			// Empty non-tombstone slot ends the probe.
			if entry.Value.IsNil() {
				return nil
			}
		} else if len(entry.Key.Chars) == len(chars) &&
			entry.Key.Hash == hash &&
			entry.Key.Chars == chars {
			return entry.Key
		}

		index = (index + 1) & (len(t.entries) - 1)
	}
}

// RemoveWhite deletes entries whose key is unmarked. The collector calls
// this on the intern table between tracing and sweeping so dead strings
// do not leave dangling keys.
func (t *Table) RemoveWhite() {
	for i := range t.entries {
		entry := &t.entries[i]
		if entry.Key != nil && !entry.Key.marked {
			t.Delete(entry.Key)
		}
	}
}

func growCapacity(capacity int) int {
	if capacity < minTableCapacity {
		return minTableCapacity
	}
	return capacity * 2
}
