// Package status holds the table every unit publishes its state into and
// every status query reads from.
package status

import (
	"sort"
	"sync"
)

// Entry is one managed name's published state. PID is nil exactly when the
// unit's last poll did not believe the process alive.
type Entry struct {
	PID   *int   `json:"pid"`
	Port  int    `json:"port"`
	State string `json:"state"`
}

func (e Entry) Running() bool {
	return e.PID != nil
}

func (e Entry) clone() Entry {
	if e.PID != nil {
		pid := *e.PID
		e.PID = &pid
	}
	return e
}

// PIDPtr is a small helper for building entries
func PIDPtr(pid int) *int {
	return &pid
}

// Table is a mutex guarded name -> Entry map. All writes replace a whole
// entry, so a reader never observes a half-updated one.
type Table struct {
	mutex   sync.Mutex
	entries map[string]Entry
	changes chan struct{}
}

func NewTable() *Table {
	return &Table{
		entries: make(map[string]Entry),
		changes: make(chan struct{}, 1),
	}
}

// Changes is signaled after writes. Signals coalesce, so a receiver should
// read a fresh Snapshot rather than count signals.
func (t *Table) Changes() <-chan struct{} {
	return t.changes
}

func (t *Table) signal() {
	select {
	case t.changes <- struct{}{}:
	default:
	}
}

func (t *Table) Set(name string, entry Entry) {
	entry = entry.clone()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.entries[name] = entry
	t.signal()
}

func (t *Table) Remove(name string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	delete(t.entries, name)
	t.signal()
}

func (t *Table) Get(name string) (Entry, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	entry, ok := t.entries[name]
	return entry.clone(), ok
}

// Snapshot copies the whole table under the lock
func (t *Table) Snapshot() map[string]Entry {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	result := make(map[string]Entry, len(t.entries))
	for name, entry := range t.entries {
		result[name] = entry.clone()
	}
	return result
}

func (t *Table) Names() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CountRunning returns how many entries carry a PID
func (t *Table) CountRunning() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	count := 0
	for _, entry := range t.entries {
		if entry.Running() {
			count++
		}
	}
	return count
}
