package process

import "sort"

// Record is the tracked state of one live process.
type Record struct {
	PID uint32

	// StartTime is the kernel timestamp (ns) of the exec that started tracking.
	StartTime uint64

	ExePath string
	UID     uint32
}

// Table maps live pids to their records. It is owned by a single goroutine
// and does no locking of its own.
type Table struct {
	processes map[uint32]*Record
}

// NewTable creates an empty process table
func NewTable() *Table {
	return &Table{
		processes: make(map[uint32]*Record),
	}
}

// Add adds or replaces the record for a pid
func (t *Table) Add(rec *Record) {
	t.processes[rec.PID] = rec
}

// Get retrieves the record for a pid
func (t *Table) Get(pid uint32) (*Record, bool) {
	rec, exists := t.processes[pid]
	return rec, exists
}

// Remove removes a pid from the table
func (t *Table) Remove(pid uint32) {
	delete(t.processes, pid)
}

// Len returns the number of live records
func (t *Table) Len() int {
	return len(t.processes)
}

// List returns all records ordered by pid
func (t *Table) List() []*Record {
	records := make([]*Record, 0, len(t.processes))
	for _, rec := range t.processes {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PID < records[j].PID })
	return records
}

// Reset discards every record
func (t *Table) Reset() {
	t.processes = make(map[uint32]*Record)
}
