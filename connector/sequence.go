package connector

// SequenceTracker remembers the last connector sequence number seen per CPU.
// The kernel numbers process events per CPU, so a jump means messages were
// lost or reordered. Detection only; nothing is buffered or requested again.
type SequenceTracker struct {
	last [MaxCPUs]uint32
	seen [MaxCPUs]bool
}

// Observe records seq for cpu. It reports a gap when a previous sequence
// exists for the CPU and seq is not its successor, along with the expected
// value. CPUs outside the table are ignored.
func (t *SequenceTracker) Observe(cpu, seq uint32) (gap bool, expected uint32) {
	if cpu >= MaxCPUs {
		return false, 0
	}

	if t.seen[cpu] {
		expected = t.last[cpu] + 1
		gap = seq != expected
	}

	t.last[cpu] = seq
	t.seen[cpu] = true
	return gap, expected
}
