// Package connector subscribes to the kernel process-events connector and
// turns its netlink datagrams into process lifecycle events.
//
// The wire structures mirror linux/netlink.h, linux/connector.h and
// linux/cn_proc.h. They are decoded by hand from an owned byte slice so that
// every embedded length is checked before it is trusted.
package connector

import "fmt"

// Netlink message types (linux/netlink.h)
const (
	nlmsgNoop    = 0x1
	nlmsgError   = 0x2
	nlmsgDone    = 0x3
	nlmsgOverrun = 0x4
)

// Connector ids for the process events channel (linux/connector.h)
const (
	CNIdxProc = 0x1
	CNValProc = 0x1
)

// Multicast control operations (linux/cn_proc.h)
const (
	procCNMcastListen = 1
	procCNMcastIgnore = 2
)

// proc_event.what values (linux/cn_proc.h)
const (
	ProcEventNone     = 0x00000000
	ProcEventFork     = 0x00000001
	ProcEventExec     = 0x00000002
	ProcEventUID      = 0x00000004
	ProcEventGID      = 0x00000040
	ProcEventSID      = 0x00000080
	ProcEventPtrace   = 0x00000100
	ProcEventComm     = 0x00000200
	ProcEventCoredump = 0x40000000
	ProcEventExit     = 0x80000000
)

const (
	nlmsgAlignTo = 4

	// struct nlmsghdr: len, type, flags, seq, pid
	nlmsgHdrLen = 16
	// struct cn_msg: id.idx, id.val, seq, ack, len, flags
	cnMsgLen = 20
	// struct proc_event: what, cpu, timestamp_ns (aligned 8)
	procEventHdrLen = 16
	// event_data.exec: process_pid, process_tgid
	execDataLen = 8
	// event_data.exit: process_pid, process_tgid, exit_code, exit_signal
	exitDataLen = 16
	// event_data.ack: err
	ackDataLen = 4

	// MaxCPUs bounds the per-CPU sequence table.
	MaxCPUs = 4096
)

func nlmsgAlign(n int) int {
	return (n + nlmsgAlignTo - 1) &^ (nlmsgAlignTo - 1)
}

// Kind classifies a decoded proc_event for the aggregator.
type Kind uint8

const (
	KindNone Kind = iota
	KindExec
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindExec:
		return "exec"
	case KindExit:
		return "exit"
	default:
		return "none"
	}
}

// Event is one process lifecycle notification.
type Event struct {
	Kind Kind
	// What is the raw proc_event.what value.
	What uint32
	// PID is the thread group id the event refers to.
	PID uint32
	// TID is the kernel task id (equal to PID for the group leader).
	TID       uint32
	CPU       uint32
	Seq       uint32
	Timestamp uint64
	// AckErr carries the errno of a PROC_EVENT_NONE acknowledgement.
	AckErr uint32
}

// ChannelError reports a failure to open or subscribe to the process events
// channel. It is always fatal.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("process connector %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// MalformedError reports a netlink frame that could not be decoded. Only the
// datagram containing it is abandoned.
type MalformedError struct {
	Offset int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed frame at offset %d: %s", e.Offset, e.Reason)
}
