package connector

import (
	"encoding/binary"
	"fmt"
)

var ne = binary.NativeEndian

// Decode walks the netlink messages of a single datagram and returns the
// process events it carries. Every declared length is checked against the
// bytes actually present before it is used. A *MalformedError ends decoding;
// the events decoded before it are still returned.
func Decode(b []byte) ([]Event, error) {
	var events []Event
	off := 0

	for len(b)-off >= nlmsgHdrLen {
		msgLen := int(ne.Uint32(b[off:]))
		msgType := ne.Uint16(b[off+4:])

		if msgLen < nlmsgHdrLen {
			return events, &MalformedError{Offset: off, Reason: fmt.Sprintf("message length %d shorter than header", msgLen)}
		}
		if msgLen > len(b)-off {
			return events, &MalformedError{Offset: off, Reason: fmt.Sprintf("message length %d exceeds %d remaining bytes", msgLen, len(b)-off)}
		}

		switch msgType {
		case nlmsgNoop:
			off += nlmsgAlign(msgLen)
			continue
		case nlmsgError:
			return events, &MalformedError{Offset: off, Reason: "netlink error message"}
		case nlmsgOverrun:
			return events, &MalformedError{Offset: off, Reason: "netlink overrun"}
		}

		ev, ok, err := decodeConnectorMessage(b[off+nlmsgHdrLen:off+msgLen], off+nlmsgHdrLen)
		if err != nil {
			return events, err
		}
		if ok {
			events = append(events, ev)
		}

		if msgType == nlmsgDone {
			break
		}
		off += nlmsgAlign(msgLen)
	}

	return events, nil
}

// decodeConnectorMessage decodes a cn_msg and the proc_event it wraps.
// Messages addressed to another connector are skipped.
func decodeConnectorMessage(p []byte, base int) (Event, bool, error) {
	if len(p) < cnMsgLen {
		return Event{}, false, &MalformedError{Offset: base, Reason: fmt.Sprintf("connector header needs %d bytes, have %d", cnMsgLen, len(p))}
	}

	idx := ne.Uint32(p[0:])
	val := ne.Uint32(p[4:])
	seq := ne.Uint32(p[8:])
	dataLen := int(ne.Uint16(p[16:]))

	if idx != CNIdxProc || val != CNValProc {
		return Event{}, false, nil
	}

	data := p[cnMsgLen:]
	if dataLen > len(data) {
		return Event{}, false, &MalformedError{Offset: base, Reason: fmt.Sprintf("connector payload length %d exceeds %d remaining bytes", dataLen, len(data))}
	}
	data = data[:dataLen]

	if len(data) < procEventHdrLen {
		return Event{}, false, &MalformedError{Offset: base + cnMsgLen, Reason: fmt.Sprintf("proc event needs %d bytes, have %d", procEventHdrLen, len(data))}
	}

	ev := Event{
		What:      ne.Uint32(data[0:]),
		CPU:       ne.Uint32(data[4:]),
		Timestamp: ne.Uint64(data[8:]),
		Seq:       seq,
	}
	body := data[procEventHdrLen:]

	need := 0
	switch ev.What {
	case ProcEventNone:
		need = ackDataLen
	case ProcEventExec:
		need = execDataLen
	case ProcEventExit:
		need = exitDataLen
	}
	if len(body) < need {
		return Event{}, false, &MalformedError{Offset: base + cnMsgLen + procEventHdrLen, Reason: fmt.Sprintf("event 0x%x needs %d bytes, have %d", ev.What, need, len(body))}
	}

	switch ev.What {
	case ProcEventNone:
		ev.AckErr = ne.Uint32(body[0:])
	case ProcEventExec:
		ev.Kind = KindExec
		ev.TID = ne.Uint32(body[0:])
		ev.PID = ne.Uint32(body[4:])
	case ProcEventExit:
		ev.TID = ne.Uint32(body[0:])
		ev.PID = ne.Uint32(body[4:])
		// Only the thread group leader ends the process.
		if ev.TID == ev.PID {
			ev.Kind = KindExit
		}
	}

	return ev, true, nil
}

// controlFrame builds the multicast control message sent to the connector.
func controlFrame(op uint32, portID uint32) []byte {
	const total = nlmsgHdrLen + cnMsgLen + 4
	b := make([]byte, total)

	ne.PutUint32(b[0:], total)
	ne.PutUint16(b[4:], nlmsgDone)
	ne.PutUint16(b[6:], 0)
	ne.PutUint32(b[8:], 0)
	ne.PutUint32(b[12:], portID)

	cn := b[nlmsgHdrLen:]
	ne.PutUint32(cn[0:], CNIdxProc)
	ne.PutUint32(cn[4:], CNValProc)
	ne.PutUint32(cn[8:], 0)
	ne.PutUint32(cn[12:], 0)
	ne.PutUint16(cn[16:], 4)
	ne.PutUint16(cn[18:], 0)

	ne.PutUint32(cn[cnMsgLen:], op)
	return b
}

// ListenFrame returns the PROC_CN_MCAST_LISTEN control message.
func ListenFrame(portID uint32) []byte {
	return controlFrame(procCNMcastListen, portID)
}

// IgnoreFrame returns the PROC_CN_MCAST_IGNORE control message.
func IgnoreFrame(portID uint32) []byte {
	return controlFrame(procCNMcastIgnore, portID)
}
