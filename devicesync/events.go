package devicesync

import (
	"fmt"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/wire"
)

// EventType enumerates the kinds of local action a device-sync event can
// carry, per spec.md §4.9.
type EventType uint8

const (
	EventSendPrivate     EventType = 1
	EventSendGroup       EventType = 2
	EventMessage         EventType = 3
	EventDelivery        EventType = 4
	EventGroupNotice     EventType = 5
	EventRotateKey       EventType = 6
	EventHistorySnapshot EventType = 7
)

// GroupNoticeKind distinguishes the membership actions a GroupNotice
// event can report.
type GroupNoticeKind uint8

const (
	GroupNoticeJoin    GroupNoticeKind = 1
	GroupNoticeLeave   GroupNoticeKind = 2
	GroupNoticeKick    GroupNoticeKind = 3
	GroupNoticeRoleSet GroupNoticeKind = 4
)

// HistoryEntry is one message replayed to a newly-paired sibling device
// via an EventHistorySnapshot.
type HistoryEntry struct {
	IsGroup   bool
	Outgoing  bool
	IsSystem  bool
	ConvID    string
	Sender    string
	Envelope  []byte // empty when IsSystem
	SystemMsg string // empty unless IsSystem
}

// Event is the decoded form of every DeviceSyncEvent variant. Only the
// fields relevant to Type are populated; the rest are zero.
type Event struct {
	Type EventType

	// SendPrivate / SendGroup
	ConvID   string
	Envelope []byte

	// Message / Delivery
	IsGroup  bool
	Outgoing bool
	IsRead   bool
	Sender   string
	MsgID    [constants.MessageIDLength]byte

	// GroupNotice
	GroupID string
	Actor   string
	Payload []byte

	// RotateKey
	NewKey [32]byte

	// HistorySnapshot
	TargetDeviceID string
	History        []HistoryEntry
}

func (e Event) encode() []byte {
	buf := []byte{byte(e.Type)}
	switch e.Type {
	case EventSendPrivate, EventSendGroup:
		buf = wire.WriteString(e.ConvID, buf)
		buf = wire.WriteBytes(e.Envelope, buf)
	case EventMessage:
		buf = append(buf, flagsByte(e.IsGroup, e.Outgoing))
		buf = wire.WriteString(e.ConvID, buf)
		buf = wire.WriteString(e.Sender, buf)
		buf = wire.WriteBytes(e.Envelope, buf)
	case EventDelivery:
		buf = append(buf, flagsByte(e.IsGroup, e.IsRead))
		buf = wire.WriteString(e.ConvID, buf)
		buf = append(buf, e.MsgID[:]...)
	case EventGroupNotice:
		buf = wire.WriteString(e.GroupID, buf)
		buf = wire.WriteString(e.Actor, buf)
		buf = wire.WriteBytes(e.Payload, buf)
	case EventRotateKey:
		buf = append(buf, e.NewKey[:]...)
	case EventHistorySnapshot:
		buf = wire.WriteString(e.TargetDeviceID, buf)
		buf = wire.WriteUint32(uint32(len(e.History)), buf)
		for _, h := range e.History {
			buf = encodeHistoryEntry(h, buf)
		}
	}
	return buf
}

func flagsByte(a, b bool) byte {
	var f byte
	if a {
		f |= 0x01
	}
	if b {
		f |= 0x02
	}
	return f
}

func encodeHistoryEntry(h HistoryEntry, buf []byte) []byte {
	if h.IsSystem {
		buf = append(buf, byte(2))
	} else {
		buf = append(buf, byte(1))
	}
	buf = append(buf, flagsByte(h.IsGroup, h.Outgoing))
	buf = wire.WriteString(h.ConvID, buf)
	if h.IsSystem {
		buf = wire.WriteString(h.SystemMsg, buf)
	} else {
		buf = wire.WriteString(h.Sender, buf)
		buf = wire.WriteBytes(h.Envelope, buf)
	}
	return buf
}

func decodeEvent(plain []byte) (Event, error) {
	var e Event
	if len(plain) < 1 {
		return e, fmt.Errorf("devicesync: empty event")
	}
	e.Type = EventType(plain[0])
	off := 1
	var err error
	switch e.Type {
	case EventSendPrivate, EventSendGroup:
		if e.ConvID, err = wire.ReadString(plain, &off); err != nil {
			return e, err
		}
		if e.Envelope, err = wire.ReadBytes(plain, &off); err != nil {
			return e, err
		}
	case EventMessage:
		if off >= len(plain) {
			return e, wire.ErrShortInput
		}
		flags := plain[off]
		off++
		e.IsGroup = flags&0x01 != 0
		e.Outgoing = flags&0x02 != 0
		if e.ConvID, err = wire.ReadString(plain, &off); err != nil {
			return e, err
		}
		if e.Sender, err = wire.ReadString(plain, &off); err != nil {
			return e, err
		}
		if e.Envelope, err = wire.ReadBytes(plain, &off); err != nil {
			return e, err
		}
	case EventDelivery:
		if off >= len(plain) {
			return e, wire.ErrShortInput
		}
		flags := plain[off]
		off++
		e.IsGroup = flags&0x01 != 0
		e.IsRead = flags&0x02 != 0
		if e.ConvID, err = wire.ReadString(plain, &off); err != nil {
			return e, err
		}
		idBytes, err := wire.ReadFixed(plain, &off, constants.MessageIDLength)
		if err != nil {
			return e, err
		}
		copy(e.MsgID[:], idBytes)
	case EventGroupNotice:
		if e.GroupID, err = wire.ReadString(plain, &off); err != nil {
			return e, err
		}
		if e.Actor, err = wire.ReadString(plain, &off); err != nil {
			return e, err
		}
		if e.Payload, err = wire.ReadBytes(plain, &off); err != nil {
			return e, err
		}
	case EventRotateKey:
		keyBytes, err := wire.ReadFixed(plain, &off, 32)
		if err != nil {
			return e, err
		}
		copy(e.NewKey[:], keyBytes)
	case EventHistorySnapshot:
		if e.TargetDeviceID, err = wire.ReadString(plain, &off); err != nil {
			return e, err
		}
		count, err := wire.ReadUint32(plain, &off)
		if err != nil {
			return e, err
		}
		e.History = make([]HistoryEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			h, err := decodeHistoryEntry(plain, &off)
			if err != nil {
				return e, err
			}
			e.History = append(e.History, h)
		}
	default:
		return e, fmt.Errorf("devicesync: unknown event type %d", e.Type)
	}
	return e, nil
}

func decodeHistoryEntry(plain []byte, off *int) (HistoryEntry, error) {
	var h HistoryEntry
	if *off+2 > len(plain) {
		return h, wire.ErrShortInput
	}
	kind := plain[*off]
	*off++
	flags := plain[*off]
	*off++
	h.IsGroup = flags&0x01 != 0
	h.Outgoing = flags&0x02 != 0
	var err error
	if h.ConvID, err = wire.ReadString(plain, off); err != nil {
		return h, err
	}
	switch kind {
	case 2:
		h.IsSystem = true
		if h.SystemMsg, err = wire.ReadString(plain, off); err != nil {
			return h, err
		}
	case 1:
		if h.Sender, err = wire.ReadString(plain, off); err != nil {
			return h, err
		}
		if h.Envelope, err = wire.ReadBytes(plain, off); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("devicesync: unknown history entry kind %d", kind)
	}
	return h, nil
}
