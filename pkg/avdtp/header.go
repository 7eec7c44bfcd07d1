package avdtp

import (
	"fmt"
)

const (
	// MinSignalingMTU минимальный MTU, при котором возможна фрагментация:
	// Start пакет несет заголовок, NOSP, сигнал и хотя бы один байт данных.
	MinSignalingMTU = 4

	singleHeaderLen   = 2
	startHeaderLen    = 3
	continueHeaderLen = 1
)

// Header первый байт сигнального пакета.
type Header struct {
	Label       uint8
	PacketType  PacketType
	MessageType MessageType
}

// ParseHeader разбирает первый байт пакета.
func ParseHeader(b byte) Header {
	return Header{
		Label:       b >> 4,
		PacketType:  PacketType((b >> 2) & 0x03),
		MessageType: MessageType(b & 0x03),
	}
}

// Byte кодирует заголовок в один байт.
func (h Header) Byte() byte {
	return (h.Label&0x0F)<<4 | byte(h.PacketType&0x03)<<2 | byte(h.MessageType&0x03)
}

// Message сигнальное сообщение целиком, до фрагментации или после сборки.
type Message struct {
	Label       uint8
	MessageType MessageType
	Signal      SignalID
	Payload     []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s label=%d len=%d", m.Signal, m.MessageType, m.Label, len(m.Payload))
}

// packetCount количество пакетов, необходимых для payload длины n.
func packetCount(n, mtu int) int {
	if n+singleHeaderLen <= mtu {
		return 1
	}
	rest := n - (mtu - startHeaderLen)
	per := mtu - continueHeaderLen
	return 1 + (rest+per-1)/per
}

// Fragment разбивает сообщение на пакеты, не превышающие mtu.
// Сообщение, помещающееся в один пакет, кодируется как Single.
func Fragment(msg Message, mtu int) ([][]byte, error) {
	n := len(msg.Payload)
	if n+singleHeaderLen <= mtu {
		pkt := make([]byte, 0, n+singleHeaderLen)
		pkt = append(pkt, Header{Label: msg.Label, PacketType: PacketSingle, MessageType: msg.MessageType}.Byte())
		pkt = append(pkt, byte(msg.Signal)&signalMask)
		pkt = append(pkt, msg.Payload...)
		return [][]byte{pkt}, nil
	}
	if mtu < MinSignalingMTU {
		return nil, fmt.Errorf("%w: %d", ErrMTUTooSmall, mtu)
	}

	nosp := packetCount(n, mtu)
	if nosp > 0xFF {
		return nil, fmt.Errorf("%w: %d пакетов для %d байт", ErrMTUTooSmall, nosp, n)
	}

	packets := make([][]byte, 0, nosp)
	chunk := mtu - startHeaderLen
	start := make([]byte, 0, mtu)
	start = append(start,
		Header{Label: msg.Label, PacketType: PacketStart, MessageType: msg.MessageType}.Byte(),
		byte(nosp),
		byte(msg.Signal)&signalMask)
	start = append(start, msg.Payload[:chunk]...)
	packets = append(packets, start)

	offset := chunk
	for offset < n {
		size := min(mtu-continueHeaderLen, n-offset)
		pt := PacketContinue
		if offset+size == n {
			pt = PacketEnd
		}
		pkt := make([]byte, 0, size+continueHeaderLen)
		pkt = append(pkt, Header{Label: msg.Label, PacketType: pt, MessageType: msg.MessageType}.Byte())
		pkt = append(pkt, msg.Payload[offset:offset+size]...)
		packets = append(packets, pkt)
		offset += size
	}
	return packets, nil
}

// Reassembler собирает фрагментированные сообщения одного сигнального канала.
// Одновременно собирается не более одного сообщения.
type Reassembler struct {
	active   bool
	label    uint8
	msgType  MessageType
	signal   SignalID
	expected int
	received int
	buf      []byte
}

// InProgress сообщает, что начатое сообщение еще не собрано.
func (r *Reassembler) InProgress() bool {
	return r.active
}

// Reset отбрасывает незавершенную сборку.
func (r *Reassembler) Reset() {
	r.active = false
	r.buf = r.buf[:0]
	r.expected = 0
	r.received = 0
}

// Push принимает очередной пакет. Возвращает собранное сообщение и true,
// когда пакет был Single или End. Некорректный пакет возвращает ErrMalformedPDU,
// состояние сборки при этом не меняется.
func (r *Reassembler) Push(pkt []byte) (Message, bool, error) {
	if len(pkt) == 0 {
		return Message{}, false, fmt.Errorf("%w: пустой пакет", ErrMalformedPDU)
	}
	h := ParseHeader(pkt[0])

	switch h.PacketType {
	case PacketSingle:
		if len(pkt) < singleHeaderLen {
			return Message{}, false, fmt.Errorf("%w: Single короче %d байт", ErrMalformedPDU, singleHeaderLen)
		}
		r.Reset()
		payload := make([]byte, len(pkt)-singleHeaderLen)
		copy(payload, pkt[singleHeaderLen:])
		return Message{
			Label:       h.Label,
			MessageType: h.MessageType,
			Signal:      SignalID(pkt[1] & signalMask),
			Payload:     payload,
		}, true, nil

	case PacketStart:
		if len(pkt) < startHeaderLen {
			return Message{}, false, fmt.Errorf("%w: Start короче %d байт", ErrMalformedPDU, startHeaderLen)
		}
		r.Reset()
		r.active = true
		r.label = h.Label
		r.msgType = h.MessageType
		r.expected = int(pkt[1])
		r.signal = SignalID(pkt[2] & signalMask)
		r.received = 1
		r.buf = append(r.buf, pkt[startHeaderLen:]...)
		return Message{}, false, nil

	default:
		if !r.active {
			return Message{}, false, fmt.Errorf("%w: %s без Start", ErrMalformedPDU, h.PacketType)
		}
		if h.Label != r.label {
			return Message{}, false, fmt.Errorf("%w: метка %d вместо %d", ErrMalformedPDU, h.Label, r.label)
		}
		r.received++
		r.buf = append(r.buf, pkt[continueHeaderLen:]...)
		if h.PacketType == PacketContinue {
			return Message{}, false, nil
		}

		payload := make([]byte, len(r.buf))
		copy(payload, r.buf)
		msg := Message{Label: r.label, MessageType: r.msgType, Signal: r.signal, Payload: payload}
		r.Reset()
		return msg, true, nil
	}
}
