package avdtp

import (
	"fmt"

	"github.com/pion/rtp"
)

const (
	// MediaPayloadType динамический тип нагрузки RTP для SBC.
	MediaPayloadType uint8 = 96

	rtpHeaderLen = 12
	sbcHeaderLen = 1

	// MediaHeaderOverhead заголовки RTP и SBC в каждом медиа пакете.
	MediaHeaderOverhead = rtpHeaderLen + sbcHeaderLen

	maxFramesPerMediaPacket = 0x0F
)

// MediaPacket медиа пакет AVDTP: заголовок RTP, байт заголовка SBC и кадры.
type MediaPacket struct {
	Header     rtp.Header
	Fragmented bool
	Starting   bool
	Last       bool
	NumFrames  int
	Frames     []byte
}

// ParseMediaPacket разбирает пакет медиа канала.
func ParseMediaPacket(b []byte) (*MediaPacket, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("%w: заголовок RTP: %v", ErrMalformedPDU, err)
	}
	if len(pkt.Payload) < sbcHeaderLen {
		return nil, fmt.Errorf("%w: нет заголовка SBC", ErrMalformedPDU)
	}

	sbc := pkt.Payload[0]
	frames := make([]byte, len(pkt.Payload)-sbcHeaderLen)
	copy(frames, pkt.Payload[sbcHeaderLen:])

	return &MediaPacket{
		Header:     pkt.Header,
		Fragmented: sbc&0x80 != 0,
		Starting:   sbc&0x40 != 0,
		Last:       sbc&0x20 != 0,
		NumFrames:  int(sbc & 0x0F),
		Frames:     frames,
	}, nil
}

// Marshal кодирует пакет.
func (p *MediaPacket) Marshal() ([]byte, error) {
	if p.NumFrames > maxFramesPerMediaPacket {
		return nil, fmt.Errorf("avdtp: %d кадров в одном пакете", p.NumFrames)
	}
	sbc := byte(p.NumFrames & 0x0F)
	if p.Fragmented {
		sbc |= 0x80
	}
	if p.Starting {
		sbc |= 0x40
	}
	if p.Last {
		sbc |= 0x20
	}

	payload := make([]byte, 0, sbcHeaderLen+len(p.Frames))
	payload = append(payload, sbc)
	payload = append(payload, p.Frames...)

	pkt := rtp.Packet{Header: p.Header, Payload: payload}
	return pkt.Marshal()
}

// FrameSize размер одного кадра, кадры в пакете считаются одинаковыми.
func (p *MediaPacket) FrameSize() int {
	if p.NumFrames == 0 {
		return 0
	}
	return len(p.Frames) / p.NumFrames
}

// SplitFrames возвращает кадры пакета по отдельности.
func (p *MediaPacket) SplitFrames() [][]byte {
	size := p.FrameSize()
	if size == 0 {
		return nil
	}
	out := make([][]byte, 0, p.NumFrames)
	for i := 0; i < p.NumFrames; i++ {
		out = append(out, p.Frames[i*size:(i+1)*size])
	}
	return out
}
