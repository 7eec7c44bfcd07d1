package flow

import "github.com/arzzra/soft_a2dp/pkg/avdtp"

// Sender исходящий медиа поток. Реализуется *avdtp.Stream.
type Sender interface {
	ConnID() uint16
	LocalSEID() uint8
	RequestCanSendNow()
	SendMediaPayload(payload []byte, numFrames int, marker bool) error
	MaxMediaPayloadSize() int
}

var _ Sender = (*avdtp.Stream)(nil)

// streamRef пара соединение/конечная точка, нулевая пара совпадает с любой
type streamRef struct {
	connID uint16
	seid   uint8
}

func (r streamRef) matches(connID uint16, seid uint8) bool {
	if r.connID == 0 && r.seid == 0 {
		return true
	}
	return r.connID == connID && r.seid == seid
}
