package avdtp

// Stream привязка движка к одной паре соединение/конечная точка для
// передачи медиа. Используется контроллерами потока.
type Stream struct {
	engine *Engine
	connID uint16
	seid   uint8
}

// Stream возвращает медиа поток конечной точки.
func (e *Engine) Stream(connID uint16, seid uint8) *Stream {
	return &Stream{engine: e, connID: connID, seid: seid}
}

// ConnID идентификатор сигнального соединения.
func (s *Stream) ConnID() uint16 { return s.connID }

// LocalSEID SEID локальной конечной точки.
func (s *Stream) LocalSEID() uint8 { return s.seid }

// RequestCanSendNow запрашивает CanSendMediaPacketNow. Ошибка означает,
// что поток не в состоянии Streaming, и логируется.
func (s *Stream) RequestCanSendNow() {
	if err := s.engine.RequestCanSendNowMedia(s.connID, s.seid); err != nil {
		s.engine.log.WithError(err).Debug("Запрос отправки медиа отклонен")
	}
}

// SendMediaPayload отправляет numFrames кадров одним пакетом.
func (s *Stream) SendMediaPayload(payload []byte, numFrames int, marker bool) error {
	return s.engine.SendMediaPayload(s.connID, s.seid, payload, numFrames, marker)
}

// MaxMediaPayloadSize размер полезной нагрузки медиа пакета.
func (s *Stream) MaxMediaPayloadSize() int {
	return s.engine.MaxMediaPayloadSize(s.connID, s.seid)
}
