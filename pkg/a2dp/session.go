package a2dp

import (
	"context"
	"errors"
	"fmt"

	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/arzzra/soft_a2dp/pkg/l2cap"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Фазы согласования сессии
const (
	PhaseW4Connected        = "w4_connected"
	PhaseConnected          = "connected"
	PhaseDiscoverSeps       = "discover_seps"
	PhaseGetCapabilities    = "get_capabilities"
	PhaseSetConfiguration   = "set_configuration"
	PhaseW4SetConfiguration = "w4_set_configuration"
	PhaseW2OpenStream       = "w2_open_stream"
	PhaseW4OpenStream       = "w4_open_stream"
	PhaseStreamingOpened    = "streaming_opened"
	PhaseW2Reconfigure      = "w2_reconfigure"
)

const (
	eventConnected        = "connected"
	eventDiscover         = "discover"
	eventQuery            = "query"
	eventConfigure        = "configure"
	eventRemoteConfigured = "remote_configured"
	eventConfigured       = "configured"
	eventOpenSent         = "open_sent"
	eventEstablished      = "established"
	eventReconfigure      = "reconfigure"
	eventReconfigured     = "reconfigured"
	eventReset            = "reset"
)

var allPhases = []string{
	PhaseW4Connected, PhaseConnected, PhaseDiscoverSeps, PhaseGetCapabilities,
	PhaseSetConfiguration, PhaseW4SetConfiguration, PhaseW2OpenStream,
	PhaseW4OpenStream, PhaseStreamingOpened, PhaseW2Reconfigure,
}

// candidate удаленная конечная точка, проверяемая на совместимость
type candidate struct {
	seid      uint8
	basicOnly bool
}

// session состояние A2DP поверх одного сигнального соединения
type session struct {
	connID uint16
	addr   l2cap.Addr

	// localSEID конечная точка, которой пользуется сессия
	localSEID uint8

	outgoingActive bool
	deferred       bool
	configured     bool

	candidates []candidate
	next       int
	remoteSEID uint8

	phase *fsm.FSM
	log   logrus.FieldLogger
}

func newSession(connID uint16, addr l2cap.Addr, initial string, logger logrus.FieldLogger) *session {
	s := &session{
		connID: connID,
		addr:   addr,
		log:    logger.WithFields(logrus.Fields{"cid": connID, "remote": addr.String()}),
	}
	s.phase = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: eventConnected, Src: []string{PhaseW4Connected}, Dst: PhaseConnected},
			{Name: eventDiscover, Src: []string{PhaseConnected, PhaseDiscoverSeps, PhaseGetCapabilities}, Dst: PhaseDiscoverSeps},
			{Name: eventQuery, Src: []string{PhaseDiscoverSeps, PhaseGetCapabilities}, Dst: PhaseGetCapabilities},
			{Name: eventConfigure, Src: []string{PhaseGetCapabilities}, Dst: PhaseSetConfiguration},
			{Name: eventRemoteConfigured, Src: []string{PhaseConnected, PhaseDiscoverSeps, PhaseGetCapabilities}, Dst: PhaseW4SetConfiguration},
			{Name: eventConfigured, Src: []string{PhaseSetConfiguration}, Dst: PhaseW2OpenStream},
			{Name: eventOpenSent, Src: []string{PhaseW2OpenStream}, Dst: PhaseW4OpenStream},
			{Name: eventEstablished, Src: []string{PhaseW2OpenStream, PhaseW4OpenStream, PhaseW4SetConfiguration}, Dst: PhaseStreamingOpened},
			{Name: eventReconfigure, Src: []string{PhaseStreamingOpened}, Dst: PhaseW2Reconfigure},
			{Name: eventReconfigured, Src: []string{PhaseW2Reconfigure}, Dst: PhaseStreamingOpened},
			{Name: eventReset, Src: allPhases, Dst: PhaseConnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("Фаза A2DP")
			},
		},
	)
	return s
}

// Phase текущая фаза согласования
func (s *session) Phase() string { return s.phase.Current() }

func (s *session) can(event string) bool { return s.phase.Can(event) }

func (s *session) fire(event string) error {
	err := s.phase.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return fmt.Errorf("сессия 0x%04x: %w", s.connID, err)
}

// resetNegotiation возвращает сессию в фазу connected и забывает кандидатов
func (s *session) resetNegotiation() {
	if err := s.fire(eventReset); err != nil {
		s.log.WithError(err).Warn("Сброс фазы не выполнен")
	}
	s.candidates = nil
	s.next = 0
	s.remoteSEID = 0
}

func (s *session) current() (candidate, bool) {
	if s.next >= len(s.candidates) {
		return candidate{}, false
	}
	return s.candidates[s.next], true
}

// SessionInfo снимок состояния сессии
type SessionInfo struct {
	ConnID         uint16
	Addr           l2cap.Addr
	Phase          string
	LocalSEID      uint8
	RemoteSEID     uint8
	OutgoingActive bool
	Deferred       bool
	Configured     bool
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ConnID:         s.connID,
		Addr:           s.addr,
		Phase:          s.Phase(),
		LocalSEID:      s.localSEID,
		RemoteSEID:     s.remoteSEID,
		OutgoingActive: s.outgoingActive,
		Deferred:       s.deferred,
		Configured:     s.configured,
	}
}

// matchesEndpoint сообщает, что найденная конечная точка подходит для локальной роли
func matchesEndpoint(found avdtp.SepFound, local avdtp.SepType) bool {
	return found.MediaType == avdtp.MediaAudio && found.SepType == local.Opposite() && !found.InUse
}
