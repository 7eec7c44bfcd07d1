package main

import (
	"github.com/arzzra/soft_a2dp/pkg/a2dp"
	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/sirupsen/logrus"
)

// eventLogger журналирует события профиля и при необходимости запускает
// поток сразу после его установления.
type eventLogger struct {
	log       logrus.FieldLogger
	profile   *a2dp.Profile
	sched     runloop.Scheduler
	autoStart bool
}

func (l *eventLogger) HandleEvent(ev avdtp.Event) {
	switch ev := ev.(type) {
	case avdtp.SignalingConnectionEstablished:
		entry := l.log.WithFields(logrus.Fields{"cid": ev.ConnID, "addr": ev.Addr.String(), "incoming": ev.Incoming})
		if ev.Status != avdtp.StatusSuccess {
			entry.WithField("status", ev.Status.String()).Warn("Сигнальное соединение не установлено")
			return
		}
		entry.Info("Сигнальное соединение установлено")
	case avdtp.SignalingConnectionReleased:
		l.log.WithFields(logrus.Fields{"cid": ev.ConnID, "addr": ev.Addr.String()}).Info("Сигнальное соединение закрыто")
	case avdtp.CodecConfiguration:
		entry := l.log.WithFields(logrus.Fields{"cid": ev.ConnID, "seid": ev.LocalSEID, "codec": ev.Codec.String()})
		if ev.Codec == avdtp.CodecSBC {
			if info, err := avdtp.ParseSBCInfo(ev.Info); err == nil {
				entry = entry.WithFields(logrus.Fields{
					"frequency": info.SamplingFrequency(),
					"channels":  info.Channels(),
					"bitpool":   info.MaxBitpool,
				})
			}
		}
		entry.Info("Конфигурация кодека")
	case avdtp.StreamEstablished:
		entry := l.log.WithFields(logrus.Fields{"cid": ev.ConnID, "seid": ev.LocalSEID, "remote_seid": ev.RemoteSEID})
		if ev.Status != avdtp.StatusSuccess {
			entry.WithField("status", ev.Status.String()).Warn("Поток не установлен")
			return
		}
		entry.Info("Поток установлен")
		if l.autoStart {
			connID := ev.ConnID
			l.sched.Post(func() {
				if err := l.profile.StartStream(connID); err != nil {
					entry.WithError(err).Warn("Поток не запущен")
				}
			})
		}
	case avdtp.StreamStarted:
		l.log.WithFields(logrus.Fields{"cid": ev.ConnID, "seid": ev.LocalSEID}).Info("Поток запущен")
	case avdtp.StreamSuspended:
		l.log.WithFields(logrus.Fields{"cid": ev.ConnID, "seid": ev.LocalSEID}).Info("Поток приостановлен")
	case avdtp.StreamReleased:
		l.log.WithFields(logrus.Fields{"cid": ev.ConnID, "seid": ev.LocalSEID}).Info("Поток закрыт")
	case avdtp.DelayReported:
		l.log.WithFields(logrus.Fields{"cid": ev.ConnID, "seid": ev.LocalSEID, "delay": ev.Delay}).Debug("Задержка приемника")
	}
}
