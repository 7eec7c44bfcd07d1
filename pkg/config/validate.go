package config

import (
	"errors"
	"fmt"

	"github.com/arzzra/soft_a2dp/pkg/l2cap"
	"github.com/sirupsen/logrus"
)

// minSignalingMTU минимальный MTU L2CAP
const minSignalingMTU = 48

// Validate проверяет значения и возвращает первую найденную ошибку.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.AVDTP.Validate(); err != nil {
		return fmt.Errorf("avdtp config: %w", err)
	}
	if err := c.A2DP.Validate(); err != nil {
		return fmt.Errorf("a2dp config: %w", err)
	}
	if err := c.FlowConfig(nil, nil).Validate(); err != nil {
		return fmt.Errorf("flow config: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}
	if c.Metrics.Namespace == "" {
		return errors.New("metrics config: namespace must not be empty")
	}
	return nil
}

// Validate проверяет параметры логирования.
func (l *LoggingConfig) Validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("level: %w", err)
	}
	if l.Format != "text" && l.Format != "json" {
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	return nil
}

// Validate проверяет параметры движка.
func (a *AVDTPConfig) Validate() error {
	if a.SignalingMTU != 0 && a.SignalingMTU < minSignalingMTU {
		return fmt.Errorf("signaling_mtu must be 0 or at least %d, got %d", minSignalingMTU, a.SignalingMTU)
	}
	return nil
}

// Validate проверяет параметры профиля.
func (a *A2DPConfig) Validate() error {
	if a.Role != "source" && a.Role != "sink" {
		return fmt.Errorf("role must be source or sink, got %q", a.Role)
	}
	if a.SettleTimeoutMs <= 0 {
		return fmt.Errorf("settle_timeout_ms must be positive, got %d", a.SettleTimeoutMs)
	}
	if a.SBC.MaxBitpool < 2 || a.SBC.MaxBitpool > 250 {
		return fmt.Errorf("sbc max_bitpool must be between 2 and 250, got %d", a.SBC.MaxBitpool)
	}
	switch a.SBC.PreferredFrequency {
	case 0, 16000, 32000, 44100, 48000:
	default:
		return fmt.Errorf("sbc preferred_frequency %d is not an SBC sampling frequency", a.SBC.PreferredFrequency)
	}
	return nil
}

// Validate проверяет параметры транспорта.
func (t *TransportConfig) Validate() error {
	if t.Adapter != "" {
		if _, err := l2cap.ParseAddr(t.Adapter); err != nil {
			return fmt.Errorf("adapter: %w", err)
		}
	}
	if t.ReceiveBuffer <= 0 {
		return fmt.Errorf("receive_buffer must be positive, got %d", t.ReceiveBuffer)
	}
	return nil
}
