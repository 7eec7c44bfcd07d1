// Package config загружает YAML конфигурацию демона a2dpd и переводит ее
// в Config структуры пакетов avdtp, a2dp, flow и l2cap.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/arzzra/soft_a2dp/pkg/a2dp"
	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/arzzra/soft_a2dp/pkg/flow"
	"github.com/arzzra/soft_a2dp/pkg/l2cap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config полная конфигурация демона.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	AVDTP     AVDTPConfig     `yaml:"avdtp"`
	A2DP      A2DPConfig      `yaml:"a2dp"`
	Flow      FlowConfig      `yaml:"flow"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LoggingConfig параметры logrus.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // уровень logrus
	Format string `yaml:"format"` // text или json
}

// AVDTPConfig параметры сигнального движка.
type AVDTPConfig struct {
	SignalingMTU int `yaml:"signaling_mtu"` // 0 = MTU канала
}

// A2DPConfig параметры профиля.
type A2DPConfig struct {
	Role             string    `yaml:"role"` // source или sink
	SettleTimeoutMs  int       `yaml:"settle_timeout_ms"`
	DiscoverIncoming *bool     `yaml:"discover_incoming"`
	DelayReporting   bool      `yaml:"delay_reporting"`
	SBC              SBCConfig `yaml:"sbc"`
}

// SBCConfig возможности локальной конечной точки SBC.
type SBCConfig struct {
	MaxBitpool         int `yaml:"max_bitpool"`
	PreferredFrequency int `yaml:"preferred_frequency"`
}

// FlowConfig параметры контроллеров потока.
type FlowConfig struct {
	BufferBytes          int    `yaml:"buffer_bytes"`
	PrebufferBytes       int    `yaml:"prebuffer_bytes"`
	MaxFramesPerPacket   int    `yaml:"max_frames_per_packet"`
	TickMs               *int   `yaml:"tick_ms"` // 0 = по готовности транспорта
	SamplesPerFrame      int    `yaml:"samples_per_frame"`
	OptimalFramesMin     int    `yaml:"optimal_frames_min"`
	OptimalFramesMax     int    `yaml:"optimal_frames_max"`
	ResampleStep         uint32 `yaml:"resample_step"`
	MeasuredCompensation bool   `yaml:"measured_compensation"`
}

// TransportConfig параметры сокетов L2CAP.
type TransportConfig struct {
	Adapter       string `yaml:"adapter"` // пусто = любой адаптер
	ReceiveBuffer int    `yaml:"receive_buffer"`
}

// MetricsConfig параметры Prometheus.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Listen    string `yaml:"listen"` // пусто = HTTP не поднимается
}

// Load читает конфигурацию из YAML файла.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML и заполняет незаданные поля значениями по умолчанию.
// Неизвестные поля считаются ошибкой.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	// Пустой документ допустим и дает конфигурацию по умолчанию
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Default конфигурация по умолчанию.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.A2DP.Role == "" {
		c.A2DP.Role = "source"
	}
	if c.A2DP.SettleTimeoutMs == 0 {
		c.A2DP.SettleTimeoutMs = int(a2dp.DefaultSettleTimeout / time.Millisecond)
	}
	if c.A2DP.DiscoverIncoming == nil {
		enabled := true
		c.A2DP.DiscoverIncoming = &enabled
	}
	if c.A2DP.SBC.MaxBitpool == 0 {
		c.A2DP.SBC.MaxBitpool = 53
	}

	defaults := flow.DefaultConfig()
	if c.Flow.BufferBytes == 0 {
		c.Flow.BufferBytes = defaults.BufferBytes
	}
	if c.Flow.PrebufferBytes == 0 {
		c.Flow.PrebufferBytes = defaults.PrebufferBytes
	}
	if c.Flow.MaxFramesPerPacket == 0 {
		c.Flow.MaxFramesPerPacket = defaults.MaxFramesPerPacket
	}
	if c.Flow.TickMs == nil {
		tick := int(defaults.TickInterval / time.Millisecond)
		c.Flow.TickMs = &tick
	}
	if c.Flow.SamplesPerFrame == 0 {
		c.Flow.SamplesPerFrame = defaults.SamplesPerFrame
	}
	if c.Flow.OptimalFramesMin == 0 && c.Flow.OptimalFramesMax == 0 {
		c.Flow.OptimalFramesMin = defaults.OptimalFramesMin
		c.Flow.OptimalFramesMax = defaults.OptimalFramesMax
	}
	if c.Flow.ResampleStep == 0 {
		c.Flow.ResampleStep = defaults.ResampleStep
	}

	if c.Transport.ReceiveBuffer == 0 {
		c.Transport.ReceiveBuffer = l2cap.DefaultSocketConfig().ReceiveBuffer
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "a2dp"
	}
}

// Role локальная роль профиля.
func (c *Config) Role() avdtp.SepType {
	if c.A2DP.Role == "sink" {
		return avdtp.SepSink
	}
	return avdtp.SepSource
}

// SampleRate частота потока: предпочтительная либо 44.1 кГц.
func (c *Config) SampleRate() int {
	if c.A2DP.SBC.PreferredFrequency > 0 {
		return c.A2DP.SBC.PreferredFrequency
	}
	return 44100
}

// NewLogger создает logrus логгер с заданными уровнем и форматом.
func (c *Config) NewLogger(out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// EngineConfig конфигурация движка AVDTP.
func (c *Config) EngineConfig(logger logrus.FieldLogger, reg prometheus.Registerer) avdtp.Config {
	cfg := avdtp.DefaultConfig()
	cfg.Logger = logger
	cfg.Registerer = reg
	cfg.Namespace = c.Metrics.Namespace
	cfg.SignalingMTU = c.AVDTP.SignalingMTU
	return cfg
}

// ProfileConfig конфигурация профиля A2DP.
func (c *Config) ProfileConfig(logger logrus.FieldLogger, reg prometheus.Registerer) a2dp.Config {
	cfg := a2dp.DefaultConfig(c.Role())
	cfg.Logger = logger
	cfg.Registerer = reg
	cfg.Namespace = c.Metrics.Namespace
	cfg.SettleTimeout = time.Duration(c.A2DP.SettleTimeoutMs) * time.Millisecond
	if c.A2DP.DiscoverIncoming != nil {
		cfg.DiscoverIncoming = *c.A2DP.DiscoverIncoming
	}
	return cfg
}

// FlowConfig конфигурация контроллеров потока.
func (c *Config) FlowConfig(logger logrus.FieldLogger, reg prometheus.Registerer) flow.Config {
	cfg := flow.DefaultConfig()
	cfg.Logger = logger
	cfg.Registerer = reg
	cfg.Namespace = c.Metrics.Namespace
	cfg.SampleRate = c.SampleRate()
	cfg.BufferBytes = c.Flow.BufferBytes
	cfg.PrebufferBytes = c.Flow.PrebufferBytes
	cfg.MaxFramesPerPacket = c.Flow.MaxFramesPerPacket
	if c.Flow.TickMs != nil {
		cfg.TickInterval = time.Duration(*c.Flow.TickMs) * time.Millisecond
	}
	cfg.SamplesPerFrame = c.Flow.SamplesPerFrame
	cfg.OptimalFramesMin = c.Flow.OptimalFramesMin
	cfg.OptimalFramesMax = c.Flow.OptimalFramesMax
	cfg.ResampleStep = c.Flow.ResampleStep
	cfg.MeasuredCompensation = c.Flow.MeasuredCompensation
	return cfg
}

// SocketConfig конфигурация Linux транспорта L2CAP.
func (c *Config) SocketConfig(logger logrus.FieldLogger) (l2cap.SocketConfig, error) {
	cfg := l2cap.DefaultSocketConfig()
	cfg.Logger = logger
	cfg.ReceiveBuffer = c.Transport.ReceiveBuffer
	if c.Transport.Adapter != "" {
		addr, err := l2cap.ParseAddr(c.Transport.Adapter)
		if err != nil {
			return cfg, fmt.Errorf("transport adapter: %w", err)
		}
		cfg.Adapter = addr
	}
	return cfg, nil
}

// SBCCapabilities возможности локальной конечной точки SBC.
func (c *Config) SBCCapabilities() avdtp.SBCInfo {
	return avdtp.DefaultSBCCapabilities(uint8(c.A2DP.SBC.MaxBitpool))
}
