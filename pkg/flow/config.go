// Package flow управляет темпом медиа потока SBC поверх AVDTP.
//
// Relay пересылает кадры входящего потока в исходящий с предбуферизацией,
// SourceStreamer кодирует PCM по таймеру, SinkController подстраивает
// скорость воспроизведения под заполнение буфера. Все типы пакета
// вызываются из цикла событий движка, кроме PlaybackBuffer.Fill, которую
// вызывает поток аудио устройства.
package flow

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPrebufferBytes порог запуска пересылки.
	DefaultPrebufferBytes = 10000
	// DefaultMaxFramesPerPacket предел кадров SBC в одном медиа пакете.
	DefaultMaxFramesPerPacket = 5
	// DefaultTickInterval период таймера темпа.
	DefaultTickInterval = 5 * time.Millisecond
	// DefaultSamplesPerFrame отсчетов на кадр SBC (16 блоков по 8 подполос).
	DefaultSamplesPerFrame = 128
	// DefaultOptimalFramesMin нижняя граница оптимального заполнения буфера приемника.
	DefaultOptimalFramesMin = 30
	// DefaultOptimalFramesMax верхняя граница оптимального заполнения.
	DefaultOptimalFramesMax = 80
	// DefaultResampleStep шаг поправки коэффициента в Q16.
	DefaultResampleStep = 2

	// lengthPrefix размер префикса длины кадра в кольцевом буфере.
	lengthPrefix = 2
)

// Config параметры контроллеров потока.
type Config struct {
	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
	Namespace  string

	// SampleRate частота дискретизации потока в Гц
	SampleRate int
	// BufferBytes емкость кольцевого буфера кадров
	BufferBytes int
	// PrebufferBytes пересылка начинается, когда в буфере строго больше
	PrebufferBytes     int
	MaxFramesPerPacket int
	// TickInterval ноль включает пересылку без таймера, по готовности транспорта
	TickInterval    time.Duration
	SamplesPerFrame int

	OptimalFramesMin int
	OptimalFramesMax int
	ResampleStep     uint32
	// MeasuredCompensation заменяет полосовой регулятор измерением частоты
	MeasuredCompensation bool
}

// DefaultConfig параметры по умолчанию для 44.1 кГц.
func DefaultConfig() Config {
	return Config{
		Namespace:          "a2dp",
		SampleRate:         44100,
		BufferBytes:        32 * 1024,
		PrebufferBytes:     DefaultPrebufferBytes,
		MaxFramesPerPacket: DefaultMaxFramesPerPacket,
		TickInterval:       DefaultTickInterval,
		SamplesPerFrame:    DefaultSamplesPerFrame,
		OptimalFramesMin:   DefaultOptimalFramesMin,
		OptimalFramesMax:   DefaultOptimalFramesMax,
		ResampleStep:       DefaultResampleStep,
	}
}

// Validate проверяет согласованность параметров.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("flow: частота дискретизации %d", c.SampleRate)
	case c.BufferBytes <= c.PrebufferBytes:
		return fmt.Errorf("flow: буфер %d не больше порога предбуферизации %d", c.BufferBytes, c.PrebufferBytes)
	case c.PrebufferBytes < 0:
		return fmt.Errorf("flow: порог предбуферизации %d", c.PrebufferBytes)
	case c.MaxFramesPerPacket <= 0 || c.MaxFramesPerPacket > 15:
		return fmt.Errorf("flow: кадров в пакете %d вне 1..15", c.MaxFramesPerPacket)
	case c.TickInterval < 0:
		return fmt.Errorf("flow: период таймера %s", c.TickInterval)
	case c.SamplesPerFrame <= 0:
		return fmt.Errorf("flow: отсчетов в кадре %d", c.SamplesPerFrame)
	case c.OptimalFramesMin < 0 || c.OptimalFramesMin > c.OptimalFramesMax:
		return fmt.Errorf("flow: полоса %d..%d", c.OptimalFramesMin, c.OptimalFramesMax)
	case c.ResampleStep >= unityFactor:
		return fmt.Errorf("flow: шаг коэффициента %d", c.ResampleStep)
	}
	return nil
}

func (c Config) logger(component string) logrus.FieldLogger {
	logger := c.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("component", component)
}
