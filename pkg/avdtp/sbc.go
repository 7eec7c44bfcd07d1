package avdtp

import (
	"errors"
	"fmt"
	"math/bits"
)

// Битовые маски полей информационного элемента SBC.
const (
	SBCFrequency48000 uint8 = 1 << 0
	SBCFrequency44100 uint8 = 1 << 1
	SBCFrequency32000 uint8 = 1 << 2
	SBCFrequency16000 uint8 = 1 << 3

	SBCJointStereo uint8 = 1 << 0
	SBCStereo      uint8 = 1 << 1
	SBCDualChannel uint8 = 1 << 2
	SBCMono        uint8 = 1 << 3

	SBCBlocks16 uint8 = 1 << 0
	SBCBlocks12 uint8 = 1 << 1
	SBCBlocks8  uint8 = 1 << 2
	SBCBlocks4  uint8 = 1 << 3

	SBCSubbands8 uint8 = 1 << 0
	SBCSubbands4 uint8 = 1 << 1

	SBCAllocationLoudness uint8 = 1 << 0
	SBCAllocationSNR      uint8 = 1 << 1

	// SBCInfoLen длина информационного элемента SBC.
	SBCInfoLen = 4
)

var (
	// ErrInvalidSBCInfo информационный элемент SBC некорректен.
	ErrInvalidSBCInfo = errors.New("avdtp: некорректный информационный элемент SBC")
	// ErrNoCommonSBCConfiguration нет общей конфигурации SBC.
	ErrNoCommonSBCConfiguration = errors.New("avdtp: нет общей конфигурации SBC")
)

var sbcFrequencies = map[uint8]int{
	SBCFrequency48000: 48000,
	SBCFrequency44100: 44100,
	SBCFrequency32000: 32000,
	SBCFrequency16000: 16000,
}

// SBCInfo информационный элемент SBC. В возможностях каждое поле битовая
// маска поддерживаемых значений, в конфигурации выставлен ровно один бит.
type SBCInfo struct {
	SamplingFrequencies uint8
	ChannelModes        uint8
	BlockLengths        uint8
	Subbands            uint8
	AllocationMethods   uint8
	MinBitpool          uint8
	MaxBitpool          uint8
}

// ParseSBCInfo разбирает 4 байта информационного элемента.
func ParseSBCInfo(b []byte) (SBCInfo, error) {
	if len(b) < SBCInfoLen {
		return SBCInfo{}, fmt.Errorf("%w: длина %d", ErrInvalidSBCInfo, len(b))
	}
	return SBCInfo{
		SamplingFrequencies: b[0] >> 4,
		ChannelModes:        b[0] & 0x0F,
		BlockLengths:        b[1] >> 4,
		Subbands:            (b[1] >> 2) & 0x03,
		AllocationMethods:   b[1] & 0x03,
		MinBitpool:          b[2],
		MaxBitpool:          b[3],
	}, nil
}

// Marshal кодирует информационный элемент.
func (s SBCInfo) Marshal() []byte {
	return []byte{
		s.SamplingFrequencies<<4 | s.ChannelModes&0x0F,
		s.BlockLengths<<4 | (s.Subbands&0x03)<<2 | s.AllocationMethods&0x03,
		s.MinBitpool,
		s.MaxBitpool,
	}
}

// Validate проверяет, что конфигурация содержит ровно одно значение в каждом поле.
func (s SBCInfo) Validate() error {
	for name, field := range map[string]uint8{
		"sampling_frequency": s.SamplingFrequencies,
		"channel_mode":       s.ChannelModes,
		"block_length":       s.BlockLengths,
		"subbands":           s.Subbands,
		"allocation_method":  s.AllocationMethods,
	} {
		if bits.OnesCount8(field) != 1 {
			return fmt.Errorf("%w: поле %s=0x%x", ErrInvalidSBCInfo, name, field)
		}
	}
	if s.MinBitpool < 2 || s.MinBitpool > s.MaxBitpool {
		return fmt.Errorf("%w: bitpool %d..%d", ErrInvalidSBCInfo, s.MinBitpool, s.MaxBitpool)
	}
	return nil
}

// ValidateCapabilities проверяет возможности: в каждом поле хотя бы одно значение.
func (s SBCInfo) ValidateCapabilities() error {
	if s.SamplingFrequencies == 0 || s.ChannelModes == 0 || s.BlockLengths == 0 ||
		s.Subbands == 0 || s.AllocationMethods == 0 {
		return fmt.Errorf("%w: пустое поле возможностей", ErrInvalidSBCInfo)
	}
	if s.MinBitpool < 2 || s.MinBitpool > s.MaxBitpool {
		return fmt.Errorf("%w: bitpool %d..%d", ErrInvalidSBCInfo, s.MinBitpool, s.MaxBitpool)
	}
	return nil
}

// SamplingFrequency частота дискретизации в Гц для выбранного бита.
func (s SBCInfo) SamplingFrequency() int {
	return sbcFrequencies[lowestBit(s.SamplingFrequencies)]
}

// Channels количество каналов.
func (s SBCInfo) Channels() int {
	if lowestBit(s.ChannelModes) == SBCMono {
		return 1
	}
	return 2
}

// BlockLength количество блоков в кадре.
func (s SBCInfo) BlockLength() int {
	switch lowestBit(s.BlockLengths) {
	case SBCBlocks16:
		return 16
	case SBCBlocks12:
		return 12
	case SBCBlocks8:
		return 8
	default:
		return 4
	}
}

// SubbandCount количество подполос.
func (s SBCInfo) SubbandCount() int {
	if lowestBit(s.Subbands) == SBCSubbands8 {
		return 8
	}
	return 4
}

// SamplesPerFrame количество PCM сэмплов на канал в одном кадре.
func (s SBCInfo) SamplesPerFrame() int {
	return s.BlockLength() * s.SubbandCount()
}

// FrameLength длина кадра SBC в байтах при заданном bitpool.
func (s SBCInfo) FrameLength(bitpool int) int {
	sb := s.SubbandCount()
	blk := s.BlockLength()
	ch := s.Channels()

	switch lowestBit(s.ChannelModes) {
	case SBCMono, SBCDualChannel:
		return 4 + 4*sb*ch/8 + ceilDiv(blk*ch*bitpool, 8)
	case SBCStereo:
		return 4 + 4*sb*ch/8 + ceilDiv(blk*bitpool, 8)
	default:
		return 4 + 4*sb*ch/8 + ceilDiv(sb+blk*bitpool, 8)
	}
}

// SBCFrequencyBit возвращает бит частоты для значения в Гц.
func SBCFrequencyBit(hz int) (uint8, bool) {
	for bit, v := range sbcFrequencies {
		if v == hz {
			return bit, true
		}
	}
	return 0, false
}

// SetSamplingFrequency заменяет частоту в закодированном элементе на месте.
func SetSamplingFrequency(info []byte, hz int) error {
	if len(info) < SBCInfoLen {
		return fmt.Errorf("%w: длина %d", ErrInvalidSBCInfo, len(info))
	}
	bit, ok := SBCFrequencyBit(hz)
	if !ok {
		return fmt.Errorf("%w: частота %d", ErrInvalidSBCInfo, hz)
	}
	info[0] = bit<<4 | info[0]&0x0F
	return nil
}

// SelectSBCConfiguration выбирает конфигурацию из пересечения возможностей.
// В каждом поле берется первый общий бит (младший), без оценки качества.
// preferredHz учитывается, если такая частота есть в пересечении; 0 отключает.
func SelectSBCConfiguration(local, remote SBCInfo, preferredHz int) (SBCInfo, error) {
	common := SBCInfo{
		SamplingFrequencies: local.SamplingFrequencies & remote.SamplingFrequencies,
		ChannelModes:        local.ChannelModes & remote.ChannelModes,
		BlockLengths:        local.BlockLengths & remote.BlockLengths,
		Subbands:            local.Subbands & remote.Subbands,
		AllocationMethods:   local.AllocationMethods & remote.AllocationMethods,
	}
	if common.SamplingFrequencies == 0 || common.ChannelModes == 0 || common.BlockLengths == 0 ||
		common.Subbands == 0 || common.AllocationMethods == 0 {
		return SBCInfo{}, ErrNoCommonSBCConfiguration
	}

	freq := lowestBit(common.SamplingFrequencies)
	if bit, ok := SBCFrequencyBit(preferredHz); ok && common.SamplingFrequencies&bit != 0 {
		freq = bit
	}

	cfg := SBCInfo{
		SamplingFrequencies: freq,
		ChannelModes:        lowestBit(common.ChannelModes),
		BlockLengths:        lowestBit(common.BlockLengths),
		Subbands:            lowestBit(common.Subbands),
		AllocationMethods:   lowestBit(common.AllocationMethods),
		MinBitpool:          max(local.MinBitpool, remote.MinBitpool),
		MaxBitpool:          min(local.MaxBitpool, remote.MaxBitpool),
	}
	if cfg.MinBitpool > cfg.MaxBitpool {
		return SBCInfo{}, fmt.Errorf("%w: bitpool %d..%d", ErrNoCommonSBCConfiguration, cfg.MinBitpool, cfg.MaxBitpool)
	}
	return cfg, nil
}

// DefaultSBCCapabilities полный набор возможностей SBC с bitpool 2..maxBitpool.
func DefaultSBCCapabilities(maxBitpool uint8) SBCInfo {
	return SBCInfo{
		SamplingFrequencies: SBCFrequency48000 | SBCFrequency44100 | SBCFrequency32000 | SBCFrequency16000,
		ChannelModes:        SBCJointStereo | SBCStereo | SBCDualChannel | SBCMono,
		BlockLengths:        SBCBlocks16 | SBCBlocks12 | SBCBlocks8 | SBCBlocks4,
		Subbands:            SBCSubbands8 | SBCSubbands4,
		AllocationMethods:   SBCAllocationLoudness | SBCAllocationSNR,
		MinBitpool:          2,
		MaxBitpool:          maxBitpool,
	}
}

func lowestBit(v uint8) uint8 {
	if v == 0 {
		return 0
	}
	return 1 << bits.TrailingZeros8(v)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
