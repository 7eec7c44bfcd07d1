package avdtp

import (
	"fmt"
	"slices"
)

// Capabilities набор категорий возможностей, ключ категория, значение
// непрозрачное содержимое (LOSC байт).
type Capabilities map[ServiceCategory][]byte

// CategoryError ошибка разбора или проверки категории возможностей.
type CategoryError struct {
	Category ServiceCategory
	Code     ErrorCode
}

func (e *CategoryError) Error() string {
	return fmt.Sprintf("avdtp: категория %s: %s", e.Category, e.Code)
}

// Set сохраняет копию содержимого категории.
func (c Capabilities) Set(category ServiceCategory, payload []byte) {
	c[category] = slices.Clone(payload)
	if c[category] == nil {
		c[category] = []byte{}
	}
}

// Has сообщает о наличии категории.
func (c Capabilities) Has(category ServiceCategory) bool {
	_, ok := c[category]
	return ok
}

// Categories возвращает категории по возрастанию.
func (c Capabilities) Categories() []ServiceCategory {
	cats := make([]ServiceCategory, 0, len(c))
	for cat := range c {
		cats = append(cats, cat)
	}
	slices.Sort(cats)
	return cats
}

// Clone возвращает глубокую копию набора.
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return nil
	}
	out := make(Capabilities, len(c))
	for cat, payload := range c {
		out.Set(cat, payload)
	}
	return out
}

// Marshal кодирует категории по возрастанию в формате [категория, длина, данные].
// При basicOnly категории вне базового набора (DelayReporting) опускаются.
func (c Capabilities) Marshal(basicOnly bool) []byte {
	var out []byte
	for _, cat := range c.Categories() {
		if basicOnly && !cat.IsBasic() {
			continue
		}
		payload := c[cat]
		out = append(out, byte(cat), byte(len(payload)))
		out = append(out, payload...)
	}
	return out
}

// MediaCodec возвращает содержимое категории MEDIA_CODEC.
func (c Capabilities) MediaCodec() (MediaType, CodecType, []byte, bool) {
	payload, ok := c[CategoryMediaCodec]
	if !ok || len(payload) < 2 {
		return 0, 0, nil, false
	}
	return MediaType(payload[0] >> 4), CodecType(payload[1]), payload[2:], true
}

// MediaCodecPayload кодирует содержимое категории MEDIA_CODEC.
func MediaCodecPayload(media MediaType, codec CodecType, info []byte) []byte {
	out := make([]byte, 0, 2+len(info))
	out = append(out, byte(media)<<4, byte(codec))
	return append(out, info...)
}

// NewCodecCapabilities собирает минимальный набор: транспорт и кодек.
func NewCodecCapabilities(media MediaType, codec CodecType, info []byte) Capabilities {
	caps := Capabilities{}
	caps.Set(CategoryMediaTransport, nil)
	caps.Set(CategoryMediaCodec, MediaCodecPayload(media, codec, info))
	return caps
}

// ParseCapabilities разбирает последовательность категорий.
// Некорректная категория пропускается, возвращается первая найденная ошибка.
// Если длина категории выходит за пределы буфера, разбор прекращается.
func ParseCapabilities(b []byte) (Capabilities, *CategoryError) {
	caps := Capabilities{}
	var first *CategoryError
	record := func(cat ServiceCategory, code ErrorCode) {
		if first == nil {
			first = &CategoryError{Category: cat, Code: code}
		}
	}

	for i := 0; i < len(b); {
		if len(b)-i < 2 {
			record(ServiceCategory(b[i]), ErrorBadLength)
			break
		}
		cat := ServiceCategory(b[i])
		losc := int(b[i+1])
		i += 2
		if i+losc > len(b) {
			record(cat, ErrorBadLength)
			break
		}
		payload := b[i : i+losc]
		i += losc

		if code := validateCategory(cat, payload); code != ErrorNone {
			record(cat, code)
			continue
		}
		caps.Set(cat, payload)
	}
	return caps, first
}

func validateCategory(cat ServiceCategory, payload []byte) ErrorCode {
	if !cat.valid() {
		return ErrorBadServCategory
	}
	switch cat {
	case CategoryMediaTransport:
		if len(payload) != 0 {
			return ErrorBadMediaTransportFormat
		}
	case CategoryReporting, CategoryDelayReporting:
		if len(payload) != 0 {
			return ErrorBadLength
		}
	case CategoryRecovery:
		if len(payload) != 3 {
			return ErrorBadRecoveryFormat
		}
		// Единственный определенный тип восстановления RFC2733
		if payload[0] != 0x01 {
			return ErrorBadRecoveryType
		}
	case CategoryContentProtection:
		if len(payload) < 2 {
			return ErrorBadCpFormat
		}
	case CategoryHeaderCompression:
		if len(payload) != 1 {
			return ErrorBadRohcFormat
		}
	case CategoryMultiplexing:
		if len(payload) < 1 {
			return ErrorBadMultiplexingFormat
		}
	case CategoryMediaCodec:
		if len(payload) < 2 {
			return ErrorBadPayloadFormat
		}
	}
	return ErrorNone
}
