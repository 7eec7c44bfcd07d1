package flow

// Resampler линейная передискретизация чередующихся 16-битных отсчетов с
// коэффициентом Q16. Коэффициент больше 1.0 сокращает число выходных
// отсчетов, меньше 1.0 увеличивает. Последний кадр блока хранится для
// интерполяции на стыке со следующим блоком.
type Resampler struct {
	channels int
	factor   uint32
	// pos дробная позиция чтения в Q16 относительно сохраненного кадра
	pos  uint32
	last []int16
}

// NewResampler создает передискретизатор с коэффициентом 1.0.
func NewResampler(channels int) *Resampler {
	return &Resampler{
		channels: channels,
		factor:   unityFactor,
		last:     make([]int16, channels),
	}
}

// SetFactor задает коэффициент Q16.
func (r *Resampler) SetFactor(factor uint32) {
	if factor == 0 {
		factor = unityFactor
	}
	r.factor = factor
}

// Factor текущий коэффициент Q16.
func (r *Resampler) Factor() uint32 { return r.factor }

// Reset забывает сохраненный кадр и позицию.
func (r *Resampler) Reset() {
	r.pos = 0
	clear(r.last)
}

// Process передискретизирует блок in и добавляет результат к dst.
func (r *Resampler) Process(dst, in []int16) []int16 {
	frames := len(in) / r.channels
	if frames == 0 {
		return dst
	}

	// Кадр 0 сохранен с прошлого блока, кадр k это in[k-1]
	sample := func(frame, ch int) int32 {
		if frame == 0 {
			return int32(r.last[ch])
		}
		return int32(in[(frame-1)*r.channels+ch])
	}

	limit := uint32(frames) << 16
	for r.pos < limit {
		i := int(r.pos >> 16)
		frac := int32(r.pos & 0xFFFF)
		for ch := 0; ch < r.channels; ch++ {
			s0 := sample(i, ch)
			s1 := sample(i+1, ch)
			dst = append(dst, int16(s0+((s1-s0)*frac>>16)))
		}
		r.pos += r.factor
	}
	r.pos -= limit
	copy(r.last, in[(frames-1)*r.channels:frames*r.channels])
	return dst
}
