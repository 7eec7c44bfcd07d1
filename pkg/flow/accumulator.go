package flow

// RateAccumulator переводит миллисекунды в целые отсчеты без накопления
// ошибки округления: дробная часть копится в тысячных долях отсчета и
// выдается целыми отсчетами на следующих тиках.
type RateAccumulator struct {
	sampleRate int
	// remainder недоданные отсчеты в единицах 1/1000
	remainder int
}

// NewRateAccumulator создает аккумулятор для частоты sampleRate Гц.
func NewRateAccumulator(sampleRate int) *RateAccumulator {
	return &RateAccumulator{sampleRate: sampleRate}
}

// Tick возвращает число целых отсчетов, выработанных за elapsedMs.
func (a *RateAccumulator) Tick(elapsedMs int) int {
	if elapsedMs <= 0 {
		return 0
	}
	product := elapsedMs * a.sampleRate
	samples := product / 1000
	a.remainder += product % 1000
	for a.remainder >= 1000 {
		samples++
		a.remainder -= 1000
	}
	return samples
}

// SampleRate частота аккумулятора.
func (a *RateAccumulator) SampleRate() int { return a.sampleRate }

// SetSampleRate меняет частоту и сбрасывает остаток.
func (a *RateAccumulator) SetSampleRate(sampleRate int) {
	a.sampleRate = sampleRate
	a.remainder = 0
}

// Reset сбрасывает накопленный остаток.
func (a *RateAccumulator) Reset() {
	a.remainder = 0
}
