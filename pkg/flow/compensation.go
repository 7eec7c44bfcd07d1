package flow

import "time"

const (
	// compensationPeriod интервал пересчета измеренной частоты
	compensationPeriod = time.Second
	// ewmaShift вес нового значения 1/8
	ewmaShift = 3
)

// RateCompensator вычисляет коэффициент передискретизации из фактически
// принятого числа отсчетов в секунду. Измеренная частота (Q8) и
// отношение к номинальной (Q15) сглаживаются двумя независимыми
// экспоненциальными фильтрами, результат выдается в Q16.
type RateCompensator struct {
	nominal int

	last     time.Time
	count    int64
	rateQ8   int64
	ratioQ15 int64
}

// NewRateCompensator создает компенсатор для номинальной частоты воспроизведения.
func NewRateCompensator(nominalHz int, now time.Time) *RateCompensator {
	c := &RateCompensator{nominal: nominalHz}
	c.Reset(now)
	return c
}

// Reset начинает измерение заново с коэффициентом 1.0.
func (c *RateCompensator) Reset(now time.Time) {
	c.last = now
	c.count = 0
	c.rateQ8 = int64(c.nominal) << 8
	c.ratioQ15 = 1 << 15
}

// MeasuredRate сглаженная измеренная частота в Гц.
func (c *RateCompensator) MeasuredRate() float64 {
	return float64(c.rateQ8) / 256
}

// Update учитывает samples принятых отсчетов на канал и возвращает
// коэффициент Q16. Фильтры обновляются не чаще раза в секунду.
func (c *RateCompensator) Update(now time.Time, samples int) uint32 {
	c.count += int64(samples)
	elapsed := now.Sub(c.last)
	if elapsed >= compensationPeriod {
		elapsedMs := elapsed.Milliseconds()
		measuredQ8 := (c.count << 8) * 1000 / elapsedMs
		c.rateQ8 += (measuredQ8 - c.rateQ8) >> ewmaShift

		ratioQ15 := (c.rateQ8 << 15) / (int64(c.nominal) << 8)
		c.ratioQ15 += (ratioQ15 - c.ratioQ15) >> ewmaShift

		c.count = 0
		c.last = now
	}
	return uint32(c.ratioQ15 << 1)
}
