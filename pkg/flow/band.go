package flow

// unityFactor коэффициент передискретизации 1.0 в Q16
const unityFactor uint32 = 0x10000

// BandController держит заполнение буфера приемника в полосе
// [min, max] кадров. Ниже полосы воспроизведение растягивается
// (коэффициент меньше 1.0), выше сжимается.
type BandController struct {
	low, high int
	step      uint32
}

// NewBandController создает регулятор полосы.
func NewBandController(low, high int, step uint32) *BandController {
	return &BandController{low: low, high: high, step: step}
}

// Update возвращает коэффициент Q16 для текущего числа кадров в буфере.
func (b *BandController) Update(bufferedFrames int) uint32 {
	switch {
	case bufferedFrames < b.low:
		return unityFactor - b.step
	case bufferedFrames > b.high:
		return unityFactor + b.step
	default:
		return unityFactor
	}
}
