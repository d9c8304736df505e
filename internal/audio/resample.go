package audio

import (
	"errors"
	"fmt"
	"math"
)

// FullScale is the magnitude a normalized peak is mapped to.
const FullScale = 32767

const (
	// zeroCrossings is the number of sinc lobes kept on each side of the
	// interpolation point at the lower of the two rates.
	zeroCrossings = 8
	// maxPhaseTable bounds the precomputed polyphase table; rarer ratios
	// compute their taps per output sample.
	maxPhaseTable = 4096
)

var ErrInvalidRate = errors.New("audio: sample rate must be positive")

// Resample converts samples from fromRate to toRate and normalizes the result
// so its peak magnitude maps to FullScale. Equal rates return the input
// unchanged. All-zero input is passed through unscaled. An odd output length
// is padded with a single zero sample.
func Resample(samples []int16, fromRate, toRate int) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return samples, fmt.Errorf("%w: from=%d to=%d", ErrInvalidRate, fromRate, toRate)
	}
	if fromRate == toRate {
		return samples, nil
	}
	if len(samples) == 0 {
		return []int16{}, nil
	}
	converted, err := Convert(samples, fromRate, toRate)
	if err != nil {
		return samples, err
	}
	return PadEven(Normalize(converted, PeakOf(converted))), nil
}

// ResampleWithPeak converts like Resample but normalizes against the larger of
// peak and this block's own peak, returning that value so callers can carry
// a running peak across blocks. Equal rates return the input unchanged.
func ResampleWithPeak(samples []int16, fromRate, toRate int, peak float64) ([]int16, float64, error) {
	if fromRate <= 0 || toRate <= 0 {
		return samples, peak, fmt.Errorf("%w: from=%d to=%d", ErrInvalidRate, fromRate, toRate)
	}
	if fromRate == toRate {
		return samples, peak, nil
	}
	converted, err := Convert(samples, fromRate, toRate)
	if err != nil {
		return samples, peak, err
	}
	peak = math.Max(peak, PeakOf(converted))
	return PadEven(Normalize(converted, peak)), peak, nil
}

// Convert performs band-limited rate conversion without touching amplitude.
// Output sample j sits at time j/toRate, so an event at time t in the input
// lands at index t*toRate.
func Convert(samples []int16, fromRate, toRate int) ([]float64, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("%w: from=%d to=%d", ErrInvalidRate, fromRate, toRate)
	}
	if len(samples) == 0 {
		return []float64{}, nil
	}
	if fromRate == toRate {
		out := make([]float64, len(samples))
		for i, s := range samples {
			out[i] = float64(s)
		}
		return out, nil
	}

	g := gcd(fromRate, toRate)
	up, down := int64(toRate/g), int64(fromRate/g)
	outLen := (int64(len(samples))*up + down - 1) / down

	k := newKernel(int(up), fromRate, toRate)
	out := make([]float64, outLen)
	scratch := make([]float64, 2*k.halfWidth)
	for j := range out {
		num := int64(j) * down
		base := int(num / up)
		phase := int(num % up)
		taps := k.taps(phase, scratch)
		start := base - k.halfWidth + 1
		var acc float64
		for i, w := range taps {
			idx := start + i
			if idx < 0 || idx >= len(samples) {
				continue
			}
			acc += w * float64(samples[idx])
		}
		out[j] = acc
	}
	return out, nil
}

// PeakOf returns the largest absolute value in x.
func PeakOf(x []float64) float64 {
	var peak float64
	for _, v := range x {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return peak
}

// Normalize rounds x to 16-bit samples, scaling so that peak maps to
// FullScale. A zero peak means silence (or normalization disabled) and the
// values are only rounded and clamped.
func Normalize(x []float64, peak float64) []int16 {
	scale := 1.0
	if peak > 0 {
		scale = FullScale / peak
	}
	out := make([]int16, len(x))
	for i, v := range x {
		out[i] = clamp16(math.Round(v * scale))
	}
	return out
}

// PadEven appends one zero sample when the sample count is odd.
func PadEven(samples []int16) []int16 {
	if len(samples)%2 != 0 {
		samples = append(samples, 0)
	}
	return samples
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// kernel is a Blackman-windowed sinc low-pass sampled at the fractional
// offsets of each polyphase branch.
type kernel struct {
	up        int
	cutoff    float64
	halfWidth int
	table     [][]float64
}

func newKernel(up, fromRate, toRate int) *kernel {
	cutoff := 1.0
	if toRate < fromRate {
		cutoff = float64(toRate) / float64(fromRate)
	}
	k := &kernel{
		up:        up,
		cutoff:    cutoff,
		halfWidth: int(math.Ceil(zeroCrossings / cutoff)),
	}
	if up <= maxPhaseTable {
		k.table = make([][]float64, up)
		for p := range k.table {
			k.table[p] = k.compute(p, make([]float64, 2*k.halfWidth))
		}
	}
	return k
}

func (k *kernel) taps(phase int, scratch []float64) []float64 {
	if k.table != nil {
		return k.table[phase]
	}
	return k.compute(phase, scratch)
}

func (k *kernel) compute(phase int, dst []float64) []float64 {
	frac := float64(phase) / float64(k.up)
	width := float64(k.halfWidth)
	for i := range dst {
		d := frac + float64(k.halfWidth-1-i)
		dst[i] = k.cutoff * sinc(k.cutoff*d) * blackman(d/width)
	}
	return dst
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func blackman(u float64) float64 {
	if u <= -1 || u >= 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*u) + 0.08*math.Cos(2*math.Pi*u)
}
